package main

import (
	"fmt"
	"os"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/mattjoyce/stevedore/internal/api"
	"github.com/mattjoyce/stevedore/internal/runner"
	"github.com/mattjoyce/stevedore/internal/tui/watch"
)

func newRunnerCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runner",
		Short: "List, inspect and control runners",
	}

	var listJSON bool
	list := &cobra.Command{
		Use:   "list",
		Short: "List registered runners",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			runners, err := g.client().Runners(cmd.Context())
			if err != nil {
				return err
			}
			if listJSON {
				return writeJSON(cmd.OutOrStdout(), runners)
			}
			rows := make([][]string, 0, len(runners))
			for _, r := range runners {
				rows = append(rows, []string{r.ID, r.Type, r.Kind, r.Collection, runnerState(r)})
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderTable([]string{"ID", "TYPE", "KIND", "COLLECTION", "STATE"}, rows))
			return nil
		},
	}
	list.Flags().BoolVar(&listJSON, "json", false, "Output as JSON")

	var showJSON bool
	show := &cobra.Command{
		Use:   "show ID",
		Short: "Show a runner with its parameters",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := g.client().Runner(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if showJSON {
				return writeJSON(cmd.OutOrStdout(), d)
			}
			printRunner(cmd, d)
			return nil
		},
	}
	show.Flags().BoolVar(&showJSON, "json", false, "Output as JSON")

	var noRestart bool
	start := &cobra.Command{
		Use:   "start ID",
		Short: "Start a runner, restarting it when already active",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := g.client().StartRunner(cmd.Context(), args[0], !noRestart); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "runner %s started\n", args[0])
			return nil
		},
	}
	start.Flags().BoolVar(&noRestart, "no-restart", false, "Fail instead of restarting an active runner")

	stop := &cobra.Command{
		Use:   "stop ID",
		Short: "Stop a runner and wait until its subscription is closed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := g.client().StopRunner(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "runner %s stopped\n", args[0])
			return nil
		},
	}

	var format, output string
	template := &cobra.Command{
		Use:   "template ID",
		Short: "Export the modeler template of a runner",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := g.client().Template(cmd.Context(), args[0], format)
			if err != nil {
				return err
			}
			if output == "" {
				_, err = cmd.OutOrStdout().Write(body)
				return err
			}
			if err := os.WriteFile(output, body, 0o644); err != nil {
				return fmt.Errorf("write template: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "template written to %s\n", output)
			return nil
		},
	}
	template.Flags().StringVar(&format, "format", "json", "Template format: json or yaml")
	template.Flags().StringVarP(&output, "output", "o", "", "Write to a file instead of stdout")

	watchCmd := &cobra.Command{
		Use:   "watch",
		Short: "Live view of runners and lifecycle events",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			p := tea.NewProgram(watch.New(cmd.Context(), g.client()), tea.WithContext(cmd.Context()))
			_, err := p.Run()
			return err
		},
	}

	cmd.AddCommand(list, show, start, stop, template, watchCmd)
	return cmd
}

func runnerState(r api.RunnerSummary) string {
	switch {
	case !r.Valid:
		return "invalid"
	case r.Active:
		return "active"
	default:
		return "stopped"
	}
}

func printRunner(cmd *cobra.Command, d *api.RunnerDetailResponse) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "id: %s\n", d.ID)
	fmt.Fprintf(out, "label: %s\n", d.Label)
	fmt.Fprintf(out, "type: %s\n", d.Type)
	fmt.Fprintf(out, "kind: %s\n", d.Kind)
	fmt.Fprintf(out, "collection: %s\n", d.Collection)
	fmt.Fprintf(out, "state: %s\n", runnerState(d.RunnerSummary))
	if d.Description != "" {
		fmt.Fprintf(out, "description: %s\n", d.Description)
	}
	if d.Fingerprint != "" {
		fmt.Fprintf(out, "fingerprint: %s\n", d.Fingerprint)
	}
	for _, e := range d.Errors {
		fmt.Fprintf(out, "error: %s\n", e)
	}

	if len(d.Inputs) > 0 {
		fmt.Fprintln(out, "inputs:")
		fmt.Fprintln(out, renderTable([]string{"NAME", "KIND", "LEVEL", "DEFAULT", "EXPLANATION"}, parameterRows(d.Inputs)))
	}
	if len(d.Outputs) > 0 {
		fmt.Fprintln(out, "outputs:")
		fmt.Fprintln(out, renderTable([]string{"NAME", "KIND", "LEVEL", "DEFAULT", "EXPLANATION"}, parameterRows(d.Outputs)))
	}
	if len(d.DeclaredErrors) > 0 {
		rows := make([][]string, 0, len(d.DeclaredErrors))
		for _, e := range d.DeclaredErrors {
			rows = append(rows, []string{e.Code, e.Description})
		}
		fmt.Fprintln(out, "errors:")
		fmt.Fprintln(out, renderTable([]string{"CODE", "DESCRIPTION"}, rows))
	}
}

func parameterRows(params []runner.TemplateParameter) [][]string {
	rows := make([][]string, 0, len(params))
	for _, p := range params {
		def := ""
		if p.Default != nil {
			def = fmt.Sprint(p.Default)
		}
		name := p.Name
		if !p.Visible {
			name += " (hidden)"
		}
		rows = append(rows, []string{name, string(p.Kind), string(p.Level), def, strings.TrimSpace(p.Explanation)})
	}
	return rows
}
