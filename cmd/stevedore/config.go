package main

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/mattjoyce/stevedore/internal/config"
	"github.com/mattjoyce/stevedore/internal/embedded"
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration",
	}

	var configPath, expect string
	check := &cobra.Command{
		Use:   "check",
		Short: "Validate a configuration file against the registered runners",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd, configPath)
			if err != nil {
				return err
			}
			if err := config.NewValidator(cfg, embedded.IDs()).ValidateCrossReferences(); err != nil {
				return err
			}
			if expect != "" {
				if err := config.VerifyFingerprint(cfg.Path, expect); err != nil {
					return err
				}
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Config OK: %s\n", cfg.Path)
			fmt.Fprintf(out, "fingerprint: %s\n", cfg.Fingerprint)
			fmt.Fprintf(out, "state: %s\n", cfg.State.Path)
			fmt.Fprintf(out, "threads: %d\n", cfg.Queue.Threads)
			if cfg.API.Enabled {
				fmt.Fprintf(out, "api: %s (%d scoped tokens)\n", cfg.API.Listen, len(cfg.API.Auth.Tokens))
			} else {
				fmt.Fprintln(out, "api: disabled")
			}

			disabled := cfg.DisabledRunners()
			ids := embedded.IDs()
			sort.Strings(ids)
			rows := make([][]string, 0, len(ids))
			for _, id := range ids {
				state := "enabled"
				if disabled[id] {
					state = "disabled"
				}
				rows = append(rows, []string{id, state})
			}
			fmt.Fprintln(out, renderTable([]string{"RUNNER", "AT STARTUP"}, rows))
			return nil
		},
	}
	check.Flags().StringVar(&configPath, "config", "", "Path to configuration file or directory")
	check.Flags().StringVar(&expect, "expect", "", "Fail unless the config file has this fingerprint")

	cmd.AddCommand(check)
	return cmd
}
