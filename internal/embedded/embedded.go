// Package embedded holds the runners compiled into the stevedore binary.
package embedded

import (
	"github.com/mattjoyce/stevedore/internal/expression"
	"github.com/mattjoyce/stevedore/internal/runner"
)

// Runner identifiers.
const (
	PingWorkerID       = "ping-worker"
	PingConnectorID    = "ping-connector"
	PingSDKConnectorID = "ping-sdk-connector"
	SetVariablesID     = "set-variables"
)

// Definitions returns a fresh definition for every embedded runner, in
// registration order.
func Definitions() []*runner.Definition {
	return []*runner.Definition{
		PingWorker(),
		PingConnector(),
		PingSDKConnector(),
		SetVariables(expression.New()),
	}
}

// IDs lists the identifiers of the embedded runners.
func IDs() []string {
	defs := Definitions()
	ids := make([]string, 0, len(defs))
	for _, d := range defs {
		ids = append(ids, d.ID)
	}
	return ids
}
