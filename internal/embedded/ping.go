package embedded

import (
	"context"
	"math/rand/v2"
	"net"
	"time"

	"github.com/mattjoyce/stevedore/internal/queue"
	"github.com/mattjoyce/stevedore/internal/runner"
)

const (
	inMessage    = "message"
	inDelay      = "delay"
	inThrowError = "throwErrorPlease"

	outTimestamp  = "timestamp"
	outIPAddress  = "ipAddress"
	outParameters = "parameters"

	// ErrBadWeather is raised by the ping runners on request.
	ErrBadWeather = "BAD_WEATHER"

	timestampLayout = "20060102 15:04:05"
	maxRandomDelay  = time.Second
)

var badWeather = runner.ErrorDecl{Code: ErrBadWeather, Description: "Why this is a bad weather?"}

func pingInputs() []runner.Parameter {
	return []runner.Parameter{
		runner.Param(inMessage, "Message", runner.ValueString, runner.LevelOptional, "Message to log"),
		runner.Param(inDelay, "Delay", runner.ValueNumber, runner.LevelOptional,
			"Delay to sleep in milliseconds. A negative value sleeps a random time up to one second"),
		runner.Param(inThrowError, "Throw error please", runner.ValueBoolean, runner.LevelOptional,
			"Raise the BAD_WEATHER error instead of answering").WithDefault(false),
	}
}

// PingWorker logs the message, sleeps the delay and returns a timestamp.
func PingWorker() *runner.Definition {
	return runner.NewWorker(runner.Metadata{
		ID:          PingWorkerID,
		Type:        "c-pingworker",
		Name:        "PingWorker",
		Description: "Do a simple ping as a worker and return a timestamp. A delay can be set as a parameter",
		Inputs:      pingInputs(),
		Outputs: []runner.Parameter{
			runner.Param(outTimestamp, "Time stamp", runner.ValueString, runner.LevelRequired, "Produce a timestamp"),
		},
		Errors: []runner.ErrorDecl{badWeather},
	}, runner.WorkerFunc(pingWorker))
}

func pingWorker(ctx context.Context, _ *queue.Job, ec *runner.ExecutionContext) error {
	in := ec.Inputs()
	ec.Logger.Info("ping", "message", in.String(inMessage, ""))

	if err := pause(ctx, in.Int(inDelay, 0)); err != nil {
		return err
	}
	if in.Bool(inThrowError, false) {
		return runner.Declare(ErrBadWeather, "Raining too much").WithVariables(map[string]any{
			"temperature": 12,
			"humidity":    95,
		})
	}
	ec.SetOutput(outTimestamp, time.Now().Format(timestampLayout))
	return nil
}

type pingResult struct {
	Timestamp  int64          `json:"timestamp"`
	IPAddress  string         `json:"ipAddress"`
	Parameters map[string]any `json:"parameters"`
}

// PingConnector answers with a timestamp, the host address and the
// parameters it received.
func PingConnector() *runner.Definition {
	return runner.NewConnector(runner.Metadata{
		ID:          PingConnectorID,
		Type:        "c-pingconnector",
		Name:        "PingConnector",
		Label:       "Ping (Connector)",
		Description: "Do a simple ping as a connector and return timestamp, ipAddress and the parameters. A delay can be set as a parameter",
		Inputs:      pingInputs(),
		Outputs: []runner.Parameter{
			runner.Param(outTimestamp, "Time stamp", runner.ValueNumber, runner.LevelRequired, "Milliseconds since epoch"),
			runner.Param(outIPAddress, "IP address", runner.ValueString, runner.LevelRequired, "Address of the host"),
			runner.Param(outParameters, "Parameters", runner.ValueObject, runner.LevelOptional, "Parameters received"),
		},
		Errors: []runner.ErrorDecl{badWeather},
	}, runner.ConnectorFunc(pingConnector))
}

func pingConnector(ctx context.Context, in runner.Inputs) (any, error) {
	if in.Bool(inThrowError, false) {
		return nil, runner.Declare(ErrBadWeather, "Raining too much")
	}
	if err := pause(ctx, in.Int(inDelay, 0)); err != nil {
		return nil, err
	}
	return pingResult{
		Timestamp:  time.Now().UnixMilli(),
		IPAddress:  hostAddress(),
		Parameters: in.All(),
	}, nil
}

// pingSDK is a connector written against the SDK contract; its metadata is
// probed from its methods.
type pingSDK struct{}

func (pingSDK) Name() string { return "PingSdkConnector" }

func (pingSDK) Description() string {
	return "Do a simple ping as an SDK connector and return an object with timestamp and ipAddress"
}

func (pingSDK) CollectionName() string { return runner.DefaultCollection }

func (pingSDK) InputParameters() []map[string]any {
	return []map[string]any{
		{"name": inMessage, "label": "Message", "type": "string", "level": "optional", "explanation": "Message to log", "visibleInTemplate": true},
		{"name": inDelay, "label": "Delay", "type": "number", "level": "optional", "explanation": "Delay to sleep in milliseconds", "visibleInTemplate": true},
		{"name": inThrowError, "label": "Throw error please", "type": "boolean", "level": "optional", "defaultValue": false},
	}
}

func (pingSDK) OutputParameters() []map[string]any {
	return []map[string]any{
		{"name": outTimestamp, "label": "Time stamp", "type": "number", "level": "required"},
		{"name": outIPAddress, "label": "IP address", "type": "string", "level": "required"},
	}
}

func (pingSDK) ErrorCodes() map[string]string {
	return map[string]string{ErrBadWeather: badWeather.Description}
}

func (pingSDK) Execute(ctx context.Context, variables map[string]any) (any, error) {
	if v, _ := variables[inThrowError].(bool); v {
		return nil, runner.Declare(ErrBadWeather, "Raining too much")
	}
	var delay int64
	if d, ok := variables[inDelay].(float64); ok {
		delay = int64(d)
	}
	if err := pause(ctx, delay); err != nil {
		return nil, err
	}
	return map[string]any{
		outTimestamp: time.Now().UnixMilli(),
		outIPAddress: hostAddress(),
	}, nil
}

// PingSDKConnector wraps pingSDK.
func PingSDKConnector() *runner.Definition {
	return runner.NewSDKConnector(runner.Metadata{
		ID:   PingSDKConnectorID,
		Type: "c-pingsdkconnector",
	}, pingSDK{})
}

// pause sleeps ms milliseconds, a random time up to maxRandomDelay when ms is
// negative.
func pause(ctx context.Context, ms int64) error {
	d := time.Duration(ms) * time.Millisecond
	if ms < 0 {
		d = rand.N(maxRandomDelay)
	}
	if d == 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// hostAddress is the first non-loopback IPv4 address of the host.
func hostAddress() string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "127.0.0.1"
	}
	for _, a := range addrs {
		if ipnet, ok := a.(*net.IPNet); ok && !ipnet.IP.IsLoopback() && ipnet.IP.To4() != nil {
			return ipnet.IP.String()
		}
	}
	return "127.0.0.1"
}
