// Package notify matches job status changes against the configured
// notification rules and dispatches alerts through pluggable transports.
package notify

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"sort"
	"sync"
)

// Transport delivers one alert to one address. Implementations must be safe
// for concurrent use; the engine runs one dispatch worker per transport.
type Transport interface {
	Dispatch(ctx context.Context, address, subject, body string) error
}

// TransportConstructor builds a transport from its [transport:NAME] config
// section options.
type TransportConstructor func(opts map[string]string, logger *slog.Logger) (Transport, error)

var (
	transportMu sync.RWMutex
	transports  = map[string]TransportConstructor{}
)

// RegisterTransport adds a transport constructor under name. Registering
// the same name twice panics.
func RegisterTransport(name string, c TransportConstructor) {
	transportMu.Lock()
	defer transportMu.Unlock()
	if _, dup := transports[name]; dup {
		panic(fmt.Sprintf("notify: transport %q registered twice", name))
	}
	transports[name] = c
}

// Transports returns the sorted names of all registered transports.
func Transports() []string {
	transportMu.RLock()
	defer transportMu.RUnlock()
	names := make([]string, 0, len(transports))
	for name := range transports {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// NewTransport constructs the named transport with opts.
func NewTransport(name string, opts map[string]string, logger *slog.Logger) (Transport, error) {
	transportMu.RLock()
	c, ok := transports[name]
	transportMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("notify: unknown transport %q (have %v)", name, Transports())
	}
	return c(opts, logger)
}

func init() {
	RegisterTransport("log", newLogTransport)
	RegisterTransport("command", newCommandTransport)
}

// logTransport writes alerts to the daemon log. Useful in development and
// as a sink in tests.
type logTransport struct {
	logger *slog.Logger
}

func newLogTransport(_ map[string]string, logger *slog.Logger) (Transport, error) {
	return &logTransport{logger: logger}, nil
}

func (t *logTransport) Dispatch(_ context.Context, address, subject, body string) error {
	t.logger.Info("alert",
		slog.String("address", address),
		slog.String("subject", subject),
		slog.String("body", body))
	return nil
}

// commandTransport pipes the alert body to a shell command. The address is
// the command line; the subject is passed in the CRAB_SUBJECT environment
// variable.
type commandTransport struct {
	shell string
}

func newCommandTransport(opts map[string]string, _ *slog.Logger) (Transport, error) {
	shell := opts["shell"]
	if shell == "" {
		shell = "/bin/sh"
	}
	return &commandTransport{shell: shell}, nil
}

func (t *commandTransport) Dispatch(ctx context.Context, address, subject, body string) error {
	if address == "" {
		return fmt.Errorf("notify: command transport needs a command as address")
	}
	cmd := exec.CommandContext(ctx, t.shell, "-c", address)
	cmd.Stdin = bytes.NewBufferString(body)
	cmd.Env = append(cmd.Environ(), "CRAB_SUBJECT="+subject)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("notify: command %q: %v: %s", address, err, bytes.TrimSpace(out))
	}
	return nil
}
