package runner

import (
	"context"
	"strings"
	"sync"
)

// MockExecutor is a test implementation of Executor.
//
// MockExecutor records every command and can be configured to return
// specific exit codes, outputs or errors per command line. It lets the
// mount and chroot orchestration be exercised without root.
//
// Usage example:
//
//	mock := runner.NewMockExecutor()
//	mock.Outputs["mount"] = "proc on /srv/c1/proc type proc (rw)\n"
//	mock.ExitCodes["umount /srv/c1/proc"] = 32
//
//	r := runner.New(runner.Options{Executor: mock})
//	err := r.Run(ctx, "umount", "/srv/c1/proc")
//	// err is *CommandError{ExitCode: 32}
type MockExecutor struct {
	mu sync.Mutex

	// Calls records every command in order.
	Calls []MockCall

	// ExitCodes maps a full command line (args joined by a single space)
	// or a bare program name to the exit code to report. Full command
	// lines take precedence.
	ExitCodes map[string]int

	// Outputs maps a command line or program name to Output's result.
	Outputs map[string]string

	// Errors maps a command line or program name to a start failure.
	Errors map[string]error

	// OnCall, if set, runs after a call is recorded. Tests use it to
	// simulate side effects such as cancelling a context mid-run.
	OnCall func(call MockCall)
}

// MockCall is one recorded command.
type MockCall struct {
	Args        []string
	Interactive bool // Run through RunInteractive
	Query       bool // Run through Output
}

// String returns the command line joined by spaces.
func (c MockCall) String() string {
	return strings.Join(c.Args, " ")
}

// NewMockExecutor creates a mock where every command succeeds with no output.
func NewMockExecutor() *MockExecutor {
	return &MockExecutor{
		ExitCodes: make(map[string]int),
		Outputs:   make(map[string]string),
		Errors:    make(map[string]error),
	}
}

func (m *MockExecutor) record(call MockCall) (code int, out string, err error) {
	m.mu.Lock()
	m.Calls = append(m.Calls, call)
	line := call.String()
	program := call.Args[0]

	if e, ok := m.Errors[line]; ok {
		err = e
	} else if e, ok := m.Errors[program]; ok {
		err = e
	}
	if c, ok := m.ExitCodes[line]; ok {
		code = c
	} else if c, ok := m.ExitCodes[program]; ok {
		code = c
	}
	if o, ok := m.Outputs[line]; ok {
		out = o
	} else if o, ok := m.Outputs[program]; ok {
		out = o
	}
	hook := m.OnCall
	m.mu.Unlock()

	if hook != nil {
		hook(call)
	}
	return code, out, err
}

// Run records the command and returns the configured exit code.
func (m *MockExecutor) Run(ctx context.Context, args []string) (int, error) {
	code, _, err := m.record(MockCall{Args: args})
	if err != nil {
		return -1, err
	}
	return code, nil
}

// RunInteractive records the command as interactive.
func (m *MockExecutor) RunInteractive(ctx context.Context, args []string) (int, error) {
	code, _, err := m.record(MockCall{Args: args, Interactive: true})
	if err != nil {
		return -1, err
	}
	return code, nil
}

// Output records the query and returns the configured output.
func (m *MockExecutor) Output(ctx context.Context, args []string) ([]byte, error) {
	code, out, err := m.record(MockCall{Args: args, Query: true})
	if err != nil {
		return nil, err
	}
	if code != 0 {
		return []byte(out), &CommandError{Program: args[0], Args: args, ExitCode: code}
	}
	return []byte(out), nil
}

// Commands returns the recorded command lines, optionally skipping queries.
func (m *MockExecutor) Commands(includeQueries bool) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []string
	for _, c := range m.Calls {
		if c.Query && !includeQueries {
			continue
		}
		out = append(out, c.String())
	}
	return out
}

// GetCallCount returns the number of recorded calls.
func (m *MockExecutor) GetCallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Calls)
}

// GetLastCall returns the most recent call, or nil if none.
func (m *MockExecutor) GetLastCall() *MockCall {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.Calls) == 0 {
		return nil
	}
	c := m.Calls[len(m.Calls)-1]
	return &c
}

// Reset clears recorded calls. Configured responses are kept.
func (m *MockExecutor) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls = nil
}
