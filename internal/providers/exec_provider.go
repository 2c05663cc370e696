package providers

import "context"

// Capability describes what an exec provider can do to a command.
type Capability struct {
	Isolation  string // "none", "process", "container", "vm"
	Networking bool
	Workspace  bool
}

// ExecRequest is a single command execution request routed through an ExecProvider.
type ExecRequest struct {
	Command string
	Args    []string
	Cwd     string
	Env     map[string]string
}

// ExecResult is the outcome of running an ExecRequest through a provider,
// decorated with fallback bookkeeping by the Router.
type ExecResult struct {
	Success   bool          `json:"success"`
	ExitCode  int           `json:"exitCode"`
	Stdout    string        `json:"stdout"`
	Stderr    string        `json:"stderr"`
	ElapsedMs int64         `json:"elapsedMs"`
	Provider  string        `json:"provider,omitempty"`
	Fallback  *FallbackInfo `json:"fallback,omitempty"`
}

// FallbackInfo records whether the Router had to move past the first
// candidate provider, and which providers it tried along the way.
type FallbackInfo struct {
	Used      bool     `json:"used"`
	Reason    string   `json:"reason,omitempty"`
	Attempted []string `json:"attempted,omitempty"`
}

// ExecProvider is a command-execution backend (a local CLI agent, a
// sandboxed runner, a remote executor) that the Router can select among.
type ExecProvider interface {
	Name() string
	Capability() Capability
	// IsAvailable probes whether the provider can run right now (typically
	// a short version-check subprocess). Called on the hot path, so it
	// must respect ctx's deadline.
	IsAvailable(ctx context.Context) bool
	Exec(ctx context.Context, req ExecRequest) (*ExecResult, error)
}
