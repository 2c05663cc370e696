package providers

import (
	"bytes"
	"context"
	"os/exec"
	"runtime"
	"time"
)

// CLIProvider wraps a local coding-agent CLI binary (codex, claude, opencode)
// as an exec provider. Availability is a short version-check subprocess;
// execution shells out to the binary with the request as its argument list.
type CLIProvider struct {
	name       string
	binary     string
	versionArg string
	capability Capability
	requireOS  string // if set, IsAvailable is false on any other runtime.GOOS
}

// NewCLIProvider creates an exec provider backed by a named CLI binary.
// versionArg is the flag used to probe availability (typically "--version").
func NewCLIProvider(name, binary, versionArg string, capability Capability) *CLIProvider {
	return &CLIProvider{name: name, binary: binary, versionArg: versionArg, capability: capability}
}

func (p *CLIProvider) Name() string          { return p.name }
func (p *CLIProvider) Capability() Capability { return p.capability }

func (p *CLIProvider) IsAvailable(ctx context.Context) bool {
	if p.requireOS != "" && runtime.GOOS != p.requireOS {
		return false
	}
	if _, err := exec.LookPath(p.binary); err != nil {
		return false
	}
	if p.versionArg == "" {
		return true
	}
	probeCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	cmd := exec.CommandContext(probeCtx, p.binary, p.versionArg)
	return cmd.Run() == nil
}

func (p *CLIProvider) Exec(ctx context.Context, req ExecRequest) (*ExecResult, error) {
	ctx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()

	args := append([]string{req.Command}, req.Args...)
	cmd := exec.CommandContext(ctx, p.binary, args...)
	cmd.Dir = req.Cwd
	for k, v := range req.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	exitCode := 0
	success := true
	if err != nil {
		success = false
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			exitCode = -1
		}
	}

	return &ExecResult{
		Success:  success,
		ExitCode: exitCode,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
	}, nil
}

// NewAppleScriptProvider creates the macOS-only osascript exec provider.
// IsAvailable is always false on non-darwin hosts.
func NewAppleScriptProvider() *CLIProvider {
	p := NewCLIProvider("applescript", "osascript", "", Capability{Isolation: "process", Networking: false, Workspace: false})
	p.requireOS = "darwin"
	return p
}
