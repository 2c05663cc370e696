package providers

import (
	"bytes"
	"context"
	"os/exec"
	"time"
)

// NativeProvider runs commands directly on the host shell. It is always
// available and carries no isolation — the exec tool's own deny-pattern
// policy is the only guard rail.
type NativeProvider struct {
	timeout time.Duration
}

// NewNativeProvider creates the always-available host-shell exec provider.
func NewNativeProvider() *NativeProvider {
	return &NativeProvider{timeout: 60 * time.Second}
}

func (p *NativeProvider) Name() string { return "native" }

func (p *NativeProvider) Capability() Capability {
	return Capability{Isolation: "none", Networking: true, Workspace: true}
}

func (p *NativeProvider) IsAvailable(ctx context.Context) bool { return true }

func (p *NativeProvider) Exec(ctx context.Context, req ExecRequest) (*ExecResult, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	args := append([]string{req.Command}, req.Args...)
	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
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
