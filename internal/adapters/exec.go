package adapters

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
)

// runner shells out to a firewall binary. Split out so adapter logic
// is testable without touching the host firewall.
type runner interface {
	run(ctx context.Context, bin string, args ...string) (string, error)
}

type execRunner struct{}

func (execRunner) run(ctx context.Context, bin string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, bin, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		var execErr *exec.Error
		if errors.As(err, &execErr) {
			// The binary itself is missing or not runnable.
			return "", Unreachable(fmt.Errorf("%s: %w", bin, err))
		}
		if ctx.Err() != nil {
			return "", Transient(fmt.Errorf("%s timed out: %w", bin, ctx.Err()))
		}
		return "", fmt.Errorf("%s: %w: %s", bin, err, bytes.TrimSpace(stderr.Bytes()))
	}
	return stdout.String(), nil
}
