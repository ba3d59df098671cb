//go:build !linux

package runner

import "context"

// RunInteractive falls back to plain stdio where devpts is unavailable.
func (e *SystemExecutor) RunInteractive(ctx context.Context, args []string) (int, error) {
	return e.Run(ctx, args)
}
