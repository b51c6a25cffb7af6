package sandbox

import (
	"bytes"
	"context"
	"os/exec"
	"strings"

	"github.com/tangramdotdev/tangram/pkg/log"
	"github.com/tangramdotdev/tangram/pkg/tgerror"
)

// runNative executes a resolved command directly with os/exec instead
// of through containerd, for hosts where no containerd socket is
// reachable (e.g. a developer machine running tg locally). The
// materializer has already produced real host paths for every
// directory/symlink argument and runs in the host's own mount
// namespace, so there is no mount table to assemble; checkBindMountHeuristics
// only flags paths platform_linux.go/platform_darwin.go know to be
// fragile under the hard-link-based layout the materializer otherwise
// prefers.
func (s *Sandbox) runNative(ctx context.Context, executable string, args, env []string, cwd string) (taskOutcome, error) {
	checkBindMountHeuristics(executable)
	for _, a := range args {
		checkBindMountHeuristics(a)
	}

	cmd := exec.CommandContext(ctx, executable, args...)
	cmd.Env = env
	cmd.Dir = cwd
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	err := cmd.Run()
	exitCode := 0
	if exitErr, ok := err.(*exec.ExitError); ok {
		exitCode = exitErr.ExitCode()
		err = nil
	}
	if err != nil {
		return taskOutcome{}, tgerror.Wrap(tgerror.IO, "sandbox.runNative", err, "failed to execute command")
	}
	return taskOutcome{stdout: out.Bytes(), exitCode: uint32(exitCode)}, nil
}

// checkBindMountHeuristics logs a warning when path crosses a boundary
// this platform's table flags as fragile for hard-link-based
// materialization, so a flaky native run has a diagnosable cause.
func checkBindMountHeuristics(path string) {
	for prefix := range bindMountHeuristics {
		if strings.Contains(path, prefix) {
			log.WithComponent("sandbox").Warn().Str("path", path).Str("boundary", prefix).Msg("artifact path crosses a bind-mount heuristic boundary in native mode")
		}
	}
}
