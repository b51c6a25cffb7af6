// Package sandbox runs a content-addressed Command to completion as an
// isolated process, producing a Process record with its terminal
// status and captured output. Grounded on the teacher's
// pkg/runtime/containerd.go (the containerd client wiring, namespace
// scoping, and task lifecycle), rewired here to spawn a single
// short-lived process per tangram Command instead of a long-running
// service container, and to read its executable/arguments/environment
// from the object store rather than an image registry.
package sandbox

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"runtime"
	"sort"
	"strings"
	"syscall"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/cio"
	"github.com/containerd/containerd/namespaces"
	"github.com/containerd/containerd/oci"
	"github.com/google/uuid"

	"github.com/tangramdotdev/tangram/pkg/blob"
	"github.com/tangramdotdev/tangram/pkg/cache"
	"github.com/tangramdotdev/tangram/pkg/log"
	"github.com/tangramdotdev/tangram/pkg/metrics"
	"github.com/tangramdotdev/tangram/pkg/object"
	"github.com/tangramdotdev/tangram/pkg/store"
	"github.com/tangramdotdev/tangram/pkg/tgerror"
)

// Namespace is the containerd namespace tangram processes run under,
// mirroring the teacher's per-product namespacing (it used "warren").
const Namespace = "tangram"

// DefaultSocketPath is used when a Sandbox is opened with an empty
// socket path.
const DefaultSocketPath = "/run/containerd/containerd.sock"

// Sandbox executes Commands addressed in an object store by spawning
// one containerd task per Run call.
type Sandbox struct {
	client *containerd.Client
	store  *store.Store
	cache  *cache.Materializer
}

// New dials the local containerd daemon. socketPath defaults to
// DefaultSocketPath when empty. If no containerd socket is reachable,
// New falls back to native (os/exec-based) execution rather than
// failing outright, since a single-node development host frequently
// has no containerd installed.
func New(socketPath string, st *store.Store, mat *cache.Materializer) (*Sandbox, error) {
	if socketPath == "" {
		socketPath = DefaultSocketPath
	}
	client, err := containerd.New(socketPath)
	if err != nil {
		log.WithComponent("sandbox").Warn().Err(err).Msg("containerd unreachable, falling back to native process execution")
		return &Sandbox{store: st, cache: mat}, nil
	}
	return &Sandbox{client: client, store: st, cache: mat}, nil
}

func (s *Sandbox) Close() error {
	if s.client == nil {
		return nil
	}
	return s.client.Close()
}

// Run resolves the Command at cmdID, spawns it under a fresh
// containerd task, waits for it to exit, and returns the resulting
// Process record (not yet persisted — callers store it and update the
// index). Output is captured to a single blob and wrapped in a File
// node so it can be referenced as Process.Output like any other
// artifact.
func (s *Sandbox) Run(ctx context.Context, cmdID object.Id) (*object.Process, error) {
	node, err := s.store.GetNode(cmdID)
	if err != nil {
		return nil, err
	}
	cmd, ok := node.(*object.Command)
	if !ok {
		return nil, tgerror.New(tgerror.Invalid, "sandbox.Run", "id does not address a command")
	}
	if err := checkHost(cmd.Host); err != nil {
		return nil, err
	}

	executable, err := s.resolveArg(ctx, cmd.Executable)
	if err != nil {
		return nil, tgerror.Wrap(tgerror.Unresolved, "sandbox.Run", err, "failed to resolve executable")
	}
	args := make([]string, 0, len(cmd.Args))
	for _, a := range cmd.Args {
		v, err := s.resolveArg(ctx, a)
		if err != nil {
			return nil, tgerror.Wrap(tgerror.Unresolved, "sandbox.Run", err, "failed to resolve argument")
		}
		args = append(args, v)
	}
	env := make([]string, 0, len(cmd.Env))
	envKeys := make([]string, 0, len(cmd.Env))
	for k := range cmd.Env {
		envKeys = append(envKeys, k)
	}
	sort.Strings(envKeys)
	for _, k := range envKeys {
		v, err := s.resolveArg(ctx, cmd.Env[k])
		if err != nil {
			return nil, tgerror.Wrap(tgerror.Unresolved, "sandbox.Run", err, "failed to resolve environment value for "+k)
		}
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}

	metrics.ProcessesStartedTotal.Inc()
	timer := metrics.NewTimer()
	var outcome taskOutcome
	var runErr error
	if s.client != nil {
		outcome, runErr = s.runTask(ctx, executable, args, env, cmd.Cwd)
	} else {
		outcome, runErr = s.runNative(ctx, executable, args, env, cmd.Cwd)
	}
	timer.ObserveDuration(metrics.ProcessDuration)

	proc := &object.Process{Command: object.NewObjectEdge(cmdID)}
	if runErr != nil {
		metrics.ProcessesFailedTotal.Inc()
		errID, perr := s.storeError(runErr)
		if perr != nil {
			return nil, perr
		}
		proc.Status = object.ProcessStatusFailed
		proc.Error = &object.Edge{Object: &errID}
		return proc, nil
	}

	outputID, err := s.storeOutput(outcome.stdout)
	if err != nil {
		return nil, err
	}
	if cmd.Checksum != "" {
		if err := verifyChecksum(cmd.Checksum, outcome.stdout); err != nil {
			metrics.ProcessesFailedTotal.Inc()
			errID, perr := s.storeError(err)
			if perr != nil {
				return nil, perr
			}
			proc.Status = object.ProcessStatusFailed
			proc.Error = &object.Edge{Object: &errID}
			return proc, nil
		}
	}
	if outcome.exitCode != 0 {
		metrics.ProcessesFailedTotal.Inc()
		errID, perr := s.storeError(fmt.Errorf("process exited with code %d", outcome.exitCode))
		if perr != nil {
			return nil, perr
		}
		proc.Status = object.ProcessStatusFailed
		proc.Error = &object.Edge{Object: &errID}
		return proc, nil
	}

	outEdge := object.NewObjectEdge(outputID)
	proc.Status = object.ProcessStatusSucceeded
	proc.Output = &outEdge
	return proc, nil
}

type taskOutcome struct {
	stdout   []byte
	exitCode uint32
}

// runTask creates a containerd container sharing the host's root
// filesystem (the materialized artifacts resolveArg already produced
// live at real host paths, so there is no image to unpack) and runs
// executable to completion inside it, capturing combined stdout/stderr.
func (s *Sandbox) runTask(ctx context.Context, executable string, args, env []string, cwd string) (taskOutcome, error) {
	ctx = namespaces.WithNamespace(ctx, Namespace)

	var stdout bytes.Buffer
	id := "tg-" + uuid.NewString()

	opts := []oci.SpecOpts{
		oci.WithDefaultSpec(),
		oci.WithRootFSPath("/"),
		oci.WithProcessArgs(append([]string{executable}, args...)...),
		oci.WithEnv(env),
	}
	if cwd != "" {
		opts = append(opts, oci.WithProcessCwd(cwd))
	}

	container, err := s.client.NewContainer(ctx, id, containerd.WithNewSpec(opts...))
	if err != nil {
		return taskOutcome{}, tgerror.Wrap(tgerror.IO, "sandbox.runTask", err, "failed to create container")
	}
	defer container.Delete(ctx)

	task, err := container.NewTask(ctx, cio.NewCreator(cio.WithStreams(nil, &stdout, &stdout)))
	if err != nil {
		return taskOutcome{}, tgerror.Wrap(tgerror.IO, "sandbox.runTask", err, "failed to create task")
	}
	defer task.Delete(ctx)

	statusC, err := task.Wait(ctx)
	if err != nil {
		return taskOutcome{}, tgerror.Wrap(tgerror.IO, "sandbox.runTask", err, "failed to wait on task")
	}
	if err := task.Start(ctx); err != nil {
		return taskOutcome{}, tgerror.Wrap(tgerror.IO, "sandbox.runTask", err, "failed to start task")
	}

	select {
	case status := <-statusC:
		return taskOutcome{stdout: stdout.Bytes(), exitCode: status.ExitCode()}, status.Error()
	case <-ctx.Done():
		_ = task.Kill(context.Background(), syscall.SIGKILL)
		return taskOutcome{}, ctx.Err()
	}
}

func checkHost(host string) error {
	want := runtime.GOOS + "-" + runtime.GOARCH
	if host != "" && host != want && host != "any" {
		return tgerror.New(tgerror.Unsupported, "sandbox.checkHost", fmt.Sprintf("command requires host %q, this node is %q", host, want))
	}
	return nil
}

// resolveArg resolves a Command edge to the string form it takes on
// the command line: a file's raw content for a literal value, or the
// materialized path of a directory/symlink artifact.
func (s *Sandbox) resolveArg(ctx context.Context, e object.Edge) (string, error) {
	if e.Object == nil {
		return "", tgerror.New(tgerror.Unsupported, "sandbox.resolveArg", "graph-relative command arguments are not supported")
	}
	id := *e.Object
	node, err := s.store.GetNode(id)
	if err != nil {
		return "", err
	}
	switch n := node.(type) {
	case *object.File:
		return s.readFile(n)
	case *object.Directory, *object.Symlink:
		return s.cache.Materialize(ctx, id)
	default:
		return "", tgerror.New(tgerror.Unsupported, "sandbox.resolveArg", "unsupported argument node kind")
	}
}

func (s *Sandbox) readFile(f *object.File) (string, error) {
	if f.Contents.Object == nil {
		return "", tgerror.New(tgerror.Unsupported, "sandbox.readFile", "graph-relative file contents are not supported")
	}
	data, err := blob.Read(s.store, *f.Contents.Object)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (s *Sandbox) storeOutput(data []byte) (object.Id, error) {
	rootID, _, err := blob.Build(bytes.NewReader(data), s.store)
	if err != nil {
		return object.Id{}, tgerror.Wrap(tgerror.IO, "sandbox.storeOutput", err, "failed to store captured output")
	}
	file := &object.File{Contents: object.NewObjectEdge(rootID), Dependencies: map[string]object.Edge{}}
	return s.store.PutNode(file)
}

func (s *Sandbox) storeError(cause error) (object.Id, error) {
	rootID, _, err := blob.Build(bytes.NewReader([]byte(cause.Error())), s.store)
	if err != nil {
		return object.Id{}, tgerror.Wrap(tgerror.IO, "sandbox.storeError", err, "failed to store error message")
	}
	errNode := &object.File{Contents: object.NewObjectEdge(rootID), Dependencies: map[string]object.Edge{}}
	return s.store.PutNode(errNode)
}

// verifyChecksum checks data against a "sha256:<hex>"-form checksum, the
// only algorithm Command.Checksum currently names.
func verifyChecksum(checksum string, data []byte) error {
	parts := strings.SplitN(checksum, ":", 2)
	if len(parts) != 2 || parts[0] != "sha256" {
		return tgerror.New(tgerror.Invalid, "sandbox.verifyChecksum", "unsupported checksum algorithm in "+checksum)
	}
	sum := sha256.Sum256(data)
	got := hex.EncodeToString(sum[:])
	if got != parts[1] {
		return tgerror.New(tgerror.Checksum, "sandbox.verifyChecksum", fmt.Sprintf("checksum mismatch: expected %s, got %s", parts[1], got))
	}
	return nil
}
