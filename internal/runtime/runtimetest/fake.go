// Package runtimetest provides an in-memory runtime.Client for tests.
package runtimetest

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/genos-ai/zeblit-sub001/internal/runtime"
)

// Container is the fake engine's record of one container.
type Container struct {
	ID      string
	Opts    runtime.CreateOptions
	Running bool
	Created time.Time
}

// Fake emulates a container engine. Exec understands a tiny command
// language: echo, true, false, exit N, sleep N (compared against the
// request timeout instead of sleeping) and /bin/sh -c scripts joining those
// with && or ;.
type Fake struct {
	mu         sync.Mutex
	containers map[string]*Container
	calls      map[string]int
	nextID     int

	// CreateGate, when set, blocks Create until it is closed or receives.
	CreateGate chan struct{}
	// CreateErr is returned by Create when set.
	CreateErr error
	// StartErr is returned by Start when set.
	StartErr error
	// ExecFunc replaces the built-in command emulation.
	ExecFunc func(ctx context.Context, containerID string, req runtime.ExecRequest) (runtime.ExecResult, error)
	// StatsErrs are returned, in order, before Stats succeeds.
	StatsErrs []error
	// StatsValue is the sample returned by Stats.
	StatsValue runtime.Stats
	// LogText is returned by Logs.
	LogText string

	streams []*Stream
}

// New returns an empty fake engine.
func New() *Fake {
	return &Fake{
		containers: make(map[string]*Container),
		calls:      make(map[string]int),
	}
}

// Calls reports how many times op was invoked.
func (f *Fake) Calls(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

// TotalCalls reports the number of calls across all operations.
func (f *Fake) TotalCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	total := 0
	for _, n := range f.calls {
		total += n
	}
	return total
}

// Container returns a copy of the container with id.
func (f *Fake) Container(id string) (Container, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[id]
	if !ok {
		return Container{}, false
	}
	return *c, true
}

// Forget drops a container as if it was removed out of band.
func (f *Fake) Forget(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.containers, id)
}

// Halt marks a container stopped as if it exited on its own.
func (f *Fake) Halt(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.containers[id]; ok {
		c.Running = false
	}
}

// Seed registers an existing container, used to test adoption.
func (f *Fake) Seed(opts runtime.CreateOptions, running bool) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := fmt.Sprintf("c%d", f.nextID)
	f.containers[id] = &Container{ID: id, Opts: opts, Running: running, Created: time.Now()}
	return id
}

// Streams returns the streams opened so far.
func (f *Fake) Streams() []*Stream {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*Stream(nil), f.streams...)
}

func (f *Fake) record(op string) {
	f.mu.Lock()
	f.calls[op]++
	f.mu.Unlock()
}

func (f *Fake) Create(ctx context.Context, opts runtime.CreateOptions) (string, error) {
	f.record("create")
	if f.CreateGate != nil {
		select {
		case <-f.CreateGate:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if f.CreateErr != nil {
		return "", f.CreateErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := fmt.Sprintf("c%d", f.nextID)
	f.containers[id] = &Container{ID: id, Opts: opts, Created: time.Now()}
	return id, nil
}

func (f *Fake) Start(ctx context.Context, id string) error {
	f.record("start")
	if f.StartErr != nil {
		return f.StartErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[id]
	if !ok {
		return runtime.ErrContainerNotFound
	}
	c.Running = true
	return nil
}

func (f *Fake) Stop(ctx context.Context, id string, grace time.Duration) error {
	f.record("stop")
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[id]
	if !ok {
		return runtime.ErrContainerNotFound
	}
	c.Running = false
	return nil
}

func (f *Fake) Remove(ctx context.Context, id string) error {
	f.record("remove")
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.containers[id]; !ok {
		return runtime.ErrContainerNotFound
	}
	delete(f.containers, id)
	return nil
}

func (f *Fake) Inspect(ctx context.Context, id string) (runtime.ContainerState, error) {
	f.record("inspect")
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[id]
	if !ok {
		return runtime.ContainerState{}, runtime.ErrContainerNotFound
	}
	status := "exited"
	if c.Running {
		status = "running"
	}
	return runtime.ContainerState{ID: id, Running: c.Running, Status: status}, nil
}

func (f *Fake) List(ctx context.Context, labels map[string]string) ([]runtime.ContainerSummary, error) {
	f.record("list")
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []runtime.ContainerSummary
	for _, c := range f.containers {
		match := true
		for k, v := range labels {
			if c.Opts.Labels[k] != v {
				match = false
				break
			}
		}
		if match {
			out = append(out, runtime.ContainerSummary{ID: c.ID, Name: c.Opts.Name, Running: c.Running, Labels: c.Opts.Labels, Created: c.Created})
		}
	}
	return out, nil
}

func (f *Fake) runnable(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[id]
	if !ok {
		return runtime.ErrContainerNotFound
	}
	if !c.Running {
		return runtime.ErrContainerNotRunning
	}
	return nil
}

func (f *Fake) Exec(ctx context.Context, id string, req runtime.ExecRequest) (runtime.ExecResult, error) {
	f.record("exec")
	if err := f.runnable(id); err != nil {
		return runtime.ExecResult{}, err
	}
	if f.ExecFunc != nil {
		return f.ExecFunc(ctx, id, req)
	}
	return Emulate(req)
}

// Emulate runs req through the fake command language.
func Emulate(req runtime.ExecRequest) (runtime.ExecResult, error) {
	stdout := runtime.NewLimitedBuffer(req.MaxOutputBytes)
	stderr := runtime.NewLimitedBuffer(req.MaxOutputBytes)
	var elapsed time.Duration

	steps := [][]string{req.Args}
	if len(req.Args) == 3 && req.Args[0] == "/bin/sh" && req.Args[1] == "-c" {
		steps = splitScript(req.Args[2])
	}
	code := 0
	for _, args := range steps {
		code = 0
		if len(args) == 0 {
			continue
		}
		switch args[0] {
		case "echo":
			fmt.Fprintln(stdout, strings.Join(args[1:], " "))
		case "pwd":
			fmt.Fprintln(stdout, req.WorkDir)
		case "printenv":
			for _, kv := range req.Env {
				if len(args) > 1 && strings.HasPrefix(kv, args[1]+"=") {
					fmt.Fprintln(stdout, strings.TrimPrefix(kv, args[1]+"="))
				}
			}
		case "yes":
			line := bytes.Repeat([]byte("y\n"), 1024)
			for i := 0; i < 1024; i++ {
				_, _ = stdout.Write(line)
			}
		case "true":
		case "false":
			code = 1
		case "exit":
			if len(args) > 1 {
				code, _ = strconv.Atoi(args[1])
			}
		case "sleep":
			if len(args) > 1 {
				secs, _ := strconv.ParseFloat(args[1], 64)
				elapsed += time.Duration(secs * float64(time.Second))
				if req.Timeout > 0 && elapsed > req.Timeout {
					return runtime.ExecResult{}, runtime.ErrExecutionTimeout
				}
			}
		default:
			fmt.Fprintf(stderr, "sh: %s: not found\n", args[0])
			code = 127
		}
		if code != 0 {
			break
		}
	}
	return runtime.ExecResult{
		ExitCode:        code,
		Stdout:          stdout.Bytes(),
		Stderr:          stderr.Bytes(),
		StdoutTruncated: stdout.Truncated(),
		StderrTruncated: stderr.Truncated(),
	}, nil
}

func splitScript(script string) [][]string {
	script = strings.NewReplacer("&&", "\n", ";", "\n").Replace(script)
	var steps [][]string
	for _, line := range strings.Split(script, "\n") {
		if fields := strings.Fields(line); len(fields) > 0 {
			steps = append(steps, fields)
		}
	}
	return steps
}

func (f *Fake) StreamExec(ctx context.Context, id string, req runtime.StreamRequest) (runtime.Stream, error) {
	f.record("stream")
	if err := f.runnable(id); err != nil {
		return nil, err
	}
	s := NewStream(req)
	f.mu.Lock()
	f.streams = append(f.streams, s)
	f.mu.Unlock()
	return s, nil
}

func (f *Fake) Logs(ctx context.Context, id string, tail int) (string, error) {
	f.record("logs")
	f.mu.Lock()
	_, ok := f.containers[id]
	f.mu.Unlock()
	if !ok {
		return "", runtime.ErrContainerNotFound
	}
	return f.LogText, nil
}

func (f *Fake) Stats(ctx context.Context, id string) (runtime.Stats, error) {
	f.record("stats")
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.StatsErrs) > 0 {
		err := f.StatsErrs[0]
		f.StatsErrs = f.StatsErrs[1:]
		return runtime.Stats{}, err
	}
	c, ok := f.containers[id]
	if !ok {
		return runtime.Stats{}, runtime.ErrContainerNotFound
	}
	if !c.Running {
		return runtime.Stats{}, runtime.ErrContainerNotRunning
	}
	return f.StatsValue, nil
}

// Stream is a fake exec stream. The test plays the process: Emit writes
// process output, Input returns what the client typed, Exit ends it.
type Stream struct {
	Request runtime.StreamRequest

	outR *io.PipeReader
	outW *io.PipeWriter

	mu      sync.Mutex
	input   bytes.Buffer
	resizes [][2]uint
	killed  bool
	closed  bool
	code    int
	done    chan struct{}
	once    sync.Once
}

// NewStream returns a fake stream for req.
func NewStream(req runtime.StreamRequest) *Stream {
	r, w := io.Pipe()
	return &Stream{Request: req, outR: r, outW: w, done: make(chan struct{})}
}

// Emit writes process output; it blocks until the reader consumes it.
func (s *Stream) Emit(p []byte) error {
	_, err := s.outW.Write(p)
	return err
}

// Exit ends the process with code.
func (s *Stream) Exit(code int) {
	s.once.Do(func() {
		s.mu.Lock()
		s.code = code
		s.mu.Unlock()
		_ = s.outW.Close()
		close(s.done)
	})
}

// Input returns bytes written by the client.
func (s *Stream) Input() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.input.String()
}

// Resizes returns the rows/cols pairs requested so far.
func (s *Stream) Resizes() [][2]uint {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][2]uint(nil), s.resizes...)
}

// Killed reports whether Kill was called.
func (s *Stream) Killed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.killed
}

// Closed reports whether Close was called.
func (s *Stream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Done is closed once the process has exited.
func (s *Stream) Done() <-chan struct{} { return s.done }

func (s *Stream) Read(p []byte) (int, error) { return s.outR.Read(p) }

func (s *Stream) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, io.ErrClosedPipe
	}
	return s.input.Write(p)
}

func (s *Stream) Resize(ctx context.Context, rows, cols uint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resizes = append(s.resizes, [2]uint{rows, cols})
	return nil
}

func (s *Stream) CloseWrite() error { return nil }

func (s *Stream) Kill(ctx context.Context) error {
	s.mu.Lock()
	s.killed = true
	s.mu.Unlock()
	s.Exit(137)
	return nil
}

func (s *Stream) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	_ = s.outR.CloseWithError(io.EOF)
	return nil
}

func (s *Stream) Wait(ctx context.Context) (int, error) {
	select {
	case <-s.done:
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.code, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}
