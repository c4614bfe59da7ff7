package session

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/genos-ai/zeblit-sub001/internal/domain"
	"github.com/genos-ai/zeblit-sub001/internal/runtime"
	"github.com/genos-ai/zeblit-sub001/internal/runtime/runtimetest"
)

type stubContainers struct {
	mu          sync.Mutex
	containerID string
	acquired    int
	released    int
	touched     int
	invalidated int

	// entered and gate, when set, hold Acquire until gate is closed.
	entered chan struct{}
	gate    chan struct{}
}

func (c *stubContainers) Acquire(ctx context.Context, projectID string) (domain.ContainerRecord, func(), error) {
	if c.gate != nil {
		select {
		case c.entered <- struct{}{}:
		default:
		}
		<-c.gate
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.acquired++
	var once sync.Once
	return domain.ContainerRecord{ProjectID: projectID, ContainerID: c.containerID, State: domain.ContainerRunning}, func() {
		once.Do(func() {
			c.mu.Lock()
			c.released++
			c.mu.Unlock()
		})
	}, nil
}

func (c *stubContainers) Invalidate(ctx context.Context, projectID, containerID string, cause error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.invalidated++
	return nil
}

func (c *stubContainers) Touch(projectID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.touched++
}

func (c *stubContainers) counts() (acquired, released, touched int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.acquired, c.released, c.touched
}

// pipeTransport is an in-memory client connection.
type pipeTransport struct {
	in      chan Message
	out     chan Message
	closed  chan struct{}
	hangup  chan struct{}
	closeMu sync.Once
	hangMu  sync.Once
}

func newPipe(outBuffer int) *pipeTransport {
	return &pipeTransport{
		in:     make(chan Message),
		out:    make(chan Message, outBuffer),
		closed: make(chan struct{}),
		hangup: make(chan struct{}),
	}
}

func (p *pipeTransport) ReadMessage(ctx context.Context) (Message, error) {
	select {
	case msg := <-p.in:
		return msg, nil
	case <-p.hangup:
		return Message{}, io.EOF
	case <-p.closed:
		return Message{}, io.ErrClosedPipe
	case <-ctx.Done():
		return Message{}, ctx.Err()
	}
}

func (p *pipeTransport) WriteMessage(ctx context.Context, msg Message) error {
	select {
	case p.out <- msg:
		return nil
	case <-p.hangup:
		return io.ErrClosedPipe
	case <-p.closed:
		return io.ErrClosedPipe
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *pipeTransport) Close() error {
	p.closeMu.Do(func() { close(p.closed) })
	return nil
}

func (p *pipeTransport) send(t *testing.T, msg Message) {
	t.Helper()
	select {
	case p.in <- msg:
	case <-time.After(2 * time.Second):
		t.Fatal("server did not read client message")
	}
}

func (p *pipeTransport) disconnect() {
	p.hangMu.Do(func() { close(p.hangup) })
}

func (p *pipeTransport) next(t *testing.T) Message {
	t.Helper()
	select {
	case msg := <-p.out:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("no message from server")
		return Message{}
	}
}

func (p *pipeTransport) nextControl(t *testing.T) Control {
	t.Helper()
	for {
		msg := p.next(t)
		if msg.Binary {
			continue
		}
		ctrl, err := ParseControl(msg.Data)
		require.NoError(t, err)
		return ctrl
	}
}

type sessionFixture struct {
	rt         *runtimetest.Fake
	containers *stubContainers
	mgr        *Manager
}

func newSessionFixture(t *testing.T, cfg Config) *sessionFixture {
	t.Helper()
	rt := runtimetest.New()
	id := rt.Seed(runtime.CreateOptions{Name: "zeblit-proj-1"}, true)
	containers := &stubContainers{containerID: id}
	if cfg.Registerer == nil {
		cfg.Registerer = prometheus.NewRegistry()
	}
	mgr := NewManager(containers, rt, cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	return &sessionFixture{rt: rt, containers: containers, mgr: mgr}
}

func (f *sessionFixture) open(t *testing.T, opts OpenOptions) (*Session, *runtimetest.Stream) {
	t.Helper()
	s, err := f.mgr.Open(context.Background(), "proj-1", opts)
	require.NoError(t, err)
	streams := f.rt.Streams()
	require.NotEmpty(t, streams)
	return s, streams[len(streams)-1]
}

func serve(f *sessionFixture, s *Session, p *pipeTransport) <-chan error {
	done := make(chan error, 1)
	go func() { done <- f.mgr.Serve(context.Background(), s, p) }()
	return done
}

func waitServe(t *testing.T, done <-chan error) {
	t.Helper()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("serve did not return")
	}
}

func waitBound(t *testing.T, s *Session) {
	t.Helper()
	require.Eventually(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.bound
	}, time.Second, 5*time.Millisecond)
}

func TestOpenAttachesWithDefaults(t *testing.T) {
	f := newSessionFixture(t, Config{WorkspacePath: "/workspace"})
	s, stream := f.open(t, OpenOptions{})

	snap := s.Snapshot()
	assert.Equal(t, domain.SessionAttached, snap.State)
	assert.Equal(t, "proj-1", snap.ProjectID)
	assert.NotEmpty(t, snap.ID)
	assert.False(t, snap.KillOnDisconnect)

	assert.Equal(t, []string{"/bin/sh", "-l"}, stream.Request.Args)
	assert.Equal(t, "/workspace", stream.Request.WorkDir)
	assert.True(t, stream.Request.TTY)
	assert.Equal(t, uint(24), stream.Request.Rows)
	assert.Equal(t, uint(80), stream.Request.Cols)

	got, err := f.mgr.Get(s.ID)
	require.NoError(t, err)
	assert.Equal(t, s.ID, got.ID)
	assert.Len(t, f.mgr.List("proj-1"), 1)
	assert.Empty(t, f.mgr.List("proj-2"))
}

func TestOpenKillOnDisconnectOverride(t *testing.T) {
	f := newSessionFixture(t, Config{KillOnDisconnect: true})
	off := false
	s, _ := f.open(t, OpenOptions{KillOnDisconnect: &off})
	assert.False(t, s.KillOnDisconnect)

	s, _ = f.open(t, OpenOptions{})
	assert.True(t, s.KillOnDisconnect)
}

func TestServeRelaysBytesAndExit(t *testing.T) {
	f := newSessionFixture(t, Config{})
	s, stream := f.open(t, OpenOptions{Args: []string{"python3"}})
	p := newPipe(16)
	done := serve(f, s, p)

	p.send(t, Message{Binary: true, Data: []byte("print('hi')\n")})
	require.NoError(t, stream.Emit([]byte("hi\r\n")))
	msg := p.next(t)
	assert.True(t, msg.Binary)
	assert.Equal(t, "hi\r\n", string(msg.Data))

	stream.Exit(0)
	ctrl := p.nextControl(t)
	assert.Equal(t, ControlExit, ctrl.Type)
	require.NotNil(t, ctrl.Code)
	assert.Equal(t, 0, *ctrl.Code)
	waitServe(t, done)

	assert.Equal(t, "print('hi')\n", stream.Input())
	assert.Equal(t, domain.SessionClosed, s.State())
	code, ok := s.ExitCode()
	assert.True(t, ok)
	assert.Equal(t, 0, code)
	_, err := f.mgr.Get(s.ID)
	assert.ErrorIs(t, err, ErrSessionNotFound)

	acquired, released, touched := f.containers.counts()
	assert.Equal(t, 1, acquired)
	assert.Equal(t, 1, released)
	assert.GreaterOrEqual(t, touched, 1)
}

func TestServeAppliesResize(t *testing.T) {
	f := newSessionFixture(t, Config{})
	s, stream := f.open(t, OpenOptions{})
	p := newPipe(16)
	done := serve(f, s, p)

	p.send(t, ControlMessage(Control{Type: ControlResize, Rows: 50, Cols: 120}))
	p.send(t, Message{Data: []byte(`{"type":"bogus"}`)})
	ctrl := p.nextControl(t)
	assert.Equal(t, ControlError, ctrl.Type)
	assert.Equal(t, [][2]uint{{50, 120}}, stream.Resizes())

	stream.Exit(0)
	waitServe(t, done)
}

func TestDisconnectKeepsProcessByDefault(t *testing.T) {
	f := newSessionFixture(t, Config{})
	s, stream := f.open(t, OpenOptions{Args: []string{"npm", "run", "dev"}})
	p := newPipe(16)
	done := serve(f, s, p)

	p.disconnect()
	waitServe(t, done)

	assert.False(t, stream.Killed())
	assert.True(t, stream.Closed())
	assert.Equal(t, domain.SessionClosed, s.State())
	_, released, _ := f.containers.counts()
	assert.Equal(t, 1, released)
}

func TestDisconnectKillsWhenRequested(t *testing.T) {
	f := newSessionFixture(t, Config{})
	kill := true
	s, stream := f.open(t, OpenOptions{KillOnDisconnect: &kill})
	p := newPipe(16)
	done := serve(f, s, p)

	p.disconnect()
	waitServe(t, done)

	assert.True(t, stream.Killed())
	code, ok := s.ExitCode()
	assert.True(t, ok)
	assert.Equal(t, 137, code)
}

func TestCloseFrameEndsSession(t *testing.T) {
	f := newSessionFixture(t, Config{})
	s, stream := f.open(t, OpenOptions{})
	p := newPipe(16)
	done := serve(f, s, p)

	p.send(t, ControlMessage(Control{Type: ControlClose, Kill: true}))
	ctrl := p.nextControl(t)
	assert.Equal(t, ControlClose, ctrl.Type)
	assert.Equal(t, ReasonClose, ctrl.Reason)
	waitServe(t, done)
	assert.True(t, stream.Killed())
}

func TestIdleTimeoutClosesSession(t *testing.T) {
	f := newSessionFixture(t, Config{IdleTimeout: 40 * time.Millisecond})
	s, stream := f.open(t, OpenOptions{})
	p := newPipe(16)
	done := serve(f, s, p)

	ctrl := p.nextControl(t)
	assert.Equal(t, ControlClose, ctrl.Type)
	assert.Equal(t, ReasonIdle, ctrl.Reason)
	waitServe(t, done)
	assert.False(t, stream.Killed())
	assert.Equal(t, domain.SessionClosed, s.State())
}

func TestSlowClientBackPressuresProcess(t *testing.T) {
	f := newSessionFixture(t, Config{BufferChunks: 2, ChunkSize: 4})
	s, stream := f.open(t, OpenOptions{})
	p := newPipe(0)
	done := serve(f, s, p)

	const total = 12
	var emitted atomic.Int32
	emitDone := make(chan struct{})
	go func() {
		defer close(emitDone)
		for i := 0; i < total; i++ {
			if err := stream.Emit([]byte("abcd")); err != nil {
				return
			}
			emitted.Add(1)
		}
	}()

	time.Sleep(100 * time.Millisecond)
	// Two queued chunks, one held by the reader and one in the client write.
	assert.LessOrEqual(t, emitted.Load(), int32(4))

	received := 0
	for received < total {
		msg := p.next(t)
		if msg.Binary {
			received++
		}
	}
	<-emitDone
	assert.Equal(t, int32(total), emitted.Load())

	stream.Exit(0)
	assert.Equal(t, ControlExit, p.nextControl(t).Type)
	waitServe(t, done)
}

func TestManagerCloseKillsAttachedSession(t *testing.T) {
	f := newSessionFixture(t, Config{})
	s, stream := f.open(t, OpenOptions{})
	p := newPipe(16)
	done := serve(f, s, p)
	waitBound(t, s)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, f.mgr.Close(ctx, s.ID))
	waitServe(t, done)
	assert.True(t, stream.Killed())
	assert.ErrorIs(t, f.mgr.Close(ctx, s.ID), ErrSessionNotFound)
}

func TestManagerCloseWithoutClient(t *testing.T) {
	f := newSessionFixture(t, Config{})
	s, stream := f.open(t, OpenOptions{})
	require.NoError(t, f.mgr.Close(context.Background(), s.ID))
	assert.True(t, stream.Killed())
	assert.Equal(t, domain.SessionClosed, s.State())

	late := newPipe(1)
	err := f.mgr.Serve(context.Background(), s, late)
	assert.ErrorIs(t, err, ErrSessionNotFound)
	select {
	case <-late.closed:
	default:
		t.Fatal("transport of a closed session was left open")
	}
}

func TestServeRejectsSecondClient(t *testing.T) {
	f := newSessionFixture(t, Config{})
	s, stream := f.open(t, OpenOptions{})
	p := newPipe(16)
	done := serve(f, s, p)

	waitBound(t, s)
	second := newPipe(1)
	err := f.mgr.Serve(context.Background(), s, second)
	assert.ErrorIs(t, err, ErrSessionBusy)
	select {
	case <-second.closed:
	default:
		t.Fatal("rejected transport was left open")
	}

	stream.Exit(0)
	waitServe(t, done)
}

func TestOpenResyncsStaleContainer(t *testing.T) {
	f := newSessionFixture(t, Config{})
	f.containers.containerID = "gone"

	_, err := f.mgr.Open(context.Background(), "proj-1", OpenOptions{})
	require.ErrorIs(t, err, runtime.ErrContainerNotFound)
	assert.Equal(t, 2, f.rt.Calls("stream"))
	assert.Equal(t, 1, f.containers.invalidated)
	assert.Empty(t, f.mgr.List(""))
	acquired, released, _ := f.containers.counts()
	assert.Equal(t, acquired, released)
}

func TestOpenRejectsBadToken(t *testing.T) {
	f := newSessionFixture(t, Config{})
	_, err := f.mgr.Open(context.Background(), "proj-1", OpenOptions{Token: "***"})
	require.Error(t, err)
	assert.Equal(t, 0, f.rt.Calls("stream"))
}

func TestShutdownClosesEverySession(t *testing.T) {
	f := newSessionFixture(t, Config{})
	first, firstStream := f.open(t, OpenOptions{})
	_, secondStream := f.open(t, OpenOptions{})
	p := newPipe(16)
	done := serve(f, first, p)
	waitBound(t, first)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, f.mgr.Shutdown(ctx))
	waitServe(t, done)
	assert.True(t, firstStream.Killed())
	assert.True(t, secondStream.Killed())
	assert.Empty(t, f.mgr.List(""))
}

// openGated starts Open against a held Acquire and returns the id of the
// session it registered together with the eventual Open result.
func openGated(t *testing.T, f *sessionFixture) (string, <-chan error) {
	t.Helper()
	f.containers.entered = make(chan struct{}, 1)
	f.containers.gate = make(chan struct{})
	opened := make(chan error, 1)
	go func() {
		_, err := f.mgr.Open(context.Background(), "proj-1", OpenOptions{})
		opened <- err
	}()
	select {
	case <-f.containers.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("Open did not reach Acquire")
	}
	list := f.mgr.List("proj-1")
	require.Len(t, list, 1)
	assert.Equal(t, domain.SessionCreated, list[0].State)
	return list[0].ID, opened
}

// closeWhileOpening calls Close on a session whose Open is still blocked and
// lets Open continue once the close has been recorded.
func closeWhileOpening(t *testing.T, f *sessionFixture, id string) <-chan error {
	t.Helper()
	f.mgr.mu.Lock()
	s := f.mgr.sessions[id]
	f.mgr.mu.Unlock()
	require.NotNil(t, s)

	closed := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		closed <- f.mgr.Close(ctx, id)
	}()
	require.Eventually(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.ending
	}, time.Second, 5*time.Millisecond)
	select {
	case <-s.Done():
		t.Fatal("session closed before its stream was opened")
	default:
	}
	close(f.containers.gate)
	return closed
}

func TestCloseWhileOpeningReleasesContainer(t *testing.T) {
	f := newSessionFixture(t, Config{})
	id, opened := openGated(t, f)
	closed := closeWhileOpening(t, f, id)

	assert.ErrorIs(t, <-opened, ErrSessionNotFound)
	require.NoError(t, <-closed)

	acquired, released, _ := f.containers.counts()
	assert.Equal(t, 1, acquired)
	assert.Equal(t, 1, released)
	streams := f.rt.Streams()
	require.Len(t, streams, 1)
	assert.True(t, streams[0].Killed())
	assert.True(t, streams[0].Closed())
	assert.Empty(t, f.mgr.List(""))
}

func TestCloseWhileOpeningFailedAttach(t *testing.T) {
	f := newSessionFixture(t, Config{})
	f.containers.containerID = "gone"
	id, opened := openGated(t, f)
	closed := closeWhileOpening(t, f, id)

	assert.ErrorIs(t, <-opened, runtime.ErrContainerNotFound)
	require.NoError(t, <-closed)

	acquired, released, _ := f.containers.counts()
	assert.Equal(t, acquired, released)
	assert.Empty(t, f.mgr.List(""))
}

func TestShutdownWhileOpening(t *testing.T) {
	f := newSessionFixture(t, Config{})
	id, opened := openGated(t, f)

	shutdown := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		shutdown <- f.mgr.Shutdown(ctx)
	}()
	f.mgr.mu.Lock()
	s := f.mgr.sessions[id]
	f.mgr.mu.Unlock()
	require.Eventually(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.ending
	}, time.Second, 5*time.Millisecond)
	close(f.containers.gate)

	assert.ErrorIs(t, <-opened, ErrSessionNotFound)
	require.NoError(t, <-shutdown)
	_, released, _ := f.containers.counts()
	assert.Equal(t, 1, released)
}

func TestParseControl(t *testing.T) {
	_, err := ParseControl([]byte(`{"type":"resize","rows":0,"cols":10}`))
	assert.Error(t, err)
	_, err = ParseControl([]byte(`not json`))
	assert.Error(t, err)
	c, err := ParseControl([]byte(`{"type":"close","kill":true}`))
	require.NoError(t, err)
	assert.True(t, c.Kill)
}
