package dataconn

import (
	"context"
	"io"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"testing"
	"time"
)

type reply struct {
	code int
	msg  string
}

type recordReplier struct {
	mu      sync.Mutex
	replies []reply
	flushed int
}

func (r *recordReplier) SetReply(code int, msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.replies = append(r.replies, reply{code, msg})
}

func (r *recordReplier) WriteIntermediateReply() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.flushed++
	return nil
}

func (r *recordReplier) count(code int) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, rp := range r.replies {
		if rp.code == code {
			n++
		}
	}
	return n
}

func (r *recordReplier) last() reply {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.replies) == 0 {
		return reply{}
	}
	return r.replies[len(r.replies)-1]
}

type fakeFile struct {
	mu      sync.Mutex
	reading bool
	closed  int
	aborted int
}

func (f *fakeFile) IsInReading() (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reading, nil
}

func (f *fakeFile) CloseFile() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed++
	return nil
}

func (f *fakeFile) AbortFile() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.aborted++
	return nil
}

func (f *fakeFile) counts() (closed, aborted int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed, f.aborted
}

type countingHook struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (h *countingHook) AfterTransferDoneBeforeAnswer(*Transfer) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls++
	return h.err
}

func (h *countingHook) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.calls
}

// blockingExecutor waits for release before returning err.
type blockingExecutor struct {
	release chan struct{}
	err     error
}

func newBlockingExecutor() *blockingExecutor {
	return &blockingExecutor{release: make(chan struct{})}
}

func (e *blockingExecutor) Execute(ctx context.Context, _ *Transfer, _ *Stream) error {
	select {
	case <-e.release:
	case <-ctx.Done():
		return ctx.Err()
	}
	return e.err
}

var testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

func testConfig() Config {
	return Config{
		DataTimeout:    2 * time.Second,
		ConnectTimeout: time.Second,
		RetryDelay:     5 * time.Millisecond,
		ListDelay:      50 * time.Millisecond,
	}
}

type testSession struct {
	dc      *DataConn
	replier *recordReplier
	hook    *countingHook
}

func newTestSession(t *testing.T, exec Executor, opts Options) *testSession {
	t.Helper()
	return newTestSessionFrom(t, exec, opts, netip.MustParseAddrPort("127.0.0.1:50000"))
}

// newTestSessionFrom builds a session whose control connection comes from remote.
func newTestSessionFrom(t *testing.T, exec Executor, opts Options, remote netip.AddrPort) *testSession {
	t.Helper()
	s := &testSession{replier: &recordReplier{}, hook: &countingHook{}}
	opts.Replier = s.replier
	opts.Hook = s.hook
	opts.Executor = exec
	opts.Logger = testLogger
	if opts.Config == (Config{}) {
		opts.Config = testConfig()
	}
	s.dc = NewDataConn(
		netip.MustParseAddrPort("127.0.0.1:2121"),
		remote,
		opts,
	)
	t.Cleanup(func() { _ = s.dc.Clear() })
	return s
}

// connectPipe opens an active data connection backed by net.Pipe and returns
// the peer end.
func (s *testSession) connectPipe(t *testing.T) net.Conn {
	t.Helper()
	server, client := net.Pipe()
	t.Cleanup(func() { _ = client.Close() })
	s.dc.control.dial = func(context.Context, netip.AddrPort, netip.AddrPort) (net.Conn, error) {
		return server, nil
	}
	if err := s.dc.Control().OpenDataConnection(context.Background()); err != nil {
		t.Fatalf("OpenDataConnection: %v", err)
	}
	return client
}

func (s *testSession) wait(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := s.dc.Control().Wait(ctx); err != nil {
		t.Fatalf("transfer did not finish: %v", err)
	}
}

func freePort(t *testing.T) uint16 {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer l.Close()
	return uint16(l.Addr().(*net.TCPAddr).Port)
}
