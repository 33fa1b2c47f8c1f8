package ftp

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/textproto"
	"strconv"
	"strings"
	"testing"
	"time"

	ftpclient "github.com/jlaffaye/ftp"
	"github.com/spf13/afero"
	"github.com/telebroad/ftpserver/filesystem"
	"github.com/telebroad/ftpserver/users"
)

var testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

func newTestServer(t *testing.T, opts ...Option) (*Server, *filesystem.LocalFS, string) {
	t.Helper()
	u := users.NewLocalUsers(testLogger)
	if _, err := u.Add("user", "pass", 1); err != nil {
		t.Fatalf("adding user: %v", err)
	}
	fs := filesystem.NewMemFS()
	fs.SetLogger(testLogger)

	opts = append([]Option{WithLogger(testLogger), WithDataTimeout(5 * time.Second)}, opts...)
	srv, err := NewServer("127.0.0.1:0", fs, u, opts...)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	served := make(chan error, 1)
	go func() { served <- srv.Serve(l) }()
	t.Cleanup(func() {
		if err := srv.Close(); err != nil {
			t.Errorf("Close: %v", err)
		}
		if err := <-served; !errors.Is(err, ErrServerClosed) {
			t.Errorf("Serve = %v, want ErrServerClosed", err)
		}
	})
	return srv, fs, l.Addr().String()
}

func dialClient(t *testing.T, addr string) *ftpclient.ServerConn {
	t.Helper()
	c, err := ftpclient.Dial(addr, ftpclient.DialWithTimeout(5*time.Second))
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { c.Quit() })
	if err := c.Login("user", "pass"); err != nil {
		t.Fatalf("Login: %v", err)
	}
	return c
}

func TestClientLoginFailure(t *testing.T) {
	_, _, addr := newTestServer(t)
	c, err := ftpclient.Dial(addr, ftpclient.DialWithTimeout(5*time.Second))
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Quit()
	if err := c.Login("user", "wrong"); err == nil {
		t.Fatal("Login succeeded with a wrong password")
	}
	if err := c.Login("nobody", "pass"); err == nil {
		t.Fatal("Login succeeded for an unknown user")
	}
}

func TestClientStoreRetrieve(t *testing.T) {
	_, fs, addr := newTestServer(t)
	c := dialClient(t, addr)

	content := strings.Repeat("hello world\n", 1000)
	if err := c.Stor("hello.txt", strings.NewReader(content)); err != nil {
		t.Fatalf("Stor: %v", err)
	}
	stored, err := afero.ReadFile(fs.Afero(), "/hello.txt")
	if err != nil {
		t.Fatalf("reading stored file: %v", err)
	}
	if string(stored) != content {
		t.Fatalf("stored %d bytes, want %d", len(stored), len(content))
	}

	r, err := c.Retr("hello.txt")
	if err != nil {
		t.Fatalf("Retr: %v", err)
	}
	got, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("reading retrieve: %v", err)
	}
	if err := r.Close(); err != nil {
		t.Fatalf("closing retrieve: %v", err)
	}
	if string(got) != content {
		t.Fatalf("retrieved %d bytes, want %d", len(got), len(content))
	}

	if err := c.Append("hello.txt", strings.NewReader("tail")); err != nil {
		t.Fatalf("Append: %v", err)
	}
	size, err := c.FileSize("hello.txt")
	if err != nil {
		t.Fatalf("FileSize: %v", err)
	}
	if want := int64(len(content) + 4); size != want {
		t.Fatalf("FileSize = %d, want %d", size, want)
	}

	if _, err := c.Retr("missing.txt"); err == nil {
		t.Fatal("Retr of a missing file succeeded")
	}
	if err := c.NoOp(); err != nil {
		t.Fatalf("NoOp after failed Retr: %v", err)
	}
}

func TestClientDirectories(t *testing.T) {
	_, fs, addr := newTestServer(t)
	if err := afero.WriteFile(fs.Afero(), "/a.txt", []byte("abc"), 0o644); err != nil {
		t.Fatal(err)
	}
	c := dialClient(t, addr)

	if err := c.MakeDir("dir"); err != nil {
		t.Fatalf("MakeDir: %v", err)
	}
	entries, err := c.List("/")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	kinds := map[string]ftpclient.EntryType{}
	for _, e := range entries {
		kinds[e.Name] = e.Type
	}
	if kinds["a.txt"] != ftpclient.EntryTypeFile || kinds["dir"] != ftpclient.EntryTypeFolder {
		t.Fatalf("List entries = %v", kinds)
	}

	names, err := c.NameList("/")
	if err != nil {
		t.Fatalf("NameList: %v", err)
	}
	if strings.Join(names, ",") != "a.txt,dir" {
		t.Fatalf("NameList = %v", names)
	}

	if err := c.ChangeDir("dir"); err != nil {
		t.Fatalf("ChangeDir: %v", err)
	}
	if wd, err := c.CurrentDir(); err != nil || wd != "/dir" {
		t.Fatalf("CurrentDir = %q, %v", wd, err)
	}
	if err := c.ChangeDir("missing"); err == nil {
		t.Fatal("ChangeDir to a missing directory succeeded")
	}
	if err := c.ChangeDirToParent(); err != nil {
		t.Fatalf("ChangeDirToParent: %v", err)
	}
	if wd, err := c.CurrentDir(); err != nil || wd != "/" {
		t.Fatalf("CurrentDir = %q, %v", wd, err)
	}

	if err := c.Rename("a.txt", "dir/b.txt"); err != nil {
		t.Fatalf("Rename: %v", err)
	}
	if _, err := c.GetTime("dir/b.txt"); err != nil {
		t.Fatalf("GetTime: %v", err)
	}
	if err := c.Delete("dir/b.txt"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := c.RemoveDir("dir"); err != nil {
		t.Fatalf("RemoveDir: %v", err)
	}
	if names, err := c.NameList("/"); err != nil || len(names) != 0 {
		t.Fatalf("NameList after cleanup = %v, %v", names, err)
	}
}

type textConn struct {
	*textproto.Conn
	t *testing.T
}

func dialText(t *testing.T, addr string) *textConn {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	conn.SetDeadline(time.Now().Add(20 * time.Second))
	c := &textConn{Conn: textproto.NewConn(conn), t: t}
	t.Cleanup(func() { c.Close() })
	c.expect(StatusServiceReadyForNewUser)
	return c
}

func (c *textConn) login() {
	c.t.Helper()
	c.cmd(StatusUserNameOK, "USER user")
	c.cmd(StatusUserLoggedIn, "PASS pass")
}

func (c *textConn) expect(code int) string {
	c.t.Helper()
	got, msg, err := c.ReadResponse(code)
	if err != nil {
		c.t.Fatalf("want %d, got %d %q: %v", code, got, msg, err)
	}
	return msg
}

func (c *textConn) cmd(code int, format string, args ...any) string {
	c.t.Helper()
	if _, err := c.Cmd(format, args...); err != nil {
		c.t.Fatalf("sending %q: %v", format, err)
	}
	return c.expect(code)
}

// epsv asks for a passive port and connects to it.
func (c *textConn) epsv(host string) net.Conn {
	c.t.Helper()
	return c.dialData(host, c.epsvPort())
}

func (c *textConn) epsvPort() string {
	c.t.Helper()
	msg := c.cmd(StatusEnteringExtendedPassiveMode, "EPSV")
	start, end := strings.Index(msg, "(|||"), strings.LastIndex(msg, "|)")
	if start < 0 || end < start {
		c.t.Fatalf("bad EPSV reply %q", msg)
	}
	return msg[start+4 : end]
}

func (c *textConn) dialData(host, port string) net.Conn {
	c.t.Helper()
	data, err := net.DialTimeout("tcp", net.JoinHostPort(host, port), 5*time.Second)
	if err != nil {
		c.t.Fatalf("dialing passive port: %v", err)
	}
	return data
}

func TestCommandGating(t *testing.T) {
	_, _, addr := newTestServer(t)
	c := dialText(t, addr)

	c.cmd(StatusNotLoggedIn, "PWD")
	c.cmd(StatusSyntaxError, "XYZZ")
	c.cmd(StatusBadSequenceOfCommands, "PASS pass")
	c.cmd(StatusUserNameOK, "USER user")
	c.cmd(StatusNotLoggedIn, "PASS nope")
	c.login()

	c.cmd(StatusPathnameCreated, "PWD")
	c.cmd(StatusCommandNotImplementedForParam, "MODE Z")
	c.cmd(StatusCommandNotImplementedForParam, "MODE C")
	c.cmd(StatusSyntaxErrorInParameters, "MODE Q")
	c.cmd(StatusCommandOK, "MODE S")
	c.cmd(StatusCommandNotImplementedForParam, "STRU R")
	c.cmd(StatusCommandNotImplementedForParam, "STRU P")
	c.cmd(StatusCommandNotImplementedForParam, "STRU X")
	c.cmd(StatusCommandOK, "STRU F")
	c.cmd(StatusCommandOK, "TYPE A N")
	c.cmd(StatusCommandNotImplementedForParam, "TYPE X")
	c.cmd(StatusSyntaxErrorInParameters, "PORT 10,0,0,99,195,80")
	c.cmd(StatusSyntaxErrorInParameters, "EPRT |1|10.0.0.99|50000|")
	c.cmd(StatusSyntaxErrorInParameters, "PORT nonsense")
	c.cmd(StatusBadSequenceOfCommands, "RNTO b.txt")
	c.cmd(StatusClosingDataConnection, "ABOR")

	status := c.cmd(StatusSystemStatus, "STAT")
	if !strings.Contains(status, "Mode: STREAM") || !strings.Contains(status, "Structure: FILE") {
		t.Fatalf("STAT = %q", status)
	}
	c.cmd(StatusServiceClosingControlConnection, "QUIT")
}

func TestActiveModeList(t *testing.T) {
	_, fs, addr := newTestServer(t)
	if err := afero.WriteFile(fs.Afero(), "/a.txt", []byte("abc"), 0o644); err != nil {
		t.Fatal(err)
	}
	c := dialText(t, addr)
	c.login()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	port := ln.Addr().(*net.TCPAddr).Port
	c.cmd(StatusCommandOK, "PORT 127,0,0,1,%d,%d", port>>8, port&0xff)
	c.cmd(StatusFileStatusOK, "NLST")

	data, err := ln.Accept()
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	defer data.Close()
	got, err := io.ReadAll(data)
	if err != nil {
		t.Fatalf("reading listing: %v", err)
	}
	c.expect(StatusClosingDataConnection)
	if string(got) != "a.txt\r\n" {
		t.Fatalf("listing = %q", got)
	}
}

func TestPassiveModeRetrieve(t *testing.T) {
	_, fs, addr := newTestServer(t)
	if err := afero.WriteFile(fs.Afero(), "/a.txt", []byte("one\ntwo\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	c := dialText(t, addr)
	c.login()
	c.cmd(StatusCommandOK, "TYPE A")

	msg := c.cmd(StatusEnteringPassiveMode, "PASV")
	start, end := strings.Index(msg, "("), strings.Index(msg, ")")
	if start < 0 || end < start {
		t.Fatalf("bad PASV reply %q", msg)
	}
	parts := strings.Split(msg[start+1:end], ",")
	if len(parts) != 6 {
		t.Fatalf("bad PASV reply %q", msg)
	}
	hi, _ := strconv.Atoi(parts[4])
	lo, _ := strconv.Atoi(parts[5])
	host := strings.Join(parts[:4], ".")
	data, err := net.DialTimeout("tcp", net.JoinHostPort(host, strconv.Itoa(hi<<8|lo)), 5*time.Second)
	if err != nil {
		t.Fatalf("dialing passive port: %v", err)
	}
	defer data.Close()

	c.cmd(StatusFileStatusOK, "RETR a.txt")
	got, err := io.ReadAll(data)
	if err != nil {
		t.Fatalf("reading file: %v", err)
	}
	c.expect(StatusClosingDataConnection)
	// TYPE A does not rewrite the content
	if string(got) != "one\ntwo\n" {
		t.Fatalf("retrieved %q", got)
	}
}

func TestAbortRunningRetrieve(t *testing.T) {
	_, fs, addr := newTestServer(t)
	big := bytes.Repeat([]byte{0xab}, 32<<20)
	if err := afero.WriteFile(fs.Afero(), "/big.bin", big, 0o644); err != nil {
		t.Fatal(err)
	}
	c := dialText(t, addr)
	c.login()
	c.cmd(StatusCommandOK, "TYPE I")

	data := c.epsv("127.0.0.1")
	defer data.Close()
	c.cmd(StatusFileStatusOK, "RETR big.bin")

	// the data connection is not read so the transfer stays in progress
	c.cmd(StatusBadSequenceOfCommands, "PWD")
	c.cmd(StatusCommandOK, "NOOP")
	if status := c.cmd(StatusSystemStatus, "STAT"); !strings.Contains(status, "Transfer:") {
		t.Fatalf("STAT during transfer = %q", status)
	}

	c.cmd(StatusConnectionClosedTransferAborted, "ABOR")
	c.expect(StatusClosingDataConnection)

	data.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := io.Copy(io.Discard, data); err != nil {
		t.Fatalf("data connection not closed: %v", err)
	}
	c.cmd(StatusPathnameCreated, "PWD")
}

func TestStoreAbortRemovesFile(t *testing.T) {
	_, fs, addr := newTestServer(t)
	c := dialText(t, addr)
	c.login()
	c.cmd(StatusCommandOK, "TYPE I")

	data := c.epsv("127.0.0.1")
	c.cmd(StatusFileStatusOK, "STOR part.bin")
	if _, err := data.Write([]byte("partial")); err != nil {
		t.Fatalf("writing data: %v", err)
	}
	c.cmd(StatusConnectionClosedTransferAborted, "ABOR")
	c.expect(StatusClosingDataConnection)
	data.Close()

	if ok, _ := afero.Exists(fs.Afero(), "/part.bin"); ok {
		t.Fatal("aborted store kept its file")
	}
}

func TestTransferWithoutDataConnection(t *testing.T) {
	_, _, addr := newTestServer(t)
	c := dialText(t, addr)
	c.login()
	c.cmd(StatusCantOpenDataConnection, "LIST")
	c.cmd(StatusCommandOK, "NOOP")
}

func TestAbortPendingPassiveOpen(t *testing.T) {
	_, _, addr := newTestServer(t, WithDataTimeout(10*time.Second))
	c := dialText(t, addr)
	c.login()
	c.cmd(StatusEnteringExtendedPassiveMode, "EPSV")

	start := time.Now()
	if err := c.PrintfLine("LIST"); err != nil {
		t.Fatalf("sending LIST: %v", err)
	}
	time.Sleep(100 * time.Millisecond)
	if err := c.PrintfLine("ABOR"); err != nil {
		t.Fatalf("sending ABOR: %v", err)
	}
	c.expect(StatusCantOpenDataConnection)
	c.expect(StatusClosingDataConnection)
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("ABOR answered after %v", elapsed)
	}

	// the session is usable and a new passive endpoint can be prepared
	c.cmd(StatusCommandOK, "NOOP")
	data := c.epsv("127.0.0.1")
	defer data.Close()
	c.cmd(StatusFileStatusOK, "NLST")
	if _, err := io.ReadAll(data); err != nil {
		t.Fatalf("reading listing: %v", err)
	}
	c.expect(StatusClosingDataConnection)
}

func TestSharedPassivePortSameClient(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	port := l.Addr().(*net.TCPAddr).Port
	l.Close()
	_, fs, addr := newTestServer(t, WithPassivePortRange(port, port))
	if err := afero.WriteFile(fs.Afero(), "/a.txt", []byte("abc"), 0o644); err != nil {
		t.Fatal(err)
	}

	first := dialText(t, addr)
	first.login()
	pasvPort := first.epsvPort()
	if pasvPort != strconv.Itoa(port) {
		t.Fatalf("EPSV port %s, want %d", pasvPort, port)
	}

	second := dialText(t, addr)
	second.login()
	second.cmd(StatusCantOpenDataConnection, "EPSV")

	data := first.dialData("127.0.0.1", pasvPort)
	defer data.Close()

	first.cmd(StatusFileStatusOK, "RETR a.txt")
	b, err := io.ReadAll(data)
	if err != nil {
		t.Fatalf("reading: %v", err)
	}
	if string(b) != "abc" {
		t.Fatalf("RETR = %q", b)
	}
	first.expect(StatusClosingDataConnection)
	second.cmd(StatusCommandOK, "NOOP")
}

func TestRestartTransfers(t *testing.T) {
	_, fs, addr := newTestServer(t)
	if err := afero.WriteFile(fs.Afero(), "/r.txt", []byte("hello world"), 0o644); err != nil {
		t.Fatal(err)
	}
	c := dialClient(t, addr)

	retr := func(offset uint64) string {
		t.Helper()
		r, err := c.RetrFrom("r.txt", offset)
		if err != nil {
			t.Fatalf("RetrFrom(%d): %v", offset, err)
		}
		defer r.Close()
		b, err := io.ReadAll(r)
		if err != nil {
			t.Fatalf("reading from %d: %v", offset, err)
		}
		return string(b)
	}
	if got := retr(6); got != "world" {
		t.Fatalf("RETR after REST 6 = %q", got)
	}
	if got := retr(0); got != "hello world" {
		t.Fatalf("RETR after a restarted one = %q", got)
	}

	if err := c.StorFrom("r.txt", strings.NewReader("there"), 6); err != nil {
		t.Fatalf("StorFrom: %v", err)
	}
	stored, err := afero.ReadFile(fs.Afero(), "/r.txt")
	if err != nil {
		t.Fatal(err)
	}
	if string(stored) != "hello there" {
		t.Fatalf("restarted store left %q", stored)
	}
}

func TestRestartCommand(t *testing.T) {
	_, fs, addr := newTestServer(t)
	if err := afero.WriteFile(fs.Afero(), "/r.txt", []byte("abc"), 0o644); err != nil {
		t.Fatal(err)
	}
	c := dialText(t, addr)
	c.login()

	if feat := c.cmd(StatusSystemStatus, "FEAT"); !strings.Contains(feat, "REST STREAM") {
		t.Fatalf("FEAT = %q", feat)
	}
	c.cmd(StatusSyntaxErrorInParameters, "REST abc")
	c.cmd(StatusSyntaxErrorInParameters, "REST -1")
	c.cmd(StatusFileActionPending, "REST 0")
	c.cmd(StatusFileActionPending, "REST 10")
	c.cmd(StatusFileUnavailable, "RETR r.txt")

	// the offset was used by the failed RETR
	data := c.epsv("127.0.0.1")
	defer data.Close()
	c.cmd(StatusFileStatusOK, "RETR r.txt")
	b, err := io.ReadAll(data)
	if err != nil {
		t.Fatalf("reading: %v", err)
	}
	if string(b) != "abc" {
		t.Fatalf("RETR = %q", b)
	}
	c.expect(StatusClosingDataConnection)
}

func TestStoreUnique(t *testing.T) {
	_, fs, addr := newTestServer(t)
	if err := afero.WriteFile(fs.Afero(), "/up.txt", []byte("old"), 0o644); err != nil {
		t.Fatal(err)
	}
	c := dialText(t, addr)
	c.login()

	for _, tt := range []struct{ arg, prefix string }{
		{"up.txt", "up.txt."},
		{"", "ftp."},
		{"fresh.txt", "fresh.txt"},
	} {
		data := c.epsv("127.0.0.1")
		msg := c.cmd(StatusFileStatusOK, strings.TrimSpace("STOU "+tt.arg))
		name, ok := strings.CutPrefix(msg, "FILE: ")
		if !ok || !strings.HasPrefix(name, tt.prefix) {
			data.Close()
			t.Fatalf("STOU %s = %q", tt.arg, msg)
		}
		if _, err := io.WriteString(data, "new "+tt.arg); err != nil {
			t.Fatalf("writing: %v", err)
		}
		data.Close()
		c.expect(StatusClosingDataConnection)

		got, err := afero.ReadFile(fs.Afero(), "/"+name)
		if err != nil {
			t.Fatalf("reading %s: %v", name, err)
		}
		if string(got) != "new "+tt.arg {
			t.Fatalf("%s holds %q", name, got)
		}
	}
	if old, _ := afero.ReadFile(fs.Afero(), "/up.txt"); string(old) != "old" {
		t.Fatalf("STOU overwrote up.txt with %q", old)
	}
}

func TestSessionsTracked(t *testing.T) {
	srv, _, addr := newTestServer(t)
	c := dialText(t, addr)
	c.login()

	deadline := time.Now().Add(5 * time.Second)
	for srv.Sessions().Len() != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("sessions = %d, want 1", srv.Sessions().Len())
		}
		time.Sleep(10 * time.Millisecond)
	}
	var busy []string
	srv.Sessions().Range(func(id string, s *Session) bool {
		if s.IsBusy() {
			busy = append(busy, id)
		}
		return true
	})
	if len(busy) != 0 {
		t.Fatalf("busy sessions %v", busy)
	}

	c.cmd(StatusServiceClosingControlConnection, "QUIT")
	for srv.Sessions().Len() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("sessions = %d after QUIT", srv.Sessions().Len())
		}
		time.Sleep(10 * time.Millisecond)
	}
}
