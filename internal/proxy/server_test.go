package proxy

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/netip"
	"sync/atomic"
	"testing"
	"time"

	"github.com/txthinking/socks5"
	"golang.org/x/sync/errgroup"

	"github.com/die-net/prtunnel/internal/conn"
	"github.com/die-net/prtunnel/internal/dialer"
	"github.com/die-net/prtunnel/internal/errkind"
	"github.com/die-net/prtunnel/internal/resolve"
	"github.com/die-net/prtunnel/internal/testutil"
	"github.com/die-net/prtunnel/internal/trust"
)

func directDialer() dialer.Dialer {
	return dialer.NewDirectDialer(dialer.Config{DialTimeout: 2 * time.Second}, resolve.IPv4)
}

// startServer serves cfg on an IPv4 loopback port. The returned channel
// yields Serve's result.
func startServer(t *testing.T, ctx context.Context, cfg Config) (*Server, string, <-chan error) {
	t.Helper()

	ln, err := conn.ListenTCP(ctx, resolve.IPv4, "127.0.0.1", 0, net.KeepAliveConfig{})
	if err != nil {
		t.Fatal(err)
	}

	srv := NewServer(cfg)
	errc := make(chan error, 1)
	go func() {
		errc <- srv.Serve(ctx, ln)
	}()

	return srv, ln.Addr().String(), errc
}

func waitServe(t *testing.T, errc <-chan error) error {
	t.Helper()

	select {
	case err := <-errc:
		return err
	case <-time.After(3 * time.Second):
		t.Fatal("Serve did not return")
		return nil
	}
}

func TestServeStaticTargetSingleShot(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	echoLn := testutil.StartEchoTCPServer(t, ctx)
	defer echoLn.Close()

	rec := newRecorder()
	srv, addr, errc := startServer(t, ctx, Config{
		Target:   echoLn.Addr().String(),
		Dialer:   directDialer(),
		Observer: rec,
	})

	c, err := net.Dial("tcp4", addr)
	if err != nil {
		t.Fatal(err)
	}

	rec.wait(t, EventAccepted)
	ev := rec.wait(t, EventConnected)
	if ev.Target != echoLn.Addr().String() {
		t.Fatalf("connected to %q", ev.Target)
	}
	if n := srv.Sessions(); n != 1 {
		t.Fatalf("%d sessions active, want 1", n)
	}

	testutil.AssertEcho(t, c, c, []byte("hello"))
	_ = c.Close()

	ev = rec.wait(t, EventClosed)
	if ev.BytesSent != 5 || ev.BytesReceived != 5 {
		t.Fatalf("closed with sent=%d received=%d", ev.BytesSent, ev.BytesReceived)
	}
	if ev.Err != nil {
		t.Fatalf("closed with error %v", ev.Err)
	}

	if err := waitServe(t, errc); err != nil {
		t.Fatalf("Serve: %v", err)
	}
	if n := srv.Sessions(); n != 0 {
		t.Fatalf("%d sessions left", n)
	}

	// Single-shot mode stops listening.
	if c, err := net.DialTimeout("tcp4", addr, time.Second); err == nil {
		_ = c.Close()
		t.Fatal("listener still accepting")
	}
}

func TestServeSOCKS5(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	echoLn := testutil.StartEchoTCPServer(t, ctx)
	defer echoLn.Close()

	srvCtx, stop := context.WithCancel(ctx)
	defer stop()

	srv, addr, errc := startServer(t, srvCtx, Config{
		Daemon:   true,
		Dialer:   directDialer(),
		Observer: newRecorder(),
	})

	client, err := socks5.NewClient(addr, "", "", 2, 0)
	if err != nil {
		t.Fatal(err)
	}

	var conns []net.Conn
	defer func() {
		for _, c := range conns {
			_ = c.Close()
		}
	}()
	for range 3 {
		c, err := client.Dial("tcp", echoLn.Addr().String())
		if err != nil {
			t.Fatal(err)
		}
		conns = append(conns, c)
	}

	g := errgroup.Group{}
	for i, c := range conns {
		g.Go(func() error {
			msg := bytes.Repeat([]byte{byte('a' + i)}, 1000)
			if _, err := c.Write(msg); err != nil {
				return err
			}
			got := make([]byte, len(msg))
			if _, err := io.ReadFull(c, got); err != nil {
				return err
			}
			if !bytes.Equal(got, msg) {
				return errors.New("echo mismatch")
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}

	if n := srv.Sessions(); n != 3 {
		t.Fatalf("%d sessions active, want 3", n)
	}

	// Shutdown closes every session.
	stop()
	if err := waitServe(t, errc); err != nil {
		t.Fatalf("Serve: %v", err)
	}
	if n := srv.Sessions(); n != 0 {
		t.Fatalf("%d sessions left after shutdown", n)
	}
	for _, c := range conns {
		_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
		if _, err := c.Read(make([]byte, 1)); err == nil {
			t.Fatal("session survived shutdown")
		}
	}
}

func TestServeSOCKS4(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	echoLn := testutil.StartEchoTCPServer(t, ctx)
	defer echoLn.Close()

	_, addr, errc := startServer(t, ctx, Config{
		Dialer:   directDialer(),
		Observer: newRecorder(),
	})

	c, err := net.Dial("tcp4", addr)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	req := []byte{0x04, 0x01}
	req = binary.BigEndian.AppendUint16(req, testutil.Port(echoLn))
	req = append(req, 127, 0, 0, 1)
	req = append(req, "user\x00"...)
	if _, err := c.Write(req); err != nil {
		t.Fatal(err)
	}

	reply := make([]byte, 8)
	if _, err := io.ReadFull(c, reply); err != nil {
		t.Fatal(err)
	}
	if want := []byte{0x00, 0x5a, 0, 0, 0, 0, 0, 0}; !bytes.Equal(reply, want) {
		t.Fatalf("reply % x, want % x", reply, want)
	}

	testutil.AssertEcho(t, c, c, []byte("hello"))
	_ = c.Close()

	if err := waitServe(t, errc); err != nil {
		t.Fatalf("Serve: %v", err)
	}
}

func TestServeSingleShotSetupFailure(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	rec := newRecorder()
	_, addr, errc := startServer(t, ctx, Config{
		Dialer:   directDialer(),
		Observer: rec,
	})

	c, err := net.Dial("tcp4", addr)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	dst := netip.MustParseAddrPort(testutil.ClosedAddr(t))
	req := []byte{0x05, 0x01, 0x00, 0x05, 0x01, 0x00, 0x01}
	req = append(req, dst.Addr().AsSlice()...)
	req = binary.BigEndian.AppendUint16(req, dst.Port())
	if _, err := c.Write(req); err != nil {
		t.Fatal(err)
	}

	reply := make([]byte, 12)
	if _, err := io.ReadFull(c, reply); err != nil {
		t.Fatal(err)
	}
	if want := []byte{0x05, 0x00, 0x05, 0x05, 0x00, 0x01, 0, 0, 0, 0, 0, 0}; !bytes.Equal(reply, want) {
		t.Fatalf("reply % x, want % x", reply, want)
	}

	err = waitServe(t, errc)
	if !errors.Is(err, errkind.ErrConnect) {
		t.Fatalf("Serve returned %v, want connect failure", err)
	}
	if ev := rec.wait(t, EventFailed); !errors.Is(ev.Err, errkind.ErrConnect) {
		t.Fatalf("failed event error %v", ev.Err)
	}
}

func TestServeTrust(t *testing.T) {
	tests := []struct {
		name    string
		entries []trust.Entry
		want    EventKind
	}{
		{name: "loopback only", want: EventRejected},
		{
			name:    "prefix match",
			entries: []trust.Entry{{Addr: netip.MustParseAddr("127.0.0.0"), Bits: 8}},
			want:    EventAccepted,
		},
		{
			name:    "exact match",
			entries: []trust.Entry{{Addr: netip.MustParseAddr("127.0.0.2"), Bits: -1}},
			want:    EventAccepted,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			echoLn := testutil.StartEchoTCPServer(t, ctx)
			defer echoLn.Close()

			rec := newRecorder()
			_, addr, _ := startServer(t, ctx, Config{
				Daemon:   true,
				Target:   echoLn.Addr().String(),
				Trust:    trust.New(resolve.IPv4, tt.entries...),
				Dialer:   directDialer(),
				Observer: rec,
			})

			d := net.Dialer{LocalAddr: &net.TCPAddr{IP: net.IPv4(127, 0, 0, 2)}}
			c, err := d.DialContext(ctx, "tcp4", addr)
			if err != nil {
				t.Skipf("cannot dial from 127.0.0.2: %v", err)
			}
			defer c.Close()

			ev := rec.wait(t, tt.want)
			if ev.Peer.Addr() != netip.MustParseAddr("127.0.0.2") {
				t.Fatalf("peer %s", ev.Peer)
			}

			if tt.want == EventRejected {
				_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
				if _, err := c.Read(make([]byte, 1)); !errors.Is(err, io.EOF) {
					t.Fatalf("expected rejected connection to be closed, got %v", err)
				}
				return
			}
			testutil.AssertEcho(t, c, c, []byte("trusted"))
		})
	}
}

func TestServeMaxSessions(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	echoLn := testutil.StartEchoTCPServer(t, ctx)
	defer echoLn.Close()

	rec := newRecorder()
	srv, addr, _ := startServer(t, ctx, Config{
		Daemon:      true,
		Target:      echoLn.Addr().String(),
		MaxSessions: 1,
		Dialer:      directDialer(),
		Observer:    rec,
	})

	first, err := net.Dial("tcp4", addr)
	if err != nil {
		t.Fatal(err)
	}
	defer first.Close()
	rec.wait(t, EventConnected)

	second, err := net.Dial("tcp4", addr)
	if err != nil {
		t.Fatal(err)
	}
	defer second.Close()

	if ev := rec.wait(t, EventFailed); !errors.Is(ev.Err, errkind.ErrAllocation) {
		t.Fatalf("failed event error %v", ev.Err)
	}
	_ = second.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := second.Read(make([]byte, 1)); !errors.Is(err, io.EOF) {
		t.Fatalf("expected refused session to be closed, got %v", err)
	}

	// The existing session is unaffected.
	testutil.AssertEcho(t, first, first, []byte("still here"))

	_ = first.Close()
	rec.wait(t, EventClosed)
	if n := srv.Sessions(); n != 0 {
		t.Fatalf("%d sessions active", n)
	}

	third, err := net.Dial("tcp4", addr)
	if err != nil {
		t.Fatal(err)
	}
	defer third.Close()
	rec.wait(t, EventConnected)
	testutil.AssertEcho(t, third, third, []byte("again"))
}

func TestServeClientTimeout(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	echoLn := testutil.StartEchoTCPServer(t, ctx)
	defer echoLn.Close()

	rec := newRecorder()
	_, addr, errc := startServer(t, ctx, Config{
		Target:        echoLn.Addr().String(),
		ClientTimeout: 100 * time.Millisecond,
		Dialer:        directDialer(),
		Observer:      rec,
	})

	c, err := net.Dial("tcp4", addr)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	ev := rec.wait(t, EventClosed)
	if ev.Err == nil {
		t.Fatal("expected idle session to close with an error")
	}
	if err := waitServe(t, errc); err != nil {
		t.Fatalf("Serve: %v", err)
	}
}

func TestServeKeepAlive(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	got := make(chan []byte, 1)
	upLn, waitUp := testutil.StartSingleAcceptServer(t, ctx, func(c net.Conn) {
		buf := make([]byte, 2)
		if _, err := io.ReadFull(c, buf); err == nil {
			got <- buf
		}
	})
	defer waitUp()

	_, addr, _ := startServer(t, ctx, Config{
		Target:    upLn.Addr().String(),
		KeepAlive: KeepAlive{Interval: 1, Kind: KeepAliveTelnet},
		Dialer:    directDialer(),
		Observer:  newRecorder(),
	})

	c, err := net.Dial("tcp4", addr)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	select {
	case b := <-got:
		if !bytes.Equal(b, []byte{255, 241}) {
			t.Fatalf("keep-alive % x", b)
		}
	case <-ctx.Done():
		t.Fatal("no keep-alive received")
	}
}

// failOnceListener fails the Accept call numbered failAt (1-based) with a
// transient error and otherwise defers to the wrapped listener.
type failOnceListener struct {
	net.Listener
	failAt int
	calls  atomic.Int32
}

func (l *failOnceListener) Accept() (net.Conn, error) {
	if int(l.calls.Add(1)) == l.failAt {
		return nil, errors.New("accept: too many open files")
	}
	return l.Listener.Accept()
}

func TestServeDaemonSurvivesAcceptError(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	echoLn := testutil.StartEchoTCPServer(t, ctx)
	defer echoLn.Close()

	ln, err := conn.ListenTCP(ctx, resolve.IPv4, "127.0.0.1", 0, net.KeepAliveConfig{})
	if err != nil {
		t.Fatal(err)
	}

	srvCtx, stop := context.WithCancel(ctx)
	defer stop()

	rec := newRecorder()
	srv := NewServer(Config{
		Daemon:   true,
		Target:   echoLn.Addr().String(),
		Dialer:   directDialer(),
		Observer: rec,
		Logger:   slog.New(slog.DiscardHandler),
	})
	errc := make(chan error, 1)
	go func() {
		errc <- srv.Serve(srvCtx, &failOnceListener{Listener: ln, failAt: 2})
	}()

	first, err := net.Dial("tcp4", ln.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer first.Close()
	rec.wait(t, EventConnected)
	testutil.AssertEcho(t, first, first, []byte("before"))

	// The second Accept fails; the loop backs off and accepts this one.
	second, err := net.Dial("tcp4", ln.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer second.Close()
	rec.wait(t, EventConnected)
	testutil.AssertEcho(t, second, second, []byte("after"))

	select {
	case err := <-errc:
		t.Fatalf("Serve returned after a transient accept error: %v", err)
	default:
	}

	testutil.AssertEcho(t, first, first, []byte("still relaying"))
	if n := srv.Sessions(); n != 2 {
		t.Fatalf("%d sessions active, want 2", n)
	}

	stop()
	if err := waitServe(t, errc); err != nil {
		t.Fatalf("Serve: %v", err)
	}
}

func TestAcceptBackoff(t *testing.T) {
	var d time.Duration
	want := []time.Duration{
		5 * time.Millisecond, 10 * time.Millisecond, 20 * time.Millisecond,
	}
	for _, w := range want {
		d = acceptBackoff(d)
		if d != w {
			t.Fatalf("backoff %v, want %v", d, w)
		}
	}
	if got := acceptBackoff(800 * time.Millisecond); got != time.Second {
		t.Fatalf("backoff %v, want cap of 1s", got)
	}
}
