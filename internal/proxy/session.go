package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/die-net/prtunnel/internal/conn"
	"github.com/die-net/prtunnel/internal/errkind"
)

// Session is one relayed connection pair. It is registered with its Server
// from the end of negotiation until Close.
type Session struct {
	id     uint64
	peer   netip.AddrPort
	target string

	local    net.Conn
	upstream net.Conn

	bytesSent     atomic.Uint64
	bytesReceived atomic.Uint64

	// Seconds since the last keep-alive; owned by the keep-alive loop.
	keepAliveElapsed int

	writeMu   sync.Mutex
	closeOnce sync.Once
	onClose   func(*Session)
}

func newSession(id uint64, peer netip.AddrPort, target string, local, upstream net.Conn, onClose func(*Session)) *Session {
	return &Session{
		id:       id,
		peer:     peer,
		target:   target,
		local:    local,
		upstream: upstream,
		onClose:  onClose,
	}
}

func (s *Session) ID() uint64            { return s.id }
func (s *Session) Peer() netip.AddrPort  { return s.peer }
func (s *Session) Target() string        { return s.target }
func (s *Session) BytesSent() uint64     { return s.bytesSent.Load() }
func (s *Session) BytesReceived() uint64 { return s.bytesReceived.Load() }

// LocalRead reads from the local client.
func (s *Session) LocalRead(p []byte) (int, error) {
	return s.local.Read(p)
}

// RemoteRead reads from upstream.
func (s *Session) RemoteRead(p []byte) (int, error) {
	return s.upstream.Read(p)
}

// LocalSend writes p to the local client.
func (s *Session) LocalSend(p []byte) error {
	_, err := s.local.Write(p)
	return err
}

// RemoteSend writes p upstream. Relayed data, keep-alives and PONG replies
// come from different goroutines, so writes are serialized.
func (s *Session) RemoteSend(p []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_, err := s.upstream.Write(p)
	return err
}

// Close unregisters the session, then shuts down and closes both sockets.
// It is safe to call more than once.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		if s.onClose != nil {
			s.onClose(s)
		}
		_ = conn.CloseWrite(s.local)
		_ = conn.CloseWrite(s.upstream)
		_ = s.local.Close()
		_ = s.upstream.Close()
	})
}

// relay copies data both ways until either side closes, a write fails or
// ctx ends, then closes the session. A normal close returns nil.
func (s *Session) relay(ctx context.Context, cfg Config, obs Observer) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer s.Close()
		return s.pumpOutbound(obs)
	})

	g.Go(func() error {
		defer s.Close()
		return s.pumpInbound(obs, cfg.IRCAutoPong)
	})

	if cfg.KeepAlive.Enabled() {
		g.Go(func() error {
			return s.keepAliveLoop(gctx, cfg.KeepAlive)
		})
	}

	// Unblock the pumps on shutdown.
	g.Go(func() error {
		<-gctx.Done()
		s.Close()
		return nil
	})

	err := g.Wait()
	if errors.Is(err, errkind.ErrPeerClosed) {
		return nil
	}
	return err
}

func (s *Session) pumpOutbound(obs Observer) error {
	bp := relayBuffers.Get()
	defer relayBuffers.Put(bp)
	buf := *bp

	for {
		n, err := s.LocalRead(buf)
		if n > 0 {
			chunk := buf[:n]
			if werr := s.RemoteSend(chunk); werr != nil {
				return relayErr("write upstream", werr)
			}
			s.bytesSent.Add(uint64(n))
			obs.Data(Outbound, chunk)
		}
		if err != nil {
			return relayErr("read local", err)
		}
	}
}

func (s *Session) pumpInbound(obs Observer, autoPong bool) error {
	bp := relayBuffers.Get()
	defer relayBuffers.Put(bp)
	buf := *bp

	for {
		n, err := s.RemoteRead(buf)
		if n > 0 {
			chunk := buf[:n]
			if werr := s.LocalSend(chunk); werr != nil {
				return relayErr("write local", werr)
			}
			s.bytesReceived.Add(uint64(n))
			obs.Data(Inbound, chunk)

			if autoPong {
				for _, pong := range pongReplies(chunk) {
					if werr := s.RemoteSend(pong); werr != nil {
						return relayErr("write upstream", werr)
					}
				}
			}
		}
		if err != nil {
			return relayErr("read upstream", err)
		}
	}
}

func (s *Session) keepAliveLoop(ctx context.Context, ka KeepAlive) error {
	t := time.NewTicker(time.Second)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if err := s.tickKeepAlive(ka); err != nil {
				return relayErr("write keep-alive", err)
			}
		}
	}
}

// tickKeepAlive accounts for one second and sends the keep-alive payload
// once the interval is reached.
func (s *Session) tickKeepAlive(ka KeepAlive) error {
	s.keepAliveElapsed++
	if s.keepAliveElapsed < ka.Interval {
		return nil
	}
	if err := s.RemoteSend(ka.Kind.Payload()); err != nil {
		return err
	}
	s.keepAliveElapsed = 0
	return nil
}

// relayErr maps the end of a stream, including one we closed ourselves,
// to ErrPeerClosed.
func relayErr(op string, err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
		return fmt.Errorf("%s: %w", op, errkind.ErrPeerClosed)
	}
	return fmt.Errorf("%s: %w", op, err)
}
