package proxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/die-net/prtunnel/internal/conn"
	"github.com/die-net/prtunnel/internal/errkind"
	"github.com/die-net/prtunnel/internal/resolve"
	"github.com/die-net/prtunnel/internal/socks"
	"github.com/die-net/prtunnel/internal/trust"
)

// Server is the tunnel engine. It owns the registry of live sessions.
type Server struct {
	cfg   Config
	obs   Observer
	trust *trust.Table

	nextID atomic.Uint64

	mu       sync.Mutex
	sessions map[uint64]*Session
	pending  int
}

func NewServer(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	obs := cfg.Observer
	if obs == nil {
		obs = LogObserver{Logger: cfg.Logger}
	}

	tt := cfg.Trust
	if tt == nil {
		tt = trust.New(cfg.Family)
	}

	return &Server{
		cfg:      cfg,
		obs:      obs,
		trust:    tt,
		sessions: make(map[uint64]*Session),
	}
}

// Sessions returns the number of sessions currently relaying.
func (s *Server) Sessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Serve accepts connections on ln and closes it before returning.
//
// Without Daemon, Serve handles a single connection: it returns that
// connection's setup error, or nil once the session has closed. With
// Daemon, setup failures are reported to the Observer only, transient
// Accept errors are logged and retried, and Serve runs until ctx ends or ln
// is closed. Cancelling ctx closes every session.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	defer ln.Close()
	context.AfterFunc(ctx, func() {
		_ = ln.Close()
	})

	if !s.cfg.Daemon {
		c, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		_ = ln.Close()

		sess, err := s.setup(ctx, c)
		if err != nil {
			return err
		}
		_ = s.run(ctx, sess)
		return nil
	}

	var g errgroup.Group
	var backoff time.Duration
	for {
		c, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				break
			}
			backoff = acceptBackoff(backoff)
			s.cfg.Logger.Warn("accept failed",
				"err", fmt.Errorf("%w: accept: %w", errkind.ErrAllocation, err),
				"retry", backoff)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
			}
			continue
		}
		backoff = 0

		g.Go(func() error {
			sess, err := s.setup(ctx, c)
			if err != nil {
				return nil
			}
			_ = s.run(ctx, sess)
			return nil
		})
	}

	cancel()
	_ = g.Wait()
	return nil
}

// acceptBackoff returns the delay before retrying a failed Accept,
// doubling from 5ms up to a second.
func acceptBackoff(prev time.Duration) time.Duration {
	if prev == 0 {
		return 5 * time.Millisecond
	}
	return min(2*prev, time.Second)
}

// setup takes an accepted connection through the trust check and
// negotiation and registers the resulting session. On failure c is
// closed and the Observer told why.
func (s *Server) setup(ctx context.Context, c net.Conn) (*Session, error) {
	ev := Event{Session: s.nextID.Add(1), Peer: peerAddr(c, s.cfg.Family)}

	if !s.trust.IsTrusted(ev.Peer.Addr()) {
		_ = c.Close()
		ev.Kind = EventRejected
		s.obs.Event(ev)
		return nil, fmt.Errorf("%w: %s", errkind.ErrTrustRejected, ev.Peer)
	}

	ev.Kind = EventAccepted
	s.obs.Event(ev)

	fail := func(err error) (*Session, error) {
		_ = c.Close()
		ev.Kind = EventFailed
		ev.Err = err
		s.obs.Event(ev)
		return nil, err
	}

	if !s.reserve() {
		return fail(fmt.Errorf("%w: %d sessions active", errkind.ErrAllocation, s.cfg.MaxSessions))
	}

	up, target, err := s.negotiate(ctx, c)
	ev.Target = target
	if err != nil {
		s.release()
		return fail(err)
	}

	local := conn.WithReadTimeout(c, s.cfg.ClientTimeout)
	sess := newSession(ev.Session, ev.Peer, target, local, up, s.unregister)
	s.register(sess)
	return sess, nil
}

// negotiate learns the destination, dials it and, for SOCKS clients,
// sends the reply. It returns the upstream connection and the target.
func (s *Server) negotiate(ctx context.Context, c net.Conn) (net.Conn, string, error) {
	if s.cfg.NegotiationTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.NegotiationTimeout)
		defer cancel()
	}
	stop := context.AfterFunc(ctx, func() {
		_ = c.SetDeadline(time.Now())
	})
	defer stop()

	target := s.cfg.Target
	var req *socks.Request
	if target == "" {
		var err error
		if req, err = socks.Accept(c); err != nil {
			return nil, "", err
		}
		target = req.Address()
	}

	up, err := s.cfg.Dialer.DialContext(ctx, "tcp", target)
	if err != nil {
		if req != nil {
			_ = req.WriteFailure(c)
		}
		return nil, target, err
	}

	if req != nil {
		if err := req.WriteSuccess(c); err != nil {
			_ = up.Close()
			return nil, target, fmt.Errorf("%w: socks reply: %w", errkind.ErrNegotiation, err)
		}
	}

	if !stop() {
		_ = up.Close()
		return nil, target, fmt.Errorf("%w: %w", errkind.ErrNegotiation, ctx.Err())
	}
	_ = c.SetDeadline(time.Time{})

	return up, target, nil
}

func (s *Server) run(ctx context.Context, sess *Session) error {
	ev := Event{Session: sess.ID(), Peer: sess.Peer(), Target: sess.Target()}

	ev.Kind = EventConnected
	s.obs.Event(ev)

	err := sess.relay(ctx, s.cfg, s.obs)

	ev.Kind = EventClosed
	ev.BytesSent = sess.BytesSent()
	ev.BytesReceived = sess.BytesReceived()
	ev.Err = err
	s.obs.Event(ev)

	return err
}

// reserve claims a slot for a connection that is about to negotiate.
func (s *Server) reserve() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cfg.MaxSessions > 0 && len(s.sessions)+s.pending >= s.cfg.MaxSessions {
		return false
	}
	s.pending++
	return true
}

func (s *Server) release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending--
}

func (s *Server) register(sess *Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending--
	s.sessions[sess.ID()] = sess
}

func (s *Server) unregister(sess *Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sess.ID())
}

// peerAddr returns c's remote address in family's representation.
func peerAddr(c net.Conn, family resolve.Family) netip.AddrPort {
	ap, err := netip.ParseAddrPort(c.RemoteAddr().String())
	if err != nil {
		return netip.AddrPort{}
	}
	a, _ := family.Normalize(ap.Addr())
	return netip.AddrPortFrom(a, ap.Port())
}
