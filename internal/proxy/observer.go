package proxy

import (
	"log/slog"
	"net/netip"

	"github.com/die-net/prtunnel/internal/logger"
)

// Direction tells which way a relayed chunk travelled.
type Direction int

const (
	// Outbound is local client to upstream.
	Outbound Direction = iota
	// Inbound is upstream to local client.
	Inbound
)

func (d Direction) String() string {
	if d == Inbound {
		return "inbound"
	}
	return "outbound"
}

type EventKind int

const (
	EventAccepted EventKind = iota
	EventRejected
	EventConnected
	EventFailed
	EventClosed
)

func (k EventKind) String() string {
	switch k {
	case EventAccepted:
		return "accepted"
	case EventRejected:
		return "rejected"
	case EventConnected:
		return "connected"
	case EventFailed:
		return "failed"
	case EventClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Event describes a step in a session's life. Target is empty until it is
// known; the byte counters are only set for EventClosed.
type Event struct {
	Kind          EventKind
	Session       uint64
	Peer          netip.AddrPort
	Target        string
	BytesSent     uint64
	BytesReceived uint64
	Err           error
}

// Observer is notified of relayed data and lifecycle events. Methods are
// called from many goroutines at once. Data must not retain p.
type Observer interface {
	Data(dir Direction, p []byte)
	Event(ev Event)
}

// LogObserver logs events to Logger and, when Dumper is set, dumps relayed
// data to it.
type LogObserver struct {
	Logger *slog.Logger
	Dumper *logger.Dumper
}

func (o LogObserver) Data(dir Direction, p []byte) {
	if o.Dumper != nil {
		o.Dumper.Dump(dir == Outbound, p)
	}
}

func (o LogObserver) Event(ev Event) {
	l := o.Logger.With("session", ev.Session, "peer", ev.Peer.String())
	if ev.Target != "" {
		l = l.With("target", ev.Target)
	}

	switch ev.Kind {
	case EventAccepted:
		l.Debug("connection accepted")
	case EventRejected:
		l.Warn("connection from untrusted address rejected")
	case EventConnected:
		l.Info("connected to remote host")
	case EventFailed:
		l.Warn("connection setup failed", "err", ev.Err)
	case EventClosed:
		if ev.Err != nil {
			l.Debug("relay ended", "err", ev.Err)
		}
		l.Info("connection closed", "sent", ev.BytesSent, "received", ev.BytesReceived)
	}
}
