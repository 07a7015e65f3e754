package proxy

import (
	"bytes"
	"io"
	"net"
	"sync"
	"testing"
	"time"
)

// recordConn is an upstream that records every Write and blocks Read
// until closed. Writes fail with writeErr when it is set.
type recordConn struct {
	mu       sync.Mutex
	writes   [][]byte
	writeErr error

	done chan struct{}
	once sync.Once
}

func newRecordConn() *recordConn {
	return &recordConn{done: make(chan struct{})}
}

func (c *recordConn) Read(p []byte) (int, error) {
	<-c.done
	return 0, io.EOF
}

func (c *recordConn) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writeErr != nil {
		return 0, c.writeErr
	}
	c.writes = append(c.writes, bytes.Clone(p))
	return len(p), nil
}

func (c *recordConn) Writes() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.writes...)
}

func (c *recordConn) Close() error {
	c.once.Do(func() { close(c.done) })
	return nil
}

func (c *recordConn) LocalAddr() net.Addr                { return &net.TCPAddr{} }
func (c *recordConn) RemoteAddr() net.Addr               { return &net.TCPAddr{} }
func (c *recordConn) SetDeadline(t time.Time) error      { return nil }
func (c *recordConn) SetReadDeadline(t time.Time) error  { return nil }
func (c *recordConn) SetWriteDeadline(t time.Time) error { return nil }

// recorder is an Observer that keeps relayed data and queues events.
type recorder struct {
	mu       sync.Mutex
	outbound bytes.Buffer
	inbound  bytes.Buffer

	events chan Event
}

func newRecorder() *recorder {
	return &recorder{events: make(chan Event, 64)}
}

func (r *recorder) Data(dir Direction, p []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if dir == Outbound {
		r.outbound.Write(p)
	} else {
		r.inbound.Write(p)
	}
}

func (r *recorder) Event(ev Event) {
	r.events <- ev
}

// wait returns the next event of kind, skipping others.
func (r *recorder) wait(t *testing.T, kind EventKind) Event {
	t.Helper()

	timeout := time.After(3 * time.Second)
	for {
		select {
		case ev := <-r.events:
			if ev.Kind == kind {
				return ev
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s event", kind)
		}
	}
}
