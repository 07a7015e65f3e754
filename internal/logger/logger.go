// Package logger builds the process logger and the verbose data dump.
package logger

import (
	"io"
	"log/slog"
	"sync"
)

// New returns a text logger writing to w. verbose lowers the level to
// Debug, which adds accepts and relay errors to the log.
func New(w io.Writer, verbose bool) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}
	if verbose {
		opts.Level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// Dumper copies relayed data to a writer, starting each line with ">>> "
// for outgoing data or "<<< " for incoming data. It is safe for concurrent
// use; each chunk is written in one piece.
type Dumper struct {
	mu sync.Mutex
	w  io.Writer
}

func NewDumper(w io.Writer) *Dumper {
	return &Dumper{w: w}
}

// Dump writes p with a prefix at its start and after every newline that
// is not its last byte.
func (d *Dumper) Dump(outgoing bool, p []byte) {
	if len(p) == 0 {
		return
	}

	prefix := "<<< "
	if outgoing {
		prefix = ">>> "
	}

	buf := make([]byte, 0, len(p)+len(prefix)*4)
	buf = append(buf, prefix...)
	for i, b := range p {
		buf = append(buf, b)
		if b == '\n' && i < len(p)-1 {
			buf = append(buf, prefix...)
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	_, _ = d.w.Write(buf)
}
