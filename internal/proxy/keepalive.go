package proxy

// KeepAliveKind selects the filler bytes sent to an idle upstream.
type KeepAliveKind int

const (
	// KeepAliveCRLF sends an empty line.
	KeepAliveCRLF KeepAliveKind = iota

	// KeepAliveTelnet sends the telnet NOP command (IAC NOP).
	KeepAliveTelnet
)

func (k KeepAliveKind) String() string {
	if k == KeepAliveTelnet {
		return "telnet"
	}
	return "crlf"
}

// Payload returns the two bytes sent for k.
func (k KeepAliveKind) Payload() []byte {
	if k == KeepAliveTelnet {
		return []byte{255, 241}
	}
	return []byte{'\r', '\n'}
}

// KeepAlive sends Kind's payload upstream every Interval seconds. The
// count is not reset by traffic. Zero disables it.
type KeepAlive struct {
	Interval int
	Kind     KeepAliveKind
}

// Enabled reports whether a keep-alive loop should run.
func (k KeepAlive) Enabled() bool {
	return k.Interval > 0
}
