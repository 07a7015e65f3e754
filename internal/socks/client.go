package socks

import (
	"encoding/binary"
	"fmt"
	"io"

	txsocks5 "github.com/txthinking/socks5"

	"github.com/die-net/prtunnel/internal/errkind"
)

const maxFieldLen = 255

// ClientDial negotiates with a SOCKS5 server over rw and asks it to
// CONNECT to host:port. On success rw is positioned at the first byte of
// the tunnelled stream.
func ClientDial(rw io.ReadWriter, auth Auth, host string, port uint16) error {
	if err := ClientNegotiate(rw, auth); err != nil {
		return err
	}
	return ClientConnect(rw, host, port)
}

// ClientNegotiate offers exactly one method: username/password when auth
// is present, otherwise no-auth. The server must select that method.
func ClientNegotiate(rw io.ReadWriter, auth Auth) error {
	method := txsocks5.MethodNone
	if auth.Present() {
		method = txsocks5.MethodUsernamePassword
	}

	if _, err := txsocks5.NewNegotiationRequest([]byte{method}).WriteTo(rw); err != nil {
		return fmt.Errorf("%w: write negotiation: %w", errkind.ErrNegotiation, err)
	}

	neg, err := txsocks5.NewNegotiationReplyFrom(rw)
	if err != nil {
		return fmt.Errorf("%w: read negotiation: %w", errkind.ErrNegotiation, err)
	}
	if neg.Method != method {
		return fmt.Errorf("%w: server selected method %#x, offered %#x", errkind.ErrNegotiation, neg.Method, method)
	}

	if !auth.Present() {
		return nil
	}

	user, pass := truncate(auth.Username), truncate(auth.Password)
	if _, err := txsocks5.NewUserPassNegotiationRequest(user, pass).WriteTo(rw); err != nil {
		return fmt.Errorf("%w: write userpass: %w", errkind.ErrNegotiation, err)
	}
	rep, err := txsocks5.NewUserPassNegotiationReplyFrom(rw)
	if err != nil {
		return fmt.Errorf("%w: read userpass: %w", errkind.ErrNegotiation, err)
	}
	if rep.Status != txsocks5.UserPassStatusSuccess {
		return fmt.Errorf("%w: authentication failed", errkind.ErrNegotiation)
	}
	return nil
}

// ClientConnect sends a CONNECT request using the domain-name address type
// and consumes the server's reply, including the bound address.
func ClientConnect(rw io.ReadWriter, host string, port uint16) error {
	dstPort := binary.BigEndian.AppendUint16(nil, port)
	if _, err := txsocks5.NewRequest(txsocks5.CmdConnect, txsocks5.ATYPDomain, truncate(host), dstPort).WriteTo(rw); err != nil {
		return fmt.Errorf("%w: write request: %w", errkind.ErrNegotiation, err)
	}

	// VER REP RSV ATYP
	var hdr [4]byte
	if _, err := io.ReadFull(rw, hdr[:2]); err != nil {
		return fmt.Errorf("%w: read reply: %w", errkind.ErrNegotiation, err)
	}
	if hdr[0] != txsocks5.Ver || hdr[1] != txsocks5.RepSuccess {
		return fmt.Errorf("%w: connect failed: reply %#x", errkind.ErrNegotiation, hdr[1])
	}
	if _, err := io.ReadFull(rw, hdr[2:]); err != nil {
		return fmt.Errorf("%w: read reply: %w", errkind.ErrNegotiation, err)
	}

	var skip int
	switch hdr[3] {
	case txsocks5.ATYPIPv4:
		skip = 4
	case txsocks5.ATYPDomain:
		n, err := readByte(rw)
		if err != nil {
			return fmt.Errorf("%w: read bound address: %w", errkind.ErrNegotiation, err)
		}
		skip = int(n)
	default:
		return fmt.Errorf("%w: malformed reply: address type %#x", errkind.ErrNegotiation, hdr[3])
	}

	// BND.ADDR and BND.PORT
	if _, err := io.CopyN(io.Discard, rw, int64(skip+2)); err != nil {
		return fmt.Errorf("%w: read bound address: %w", errkind.ErrNegotiation, err)
	}
	return nil
}

func truncate(s string) []byte {
	if len(s) > maxFieldLen {
		s = s[:maxFieldLen]
	}
	return []byte(s)
}
