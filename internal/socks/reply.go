package socks

import (
	"io"

	txsocks5 "github.com/txthinking/socks5"
)

const (
	// Version4 and Version5 are the protocol version bytes.
	Version4 byte = 0x04
	Version5      = txsocks5.Ver

	// CmdConnect is the CONNECT command value for both versions.
	CmdConnect = txsocks5.CmdConnect

	rep4Granted  byte = 0x5a
	rep4Rejected byte = 0x5b
)

// Auth configures optional username/password authentication.
type Auth struct {
	Username string
	Password string
}

// Present reports whether credentials should be offered.
func (a Auth) Present() bool {
	return a.Username != "" || a.Password != ""
}

// writeReply5 writes a SOCKS5 reply with a zero IPv4 bound address.
func writeReply5(w io.Writer, rep byte) error {
	_, err := txsocks5.NewReply(rep, txsocks5.ATYPIPv4, []byte{0x00, 0x00, 0x00, 0x00}, []byte{0x00, 0x00}).WriteTo(w)
	return err
}

// writeReply4 writes a SOCKS4 reply with a zero port and address.
func writeReply4(w io.Writer, rep byte) error {
	_, err := w.Write([]byte{0x00, rep, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00})
	return err
}

func readByte(r io.Reader) (byte, error) {
	var b [1]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return b[0], nil
}
