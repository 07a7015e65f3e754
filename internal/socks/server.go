package socks

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"strconv"

	txsocks5 "github.com/txthinking/socks5"

	"github.com/die-net/prtunnel/internal/errkind"
)

// maxUserIDLen bounds the SOCKS4 user-id field.
const maxUserIDLen = 1024

// Request is a CONNECT request read from a local SOCKS client.
type Request struct {
	Version byte
	Host    string
	Port    uint16
}

// Address returns the destination as host:port.
func (r *Request) Address() string {
	return net.JoinHostPort(r.Host, strconv.Itoa(int(r.Port)))
}

// WriteSuccess tells the client the tunnel is up.
func (r *Request) WriteSuccess(w io.Writer) error {
	if r.Version == Version4 {
		return writeReply4(w, rep4Granted)
	}
	return writeReply5(w, txsocks5.RepSuccess)
}

// WriteFailure tells the client the destination could not be reached.
func (r *Request) WriteFailure(w io.Writer) error {
	if r.Version == Version4 {
		return writeReply4(w, rep4Rejected)
	}
	return writeReply5(w, txsocks5.RepConnectionRefused)
}

// Accept reads a SOCKS4 or SOCKS5 CONNECT request from rw. Only no-auth is
// offered to SOCKS5 clients, whatever methods they list. Malformed requests
// get the protocol's error reply where one exists; the caller closes the
// connection on error.
func Accept(rw io.ReadWriter) (*Request, error) {
	ver, err := readByte(rw)
	if err != nil {
		return nil, fmt.Errorf("%w: read version: %w", errkind.ErrNegotiation, err)
	}

	switch ver {
	case Version5:
		return accept5(rw)
	case Version4:
		return accept4(rw)
	default:
		return nil, fmt.Errorf("%w: unsupported socks version %#x", errkind.ErrNegotiation, ver)
	}
}

func accept5(rw io.ReadWriter) (*Request, error) {
	nMethods, err := readByte(rw)
	if err != nil {
		return nil, fmt.Errorf("%w: read methods: %w", errkind.ErrNegotiation, err)
	}
	if _, err := io.CopyN(io.Discard, rw, int64(nMethods)); err != nil {
		return nil, fmt.Errorf("%w: read methods: %w", errkind.ErrNegotiation, err)
	}

	if _, err := txsocks5.NewNegotiationReply(txsocks5.MethodNone).WriteTo(rw); err != nil {
		return nil, fmt.Errorf("%w: negotiation reply: %w", errkind.ErrNegotiation, err)
	}

	// VER CMD RSV ATYP
	var hdr [4]byte
	if _, err := io.ReadFull(rw, hdr[:2]); err != nil {
		return nil, fmt.Errorf("%w: read request: %w", errkind.ErrNegotiation, err)
	}
	if hdr[0] != Version5 {
		_ = writeReply5(rw, txsocks5.RepServerFailure)
		return nil, fmt.Errorf("%w: request version %#x", errkind.ErrNegotiation, hdr[0])
	}
	if hdr[1] != CmdConnect {
		_ = writeReply5(rw, txsocks5.RepCommandNotSupported)
		return nil, fmt.Errorf("%w: unsupported command %#x", errkind.ErrNegotiation, hdr[1])
	}
	if _, err := io.ReadFull(rw, hdr[2:]); err != nil {
		return nil, fmt.Errorf("%w: read request: %w", errkind.ErrNegotiation, err)
	}

	host, err := readAddr(rw, hdr[3])
	if err != nil {
		if errors.Is(err, errAddrType) {
			_ = writeReply5(rw, txsocks5.RepAddressNotSupported)
		}
		return nil, fmt.Errorf("%w: %w", errkind.ErrNegotiation, err)
	}

	port, err := readPort(rw)
	if err != nil {
		return nil, err
	}
	return &Request{Version: Version5, Host: host, Port: port}, nil
}

func accept4(rw io.ReadWriter) (*Request, error) {
	cmd, err := readByte(rw)
	if err != nil {
		return nil, fmt.Errorf("%w: read command: %w", errkind.ErrNegotiation, err)
	}
	if cmd != CmdConnect {
		_ = writeReply4(rw, rep4Rejected)
		return nil, fmt.Errorf("%w: unsupported command %#x", errkind.ErrNegotiation, cmd)
	}

	port, err := readPort(rw)
	if err != nil {
		return nil, err
	}

	var ip [4]byte
	if _, err := io.ReadFull(rw, ip[:]); err != nil {
		return nil, fmt.Errorf("%w: read address: %w", errkind.ErrNegotiation, err)
	}

	// USERID, NUL terminated.
	for n := 0; ; n++ {
		if n > maxUserIDLen {
			return nil, fmt.Errorf("%w: user id too long", errkind.ErrNegotiation)
		}
		b, err := readByte(rw)
		if err != nil {
			return nil, fmt.Errorf("%w: read user id: %w", errkind.ErrNegotiation, err)
		}
		if b == 0x00 {
			break
		}
	}

	return &Request{Version: Version4, Host: netip.AddrFrom4(ip).String(), Port: port}, nil
}

var errAddrType = errors.New("unsupported address type")

func readAddr(r io.Reader, atyp byte) (string, error) {
	switch atyp {
	case txsocks5.ATYPIPv4:
		var b [4]byte
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return "", fmt.Errorf("read address: %w", err)
		}
		return netip.AddrFrom4(b).String(), nil
	case txsocks5.ATYPDomain:
		n, err := readByte(r)
		if err != nil {
			return "", fmt.Errorf("read address: %w", err)
		}
		b := make([]byte, int(n))
		if _, err := io.ReadFull(r, b); err != nil {
			return "", fmt.Errorf("read address: %w", err)
		}
		return string(b), nil
	case txsocks5.ATYPIPv6:
		var b [16]byte
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return "", fmt.Errorf("read address: %w", err)
		}
		return netip.AddrFrom16(b).String(), nil
	default:
		return "", errAddrType
	}
}

func readPort(r io.Reader) (uint16, error) {
	var b [2]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, fmt.Errorf("%w: read port: %w", errkind.ErrNegotiation, err)
	}
	return binary.BigEndian.Uint16(b[:]), nil
}
