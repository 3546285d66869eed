package tor

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"time"
)

// handshakeTimeout bounds the whole SOCKS5 check.
const handshakeTimeout = 2 * time.Second

const (
	socks5Version    = 0x05
	socks5AuthNone   = 0x00
	socks5CmdConnect = 0x01
	socks5AddrDomain = 0x03

	// connectTarget is a syntactically valid but nonexistent onion service.
	// The proxy only has to answer the CONNECT, not reach it.
	connectTarget = "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa.onion"
)

// CheckSOCKS checks that address answers an unauthenticated SOCKS5
// handshake and a CONNECT request, which is how the local listener and a
// system Tor daemon both behave. Any CONNECT reply code counts as OK.
func CheckSOCKS(ctx context.Context, address string) ListenerStatus {
	ctx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", address)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return ListenerTimeout
		}
		return ListenerCannotConnect
	}
	defer conn.Close()

	deadline, _ := ctx.Deadline()
	if err := conn.SetDeadline(deadline); err != nil {
		return ListenerCannotConnect
	}

	if _, err := conn.Write([]byte{socks5Version, 0x01, socks5AuthNone}); err != nil {
		return ListenerCannotConnect
	}
	reply := make([]byte, 2)
	if _, err := io.ReadFull(conn, reply); err != nil {
		return readFailure(err)
	}
	if reply[0] != socks5Version || reply[1] != socks5AuthNone {
		return ListenerWrongType
	}

	req := []byte{socks5Version, socks5CmdConnect, 0x00, socks5AddrDomain, byte(len(connectTarget))}
	req = append(req, connectTarget...)
	req = append(req, 0x00, 80)
	if _, err := conn.Write(req); err != nil {
		return ListenerCannotConnect
	}

	header := make([]byte, 4)
	if _, err := io.ReadFull(conn, header); err != nil {
		return readFailure(err)
	}
	if header[0] != socks5Version {
		return ListenerWrongType
	}
	return ListenerOK
}

// readFailure classifies a short read. Anything but a deadline means the
// peer answered with something other than SOCKS5.
func readFailure(err error) ListenerStatus {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return ListenerTimeout
	}
	return ListenerWrongType
}
