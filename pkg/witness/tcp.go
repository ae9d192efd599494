package witness

import (
	"context"
	"net"
)

// DefaultTCPPort is dialed when a witness address carries no port.
const DefaultTCPPort = "7"

// TCPProbe treats a witness as reachable when a TCP connection can be
// opened, or when the host actively refuses it: a reset proves the network
// path works even if nothing listens on the port.
func TCPProbe(ctx context.Context, addr string) error {
	target := addr
	if _, _, err := net.SplitHostPort(addr); err != nil {
		target = net.JoinHostPort(addr, DefaultTCPPort)
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", target)
	if err != nil {
		if isRefused(err) {
			return nil
		}
		return err
	}
	return conn.Close()
}
