package witness

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync/atomic"
	"time"

	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"
)

const protocolICMP = 1

var (
	ErrNoIPv4Address = errors.New("witness has no IPv4 address")

	icmpSeq atomic.Uint32
)

// ICMPProbe sends one echo request over an unprivileged ICMP datagram
// socket and waits for the matching reply. Linux requires the process group
// to be within net.ipv4.ping_group_range.
func ICMPProbe(ctx context.Context, addr string) error {
	host := addr
	if h, _, err := net.SplitHostPort(addr); err == nil {
		host = h
	}

	ip, err := resolveIPv4(ctx, host)
	if err != nil {
		return err
	}

	conn, err := icmp.ListenPacket("udp4", "0.0.0.0")
	if err != nil {
		return fmt.Errorf("open icmp socket: %w", err)
	}
	defer conn.Close()

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(time.Second)
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return err
	}

	seq := int(icmpSeq.Add(1) & 0xffff)
	payload := []byte(fmt.Sprintf("arbiter-%d-%d", os.Getpid(), seq))
	req := icmp.Message{
		Type: ipv4.ICMPTypeEcho,
		Body: &icmp.Echo{ID: os.Getpid() & 0xffff, Seq: seq, Data: payload},
	}
	wire, err := req.Marshal(nil)
	if err != nil {
		return err
	}
	if _, err := conn.WriteTo(wire, &net.UDPAddr{IP: ip}); err != nil {
		return fmt.Errorf("send echo: %w", err)
	}

	// Close the socket on cancellation so ReadFrom unblocks.
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	buf := make([]byte, 1500)
	for {
		n, _, err := conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("await echo reply: %w", err)
		}
		reply, err := icmp.ParseMessage(protocolICMP, buf[:n])
		if err != nil || reply.Type != ipv4.ICMPTypeEchoReply {
			continue
		}
		// the kernel rewrites the echo ID on datagram sockets, so match on payload
		if echo, ok := reply.Body.(*icmp.Echo); ok && echo.Seq == seq && bytes.Equal(echo.Data, payload) {
			return nil
		}
	}
}

func resolveIPv4(ctx context.Context, host string) (net.IP, error) {
	if ip := net.ParseIP(host); ip != nil {
		if v4 := ip.To4(); v4 != nil {
			return v4, nil
		}
		return nil, fmt.Errorf("%w: %s", ErrNoIPv4Address, host)
	}
	addrs, err := net.DefaultResolver.LookupIPAddr(ctx, host)
	if err != nil {
		return nil, err
	}
	for _, a := range addrs {
		if v4 := a.IP.To4(); v4 != nil {
			return v4, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrNoIPv4Address, host)
}
