package identity

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"time"

	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"
)

// OSNetworkInfo reads the Linux neighbor table through iproute2 and files from disk.
type OSNetworkInfo struct {
	ProbeTimeout time.Duration
	// IPCommand defaults to "ip".
	IPCommand string
}

// Probe sends a single ICMP echo to ip. A missing reply is not an error the
// caller needs to act on: the request alone refreshes the neighbor entry.
func (o OSNetworkInfo) Probe(ctx context.Context, ip net.IP) error {
	v4 := ip.To4()
	if v4 == nil {
		return fmt.Errorf("probe %s: only ipv4 is supported", ip)
	}

	conn, network, err := listenICMP()
	if err != nil {
		return fmt.Errorf("probe %s: %w", ip, err)
	}
	defer conn.Close()

	timeout := o.ProbeTimeout
	if timeout <= 0 {
		timeout = 300 * time.Millisecond
	}
	deadline := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return fmt.Errorf("probe %s: %w", ip, err)
	}

	msg := icmp.Message{
		Type: ipv4.ICMPTypeEcho,
		Code: 0,
		Body: &icmp.Echo{ID: os.Getpid() & 0xffff, Seq: 1, Data: []byte("pisowifi")},
	}
	payload, err := msg.Marshal(nil)
	if err != nil {
		return fmt.Errorf("probe %s: %w", ip, err)
	}

	var dst net.Addr = &net.IPAddr{IP: v4}
	if network == "udp4" {
		dst = &net.UDPAddr{IP: v4}
	}
	if _, err := conn.WriteTo(payload, dst); err != nil {
		return fmt.Errorf("probe %s: %w", ip, err)
	}

	buf := make([]byte, 512)
	if _, _, err := conn.ReadFrom(buf); err != nil {
		return fmt.Errorf("probe %s: %w", ip, err)
	}
	return nil
}

// listenICMP prefers unprivileged datagram sockets and falls back to raw ones.
func listenICMP() (*icmp.PacketConn, string, error) {
	var errs []error
	for _, network := range []string{"udp4", "ip4:icmp"} {
		conn, err := icmp.ListenPacket(network, "0.0.0.0")
		if err == nil {
			return conn, network, nil
		}
		errs = append(errs, err)
	}
	return nil, "", errors.Join(errs...)
}

// Neighbors runs `ip neigh show <ip>`.
func (o OSNetworkInfo) Neighbors(ctx context.Context, ip net.IP) ([]byte, error) {
	command := o.IPCommand
	if command == "" {
		command = "ip"
	}
	out, err := exec.CommandContext(ctx, command, "neigh", "show", ip.String()).Output()
	if err != nil {
		return nil, fmt.Errorf("%s neigh show %s: %w", command, ip, err)
	}
	return out, nil
}

// ReadFile reads path from the local filesystem.
func (OSNetworkInfo) ReadFile(path string) ([]byte, error) {
	return os.ReadFile(path)
}
