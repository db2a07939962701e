package identity

import (
	"bufio"
	"bytes"
	"net"
	"strings"
)

// NormalizeMAC parses s and returns it in lower-case colon form. The all-zero
// address marks an incomplete entry and is rejected.
func NormalizeMAC(s string) (string, bool) {
	hw, err := net.ParseMAC(strings.TrimSpace(s))
	if err != nil || len(hw) != 6 {
		return "", false
	}
	zero := true
	for _, b := range hw {
		if b != 0 {
			zero = false
			break
		}
	}
	if zero {
		return "", false
	}
	return strings.ToLower(hw.String()), true
}

// ParseNeighbors reads `ip neigh` output, e.g.
//
//	10.0.0.5 dev br-lan lladdr aa:bb:cc:dd:ee:ff REACHABLE
func ParseNeighbors(out []byte, ip string) (string, bool) {
	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 3 || fields[0] != ip {
			continue
		}
		for i := 1; i < len(fields)-1; i++ {
			if fields[i] != "lladdr" {
				continue
			}
			if mac, ok := NormalizeMAC(fields[i+1]); ok {
				return mac, true
			}
		}
	}
	return "", false
}

// ParseARPTable reads the /proc/net/arp format.
func ParseARPTable(data []byte, ip string) (string, bool) {
	scanner := bufio.NewScanner(bytes.NewReader(data))
	first := true
	for scanner.Scan() {
		if first {
			first = false
			continue
		}
		fields := strings.Fields(scanner.Text())
		if len(fields) < 4 || fields[0] != ip {
			continue
		}
		if mac, ok := NormalizeMAC(fields[3]); ok {
			return mac, true
		}
	}
	return "", false
}

// ParseLeases detects the lease file flavour and looks ip up in it.
func ParseLeases(data []byte, ip string) (string, bool) {
	if bytes.Contains(data, []byte("lease ")) && bytes.Contains(data, []byte("{")) {
		return parseISCLeases(data, ip)
	}
	return parseDnsmasqLeases(data, ip)
}

// dnsmasq: <expiry> <mac> <ip> <hostname> <client-id>
func parseDnsmasqLeases(data []byte, ip string) (string, bool) {
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 3 || fields[2] != ip {
			continue
		}
		if mac, ok := NormalizeMAC(fields[1]); ok {
			return mac, true
		}
	}
	return "", false
}

// ISC dhcpd appends lease blocks, so the last match wins.
func parseISCLeases(data []byte, ip string) (string, bool) {
	var (
		found   string
		inLease bool
		current string
	)

	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case strings.HasPrefix(line, "lease "):
			fields := strings.Fields(line)
			inLease = len(fields) >= 2 && fields[1] == ip
			current = ""
		case line == "}":
			if inLease && current != "" {
				found = current
			}
			inLease = false
		case inLease && strings.HasPrefix(line, "hardware ethernet "):
			raw := strings.TrimSuffix(strings.TrimPrefix(line, "hardware ethernet "), ";")
			if mac, ok := NormalizeMAC(raw); ok {
				current = mac
			}
		case inLease && strings.HasPrefix(line, "binding state ") && !strings.Contains(line, "active"):
			inLease = false
		}
	}
	return found, found != ""
}
