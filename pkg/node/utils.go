package node

import (
	"net"
	"strconv"
	"strings"
)

// NormalizeHostPort cuts the http:// https:// prefixes from the input address
// and adds defPort when the address carries none.
func NormalizeHostPort(addr, defPort string) string {
	if rest, ok := strings.CutPrefix(addr, "http://"); ok {
		addr = rest
	} else if rest, ok := strings.CutPrefix(addr, "https://"); ok {
		addr = rest
	}

	if _, _, err := net.SplitHostPort(addr); err == nil {
		return addr
	}

	return addr + ":" + defPort
}

// RendezvousAddr builds the gossip peer address from the configured
// discovery name and port. An empty name yields an empty address.
func RendezvousAddr(dns string, port int) string {
	dns = strings.TrimSuffix(strings.TrimSpace(dns), "/")
	if dns == "" {
		return ""
	}
	return NormalizeHostPort(dns, strconv.Itoa(port))
}
