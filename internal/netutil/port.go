// Package netutil selects the local address the agent's HTTP API binds to.
// The agent runs as a localhost sidecar next to the browser; the usual
// reason its port is taken is a previous agent instance that has not exited
// yet, so startup walks nearby ports instead of failing.
package netutil

import (
	"fmt"
	"net"
	"strconv"
)

// fallbackPortSpan is how many ports above the preferred one are probed when
// no explicit candidate list is configured.
const fallbackPortSpan = 10

// SelectBindAddr returns the preferred address when it is free. When it is
// taken and fallback is enabled, explicit candidates are tried in order;
// with no candidates the next ports on the preferred host are probed.
func SelectBindAddr(preferred string, candidates []string, autoFallback bool) (string, error) {
	if preferred != "" {
		if addrAvailable(preferred) {
			return preferred, nil
		}
		if !autoFallback {
			return "", fmt.Errorf("netutil: bind address in use: %s", preferred)
		}
	}

	if len(candidates) == 0 {
		candidates = nearbyAddrs(preferred)
	}
	for _, addr := range candidates {
		if addrAvailable(addr) {
			return addr, nil
		}
	}
	return "", fmt.Errorf("netutil: no free bind address near %s", preferred)
}

// nearbyAddrs lists the next fallbackPortSpan ports on the preferred
// address's host. An unparseable address yields no fallbacks.
func nearbyAddrs(preferred string) []string {
	host, portStr, err := net.SplitHostPort(preferred)
	if err != nil {
		return nil
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port == 0 {
		return nil
	}
	addrs := make([]string, 0, fallbackPortSpan)
	for i := 1; i <= fallbackPortSpan; i++ {
		addrs = append(addrs, net.JoinHostPort(host, strconv.Itoa(port+i)))
	}
	return addrs
}

func addrAvailable(addr string) bool {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return false
	}
	_ = ln.Close()
	return true
}
