package meshtastic

import (
	"context"
	"fmt"
	"net"
	"strings"
)

// defaultTCPPort is the firmware's network API port.
const defaultTCPPort = "4403"

func tcpDialer(host string) Dialer {
	addr := strings.TrimSpace(host)
	if _, _, err := net.SplitHostPort(addr); err != nil {
		addr = net.JoinHostPort(addr, defaultTCPPort)
	}

	return func(ctx context.Context) (Transport, error) {
		var dialer net.Dialer
		conn, err := dialer.DialContext(ctx, "tcp", addr)
		if err != nil {
			return nil, fmt.Errorf("dial %s: %w", addr, err)
		}
		return newStreamTransport(conn), nil
	}
}
