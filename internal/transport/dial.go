package transport

import (
	"context"
	"net"
	"time"

	"github.com/oriys/midas/internal/logging"
)

// DialTimeout bounds a single connect attempt.
const DialTimeout = 5 * time.Second

// Dial opens one participant connection to the host.
func Dial(addr string) (net.Conn, error) {
	return net.DialTimeout("tcp", addr, DialTimeout)
}

// Probe retries a throwaway connect until the host answers or ctx is
// cancelled. The participant bootstrap gates worker fan-out on this so N
// workers do not each burn a retry loop during a host outage.
func Probe(ctx context.Context, addr string, interval time.Duration) error {
	for {
		conn, err := Dial(addr)
		if err == nil {
			conn.Close()
			return nil
		}
		logging.Op().Debug("host not reachable, retrying", "address", addr, "error", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
}
