package recovery

import (
	"context"
	"net"
	"net/url"
	"time"

	"marketflow/logging"
)

// Connectivity reports whether the device can reach the network at all.
type Connectivity interface {
	Online(ctx context.Context) bool
}

// AlwaysOnline is used where no reachability check is configured.
type AlwaysOnline struct{}

func (AlwaysOnline) Online(context.Context) bool { return true }

// DialChecker treats a successful TCP dial to the backend host as online.
type DialChecker struct {
	addr    string
	timeout time.Duration
	dialer  net.Dialer
}

// NewDialChecker derives host:port from baseURL.
func NewDialChecker(baseURL string, timeout time.Duration) (*DialChecker, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, err
	}
	port := u.Port()
	if port == "" {
		port = "443"
		if u.Scheme == "http" {
			port = "80"
		}
	}
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &DialChecker{addr: net.JoinHostPort(u.Hostname(), port), timeout: timeout}, nil
}

func (p *DialChecker) Online(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	conn, err := p.dialer.DialContext(ctx, "tcp", p.addr)
	if err != nil {
		logging.Ctx(ctx).Debug().Err(err).Str("addr", p.addr).Msg("connectivity check failed")
		return false
	}
	_ = conn.Close()
	return true
}
