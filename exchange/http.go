package exchange

import (
	"net"
	"net/http"
	"strings"
	"time"
)

// HTTPConfig tunes the REST client shared by adapters of one exchange.
type HTTPConfig struct {
	Timeout         time.Duration
	MaxIdleConns    int
	MaxConnsPerHost int
	IdleConnTimeout time.Duration
	// LocalAddr binds outgoing connections to one source IP.
	LocalAddr string
}

// NewHTTPClient builds a pooled client, optionally bound to a local IP.
func NewHTTPClient(cfg HTTPConfig) *http.Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MaxIdleConns <= 0 {
		cfg.MaxIdleConns = 10
	}
	if cfg.IdleConnTimeout <= 0 {
		cfg.IdleConnTimeout = 90 * time.Second
	}
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        cfg.MaxIdleConns,
		MaxIdleConnsPerHost: cfg.MaxIdleConns,
		MaxConnsPerHost:     cfg.MaxConnsPerHost,
		IdleConnTimeout:     cfg.IdleConnTimeout,
	}
	if cfg.LocalAddr != "" {
		if ip := net.ParseIP(cfg.LocalAddr); ip != nil {
			dialer := &net.Dialer{LocalAddr: &net.TCPAddr{IP: ip}}
			transport.DialContext = dialer.DialContext
		}
	}
	return &http.Client{Transport: transport, Timeout: cfg.Timeout}
}

// APIError is an error reported by an exchange with its native code.
type APIError struct {
	Exchange string
	ErrCode  string
	Message  string
}

func (e *APIError) Error() string {
	if e.ErrCode == "" {
		return e.Exchange + ": " + e.Message
	}
	return e.Exchange + ": " + e.Message + " (code " + e.ErrCode + ")"
}

// Code returns the exchange error code.
func (e *APIError) Code() string { return e.ErrCode }

// PrecisionFromStep returns the number of decimals in a tick or lot step
// such as "0.010". Integer steps yield 0.
func PrecisionFromStep(step string) int32 {
	step = strings.TrimSpace(step)
	i := strings.IndexByte(step, '.')
	if i < 0 {
		return 0
	}
	frac := strings.TrimRight(step[i+1:], "0")
	return int32(len(frac))
}
