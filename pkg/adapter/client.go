package adapter

import (
	"net"
	"net/http"
	"time"

	"github.com/cuemby/bay/pkg/config"
)

// NewHTTPClient builds the process-wide HTTP client shared by all adapters.
// Pool bounds and timeouts come from configuration so a runaway runtime
// cannot exhaust local sockets.
func NewHTTPClient(cfg config.RuntimeHTTPConfig) *http.Client {
	dialer := &net.Dialer{
		Timeout:   secs(cfg.ConnectTimeoutSecs, 5),
		KeepAlive: secs(cfg.KeepAliveSecs, 30),
	}

	transport := &http.Transport{
		DialContext:           dialer.DialContext,
		MaxConnsPerHost:       defaultInt(cfg.MaxConnsPerHost, 32),
		MaxIdleConns:          defaultInt(cfg.MaxIdleConns, 64),
		MaxIdleConnsPerHost:   defaultInt(cfg.MaxConnsPerHost, 32),
		IdleConnTimeout:       secs(cfg.IdleConnTimeoutSecs, 90),
		ResponseHeaderTimeout: secs(cfg.ResponseHeaderSecs, 60),
		TLSHandshakeTimeout:   secs(cfg.TLSHandshakeTimeoutSecs, 10),
	}

	return &http.Client{
		Transport: transport,
		Timeout:   secs(cfg.RequestTimeoutSecs, 300),
	}
}

func secs(n, fallback int) time.Duration {
	if n <= 0 {
		n = fallback
	}
	return time.Duration(n) * time.Second
}

func defaultInt(n, fallback int) int {
	if n <= 0 {
		return fallback
	}
	return n
}
