package backend

import (
	"net/http"
	"time"
)

// UserAgent identifies the dashboard in backend access logs
const UserAgent = "dcm-dashboard"

// NewHTTPClient creates a pooled HTTP client for the backend host.
// Proxy settings come from the environment.
func NewHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout: timeout,
		Transport: agentTransport{next: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			MaxIdleConns:          20,
			MaxIdleConnsPerHost:   20,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ResponseHeaderTimeout: timeout,
		}},
	}
}

// agentTransport sets the User-Agent of requests that carry none
type agentTransport struct {
	next http.RoundTripper
}

func (t agentTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header.Get("User-Agent") == "" {
		req = req.Clone(req.Context())
		req.Header.Set("User-Agent", UserAgent)
	}
	return t.next.RoundTrip(req)
}
