package automation

import (
	"context"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"time"
)

// HTTPSession is a cookie-isolated HTTP client bound to one proxy.
type HTTPSession struct {
	Client    *http.Client
	UserAgent string
	proxy     string
}

func (s *HTTPSession) Proxy() string { return s.proxy }

func (s *HTTPSession) Close() error {
	s.Client.CloseIdleConnections()
	return nil
}

// HTTPSessionFactory builds HTTPSessions.
type HTTPSessionFactory struct {
	Timeout   time.Duration
	UserAgent string
}

func (f HTTPSessionFactory) NewSession(_ context.Context, proxy string) (Session, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("cookie jar: %w", err)
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if proxy != "" {
		u, err := url.Parse(proxy)
		if err != nil {
			return nil, fmt.Errorf("parse proxy %q: %w", proxy, err)
		}
		transport.Proxy = http.ProxyURL(u)
	}

	timeout := f.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPSession{
		Client:    &http.Client{Jar: jar, Transport: transport, Timeout: timeout},
		UserAgent: f.UserAgent,
		proxy:     proxy,
	}, nil
}
