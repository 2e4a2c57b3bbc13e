package pool

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"slotwatch/internal/domain"

	"github.com/rs/zerolog"
)

const proxyCacheKey = "proxy:list"

// proxyFailureTTL bounds how long a failed provider call is remembered.
const proxyFailureTTL = 30 * time.Second

// ProxyProvider returns the current list of proxy URLs.
type ProxyProvider interface {
	Proxies(ctx context.Context) ([]string, error)
}

// HTTPProxyProvider fetches a proxy list from a URL. The body is either a
// JSON array of strings or one proxy per line.
type HTTPProxyProvider struct {
	URL    string
	Client *http.Client
}

func (p HTTPProxyProvider) Proxies(ctx context.Context) ([]string, error) {
	client := p.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.URL, http.NoBody)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("proxy provider: unexpected status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	return parseProxyList(body)
}

func parseProxyList(body []byte) ([]string, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var list []string
		if err := json.Unmarshal(trimmed, &list); err != nil {
			return nil, fmt.Errorf("decode proxy list: %w", err)
		}
		return list, nil
	}

	var list []string
	sc := bufio.NewScanner(bytes.NewReader(trimmed))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		list = append(list, line)
	}
	return list, sc.Err()
}

// proxyRotation caches the provider's list and hands proxies out
// round-robin.
type proxyRotation struct {
	provider ProxyProvider
	cache    domain.StateStore
	ttl      time.Duration
	logger   *zerolog.Logger
	counter  atomic.Uint64

	mu      sync.Mutex
	local   []string
	expires time.Time
}

func newProxyRotation(provider ProxyProvider, cache domain.StateStore, ttl time.Duration, logger *zerolog.Logger) *proxyRotation {
	return &proxyRotation{provider: provider, cache: cache, ttl: ttl, logger: logger}
}

// next returns the proxy for a new session, or "" when none is available.
func (r *proxyRotation) next(ctx context.Context) string {
	if r.provider == nil {
		return ""
	}
	list := r.list(ctx)
	if len(list) == 0 {
		return ""
	}
	i := r.counter.Add(1) - 1
	return list[i%uint64(len(list))]
}

func (r *proxyRotation) list(ctx context.Context) []string {
	if r.cache != nil {
		if raw, ok, err := r.cache.Get(ctx, proxyCacheKey); err == nil && ok {
			var list []string
			if err := json.Unmarshal([]byte(raw), &list); err == nil {
				return list
			}
		}
	} else {
		r.mu.Lock()
		if time.Now().Before(r.expires) {
			list := r.local
			r.mu.Unlock()
			return list
		}
		r.mu.Unlock()
	}

	list, err := r.provider.Proxies(ctx)
	ttl := r.ttl
	if err != nil {
		r.logger.Warn().Err(err).Msg("proxy provider failed, continuing without proxy")
		// remember the failure so sessions do not each wait on the provider
		list = []string{}
		ttl = min(r.ttl, proxyFailureTTL)
	}

	if r.cache != nil {
		raw, _ := json.Marshal(list)
		if err := r.cache.Set(ctx, proxyCacheKey, string(raw), ttl); err != nil {
			r.logger.Warn().Err(err).Msg("cache proxy list")
		}
	} else {
		r.mu.Lock()
		r.local = list
		r.expires = time.Now().Add(ttl)
		r.mu.Unlock()
	}
	return list
}
