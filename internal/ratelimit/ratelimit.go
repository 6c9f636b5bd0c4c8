// Package ratelimit enforces a per-client token bucket on incoming requests.
package ratelimit

import (
	"encoding/json"
	"fmt"
	"math"
	"net"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/pixcache/pixcache/internal/metrics"
)

// Defaults allow 100 requests per client per minute.
const (
	DefaultRequests = 100
	DefaultWindow   = time.Minute

	cleanupInterval = 3 * time.Minute
	idleTimeout     = 5 * time.Minute
)

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Limiter tracks one token bucket per client address.
type Limiter struct {
	mu       sync.Mutex
	clients  map[string]*clientLimiter
	limit    rate.Limit
	burst    int
	stop     chan struct{}
	stopOnce sync.Once
	// trusted lists the proxies whose forwarding headers are believed.
	trusted []netip.Prefix
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithTrustedProxies makes the limiter key requests arriving from one of
// proxies by the client they forwarded for.
func WithTrustedProxies(proxies []netip.Prefix) Option {
	return func(l *Limiter) {
		l.trusted = proxies
	}
}

// ParseProxies parses CIDRs or bare addresses into prefixes.
func ParseProxies(entries []string) ([]netip.Prefix, error) {
	prefixes := make([]netip.Prefix, 0, len(entries))
	for _, e := range entries {
		e = strings.TrimSpace(e)
		if e == "" {
			continue
		}
		if strings.Contains(e, "/") {
			p, err := netip.ParsePrefix(e)
			if err != nil {
				return nil, fmt.Errorf("invalid trusted proxy %q: %w", e, err)
			}
			prefixes = append(prefixes, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(e)
		if err != nil {
			return nil, fmt.Errorf("invalid trusted proxy %q: %w", e, err)
		}
		addr = addr.Unmap()
		prefixes = append(prefixes, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return prefixes, nil
}

// New returns a Limiter admitting requests per window for each client,
// with bursts up to burst (requests when burst is not positive). It starts
// a background loop evicting idle clients; call Close to stop it.
func New(requests int, window time.Duration, burst int, opts ...Option) *Limiter {
	if requests <= 0 {
		requests = DefaultRequests
	}
	if window <= 0 {
		window = DefaultWindow
	}
	if burst <= 0 {
		burst = requests
	}
	l := &Limiter{
		clients: make(map[string]*clientLimiter),
		limit:   rate.Limit(float64(requests) / window.Seconds()),
		burst:   burst,
		stop:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	go l.cleanupLoop()
	return l
}

// Close stops the eviction loop.
func (l *Limiter) Close() {
	l.stopOnce.Do(func() { close(l.stop) })
}

func (l *Limiter) get(client string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	if c, ok := l.clients[client]; ok {
		c.lastSeen = time.Now()
		return c.limiter
	}
	lim := rate.NewLimiter(l.limit, l.burst)
	l.clients[client] = &clientLimiter{limiter: lim, lastSeen: time.Now()}
	metrics.RateLimitClients.Set(float64(len(l.clients)))
	return lim
}

func (l *Limiter) cleanupLoop() {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			l.evictIdle(time.Now().Add(-idleTimeout))
		}
	}
}

// evictIdle drops clients not seen since cutoff.
func (l *Limiter) evictIdle(cutoff time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for client, c := range l.clients {
		if c.lastSeen.Before(cutoff) {
			delete(l.clients, client)
		}
	}
	metrics.RateLimitClients.Set(float64(len(l.clients)))
}

// Clients returns the number of tracked clients.
func (l *Limiter) Clients() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.clients)
}

// Allow consumes a token for client. When the bucket is empty it returns
// false and how long until a token is available.
func (l *Limiter) Allow(client string) (bool, time.Duration) {
	res := l.get(client).Reserve()
	if !res.OK() {
		return false, time.Second
	}
	if delay := res.Delay(); delay > 0 {
		res.Cancel()
		return false, delay
	}
	return true, 0
}

// Middleware rejects over-limit requests with 429 and a JSON body carrying
// retry_after in seconds.
func (l *Limiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ok, wait := l.Allow(ClientAddr(r, l.trusted))
		if ok {
			next.ServeHTTP(w, r)
			return
		}
		metrics.RateLimitedTotal.Inc()
		retryAfter := max(int(math.Ceil(wait.Seconds())), 1)
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		w.WriteHeader(http.StatusTooManyRequests)
		_ = json.NewEncoder(w).Encode(struct {
			Error      string `json:"error"`
			RetryAfter int    `json:"retry_after"`
		}{"Too many requests", retryAfter})
	})
}

// ClientAddr identifies the client of r. Forwarding headers are only
// consulted when the connection comes from a trusted proxy: X-Forwarded-For
// is walked from the nearest hop back, skipping trusted proxies, and
// X-Real-IP is used when it is absent. Otherwise the connection's remote
// host is the client.
func ClientAddr(r *http.Request, trusted []netip.Prefix) string {
	remote := remoteHost(r.RemoteAddr)
	if !isTrusted(remote, trusted) {
		return remote
	}

	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		hops := strings.Split(xff, ",")
		client := ""
		for i := len(hops) - 1; i >= 0; i-- {
			hop := strings.TrimSpace(hops[i])
			if hop == "" {
				continue
			}
			client = hop
			if !isTrusted(hop, trusted) {
				break
			}
		}
		if client != "" {
			return client
		}
	}
	if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); ip != "" {
		return ip
	}
	return remote
}

func remoteHost(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}

func isTrusted(host string, trusted []netip.Prefix) bool {
	if len(trusted) == 0 {
		return false
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, p := range trusted {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}
