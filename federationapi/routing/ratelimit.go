// Copyright 2024 coreroomd contributors
//
// Package routing wires the inbound federation HTTP surface (spec.md
// §6) onto the membership engine and outbound sender: /send,
// make_join/send_join, make_leave/send_leave, and /invite.
package routing

import (
	"net/http"
	"sync"
	"time"

	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/matrix-org/util"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	"github.com/coreroom/coreroomd/setup/config"
)

var (
	rateLimitRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "coreroomd",
			Subsystem: "federationapi",
			Name:      "rate_limit_rejections",
			Help:      "Total number of federation requests rejected by rate limiting",
		},
		[]string{"endpoint"},
	)
	rateLimitAllowed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "coreroomd",
			Subsystem: "federationapi",
			Name:      "rate_limit_allowed",
			Help:      "Total number of federation requests allowed by rate limiting",
		},
		[]string{"endpoint"},
	)
)

var registerRateLimiterMetrics sync.Once

func init() {
	registerRateLimiterMetrics.Do(func() {
		prometheus.MustRegister(rateLimitRejections, rateLimitAllowed)
	})
}

type limiterConfig struct {
	threshold int64
	cooloff   time.Duration
}

type limiterEntry struct {
	limiter  *rate.Limiter
	config   limiterConfig
	lastSeen time.Time
}

// ServerRateLimits is the inbound counterpart to the outbound sender's
// per-destination pacing: a token-bucket limiter keyed by the origin
// server name an X-Matrix request claims, so one noisy remote can't
// starve requests from every other federated server.
type ServerRateLimits struct {
	limits        map[string]*limiterEntry
	mutex         sync.RWMutex
	enabled       bool
	defaultConfig limiterConfig
	perEndpoint   map[string]limiterConfig
	exemptServers map[spec.ServerName]struct{}
	cleanupDone   chan struct{}
}

// NewServerRateLimits builds the limiter from a FederationAPI's
// RateLimiting section.
func NewServerRateLimits(cfg *config.RateLimiting) *ServerRateLimits {
	l := &ServerRateLimits{
		limits:      make(map[string]*limiterEntry),
		enabled:     cfg.Enabled,
		cleanupDone: make(chan struct{}),
		defaultConfig: limiterConfig{
			threshold: cfg.Threshold,
			cooloff:   time.Duration(cfg.CooloffMS) * time.Millisecond,
		},
		perEndpoint:   make(map[string]limiterConfig),
		exemptServers: make(map[spec.ServerName]struct{}),
	}
	for _, name := range cfg.ExemptServerNames {
		l.exemptServers[name] = struct{}{}
	}
	for endpoint, override := range cfg.PerEndpointOverrides {
		l.perEndpoint[endpoint] = limiterConfig{
			threshold: override.Threshold,
			cooloff:   time.Duration(override.CooloffMS) * time.Millisecond,
		}
	}
	if l.enabled {
		go l.clean()
	}
	return l
}

// clean periodically evicts limiter entries unused for the last minute,
// the same snapshot-then-delete approach as the teacher's client-facing
// rate limiter to avoid holding the write lock for a full map scan.
func (l *ServerRateLimits) clean() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-l.cleanupDone:
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-time.Minute)
			l.mutex.RLock()
			keys := make([]string, 0, len(l.limits))
			for k := range l.limits {
				keys = append(keys, k)
			}
			l.mutex.RUnlock()
			for _, k := range keys {
				l.mutex.Lock()
				if entry, ok := l.limits[k]; ok && entry.lastSeen.Before(cutoff) {
					delete(l.limits, k)
				}
				l.mutex.Unlock()
			}
		}
	}
}

// Stop ends the cleanup goroutine. Safe to call multiple times.
func (l *ServerRateLimits) Stop() {
	if l.enabled && l.cleanupDone != nil {
		select {
		case <-l.cleanupDone:
		default:
			close(l.cleanupDone)
		}
	}
}

// Limit reports a 429 JSON response when origin has exceeded its
// budget for req's endpoint, or nil if the request should proceed.
func (l *ServerRateLimits) Limit(req *http.Request, origin spec.ServerName) *util.JSONResponse {
	endpoint := endpointLabel(req)
	if !l.enabled {
		rateLimitAllowed.WithLabelValues(endpoint).Inc()
		return nil
	}
	if _, ok := l.exemptServers[origin]; ok {
		rateLimitAllowed.WithLabelValues(endpoint).Inc()
		return nil
	}

	cfg := l.defaultConfig
	key := string(origin)
	if req != nil {
		if override, ok := l.perEndpoint[req.URL.Path]; ok {
			cfg = override
			key = string(origin) + "|" + req.URL.Path
		}
	}

	limiter, block := l.getLimiter(key, cfg)
	if block || (limiter != nil && !limiter.Allow()) {
		rateLimitRejections.WithLabelValues(endpoint).Inc()
		return &util.JSONResponse{
			Code: http.StatusTooManyRequests,
			JSON: spec.LimitExceeded("you are sending too many requests too quickly", cfg.cooloff.Milliseconds()),
		}
	}
	rateLimitAllowed.WithLabelValues(endpoint).Inc()
	return nil
}

func (l *ServerRateLimits) getLimiter(key string, cfg limiterConfig) (*rate.Limiter, bool) {
	if cfg.threshold <= 0 {
		return nil, true
	}
	if cfg.cooloff <= 0 {
		return nil, false
	}

	burst := int(cfg.threshold)
	if burst < 1 {
		burst = 1
	}
	requestsPerSecond := rate.Limit(float64(cfg.threshold) * float64(time.Second) / float64(cfg.cooloff))
	if requestsPerSecond <= 0 {
		requestsPerSecond = rate.Limit(1)
	}

	l.mutex.Lock()
	defer l.mutex.Unlock()
	if entry, ok := l.limits[key]; ok && entry.config == cfg {
		entry.lastSeen = time.Now()
		return entry.limiter, false
	}
	limiter := rate.NewLimiter(requestsPerSecond, burst)
	l.limits[key] = &limiterEntry{limiter: limiter, config: cfg, lastSeen: time.Now()}
	return limiter, false
}

func endpointLabel(req *http.Request) string {
	if req == nil || req.URL == nil {
		return "unknown"
	}
	return req.URL.Path
}
