package settings

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"restaurant-order-service/internal/apperrors"
	"restaurant-order-service/internal/util"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Credentials are the key/value settings of one payment method.
type Credentials map[string]string

// Get returns the trimmed value of key.
func (c Credentials) Get(key string) string {
	return strings.TrimSpace(c[key])
}

// Enabled reports whether the method is switched on. Methods are enabled unless explicitly disabled.
func (c Credentials) Enabled() bool {
	switch strings.ToLower(c.Get("enabled")) {
	case "false", "0", "no", "off":
		return false
	}
	return true
}

// Has reports whether every key carries a non-empty value.
func (c Credentials) Has(keys ...string) bool {
	for _, k := range keys {
		if c.Get(k) == "" {
			return false
		}
	}
	return true
}

// Snapshot is an immutable view of every configured payment method.
type Snapshot struct {
	Gateways map[string]Credentials
	LoadedAt time.Time
}

// For returns the credentials of method.
func (s *Snapshot) For(method string) (Credentials, bool) {
	if s == nil {
		return nil, false
	}
	creds, ok := s.Gateways[method]
	return creds, ok
}

// Methods lists configured method ids in sorted order.
func (s *Snapshot) Methods() []string {
	if s == nil {
		return nil
	}
	ids := make([]string, 0, len(s.Gateways))
	for id := range s.Gateways {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Source loads gateway credentials from one backing store.
type Source interface {
	Load(ctx context.Context) (map[string]Credentials, error)
}

// StaticSource serves a fixed set of credentials, typically read from the environment.
type StaticSource map[string]Credentials

// Load returns a copy of the static credentials.
func (s StaticSource) Load(context.Context) (map[string]Credentials, error) {
	out := make(map[string]Credentials, len(s))
	for id, creds := range s {
		out[id] = copyCredentials(creds)
	}
	return out, nil
}

// HashReader reads one credential hash per gateway.
type HashReader interface {
	GatewaySettings(ctx context.Context, gatewayID string) (map[string]string, error)
}

// RedisSource reads `settings:gateway:<id>` hashes for a known list of gateways.
type RedisSource struct {
	reader   HashReader
	gateways []string
}

// NewRedisSource creates a source over reader for the given gateway ids
func NewRedisSource(reader HashReader, gateways []string) *RedisSource {
	return &RedisSource{reader: reader, gateways: gateways}
}

// Load reads every gateway hash. Gateways without a hash are omitted.
func (s *RedisSource) Load(ctx context.Context) (map[string]Credentials, error) {
	out := make(map[string]Credentials, len(s.gateways))
	for _, id := range s.gateways {
		values, err := s.reader.GatewaySettings(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("failed to read settings for %s: %w", id, err)
		}
		if len(values) == 0 {
			continue
		}
		out[id] = Credentials(values)
	}
	return out, nil
}

// Provider serves a credential snapshot refreshed from its sources at most once per TTL.
// Later sources override earlier ones key by key.
type Provider struct {
	sources []Source
	ttl     time.Duration
	now     func() time.Time
	group   singleflight.Group
	logger  *zap.Logger

	mu       sync.RWMutex
	snapshot *Snapshot
}

// NewProvider creates a provider over sources
func NewProvider(ttl time.Duration, sources ...Source) *Provider {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Provider{
		sources: sources,
		ttl:     ttl,
		now:     time.Now,
		logger:  util.GetLogger(),
	}
}

// WithClock replaces the provider clock.
func (p *Provider) WithClock(now func() time.Time) *Provider {
	p.now = now
	return p
}

// Current returns a fresh snapshot. When a refresh fails the last good snapshot is kept.
func (p *Provider) Current(ctx context.Context) (*Snapshot, error) {
	p.mu.RLock()
	snap := p.snapshot
	p.mu.RUnlock()

	if snap != nil && p.now().Sub(snap.LoadedAt) < p.ttl {
		return snap, nil
	}

	fresh, err := p.Refresh(ctx)
	if err == nil {
		return fresh, nil
	}
	if snap != nil {
		p.logger.Warn("Using stale gateway settings", zap.Time("loaded_at", snap.LoadedAt), zap.Error(err))
		return snap, nil
	}
	return nil, apperrors.Wrap(apperrors.CodeDependency, err, "load gateway settings")
}

// Refresh reloads every source. Concurrent callers share one load.
func (p *Provider) Refresh(ctx context.Context) (*Snapshot, error) {
	v, err, _ := p.group.Do("refresh", func() (interface{}, error) {
		merged := make(map[string]Credentials)
		for _, src := range p.sources {
			loaded, err := src.Load(ctx)
			if err != nil {
				return nil, err
			}
			for id, creds := range loaded {
				target, ok := merged[id]
				if !ok {
					target = Credentials{}
					merged[id] = target
				}
				for k, v := range creds {
					target[k] = v
				}
			}
		}

		snap := &Snapshot{Gateways: merged, LoadedAt: p.now()}
		p.mu.Lock()
		p.snapshot = snap
		p.mu.Unlock()

		p.logger.Debug("Gateway settings refreshed", zap.Strings("methods", snap.Methods()))
		return snap, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Snapshot), nil
}

// Invalidate forces the next Current call to reload.
func (p *Provider) Invalidate() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.snapshot != nil {
		stale := *p.snapshot
		stale.LoadedAt = time.Time{}
		p.snapshot = &stale
	}
}

// Run refreshes the snapshot every interval until ctx is done.
func (p *Provider) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := p.Refresh(ctx); err != nil {
				p.logger.Warn("Gateway settings refresh failed", zap.Error(err))
			}
		}
	}
}

func copyCredentials(c Credentials) Credentials {
	out := make(Credentials, len(c))
	for k, v := range c {
		out[k] = v
	}
	return out
}
