package settings

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"restaurant-order-service/internal/apperrors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingSource struct {
	calls  atomic.Int32
	mu     sync.Mutex
	values map[string]Credentials
	err    error
}

func (s *countingSource) Load(context.Context) (map[string]Credentials, error) {
	s.calls.Add(1)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	return StaticSource(s.values).Load(context.Background())
}

func (s *countingSource) set(values map[string]Credentials, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values = values
	s.err = err
}

type fakeHashes map[string]map[string]string

func (f fakeHashes) GatewaySettings(_ context.Context, id string) (map[string]string, error) {
	return f[id], nil
}

func TestCredentials(t *testing.T) {
	creds := Credentials{"merchant_id": " 100 ", "enabled": "false"}
	assert.Equal(t, "100", creds.Get("merchant_id"))
	assert.False(t, creds.Enabled())
	assert.True(t, creds.Has("merchant_id"))
	assert.False(t, creds.Has("merchant_id", "merchant_key"))
	assert.True(t, Credentials{}.Enabled())
}

func TestProviderCachesWithinTTL(t *testing.T) {
	now := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	src := &countingSource{values: map[string]Credentials{"cash": {}}}
	p := NewProvider(time.Minute, src).WithClock(func() time.Time { return now })

	_, err := p.Current(context.Background())
	require.NoError(t, err)
	_, err = p.Current(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(1), src.calls.Load())

	now = now.Add(2 * time.Minute)
	_, err = p.Current(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(2), src.calls.Load())

	p.Invalidate()
	_, err = p.Current(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(3), src.calls.Load())
}

func TestProviderKeepsLastGoodSnapshot(t *testing.T) {
	now := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	src := &countingSource{values: map[string]Credentials{"manual_qr": {"qr_payload": "pay-me"}}}
	p := NewProvider(time.Minute, src).WithClock(func() time.Time { return now })

	first, err := p.Current(context.Background())
	require.NoError(t, err)

	src.set(nil, errors.New("redis down"))
	now = now.Add(5 * time.Minute)

	snap, err := p.Current(context.Background())
	require.NoError(t, err)
	assert.Same(t, first, snap)
}

func TestProviderFailsWithoutSnapshot(t *testing.T) {
	src := &countingSource{err: errors.New("redis down")}
	_, err := NewProvider(time.Minute, src).Current(context.Background())
	assert.True(t, apperrors.Is(err, apperrors.CodeDependency))
}

func TestProviderMergesSourcesInOrder(t *testing.T) {
	env := StaticSource{
		"card_redirect": {"merchant_id": "10000100", "merchant_key": "env-key"},
		"cash":          {},
	}
	redis := NewRedisSource(fakeHashes{
		"card_redirect": {"merchant_key": "redis-key"},
		"manual_qr":     {"qr_payload": "pay-me"},
	}, []string{"card_redirect", "manual_qr", "square_card"})

	snap, err := NewProvider(time.Minute, env, redis).Refresh(context.Background())
	require.NoError(t, err)

	card, ok := snap.For("card_redirect")
	require.True(t, ok)
	assert.Equal(t, "10000100", card.Get("merchant_id"))
	assert.Equal(t, "redis-key", card.Get("merchant_key"))
	assert.Equal(t, []string{"card_redirect", "cash", "manual_qr"}, snap.Methods())

	_, ok = snap.For("square_card")
	assert.False(t, ok)
}
