package notifier

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"restaurant-order-service/internal/ledger"
	"restaurant-order-service/internal/models"
	"restaurant-order-service/internal/orderstate"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func change(orderID string, version int64, prev, status models.OrderStatus) *models.OrderChange {
	return &models.OrderChange{
		BaseEvent:      models.BaseEvent{EventType: models.EventTypeOrderStatusChanged},
		OrderID:        orderID,
		Version:        version,
		Status:         status,
		PreviousStatus: prev,
		BusinessDate:   "2026-03-14",
	}
}

func versions(t *testing.T, sub *Subscription, n int) []int64 {
	t.Helper()
	out := make([]int64, 0, n)
	for i := 0; i < n; i++ {
		select {
		case c := <-sub.C():
			require.NotNil(t, c)
			out = append(out, c.Version)
		case <-time.After(time.Second):
			t.Fatalf("expected %d changes, got %d", n, len(out))
		}
	}
	return out
}

func assertEmpty(t *testing.T, sub *Subscription) {
	t.Helper()
	select {
	case c := <-sub.C():
		t.Fatalf("unexpected change %+v", c)
	default:
	}
}

func TestFilterValidate(t *testing.T) {
	assert.NoError(t, Filter{OrderID: "o1"}.Validate())
	assert.NoError(t, Filter{BusinessDate: "2026-03-14"}.Validate())
	assert.NoError(t, Filter{OpenOrders: true}.Validate())
	assert.Error(t, Filter{}.Validate())
	assert.Error(t, Filter{OrderID: "o1", OpenOrders: true}.Validate())
	assert.Error(t, Filter{BusinessDate: "14/03/2026"}.Validate())
}

func TestFilterMatches(t *testing.T) {
	open := Filter{OpenOrders: true}
	assert.True(t, open.Matches(change("o1", 2, models.OrderStatusSubmitted, models.OrderStatusPaid)))
	assert.True(t, open.Matches(change("o1", 9, models.OrderStatusReady, models.OrderStatusCompleted)))
	assert.False(t, open.Matches(change("o1", 10, models.OrderStatusCompleted, models.OrderStatusCompleted)))

	byDate := Filter{BusinessDate: "2026-03-14"}
	assert.True(t, byDate.Matches(change("o1", 1, "", models.OrderStatusSubmitted)))
	assert.False(t, Filter{BusinessDate: "2026-03-15"}.Matches(change("o1", 1, "", models.OrderStatusSubmitted)))

	assert.Equal(t, ledger.OrderQuery{OpenOnly: true}, open.Query())
	assert.Equal(t, ledger.OrderQuery{OrderID: "o1"}, Filter{OrderID: "o1"}.Query())
}

func TestHubDeliversInVersionOrder(t *testing.T) {
	hub := NewHub(Config{})
	sub, err := hub.Subscribe(Filter{OrderID: "o1"})
	require.NoError(t, err)
	other, err := hub.Subscribe(Filter{OrderID: "o2"})
	require.NoError(t, err)

	ctx := context.Background()
	hub.Publish(ctx, change("o1", 1, "", models.OrderStatusSubmitted))
	hub.Publish(ctx, change("o1", 3, models.OrderStatusPaid, models.OrderStatusAccepted))
	hub.Publish(ctx, change("o1", 2, models.OrderStatusSubmitted, models.OrderStatusPaid))
	hub.Publish(ctx, change("o1", 2, models.OrderStatusSubmitted, models.OrderStatusPaid))

	assert.Equal(t, []int64{1, 2, 3}, versions(t, sub, 3))
	assertEmpty(t, sub)
	assertEmpty(t, other)
}

func TestHubReleasesHeldChangesAfterGapWait(t *testing.T) {
	now := time.Date(2026, 3, 14, 18, 0, 0, 0, time.UTC)
	hub := NewHub(Config{GapWait: time.Second}).WithClock(func() time.Time { return now })
	sub, err := hub.Subscribe(Filter{OrderID: "o1"})
	require.NoError(t, err)

	ctx := context.Background()
	hub.Publish(ctx, change("o1", 1, "", models.OrderStatusSubmitted))
	hub.Publish(ctx, change("o1", 4, models.OrderStatusAccepted, models.OrderStatusPreparing))
	assert.Equal(t, []int64{1}, versions(t, sub, 1))

	hub.Flush()
	assertEmpty(t, sub)

	now = now.Add(2 * time.Second)
	hub.Flush()
	assert.Equal(t, []int64{4}, versions(t, sub, 1))

	hub.Publish(ctx, change("o1", 3, models.OrderStatusPaid, models.OrderStatusAccepted))
	assertEmpty(t, sub)
}

func TestHubClosesSlowSubscriber(t *testing.T) {
	hub := NewHub(Config{Buffer: 2})
	slow, err := hub.Subscribe(Filter{BusinessDate: "2026-03-14"})
	require.NoError(t, err)
	require.Equal(t, 1, hub.Subscribers())

	ctx := context.Background()
	for v := int64(1); v <= 3; v++ {
		hub.Publish(ctx, change("o1", v, "", models.OrderStatusSubmitted))
	}

	assert.True(t, slow.Missed())
	assert.Equal(t, 0, hub.Subscribers())
	assert.Equal(t, []int64{1, 2}, versions(t, slow, 2))
	_, ok := <-slow.C()
	assert.False(t, ok)

	// closing twice is harmless
	slow.Close()
}

func TestHubPrunesClosedOrders(t *testing.T) {
	now := time.Date(2026, 3, 14, 18, 0, 0, 0, time.UTC)
	hub := NewHub(Config{}).WithClock(func() time.Time { return now })

	ctx := context.Background()
	hub.Publish(ctx, change("o1", 7, models.OrderStatusReady, models.OrderStatusCompleted))
	hub.Publish(ctx, change("o2", 2, models.OrderStatusSubmitted, models.OrderStatusPaid))

	now = now.Add(pruneAfter)
	hub.Flush()

	hub.mu.Lock()
	defer hub.mu.Unlock()
	assert.NotContains(t, hub.orders, "o1")
	assert.Contains(t, hub.orders, "o2")
}

func TestHubCloseEndsSubscriptions(t *testing.T) {
	hub := NewHub(Config{})
	sub, err := hub.Subscribe(Filter{OpenOrders: true})
	require.NoError(t, err)

	hub.Close()
	_, ok := <-sub.C()
	assert.False(t, ok)
	assert.False(t, sub.Missed())

	_, err = hub.Subscribe(Filter{OpenOrders: true})
	assert.Error(t, err)
}

type recorder struct {
	mu      sync.Mutex
	changes []*models.OrderChange
}

func (r *recorder) Publish(_ context.Context, c *models.OrderChange) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changes = append(r.changes, c)
}

func TestMultiPublishesToEach(t *testing.T) {
	a, b := &recorder{}, &recorder{}
	Multi{a, nil, b}.Publish(context.Background(), change("o1", 1, "", models.OrderStatusSubmitted))
	assert.Len(t, a.changes, 1)
	assert.Len(t, b.changes, 1)
}

type staticSnapshots []models.Order

func (s staticSnapshots) ListOrders(context.Context, ledger.OrderQuery) ([]models.Order, error) {
	return s, nil
}

func TestServeWSSendsSnapshotThenChanges(t *testing.T) {
	hub := NewHub(Config{})
	snapshot := staticSnapshots{{ID: "o1", Status: models.OrderStatusPaid, Version: 2}}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ServeWS(hub, snapshot, Filter{OrderID: "o1"}, orderstate.SurfaceKitchen, w, r)
	}))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	var first Message
	require.NoError(t, conn.ReadJSON(&first))
	assert.Equal(t, MessageSnapshot, first.Type)
	require.Len(t, first.Orders, 1)
	assert.Equal(t, "o1", first.Orders[0].ID)

	hub.Publish(context.Background(), change("o1", 3, models.OrderStatusPaid, models.OrderStatusAccepted))

	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	var next Message
	require.NoError(t, json.Unmarshal(raw, &next))
	assert.Equal(t, MessageChange, next.Type)
	require.NotNil(t, next.Change)
	assert.Equal(t, int64(3), next.Change.Version)
	assert.Equal(t, "Queued", next.Label)
}

func TestServeWSSendsCloseFrameWhenHubCloses(t *testing.T) {
	hub := NewHub(Config{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ServeWS(hub, staticSnapshots{}, Filter{OpenOrders: true}, "", w, r)
	}))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	var first Message
	require.NoError(t, conn.ReadJSON(&first))
	assert.Equal(t, MessageSnapshot, first.Type)

	hub.Close()
	_, _, err = conn.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNoStatusReceived), "got %v", err)
}
