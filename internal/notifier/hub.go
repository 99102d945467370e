package notifier

import (
	"context"
	"sort"
	"sync"
	"time"

	"restaurant-order-service/internal/apperrors"
	"restaurant-order-service/internal/ledger"
	"restaurant-order-service/internal/models"
	"restaurant-order-service/internal/util"

	"go.uber.org/zap"
)

const (
	defaultBuffer  = 64
	defaultGapWait = 2 * time.Second
	pruneAfter     = 10 * time.Minute
)

// Filter selects the changes a subscriber receives. Exactly one field is set.
type Filter struct {
	OrderID      string `json:"order_id,omitempty"`
	BusinessDate string `json:"business_date,omitempty"`
	OpenOrders   bool   `json:"open,omitempty"`
}

// Validate checks that exactly one filter kind is chosen.
func (f Filter) Validate() error {
	set := 0
	if f.OrderID != "" {
		set++
	}
	if f.BusinessDate != "" {
		set++
		if _, err := time.Parse(models.BusinessDateLayout, f.BusinessDate); err != nil {
			return apperrors.Newf(apperrors.CodeValidation, "invalid business date %q", f.BusinessDate)
		}
	}
	if f.OpenOrders {
		set++
	}
	if set != 1 {
		return apperrors.New(apperrors.CodeValidation, "choose exactly one of order_id, business_date or open")
	}
	return nil
}

// Matches reports whether change belongs to the filtered stream. The open-orders stream
// still sees the transition that closes an order so boards can drop it.
func (f Filter) Matches(change *models.OrderChange) bool {
	switch {
	case f.OrderID != "":
		return change.OrderID == f.OrderID
	case f.BusinessDate != "":
		return change.BusinessDate == f.BusinessDate
	case f.OpenOrders:
		if !change.Status.IsTerminal() {
			return true
		}
		return change.PreviousStatus != "" && !change.PreviousStatus.IsTerminal()
	}
	return false
}

// Query is the snapshot read matching the filter.
func (f Filter) Query() ledger.OrderQuery {
	switch {
	case f.OrderID != "":
		return ledger.OrderQuery{OrderID: f.OrderID}
	case f.BusinessDate != "":
		return ledger.OrderQuery{BusinessDate: f.BusinessDate}
	default:
		return ledger.OrderQuery{OpenOnly: true}
	}
}

// Subscription is one consumer of the change stream. Its channel is closed when the
// subscription ends; Missed tells whether it ended because the consumer fell behind.
type Subscription struct {
	id     uint64
	filter Filter
	ch     chan *models.OrderChange
	hub    *Hub
	missed bool
	closed bool
}

// C returns the change channel.
func (s *Subscription) C() <-chan *models.OrderChange {
	return s.ch
}

// Filter returns the subscription filter.
func (s *Subscription) Filter() Filter {
	return s.filter
}

// Missed reports whether changes were dropped for this subscriber.
func (s *Subscription) Missed() bool {
	s.hub.mu.Lock()
	defer s.hub.mu.Unlock()
	return s.missed
}

// Close ends the subscription.
func (s *Subscription) Close() {
	s.hub.mu.Lock()
	defer s.hub.mu.Unlock()
	s.hub.remove(s)
}

// orderStream tracks delivery progress of one order.
type orderStream struct {
	delivered int64
	held      map[int64]*models.OrderChange
	heldSince time.Time
	terminal  bool
	touched   time.Time
}

// Config tunes the hub.
type Config struct {
	Buffer  int
	GapWait time.Duration
}

// Hub fans order changes out to subscribers. Changes of one order are delivered in
// version order: duplicates are dropped and a change that skips a version is held until
// the missing one arrives or GapWait elapses.
type Hub struct {
	mu      sync.Mutex
	subs    map[uint64]*Subscription
	nextID  uint64
	orders  map[string]*orderStream
	cfg     Config
	now     func() time.Time
	logger  *zap.Logger
	stopped bool
}

var _ ledger.Publisher = (*Hub)(nil)

// NewHub creates a hub
func NewHub(cfg Config) *Hub {
	if cfg.Buffer <= 0 {
		cfg.Buffer = defaultBuffer
	}
	if cfg.GapWait <= 0 {
		cfg.GapWait = defaultGapWait
	}
	return &Hub{
		subs:   make(map[uint64]*Subscription),
		orders: make(map[string]*orderStream),
		cfg:    cfg,
		now:    time.Now,
		logger: util.GetLogger(),
	}
}

// WithClock replaces the hub clock.
func (h *Hub) WithClock(now func() time.Time) *Hub {
	h.now = now
	return h
}

// Subscribe registers a subscriber for filter.
func (h *Hub) Subscribe(filter Filter) (*Subscription, error) {
	if err := filter.Validate(); err != nil {
		return nil, err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopped {
		return nil, apperrors.New(apperrors.CodeDependency, "change notifier is shut down")
	}

	h.nextID++
	sub := &Subscription{
		id:     h.nextID,
		filter: filter,
		ch:     make(chan *models.OrderChange, h.cfg.Buffer),
		hub:    h,
	}
	h.subs[sub.id] = sub
	util.NotifierSubscribers.Set(float64(len(h.subs)))
	return sub, nil
}

// Publish accepts a committed change from any source.
func (h *Hub) Publish(_ context.Context, change *models.OrderChange) {
	if change == nil || change.OrderID == "" {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopped {
		return
	}

	stream, ok := h.orders[change.OrderID]
	if !ok {
		stream = &orderStream{held: make(map[int64]*models.OrderChange)}
		h.orders[change.OrderID] = stream
	}
	stream.touched = h.now()

	switch {
	case stream.delivered == 0 || change.Version == stream.delivered+1:
		h.deliver(stream, change)
		h.drain(stream)
	case change.Version <= stream.delivered:
		return
	default:
		if _, dup := stream.held[change.Version]; dup {
			return
		}
		stream.held[change.Version] = change
		if stream.heldSince.IsZero() {
			stream.heldSince = h.now()
		}
	}
}

// drain delivers held changes that became consecutive.
func (h *Hub) drain(stream *orderStream) {
	for {
		next, ok := stream.held[stream.delivered+1]
		if !ok {
			break
		}
		delete(stream.held, next.Version)
		h.deliver(stream, next)
	}
	for v := range stream.held {
		if v <= stream.delivered {
			delete(stream.held, v)
		}
	}
	if len(stream.held) == 0 {
		stream.heldSince = time.Time{}
	}
}

func (h *Hub) deliver(stream *orderStream, change *models.OrderChange) {
	stream.delivered = change.Version
	stream.terminal = change.Status.IsTerminal()

	for _, sub := range h.subs {
		if !sub.filter.Matches(change) {
			continue
		}
		select {
		case sub.ch <- change:
		default:
			sub.missed = true
			util.NotifierOverflowsTotal.Inc()
			h.logger.Warn("Change subscriber fell behind, closing",
				zap.Uint64("subscription", sub.id),
				zap.String("order_id", change.OrderID),
				zap.Int64("version", change.Version))
			h.remove(sub)
		}
	}
}

// remove must be called with h.mu held.
func (h *Hub) remove(sub *Subscription) {
	if sub.closed {
		return
	}
	sub.closed = true
	delete(h.subs, sub.id)
	close(sub.ch)
	util.NotifierSubscribers.Set(float64(len(h.subs)))
}

// Flush releases changes held longer than GapWait and forgets closed orders that
// have been quiet for a while.
func (h *Hub) Flush() {
	h.mu.Lock()
	defer h.mu.Unlock()

	now := h.now()
	for orderID, stream := range h.orders {
		if len(stream.held) > 0 && now.Sub(stream.heldSince) >= h.cfg.GapWait {
			versions := make([]int64, 0, len(stream.held))
			for v := range stream.held {
				versions = append(versions, v)
			}
			sort.Slice(versions, func(i, j int) bool { return versions[i] < versions[j] })

			h.logger.Warn("Releasing changes after version gap",
				zap.String("order_id", orderID),
				zap.Int64("delivered", stream.delivered),
				zap.Int64("next", versions[0]))
			for _, v := range versions {
				h.deliver(stream, stream.held[v])
				delete(stream.held, v)
			}
			stream.heldSince = time.Time{}
		}

		if stream.terminal && len(stream.held) == 0 && now.Sub(stream.touched) >= pruneAfter {
			delete(h.orders, orderID)
		}
	}
}

// Run flushes on a ticker until ctx is done, then closes every subscription.
func (h *Hub) Run(ctx context.Context) error {
	interval := h.cfg.GapWait / 2
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.Close()
			return nil
		case <-ticker.C:
			h.Flush()
		}
	}
}

// Close ends every subscription and stops accepting changes.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.stopped = true
	for _, sub := range h.subs {
		h.remove(sub)
	}
}

// Subscribers returns the number of live subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Multi publishes every change to each publisher in order.
type Multi []ledger.Publisher

func (m Multi) Publish(ctx context.Context, change *models.OrderChange) {
	for _, p := range m {
		if p != nil {
			p.Publish(ctx, change)
		}
	}
}
