package state

import (
	"encoding/json"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/quantpaper/tradesync/internal/bus"
	"github.com/quantpaper/tradesync/internal/model"
)

// ChangeKind identifies which collection a change notification covers.
type ChangeKind string

const (
	ChangeOrders    ChangeKind = "orders"
	ChangePositions ChangeKind = "positions"
	ChangePortfolio ChangeKind = "portfolio"
	ChangeQuotes    ChangeKind = "quotes"
	ChangeTrades    ChangeKind = "trades"
	ChangeRisk      ChangeKind = "risk"
)

// Change is delivered to observers after a collection mutates.
type Change struct {
	Kind   ChangeKind
	Symbol string // set for quote and risk changes
}

// Observer receives change notifications.
type Observer func(Change)

// Config parameterizes the reconciler.
type Config struct {
	// PortfolioThreshold suppresses portfolio updates whose totalValue
	// and totalPnL both move by less than this amount. Deliberately
	// lossy: sub-threshold deltas are dropped, not queued.
	PortfolioThreshold float64

	// TradeTapeSize bounds the in-memory fill tape.
	TradeTapeSize int
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		PortfolioThreshold: 1.0,
		TradeTapeSize:      256,
	}
}

// Stats contains reconciler counters.
type Stats struct {
	Applied      int64 // messages merged into a collection
	StaleDropped int64 // messages older than the last applied update
	Suppressed   int64 // portfolio updates below the noise threshold
	Unknown      int64 // message kinds nobody recognizes
	ParseErrors  int64
}

// Reconciler owns the canonical collections.
type Reconciler struct {
	cfg    Config
	logger *slog.Logger

	mu sync.Mutex

	orders       map[string]model.Order
	orderApplied map[string]time.Time
	ordersAsOf   time.Time // last wholesale orders snapshot

	positions  map[string]model.Position // by position ID
	posApplied map[string]time.Time
	posAsOf    time.Time

	portfolio    model.Portfolio
	hasPortfolio bool
	portfolioAt  time.Time

	quotes map[string]model.Quote

	trades   []model.Trade
	lastRisk *model.RiskEvent

	stats Stats

	observerMu sync.Mutex
	observers  map[int64]Observer
	observerID int64
}

// New creates an empty reconciler.
func New(cfg Config, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.TradeTapeSize <= 0 {
		cfg.TradeTapeSize = DefaultConfig().TradeTapeSize
	}

	return &Reconciler{
		cfg:          cfg,
		logger:       logger,
		orders:       make(map[string]model.Order),
		orderApplied: make(map[string]time.Time),
		positions:    make(map[string]model.Position),
		posApplied:   make(map[string]time.Time),
		quotes:       make(map[string]model.Quote),
		observers:    make(map[int64]Observer),
	}
}

// Bind subscribes the reconciler to every message kind it consumes and
// returns a cancel func detaching all of them.
func (r *Reconciler) Bind(b *bus.Bus) func() {
	kinds := []model.MessageKind{
		model.KindOrderUpdate,
		model.KindTradeUpdate,
		model.KindPositionUpdate,
		model.KindPortfolioUpdate,
		model.KindMarketData,
		model.KindRiskTriggered,
	}

	cancels := make([]func(), 0, len(kinds))
	for _, k := range kinds {
		cancels = append(cancels, b.Subscribe(k, r.ApplyMessage))
	}

	return func() {
		for _, c := range cancels {
			c()
		}
	}
}

// -----------------------------------------------------------------------------
// Message application
// -----------------------------------------------------------------------------

// ApplyMessage merges one inbound push message. Unknown kinds are
// logged and dropped; a bad payload never blocks subsequent messages.
func (r *Reconciler) ApplyMessage(env model.Envelope) {
	switch env.Type {
	case model.KindOrderUpdate:
		r.applyOrder(env)
	case model.KindTradeUpdate:
		r.applyTrade(env)
	case model.KindPositionUpdate:
		r.applyPosition(env)
	case model.KindPortfolioUpdate:
		r.applyPortfolio(env)
	case model.KindMarketData:
		r.applyQuote(env)
	case model.KindRiskTriggered:
		r.applyRisk(env)
	default:
		r.mu.Lock()
		r.stats.Unknown++
		r.mu.Unlock()
		r.logger.Warn("unknown message kind dropped", "kind", env.Type)
	}
}

func (r *Reconciler) applyOrder(env model.Envelope) {
	var order model.Order
	if !r.decode(env, &order) || order.ID == "" {
		return
	}

	r.mu.Lock()
	if r.staleOrderLocked(order.ID, env.Timestamp) {
		r.mu.Unlock()
		return
	}
	r.orders[order.ID] = order
	r.orderApplied[order.ID] = env.Timestamp
	r.stats.Applied++
	r.mu.Unlock()

	r.notify(Change{Kind: ChangeOrders})
}

func (r *Reconciler) applyTrade(env model.Envelope) {
	var trade model.Trade
	if !r.decode(env, &trade) || trade.ID == "" {
		return
	}

	r.mu.Lock()
	r.trades = append(r.trades, trade)
	if len(r.trades) > r.cfg.TradeTapeSize {
		r.trades = r.trades[len(r.trades)-r.cfg.TradeTapeSize:]
	}

	// A fill also advances the matching order, but only forward.
	if order, ok := r.orders[trade.OrderID]; ok && !r.staleOrderLocked(trade.OrderID, env.Timestamp) {
		order.FilledQuantity = math.Min(order.FilledQuantity+trade.Quantity, order.Quantity)
		order.UpdatedAt = trade.Timestamp
		r.orders[trade.OrderID] = order
		r.orderApplied[trade.OrderID] = env.Timestamp
	}
	r.stats.Applied++
	r.mu.Unlock()

	r.notify(Change{Kind: ChangeTrades, Symbol: trade.Symbol})
}

func (r *Reconciler) applyPosition(env model.Envelope) {
	var pos model.Position
	if !r.decode(env, &pos) || pos.ID == "" {
		return
	}

	r.mu.Lock()
	if applied, ok := r.posApplied[pos.ID]; (ok && env.Timestamp.Before(applied)) || env.Timestamp.Before(r.posAsOf) {
		r.stats.StaleDropped++
		r.mu.Unlock()
		return
	}
	// Positions apply immediately, no suppression: their values are
	// inherently volatile and cheap to render.
	r.positions[pos.ID] = pos
	r.posApplied[pos.ID] = env.Timestamp
	r.stats.Applied++
	r.mu.Unlock()

	r.notify(Change{Kind: ChangePositions})
}

func (r *Reconciler) applyPortfolio(env model.Envelope) {
	var pf model.Portfolio
	if !r.decode(env, &pf) {
		return
	}

	r.mu.Lock()
	if env.Timestamp.Before(r.portfolioAt) {
		r.stats.StaleDropped++
		r.mu.Unlock()
		return
	}

	if r.hasPortfolio &&
		math.Abs(pf.TotalValue-r.portfolio.TotalValue) < r.cfg.PortfolioThreshold &&
		math.Abs(pf.TotalPnL-r.portfolio.TotalPnL) < r.cfg.PortfolioThreshold {
		// Sub-threshold noise: drop, don't queue. The stored portfolio
		// stays untouched so consumers see no change at all.
		r.stats.Suppressed++
		r.mu.Unlock()
		return
	}

	r.portfolio = pf
	r.hasPortfolio = true
	r.portfolioAt = env.Timestamp
	r.stats.Applied++
	r.mu.Unlock()

	r.notify(Change{Kind: ChangePortfolio})
}

func (r *Reconciler) applyQuote(env model.Envelope) {
	var quote model.Quote
	if !r.decode(env, &quote) || quote.Symbol == "" {
		return
	}

	r.mu.Lock()
	if prev, ok := r.quotes[quote.Symbol]; ok && env.Timestamp.Before(prev.Timestamp) {
		r.stats.StaleDropped++
		r.mu.Unlock()
		return
	}
	if quote.Timestamp.IsZero() {
		quote.Timestamp = env.Timestamp
	}
	r.quotes[quote.Symbol] = quote

	// Mark open positions in this symbol to the new price.
	for id, pos := range r.positions {
		if pos.Symbol != quote.Symbol || quote.Last == 0 {
			continue
		}
		pos.CurrentPrice = quote.Last
		pos.UnrealizedPnL = (quote.Last - pos.AvgPrice) * pos.Quantity
		r.positions[id] = pos
	}
	r.stats.Applied++
	r.mu.Unlock()

	r.notify(Change{Kind: ChangeQuotes, Symbol: quote.Symbol})
}

func (r *Reconciler) applyRisk(env model.Envelope) {
	var ev model.RiskEvent
	if !r.decode(env, &ev) {
		return
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = env.Timestamp
	}

	r.mu.Lock()
	r.lastRisk = &ev
	r.stats.Applied++
	r.mu.Unlock()

	r.logger.Warn("risk management triggered",
		"symbol", ev.Symbol,
		"action", ev.Action,
		"reason", ev.Reason,
	)
	r.notify(Change{Kind: ChangeRisk, Symbol: ev.Symbol})
}

// -----------------------------------------------------------------------------
// Snapshot application
// -----------------------------------------------------------------------------

// ApplyOrdersSnapshot replaces the order collection wholesale with a
// REST fetch result. Push messages older than asOf are discarded from
// then on.
func (r *Reconciler) ApplyOrdersSnapshot(orders []model.Order, asOf time.Time) {
	r.mu.Lock()
	r.orders = make(map[string]model.Order, len(orders))
	r.orderApplied = make(map[string]time.Time, len(orders))
	for _, o := range orders {
		r.orders[o.ID] = o
		r.orderApplied[o.ID] = asOf
	}
	r.ordersAsOf = asOf
	r.stats.Applied++
	r.mu.Unlock()

	r.notify(Change{Kind: ChangeOrders})
}

// RefreshOrders upserts a partial fetch result (e.g. the active-order
// poll) without discarding orders absent from it.
func (r *Reconciler) RefreshOrders(orders []model.Order, asOf time.Time) {
	r.mu.Lock()
	changed := false
	for _, o := range orders {
		if r.staleOrderLocked(o.ID, asOf) {
			continue
		}
		r.orders[o.ID] = o
		r.orderApplied[o.ID] = asOf
		changed = true
	}
	if changed {
		r.stats.Applied++
	}
	r.mu.Unlock()

	if changed {
		r.notify(Change{Kind: ChangeOrders})
	}
}

// ApplyPositionsSnapshot replaces the position collection wholesale.
func (r *Reconciler) ApplyPositionsSnapshot(positions []model.Position, asOf time.Time) {
	r.mu.Lock()
	r.positions = make(map[string]model.Position, len(positions))
	r.posApplied = make(map[string]time.Time, len(positions))
	for _, p := range positions {
		r.positions[p.ID] = p
		r.posApplied[p.ID] = asOf
	}
	r.posAsOf = asOf
	r.stats.Applied++
	r.mu.Unlock()

	r.notify(Change{Kind: ChangePositions})
}

// ApplyPortfolioSnapshot replaces the stored portfolio wholesale.
// Snapshots bypass the noise threshold: a fetch the caller asked for is
// always applied.
func (r *Reconciler) ApplyPortfolioSnapshot(pf model.Portfolio, asOf time.Time) {
	r.mu.Lock()
	r.portfolio = pf
	r.hasPortfolio = true
	r.portfolioAt = asOf
	r.stats.Applied++
	r.mu.Unlock()

	r.notify(Change{Kind: ChangePortfolio})
}

// -----------------------------------------------------------------------------
// Read accessors
// -----------------------------------------------------------------------------

// Orders returns all known orders, newest first.
func (r *Reconciler) Orders() []model.Order {
	r.mu.Lock()
	out := make([]model.Order, 0, len(r.orders))
	for _, o := range r.orders {
		out = append(out, o)
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// ActiveOrders returns the orders still resting on the book. The view
// is always the status filter over the full list; an order leaving the
// active set stays in Orders.
func (r *Reconciler) ActiveOrders() []model.Order {
	all := r.Orders()
	out := make([]model.Order, 0, len(all))
	for _, o := range all {
		if o.Status.Active() {
			out = append(out, o)
		}
	}
	return out
}

// Positions returns all open positions, sorted by symbol.
func (r *Reconciler) Positions() []model.Position {
	r.mu.Lock()
	out := make([]model.Position, 0, len(r.positions))
	for _, p := range r.positions {
		out = append(out, p)
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// Portfolio returns the stored portfolio snapshot. ok is false before
// the first update or snapshot arrives.
func (r *Reconciler) Portfolio() (model.Portfolio, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.portfolio, r.hasPortfolio
}

// Quote returns the latest quote for a symbol.
func (r *Reconciler) Quote(symbol string) (model.Quote, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	q, ok := r.quotes[symbol]
	return q, ok
}

// Trades returns the bounded fill tape, oldest first.
func (r *Reconciler) Trades() []model.Trade {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]model.Trade, len(r.trades))
	copy(out, r.trades)
	return out
}

// LastRiskEvent returns the most recent risk intervention, if any.
func (r *Reconciler) LastRiskEvent() (model.RiskEvent, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.lastRisk == nil {
		return model.RiskEvent{}, false
	}
	return *r.lastRisk, true
}

// Stats returns current counters.
func (r *Reconciler) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}

// SubscribeChanges registers an observer and returns a cancel func.
func (r *Reconciler) SubscribeChanges(obs Observer) func() {
	r.observerMu.Lock()
	r.observerID++
	id := r.observerID
	r.observers[id] = obs
	r.observerMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			r.observerMu.Lock()
			delete(r.observers, id)
			r.observerMu.Unlock()
		})
	}
}

// -----------------------------------------------------------------------------
// Internals
// -----------------------------------------------------------------------------

// staleOrderLocked reports whether an order update timestamped ts is
// older than what the collection already holds. Caller holds mu.
// Equal timestamps re-apply: replaying an already-applied message is
// idempotent by value.
func (r *Reconciler) staleOrderLocked(id string, ts time.Time) bool {
	if applied, ok := r.orderApplied[id]; ok && ts.Before(applied) {
		r.stats.StaleDropped++
		return true
	}
	if ts.Before(r.ordersAsOf) {
		r.stats.StaleDropped++
		return true
	}
	return false
}

// decode unmarshals an envelope payload, counting failures.
func (r *Reconciler) decode(env model.Envelope, v any) bool {
	if err := json.Unmarshal(env.Data, v); err != nil {
		r.mu.Lock()
		r.stats.ParseErrors++
		r.mu.Unlock()
		r.logger.Warn("malformed payload dropped", "kind", env.Type, "error", err)
		return false
	}
	return true
}

// notify delivers a change to observers outside the state lock.
func (r *Reconciler) notify(change Change) {
	r.observerMu.Lock()
	obs := make([]Observer, 0, len(r.observers))
	for _, o := range r.observers {
		obs = append(obs, o)
	}
	r.observerMu.Unlock()

	for _, o := range obs {
		o(change)
	}
}
