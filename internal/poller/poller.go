// Package poller implements the REST fallback for order state: while
// any working order exists it re-fetches the active orders on a
// bounded interval, so a missed push message cannot leave a stale
// order on screen indefinitely. An order the server stops reporting
// as working is resolved through a full history snapshot, since its
// terminal status never appears in the active fetch. With no working
// orders the loop is idle and issues no requests.
package poller

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quantpaper/tradesync/internal/api"
	"github.com/quantpaper/tradesync/internal/model"
	"github.com/quantpaper/tradesync/internal/state"
)

// OrderSource provides the order fetches the fallback relies on.
type OrderSource interface {
	GetActiveOrders(ctx context.Context) (*api.OrdersResponse, error)
	GetAllOrders(ctx context.Context, opts api.GetOrdersOptions) (*api.OrdersResponse, error)
}

// Config holds poller configuration.
type Config struct {
	Interval time.Duration // Poll interval while orders are working (default: 5s)
	Timeout  time.Duration // Per-request timeout (default: 10s)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Interval: 5 * time.Second,
		Timeout:  10 * time.Second,
	}
}

// Stats is a snapshot of poller counters.
type Stats struct {
	Polls  int64
	Errors int64
}

// Poller periodically refreshes active orders via the REST API.
type Poller struct {
	cfg    Config
	source OrderSource
	rec    *state.Reconciler
	logger *slog.Logger

	ctx         context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	kick        chan struct{}
	unsubscribe func()

	polls  atomic.Int64
	errors atomic.Int64
}

// New creates a new Poller.
func New(cfg Config, source OrderSource, rec *state.Reconciler, logger *slog.Logger) *Poller {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultConfig().Interval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Poller{
		cfg:    cfg,
		source: source,
		rec:    rec,
		logger: logger,
		kick:   make(chan struct{}, 1),
	}
}

// Start begins the polling loop. Order changes in the reconciler wake
// an idle loop so a freshly placed order is picked up without waiting
// a full interval.
func (p *Poller) Start(ctx context.Context) error {
	p.ctx, p.cancel = context.WithCancel(ctx)

	p.unsubscribe = p.rec.SubscribeChanges(func(c state.Change) {
		if c.Kind != state.ChangeOrders {
			return
		}
		select {
		case p.kick <- struct{}{}:
		default:
		}
	})

	p.wg.Add(1)
	go p.run()

	p.logger.Info("order poller started", "interval", p.cfg.Interval)
	return nil
}

// Stop gracefully shuts down the poller.
func (p *Poller) Stop(ctx context.Context) error {
	if p.unsubscribe != nil {
		p.unsubscribe()
	}
	if p.cancel != nil {
		p.cancel()
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("order poller stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats returns the poll counters.
func (p *Poller) Stats() Stats {
	return Stats{
		Polls:  p.polls.Load(),
		Errors: p.errors.Load(),
	}
}

func (p *Poller) run() {
	defer p.wg.Done()

	for {
		if len(p.rec.ActiveOrders()) == 0 {
			// Idle: no working orders, nothing to poll for.
			select {
			case <-p.ctx.Done():
				return
			case <-p.kick:
			}
			continue
		}

		p.poll()

		select {
		case <-p.ctx.Done():
			return
		case <-time.After(p.cfg.Interval):
		}
	}
}

// poll fetches the active orders and merges them into the reconciler.
func (p *Poller) poll() {
	ctx, cancel := context.WithTimeout(p.ctx, p.cfg.Timeout)
	defer cancel()

	resp, err := p.source.GetActiveOrders(ctx)
	if err != nil {
		p.errors.Add(1)
		p.logger.Warn("active order poll failed", "error", err)
		return
	}

	p.rec.RefreshOrders(resp.Orders, resp.AsOf)
	p.polls.Add(1)

	// A locally working order the server no longer reports finished
	// while the push channel was down. Its terminal status only exists
	// in the full history, so re-snapshot; without this the local copy
	// stays active forever and the loop never idles.
	if n := p.missingFromActive(resp.Orders); n > 0 {
		p.logger.Info("orders left the working set without a push", "count", n)
		full, err := p.source.GetAllOrders(ctx, api.GetOrdersOptions{})
		if err != nil {
			p.errors.Add(1)
			p.logger.Warn("order snapshot fetch failed", "error", err)
			return
		}
		p.rec.ApplyOrdersSnapshot(full.Orders, full.AsOf)
	}
}

// missingFromActive counts locally active orders absent from the
// server's working set.
func (p *Poller) missingFromActive(active []model.Order) int {
	present := make(map[string]struct{}, len(active))
	for _, o := range active {
		present[o.ID] = struct{}{}
	}

	n := 0
	for _, o := range p.rec.ActiveOrders() {
		if _, ok := present[o.ID]; !ok {
			n++
		}
	}
	return n
}
