package poller

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/quantpaper/tradesync/internal/api"
	"github.com/quantpaper/tradesync/internal/model"
	"github.com/quantpaper/tradesync/internal/state"
)

type fakeSource struct {
	mu       sync.Mutex
	resp     api.OrdersResponse
	all      api.OrdersResponse
	err      error
	calls    int
	allCalls int
}

func (f *fakeSource) GetActiveOrders(ctx context.Context) (*api.OrdersResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	resp := f.resp
	return &resp, nil
}

func (f *fakeSource) GetAllOrders(ctx context.Context, opts api.GetOrdersOptions) (*api.OrdersResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.allCalls++
	resp := f.all
	return &resp, nil
}

func (f *fakeSource) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeSource) allCallCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.allCalls
}

func testConfig() Config {
	return Config{Interval: 5 * time.Millisecond, Timeout: time.Second}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, desc string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timeout waiting for %s", desc)
}

func seedActiveOrder(rec *state.Reconciler, id string) {
	rec.ApplyOrdersSnapshot([]model.Order{
		{ID: id, Symbol: "AAPL", Status: model.OrderPending, Quantity: 10},
	}, time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
}

func TestPoller_IdleWithoutActiveOrders(t *testing.T) {
	rec := state.New(state.DefaultConfig(), nil)
	source := &fakeSource{}
	p := New(testConfig(), source, rec, nil)

	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer p.Stop(context.Background())

	time.Sleep(30 * time.Millisecond)

	if got := source.callCount(); got != 0 {
		t.Errorf("source saw %d calls while idle, want 0", got)
	}
}

func TestPoller_PollsWhileOrdersActive(t *testing.T) {
	rec := state.New(state.DefaultConfig(), nil)
	seedActiveOrder(rec, "o1")

	source := &fakeSource{resp: api.OrdersResponse{
		Orders: []model.Order{{ID: "o1", Symbol: "AAPL", Status: model.OrderPending, Quantity: 10, FilledQuantity: 3}},
		AsOf:   time.Date(2024, 3, 1, 12, 0, 1, 0, time.UTC),
	}}
	p := New(testConfig(), source, rec, nil)

	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer p.Stop(context.Background())

	waitFor(t, time.Second, func() bool { return source.callCount() >= 2 }, "repeated polls")

	// The fetched state lands in the reconciler.
	waitFor(t, time.Second, func() bool {
		orders := rec.Orders()
		return len(orders) == 1 && orders[0].FilledQuantity == 3
	}, "refreshed order")

	if got := p.Stats().Polls; got < 2 {
		t.Errorf("Polls = %d, want >= 2", got)
	}
	// The working set covered every local order, so no history fetch.
	if got := source.allCallCount(); got != 0 {
		t.Errorf("history fetched %d times with a fully covered working set", got)
	}
}

func TestPoller_ResolvesOrdersMissingFromActiveFetch(t *testing.T) {
	rec := state.New(state.DefaultConfig(), nil)
	seedActiveOrder(rec, "o1")

	// The server's working set no longer contains o1: it filled while
	// the push channel was down, and the terminal status only exists in
	// the full history.
	source := &fakeSource{
		resp: api.OrdersResponse{AsOf: time.Date(2024, 3, 1, 12, 0, 1, 0, time.UTC)},
		all: api.OrdersResponse{
			Orders: []model.Order{{ID: "o1", Symbol: "AAPL", Status: model.OrderFilled, Quantity: 10, FilledQuantity: 10}},
			AsOf:   time.Date(2024, 3, 1, 12, 0, 1, 0, time.UTC),
		},
	}
	p := New(testConfig(), source, rec, nil)

	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer p.Stop(context.Background())

	waitFor(t, time.Second, func() bool { return len(rec.ActiveOrders()) == 0 }, "terminal status resolved")

	orders := rec.Orders()
	if len(orders) != 1 || orders[0].Status != model.OrderFilled {
		t.Fatalf("orders = %+v, want o1 filled", orders)
	}
	if source.allCallCount() < 1 {
		t.Error("history never fetched for the vanished order")
	}

	// With nothing working the loop must idle.
	settled := source.callCount()
	time.Sleep(30 * time.Millisecond)
	if got := source.callCount(); got > settled+1 {
		t.Errorf("source saw %d calls after resolution (was %d), loop not idle", got, settled)
	}
}

func TestPoller_WakesOnOrderChange(t *testing.T) {
	rec := state.New(state.DefaultConfig(), nil)
	source := &fakeSource{resp: api.OrdersResponse{
		Orders: []model.Order{{ID: "o1", Status: model.OrderPending}},
		AsOf:   time.Date(2024, 3, 1, 12, 0, 1, 0, time.UTC),
	}}
	p := New(testConfig(), source, rec, nil)

	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer p.Stop(context.Background())

	time.Sleep(20 * time.Millisecond)
	if got := source.callCount(); got != 0 {
		t.Fatalf("source saw %d calls before any order existed", got)
	}

	// A new working order must wake the idle loop promptly.
	seedActiveOrder(rec, "o1")
	waitFor(t, time.Second, func() bool { return source.callCount() >= 1 }, "wake on order change")
}

func TestPoller_GoesIdleWhenOrdersComplete(t *testing.T) {
	rec := state.New(state.DefaultConfig(), nil)
	seedActiveOrder(rec, "o1")

	// The fetch reports the order as filled, draining the active set.
	source := &fakeSource{resp: api.OrdersResponse{
		Orders: []model.Order{{ID: "o1", Symbol: "AAPL", Status: model.OrderFilled, Quantity: 10, FilledQuantity: 10}},
		AsOf:   time.Date(2024, 3, 1, 12, 0, 1, 0, time.UTC),
	}}
	p := New(testConfig(), source, rec, nil)

	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer p.Stop(context.Background())

	waitFor(t, time.Second, func() bool { return len(rec.ActiveOrders()) == 0 }, "order completion")

	settled := source.callCount()
	time.Sleep(30 * time.Millisecond)
	// Allow one in-flight cycle, then the loop must be idle.
	if got := source.callCount(); got > settled+1 {
		t.Errorf("source saw %d calls after completion (was %d), loop not idle", got, settled)
	}
}

func TestPoller_CountsErrors(t *testing.T) {
	rec := state.New(state.DefaultConfig(), nil)
	seedActiveOrder(rec, "o1")

	source := &fakeSource{err: errors.New("backend down")}
	p := New(testConfig(), source, rec, nil)

	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer p.Stop(context.Background())

	waitFor(t, time.Second, func() bool { return p.Stats().Errors >= 1 }, "error counter")
	if got := p.Stats().Polls; got != 0 {
		t.Errorf("Polls = %d, want 0 for failed fetches", got)
	}
}

func TestPoller_StopHaltsPolling(t *testing.T) {
	rec := state.New(state.DefaultConfig(), nil)
	seedActiveOrder(rec, "o1")

	source := &fakeSource{resp: api.OrdersResponse{
		Orders: []model.Order{{ID: "o1", Status: model.OrderPending}},
		AsOf:   time.Date(2024, 3, 1, 12, 0, 1, 0, time.UTC),
	}}
	p := New(testConfig(), source, rec, nil)

	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	waitFor(t, time.Second, func() bool { return source.callCount() >= 1 }, "first poll")

	if err := p.Stop(context.Background()); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	settled := source.callCount()
	time.Sleep(30 * time.Millisecond)
	if got := source.callCount(); got != settled {
		t.Errorf("source saw %d calls after Stop (was %d)", got, settled)
	}
}
