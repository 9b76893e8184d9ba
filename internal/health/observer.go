package health

import (
	"context"
	"time"

	"github.com/aibix0001/stock-analysis-sub003/internal/broker"
	"github.com/aibix0001/stock-analysis-sub003/internal/dispatch"
	"github.com/aibix0001/stock-analysis-sub003/internal/ledger"
)

// RecordTransition is a ledger transition hook that keeps the order
// lifecycle counters current.
func RecordTransition(tr ledger.Transition) {
	if tr.To == broker.OrderStatusCreated {
		OrdersCreated.Inc()
	}
	OrderTransitions.WithLabelValues(string(tr.To)).Inc()
	if tr.Fill != nil {
		FillsApplied.Inc()
	}
}

// RecordDrift is a ledger drift hook that counts reconciliation findings.
func RecordDrift(orderID, detail string) {
	ReconciliationDrift.Inc()
}

var lastReconnects uint64

// Poll refreshes the gauges from the live sources until the context ends.
func (s Sources) Poll(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.observe()
		}
	}
}

func (s Sources) observe() {
	if s.Dispatcher != nil {
		RequestBudget.Set(s.Dispatcher.CurrentRate())
		RequestTokens.Set(s.Dispatcher.TokensRemaining())
		trade, poll := s.Dispatcher.PendingByClass()
		PendingRequests.WithLabelValues("trade").Set(float64(trade))
		PendingRequests.WithLabelValues("poll").Set(float64(poll))
	}
	if s.Tracker != nil {
		if s.Tracker.State() == dispatch.ConnConnected {
			StreamConnected.Set(1)
		} else {
			StreamConnected.Set(0)
		}
		// Mirror the cumulative tracker count into the counter.
		if n := s.Tracker.Reconnects(); n > lastReconnects {
			StreamReconnects.Add(float64(n - lastReconnects))
			lastReconnects = n
		}
	}
	if s.Buffered != nil {
		BufferedEvents.Set(float64(s.Buffered()))
	}
	if s.Pending != nil {
		EventsPendingPublish.Set(float64(s.Pending()))
	}
}
