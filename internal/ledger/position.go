package ledger

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/aibix0001/stock-analysis-sub003/internal/broker"
)

type sidedFill struct {
	symbol string
	side   broker.Side
	qty    decimal.Decimal
	price  decimal.Decimal
	at     time.Time
	id     string
}

// PositionSnapshot folds every committed fill into per-symbol positions.
// Buys add signed quantity, sells subtract; cost basis tracks the signed
// notional of the net position. Fills are folded in timestamp order so
// the snapshot is deterministic regardless of arrival order.
func (l *Ledger) PositionSnapshot() []broker.Position {
	l.mu.RLock()
	entries := make([]*orderEntry, 0, len(l.orders))
	for _, e := range l.orders {
		entries = append(entries, e)
	}
	l.mu.RUnlock()

	var fills []sidedFill
	for _, e := range entries {
		e.mu.Lock()
		for _, f := range e.fills {
			fills = append(fills, sidedFill{
				symbol: e.order.Symbol,
				side:   e.order.Side,
				qty:    f.Quantity,
				price:  f.Price,
				at:     f.Timestamp,
				id:     f.ID,
			})
		}
		e.mu.Unlock()
	}

	sort.Slice(fills, func(i, j int) bool {
		if !fills[i].at.Equal(fills[j].at) {
			return fills[i].at.Before(fills[j].at)
		}
		return fills[i].id < fills[j].id
	})

	bySymbol := make(map[string]*broker.Position)
	for _, f := range fills {
		pos, ok := bySymbol[f.symbol]
		if !ok {
			pos = &broker.Position{Symbol: f.symbol}
			bySymbol[f.symbol] = pos
		}
		signed := f.qty
		if f.side == broker.SideSell {
			signed = signed.Neg()
		}
		pos.Quantity = pos.Quantity.Add(signed)
		pos.CostBasis = pos.CostBasis.Add(signed.Mul(f.price))
	}

	out := make([]broker.Position, 0, len(bySymbol))
	for _, pos := range bySymbol {
		out = append(out, *pos)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}
