package inventory

import (
	"github.com/ariefcatur/go-storefront-fulfillment/internal/orders"
)

type planEntry struct {
	res       Resolution
	requested int
}

// Planner accumulates the decrement plan for a checkout. Lines that hit the
// same counter are checked against their combined quantity, so two lines
// of 2 against a size with 3 left fail on the second line.
type Planner struct {
	entries map[string]*planEntry
	keys    []string
}

func NewPlanner() *Planner {
	return &Planner{entries: map[string]*planEntry{}}
}

// Add reserves qty from res in the plan. On failure the plan is unchanged.
func (p *Planner) Add(res Resolution, name string, qty int) error {
	key := res.Target.Key()
	e, ok := p.entries[key]
	if !ok {
		e = &planEntry{res: res}
	}
	if err := Check(e.res, name, e.requested+qty); err != nil {
		return err
	}
	e.requested += qty
	if !ok {
		p.entries[key] = e
		p.keys = append(p.keys, key)
	}
	return nil
}

// Plan returns one decrement per counter in first-seen order.
func (p *Planner) Plan() []orders.Decrement {
	out := make([]orders.Decrement, 0, len(p.keys))
	for _, k := range p.keys {
		e := p.entries[k]
		out = append(out, orders.Decrement{Target: e.res.Target, Qty: e.requested})
	}
	return out
}
