package inventory

import (
	"errors"
	"testing"

	"github.com/ariefcatur/go-storefront-fulfillment/internal/orders"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolve_Order(t *testing.T) {
	p := orders.Product{ID: "p1", Stock: 7}
	v := &orders.Variation{ID: "v1", ProductID: "p1", Stock: 4, SizeStock: map[string]int{"M": 2, "G": 0}}

	tests := []struct {
		name      string
		variation *orders.Variation
		size      string
		kind      orders.TargetKind
		available int
	}{
		{"size in size stock", v, "M", orders.TargetSize, 2},
		{"size with zero stock", v, "G", orders.TargetSize, 0},
		{"size not listed falls back to variation", v, "GG", orders.TargetVariation, 4},
		{"variation without size", v, "", orders.TargetVariation, 4},
		{"no variation uses product", nil, "M", orders.TargetProduct, 7},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := Resolve(p, tt.variation, tt.size)
			assert.Equal(t, tt.kind, res.Target.Kind)
			assert.Equal(t, tt.available, res.Available)
		})
	}
}

func TestResolve_NegativeStockReadsAsZero(t *testing.T) {
	res := Resolve(orders.Product{ID: "p1", Stock: -3}, nil, "")
	assert.Equal(t, 0, res.Available)
}

func TestCheck_SizeScenario(t *testing.T) {
	p := orders.Product{ID: "p1", Stock: 10}
	v := &orders.Variation{ID: "v1", ProductID: "p1", SizeStock: map[string]int{"M": 2, "G": 0}}

	err := Check(Resolve(p, v, "G"), "Tee", 1)
	var stockErr *orders.InsufficientStockError
	require.True(t, errors.As(err, &stockErr))
	assert.Equal(t, 0, stockErr.Available)
	assert.Equal(t, 1, stockErr.Requested)
	assert.ErrorIs(t, err, orders.ErrInsufficientStock)

	require.NoError(t, Check(Resolve(p, v, "M"), "Tee", 2))
	assert.Equal(t, 0, Apply(2, 2))
}

func TestApply_Clamped(t *testing.T) {
	assert.Equal(t, 3, Apply(5, 2))
	assert.Equal(t, 0, Apply(5, 5))
	assert.Equal(t, 0, Apply(1, 4))
	assert.Equal(t, 0, Apply(0, 1))
}

func TestPlanner_MergesSameTarget(t *testing.T) {
	p := orders.Product{ID: "p1"}
	v := &orders.Variation{ID: "v1", ProductID: "p1", SizeStock: map[string]int{"M": 3}}
	res := Resolve(p, v, "M")

	pl := NewPlanner()
	require.NoError(t, pl.Add(res, "Tee", 2))
	err := pl.Add(res, "Tee", 2)

	var stockErr *orders.InsufficientStockError
	require.True(t, errors.As(err, &stockErr))
	assert.Equal(t, 3, stockErr.Available)
	assert.Equal(t, 4, stockErr.Requested)

	plan := pl.Plan()
	require.Len(t, plan, 1)
	assert.Equal(t, 2, plan[0].Qty, "failed add must not change the plan")
}

func TestPlanner_KeepsFirstSeenOrder(t *testing.T) {
	a := Resolve(orders.Product{ID: "a", Stock: 5}, nil, "")
	b := Resolve(orders.Product{ID: "b", Stock: 5}, nil, "")

	pl := NewPlanner()
	require.NoError(t, pl.Add(b, "B", 1))
	require.NoError(t, pl.Add(a, "A", 1))
	require.NoError(t, pl.Add(b, "B", 1))

	plan := pl.Plan()
	require.Len(t, plan, 2)
	assert.Equal(t, "b", plan[0].Target.ProductID)
	assert.Equal(t, 2, plan[0].Qty)
	assert.Equal(t, "a", plan[1].Target.ProductID)
}
