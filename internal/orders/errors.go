package orders

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound            = errors.New("not found")
	ErrInsufficientStock   = errors.New("insufficient stock")
	ErrCouponInvalid       = errors.New("coupon invalid, expired or inactive")
	ErrCouponExhausted     = errors.New("coupon usage limit reached")
	ErrInvalidShipping     = errors.New("invalid shipping selection")
	ErrInvalidLine         = errors.New("invalid cart line")
	ErrEmptyCart           = errors.New("select at least one item to pay")
	ErrPaymentGateway      = errors.New("payment gateway error")
	ErrAlreadyMaterialized = errors.New("pending order already materialized")
	ErrExpired             = errors.New("payment deadline passed")
	ErrFailed              = errors.New("payment failed")
	ErrIllegalTransition   = errors.New("illegal status transition")
	ErrStillPending        = errors.New("order is still pending payment")
	ErrDuplicateCharge     = errors.New("order already exists for charge")
)

// NotFoundError names the missing entity.
type NotFoundError struct {
	Entity string
	ID     string
}

func (e *NotFoundError) Error() string { return fmt.Sprintf("%s not found: %s", e.Entity, e.ID) }

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

func NotFound(entity, id string) error { return &NotFoundError{Entity: entity, ID: id} }

type InsufficientStockError struct {
	Target    StockTarget
	Name      string
	Available int
	Requested int
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("%q has insufficient stock: available %d, requested %d", e.Name, e.Available, e.Requested)
}

func (e *InsufficientStockError) Unwrap() error { return ErrInsufficientStock }

// LineError ties a resolution failure to the cart line that caused it.
type LineError struct {
	Index     int
	ProductID string
	Err       error
}

func (e *LineError) Error() string {
	return fmt.Sprintf("line %d (product %s): %v", e.Index, e.ProductID, e.Err)
}

func (e *LineError) Unwrap() error { return e.Err }

// GatewayError wraps an upstream payment failure. Only configuration
// problems are safe to show to the buyer.
type GatewayError struct {
	Op            string
	Err           error
	Configuration bool
}

func (e *GatewayError) Error() string { return fmt.Sprintf("payment gateway %s: %v", e.Op, e.Err) }

func (e *GatewayError) Unwrap() []error { return []error{ErrPaymentGateway, e.Err} }

func (e *GatewayError) PublicMessage() string {
	if e.Configuration {
		return e.Err.Error()
	}
	return "could not create payment, please try again"
}
