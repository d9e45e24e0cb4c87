package httpx

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/ariefcatur/go-storefront-fulfillment/internal/orders"
	"github.com/ariefcatur/go-storefront-fulfillment/internal/redisx"
)

type errorResp struct {
	Error string       `json:"error"`
	Lines []lineDetail `json:"lines,omitempty"`
}

type lineDetail struct {
	Index     int    `json:"index"`
	ProductID string `json:"product_id"`
	Error     string `json:"error"`
	Available *int   `json:"available,omitempty"`
	Requested *int   `json:"requested,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	lines := lineDetails(err)
	if len(lines) > 0 {
		// status ikut kegagalan baris pertama
		var first *orders.LineError
		errors.As(err, &first)
		writeJSON(w, statusFor(first.Err), errorResp{Error: "some items cannot be ordered", Lines: lines})
		return
	}

	code := statusFor(err)
	msg := err.Error()
	var gwErr *orders.GatewayError
	switch {
	case errors.As(err, &gwErr):
		msg = gwErr.PublicMessage()
	case code == http.StatusInternalServerError:
		log.Printf("internal error: %v", err)
		msg = "internal error"
	}
	writeJSON(w, code, errorResp{Error: msg})
}

func statusFor(err error) int {
	var gwErr *orders.GatewayError
	switch {
	case errors.As(err, &gwErr):
		return http.StatusBadGateway
	case errors.Is(err, orders.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, orders.ErrExpired), errors.Is(err, orders.ErrFailed):
		return http.StatusGone
	case errors.Is(err, orders.ErrInsufficientStock),
		errors.Is(err, orders.ErrCouponExhausted),
		errors.Is(err, orders.ErrStillPending),
		errors.Is(err, orders.ErrIllegalTransition),
		errors.Is(err, orders.ErrDuplicateCharge),
		errors.Is(err, redisx.ErrInFlight):
		return http.StatusConflict
	case errors.Is(err, orders.ErrCouponInvalid),
		errors.Is(err, orders.ErrInvalidShipping),
		errors.Is(err, orders.ErrInvalidLine),
		errors.Is(err, orders.ErrEmptyCart):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

// lineDetails flattens the joined per-line failures of a quote.
func lineDetails(err error) []lineDetail {
	joined, ok := err.(interface{ Unwrap() []error })
	if !ok {
		return nil
	}
	var out []lineDetail
	for _, e := range joined.Unwrap() {
		var le *orders.LineError
		if !errors.As(e, &le) {
			continue
		}
		d := lineDetail{Index: le.Index, ProductID: le.ProductID, Error: le.Err.Error()}
		var se *orders.InsufficientStockError
		if errors.As(le.Err, &se) {
			d.Available, d.Requested = &se.Available, &se.Requested
		}
		out = append(out, d)
	}
	return out
}
