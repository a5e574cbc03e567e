package domain

import (
	"errors"
	"fmt"
)

type Kind string

const (
	KindUnauthenticated    Kind = "unauthenticated"
	KindForbidden          Kind = "forbidden"
	KindValidation         Kind = "validation"
	KindProductNotFound    Kind = "product_not_found"
	KindInsufficientStock  Kind = "insufficient_stock"
	KindPriceMismatch      Kind = "price_mismatch"
	KindOrderNotFound      Kind = "order_not_found"
	KindDuplicateRequest   Kind = "duplicate_request"
	KindStorageUnavailable Kind = "storage_unavailable"
)

// Error is the user-visible failure of an order operation. Two errors match
// under errors.Is when their kinds are equal, so the sentinels below can be
// used as targets.
type Error struct {
	Kind      Kind
	Message   string
	ProductID string
	Requested int
	Available int
	Err       error
}

var (
	ErrUnauthenticated    = &Error{Kind: KindUnauthenticated}
	ErrForbidden          = &Error{Kind: KindForbidden}
	ErrValidation         = &Error{Kind: KindValidation}
	ErrProductNotFound    = &Error{Kind: KindProductNotFound}
	ErrInsufficientStock  = &Error{Kind: KindInsufficientStock}
	ErrPriceMismatch      = &Error{Kind: KindPriceMismatch}
	ErrOrderNotFound      = &Error{Kind: KindOrderNotFound}
	ErrDuplicateRequest   = &Error{Kind: KindDuplicateRequest}
	ErrStorageUnavailable = &Error{Kind: KindStorageUnavailable}
)

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// Shortfall is how many units were missing for an insufficient stock error.
func (e *Error) Shortfall() int {
	if e.Kind != KindInsufficientStock {
		return 0
	}
	return e.Requested - e.Available
}

// KindOf returns the kind of the first *Error in err's chain, or
// storage_unavailable for any other non-nil error.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindStorageUnavailable
}

func Unauthenticated() error {
	return &Error{Kind: KindUnauthenticated, Message: "no identity presented"}
}

func Forbidden(msg string) error {
	return &Error{Kind: KindForbidden, Message: msg}
}

func Validation(msg string) error {
	return &Error{Kind: KindValidation, Message: msg}
}

func ProductNotFound(productID string) error {
	return &Error{
		Kind:      KindProductNotFound,
		Message:   fmt.Sprintf("product %s not found", productID),
		ProductID: productID,
	}
}

func InsufficientStock(productID string, requested, available int) error {
	return &Error{
		Kind:      KindInsufficientStock,
		Message:   fmt.Sprintf("not enough stock for product %s: requested %d, available %d", productID, requested, available),
		ProductID: productID,
		Requested: requested,
		Available: available,
	}
}

func PriceMismatch(msg string) error {
	return &Error{Kind: KindPriceMismatch, Message: msg}
}

func OrderNotFound(orderID string) error {
	return &Error{Kind: KindOrderNotFound, Message: fmt.Sprintf("order %s not found", orderID)}
}

func DuplicateRequest(key string) error {
	return &Error{Kind: KindDuplicateRequest, Message: fmt.Sprintf("request %s already processed", key)}
}

// StorageUnavailable wraps a collaborator failure. Domain errors pass through
// untouched so their kind survives.
func StorageUnavailable(op string, err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	return &Error{Kind: KindStorageUnavailable, Message: op, Err: err}
}
