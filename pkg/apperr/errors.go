// Package apperr defines the failures the cart and order core reports to its
// callers. Every failure carries a Kind plus enough context (field name,
// product id) for a caller to render a message.
package apperr

import (
	"errors"
	"fmt"
	"net/http"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

type Kind int

const (
	KindInternal Kind = iota
	KindNotFound
	KindUnauthorized
	KindInsufficientStock
	KindMissingField
	KindEmptyCart
	KindConflict
	KindInvalid
)

var kindNames = map[Kind]string{
	KindInternal:          "internal",
	KindNotFound:          "not_found",
	KindUnauthorized:      "unauthorized",
	KindInsufficientStock: "insufficient_stock",
	KindMissingField:      "missing_field",
	KindEmptyCart:         "empty_cart",
	KindConflict:          "conflict",
	KindInvalid:           "invalid",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

type Error struct {
	Kind      Kind
	Message   string
	Field     string
	ProductID uint
	Err       error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same Kind, so the sentinels below work with
// errors.Is regardless of message or context.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

func (e *Error) HTTPStatus() int {
	switch e.Kind {
	case KindNotFound:
		return http.StatusNotFound
	case KindUnauthorized:
		return http.StatusForbidden
	case KindInsufficientStock, KindConflict:
		return http.StatusConflict
	case KindMissingField, KindEmptyCart, KindInvalid:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// GRPCStatus lets status.FromError and status.Code understand the error.
func (e *Error) GRPCStatus() *status.Status {
	var code codes.Code
	switch e.Kind {
	case KindNotFound:
		code = codes.NotFound
	case KindUnauthorized:
		code = codes.PermissionDenied
	case KindInsufficientStock, KindEmptyCart:
		code = codes.FailedPrecondition
	case KindMissingField, KindInvalid:
		code = codes.InvalidArgument
	case KindConflict:
		code = codes.Aborted
	default:
		code = codes.Internal
	}
	return status.New(code, e.Error())
}

var (
	ErrNotFound          = &Error{Kind: KindNotFound, Message: "not found"}
	ErrUnauthorized      = &Error{Kind: KindUnauthorized, Message: "unauthorized"}
	ErrInsufficientStock = &Error{Kind: KindInsufficientStock, Message: "insufficient stock"}
	ErrMissingField      = &Error{Kind: KindMissingField, Message: "missing field"}
	ErrEmptyCart         = &Error{Kind: KindEmptyCart, Message: "cart is empty"}
	ErrConflict          = &Error{Kind: KindConflict, Message: "conflict"}
	ErrInvalid           = &Error{Kind: KindInvalid, Message: "invalid request"}
)

func NotFound(format string, args ...any) *Error {
	return &Error{Kind: KindNotFound, Message: fmt.Sprintf(format, args...)}
}

func Unauthorized(format string, args ...any) *Error {
	return &Error{Kind: KindUnauthorized, Message: fmt.Sprintf(format, args...)}
}

func Invalid(format string, args ...any) *Error {
	return &Error{Kind: KindInvalid, Message: fmt.Sprintf(format, args...)}
}

func Conflict(err error, format string, args ...any) *Error {
	return &Error{Kind: KindConflict, Message: fmt.Sprintf(format, args...), Err: err}
}

func EmptyCart() *Error {
	return &Error{Kind: KindEmptyCart, Message: "cart is empty"}
}

func MissingField(field string) *Error {
	return &Error{Kind: KindMissingField, Message: fmt.Sprintf("%s is required", field), Field: field}
}

func InsufficientStock(productID uint, name string, requested, available int) *Error {
	return &Error{
		Kind:      KindInsufficientStock,
		Message:   fmt.Sprintf("not enough stock for %q: requested %d, available %d", name, requested, available),
		ProductID: productID,
	}
}

// KindOf returns the Kind of the first *Error in err's chain, or KindInternal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}
