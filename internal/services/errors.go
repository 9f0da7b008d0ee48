package services

import (
	"errors"
	"fmt"
)

// ─── Sentinel Errors ──────────────────────────────────────────────────────────

var (
	// ErrDuplicateEntry is returned when the member already has the book in their cart.
	ErrDuplicateEntry = errors.New("book is already in the cart")

	// ErrBookUnavailable is returned when a book has no available copy at the
	// time it is added to a cart. The check is advisory; Bind re-checks.
	ErrBookUnavailable = errors.New("book has no available copies")

	// ErrEmptyCartSelection is returned when a request is created without books.
	ErrEmptyCartSelection = errors.New("no books selected")

	// ErrDuplicateBookInRequest is returned when the same book appears twice in
	// one request. A request borrows one copy per title.
	ErrDuplicateBookInRequest = errors.New("book requested more than once")

	// ErrMalformedScan is returned when a scanned token is not a copy token.
	ErrMalformedScan = errors.New("malformed scan token")

	// ErrCopyNotFound is returned when a copy id does not map to a known copy.
	ErrCopyNotFound = errors.New("book copy not found")

	// ErrCopyNotOfBook is returned when the scanned copy belongs to another book.
	ErrCopyNotOfBook = errors.New("book copy does not belong to the requested book")

	// ErrCopyAlreadyOnLoan is returned when the scanned copy is already bound to a loan.
	ErrCopyAlreadyOnLoan = errors.New("book copy is already on loan")

	// ErrRequestNotFound is returned when the referenced borrow request does not exist.
	ErrRequestNotFound = errors.New("borrow request not found")

	// ErrTicketNotFound is returned when a ticket cannot be resolved to a request.
	ErrTicketNotFound = errors.New("ticket not found")

	// ErrItemNotFound is returned when the request has no item for the book, or
	// the item is already bound to a different copy.
	ErrItemNotFound = errors.New("request item not found")

	// ErrNoActiveLoanForCopy is returned when a returned copy is not on any open loan.
	ErrNoActiveLoanForCopy = errors.New("no active loan for copy")

	// ErrRequestNotPending is returned when a staff or member action needs a
	// pending request and the request has moved on.
	ErrRequestNotPending = errors.New("borrow request is not pending")

	// ErrIncompleteConfirmation is returned when finalization is attempted while
	// some item is still unconfirmed.
	ErrIncompleteConfirmation = errors.New("not every item is confirmed")

	// ErrInfrastructure wraps unexpected storage failures. Callers may retry.
	ErrInfrastructure = errors.New("infrastructure failure")
)

// ErrorKind groups the sentinels by how a caller should react to them.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	KindValidation
	KindConflict
	KindNotFound
	KindInvalidState
	KindInfrastructure
)

func (k ErrorKind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindConflict:
		return "conflict"
	case KindNotFound:
		return "not_found"
	case KindInvalidState:
		return "invalid_state"
	case KindInfrastructure:
		return "infrastructure"
	}
	return "unknown"
}

var kinds = []struct {
	err  error
	kind ErrorKind
}{
	{ErrDuplicateEntry, KindValidation},
	{ErrEmptyCartSelection, KindValidation},
	{ErrDuplicateBookInRequest, KindValidation},
	{ErrMalformedScan, KindValidation},
	{ErrBookUnavailable, KindConflict},
	{ErrCopyAlreadyOnLoan, KindConflict},
	{ErrIncompleteConfirmation, KindConflict},
	{ErrCopyNotOfBook, KindConflict},
	{ErrCopyNotFound, KindNotFound},
	{ErrRequestNotFound, KindNotFound},
	{ErrTicketNotFound, KindNotFound},
	{ErrItemNotFound, KindNotFound},
	{ErrNoActiveLoanForCopy, KindNotFound},
	{ErrRequestNotPending, KindInvalidState},
	{ErrInfrastructure, KindInfrastructure},
}

// KindOf classifies err. Errors outside the taxonomy are KindUnknown.
func KindOf(err error) ErrorKind {
	if err == nil {
		return KindUnknown
	}
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.kind
		}
	}
	return KindUnknown
}

// infra wraps a storage error so that errors.Is(err, ErrInfrastructure) holds
// while the cause stays reachable.
func infra(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrInfrastructure, op, err)
}
