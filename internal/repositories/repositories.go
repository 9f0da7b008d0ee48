package repositories

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"lending/internal/models"
)

var (
	// ErrNotFound is returned when the addressed row does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrDuplicate is returned when a write would violate a unique constraint.
	ErrDuplicate = errors.New("duplicate record")
)

type BookCopyRepository interface {
	Create(ctx context.Context, copy *models.BookCopy) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.BookCopy, error)
	CountAvailable(ctx context.Context, bookID uuid.UUID) (int64, error)
	// CompareAndSetState moves copy id from state from to state to in one
	// conditional write. When bookID is not uuid.Nil the copy must also belong
	// to that book. It reports whether the write happened.
	CompareAndSetState(ctx context.Context, id, bookID uuid.UUID, from, to models.CopyState) (bool, error)
}

type CartRepository interface {
	Create(ctx context.Context, entry *models.CartEntry) error
	Delete(ctx context.Context, memberID, bookID uuid.UUID) error
	DeleteBooks(ctx context.Context, memberID uuid.UUID, bookIDs []uuid.UUID) (int64, error)
	DeleteByMember(ctx context.Context, memberID uuid.UUID) error
	ListByMember(ctx context.Context, memberID uuid.UUID) ([]models.CartEntry, error)
}

type BorrowRequestRepository interface {
	Create(ctx context.Context, req *models.BorrowRequest) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.BorrowRequest, error)
	GetByIDForUpdate(ctx context.Context, id uuid.UUID) (*models.BorrowRequest, error)
	Update(ctx context.Context, req *models.BorrowRequest) error
	UpdateItem(ctx context.Context, item *models.BorrowRequestItem) error
	FindActiveItemByCopy(ctx context.Context, copyID uuid.UUID) (*models.BorrowRequestItem, error)
	FindLatestReturnedItemByCopy(ctx context.Context, copyID uuid.UUID) (*models.BorrowRequestItem, error)
	ListByMember(ctx context.Context, memberID uuid.UUID) ([]models.BorrowRequest, error)
	ListOverdueForUpdate(ctx context.Context, now time.Time, limit int) ([]models.BorrowRequest, error)
	CountByStatus(ctx context.Context) (map[models.RequestStatus]int64, error)
}

type TransitionRepository interface {
	Append(ctx context.Context, t *models.Transition) error
	ListByRequest(ctx context.Context, requestID uuid.UUID) ([]models.Transition, error)
}

// Tx scopes a set of repositories to one unit of work.
type Tx interface {
	Copies() BookCopyRepository
	Carts() CartRepository
	Requests() BorrowRequestRepository
	Transitions() TransitionRepository
}

// Store hands out repositories outside a transaction and runs fn inside one.
// fn's changes are committed when it returns nil and discarded otherwise.
type Store interface {
	Tx
	Transaction(ctx context.Context, fn func(tx Tx) error) error
}
