package services

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"lending/internal/models"
	"lending/internal/repositories"
)

// CartStore keeps each member's selection of books before it becomes a request.
// Adding a book never reserves a copy.
type CartStore struct {
	store repositories.Store
	opts  *options
}

func NewCartStore(store repositories.Store, opts ...Option) (*CartStore, error) {
	o, err := newOptions(opts)
	if err != nil {
		return nil, err
	}
	return &CartStore{store: store, opts: o}, nil
}

// Add puts bookID in memberID's cart. An existing entry wins over an
// unavailable book.
func (c *CartStore) Add(ctx context.Context, memberID, bookID uuid.UUID) (_ *models.CartEntry, err error) {
	ctx, span := startSpan(ctx, c.opts, "cart.add",
		attribute.String("member.id", memberID.String()),
		attribute.String("book.id", bookID.String()))
	defer func() { endSpan(ctx, c.opts.logger, span, "AddToCart", err) }()

	entry := &models.CartEntry{
		MemberID: memberID,
		BookID:   bookID,
		AddedAt:  c.opts.now(),
	}
	err = c.store.Transaction(ctx, func(tx repositories.Tx) error {
		if err := tx.Carts().Create(ctx, entry); err != nil {
			if errors.Is(err, repositories.ErrDuplicate) {
				return ErrDuplicateEntry
			}
			return err
		}
		n, err := tx.Copies().CountAvailable(ctx, bookID)
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrBookUnavailable
		}
		return nil
	})
	if err != nil {
		return nil, wrapInfra("add to cart", err)
	}
	c.opts.logger.InfoContext(ctx, "AddToCart: book added", "member_id", memberID, "book_id", bookID)
	return entry, nil
}

// Remove deletes the entry if present.
func (c *CartStore) Remove(ctx context.Context, memberID, bookID uuid.UUID) error {
	if err := c.store.Carts().Delete(ctx, memberID, bookID); err != nil {
		return infra("remove from cart", err)
	}
	return nil
}

// List returns the member's entries, oldest first.
func (c *CartStore) List(ctx context.Context, memberID uuid.UUID) ([]models.CartEntry, error) {
	entries, err := c.store.Carts().ListByMember(ctx, memberID)
	if err != nil {
		return nil, infra("list cart", err)
	}
	if entries == nil {
		entries = []models.CartEntry{}
	}
	return entries, nil
}

func (c *CartStore) Clear(ctx context.Context, memberID uuid.UUID) error {
	if err := c.store.Carts().DeleteByMember(ctx, memberID); err != nil {
		return infra("clear cart", err)
	}
	return nil
}
