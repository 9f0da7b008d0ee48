package services

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"lending/internal/models"
	"lending/internal/repositories"
)

// CopyAllocator owns the AVAILABLE / ON_LOAN partition of physical copies.
type CopyAllocator struct {
	store repositories.Store
	opts  *options
}

func NewCopyAllocator(store repositories.Store, opts ...Option) (*CopyAllocator, error) {
	o, err := newOptions(opts)
	if err != nil {
		return nil, err
	}
	return &CopyAllocator{store: store, opts: o}, nil
}

// RegisterCopy adds a new available copy of bookID.
func (a *CopyAllocator) RegisterCopy(ctx context.Context, bookID uuid.UUID) (_ *models.BookCopy, err error) {
	ctx, span := startSpan(ctx, a.opts, "allocator.register_copy",
		attribute.String("book.id", bookID.String()))
	defer func() { endSpan(ctx, a.opts.logger, span, "RegisterCopy", err) }()

	now := a.opts.now()
	copy := &models.BookCopy{
		ID:        uuid.New(),
		BookID:    bookID,
		State:     models.CopyStateAvailable,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := a.store.Copies().Create(ctx, copy); err != nil {
		return nil, infra("register copy", err)
	}
	a.opts.logger.InfoContext(ctx, "RegisterCopy: copy registered",
		"copy_id", copy.ID, "book_id", bookID)
	return copy, nil
}

func (a *CopyAllocator) Get(ctx context.Context, copyID uuid.UUID) (*models.BookCopy, error) {
	c, err := a.store.Copies().GetByID(ctx, copyID)
	if errors.Is(err, repositories.ErrNotFound) {
		return nil, ErrCopyNotFound
	}
	if err != nil {
		return nil, infra("get copy", err)
	}
	return c, nil
}

// Bind moves copyID from AVAILABLE to ON_LOAN if it is a copy of bookID.
// Of two concurrent binds of the same copy exactly one succeeds.
func (a *CopyAllocator) Bind(ctx context.Context, bookID, copyID uuid.UUID) (err error) {
	ctx, span := startSpan(ctx, a.opts, "allocator.bind",
		attribute.String("book.id", bookID.String()),
		attribute.String("copy.id", copyID.String()))
	defer func() { endSpan(ctx, a.opts.logger, span, "Bind", err) }()

	return bindCopy(ctx, a.store.Copies(), bookID, copyID)
}

// Release returns copyID to AVAILABLE. Releasing an available copy succeeds
// without a write.
func (a *CopyAllocator) Release(ctx context.Context, copyID uuid.UUID) (err error) {
	ctx, span := startSpan(ctx, a.opts, "allocator.release",
		attribute.String("copy.id", copyID.String()))
	defer func() { endSpan(ctx, a.opts.logger, span, "Release", err) }()

	return releaseCopy(ctx, a.store.Copies(), copyID)
}

// bindCopy is one conditional update. The follow-up read only classifies a
// failed update and never decides the outcome.
func bindCopy(ctx context.Context, copies repositories.BookCopyRepository, bookID, copyID uuid.UUID) error {
	ok, err := copies.CompareAndSetState(ctx, copyID, bookID, models.CopyStateAvailable, models.CopyStateOnLoan)
	if err != nil {
		return infra("bind copy", err)
	}
	if ok {
		return nil
	}

	c, err := copies.GetByID(ctx, copyID)
	switch {
	case errors.Is(err, repositories.ErrNotFound):
		return ErrCopyNotFound
	case err != nil:
		return infra("bind copy", err)
	case c.BookID != bookID:
		return ErrCopyNotOfBook
	}
	return ErrCopyAlreadyOnLoan
}

func releaseCopy(ctx context.Context, copies repositories.BookCopyRepository, copyID uuid.UUID) error {
	ok, err := copies.CompareAndSetState(ctx, copyID, uuid.Nil, models.CopyStateOnLoan, models.CopyStateAvailable)
	if err != nil {
		return infra("release copy", err)
	}
	if ok {
		return nil
	}

	if _, err := copies.GetByID(ctx, copyID); err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return ErrCopyNotFound
		}
		return infra("release copy", err)
	}
	return nil
}
