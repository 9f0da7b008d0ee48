package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"lending/internal/models"
)

// gormStore is the Postgres-backed Store.
type gormStore struct {
	db *gorm.DB
}

func NewGormStore(db *gorm.DB) Store {
	return &gormStore{db: db}
}

func (s *gormStore) Copies() BookCopyRepository { return NewBookCopyRepository(s.db) }

func (s *gormStore) Carts() CartRepository { return NewCartRepository(s.db) }

func (s *gormStore) Requests() BorrowRequestRepository { return NewBorrowRequestRepository(s.db) }

func (s *gormStore) Transitions() TransitionRepository { return NewTransitionRepository(s.db) }

func (s *gormStore) Transaction(ctx context.Context, fn func(tx Tx) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&gormStore{db: tx})
	})
}

// concrete implementations

type bookCopyRepository struct {
	db *gorm.DB
}

func NewBookCopyRepository(db *gorm.DB) BookCopyRepository {
	return &bookCopyRepository{db: db}
}

func (r *bookCopyRepository) Create(ctx context.Context, copy *models.BookCopy) error {
	return translate(r.db.WithContext(ctx).Create(copy).Error)
}

func (r *bookCopyRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.BookCopy, error) {
	var copy models.BookCopy
	if err := r.db.WithContext(ctx).First(&copy, "id = ?", id).Error; err != nil {
		return nil, translate(err)
	}
	return &copy, nil
}

func (r *bookCopyRepository) CountAvailable(ctx context.Context, bookID uuid.UUID) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&models.BookCopy{}).
		Where("book_id = ? AND state = ?", bookID, models.CopyStateAvailable).
		Count(&n).Error
	return n, translate(err)
}

func (r *bookCopyRepository) CompareAndSetState(ctx context.Context, id, bookID uuid.UUID, from, to models.CopyState) (bool, error) {
	q := r.db.WithContext(ctx).Model(&models.BookCopy{}).
		Where("id = ? AND state = ?", id, from)
	if bookID != uuid.Nil {
		q = q.Where("book_id = ?", bookID)
	}
	res := q.Updates(map[string]interface{}{
		"state":      to,
		"updated_at": time.Now().UTC(),
	})
	if res.Error != nil {
		return false, translate(res.Error)
	}
	return res.RowsAffected == 1, nil
}

type cartRepository struct {
	db *gorm.DB
}

func NewCartRepository(db *gorm.DB) CartRepository {
	return &cartRepository{db: db}
}

func (r *cartRepository) Create(ctx context.Context, entry *models.CartEntry) error {
	return translate(r.db.WithContext(ctx).Create(entry).Error)
}

func (r *cartRepository) Delete(ctx context.Context, memberID, bookID uuid.UUID) error {
	return translate(r.db.WithContext(ctx).
		Delete(&models.CartEntry{}, "member_id = ? AND book_id = ?", memberID, bookID).Error)
}

func (r *cartRepository) DeleteBooks(ctx context.Context, memberID uuid.UUID, bookIDs []uuid.UUID) (int64, error) {
	if len(bookIDs) == 0 {
		return 0, nil
	}
	res := r.db.WithContext(ctx).
		Delete(&models.CartEntry{}, "member_id = ? AND book_id IN ?", memberID, bookIDs)
	return res.RowsAffected, translate(res.Error)
}

func (r *cartRepository) DeleteByMember(ctx context.Context, memberID uuid.UUID) error {
	return translate(r.db.WithContext(ctx).
		Delete(&models.CartEntry{}, "member_id = ?", memberID).Error)
}

func (r *cartRepository) ListByMember(ctx context.Context, memberID uuid.UUID) ([]models.CartEntry, error) {
	var entries []models.CartEntry
	if err := r.db.WithContext(ctx).
		Where("member_id = ?", memberID).
		Order("added_at ASC, book_id ASC").
		Find(&entries).Error; err != nil {
		return nil, translate(err)
	}
	return entries, nil
}

type borrowRequestRepository struct {
	db *gorm.DB
}

func NewBorrowRequestRepository(db *gorm.DB) BorrowRequestRepository {
	return &borrowRequestRepository{db: db}
}

func (r *borrowRequestRepository) Create(ctx context.Context, req *models.BorrowRequest) error {
	return translate(r.db.WithContext(ctx).Create(req).Error)
}

func (r *borrowRequestRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.BorrowRequest, error) {
	return r.get(r.db.WithContext(ctx), id)
}

func (r *borrowRequestRepository) GetByIDForUpdate(ctx context.Context, id uuid.UUID) (*models.BorrowRequest, error) {
	return r.get(r.db.WithContext(ctx).Clauses(clause.Locking{Strength: "UPDATE"}), id)
}

func (r *borrowRequestRepository) get(db *gorm.DB, id uuid.UUID) (*models.BorrowRequest, error) {
	var req models.BorrowRequest
	err := db.
		Preload("Items", func(db *gorm.DB) *gorm.DB { return db.Order("id") }).
		First(&req, "id = ?", id).Error
	if err != nil {
		return nil, translate(err)
	}
	return &req, nil
}

func (r *borrowRequestRepository) Update(ctx context.Context, req *models.BorrowRequest) error {
	return translate(r.db.WithContext(ctx).Model(&models.BorrowRequest{}).
		Where("id = ?", req.ID).
		Updates(map[string]interface{}{
			"staff_id":      req.StaffID,
			"confirmed_at":  req.ConfirmedAt,
			"due_at":        req.DueAt,
			"closed_at":     req.ClosedAt,
			"status":        req.Status,
			"reject_reason": req.RejectReason,
		}).Error)
}

func (r *borrowRequestRepository) UpdateItem(ctx context.Context, item *models.BorrowRequestItem) error {
	return translate(r.db.WithContext(ctx).Model(&models.BorrowRequestItem{}).
		Where("id = ?", item.ID).
		Updates(map[string]interface{}{
			"copy_id":      item.CopyID,
			"confirmed":    item.Confirmed,
			"confirmed_at": item.ConfirmedAt,
			"released":     item.Released,
			"returned_at":  item.ReturnedAt,
		}).Error)
}

func (r *borrowRequestRepository) FindActiveItemByCopy(ctx context.Context, copyID uuid.UUID) (*models.BorrowRequestItem, error) {
	var item models.BorrowRequestItem
	err := r.db.WithContext(ctx).
		Joins("JOIN borrow_requests ON borrow_requests.id = borrow_request_items.request_id").
		Where("borrow_request_items.copy_id = ? AND borrow_request_items.confirmed = ? AND borrow_request_items.released = ?", copyID, true, false).
		Where("borrow_requests.status IN ?", []models.RequestStatus{models.RequestStatusBorrowed, models.RequestStatusOverdue}).
		First(&item).Error
	if err != nil {
		return nil, translate(err)
	}
	return &item, nil
}

func (r *borrowRequestRepository) FindLatestReturnedItemByCopy(ctx context.Context, copyID uuid.UUID) (*models.BorrowRequestItem, error) {
	var item models.BorrowRequestItem
	err := r.db.WithContext(ctx).
		Where("copy_id = ? AND returned_at IS NOT NULL", copyID).
		Order("returned_at DESC").
		First(&item).Error
	if err != nil {
		return nil, translate(err)
	}
	return &item, nil
}

func (r *borrowRequestRepository) ListByMember(ctx context.Context, memberID uuid.UUID) ([]models.BorrowRequest, error) {
	var reqs []models.BorrowRequest
	if err := r.db.WithContext(ctx).
		Preload("Items", func(db *gorm.DB) *gorm.DB { return db.Order("id") }).
		Where("member_id = ?", memberID).
		Order("created_at DESC").
		Find(&reqs).Error; err != nil {
		return nil, translate(err)
	}
	return reqs, nil
}

// ListOverdueForUpdate locks up to limit borrowed requests due before now.
// Rows already locked by a concurrent transition are skipped and picked up by
// a later sweep.
func (r *borrowRequestRepository) ListOverdueForUpdate(ctx context.Context, now time.Time, limit int) ([]models.BorrowRequest, error) {
	var reqs []models.BorrowRequest
	if err := r.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
		Where("status = ? AND due_at < ?", models.RequestStatusBorrowed, now).
		Order("due_at ASC").
		Limit(limit).
		Find(&reqs).Error; err != nil {
		return nil, translate(err)
	}
	return reqs, nil
}

func (r *borrowRequestRepository) CountByStatus(ctx context.Context) (map[models.RequestStatus]int64, error) {
	var rows []struct {
		Status models.RequestStatus
		N      int64
	}
	if err := r.db.WithContext(ctx).Model(&models.BorrowRequest{}).
		Select("status, COUNT(*) AS n").
		Group("status").
		Scan(&rows).Error; err != nil {
		return nil, translate(err)
	}
	counts := make(map[models.RequestStatus]int64, len(models.AllRequestStatuses))
	for _, s := range models.AllRequestStatuses {
		counts[s] = 0
	}
	for _, row := range rows {
		counts[row.Status] = row.N
	}
	return counts, nil
}

type transitionRepository struct {
	db *gorm.DB
}

func NewTransitionRepository(db *gorm.DB) TransitionRepository {
	return &transitionRepository{db: db}
}

func (r *transitionRepository) Append(ctx context.Context, t *models.Transition) error {
	return translate(r.db.WithContext(ctx).Create(t).Error)
}

func (r *transitionRepository) ListByRequest(ctx context.Context, requestID uuid.UUID) ([]models.Transition, error) {
	var ts []models.Transition
	if err := r.db.WithContext(ctx).
		Where("request_id = ?", requestID).
		Order("occurred_at ASC, id ASC").
		Find(&ts).Error; err != nil {
		return nil, translate(err)
	}
	return ts, nil
}

// translate maps gorm and Postgres errors onto the package sentinels.
func translate(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return ErrNotFound
	case isUniqueViolation(err):
		return fmt.Errorf("%w: %v", ErrDuplicate, err)
	}
	return err
}

// isUniqueViolation checks whether a PostgreSQL unique-constraint error occurred.
// PostgreSQL error code 23505 = unique_violation.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return errors.Is(err, gorm.ErrDuplicatedKey)
}
