package repositories_test

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"lending/internal/models"
	"lending/internal/repositories"
)

var errRollback = errors.New("rollback")

// stores returns every Store implementation available in this environment.
// Postgres is only exercised when TEST_DATABASE_URL is set.
func stores(t *testing.T) map[string]repositories.Store {
	t.Helper()
	out := map[string]repositories.Store{"memory": repositories.NewMemoryStore()}

	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		return out
	}
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	require.NoError(t, repositories.Migrate(db))
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	out["postgres"] = repositories.NewGormStore(db)
	return out
}

// inRollback runs fn inside a transaction that is always discarded, so tests
// sharing a database never see each other's rows.
func inRollback(t *testing.T, store repositories.Store, fn func(ctx context.Context, tx repositories.Tx)) {
	t.Helper()
	ctx := context.Background()
	err := store.Transaction(ctx, func(tx repositories.Tx) error {
		fn(ctx, tx)
		return errRollback
	})
	require.ErrorIs(t, err, errRollback)
}

func newCopy(t *testing.T, ctx context.Context, tx repositories.Tx, bookID uuid.UUID) *models.BookCopy {
	t.Helper()
	c := &models.BookCopy{ID: uuid.New(), BookID: bookID, State: models.CopyStateAvailable}
	require.NoError(t, tx.Copies().Create(ctx, c))
	return c
}

func newRequest(t *testing.T, ctx context.Context, tx repositories.Tx, status models.RequestStatus, books ...uuid.UUID) *models.BorrowRequest {
	t.Helper()
	id := uuid.New()
	req := &models.BorrowRequest{
		ID:        id,
		MemberID:  uuid.New(),
		CreatedAt: time.Now().UTC(),
		Status:    status,
		TicketID:  "TKT-" + id.String(),
	}
	for _, b := range books {
		req.Items = append(req.Items, models.BorrowRequestItem{ID: uuid.New(), RequestID: id, BookID: b})
	}
	require.NoError(t, tx.Requests().Create(ctx, req))
	return req
}

func Test_Store_TransactionRollsBack(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			id := uuid.New()

			err := store.Transaction(ctx, func(tx repositories.Tx) error {
				if err := tx.Copies().Create(ctx, &models.BookCopy{ID: id, BookID: uuid.New(), State: models.CopyStateAvailable}); err != nil {
					return err
				}
				return errRollback
			})

			require.ErrorIs(t, err, errRollback)
			_, err = store.Copies().GetByID(ctx, id)
			assert.ErrorIs(t, err, repositories.ErrNotFound)
		})
	}
}

func Test_Store_CompareAndSetState(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			inRollback(t, store, func(ctx context.Context, tx repositories.Tx) {
				book := uuid.New()
				c := newCopy(t, ctx, tx, book)

				ok, err := tx.Copies().CompareAndSetState(ctx, c.ID, uuid.New(), models.CopyStateAvailable, models.CopyStateOnLoan)
				require.NoError(t, err)
				assert.False(t, ok, "book mismatch must not swap")

				ok, err = tx.Copies().CompareAndSetState(ctx, c.ID, book, models.CopyStateAvailable, models.CopyStateOnLoan)
				require.NoError(t, err)
				assert.True(t, ok)

				ok, err = tx.Copies().CompareAndSetState(ctx, c.ID, book, models.CopyStateAvailable, models.CopyStateOnLoan)
				require.NoError(t, err)
				assert.False(t, ok, "second swap from the stale state must fail")

				n, err := tx.Copies().CountAvailable(ctx, book)
				require.NoError(t, err)
				assert.Zero(t, n)

				ok, err = tx.Copies().CompareAndSetState(ctx, uuid.New(), uuid.Nil, models.CopyStateAvailable, models.CopyStateOnLoan)
				require.NoError(t, err)
				assert.False(t, ok)
			})
		})
	}
}

func Test_Store_CartDuplicate(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			inRollback(t, store, func(ctx context.Context, tx repositories.Tx) {
				member, book := uuid.New(), uuid.New()
				entry := &models.CartEntry{MemberID: member, BookID: book, AddedAt: time.Now().UTC()}
				require.NoError(t, tx.Carts().Create(ctx, entry))

				err := tx.Carts().Create(ctx, &models.CartEntry{MemberID: member, BookID: book, AddedAt: time.Now().UTC()})
				assert.ErrorIs(t, err, repositories.ErrDuplicate)

				n, err := tx.Carts().DeleteBooks(ctx, member, []uuid.UUID{book, uuid.New()})
				require.NoError(t, err)
				assert.Equal(t, int64(1), n)
			})
		})
	}
}

func Test_Store_OneUnreleasedHolderPerCopy(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			inRollback(t, store, func(ctx context.Context, tx repositories.Tx) {
				book := uuid.New()
				c := newCopy(t, ctx, tx, book)
				first := newRequest(t, ctx, tx, models.RequestStatusPending, book)
				second := newRequest(t, ctx, tx, models.RequestStatusPending, book)

				a := first.Items[0]
				a.CopyID, a.Confirmed = &c.ID, true
				require.NoError(t, tx.Requests().UpdateItem(ctx, &a))

				b := second.Items[0]
				b.CopyID, b.Confirmed = &c.ID, true
				err := tx.Requests().UpdateItem(ctx, &b)
				require.ErrorIs(t, err, repositories.ErrDuplicate)
			})
		})
	}
}

func Test_Store_ReleasedBindingFreesCopy(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			inRollback(t, store, func(ctx context.Context, tx repositories.Tx) {
				book := uuid.New()
				c := newCopy(t, ctx, tx, book)
				first := newRequest(t, ctx, tx, models.RequestStatusBorrowed, book)
				second := newRequest(t, ctx, tx, models.RequestStatusPending, book)

				a := first.Items[0]
				a.CopyID, a.Confirmed = &c.ID, true
				require.NoError(t, tx.Requests().UpdateItem(ctx, &a))
				active, err := tx.Requests().FindActiveItemByCopy(ctx, c.ID)
				require.NoError(t, err)
				assert.Equal(t, a.ID, active.ID)

				returned := time.Now().UTC()
				a.Released, a.ReturnedAt = true, &returned
				require.NoError(t, tx.Requests().UpdateItem(ctx, &a))

				b := second.Items[0]
				b.CopyID, b.Confirmed = &c.ID, true
				require.NoError(t, tx.Requests().UpdateItem(ctx, &b))

				// second is still pending, so nothing is on loan
				_, err = tx.Requests().FindActiveItemByCopy(ctx, c.ID)
				assert.ErrorIs(t, err, repositories.ErrNotFound)
				latest, err := tx.Requests().FindLatestReturnedItemByCopy(ctx, c.ID)
				require.NoError(t, err)
				assert.Equal(t, first.ID, latest.RequestID)
			})
		})
	}
}

func Test_Store_ListOverdueForUpdate(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			inRollback(t, store, func(ctx context.Context, tx repositories.Tx) {
				// far in the past so rows from other tests never qualify
				base := time.Date(1990, 1, 1, 0, 0, 0, 0, time.UTC)
				var ids []uuid.UUID
				for i := 3; i >= 1; i-- {
					req := newRequest(t, ctx, tx, models.RequestStatusBorrowed, uuid.New())
					due := base.Add(time.Duration(i) * time.Hour)
					req.DueAt = &due
					require.NoError(t, tx.Requests().Update(ctx, req))
					ids = append(ids, req.ID)
				}
				overdue := newRequest(t, ctx, tx, models.RequestStatusOverdue, uuid.New())
				due := base
				overdue.DueAt = &due
				require.NoError(t, tx.Requests().Update(ctx, overdue))

				got, err := tx.Requests().ListOverdueForUpdate(ctx, base.Add(150*time.Minute), 10)
				require.NoError(t, err)
				require.Len(t, got, 2)
				assert.Equal(t, ids[2], got[0].ID, "earliest due first")
				assert.Equal(t, ids[1], got[1].ID)

				got, err = tx.Requests().ListOverdueForUpdate(ctx, base.Add(150*time.Minute), 1)
				require.NoError(t, err)
				assert.Len(t, got, 1)
			})
		})
	}
}

func Test_Store_CountByStatus(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			inRollback(t, store, func(ctx context.Context, tx repositories.Tx) {
				before, err := tx.Requests().CountByStatus(ctx)
				require.NoError(t, err)
				for _, s := range models.AllRequestStatuses {
					_, ok := before[s]
					assert.True(t, ok, "missing status %s", s)
				}

				newRequest(t, ctx, tx, models.RequestStatusPending, uuid.New())
				newRequest(t, ctx, tx, models.RequestStatusPending, uuid.New())
				newRequest(t, ctx, tx, models.RequestStatusRejected, uuid.New())

				after, err := tx.Requests().CountByStatus(ctx)
				require.NoError(t, err)
				assert.Equal(t, before[models.RequestStatusPending]+2, after[models.RequestStatusPending])
				assert.Equal(t, before[models.RequestStatusRejected]+1, after[models.RequestStatusRejected])
				assert.Equal(t, before[models.RequestStatusBorrowed], after[models.RequestStatusBorrowed])
			})
		})
	}
}

func Test_Store_TransitionsInOrder(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			inRollback(t, store, func(ctx context.Context, tx repositories.Tx) {
				req := newRequest(t, ctx, tx, models.RequestStatusPending, uuid.New())
				at := time.Now().UTC().Truncate(time.Millisecond)
				for i, action := range []string{"create", "confirm_item", "finalize"} {
					require.NoError(t, tx.Transitions().Append(ctx, &models.Transition{
						ID:         uuid.New(),
						RequestID:  req.ID,
						ToStatus:   models.RequestStatusPending,
						Action:     action,
						Payload:    []byte(`{"n":1}`),
						OccurredAt: at.Add(time.Duration(i) * time.Second),
					}))
				}

				ts, err := tx.Transitions().ListByRequest(ctx, req.ID)
				require.NoError(t, err)
				require.Len(t, ts, 3)
				assert.Equal(t, "create", ts[0].Action)
				assert.Equal(t, "finalize", ts[2].Action)
			})
		})
	}
}
