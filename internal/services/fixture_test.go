package services_test

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"lending/internal/models"
	"lending/internal/repositories"
	"lending/internal/services"
)

const testSecret = "test-ticket-secret-0123456789abcdef"

var epoch = time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	ctx     context.Context
	store   *repositories.MemoryStore
	clock   *fakeClock
	codec   *services.TicketCodec
	carts   *services.CartStore
	copies  *services.CopyAllocator
	engine  *services.Engine
	sweeper *services.Sweeper
}

func newFixture(t require.TestingT, extra ...services.Option) *fixture {
	clock := &fakeClock{now: epoch}
	store := repositories.NewMemoryStore()
	opts := append([]services.Option{services.WithClock(clock.Now)}, extra...)

	codec, err := services.NewTicketCodec([]byte(testSecret))
	require.NoError(t, err)
	carts, err := services.NewCartStore(store, opts...)
	require.NoError(t, err)
	copies, err := services.NewCopyAllocator(store, opts...)
	require.NoError(t, err)
	engine, err := services.NewEngine(store, codec, opts...)
	require.NoError(t, err)
	sweeper, err := services.NewSweeper(store, nil, opts...)
	require.NoError(t, err)

	return &fixture{
		ctx:     context.Background(),
		store:   store,
		clock:   clock,
		codec:   codec,
		carts:   carts,
		copies:  copies,
		engine:  engine,
		sweeper: sweeper,
	}
}

// newCopy registers a fresh available copy of bookID.
func (f *fixture) newCopy(t require.TestingT, bookID uuid.UUID) uuid.UUID {
	c, err := f.copies.RegisterCopy(f.ctx, bookID)
	require.NoError(t, err)
	return c.ID
}

// bookWithCopy returns a new book id that has one available copy.
func (f *fixture) bookWithCopy(t require.TestingT) uuid.UUID {
	b := uuid.New()
	f.newCopy(t, b)
	return b
}

func (f *fixture) copyState(t require.TestingT, copyID uuid.UUID) models.CopyState {
	c, err := f.copies.Get(f.ctx, copyID)
	require.NoError(t, err)
	return c.State
}

func (f *fixture) request(t require.TestingT, id uuid.UUID) *models.BorrowRequest {
	req, err := f.engine.GetRequest(f.ctx, id)
	require.NoError(t, err)
	return req
}

// borrowed creates a request for one copy of each book and finalizes it.
func (f *fixture) borrowed(t require.TestingT, memberID uuid.UUID, books ...uuid.UUID) (*models.BorrowRequest, []uuid.UUID) {
	req, err := f.engine.CreateRequest(f.ctx, memberID, books, "")
	require.NoError(t, err)

	staff := uuid.New()
	copyIDs := make([]uuid.UUID, 0, len(books))
	for _, b := range books {
		c := f.newCopy(t, b)
		_, err := f.engine.ConfirmItem(f.ctx, req.ID, b, c, staff)
		require.NoError(t, err)
		copyIDs = append(copyIDs, c)
	}

	req, err = f.engine.FinalizeConfirmation(f.ctx, req.ID)
	require.NoError(t, err)
	return req, copyIDs
}

func actions(ts []models.Transition) []string {
	out := make([]string, 0, len(ts))
	for _, t := range ts {
		out = append(out, t.Action)
	}
	return out
}
