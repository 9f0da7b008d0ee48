package repositories

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"lending/internal/models"
)

type cartKey struct {
	member uuid.UUID
	book   uuid.UUID
}

type memoryState struct {
	copies      map[uuid.UUID]models.BookCopy
	carts       map[cartKey]models.CartEntry
	requests    map[uuid.UUID]models.BorrowRequest
	transitions map[uuid.UUID][]models.Transition
}

func newMemoryState() *memoryState {
	return &memoryState{
		copies:      map[uuid.UUID]models.BookCopy{},
		carts:       map[cartKey]models.CartEntry{},
		requests:    map[uuid.UUID]models.BorrowRequest{},
		transitions: map[uuid.UUID][]models.Transition{},
	}
}

func (s *memoryState) clone() *memoryState {
	c := &memoryState{
		copies:      make(map[uuid.UUID]models.BookCopy, len(s.copies)),
		carts:       make(map[cartKey]models.CartEntry, len(s.carts)),
		requests:    make(map[uuid.UUID]models.BorrowRequest, len(s.requests)),
		transitions: make(map[uuid.UUID][]models.Transition, len(s.transitions)),
	}
	for k, v := range s.copies {
		c.copies[k] = v
	}
	for k, v := range s.carts {
		c.carts[k] = v
	}
	for k, v := range s.requests {
		c.requests[k] = cloneRequest(v)
	}
	for k, v := range s.transitions {
		c.transitions[k] = append([]models.Transition(nil), v...)
	}
	return c
}

// cloneRequest copies the item slice so callers never alias stored state.
// Pointer fields are replaced, never mutated in place, so sharing them is safe.
func cloneRequest(r models.BorrowRequest) models.BorrowRequest {
	r.Items = append([]models.BorrowRequestItem(nil), r.Items...)
	return r
}

// MemoryStore is an in-process Store. Transactions run one at a time against a
// private copy of the state that replaces the committed state on success.
type MemoryStore struct {
	mu    sync.Mutex
	state *memoryState
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{state: newMemoryState()}
}

// memView runs fn against some version of the state: the committed state for
// calls made outside a transaction, or the transaction's working copy.
type memView func(fn func(st *memoryState) error) error

func (s *MemoryStore) committed(fn func(st *memoryState) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(s.state)
}

func (s *MemoryStore) Copies() BookCopyRepository { return memCopies{s.committed} }

func (s *MemoryStore) Carts() CartRepository { return memCarts{s.committed} }

func (s *MemoryStore) Requests() BorrowRequestRepository { return memRequests{s.committed} }

func (s *MemoryStore) Transitions() TransitionRepository { return memTransitions{s.committed} }

func (s *MemoryStore) Transaction(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	work := s.state.clone()
	view := memView(func(f func(st *memoryState) error) error { return f(work) })
	if err := fn(memTx{view: view}); err != nil {
		return err
	}
	s.state = work
	return nil
}

type memTx struct {
	view memView
}

func (t memTx) Copies() BookCopyRepository { return memCopies{t.view} }

func (t memTx) Carts() CartRepository { return memCarts{t.view} }

func (t memTx) Requests() BorrowRequestRepository { return memRequests{t.view} }

func (t memTx) Transitions() TransitionRepository { return memTransitions{t.view} }

type memCopies struct{ view memView }

func (r memCopies) Create(_ context.Context, copy *models.BookCopy) error {
	return r.view(func(st *memoryState) error {
		if _, ok := st.copies[copy.ID]; ok {
			return fmt.Errorf("%w: book copy %s", ErrDuplicate, copy.ID)
		}
		now := time.Now().UTC()
		if copy.CreatedAt.IsZero() {
			copy.CreatedAt = now
		}
		copy.UpdatedAt = now
		st.copies[copy.ID] = *copy
		return nil
	})
}

func (r memCopies) GetByID(_ context.Context, id uuid.UUID) (*models.BookCopy, error) {
	var out *models.BookCopy
	err := r.view(func(st *memoryState) error {
		c, ok := st.copies[id]
		if !ok {
			return ErrNotFound
		}
		out = &c
		return nil
	})
	return out, err
}

func (r memCopies) CountAvailable(_ context.Context, bookID uuid.UUID) (int64, error) {
	var n int64
	err := r.view(func(st *memoryState) error {
		for _, c := range st.copies {
			if c.BookID == bookID && c.State == models.CopyStateAvailable {
				n++
			}
		}
		return nil
	})
	return n, err
}

func (r memCopies) CompareAndSetState(_ context.Context, id, bookID uuid.UUID, from, to models.CopyState) (bool, error) {
	var swapped bool
	err := r.view(func(st *memoryState) error {
		c, ok := st.copies[id]
		if !ok || c.State != from || (bookID != uuid.Nil && c.BookID != bookID) {
			return nil
		}
		c.State = to
		c.UpdatedAt = time.Now().UTC()
		st.copies[id] = c
		swapped = true
		return nil
	})
	return swapped, err
}

type memCarts struct{ view memView }

func (r memCarts) Create(_ context.Context, entry *models.CartEntry) error {
	return r.view(func(st *memoryState) error {
		k := cartKey{entry.MemberID, entry.BookID}
		if _, ok := st.carts[k]; ok {
			return fmt.Errorf("%w: cart entry %s/%s", ErrDuplicate, entry.MemberID, entry.BookID)
		}
		st.carts[k] = *entry
		return nil
	})
}

func (r memCarts) Delete(_ context.Context, memberID, bookID uuid.UUID) error {
	return r.view(func(st *memoryState) error {
		delete(st.carts, cartKey{memberID, bookID})
		return nil
	})
}

func (r memCarts) DeleteBooks(_ context.Context, memberID uuid.UUID, bookIDs []uuid.UUID) (int64, error) {
	var n int64
	err := r.view(func(st *memoryState) error {
		for _, b := range bookIDs {
			k := cartKey{memberID, b}
			if _, ok := st.carts[k]; ok {
				delete(st.carts, k)
				n++
			}
		}
		return nil
	})
	return n, err
}

func (r memCarts) DeleteByMember(_ context.Context, memberID uuid.UUID) error {
	return r.view(func(st *memoryState) error {
		for k := range st.carts {
			if k.member == memberID {
				delete(st.carts, k)
			}
		}
		return nil
	})
}

func (r memCarts) ListByMember(_ context.Context, memberID uuid.UUID) ([]models.CartEntry, error) {
	var out []models.CartEntry
	err := r.view(func(st *memoryState) error {
		for k, e := range st.carts {
			if k.member == memberID {
				out = append(out, e)
			}
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool {
		if !out[i].AddedAt.Equal(out[j].AddedAt) {
			return out[i].AddedAt.Before(out[j].AddedAt)
		}
		return out[i].BookID.String() < out[j].BookID.String()
	})
	return out, err
}

type memRequests struct{ view memView }

func (r memRequests) Create(_ context.Context, req *models.BorrowRequest) error {
	return r.view(func(st *memoryState) error {
		if _, ok := st.requests[req.ID]; ok {
			return fmt.Errorf("%w: borrow request %s", ErrDuplicate, req.ID)
		}
		for _, other := range st.requests {
			if other.TicketID == req.TicketID {
				return fmt.Errorf("%w: ticket %s", ErrDuplicate, req.TicketID)
			}
		}
		for i := range req.Items {
			if req.Items[i].ID == uuid.Nil {
				req.Items[i].ID = uuid.New()
			}
			req.Items[i].RequestID = req.ID
		}
		st.requests[req.ID] = cloneRequest(*req)
		return nil
	})
}

func (r memRequests) GetByID(_ context.Context, id uuid.UUID) (*models.BorrowRequest, error) {
	var out *models.BorrowRequest
	err := r.view(func(st *memoryState) error {
		req, ok := st.requests[id]
		if !ok {
			return ErrNotFound
		}
		c := cloneRequest(req)
		out = &c
		return nil
	})
	return out, err
}

// GetByIDForUpdate is GetByID: the transaction already holds the store lock.
func (r memRequests) GetByIDForUpdate(ctx context.Context, id uuid.UUID) (*models.BorrowRequest, error) {
	return r.GetByID(ctx, id)
}

func (r memRequests) Update(_ context.Context, req *models.BorrowRequest) error {
	return r.view(func(st *memoryState) error {
		cur, ok := st.requests[req.ID]
		if !ok {
			return ErrNotFound
		}
		cur.StaffID = req.StaffID
		cur.ConfirmedAt = req.ConfirmedAt
		cur.DueAt = req.DueAt
		cur.ClosedAt = req.ClosedAt
		cur.Status = req.Status
		cur.RejectReason = req.RejectReason
		st.requests[req.ID] = cur
		return nil
	})
}

func (r memRequests) UpdateItem(_ context.Context, item *models.BorrowRequestItem) error {
	return r.view(func(st *memoryState) error {
		req, ok := st.requests[item.RequestID]
		if !ok {
			return ErrNotFound
		}
		idx := -1
		for i := range req.Items {
			if req.Items[i].ID == item.ID {
				idx = i
				break
			}
		}
		if idx < 0 {
			return ErrNotFound
		}
		if item.CopyID != nil && !item.Released && st.copyHeldElsewhere(*item.CopyID, item.ID) {
			return fmt.Errorf("%w: copy %s already bound", ErrDuplicate, *item.CopyID)
		}
		req.Items[idx] = *item
		st.requests[req.ID] = req
		return nil
	})
}

// copyHeldElsewhere mirrors the partial unique index on unreleased bindings.
func (st *memoryState) copyHeldElsewhere(copyID, itemID uuid.UUID) bool {
	for _, req := range st.requests {
		for _, it := range req.Items {
			if it.ID != itemID && !it.Released && it.CopyID != nil && *it.CopyID == copyID {
				return true
			}
		}
	}
	return false
}

func (r memRequests) FindActiveItemByCopy(_ context.Context, copyID uuid.UUID) (*models.BorrowRequestItem, error) {
	var out *models.BorrowRequestItem
	err := r.view(func(st *memoryState) error {
		for _, req := range st.requests {
			if !req.Status.IsOnLoan() {
				continue
			}
			for _, it := range req.Items {
				if it.Confirmed && !it.Released && it.CopyID != nil && *it.CopyID == copyID {
					item := it
					out = &item
					return nil
				}
			}
		}
		return ErrNotFound
	})
	return out, err
}

func (r memRequests) FindLatestReturnedItemByCopy(_ context.Context, copyID uuid.UUID) (*models.BorrowRequestItem, error) {
	var out *models.BorrowRequestItem
	err := r.view(func(st *memoryState) error {
		for _, req := range st.requests {
			for _, it := range req.Items {
				if it.ReturnedAt == nil || it.CopyID == nil || *it.CopyID != copyID {
					continue
				}
				if out == nil || it.ReturnedAt.After(*out.ReturnedAt) {
					item := it
					out = &item
				}
			}
		}
		if out == nil {
			return ErrNotFound
		}
		return nil
	})
	return out, err
}

func (r memRequests) ListByMember(_ context.Context, memberID uuid.UUID) ([]models.BorrowRequest, error) {
	var out []models.BorrowRequest
	err := r.view(func(st *memoryState) error {
		for _, req := range st.requests {
			if req.MemberID == memberID {
				out = append(out, cloneRequest(req))
			}
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, err
}

func (r memRequests) ListOverdueForUpdate(_ context.Context, now time.Time, limit int) ([]models.BorrowRequest, error) {
	var out []models.BorrowRequest
	err := r.view(func(st *memoryState) error {
		for _, req := range st.requests {
			if req.Status == models.RequestStatusBorrowed && req.DueAt != nil && req.DueAt.Before(now) {
				out = append(out, cloneRequest(req))
			}
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].DueAt.Before(*out[j].DueAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, err
}

func (r memRequests) CountByStatus(_ context.Context) (map[models.RequestStatus]int64, error) {
	counts := make(map[models.RequestStatus]int64, len(models.AllRequestStatuses))
	for _, s := range models.AllRequestStatuses {
		counts[s] = 0
	}
	err := r.view(func(st *memoryState) error {
		for _, req := range st.requests {
			counts[req.Status]++
		}
		return nil
	})
	return counts, err
}

type memTransitions struct{ view memView }

func (r memTransitions) Append(_ context.Context, t *models.Transition) error {
	return r.view(func(st *memoryState) error {
		if t.ID == uuid.Nil {
			t.ID = uuid.New()
		}
		st.transitions[t.RequestID] = append(st.transitions[t.RequestID], *t)
		return nil
	})
}

func (r memTransitions) ListByRequest(_ context.Context, requestID uuid.UUID) ([]models.Transition, error) {
	var out []models.Transition
	err := r.view(func(st *memoryState) error {
		out = append(out, st.transitions[requestID]...)
		return nil
	})
	return out, err
}
