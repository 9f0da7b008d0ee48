package services

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"lending/internal/models"
	"lending/internal/repositories"
)

// Transition actions recorded in the request history.
const (
	ActionCreate      = "create"
	ActionConfirmItem = "confirm_item"
	ActionFinalize    = "finalize"
	ActionReject      = "reject"
	ActionCancel      = "cancel"
	ActionReturnItem  = "return_item"
	ActionClose       = "close"
	ActionMarkOverdue = "mark_overdue"
)

// Engine runs the borrow-request state machine.
//
//	PENDING -> BORROWED -> (OVERDUE) -> RETURNED | OVERDUE_RETURNED
//	PENDING -> REJECTED | CANCELLED
//
// Every transition is one store transaction that locks the request row first
// and the copy rows after it, and appends one or more Transition records.
type Engine struct {
	store repositories.Store
	codec *TicketCodec
	opts  *options
}

func NewEngine(store repositories.Store, codec *TicketCodec, opts ...Option) (*Engine, error) {
	o, err := newOptions(opts)
	if err != nil {
		return nil, err
	}
	return &Engine{store: store, codec: codec, opts: o}, nil
}

// LoanPeriod is the duration added to the confirmation time to get the due date.
func (e *Engine) LoanPeriod() time.Duration { return e.opts.loanPeriod }

// ─── Creation ─────────────────────────────────────────────────────────────────

// CreateRequest opens a pending request for bookIDs and removes those books
// from the member's cart in the same transaction. A single-book admin request
// is the same call with one id.
func (e *Engine) CreateRequest(ctx context.Context, memberID uuid.UUID, bookIDs []uuid.UUID, notes string) (_ *models.BorrowRequest, err error) {
	ctx, span := startSpan(ctx, e.opts, "engine.create_request",
		attribute.String("member.id", memberID.String()),
		attribute.Int("book.count", len(bookIDs)))
	defer func() { endSpan(ctx, e.opts.logger, span, "CreateRequest", err) }()

	if len(bookIDs) == 0 {
		return nil, ErrEmptyCartSelection
	}
	seen := make(map[uuid.UUID]struct{}, len(bookIDs))
	for _, b := range bookIDs {
		if _, dup := seen[b]; dup {
			return nil, ErrDuplicateBookInRequest
		}
		seen[b] = struct{}{}
	}

	id := uuid.New()
	ticket, err := e.codec.Issue(id)
	if err != nil {
		return nil, infra("issue ticket", err)
	}

	now := e.opts.now()
	req := &models.BorrowRequest{
		ID:        id,
		MemberID:  memberID,
		CreatedAt: now,
		Status:    models.RequestStatusPending,
		TicketID:  ticket,
		Notes:     strings.TrimSpace(notes),
		Items:     make([]models.BorrowRequestItem, 0, len(bookIDs)),
	}
	for _, b := range bookIDs {
		req.Items = append(req.Items, models.BorrowRequestItem{
			ID:        uuid.New(),
			RequestID: id,
			BookID:    b,
		})
	}

	err = e.store.Transaction(ctx, func(tx repositories.Tx) error {
		if err := tx.Requests().Create(ctx, req); err != nil {
			return err
		}
		cleared, err := tx.Carts().DeleteBooks(ctx, memberID, bookIDs)
		if err != nil {
			return err
		}
		return e.record(ctx, tx, req, "", ActionCreate, &memberID, map[string]interface{}{
			"book_ids":     bookIDs,
			"cart_cleared": cleared,
		})
	})
	if err != nil {
		return nil, wrapInfra("create request", err)
	}

	span.SetAttributes(attribute.String("request.id", id.String()))
	e.opts.logger.InfoContext(ctx, "CreateRequest: request created",
		"request_id", id, "member_id", memberID, "items", len(bookIDs))
	return req, nil
}

// ─── Staff Confirmation ───────────────────────────────────────────────────────

// ConfirmItem binds copyID to the request's item for bookID. Scanning the same
// copy for the same item again returns the existing binding, also after the
// request was finalized. Allocator failures are returned unchanged.
func (e *Engine) ConfirmItem(ctx context.Context, requestID, bookID, copyID, staffID uuid.UUID) (_ *models.BorrowRequestItem, err error) {
	ctx, span := startSpan(ctx, e.opts, "engine.confirm_item",
		attribute.String("request.id", requestID.String()),
		attribute.String("book.id", bookID.String()),
		attribute.String("copy.id", copyID.String()))
	defer func() { endSpan(ctx, e.opts.logger, span, "ConfirmItem", err) }()

	var out models.BorrowRequestItem
	var rescan bool
	err = e.store.Transaction(ctx, func(tx repositories.Tx) error {
		req, err := lockRequest(ctx, tx, requestID)
		if err != nil {
			return err
		}

		item := req.Item(bookID)
		if item != nil && item.Confirmed && !item.Released && item.CopyID != nil && *item.CopyID == copyID {
			out, rescan = *item, true
			return nil
		}
		if req.Status != models.RequestStatusPending {
			return ErrRequestNotPending
		}
		if item == nil || item.Confirmed {
			return ErrItemNotFound
		}

		if err := bindCopy(ctx, tx.Copies(), bookID, copyID); err != nil {
			return err
		}

		now := e.opts.now()
		item.CopyID = &copyID
		item.Confirmed = true
		item.ConfirmedAt = &now
		if err := tx.Requests().UpdateItem(ctx, item); err != nil {
			if errors.Is(err, repositories.ErrDuplicate) {
				return ErrCopyAlreadyOnLoan
			}
			return err
		}

		if req.StaffID == nil {
			req.StaffID = &staffID
			if err := tx.Requests().Update(ctx, req); err != nil {
				return err
			}
		}

		out = *item
		return e.record(ctx, tx, req, req.Status, ActionConfirmItem, &staffID, map[string]interface{}{
			"book_id": bookID,
			"copy_id": copyID,
		})
	})
	if err != nil {
		return nil, wrapInfra("confirm item", err)
	}

	if rescan {
		e.opts.logger.InfoContext(ctx, "ConfirmItem: duplicate scan ignored",
			"request_id", requestID, "copy_id", copyID)
	} else {
		e.opts.logger.InfoContext(ctx, "ConfirmItem: copy bound",
			"request_id", requestID, "book_id", bookID, "copy_id", copyID, "staff_id", staffID)
	}
	return &out, nil
}

// FinalizeConfirmation turns a fully confirmed pending request into a loan
// due one loan period from now. Finalizing a borrowed request again is a no-op.
func (e *Engine) FinalizeConfirmation(ctx context.Context, requestID uuid.UUID) (_ *models.BorrowRequest, err error) {
	ctx, span := startSpan(ctx, e.opts, "engine.finalize",
		attribute.String("request.id", requestID.String()))
	defer func() { endSpan(ctx, e.opts.logger, span, "FinalizeConfirmation", err) }()

	var out *models.BorrowRequest
	err = e.store.Transaction(ctx, func(tx repositories.Tx) error {
		req, err := lockRequest(ctx, tx, requestID)
		if err != nil {
			return err
		}
		out = req

		switch {
		case req.Status == models.RequestStatusBorrowed:
			return nil
		case req.Status != models.RequestStatusPending:
			return ErrRequestNotPending
		case !req.AllConfirmed():
			return ErrIncompleteConfirmation
		}

		now := e.opts.now()
		due := now.Add(e.opts.loanPeriod)
		req.ConfirmedAt = &now
		req.DueAt = &due
		req.Status = models.RequestStatusBorrowed
		if err := tx.Requests().Update(ctx, req); err != nil {
			return err
		}
		return e.record(ctx, tx, req, models.RequestStatusPending, ActionFinalize, req.StaffID, map[string]interface{}{
			"due_at": due,
		})
	})
	if err != nil {
		return nil, wrapInfra("finalize confirmation", err)
	}

	e.opts.logger.InfoContext(ctx, "FinalizeConfirmation: request borrowed",
		"request_id", requestID, "due_at", out.DueAt)
	return out, nil
}

// ─── Abandonment ──────────────────────────────────────────────────────────────

// Reject closes a pending request on behalf of staff and puts every copy
// already bound to it back on the shelf.
func (e *Engine) Reject(ctx context.Context, requestID uuid.UUID, reason string) (*models.BorrowRequest, error) {
	return e.abandon(ctx, requestID, models.RequestStatusRejected, ActionReject, "Reject", strings.TrimSpace(reason))
}

// Cancel is the member's Reject, without a reason.
func (e *Engine) Cancel(ctx context.Context, requestID uuid.UUID) (*models.BorrowRequest, error) {
	return e.abandon(ctx, requestID, models.RequestStatusCancelled, ActionCancel, "Cancel", "")
}

func (e *Engine) abandon(ctx context.Context, requestID uuid.UUID, to models.RequestStatus, action, op, reason string) (_ *models.BorrowRequest, err error) {
	ctx, span := startSpan(ctx, e.opts, "engine."+action,
		attribute.String("request.id", requestID.String()))
	defer func() { endSpan(ctx, e.opts.logger, span, op, err) }()

	var out *models.BorrowRequest
	var released []uuid.UUID
	err = e.store.Transaction(ctx, func(tx repositories.Tx) error {
		req, err := lockRequest(ctx, tx, requestID)
		if err != nil {
			return err
		}
		out = req

		if req.Status == to {
			return nil
		}
		if req.Status != models.RequestStatusPending {
			return ErrRequestNotPending
		}

		for i := range req.Items {
			item := &req.Items[i]
			if item.CopyID == nil || item.Released {
				continue
			}
			if err := releaseCopy(ctx, tx.Copies(), *item.CopyID); err != nil {
				return err
			}
			item.Released = true
			if err := tx.Requests().UpdateItem(ctx, item); err != nil {
				return err
			}
			released = append(released, *item.CopyID)
		}

		now := e.opts.now()
		req.Status = to
		req.ClosedAt = &now
		req.RejectReason = reason
		if err := tx.Requests().Update(ctx, req); err != nil {
			return err
		}

		payload := map[string]interface{}{"released_copies": released}
		if reason != "" {
			payload["reason"] = reason
		}
		return e.record(ctx, tx, req, models.RequestStatusPending, action, req.StaffID, payload)
	})
	if err != nil {
		return nil, wrapInfra(action+" request", err)
	}

	e.opts.logger.InfoContext(ctx, op+": request closed",
		"request_id", requestID, "status", out.Status, "released_copies", len(released))
	return out, nil
}

// ─── Returns ──────────────────────────────────────────────────────────────────

// ReturnCopy takes copyID back from its open loan. The request closes once
// every item is back, as RETURNED when on time and OVERDUE_RETURNED otherwise,
// whether or not the sweeper has flagged it yet. Scanning a copy that was
// already returned succeeds without changes.
func (e *Engine) ReturnCopy(ctx context.Context, copyID uuid.UUID) (_ *models.BorrowRequest, err error) {
	ctx, span := startSpan(ctx, e.opts, "engine.return_copy",
		attribute.String("copy.id", copyID.String()))
	defer func() { endSpan(ctx, e.opts.logger, span, "ReturnCopy", err) }()

	var out *models.BorrowRequest
	var duplicate bool
	err = e.store.Transaction(ctx, func(tx repositories.Tx) error {
		active, err := tx.Requests().FindActiveItemByCopy(ctx, copyID)
		if errors.Is(err, repositories.ErrNotFound) {
			out, err = alreadyReturned(ctx, tx, copyID)
			duplicate = err == nil
			return err
		}
		if err != nil {
			return err
		}

		req, err := lockRequest(ctx, tx, active.RequestID)
		if err != nil {
			return err
		}
		out = req

		var item *models.BorrowRequestItem
		for i := range req.Items {
			if req.Items[i].ID == active.ID {
				item = &req.Items[i]
			}
		}
		switch {
		case item == nil:
			return ErrNoActiveLoanForCopy
		case item.Released && item.ReturnedAt != nil:
			duplicate = true
			return nil
		case item.Released || !req.Status.IsOnLoan():
			return ErrNoActiveLoanForCopy
		}

		if err := releaseCopy(ctx, tx.Copies(), copyID); err != nil {
			return err
		}

		now := e.opts.now()
		item.Released = true
		item.ReturnedAt = &now
		if err := tx.Requests().UpdateItem(ctx, item); err != nil {
			return err
		}
		if err := e.record(ctx, tx, req, req.Status, ActionReturnItem, nil, map[string]interface{}{
			"book_id": item.BookID,
			"copy_id": copyID,
		}); err != nil {
			return err
		}

		if !req.AllReturned() {
			return nil
		}
		from := req.Status
		req.Status = models.RequestStatusReturned
		if req.DueAt != nil && now.After(*req.DueAt) {
			req.Status = models.RequestStatusOverdueReturned
		}
		req.ClosedAt = &now
		if err := tx.Requests().Update(ctx, req); err != nil {
			return err
		}
		return e.record(ctx, tx, req, from, ActionClose, nil, nil)
	})
	if err != nil {
		return nil, wrapInfra("return copy", err)
	}

	if duplicate {
		e.opts.logger.InfoContext(ctx, "ReturnCopy: duplicate scan ignored", "copy_id", copyID)
	} else {
		e.opts.logger.InfoContext(ctx, "ReturnCopy: copy returned",
			"copy_id", copyID, "request_id", out.ID, "status", out.Status)
	}
	return out, nil
}

// alreadyReturned decides what a return scan without an open loan means. A
// copy whose latest loan has closed and which is back on the shelf is a
// duplicate scan; anything else has no loan to return.
func alreadyReturned(ctx context.Context, tx repositories.Tx, copyID uuid.UUID) (*models.BorrowRequest, error) {
	c, err := tx.Copies().GetByID(ctx, copyID)
	if errors.Is(err, repositories.ErrNotFound) {
		return nil, ErrCopyNotFound
	}
	if err != nil {
		return nil, err
	}
	if c.State != models.CopyStateAvailable {
		return nil, ErrNoActiveLoanForCopy
	}

	last, err := tx.Requests().FindLatestReturnedItemByCopy(ctx, copyID)
	if errors.Is(err, repositories.ErrNotFound) {
		return nil, ErrNoActiveLoanForCopy
	}
	if err != nil {
		return nil, err
	}
	return tx.Requests().GetByID(ctx, last.RequestID)
}

// ─── Queries ──────────────────────────────────────────────────────────────────

func (e *Engine) GetRequest(ctx context.Context, requestID uuid.UUID) (*models.BorrowRequest, error) {
	req, err := e.store.Requests().GetByID(ctx, requestID)
	if errors.Is(err, repositories.ErrNotFound) {
		return nil, ErrRequestNotFound
	}
	if err != nil {
		return nil, infra("get request", err)
	}
	return req, nil
}

// ResolveTicket returns the current state of the request a ticket names.
func (e *Engine) ResolveTicket(ctx context.Context, ticket string) (*models.BorrowRequest, error) {
	id, err := e.codec.Resolve(ticket)
	if err != nil {
		return nil, err
	}
	req, err := e.GetRequest(ctx, id)
	if errors.Is(err, ErrRequestNotFound) {
		return nil, ErrTicketNotFound
	}
	if err != nil {
		return nil, err
	}
	if !strings.EqualFold(req.TicketID, strings.TrimSpace(ticket)) {
		return nil, ErrTicketNotFound
	}
	return req, nil
}

// ListMemberRequests returns the member's requests, newest first.
func (e *Engine) ListMemberRequests(ctx context.Context, memberID uuid.UUID) ([]models.BorrowRequest, error) {
	reqs, err := e.store.Requests().ListByMember(ctx, memberID)
	if err != nil {
		return nil, infra("list member requests", err)
	}
	if reqs == nil {
		reqs = []models.BorrowRequest{}
	}
	return reqs, nil
}

// History returns the transitions of a request in the order they happened.
func (e *Engine) History(ctx context.Context, requestID uuid.UUID) ([]models.Transition, error) {
	if _, err := e.GetRequest(ctx, requestID); err != nil {
		return nil, err
	}
	ts, err := e.store.Transitions().ListByRequest(ctx, requestID)
	if err != nil {
		return nil, infra("list transitions", err)
	}
	if ts == nil {
		ts = []models.Transition{}
	}
	return ts, nil
}

// CountByStatus reports how many requests are in each status, zeros included.
func (e *Engine) CountByStatus(ctx context.Context) (map[models.RequestStatus]int64, error) {
	counts, err := e.store.Requests().CountByStatus(ctx)
	if err != nil {
		return nil, infra("count requests", err)
	}
	return counts, nil
}

// ─── Helpers ──────────────────────────────────────────────────────────────────

func lockRequest(ctx context.Context, tx repositories.Tx, id uuid.UUID) (*models.BorrowRequest, error) {
	req, err := tx.Requests().GetByIDForUpdate(ctx, id)
	if errors.Is(err, repositories.ErrNotFound) {
		return nil, ErrRequestNotFound
	}
	return req, err
}

// record appends a transition from from to req's current status.
func (e *Engine) record(ctx context.Context, tx repositories.Tx, req *models.BorrowRequest, from models.RequestStatus, action string, actor *uuid.UUID, payload map[string]interface{}) error {
	return appendTransition(ctx, tx, e.opts, req, from, action, actor, payload)
}

func appendTransition(ctx context.Context, tx repositories.Tx, o *options, req *models.BorrowRequest, from models.RequestStatus, action string, actor *uuid.UUID, payload map[string]interface{}) error {
	t := &models.Transition{
		ID:         uuid.New(),
		RequestID:  req.ID,
		FromStatus: from,
		ToStatus:   req.Status,
		Action:     action,
		ActorID:    actor,
		OccurredAt: o.now(),
	}
	if len(payload) > 0 {
		raw, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		t.Payload = raw
	}
	return tx.Transitions().Append(ctx, t)
}
