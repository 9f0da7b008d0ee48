package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type CopyState string

const (
	CopyStateAvailable CopyState = "AVAILABLE"
	CopyStateOnLoan    CopyState = "ON_LOAN"
)

type RequestStatus string

const (
	RequestStatusPending         RequestStatus = "PENDING"
	RequestStatusBorrowed        RequestStatus = "BORROWED"
	RequestStatusOverdue         RequestStatus = "OVERDUE"
	RequestStatusReturned        RequestStatus = "RETURNED"
	RequestStatusOverdueReturned RequestStatus = "OVERDUE_RETURNED"
	RequestStatusRejected        RequestStatus = "REJECTED"
	RequestStatusCancelled       RequestStatus = "CANCELLED"
)

// AllRequestStatuses lists every status in lifecycle order.
var AllRequestStatuses = []RequestStatus{
	RequestStatusPending,
	RequestStatusBorrowed,
	RequestStatusOverdue,
	RequestStatusReturned,
	RequestStatusOverdueReturned,
	RequestStatusRejected,
	RequestStatusCancelled,
}

// IsTerminal reports whether no further transition is allowed from s.
func (s RequestStatus) IsTerminal() bool {
	switch s {
	case RequestStatusReturned, RequestStatusOverdueReturned, RequestStatusRejected, RequestStatusCancelled:
		return true
	}
	return false
}

// IsOnLoan reports whether the request's copies are out of the library.
func (s RequestStatus) IsOnLoan() bool {
	return s == RequestStatusBorrowed || s == RequestStatusOverdue
}

type BookCopy struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	BookID    uuid.UUID `gorm:"type:uuid;not null;index" json:"book_id"`
	State     CopyState `gorm:"size:16;not null;index" json:"state"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type CartEntry struct {
	MemberID uuid.UUID `gorm:"type:uuid;primaryKey" json:"member_id"`
	BookID   uuid.UUID `gorm:"type:uuid;primaryKey" json:"book_id"`
	AddedAt  time.Time `gorm:"not null" json:"added_at"`
}

type BorrowRequest struct {
	ID           uuid.UUID           `gorm:"type:uuid;primaryKey" json:"id"`
	MemberID     uuid.UUID           `gorm:"type:uuid;not null;index" json:"member_id"`
	StaffID      *uuid.UUID          `gorm:"type:uuid" json:"staff_id,omitempty"`
	CreatedAt    time.Time           `gorm:"not null" json:"created_at"`
	ConfirmedAt  *time.Time          `json:"confirmed_at,omitempty"`
	DueAt        *time.Time          `gorm:"index" json:"due_at,omitempty"`
	ClosedAt     *time.Time          `json:"closed_at,omitempty"`
	Status       RequestStatus       `gorm:"size:20;not null;index" json:"status"`
	TicketID     string              `gorm:"size:80;not null;uniqueIndex" json:"ticket_id"`
	Notes        string              `gorm:"size:500" json:"notes,omitempty"`
	RejectReason string              `gorm:"size:500" json:"reject_reason,omitempty"`
	Items        []BorrowRequestItem `gorm:"foreignKey:RequestID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE;" json:"items"`
}

// Item returns the item requesting bookID, or nil.
func (r *BorrowRequest) Item(bookID uuid.UUID) *BorrowRequestItem {
	for i := range r.Items {
		if r.Items[i].BookID == bookID {
			return &r.Items[i]
		}
	}
	return nil
}

// AllConfirmed reports whether every item has a bound copy.
func (r *BorrowRequest) AllConfirmed() bool {
	for _, it := range r.Items {
		if !it.Confirmed {
			return false
		}
	}
	return len(r.Items) > 0
}

// AllReturned reports whether every item's copy has come back.
func (r *BorrowRequest) AllReturned() bool {
	for _, it := range r.Items {
		if it.ReturnedAt == nil {
			return false
		}
	}
	return len(r.Items) > 0
}

type BorrowRequestItem struct {
	ID          uuid.UUID  `gorm:"type:uuid;primaryKey" json:"id"`
	RequestID   uuid.UUID  `gorm:"type:uuid;not null;index" json:"request_id"`
	BookID      uuid.UUID  `gorm:"type:uuid;not null" json:"book_id"`
	CopyID      *uuid.UUID `gorm:"type:uuid;index" json:"copy_id,omitempty"`
	Confirmed   bool       `gorm:"not null;default:false" json:"confirmed"`
	ConfirmedAt *time.Time `json:"confirmed_at,omitempty"`
	// Released is set once the binding no longer holds the copy, either because
	// the copy came back or because the request was rejected or cancelled.
	Released   bool       `gorm:"not null;default:false" json:"released"`
	ReturnedAt *time.Time `json:"returned_at,omitempty"`
}

// Transition is one entry of a request's append-only lifecycle log.
type Transition struct {
	ID         uuid.UUID       `gorm:"type:uuid;primaryKey" json:"id"`
	RequestID  uuid.UUID       `gorm:"type:uuid;not null;index" json:"request_id"`
	FromStatus RequestStatus   `gorm:"size:20" json:"from_status,omitempty"`
	ToStatus   RequestStatus   `gorm:"size:20;not null" json:"to_status"`
	Action     string          `gorm:"size:40;not null" json:"action"`
	ActorID    *uuid.UUID      `gorm:"type:uuid" json:"actor_id,omitempty"`
	Payload    json.RawMessage `gorm:"type:jsonb" json:"payload,omitempty"`
	OccurredAt time.Time       `gorm:"not null;index" json:"occurred_at"`
}

func (BookCopy) TableName() string          { return "book_copies" }
func (CartEntry) TableName() string         { return "cart_entries" }
func (BorrowRequest) TableName() string     { return "borrow_requests" }
func (BorrowRequestItem) TableName() string { return "borrow_request_items" }
func (Transition) TableName() string        { return "borrow_request_transitions" }
