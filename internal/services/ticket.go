package services

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base32"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/crypto/blake2b"
)

const (
	// TicketPrefix marks a string as a borrow ticket.
	TicketPrefix = "TKT-"

	// MinTicketSecretLen is the shortest accepted MAC key.
	MinTicketSecretLen = 32

	ticketNonceLen = 8
	ticketTagLen   = 16
	ticketBodyLen  = 16 + ticketNonceLen + ticketTagLen
)

// TicketLen is the length of every issued ticket.
var TicketLen = len(TicketPrefix) + ticketEncoding.EncodedLen(ticketBodyLen)

var ticketEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// ErrShortTicketSecret is returned by NewTicketCodec for keys under MinTicketSecretLen bytes.
var ErrShortTicketSecret = errors.New("ticket secret must be at least 32 bytes")

// TicketCodec turns request ids into opaque tickets and back.
//
// A ticket carries the request id, a random nonce and a keyed BLAKE2b tag over
// both. Without the key a ticket cannot be forged or enumerated, and the nonce
// keeps two tickets for the same request distinct.
type TicketCodec struct {
	key []byte
}

func NewTicketCodec(secret []byte) (*TicketCodec, error) {
	if len(secret) < MinTicketSecretLen {
		return nil, ErrShortTicketSecret
	}
	// blake2b keys are capped at 64 bytes
	key := make([]byte, 0, blake2b.Size)
	if len(secret) > blake2b.Size {
		sum := blake2b.Sum512(secret)
		key = append(key, sum[:]...)
	} else {
		key = append(key, secret...)
	}
	return &TicketCodec{key: key}, nil
}

// Issue returns a fresh ticket for requestID.
func (c *TicketCodec) Issue(requestID uuid.UUID) (string, error) {
	body := make([]byte, 0, ticketBodyLen)
	body = append(body, requestID[:]...)

	nonce := make([]byte, ticketNonceLen)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("ticket nonce: %w", err)
	}
	body = append(body, nonce...)

	tag, err := c.tag(body)
	if err != nil {
		return "", err
	}
	body = append(body, tag...)

	return TicketPrefix + ticketEncoding.EncodeToString(body), nil
}

// Resolve returns the request id carried by ticket. It does not consult
// storage; a valid ticket may name a request that no longer exists.
func (c *TicketCodec) Resolve(ticket string) (uuid.UUID, error) {
	ticket = strings.TrimSpace(ticket)
	if len(ticket) != TicketLen || !strings.EqualFold(ticket[:len(TicketPrefix)], TicketPrefix) {
		return uuid.Nil, ErrTicketNotFound
	}
	body, err := ticketEncoding.DecodeString(strings.ToUpper(ticket[len(TicketPrefix):]))
	if err != nil || len(body) != ticketBodyLen {
		return uuid.Nil, ErrTicketNotFound
	}

	signed, got := body[:ticketBodyLen-ticketTagLen], body[ticketBodyLen-ticketTagLen:]
	want, err := c.tag(signed)
	if err != nil || subtle.ConstantTimeCompare(got, want) != 1 {
		return uuid.Nil, ErrTicketNotFound
	}

	id, err := uuid.FromBytes(signed[:16])
	if err != nil {
		return uuid.Nil, ErrTicketNotFound
	}
	return id, nil
}

func (c *TicketCodec) tag(msg []byte) ([]byte, error) {
	h, err := blake2b.New(ticketTagLen, c.key)
	if err != nil {
		return nil, fmt.Errorf("ticket mac: %w", err)
	}
	h.Write(msg)
	return h.Sum(nil), nil
}
