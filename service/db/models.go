package db

import (
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrIntentTerminal is returned when updating an intent that already
	// reached a terminal status.
	ErrIntentTerminal = errors.New("payment intent is in a terminal state")
)

// IntentStatus is the lifecycle state of a payment intent.
type IntentStatus string

const (
	StatusPending   IntentStatus = "pending"
	StatusSubmitted IntentStatus = "submitted"
	StatusConfirmed IntentStatus = "confirmed"
	StatusFailed    IntentStatus = "failed"
	StatusExpired   IntentStatus = "expired"
)

// Terminal reports whether no further transitions are allowed.
func (s IntentStatus) Terminal() bool {
	return s == StatusConfirmed || s == StatusFailed || s == StatusExpired
}

// Valid reports whether s is a known status.
func (s IntentStatus) Valid() bool {
	switch s {
	case StatusPending, StatusSubmitted, StatusConfirmed, StatusFailed, StatusExpired:
		return true
	}
	return false
}

// PaymentIntent is a client's request to move XRP, tracked to a terminal
// outcome. SubmittedSequence is zero until a sequence has been assigned.
type PaymentIntent struct {
	IntentID           string       `json:"intent_id"`
	SourceAddress      string       `json:"source_address"`
	DestinationAddress string       `json:"destination_address"`
	AmountDrops        uint64       `json:"amount_drops"`
	DestinationTag     *uint32      `json:"destination_tag,omitempty"`
	Status             IntentStatus `json:"status"`
	SubmittedSequence  uint32       `json:"submitted_sequence,omitempty"`
	LastTxHash         string       `json:"last_tx_hash,omitempty"`
	LastLedgerSequence uint32       `json:"last_ledger_sequence,omitempty"`
	Attempts           int          `json:"attempts"`
	ReconcileChecks    int          `json:"reconcile_checks"`
	LedgerResult       string       `json:"ledger_result,omitempty"`
	FailureReason      string       `json:"failure_reason,omitempty"`
	CreatedAt          time.Time    `json:"created_at"`
	UpdatedAt          time.Time    `json:"updated_at"`
	SubmittedAt        *time.Time   `json:"submitted_at,omitempty"`
	LastCheckedAt      *time.Time   `json:"last_checked_at,omitempty"`
}

// Clone returns a deep copy.
func (p *PaymentIntent) Clone() *PaymentIntent {
	c := *p
	if p.DestinationTag != nil {
		tag := *p.DestinationTag
		c.DestinationTag = &tag
	}
	if p.SubmittedAt != nil {
		t := *p.SubmittedAt
		c.SubmittedAt = &t
	}
	if p.LastCheckedAt != nil {
		t := *p.LastCheckedAt
		c.LastCheckedAt = &t
	}
	return &c
}

// Wallet is a custody wallet. SealedSecret is the encrypted seed; the
// plaintext is never stored.
type Wallet struct {
	Address      string
	Network      string
	KeyType      string
	PublicKey    []byte
	SealedSecret []byte
	Sequence     uint32 // last sequence used for a signed transaction
	CreatedAt    time.Time
	UpdatedAt    time.Time
}
