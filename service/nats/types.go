package nats

import (
	"time"

	"github.com/brojonat/xrpgate/service/db"
)

// PaymentEvent is published on every payment intent transition.
// This is published to the subject "payments.{intent_id}" in JetStream.
type PaymentEvent struct {
	// Transition
	IntentID   string `json:"intent_id"`
	FromStatus string `json:"from_status,omitempty"` // empty for the initial insert
	Status     string `json:"status"`

	// Payment details
	SourceAddress      string  `json:"source_address"`
	DestinationAddress string  `json:"destination_address"`
	AmountDrops        uint64  `json:"amount_drops"`
	DestinationTag     *uint32 `json:"destination_tag,omitempty"`

	// Ledger details
	Sequence     uint32 `json:"sequence,omitempty"`
	TxHash       string `json:"tx_hash,omitempty"`
	LedgerResult string `json:"ledger_result,omitempty"`
	Reason       string `json:"reason,omitempty"`
	Attempts     int    `json:"attempts"`

	Timestamp   time.Time `json:"timestamp"`
	PublishedAt time.Time `json:"published_at"`
}

// FromIntent builds the event for intent having moved out of from.
func FromIntent(intent *db.PaymentIntent, from db.IntentStatus) *PaymentEvent {
	event := &PaymentEvent{
		IntentID:           intent.IntentID,
		FromStatus:         string(from),
		Status:             string(intent.Status),
		SourceAddress:      intent.SourceAddress,
		DestinationAddress: intent.DestinationAddress,
		AmountDrops:        intent.AmountDrops,
		Sequence:           intent.SubmittedSequence,
		TxHash:             intent.LastTxHash,
		LedgerResult:       intent.LedgerResult,
		Reason:             intent.FailureReason,
		Attempts:           intent.Attempts,
		Timestamp:          intent.UpdatedAt,
		PublishedAt:        time.Now().UTC(),
	}
	if intent.DestinationTag != nil {
		tag := *intent.DestinationTag
		event.DestinationTag = &tag
	}
	return event
}

// Subject returns the subject the event is published on.
func (e *PaymentEvent) Subject() string {
	return SubjectPrefix + e.IntentID
}
