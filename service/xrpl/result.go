package xrpl

import "strings"

// Outcome is the coordinator-facing classification of a submission.
type Outcome string

const (
	// OutcomeAccepted means the transaction was provisionally included and its
	// sequence is consumed once it validates.
	OutcomeAccepted Outcome = "accepted"
	// OutcomeRejected means the transaction can never succeed as signed.
	OutcomeRejected Outcome = "rejected"
	// OutcomeUnknown means the outcome is undetermined and must be reconciled.
	OutcomeUnknown Outcome = "unknown"
)

// SubmitResult is the result of one submit round-trip.
type SubmitResult struct {
	Outcome      Outcome `json:"outcome"`
	EngineResult string  `json:"engine_result,omitempty"`
	Message      string  `json:"message,omitempty"`
	TxHash       string  `json:"tx_hash,omitempty"`

	// ResyncSequence is set when the ledger reported the account sequence
	// differs from the one signed.
	ResyncSequence bool `json:"resync_sequence,omitempty"`
}

// transientRPCErrors are RPC-level error codes returned when the server could
// not process the request; the transaction may not have been relayed.
var transientRPCErrors = map[string]bool{
	"tooBusy":   true,
	"noNetwork": true,
	"noCurrent": true,
	"noClosed":  true,
	"slowDown":  true,
	"internal":  true,
}

// ClassifyEngineResult maps a transaction engine result code to an Outcome.
func ClassifyEngineResult(code string) (Outcome, bool) {
	switch code {
	case "tesSUCCESS", "terQUEUED":
		return OutcomeAccepted, false
	case "tefALREADY":
		// the identical transaction is already queued or applied
		return OutcomeAccepted, false
	case "tefPAST_SEQ":
		return OutcomeRejected, true
	case "terPRE_SEQ":
		return OutcomeUnknown, true
	}

	switch {
	case strings.HasPrefix(code, "tec"):
		return OutcomeAccepted, false
	case strings.HasPrefix(code, "ter"):
		return OutcomeUnknown, false
	case strings.HasPrefix(code, "tem"), strings.HasPrefix(code, "tef"), strings.HasPrefix(code, "tel"):
		return OutcomeRejected, false
	default:
		return OutcomeUnknown, false
	}
}

// classifyRPCError maps an RPC-level submit error to an Outcome.
func classifyRPCError(code string) Outcome {
	if transientRPCErrors[code] {
		return OutcomeUnknown
	}
	return OutcomeRejected
}

// TxState is the ledger's view of a transaction hash.
type TxState string

const (
	TxConfirmed TxState = "confirmed"
	TxPending   TxState = "pending"
	TxNotFound  TxState = "not_found"
)

// TxStatus is returned by FetchTransactionStatus.
type TxStatus struct {
	State       TxState `json:"state"`
	Result      string  `json:"result,omitempty"` // meta.TransactionResult once validated
	LedgerIndex uint32  `json:"ledger_index,omitempty"`
}

// Succeeded reports whether a confirmed transaction applied successfully.
func (s *TxStatus) Succeeded() bool {
	return s.State == TxConfirmed && s.Result == "tesSUCCESS"
}
