package xrpl

import (
	"crypto/sha512"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strings"
)

// Hash prefixes prepended before hashing or signing serialized transactions.
var (
	prefixTransactionSign = []byte{0x53, 0x54, 0x58, 0x00} // "STX\0"
	prefixTransactionID   = []byte{0x54, 0x58, 0x4E, 0x00} // "TXN\0"
)

// Serialized type codes.
const (
	typeUInt16    = 1
	typeUInt32    = 2
	typeAmount    = 6
	typeBlob      = 7
	typeAccountID = 8
)

const (
	transactionTypePayment = 0

	// MaxDrops is the total XRP supply expressed in drops.
	MaxDrops uint64 = 100_000_000_000_000_000

	amountPositiveBit uint64 = 0x4000000000000000
)

// Payment is an XRP-to-XRP payment transaction.
type Payment struct {
	Account            string
	Destination        string
	AmountDrops        uint64
	FeeDrops           uint64
	Sequence           uint32
	DestinationTag     *uint32
	LastLedgerSequence uint32
	Flags              uint32

	SigningPubKey []byte
	TxnSignature  []byte
}

// SignedTx is a fully signed transaction ready for submission.
type SignedTx struct {
	Blob string // uppercase hex
	Hash string // uppercase hex transaction id
}

// Validate checks the fields the ledger would reject as malformed.
func (p *Payment) Validate() error {
	if _, err := DecodeAddress(p.Account); err != nil {
		return fmt.Errorf("account: %w", err)
	}
	if _, err := DecodeAddress(p.Destination); err != nil {
		return fmt.Errorf("destination: %w", err)
	}
	if p.Account == p.Destination {
		return fmt.Errorf("account and destination must differ")
	}
	if p.AmountDrops == 0 || p.AmountDrops > MaxDrops {
		return fmt.Errorf("amount must be between 1 and %d drops", MaxDrops)
	}
	if p.FeeDrops == 0 || p.FeeDrops > MaxDrops {
		return fmt.Errorf("fee must be between 1 and %d drops", MaxDrops)
	}
	return nil
}

// SigningData returns the bytes a single signer signs: the signing prefix
// followed by every field except TxnSignature.
func (p *Payment) SigningData() ([]byte, error) {
	body, err := p.serialize(false)
	if err != nil {
		return nil, err
	}
	return append(append([]byte{}, prefixTransactionSign...), body...), nil
}

// Encode serializes the signed transaction and computes its id.
func (p *Payment) Encode() (*SignedTx, error) {
	if len(p.TxnSignature) == 0 {
		return nil, fmt.Errorf("transaction is not signed")
	}
	body, err := p.serialize(true)
	if err != nil {
		return nil, err
	}
	return &SignedTx{
		Blob: strings.ToUpper(hex.EncodeToString(body)),
		Hash: TransactionID(body),
	}, nil
}

// TransactionID hashes a serialized signed transaction into its id.
func TransactionID(blob []byte) string {
	h := SHA512Half(append(append([]byte{}, prefixTransactionID...), blob...))
	return strings.ToUpper(hex.EncodeToString(h))
}

// SHA512Half returns the first 32 bytes of SHA-512.
func SHA512Half(data []byte) []byte {
	sum := sha512.Sum512(data)
	return sum[:32]
}

// serialize writes fields in canonical order: by type code, then field code.
func (p *Payment) serialize(withSignature bool) ([]byte, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	account, _ := DecodeAddress(p.Account)
	destination, _ := DecodeAddress(p.Destination)

	var buf []byte
	buf = appendFieldID(buf, typeUInt16, 2) // TransactionType
	buf = binary.BigEndian.AppendUint16(buf, transactionTypePayment)

	buf = appendFieldID(buf, typeUInt32, 2) // Flags
	buf = binary.BigEndian.AppendUint32(buf, p.Flags)
	buf = appendFieldID(buf, typeUInt32, 4) // Sequence
	buf = binary.BigEndian.AppendUint32(buf, p.Sequence)
	if p.DestinationTag != nil {
		buf = appendFieldID(buf, typeUInt32, 14)
		buf = binary.BigEndian.AppendUint32(buf, *p.DestinationTag)
	}
	if p.LastLedgerSequence != 0 {
		buf = appendFieldID(buf, typeUInt32, 27)
		buf = binary.BigEndian.AppendUint32(buf, p.LastLedgerSequence)
	}

	buf = appendFieldID(buf, typeAmount, 1) // Amount
	buf = binary.BigEndian.AppendUint64(buf, amountPositiveBit|p.AmountDrops)
	buf = appendFieldID(buf, typeAmount, 8) // Fee
	buf = binary.BigEndian.AppendUint64(buf, amountPositiveBit|p.FeeDrops)

	var err error
	buf = appendFieldID(buf, typeBlob, 3) // SigningPubKey
	if buf, err = appendVL(buf, p.SigningPubKey); err != nil {
		return nil, err
	}
	if withSignature {
		buf = appendFieldID(buf, typeBlob, 4) // TxnSignature
		if buf, err = appendVL(buf, p.TxnSignature); err != nil {
			return nil, err
		}
	}

	buf = appendFieldID(buf, typeAccountID, 1) // Account
	buf, _ = appendVL(buf, account)
	buf = appendFieldID(buf, typeAccountID, 3) // Destination
	buf, _ = appendVL(buf, destination)

	return buf, nil
}

func appendFieldID(buf []byte, typeCode, fieldCode byte) []byte {
	switch {
	case typeCode < 16 && fieldCode < 16:
		return append(buf, typeCode<<4|fieldCode)
	case typeCode < 16:
		return append(buf, typeCode<<4, fieldCode)
	case fieldCode < 16:
		return append(buf, fieldCode, typeCode)
	default:
		return append(buf, 0, typeCode, fieldCode)
	}
}

// appendVL writes a variable-length prefix then data.
func appendVL(buf, data []byte) ([]byte, error) {
	n := len(data)
	switch {
	case n <= 192:
		buf = append(buf, byte(n))
	case n <= 12480:
		n -= 193
		buf = append(buf, byte(193+(n>>8)), byte(n&0xff))
	case n <= 918744:
		n -= 12481
		buf = append(buf, byte(241+(n>>16)), byte((n>>8)&0xff), byte(n&0xff))
	default:
		return nil, fmt.Errorf("blob too long: %d bytes", len(data))
	}
	return append(buf, data...), nil
}
