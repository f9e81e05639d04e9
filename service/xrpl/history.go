package xrpl

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"
)

const (
	// DefaultPageSize is used when a history request does not specify one.
	DefaultPageSize = 20
	// MaxPageSize bounds account_tx page sizes.
	MaxPageSize = 400

	// rippleEpoch is 2000-01-01T00:00:00Z, the zero point of ledger close times.
	rippleEpoch int64 = 946684800
)

// ErrIteratorDone is returned by HistoryIterator.Next after the last page.
var ErrIteratorDone = errors.New("no more history")

// ErrInvalidCursor is returned when a history cursor cannot be decoded.
var ErrInvalidCursor = errors.New("invalid history cursor")

// Transaction is a summarized account transaction.
type Transaction struct {
	Hash            string    `json:"hash"`
	Type            string    `json:"type"`
	Account         string    `json:"account"`
	Destination     string    `json:"destination,omitempty"`
	DestinationTag  *uint32   `json:"destination_tag,omitempty"`
	AmountDrops     *uint64   `json:"amount_drops,omitempty"` // nil for issued-currency amounts
	Amount          string    `json:"amount,omitempty"`       // issued-currency value, e.g. "10/USD"
	FeeDrops        uint64    `json:"fee_drops"`
	Sequence        uint32    `json:"sequence"`
	LedgerIndex     uint32    `json:"ledger_index"`
	Result          string    `json:"result"`
	Validated       bool      `json:"validated"`
	Time            time.Time `json:"time,omitempty"`
	DeliveredAmount string    `json:"delivered_amount,omitempty"`
}

// Page is one page of account history. An empty NextCursor means the end
// of history has been reached.
type Page struct {
	Transactions []Transaction `json:"transactions"`
	NextCursor   string        `json:"next_cursor,omitempty"`
}

// HistoryFetcher fetches a single page of account history.
type HistoryFetcher interface {
	FetchHistory(ctx context.Context, address, cursor string, pageSize int) (*Page, error)
}

type accountTxResult struct {
	Transactions []struct {
		Tx        json.RawMessage `json:"tx"`
		TxJSON    json.RawMessage `json:"tx_json"`
		Meta      json.RawMessage `json:"meta"`
		Hash      string          `json:"hash"`
		Validated bool            `json:"validated"`
	} `json:"transactions"`
	Marker json.RawMessage `json:"marker"`
}

type rawTx struct {
	Hash               string          `json:"hash"`
	TransactionType    string          `json:"TransactionType"`
	Account            string          `json:"Account"`
	Destination        string          `json:"Destination"`
	DestinationTag     *uint32         `json:"DestinationTag"`
	Amount             json.RawMessage `json:"Amount"`
	DeliverMax         json.RawMessage `json:"DeliverMax"`
	Fee                string          `json:"Fee"`
	Sequence           uint32          `json:"Sequence"`
	LedgerIndex        ledgerIndex     `json:"ledger_index"`
	Date               int64           `json:"date"`
	LastLedgerSequence uint32          `json:"LastLedgerSequence"`
}

type rawMeta struct {
	TransactionResult string          `json:"TransactionResult"`
	DeliveredAmount   json.RawMessage `json:"delivered_amount"`
}

// FetchHistory returns one page of validated transactions for address,
// newest first. cursor is an opaque value from a previous Page.
func (c *Client) FetchHistory(ctx context.Context, address, cursor string, pageSize int) (*Page, error) {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	if pageSize > MaxPageSize {
		pageSize = MaxPageSize
	}

	params := map[string]interface{}{
		"account":          address,
		"ledger_index_min": -1,
		"ledger_index_max": -1,
		"limit":            pageSize,
		"forward":          false,
	}
	if cursor != "" {
		marker, err := DecodeCursor(cursor)
		if err != nil {
			return nil, err
		}
		params["marker"] = marker
	}

	var out accountTxResult
	if err := c.call(ctx, "account_tx", params, &out); err != nil {
		var rpcErr *RPCError
		if errors.As(err, &rpcErr) && rpcErr.Code == "actNotFound" {
			return nil, &AddressNotFoundError{Address: address}
		}
		return nil, asNetworkError("account_tx", err)
	}

	page := &Page{Transactions: make([]Transaction, 0, len(out.Transactions))}
	for _, entry := range out.Transactions {
		body := entry.Tx
		if len(body) == 0 {
			body = entry.TxJSON
		}
		tx, err := parseTransaction(body, entry.Meta)
		if err != nil {
			c.logger.WarnContext(ctx, "skipping unparseable history entry", "address", address, "error", err)
			continue
		}
		if tx.Hash == "" {
			tx.Hash = entry.Hash
		}
		tx.Validated = entry.Validated
		page.Transactions = append(page.Transactions, *tx)
	}

	if len(out.Marker) > 0 && string(out.Marker) != "null" {
		page.NextCursor = EncodeCursor(out.Marker)
	}
	return page, nil
}

func parseTransaction(body, meta json.RawMessage) (*Transaction, error) {
	var raw rawTx
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("decode tx: %w", err)
	}
	tx := &Transaction{
		Hash:           raw.Hash,
		Type:           raw.TransactionType,
		Account:        raw.Account,
		Destination:    raw.Destination,
		DestinationTag: raw.DestinationTag,
		Sequence:       raw.Sequence,
		LedgerIndex:    uint32(raw.LedgerIndex),
	}
	if raw.Fee != "" {
		fee, err := strconv.ParseUint(raw.Fee, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid Fee %q", raw.Fee)
		}
		tx.FeeDrops = fee
	}
	if raw.Date > 0 {
		tx.Time = time.Unix(raw.Date+rippleEpoch, 0).UTC()
	}

	amount := raw.Amount
	if len(amount) == 0 {
		amount = raw.DeliverMax
	}
	if len(amount) > 0 {
		drops, text := parseAmount(amount)
		tx.AmountDrops = drops
		tx.Amount = text
	}

	if len(meta) > 0 {
		var m rawMeta
		if err := json.Unmarshal(meta, &m); err == nil {
			tx.Result = m.TransactionResult
			if len(m.DeliveredAmount) > 0 {
				if drops, text := parseAmount(m.DeliveredAmount); drops != nil {
					tx.DeliveredAmount = strconv.FormatUint(*drops, 10)
				} else {
					tx.DeliveredAmount = text
				}
			}
		}
	}
	return tx, nil
}

// parseAmount decodes an amount that is either a drops string or an
// issued-currency object.
func parseAmount(raw json.RawMessage) (*uint64, string) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if n, err := strconv.ParseUint(s, 10, 64); err == nil {
			return &n, ""
		}
		return nil, s
	}
	var iou struct {
		Value    string `json:"value"`
		Currency string `json:"currency"`
		Issuer   string `json:"issuer"`
	}
	if err := json.Unmarshal(raw, &iou); err == nil && iou.Currency != "" {
		return nil, iou.Value + "/" + iou.Currency
	}
	return nil, ""
}

// EncodeCursor wraps a raw ledger marker into an opaque cursor.
func EncodeCursor(marker json.RawMessage) string {
	return base64.RawURLEncoding.EncodeToString(marker)
}

// DecodeCursor unwraps a cursor produced by EncodeCursor.
func DecodeCursor(cursor string) (json.RawMessage, error) {
	data, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCursor, err)
	}
	if !json.Valid(data) {
		return nil, fmt.Errorf("%w: not a ledger marker", ErrInvalidCursor)
	}
	return json.RawMessage(data), nil
}

// HistoryIterator lazily walks account history page by page. It can be
// restarted from any cursor it has produced.
type HistoryIterator struct {
	fetcher  HistoryFetcher
	address  string
	cursor   string
	pageSize int
	done     bool
}

// NewHistoryIterator returns an iterator starting at cursor (empty for the
// newest transactions).
func NewHistoryIterator(f HistoryFetcher, address, cursor string, pageSize int) *HistoryIterator {
	return &HistoryIterator{
		fetcher:  f,
		address:  address,
		cursor:   cursor,
		pageSize: pageSize,
	}
}

// History returns an iterator over address's history.
func (c *Client) History(address, cursor string, pageSize int) *HistoryIterator {
	return NewHistoryIterator(c, address, cursor, pageSize)
}

// Next fetches the next page. It returns ErrIteratorDone once the end of
// history has been reached. A failed fetch leaves the iterator position
// unchanged so Next can be retried.
func (it *HistoryIterator) Next(ctx context.Context) ([]Transaction, error) {
	if it.done {
		return nil, ErrIteratorDone
	}
	page, err := it.fetcher.FetchHistory(ctx, it.address, it.cursor, it.pageSize)
	if err != nil {
		return nil, err
	}
	it.cursor = page.NextCursor
	if page.NextCursor == "" {
		it.done = true
	}
	return page.Transactions, nil
}

// Cursor returns the position of the next page.
func (it *HistoryIterator) Cursor() string {
	return it.cursor
}

// Done reports whether the last page has been returned.
func (it *HistoryIterator) Done() bool {
	return it.done
}
