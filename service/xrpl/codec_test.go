package xrpl

import (
	"bytes"
	"encoding/hex"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testPayment() *Payment {
	return &Payment{
		Account:            accountZero,
		Destination:        accountOne,
		AmountDrops:        1_000_000,
		FeeDrops:           12,
		Sequence:           7,
		LastLedgerSequence: 100,
		SigningPubKey:      bytes.Repeat([]byte{0x02}, 33),
	}
}

func TestPaymentSigningData_Layout(t *testing.T) {
	p := testPayment()
	data, err := p.SigningData()
	require.NoError(t, err)

	require.True(t, bytes.HasPrefix(data, []byte("STX\x00")))
	body := data[4:]

	want := []byte{
		0x12, 0x00, 0x00, // TransactionType Payment
		0x22, 0x00, 0x00, 0x00, 0x00, // Flags
		0x24, 0x00, 0x00, 0x00, 0x07, // Sequence
		0x20, 0x1B, 0x00, 0x00, 0x00, 0x64, // LastLedgerSequence
		0x61, 0x40, 0x00, 0x00, 0x00, 0x00, 0x0F, 0x42, 0x40, // Amount 1 XRP
		0x68, 0x40, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x0C, // Fee 12 drops
		0x73, 0x21, // SigningPubKey, 33 bytes
	}
	require.True(t, len(body) > len(want))
	assert.Equal(t, want, body[:len(want)])

	rest := body[len(want)+33:]
	assert.Equal(t, []byte{0x81, 0x14}, rest[:2], "Account field")
	assert.Equal(t, make([]byte, 20), rest[2:22])
	assert.Equal(t, []byte{0x83, 0x14}, rest[22:24], "Destination field")
	assert.Len(t, rest, 44)
}

func TestPaymentSigningData_DestinationTag(t *testing.T) {
	p := testPayment()
	tag := uint32(42)
	p.DestinationTag = &tag

	data, err := p.SigningData()
	require.NoError(t, err)
	assert.True(t, bytes.Contains(data, []byte{0x2E, 0x00, 0x00, 0x00, 0x2A}))
}

func TestPaymentSigningData_ExcludesSignature(t *testing.T) {
	p := testPayment()
	unsigned, err := p.SigningData()
	require.NoError(t, err)

	p.TxnSignature = []byte{0xAA, 0xBB}
	again, err := p.SigningData()
	require.NoError(t, err)
	assert.Equal(t, unsigned, again)
}

func TestPaymentEncode(t *testing.T) {
	p := testPayment()
	_, err := p.Encode()
	require.Error(t, err, "unsigned payments cannot be encoded")

	p.TxnSignature = bytes.Repeat([]byte{0x30}, 70)
	signed, err := p.Encode()
	require.NoError(t, err)

	assert.Equal(t, strings.ToUpper(signed.Blob), signed.Blob)
	assert.Len(t, signed.Hash, 64)

	blob, err := hex.DecodeString(signed.Blob)
	require.NoError(t, err)
	assert.True(t, bytes.Contains(blob, append([]byte{0x74, 70}, p.TxnSignature...)))
	assert.Equal(t, TransactionID(blob), signed.Hash)

	// different signature, different id
	p.TxnSignature = bytes.Repeat([]byte{0x31}, 70)
	other, err := p.Encode()
	require.NoError(t, err)
	assert.NotEqual(t, signed.Hash, other.Hash)
}

func TestPaymentValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(p *Payment)
	}{
		{"bad account", func(p *Payment) { p.Account = "nope" }},
		{"bad destination", func(p *Payment) { p.Destination = "nope" }},
		{"self payment", func(p *Payment) { p.Destination = p.Account }},
		{"zero amount", func(p *Payment) { p.AmountDrops = 0 }},
		{"amount above supply", func(p *Payment) { p.AmountDrops = MaxDrops + 1 }},
		{"zero fee", func(p *Payment) { p.FeeDrops = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := testPayment()
			tt.mutate(p)
			assert.Error(t, p.Validate())
			_, err := p.SigningData()
			assert.Error(t, err)
		})
	}

	p := testPayment()
	p.AmountDrops = MaxDrops
	assert.NoError(t, p.Validate())
}

func TestAppendVL(t *testing.T) {
	tests := []struct {
		n      int
		prefix []byte
	}{
		{0, []byte{0x00}},
		{192, []byte{0xC0}},
		{193, []byte{0xC1, 0x00}},
		{12480, []byte{0xF0, 0xFF}},
		{12481, []byte{0xF1, 0x00, 0x00}},
	}
	for _, tt := range tests {
		out, err := appendVL(nil, make([]byte, tt.n))
		require.NoError(t, err)
		assert.Equal(t, tt.prefix, out[:len(tt.prefix)], "length %d", tt.n)
		assert.Len(t, out, len(tt.prefix)+tt.n)
	}

	_, err := appendVL(nil, make([]byte, 918745))
	assert.Error(t, err)
}

func TestSHA512Half(t *testing.T) {
	h := SHA512Half([]byte("abc"))
	assert.Len(t, h, 32)
	assert.Equal(t, "DDAF35A193617ABA", strings.ToUpper(hex.EncodeToString(h[:8])))
}
