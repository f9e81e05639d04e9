package server

import (
	"encoding/base64"
	"fmt"
	"net/url"
	"strconv"

	"github.com/skip2/go-qrcode"
)

const dropsPerXRP = 1_000_000

// DepositRequest tells a payer how to fund a custody wallet.
type DepositRequest struct {
	Address        string  `json:"address"`
	Network        string  `json:"network"`
	AmountDrops    uint64  `json:"amount_drops,omitempty"`
	AmountXRP      string  `json:"amount_xrp,omitempty"`
	DestinationTag *uint32 `json:"destination_tag,omitempty"`
	URI            string  `json:"uri"`
	QRCode         string  `json:"qr_code"` // base64 PNG
}

// newDepositRequest builds the deposit URI and its QR code. A QR encoding
// failure leaves QRCode empty.
func newDepositRequest(address, network string, amountDrops uint64, destinationTag *uint32) DepositRequest {
	uri := buildDepositURI(address, amountDrops, destinationTag)
	qr, err := generateQRCode(uri)
	if err != nil {
		qr = ""
	}

	d := DepositRequest{
		Address:        address,
		Network:        network,
		AmountDrops:    amountDrops,
		DestinationTag: destinationTag,
		URI:            uri,
		QRCode:         qr,
	}
	if amountDrops > 0 {
		d.AmountXRP = formatXRP(amountDrops)
	}
	return d
}

// buildDepositURI creates a payment URI understood by XRPL wallet apps.
// Format: xrpl:{address}?amount={xrp}&dt={tag}
func buildDepositURI(address string, amountDrops uint64, destinationTag *uint32) string {
	params := url.Values{}
	if amountDrops > 0 {
		params.Set("amount", formatXRP(amountDrops))
	}
	if destinationTag != nil {
		params.Set("dt", strconv.FormatUint(uint64(*destinationTag), 10))
	}
	if len(params) == 0 {
		return "xrpl:" + address
	}
	return fmt.Sprintf("xrpl:%s?%s", address, params.Encode())
}

// formatXRP renders drops as a decimal XRP amount without trailing zeros.
func formatXRP(drops uint64) string {
	whole := drops / dropsPerXRP
	frac := drops % dropsPerXRP
	if frac == 0 {
		return strconv.FormatUint(whole, 10)
	}
	s := fmt.Sprintf("%d.%06d", whole, frac)
	for s[len(s)-1] == '0' {
		s = s[:len(s)-1]
	}
	return s
}

// generateQRCode creates a QR code image from a URI and returns it as base64-encoded PNG.
func generateQRCode(data string) (string, error) {
	qr, err := qrcode.New(data, qrcode.Medium)
	if err != nil {
		return "", fmt.Errorf("failed to create QR code: %w", err)
	}

	png, err := qr.PNG(256)
	if err != nil {
		return "", fmt.Errorf("failed to encode QR code as PNG: %w", err)
	}

	return base64.StdEncoding.EncodeToString(png), nil
}
