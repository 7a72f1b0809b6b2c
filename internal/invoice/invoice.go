// Package invoice handles redeemable payment strings: decoding the paid
// amount out of one, and requesting fresh ones from an issuing service.
package invoice

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
	"time"
)

var (
	ErrInvalidInvoice = errors.New("invoice: invalid redeemable string")
	// ErrServiceUnavailable wraps issuing-service failures. It is propagated
	// to the caller; the core never retries.
	ErrServiceUnavailable = errors.New("invoice: issuing service unavailable")
)

// Prefix identifies a redeemable string produced by this codec.
const Prefix = "lnck1"

// Decoded is the payload carried by a redeemable string. Amounts are in
// millisats (one-thousandth of a sat).
type Decoded struct {
	AmountMsat int64  `json:"amountMsat"`
	OrderID    string `json:"orderId"`
	IssuedAt   int64  `json:"issuedAt"`
}

// Codec encodes and decodes redeemable strings. The HMAC tag binds the
// payload to the issuer's secret; decoding alone does not require it.
type Codec struct {
	secret []byte
}

// NewCodec creates a codec. An empty secret still decodes but signs with a
// zero key, which is only acceptable in tests.
func NewCodec(secret string) *Codec {
	return &Codec{secret: []byte(secret)}
}

// Encode builds a redeemable string for the given amount and order.
func (c *Codec) Encode(amountMsat int64, orderID string) (string, error) {
	payload, err := json.Marshal(Decoded{
		AmountMsat: amountMsat,
		OrderID:    orderID,
		IssuedAt:   time.Now().Unix(),
	})
	if err != nil {
		return "", err
	}
	mac := hmac.New(sha256.New, c.secret)
	mac.Write(payload)
	return Prefix +
		base64.RawURLEncoding.EncodeToString(payload) +
		"." +
		base64.RawURLEncoding.EncodeToString(mac.Sum(nil)), nil
}

// Decode extracts the payload from a redeemable string. It is a pure
// function; any structural problem yields ErrInvalidInvoice.
func Decode(s string) (Decoded, error) {
	if !strings.HasPrefix(s, Prefix) {
		return Decoded{}, ErrInvalidInvoice
	}
	body, _, ok := strings.Cut(s[len(Prefix):], ".")
	if !ok {
		return Decoded{}, ErrInvalidInvoice
	}
	raw, err := base64.RawURLEncoding.DecodeString(body)
	if err != nil {
		return Decoded{}, ErrInvalidInvoice
	}
	var d Decoded
	if err := json.Unmarshal(raw, &d); err != nil {
		return Decoded{}, ErrInvalidInvoice
	}
	if d.AmountMsat <= 0 {
		return Decoded{}, ErrInvalidInvoice
	}
	return d, nil
}

// Verify checks the HMAC tag of a redeemable string against the codec's
// secret.
func (c *Codec) Verify(s string) bool {
	if !strings.HasPrefix(s, Prefix) {
		return false
	}
	body, tag, ok := strings.Cut(s[len(Prefix):], ".")
	if !ok {
		return false
	}
	payload, err := base64.RawURLEncoding.DecodeString(body)
	if err != nil {
		return false
	}
	got, err := base64.RawURLEncoding.DecodeString(tag)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, c.secret)
	mac.Write(payload)
	return hmac.Equal(mac.Sum(nil), got)
}
