// Package event implements the signed event envelope exchanged over relays.
//
// An event is a generic signed message: order descriptions, payment requests
// and payment receipts are all events with different kinds and tag
// conventions. The id is a canonical hash of the unsigned fields, so two
// independent computations over identical field values always agree.
package event

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"
)

// Event kinds used by the checkout protocol.
const (
	KindOrder          = 1
	KindPaymentRequest = 9734
	KindPaymentReceipt = 9735
)

// Well-known tag names.
const (
	TagDescription = "description"
	TagRelays      = "relays"
	TagRecipient   = "p"
	TagReference   = "e"
	TagInvoice     = "bolt11"
)

// Event is the signed envelope. ID and Sig are empty on an unsigned event.
type Event struct {
	ID        string     `json:"id"`
	Pubkey    string     `json:"pubkey"`
	CreatedAt int64      `json:"created_at"`
	Kind      int        `json:"kind"`
	Tags      [][]string `json:"tags"`
	Content   string     `json:"content"`
	Sig       string     `json:"sig"`
}

// BuildUnsigned constructs an unsigned event with the timestamp rounded to
// whole seconds.
func BuildUnsigned(kind int, content, pubkey string, tags [][]string) *Event {
	if tags == nil {
		tags = [][]string{}
	}
	return &Event{
		Pubkey:    pubkey,
		CreatedAt: time.Now().Unix(),
		Kind:      kind,
		Tags:      tags,
		Content:   content,
	}
}

// Hash computes the canonical SHA-256 digest over the unsigned fields.
// The serialization is a fixed-shape JSON array so field order can never
// vary between implementations.
func Hash(ev *Event) ([32]byte, error) {
	tags := ev.Tags
	if tags == nil {
		tags = [][]string{}
	}
	canonical, err := json.Marshal([]interface{}{
		0,
		ev.Pubkey,
		ev.CreatedAt,
		ev.Kind,
		tags,
		ev.Content,
	})
	if err != nil {
		return [32]byte{}, err
	}
	return sha256.Sum256(canonical), nil
}

// Sign fills in the event id (hex of the canonical hash) and signature.
func Sign(ev *Event, signer Signer) error {
	digest, err := Hash(ev)
	if err != nil {
		return err
	}
	sig, err := signer.Sign(digest)
	if err != nil {
		return err
	}
	ev.ID = hex.EncodeToString(digest[:])
	ev.Sig = sig
	return nil
}

// Validate recomputes the id from the content fields and verifies the
// signature against the embedded pubkey. It returns false on any structural
// or cryptographic mismatch and never panics; callers must not process the
// content of an event that fails validation.
func Validate(ev *Event) bool {
	if ev == nil || ev.ID == "" || ev.Sig == "" || ev.Pubkey == "" {
		return false
	}
	digest, err := Hash(ev)
	if err != nil {
		return false
	}
	if hex.EncodeToString(digest[:]) != ev.ID {
		return false
	}
	return VerifySignature(ev.Pubkey, digest, ev.Sig)
}

// FirstTag returns the second element of the first tag named name,
// i.e. the tag's value. ok is false when the tag is absent or has no value.
func (ev *Event) FirstTag(name string) (string, bool) {
	for _, tag := range ev.Tags {
		if len(tag) >= 2 && tag[0] == name {
			return tag[1], true
		}
	}
	return "", false
}

// TagValues returns all elements after the name of the first tag named name.
func (ev *Event) TagValues(name string) []string {
	for _, tag := range ev.Tags {
		if len(tag) >= 1 && tag[0] == name {
			return tag[1:]
		}
	}
	return nil
}
