// Package lifecycle drives an event from declared payment intent through
// activation, attendance windows, and observed badge mints. The service
// is a cache over the chain: it never holds keys or submits transactions,
// it only verifies what wallets and the chain assert.
package lifecycle

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/google/uuid"

	"ckbpop/crypto"
	"ckbpop/proof"
)

// IntentTTL bounds how long a declared payment intent stays activatable.
// Creators who do not pay within this window must re-declare.
const IntentTTL = 24 * time.Hour

// EventIDPreimage is the material hashed into an event id. The nonce
// keeps ids unique even when one creator declares twice in a second.
type EventIDPreimage struct {
	CreatorAddress string `json:"creator_address"`
	Timestamp      int64  `json:"timestamp"`
	Nonce          string `json:"nonce"`
}

// NewPreimage builds a fresh preimage for a creator at the given instant.
func NewPreimage(creatorAddress string, now time.Time) EventIDPreimage {
	return EventIDPreimage{
		CreatorAddress: creatorAddress,
		Timestamp:      now.Unix(),
		Nonce:          uuid.NewString(),
	}
}

// EventID derives the 64-hex-char event identifier:
// sha256(creator_address || timestamp_le || nonce).
func (p EventIDPreimage) EventID() string {
	h := sha256.New()
	h.Write([]byte(p.CreatorAddress))
	h.Write(crypto.LittleEndianInt64(p.Timestamp))
	h.Write([]byte(p.Nonce))
	return hex.EncodeToString(h.Sum(nil))
}

// EventMetadata is creator-supplied display data. Nothing in it is
// verified against the chain.
type EventMetadata struct {
	Name        string     `json:"name"`
	Description string     `json:"description"`
	ImageURL    *string    `json:"image_url,omitempty"`
	Location    *string    `json:"location,omitempty"`
	StartTime   *time.Time `json:"start_time,omitempty"`
	EndTime     *time.Time `json:"end_time,omitempty"`
}

// PaymentIntent is a creator's declaration that a payment for a new event
// is coming. It pins the event id preimage so the id cannot be reassigned
// after payment.
type PaymentIntent struct {
	Preimage         EventIDPreimage `json:"event_id_preimage"`
	CreatorAddress   string          `json:"creator_address"`
	CreatorSignature string          `json:"creator_signature"`
	Metadata         EventMetadata   `json:"event_metadata"`
	DeclaredAt       time.Time       `json:"declared_at"`
	ExpiresAt        time.Time       `json:"expires_at"`
}

// Expired reports whether the intent can no longer be activated.
func (i PaymentIntent) Expired(now time.Time) bool {
	return now.After(i.ExpiresAt)
}

// PaymentObservation records a confirmed payment the service has seen on
// chain for an event.
type PaymentObservation struct {
	EventID            string    `json:"event_id"`
	PaymentTxHash      string    `json:"payment_tx_hash"`
	PaymentBlockNumber uint64    `json:"payment_block_number"`
	ObservedAt         time.Time `json:"observed_at"`
}

// ActiveEvent is an event whose payment has been confirmed. Its window is
// nil until the creator opens one.
type ActiveEvent struct {
	EventID            string             `json:"event_id"`
	Metadata           EventMetadata      `json:"metadata"`
	CreatorAddress     string             `json:"creator_address"`
	PaymentTxHash      string             `json:"payment_tx_hash"`
	PaymentBlockNumber uint64             `json:"payment_block_number"`
	ActivatedAt        time.Time          `json:"activated_at"`
	Window             *proof.WindowProof `json:"window,omitempty"`
}

// BadgeObservation mirrors a badge cell seen (or expected) on chain.
// MintBlockNumber stays zero while the mint transaction is unconfirmed.
type BadgeObservation struct {
	EventID         string    `json:"event_id"`
	HolderAddress   string    `json:"holder_address"`
	MintTxHash      string    `json:"mint_tx_hash"`
	MintBlockNumber uint64    `json:"mint_block_number"`
	VerifiedAtBlock uint64    `json:"verified_at_block"`
	ObservedAt      time.Time `json:"observed_at"`
}

// Pending reports whether the mint is still awaiting confirmation.
func (b BadgeObservation) Pending() bool {
	return b.MintBlockNumber == 0
}

// QRIssue is the envelope returned when a QR code is generated: the wire
// payload plus the timing a display client needs for its refresh loop.
type QRIssue struct {
	QRData     string `json:"qr_data"`
	TTLSeconds int    `json:"ttl_seconds"`
	ExpiresAt  int64  `json:"expires_at"`
	WindowEnd  *int64 `json:"window_end,omitempty"`
}

// PaymentStatus is the answer to a payment query. Cached marks results
// served from a stored observation without consulting the node.
type PaymentStatus struct {
	EventID     string  `json:"event_id"`
	TxHash      string  `json:"tx_hash"`
	Confirmed   bool    `json:"confirmed"`
	BlockNumber *uint64 `json:"block_number,omitempty"`
	Cached      bool    `json:"cached"`
}

// BadgeList is a badge query result. VerifiedAtBlock carries the tip
// height when the caller asked for live verification.
type BadgeList struct {
	Badges          []BadgeObservation `json:"badges"`
	VerifiedAtBlock *uint64            `json:"verified_at_block,omitempty"`
	Cached          bool               `json:"cached"`
}
