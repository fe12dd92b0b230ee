// Package proof implements the attendance-proof protocol: window secret
// derivation, rotating QR codes, and the verification pipeline that
// checks a wallet-signed attendance claim against an event window.
package proof

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"ckbpop/errs"
)

// QrPayload is the decoded form of a scanned QR code. The wire format is
// "event_id|timestamp|hmac" with the timestamp in unix seconds and the
// hmac truncated to 16 hex characters.
type QrPayload struct {
	EventID   string `json:"event_id"`
	Timestamp int64  `json:"timestamp"`
	HMAC      string `json:"hmac"`
}

// ParseQrPayload decodes the pipe-delimited QR wire format.
func ParseQrPayload(raw string) (QrPayload, error) {
	parts := strings.Split(raw, "|")
	if len(parts) != 3 {
		return QrPayload{}, errs.Wrapf(errs.KindInvalidProof, "qr payload has %d fields, want 3", len(parts))
	}
	ts, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return QrPayload{}, errs.Wrapf(errs.KindInvalidProof, "qr timestamp %q is not an integer", parts[1])
	}
	return QrPayload{EventID: parts[0], Timestamp: ts, HMAC: parts[2]}, nil
}

// Encode renders the payload in its wire format.
func (q QrPayload) Encode() string {
	return fmt.Sprintf("%s|%d|%s", q.EventID, q.Timestamp, q.HMAC)
}

// WindowProof is a creator-signed attendance window for an event. A nil
// WindowEnd means the window is open-ended and stays live until replaced.
type WindowProof struct {
	EventID          string `json:"event_id"`
	WindowStart      int64  `json:"window_start"`
	WindowEnd        *int64 `json:"window_end"`
	CreatorSignature string `json:"creator_signature"`
	SecretCommitment string `json:"window_secret_commitment"`
}

// IsOpenAt reports whether the window admits proofs at the given instant.
func (w WindowProof) IsOpenAt(now time.Time) bool {
	ts := now.Unix()
	if ts < w.WindowStart {
		return false
	}
	return w.WindowEnd == nil || ts < *w.WindowEnd
}

// IsOpen reports whether the window is open-ended.
func (w WindowProof) IsOpen() bool {
	return w.WindowEnd == nil
}

// WindowMessage is the canonical text a creator signs to open a window.
// Open-ended windows use the literal "open" in place of the end time.
func WindowMessage(eventID string, start int64, end *int64) string {
	if end == nil {
		return fmt.Sprintf("CKB-PoP-Window|%s|%d|open", eventID, start)
	}
	return fmt.Sprintf("CKB-PoP-Window|%s|%d|%d", eventID, start, *end)
}

// AttendanceProof is a wallet-signed claim that the holder of
// AttendeeAddress scanned the QR code at the stated time.
type AttendanceProof struct {
	EventID           string    `json:"event_id"`
	AttendeeAddress   string    `json:"attendee_address"`
	QR                QrPayload `json:"qr_payload"`
	AttendeeSignature string    `json:"attendee_signature"`
	CreatedAt         time.Time `json:"created_at"`
}

// AttendanceMessage is the canonical text an attendee signs.
func AttendanceMessage(eventID string, timestamp int64, address string) string {
	return fmt.Sprintf("CKB-PoP|%s|%d|%s", eventID, timestamp, address)
}

// SignedMessage returns the text the attendee's wallet signed for this
// proof.
func (p AttendanceProof) SignedMessage() string {
	return AttendanceMessage(p.EventID, p.QR.Timestamp, p.AttendeeAddress)
}
