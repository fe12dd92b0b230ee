package proof

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"ckbpop/crypto"
	"ckbpop/errs"
)

// QRTTL is how long a generated QR code is advertised as valid. Scans are
// accepted for up to twice this window to absorb clock skew and scan
// latency.
const QRTTL = 30 * time.Second

// hmacHexLen truncates the HMAC to 16 hex characters (8 bytes), enough to
// make forgery infeasible within the freshness window while keeping QR
// codes small.
const hmacHexLen = 16

var (
	ErrInvalidQRHMAC = errs.New(errs.KindInvalidProof, "qr hmac does not match window secret")
	ErrQRExpired     = errs.New(errs.KindInvalidProof, "qr timestamp outside freshness window")
)

// DeriveWindowSecret computes the per-window HMAC key:
// sha256(event_id || window_start_le || creator_signature). The creator
// signature makes the secret unforgeable without the creator's key; the
// window start rotates it every time a new window opens.
func DeriveWindowSecret(eventID string, windowStart int64, creatorSignature string) [32]byte {
	h := sha256.New()
	h.Write([]byte(eventID))
	h.Write(crypto.LittleEndianInt64(windowStart))
	h.Write([]byte(creatorSignature))
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// SecretCommitment is the public fingerprint of a window secret, stored
// alongside the window so the secret itself never leaves memory.
func SecretCommitment(secret [32]byte) string {
	sum := sha256.Sum256(secret[:])
	return hex.EncodeToString(sum[:])
}

// GenerateHMAC derives the rotating QR tag for a timestamp:
// HMAC-SHA256(secret, timestamp_le) truncated to 16 hex characters.
func GenerateHMAC(secret [32]byte, timestamp int64) string {
	mac := hmac.New(sha256.New, secret[:])
	mac.Write(crypto.LittleEndianInt64(timestamp))
	return hex.EncodeToString(mac.Sum(nil))[:hmacHexLen]
}

// VerifyHMAC checks a scanned tag in constant time.
func VerifyHMAC(secret [32]byte, timestamp int64, tag string) bool {
	want := GenerateHMAC(secret, timestamp)
	return hmac.Equal([]byte(want), []byte(tag))
}

// NewQrPayload builds the QR code contents for an event at the given
// instant.
func NewQrPayload(eventID string, secret [32]byte, now time.Time) QrPayload {
	ts := now.Unix()
	return QrPayload{
		EventID:   eventID,
		Timestamp: ts,
		HMAC:      GenerateHMAC(secret, ts),
	}
}

// ValidateFreshness enforces the timing rules on a scanned QR timestamp:
// it must not predate the window, must not postdate a bounded window, must
// not be in the future, and must be at most 2*QRTTL old.
func ValidateFreshness(timestamp, windowStart int64, windowEnd *int64, now time.Time) error {
	if timestamp < windowStart {
		return errs.Wrapf(errs.KindInvalidProof, "qr timestamp %d predates window start %d", timestamp, windowStart)
	}
	if windowEnd != nil && timestamp > *windowEnd {
		return errs.Wrapf(errs.KindInvalidProof, "qr timestamp %d postdates window end %d", timestamp, *windowEnd)
	}
	age := now.Unix() - timestamp
	if age < 0 {
		return ErrQRExpired
	}
	if age > int64(2*QRTTL/time.Second) {
		return ErrQRExpired
	}
	return nil
}
