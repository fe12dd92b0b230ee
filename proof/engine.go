package proof

import (
	"context"
	"fmt"
	"time"

	"ckbpop/crypto"
	"ckbpop/errs"
)

var (
	ErrWindowNotOpen  = errs.New(errs.KindConflict, "event has no attendance window")
	ErrWindowClosed   = errs.New(errs.KindConflict, "attendance window is closed")
	ErrReplayDetected = errs.New(errs.KindConflict, "qr code already spent by this event")
	ErrEventMismatch  = errs.New(errs.KindInvalidProof, "qr payload is for a different event")
)

// WindowSource resolves the current attendance window for an event.
// Implementations return a not-found error when the event is unknown and
// ErrWindowNotOpen when the event exists but has no window yet.
type WindowSource interface {
	EventWindow(ctx context.Context, eventID string) (*WindowProof, error)
}

// ReplayLog tracks spent QR timestamps per event. Spend must be atomic:
// exactly one of two concurrent calls for the same (event, timestamp)
// reports inserted=true.
type ReplayLog interface {
	Seen(ctx context.Context, eventID string, timestamp int64) (bool, error)
	Spend(ctx context.Context, eventID string, timestamp int64) (inserted bool, err error)
}

// Engine runs the attendance verification pipeline against a window
// source and a replay log.
type Engine struct {
	windows WindowSource
	replays ReplayLog
	now     func() time.Time
}

// NewEngine builds an engine over a window source and a replay log. A
// nil clock defaults to time.Now; callers with their own clock pass it
// through so issuance and verification share one notion of time.
func NewEngine(windows WindowSource, replays ReplayLog, now func() time.Time) *Engine {
	if now == nil {
		now = time.Now
	}
	return &Engine{windows: windows, replays: replays, now: now}
}

// Verify checks an attendance proof without consuming it. Checks run
// cheapest-first: window state, HMAC, freshness, wallet signature, and
// only then the replay log. Failures are typed so callers can map them to
// transport responses.
func (e *Engine) Verify(ctx context.Context, p AttendanceProof) error {
	if p.QR.EventID != p.EventID {
		return ErrEventMismatch
	}
	window, err := e.windows.EventWindow(ctx, p.EventID)
	if err != nil {
		return err
	}
	if window == nil {
		return ErrWindowNotOpen
	}
	if !window.IsOpenAt(e.now()) {
		return ErrWindowClosed
	}

	secret := DeriveWindowSecret(p.EventID, window.WindowStart, window.CreatorSignature)
	if !VerifyHMAC(secret, p.QR.Timestamp, p.QR.HMAC) {
		return ErrInvalidQRHMAC
	}
	if err := ValidateFreshness(p.QR.Timestamp, window.WindowStart, window.WindowEnd, e.now()); err != nil {
		return err
	}
	if err := crypto.VerifyAddressSignature(p.SignedMessage(), p.AttendeeSignature, p.AttendeeAddress); err != nil {
		return err
	}

	seen, err := e.replays.Seen(ctx, p.EventID, p.QR.Timestamp)
	if err != nil {
		return errs.Wrap(errs.KindTransient, fmt.Errorf("replay lookup: %w", err))
	}
	if seen {
		return ErrReplayDetected
	}
	return nil
}

// Record verifies a proof and spends its QR timestamp. The spend is the
// single atomic step, so two racing submissions of the same QR cannot
// both succeed.
func (e *Engine) Record(ctx context.Context, p AttendanceProof) error {
	if err := e.Verify(ctx, p); err != nil {
		return err
	}
	inserted, err := e.replays.Spend(ctx, p.EventID, p.QR.Timestamp)
	if err != nil {
		return errs.Wrap(errs.KindTransient, fmt.Errorf("replay spend: %w", err))
	}
	if !inserted {
		return ErrReplayDetected
	}
	return nil
}

// IssueQR produces a fresh QR payload for an event with an open window.
func (e *Engine) IssueQR(ctx context.Context, eventID string) (QrPayload, error) {
	window, err := e.windows.EventWindow(ctx, eventID)
	if err != nil {
		return QrPayload{}, err
	}
	if window == nil {
		return QrPayload{}, ErrWindowNotOpen
	}
	now := e.now()
	if !window.IsOpenAt(now) {
		return QrPayload{}, ErrWindowClosed
	}
	secret := DeriveWindowSecret(eventID, window.WindowStart, window.CreatorSignature)
	return NewQrPayload(eventID, secret, now), nil
}
