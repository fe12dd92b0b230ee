package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"ckbpop/crypto"
	"ckbpop/errs"
	"ckbpop/proof"
	"ckbpop/rpc"
)

const eventIDHexLen = 64

var (
	ErrEventNotFound       = errs.New(errs.KindNotFound, "event not found")
	ErrIntentNotFound      = errs.New(errs.KindNotFound, "payment intent not found")
	ErrIntentExpired       = errs.New(errs.KindConflict, "payment intent expired")
	ErrPaymentNotFound     = errs.New(errs.KindNotFound, "payment transaction not found")
	ErrPaymentNotConfirmed = errs.New(errs.KindConflict, "payment not yet confirmed")
	ErrAmbiguousEventID    = errs.New(errs.KindConflict, "event id prefix matches multiple events")
	ErrInvalidIntent       = errs.New(errs.KindInvalidProof, "invalid payment intent")
)

// Store is the cache the service reads and writes. All writes are
// idempotent upserts except SpendQR, which must be atomic
// insert-if-absent.
type Store interface {
	PutIntent(ctx context.Context, intent PaymentIntent) error
	Intent(ctx context.Context, eventID string) (*PaymentIntent, error)

	PutPaymentObservation(ctx context.Context, obs PaymentObservation) error
	PaymentObservationByTx(ctx context.Context, txHash string) (*PaymentObservation, error)

	PutEvent(ctx context.Context, event ActiveEvent) error
	Event(ctx context.Context, eventID string) (*ActiveEvent, error)
	EventsByPrefix(ctx context.Context, prefix string, limit int) ([]ActiveEvent, error)
	ListEvents(ctx context.Context) ([]ActiveEvent, error)
	SetEventWindow(ctx context.Context, eventID string, window *proof.WindowProof) error

	PutBadge(ctx context.Context, badge BadgeObservation) error
	BadgesByHolder(ctx context.Context, address string) ([]BadgeObservation, error)
	BadgesByEvent(ctx context.Context, eventID string) ([]BadgeObservation, error)

	proof.ReplayLog
}

// Ledger is the chain access the service needs: transaction status and
// tip height. *rpc.Client satisfies it.
type Ledger interface {
	Transaction(ctx context.Context, txHash string) (*rpc.TransactionStatus, error)
	TipBlockNumber(ctx context.Context) (uint64, error)
}

// Service implements the event lifecycle over a store and a ledger.
type Service struct {
	store  Store
	ledger Ledger
	engine *proof.Engine
	log    *slog.Logger
	now    func() time.Time
}

func NewService(store Store, ledger Ledger, log *slog.Logger) *Service {
	s := &Service{
		store:  store,
		ledger: ledger,
		log:    log,
		now:    time.Now,
	}
	// The closure keeps the engine on the service clock even when s.now
	// is swapped after construction.
	s.engine = proof.NewEngine(s, store, func() time.Time { return s.now() })
	return s
}

// EventWindow resolves the attendance window for an event, satisfying
// the verification engine's window source. A nil window with nil error
// means the event exists but has no window.
func (s *Service) EventWindow(ctx context.Context, eventID string) (*proof.WindowProof, error) {
	event, err := s.store.Event(ctx, eventID)
	if err != nil {
		return nil, err
	}
	if event == nil {
		return nil, ErrEventNotFound
	}
	return event.Window, nil
}

// SubmitIntent validates and stores a payment intent, returning the
// record as persisted (declared/expiry timestamps filled in). The
// creator address must be a valid secp256k1 address and must match the
// preimage.
func (s *Service) SubmitIntent(ctx context.Context, intent PaymentIntent) (*PaymentIntent, error) {
	if _, script, err := crypto.ParseAddress(intent.CreatorAddress); err != nil {
		return nil, err
	} else if !script.IsSecpLock() {
		return nil, crypto.ErrUnsupportedLockScript
	}
	if intent.Preimage.CreatorAddress != intent.CreatorAddress {
		return nil, fmt.Errorf("%w: preimage creator does not match intent creator", ErrInvalidIntent)
	}
	if _, err := crypto.DecodeSignature(intent.CreatorSignature); err != nil {
		return nil, err
	}

	now := s.now()
	if intent.DeclaredAt.IsZero() {
		intent.DeclaredAt = now
	}
	if intent.ExpiresAt.IsZero() {
		intent.ExpiresAt = intent.DeclaredAt.Add(IntentTTL)
	}

	if err := s.store.PutIntent(ctx, intent); err != nil {
		return nil, errs.Wrap(errs.KindTransient, fmt.Errorf("store intent: %w", err))
	}
	s.log.Info("payment intent declared",
		slog.String("event_id", intent.Preimage.EventID()),
		slog.String("creator", intent.CreatorAddress),
		slog.Time("expires_at", intent.ExpiresAt))
	return &intent, nil
}

// Activate turns a declared intent into an active event once its payment
// transaction is committed on chain. Activating an already-active event
// returns the existing record without touching the ledger.
func (s *Service) Activate(ctx context.Context, eventID, txHash string) (*ActiveEvent, error) {
	existing, err := s.store.Event(ctx, eventID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	intent, err := s.store.Intent(ctx, eventID)
	if err != nil {
		return nil, err
	}
	if intent == nil {
		return nil, ErrIntentNotFound
	}
	if intent.Expired(s.now()) {
		return nil, ErrIntentExpired
	}

	status, err := s.ledger.Transaction(ctx, txHash)
	if err != nil {
		return nil, err
	}
	if status == nil {
		return nil, ErrPaymentNotFound
	}
	if !status.Confirmed() || status.BlockNumber == 0 {
		return nil, ErrPaymentNotConfirmed
	}

	now := s.now()
	obs := PaymentObservation{
		EventID:            eventID,
		PaymentTxHash:      txHash,
		PaymentBlockNumber: status.BlockNumber,
		ObservedAt:         now,
	}
	if err := s.store.PutPaymentObservation(ctx, obs); err != nil {
		return nil, errs.Wrap(errs.KindTransient, fmt.Errorf("store payment observation: %w", err))
	}

	event := ActiveEvent{
		EventID:            eventID,
		Metadata:           intent.Metadata,
		CreatorAddress:     intent.CreatorAddress,
		PaymentTxHash:      txHash,
		PaymentBlockNumber: status.BlockNumber,
		ActivatedAt:        now,
	}
	if err := s.store.PutEvent(ctx, event); err != nil {
		return nil, errs.Wrap(errs.KindTransient, fmt.Errorf("store event: %w", err))
	}
	s.log.Info("event activated",
		slog.String("event_id", eventID),
		slog.String("payment_tx", txHash),
		slog.Uint64("block", status.BlockNumber))
	return &event, nil
}

// SetWindow opens (or replaces) the attendance window for an active
// event. The signature must be the event creator's, over the canonical
// window message, so only the creator can rotate the QR secret.
func (s *Service) SetWindow(ctx context.Context, eventID string, start int64, end *int64, creatorSignature string) (*proof.WindowProof, error) {
	event, err := s.store.Event(ctx, eventID)
	if err != nil {
		return nil, err
	}
	if event == nil {
		return nil, ErrEventNotFound
	}
	if end != nil && *end <= start {
		return nil, errs.Wrapf(errs.KindInvalidProof, "window end %d is not after start %d", *end, start)
	}

	message := proof.WindowMessage(eventID, start, end)
	if err := crypto.VerifyAddressSignature(message, creatorSignature, event.CreatorAddress); err != nil {
		return nil, err
	}

	secret := proof.DeriveWindowSecret(eventID, start, creatorSignature)
	window := &proof.WindowProof{
		EventID:          eventID,
		WindowStart:      start,
		WindowEnd:        end,
		CreatorSignature: creatorSignature,
		SecretCommitment: proof.SecretCommitment(secret),
	}
	if err := s.store.SetEventWindow(ctx, eventID, window); err != nil {
		return nil, errs.Wrap(errs.KindTransient, fmt.Errorf("store window: %w", err))
	}
	s.log.Info("attendance window set",
		slog.String("event_id", eventID),
		slog.Int64("start", start),
		slog.Bool("open_ended", end == nil))
	return window, nil
}

// IssueQR generates the current rotating QR code for an event.
func (s *Service) IssueQR(ctx context.Context, eventID string) (*QRIssue, error) {
	qr, err := s.engine.IssueQR(ctx, eventID)
	if err != nil {
		return nil, err
	}
	window, err := s.EventWindow(ctx, eventID)
	if err != nil {
		return nil, err
	}
	ttl := int(proof.QRTTL / time.Second)
	issue := &QRIssue{
		QRData:     qr.Encode(),
		TTLSeconds: ttl,
		ExpiresAt:  qr.Timestamp + int64(ttl),
	}
	if window != nil {
		issue.WindowEnd = window.WindowEnd
	}
	return issue, nil
}

// VerifyAttendance checks a proof without consuming the QR code.
func (s *Service) VerifyAttendance(ctx context.Context, p proof.AttendanceProof) error {
	return s.engine.Verify(ctx, p)
}

// RecordAttendance checks a proof and spends its QR code.
func (s *Service) RecordAttendance(ctx context.Context, p proof.AttendanceProof) error {
	if err := s.engine.Record(ctx, p); err != nil {
		return err
	}
	s.log.Info("attendance recorded",
		slog.String("event_id", p.EventID),
		slog.String("attendee", p.AttendeeAddress))
	return nil
}

// RecordPendingBadge stores a badge observation for a mint transaction
// that has been submitted but not yet confirmed. The reconciler fills in
// the block number once the transaction commits.
func (s *Service) RecordPendingBadge(ctx context.Context, eventID, holderAddress, mintTxHash string) (*BadgeObservation, error) {
	event, err := s.store.Event(ctx, eventID)
	if err != nil {
		return nil, err
	}
	if event == nil {
		return nil, ErrEventNotFound
	}
	if _, _, err := crypto.ParseAddress(holderAddress); err != nil {
		return nil, err
	}

	badge := BadgeObservation{
		EventID:       eventID,
		HolderAddress: holderAddress,
		MintTxHash:    mintTxHash,
		ObservedAt:    s.now(),
	}
	if err := s.store.PutBadge(ctx, badge); err != nil {
		return nil, errs.Wrap(errs.KindTransient, fmt.Errorf("store badge: %w", err))
	}
	return &badge, nil
}

// Events lists all active events.
func (s *Service) Events(ctx context.Context) ([]ActiveEvent, error) {
	return s.store.ListEvents(ctx)
}

// EventByID resolves an event by its full 64-char id or a unique prefix.
// A prefix matching more than one event is rejected rather than guessed.
func (s *Service) EventByID(ctx context.Context, idOrPrefix string) (*ActiveEvent, error) {
	if idOrPrefix == "" {
		return nil, ErrEventNotFound
	}
	if len(idOrPrefix) == eventIDHexLen {
		event, err := s.store.Event(ctx, idOrPrefix)
		if err != nil {
			return nil, err
		}
		if event == nil {
			return nil, ErrEventNotFound
		}
		return event, nil
	}
	matches, err := s.store.EventsByPrefix(ctx, idOrPrefix, 2)
	if err != nil {
		return nil, err
	}
	switch len(matches) {
	case 0:
		return nil, ErrEventNotFound
	case 1:
		return &matches[0], nil
	default:
		return nil, ErrAmbiguousEventID
	}
}

// BadgesByHolder lists badges for a wallet address, optionally stamping
// the result with the current tip height.
func (s *Service) BadgesByHolder(ctx context.Context, address string, verify bool) (*BadgeList, error) {
	badges, err := s.store.BadgesByHolder(ctx, address)
	if err != nil {
		return nil, err
	}
	return s.badgeList(ctx, badges, verify), nil
}

// BadgesByEvent lists badges minted for an event.
func (s *Service) BadgesByEvent(ctx context.Context, eventID string, verify bool) (*BadgeList, error) {
	badges, err := s.store.BadgesByEvent(ctx, eventID)
	if err != nil {
		return nil, err
	}
	return s.badgeList(ctx, badges, verify), nil
}

func (s *Service) badgeList(ctx context.Context, badges []BadgeObservation, verify bool) *BadgeList {
	list := &BadgeList{Badges: badges, Cached: !verify}
	if verify {
		// Best effort: a flaky node should not fail a cache read.
		if tip, err := s.ledger.TipBlockNumber(ctx); err == nil {
			list.VerifiedAtBlock = &tip
		} else {
			s.log.Warn("tip height unavailable for badge verification", slog.Any("error", err))
		}
	}
	return list
}

// PaymentStatus reports the state of a payment transaction. Without
// verify it answers from a stored observation when one exists; otherwise
// (or with verify) it asks the node.
func (s *Service) PaymentStatus(ctx context.Context, txHash string, verify bool) (*PaymentStatus, error) {
	if !verify {
		obs, err := s.store.PaymentObservationByTx(ctx, txHash)
		if err != nil {
			return nil, err
		}
		if obs != nil {
			block := obs.PaymentBlockNumber
			return &PaymentStatus{
				EventID:     obs.EventID,
				TxHash:      obs.PaymentTxHash,
				Confirmed:   true,
				BlockNumber: &block,
				Cached:      true,
			}, nil
		}
	}

	status, err := s.ledger.Transaction(ctx, txHash)
	if err != nil {
		return nil, err
	}
	if status == nil {
		return nil, ErrPaymentNotFound
	}
	result := &PaymentStatus{TxHash: txHash, Confirmed: status.Confirmed()}
	if status.BlockNumber > 0 {
		block := status.BlockNumber
		result.BlockNumber = &block
	}
	return result, nil
}
