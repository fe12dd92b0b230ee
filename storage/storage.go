// Package storage is the sqlite cache behind the lifecycle service. The
// chain is the source of truth for everything here; rows are rebuilt by
// the reconciler after a wipe, so schema changes can be destructive.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"ckbpop/errs"
	"ckbpop/lifecycle"
	"ckbpop/proof"
)

type paymentIntentRow struct {
	EventID          string    `gorm:"column:event_id;primaryKey"`
	CreatorAddress   string    `gorm:"column:creator_address;not null"`
	CreatorSignature string    `gorm:"column:creator_signature;not null"`
	MetadataJSON     string    `gorm:"column:metadata_json;not null"`
	PreimageJSON     string    `gorm:"column:preimage_json;not null"`
	DeclaredAt       time.Time `gorm:"column:declared_at;not null"`
	ExpiresAt        time.Time `gorm:"column:expires_at;not null"`
}

func (paymentIntentRow) TableName() string { return "payment_intents" }

type paymentObservationRow struct {
	EventID            string    `gorm:"column:event_id;primaryKey"`
	PaymentTxHash      string    `gorm:"column:payment_tx_hash;not null;index"`
	PaymentBlockNumber uint64    `gorm:"column:payment_block_number;not null"`
	ObservedAt         time.Time `gorm:"column:observed_at;not null"`
}

func (paymentObservationRow) TableName() string { return "payment_observations" }

type activeEventRow struct {
	EventID            string    `gorm:"column:event_id;primaryKey"`
	MetadataJSON       string    `gorm:"column:metadata_json;not null"`
	CreatorAddress     string    `gorm:"column:creator_address;not null"`
	PaymentTxHash      string    `gorm:"column:payment_tx_hash;not null"`
	PaymentBlockNumber uint64    `gorm:"column:payment_block_number;not null"`
	ActivatedAt        time.Time `gorm:"column:activated_at;not null"`
	WindowJSON         *string   `gorm:"column:window_json"`
}

func (activeEventRow) TableName() string { return "active_events" }

type badgeObservationRow struct {
	EventID         string    `gorm:"column:event_id;primaryKey"`
	HolderAddress   string    `gorm:"column:holder_address;primaryKey"`
	MintTxHash      string    `gorm:"column:mint_tx_hash;not null;index"`
	MintBlockNumber uint64    `gorm:"column:mint_block_number;not null"`
	VerifiedAtBlock uint64    `gorm:"column:verified_at_block;not null"`
	ObservedAt      time.Time `gorm:"column:observed_at;not null"`
}

func (badgeObservationRow) TableName() string { return "badge_observations" }

type qrReplayRow struct {
	EventID   string    `gorm:"column:event_id;primaryKey"`
	Timestamp int64     `gorm:"column:timestamp;primaryKey"`
	UsedAt    time.Time `gorm:"column:used_at;not null"`
}

func (qrReplayRow) TableName() string { return "qr_replay_log" }

// Store wraps the sqlite database. It satisfies lifecycle.Store and the
// reconciler's badge sink.
type Store struct {
	db  *gorm.DB
	now func() time.Time
}

// Open opens (or creates) the database at path and migrates the schema.
// Use ":memory:" for an ephemeral store.
func Open(path string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open sqlite database %q: %w", path, err)
	}
	if err := db.AutoMigrate(
		&paymentIntentRow{},
		&paymentObservationRow{},
		&activeEventRow{},
		&badgeObservationRow{},
		&qrReplayRow{},
	); err != nil {
		return nil, fmt.Errorf("migrate schema: %w", err)
	}
	return &Store{db: db, now: time.Now}, nil
}

// Ping checks database liveness for health reporting.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func storeErr(op string, err error) error {
	return errs.Wrap(errs.KindTransient, fmt.Errorf("%s: %w", op, err))
}

func (s *Store) PutIntent(ctx context.Context, intent lifecycle.PaymentIntent) error {
	metadata, err := json.Marshal(intent.Metadata)
	if err != nil {
		return fmt.Errorf("marshal intent metadata: %w", err)
	}
	preimage, err := json.Marshal(intent.Preimage)
	if err != nil {
		return fmt.Errorf("marshal intent preimage: %w", err)
	}
	row := paymentIntentRow{
		EventID:          intent.Preimage.EventID(),
		CreatorAddress:   intent.CreatorAddress,
		CreatorSignature: intent.CreatorSignature,
		MetadataJSON:     string(metadata),
		PreimageJSON:     string(preimage),
		DeclaredAt:       intent.DeclaredAt,
		ExpiresAt:        intent.ExpiresAt,
	}
	err = s.db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(&row).Error
	if err != nil {
		return storeErr("put intent", err)
	}
	return nil
}

func (s *Store) Intent(ctx context.Context, eventID string) (*lifecycle.PaymentIntent, error) {
	var row paymentIntentRow
	err := s.db.WithContext(ctx).First(&row, "event_id = ?", eventID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, storeErr("load intent", err)
	}
	intent := lifecycle.PaymentIntent{
		CreatorAddress:   row.CreatorAddress,
		CreatorSignature: row.CreatorSignature,
		DeclaredAt:       row.DeclaredAt,
		ExpiresAt:        row.ExpiresAt,
	}
	if err := json.Unmarshal([]byte(row.MetadataJSON), &intent.Metadata); err != nil {
		return nil, fmt.Errorf("decode intent metadata for %s: %w", eventID, err)
	}
	if err := json.Unmarshal([]byte(row.PreimageJSON), &intent.Preimage); err != nil {
		return nil, fmt.Errorf("decode intent preimage for %s: %w", eventID, err)
	}
	return &intent, nil
}

func (s *Store) PutPaymentObservation(ctx context.Context, obs lifecycle.PaymentObservation) error {
	row := paymentObservationRow{
		EventID:            obs.EventID,
		PaymentTxHash:      obs.PaymentTxHash,
		PaymentBlockNumber: obs.PaymentBlockNumber,
		ObservedAt:         obs.ObservedAt,
	}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(&row).Error
	if err != nil {
		return storeErr("put payment observation", err)
	}
	return nil
}

func (s *Store) PaymentObservationByTx(ctx context.Context, txHash string) (*lifecycle.PaymentObservation, error) {
	var row paymentObservationRow
	err := s.db.WithContext(ctx).First(&row, "payment_tx_hash = ?", txHash).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, storeErr("load payment observation", err)
	}
	return &lifecycle.PaymentObservation{
		EventID:            row.EventID,
		PaymentTxHash:      row.PaymentTxHash,
		PaymentBlockNumber: row.PaymentBlockNumber,
		ObservedAt:         row.ObservedAt,
	}, nil
}

func (s *Store) PutEvent(ctx context.Context, event lifecycle.ActiveEvent) error {
	row, err := eventToRow(event)
	if err != nil {
		return err
	}
	err = s.db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(&row).Error
	if err != nil {
		return storeErr("put event", err)
	}
	return nil
}

func (s *Store) Event(ctx context.Context, eventID string) (*lifecycle.ActiveEvent, error) {
	var row activeEventRow
	err := s.db.WithContext(ctx).First(&row, "event_id = ?", eventID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, storeErr("load event", err)
	}
	event, err := rowToEvent(row)
	if err != nil {
		return nil, err
	}
	return &event, nil
}

// likeEscaper neutralizes LIKE metacharacters so a caller-supplied
// prefix always matches literally.
var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func (s *Store) EventsByPrefix(ctx context.Context, prefix string, limit int) ([]lifecycle.ActiveEvent, error) {
	var rows []activeEventRow
	err := s.db.WithContext(ctx).
		Where(`event_id LIKE ? ESCAPE '\'`, likeEscaper.Replace(prefix)+"%").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, storeErr("events by prefix", err)
	}
	return rowsToEvents(rows)
}

func (s *Store) ListEvents(ctx context.Context) ([]lifecycle.ActiveEvent, error) {
	var rows []activeEventRow
	if err := s.db.WithContext(ctx).Order("activated_at").Find(&rows).Error; err != nil {
		return nil, storeErr("list events", err)
	}
	return rowsToEvents(rows)
}

// ListEventIDs returns the ids of all active events, for the
// reconciler's args-to-event mapping.
func (s *Store) ListEventIDs(ctx context.Context) ([]string, error) {
	var ids []string
	err := s.db.WithContext(ctx).
		Model(&activeEventRow{}).
		Pluck("event_id", &ids).Error
	if err != nil {
		return nil, storeErr("list event ids", err)
	}
	return ids, nil
}

func (s *Store) SetEventWindow(ctx context.Context, eventID string, window *proof.WindowProof) error {
	var windowJSON *string
	if window != nil {
		encoded, err := json.Marshal(window)
		if err != nil {
			return fmt.Errorf("marshal window: %w", err)
		}
		text := string(encoded)
		windowJSON = &text
	}
	result := s.db.WithContext(ctx).
		Model(&activeEventRow{}).
		Where("event_id = ?", eventID).
		Update("window_json", windowJSON)
	if result.Error != nil {
		return storeErr("set event window", result.Error)
	}
	if result.RowsAffected == 0 {
		return lifecycle.ErrEventNotFound
	}
	return nil
}

func (s *Store) PutBadge(ctx context.Context, badge lifecycle.BadgeObservation) error {
	row := badgeObservationRow{
		EventID:         badge.EventID,
		HolderAddress:   badge.HolderAddress,
		MintTxHash:      badge.MintTxHash,
		MintBlockNumber: badge.MintBlockNumber,
		VerifiedAtBlock: badge.VerifiedAtBlock,
		ObservedAt:      badge.ObservedAt,
	}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(&row).Error
	if err != nil {
		return storeErr("put badge", err)
	}
	return nil
}

func (s *Store) BadgesByHolder(ctx context.Context, address string) ([]lifecycle.BadgeObservation, error) {
	return s.badges(ctx, "holder_address = ?", address)
}

func (s *Store) BadgesByEvent(ctx context.Context, eventID string) ([]lifecycle.BadgeObservation, error) {
	return s.badges(ctx, "event_id = ?", eventID)
}

// PendingBadges lists badges whose mint transaction has not been
// confirmed yet.
func (s *Store) PendingBadges(ctx context.Context) ([]lifecycle.BadgeObservation, error) {
	return s.badges(ctx, "mint_block_number = 0")
}

func (s *Store) badges(ctx context.Context, query string, args ...interface{}) ([]lifecycle.BadgeObservation, error) {
	var rows []badgeObservationRow
	err := s.db.WithContext(ctx).
		Where(query, args...).
		Order("observed_at").
		Find(&rows).Error
	if err != nil {
		return nil, storeErr("load badges", err)
	}
	badges := make([]lifecycle.BadgeObservation, 0, len(rows))
	for _, row := range rows {
		badges = append(badges, lifecycle.BadgeObservation{
			EventID:         row.EventID,
			HolderAddress:   row.HolderAddress,
			MintTxHash:      row.MintTxHash,
			MintBlockNumber: row.MintBlockNumber,
			VerifiedAtBlock: row.VerifiedAtBlock,
			ObservedAt:      row.ObservedAt,
		})
	}
	return badges, nil
}

// ConfirmBadge records the block a pending badge's mint transaction
// landed in, keyed by transaction hash.
func (s *Store) ConfirmBadge(ctx context.Context, mintTxHash string, blockNumber uint64) error {
	err := s.db.WithContext(ctx).
		Model(&badgeObservationRow{}).
		Where("mint_tx_hash = ?", mintTxHash).
		Updates(map[string]interface{}{
			"mint_block_number": blockNumber,
			"verified_at_block": blockNumber,
		}).Error
	if err != nil {
		return storeErr("confirm badge", err)
	}
	return nil
}

// Seen reports whether a QR timestamp was already spent for an event.
func (s *Store) Seen(ctx context.Context, eventID string, timestamp int64) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).
		Model(&qrReplayRow{}).
		Where("event_id = ? AND timestamp = ?", eventID, timestamp).
		Count(&count).Error
	if err != nil {
		return false, storeErr("replay lookup", err)
	}
	return count > 0, nil
}

// Spend marks a QR timestamp as used. The insert-or-ignore makes it
// atomic: of two racing submissions exactly one sees inserted=true.
func (s *Store) Spend(ctx context.Context, eventID string, timestamp int64) (bool, error) {
	row := qrReplayRow{EventID: eventID, Timestamp: timestamp, UsedAt: s.now()}
	result := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&row)
	if result.Error != nil {
		return false, storeErr("replay spend", result.Error)
	}
	return result.RowsAffected == 1, nil
}

// PurgeReplayLog drops replay entries older than the cutoff. Entries
// outlive the QR freshness window by a wide margin before being removed.
func (s *Store) PurgeReplayLog(ctx context.Context, before time.Time) (int64, error) {
	result := s.db.WithContext(ctx).
		Where("used_at < ?", before).
		Delete(&qrReplayRow{})
	if result.Error != nil {
		return 0, storeErr("purge replay log", result.Error)
	}
	return result.RowsAffected, nil
}

func eventToRow(event lifecycle.ActiveEvent) (activeEventRow, error) {
	metadata, err := json.Marshal(event.Metadata)
	if err != nil {
		return activeEventRow{}, fmt.Errorf("marshal event metadata: %w", err)
	}
	row := activeEventRow{
		EventID:            event.EventID,
		MetadataJSON:       string(metadata),
		CreatorAddress:     event.CreatorAddress,
		PaymentTxHash:      event.PaymentTxHash,
		PaymentBlockNumber: event.PaymentBlockNumber,
		ActivatedAt:        event.ActivatedAt,
	}
	if event.Window != nil {
		encoded, err := json.Marshal(event.Window)
		if err != nil {
			return activeEventRow{}, fmt.Errorf("marshal event window: %w", err)
		}
		text := string(encoded)
		row.WindowJSON = &text
	}
	return row, nil
}

func rowToEvent(row activeEventRow) (lifecycle.ActiveEvent, error) {
	event := lifecycle.ActiveEvent{
		EventID:            row.EventID,
		CreatorAddress:     row.CreatorAddress,
		PaymentTxHash:      row.PaymentTxHash,
		PaymentBlockNumber: row.PaymentBlockNumber,
		ActivatedAt:        row.ActivatedAt,
	}
	if err := json.Unmarshal([]byte(row.MetadataJSON), &event.Metadata); err != nil {
		return lifecycle.ActiveEvent{}, fmt.Errorf("decode event metadata for %s: %w", row.EventID, err)
	}
	if row.WindowJSON != nil {
		var window proof.WindowProof
		if err := json.Unmarshal([]byte(*row.WindowJSON), &window); err != nil {
			return lifecycle.ActiveEvent{}, fmt.Errorf("decode event window for %s: %w", row.EventID, err)
		}
		event.Window = &window
	}
	return event, nil
}

func rowsToEvents(rows []activeEventRow) ([]lifecycle.ActiveEvent, error) {
	events := make([]lifecycle.ActiveEvent, 0, len(rows))
	for _, row := range rows {
		event, err := rowToEvent(row)
		if err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	return events, nil
}
