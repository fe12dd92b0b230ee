// Package recon keeps the cache converged with the chain: it rebuilds
// badge observations from indexed cells after a database wipe, promotes
// pending badge mints once their transactions commit, and retires stale
// replay-log rows.
package recon

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"strings"
	"time"

	"ckbpop/crypto"
	"ckbpop/lifecycle"
	"ckbpop/observability"
	"ckbpop/rpc"
)

const (
	DefaultSweepInterval   = 15 * time.Second
	DefaultReplayRetention = 24 * time.Hour
	defaultPageSize        = 100
)

// badgeArgsLen is the type-script args size of a badge cell:
// sha256(event_id) (32 bytes) followed by the recipient hash (32 bytes).
const badgeArgsLen = 64

// Store is the slice of the cache the reconciler reads and writes.
type Store interface {
	ListEventIDs(ctx context.Context) ([]string, error)
	PutBadge(ctx context.Context, badge lifecycle.BadgeObservation) error
	PendingBadges(ctx context.Context) ([]lifecycle.BadgeObservation, error)
	ConfirmBadge(ctx context.Context, mintTxHash string, blockNumber uint64) error
	PurgeReplayLog(ctx context.Context, before time.Time) (int64, error)
}

// Ledger is the chain access the reconciler needs.
type Ledger interface {
	Transaction(ctx context.Context, txHash string) (*rpc.TransactionStatus, error)
	Cells(ctx context.Context, key rpc.SearchKey, cursor string, limit int) (*rpc.CellPage, error)
}

// Config wires a Reconciler. Store, Ledger, and BadgeCodeHash are
// required; zero durations get defaults.
type Config struct {
	Store           Store
	Ledger          Ledger
	BadgeCodeHash   string
	AddressPrefix   crypto.Prefix
	SweepInterval   time.Duration
	ReplayRetention time.Duration
	PageSize        int
	Logger          *slog.Logger
	Now             func() time.Time
}

type Reconciler struct {
	store           Store
	ledger          Ledger
	badgeCodeHash   string
	addressPrefix   crypto.Prefix
	sweepInterval   time.Duration
	replayRetention time.Duration
	pageSize        int
	log             *slog.Logger
	metrics         *observability.ReconMetrics
	now             func() time.Time
}

func New(cfg Config) *Reconciler {
	r := &Reconciler{
		store:           cfg.Store,
		ledger:          cfg.Ledger,
		badgeCodeHash:   cfg.BadgeCodeHash,
		addressPrefix:   cfg.AddressPrefix,
		sweepInterval:   cfg.SweepInterval,
		replayRetention: cfg.ReplayRetention,
		pageSize:        cfg.PageSize,
		log:             cfg.Logger,
		metrics:         observability.Recon(),
		now:             cfg.Now,
	}
	if r.sweepInterval <= 0 {
		r.sweepInterval = DefaultSweepInterval
	}
	if r.replayRetention <= 0 {
		r.replayRetention = DefaultReplayRetention
	}
	if r.pageSize <= 0 {
		r.pageSize = defaultPageSize
	}
	if r.addressPrefix == "" {
		r.addressPrefix = crypto.TestnetPrefix
	}
	if r.log == nil {
		r.log = slog.Default()
	}
	if r.now == nil {
		r.now = time.Now
	}
	return r
}

// Rehydrate scans the chain for badge cells and upserts them into the
// cache, so badge history survives a database wipe. Cells whose event
// hash does not match a known event, or whose scripts are malformed, are
// skipped and logged rather than failing the scan.
func (r *Reconciler) Rehydrate(ctx context.Context) (int, error) {
	ids, err := r.store.ListEventIDs(ctx)
	if err != nil {
		return 0, err
	}
	// Badge args carry sha256(event_id), not the id itself.
	byHash := make(map[string]string, len(ids))
	for _, id := range ids {
		sum := sha256.Sum256([]byte(id))
		byHash[hex.EncodeToString(sum[:])] = id
	}

	key := rpc.SearchKey{
		Script: rpc.Script{
			CodeHash: r.badgeCodeHash,
			HashType: "type",
			Args:     "0x",
		},
		ScriptType: "type",
	}

	total := 0
	cursor := ""
	for {
		page, err := r.ledger.Cells(ctx, key, cursor, r.pageSize)
		if err != nil {
			return total, err
		}
		if len(page.Objects) == 0 {
			break
		}
		for _, cell := range page.Objects {
			badge, ok := r.badgeFromCell(cell, byHash)
			if !ok {
				continue
			}
			if err := r.store.PutBadge(ctx, badge); err != nil {
				r.log.Warn("failed to store rehydrated badge",
					slog.String("mint_tx", badge.MintTxHash),
					slog.Any("error", err))
				continue
			}
			total++
		}
		cursor = page.LastCursor
		if cursor == "" {
			break
		}
	}
	r.metrics.ObserveRehydrated(total)
	r.log.Info("chain rehydration complete", slog.Int("badges", total))
	return total, nil
}

func (r *Reconciler) badgeFromCell(cell rpc.Cell, byHash map[string]string) (lifecycle.BadgeObservation, bool) {
	if cell.Output.Type == nil {
		return lifecycle.BadgeObservation{}, false
	}
	args, err := hex.DecodeString(strings.TrimPrefix(cell.Output.Type.Args, "0x"))
	if err != nil || len(args) < badgeArgsLen {
		r.log.Debug("skipping badge cell with malformed args",
			slog.String("tx", cell.OutPoint.TxHash))
		return lifecycle.BadgeObservation{}, false
	}
	eventID, ok := byHash[hex.EncodeToString(args[:32])]
	if !ok {
		r.log.Debug("skipping badge cell for unknown event",
			slog.String("tx", cell.OutPoint.TxHash))
		return lifecycle.BadgeObservation{}, false
	}

	holder, err := holderAddress(r.addressPrefix, cell.Output.Lock)
	if err != nil {
		r.log.Debug("skipping badge cell with unencodable lock",
			slog.String("tx", cell.OutPoint.TxHash),
			slog.Any("error", err))
		return lifecycle.BadgeObservation{}, false
	}

	block := uint64(cell.BlockNumber)
	return lifecycle.BadgeObservation{
		EventID:         eventID,
		HolderAddress:   holder,
		MintTxHash:      cell.OutPoint.TxHash,
		MintBlockNumber: block,
		VerifiedAtBlock: block,
		ObservedAt:      r.now(),
	}, true
}

// holderAddress re-encodes a cell's lock script as a wallet address, so
// rehydrated rows match the addresses attendees query with.
func holderAddress(prefix crypto.Prefix, lock rpc.Script) (string, error) {
	codeHash, err := hex.DecodeString(strings.TrimPrefix(lock.CodeHash, "0x"))
	if err != nil || len(codeHash) != 32 {
		return "", crypto.ErrInvalidAddress
	}
	hashType, err := crypto.ParseHashType(lock.HashType)
	if err != nil {
		return "", err
	}
	args, err := hex.DecodeString(strings.TrimPrefix(lock.Args, "0x"))
	if err != nil {
		return "", crypto.ErrInvalidAddress
	}
	var script crypto.Script
	copy(script.CodeHash[:], codeHash)
	script.HashType = hashType
	script.Args = args
	return crypto.EncodeAddress(prefix, script)
}

// ConfirmPending resolves block numbers for badges whose mint
// transactions were unconfirmed when observed. Failures on individual
// badges are logged and retried on the next sweep.
func (r *Reconciler) ConfirmPending(ctx context.Context) {
	pending, err := r.store.PendingBadges(ctx)
	if err != nil {
		r.log.Warn("failed to list pending badges", slog.Any("error", err))
		r.metrics.ObserveSweepError()
		return
	}
	for _, badge := range pending {
		status, err := r.ledger.Transaction(ctx, badge.MintTxHash)
		if err != nil {
			r.log.Debug("pending badge status unavailable",
				slog.String("mint_tx", badge.MintTxHash),
				slog.Any("error", err))
			continue
		}
		if !status.Confirmed() || status.BlockNumber == 0 {
			continue
		}
		if err := r.store.ConfirmBadge(ctx, badge.MintTxHash, status.BlockNumber); err != nil {
			r.log.Warn("failed to confirm badge",
				slog.String("mint_tx", badge.MintTxHash),
				slog.Any("error", err))
			continue
		}
		r.metrics.ObserveConfirmed()
		r.log.Info("badge mint confirmed",
			slog.String("mint_tx", badge.MintTxHash),
			slog.Uint64("block", status.BlockNumber))
	}
}

func (r *Reconciler) purgeReplayLog(ctx context.Context) {
	cutoff := r.now().Add(-r.replayRetention)
	purged, err := r.store.PurgeReplayLog(ctx, cutoff)
	if err != nil {
		r.log.Warn("replay log purge failed", slog.Any("error", err))
		r.metrics.ObserveSweepError()
		return
	}
	if purged > 0 {
		r.metrics.ObservePurged(purged)
		r.log.Debug("purged replay log", slog.Int64("rows", purged))
	}
}

// Run sweeps until the context is cancelled: each tick confirms pending
// badge mints and purges expired replay entries.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.ConfirmPending(ctx)
			r.purgeReplayLog(ctx)
		}
	}
}
