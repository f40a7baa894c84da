// Package settlement turns confirmed transfers into exactly-once ledger settlements and
// provisions ledger accounts on first use.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"

	"github.com/textpay/textpay/internal/address"
	"github.com/textpay/textpay/internal/directory"
	"github.com/textpay/textpay/internal/ledger"
)

var (
	// ErrProvisioningFailed is returned once provisioning retries are exhausted.
	ErrProvisioningFailed = errors.New("provisioning failed")

	// ErrNotSubmitted means the transfer never reached the ledger and is safe to retry.
	ErrNotSubmitted = errors.New("settlement not submitted")

	// ErrSettlementFailed means the ledger received and rejected the transfer.
	ErrSettlementFailed = errors.New("settlement failed")

	// ErrSettlementAmbiguous means the transfer may or may not have settled.
	ErrSettlementAmbiguous = errors.New("settlement outcome unknown")

	// ErrInvalidAmount is returned for amounts that are not positive or that carry more
	// precision than the asset supports.
	ErrInvalidAmount = errors.New("invalid amount")
)

const (
	defaultProvisionAttempts = 3
	defaultProvisionBackoff  = 500 * time.Millisecond
	defaultSettleTimeout     = 30 * time.Second
	defaultProvisionTimeout  = 30 * time.Second
	// Solana blockhashes expire after roughly 150 slots; two minutes leaves margin.
	defaultValidityWindow = 2 * time.Minute
)

// Resolution is the reconciled outcome of a previously prepared reference.
type Resolution int

const (
	// ResolutionUnknown means the outcome cannot be decided yet.
	ResolutionUnknown Resolution = iota
	// ResolutionSettled means the ledger confirmed the transfer.
	ResolutionSettled
	// ResolutionFailed means the ledger executed and rejected the transfer.
	ResolutionFailed
	// ResolutionDropped means the reference is absent past its validity window and can
	// no longer land.
	ResolutionDropped
)

func (r Resolution) String() string {
	switch r {
	case ResolutionSettled:
		return "settled"
	case ResolutionFailed:
		return "failed"
	case ResolutionDropped:
		return "dropped"
	default:
		return "unknown"
	}
}

// Config tunes retries and timeouts. ProvisionTimeout bounds each ledger provisioning
// attempt; SettleTimeout bounds one submission including confirmation.
type Config struct {
	ProvisionAttempts int
	ProvisionBackoff  time.Duration
	ProvisionTimeout  time.Duration
	SettleTimeout     time.Duration
	ValidityWindow    time.Duration
	Decimals          uint8
}

// SettleRequest identifies a transfer to prepare.
type SettleRequest struct {
	ActionID      string
	SenderHash    string
	RecipientHash string
	Amount        decimal.Decimal
	Memo          string
}

// Adapter wraps a ledger with provisioning, classification and journaling.
type Adapter struct {
	ledger    ledger.Ledger
	directory directory.Repository
	deriver   *address.Deriver
	journal   Journal
	logger    *slog.Logger
	cfg       Config

	group singleflight.Group
	now   func() time.Time
	sleep func(context.Context, time.Duration) error
}

// NewAdapter builds a settlement adapter. A nil journal keeps attempts in memory.
func NewAdapter(l ledger.Ledger, dir directory.Repository, deriver *address.Deriver, journal Journal, logger *slog.Logger, cfg Config) *Adapter {
	if cfg.ProvisionAttempts <= 0 {
		cfg.ProvisionAttempts = defaultProvisionAttempts
	}
	if cfg.ProvisionBackoff <= 0 {
		cfg.ProvisionBackoff = defaultProvisionBackoff
	}
	if cfg.ProvisionTimeout <= 0 {
		cfg.ProvisionTimeout = defaultProvisionTimeout
	}
	if cfg.SettleTimeout <= 0 {
		cfg.SettleTimeout = defaultSettleTimeout
	}
	if cfg.ValidityWindow <= 0 {
		cfg.ValidityWindow = defaultValidityWindow
	}
	if journal == nil {
		journal = NewMemoryJournal()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{
		ledger:    l,
		directory: dir,
		deriver:   deriver,
		journal:   journal,
		logger:    logger,
		cfg:       cfg,
		now:       time.Now,
		sleep:     sleepContext,
	}
}

// Journal exposes the attempt journal.
func (a *Adapter) Journal() Journal { return a.journal }

// Units converts a decimal amount to the asset's smallest unit.
func (a *Adapter) Units(amount decimal.Decimal) (uint64, error) {
	return ToUnits(amount, a.cfg.Decimals)
}

// ToUnits converts amount to an integer count of 10^-decimals units.
func ToUnits(amount decimal.Decimal, decimals uint8) (uint64, error) {
	if !amount.IsPositive() {
		return 0, fmt.Errorf("%w: must be positive", ErrInvalidAmount)
	}
	shifted := amount.Shift(int32(decimals))
	if !shifted.IsInteger() {
		return 0, fmt.Errorf("%w: at most %d decimal places", ErrInvalidAmount, decimals)
	}
	if !shifted.BigInt().IsUint64() {
		return 0, fmt.Errorf("%w: too large", ErrInvalidAmount)
	}
	return shifted.BigInt().Uint64(), nil
}

// ProvisionIfNeeded creates the ledger accounts for identityHash unless the directory
// already marks them initialized. Concurrent calls for the same hash share one flight.
// The flight runs detached from every caller and is bounded by the attempt count and
// ProvisionTimeout; each caller waits for it only as long as its own ctx allows.
func (a *Adapter) ProvisionIfNeeded(ctx context.Context, identityHash string) error {
	flight := context.WithoutCancel(ctx)
	ch := a.group.DoChan(identityHash, func() (any, error) {
		return nil, a.provision(flight, identityHash)
	})
	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", ErrProvisioningFailed, ctx.Err())
	}
}

func (a *Adapter) provision(ctx context.Context, identityHash string) error {
	rec, err := a.directory.Ensure(ctx, identityHash)
	if err != nil {
		return fmt.Errorf("load record: %w", err)
	}
	if rec.LedgerInitialized {
		return nil
	}
	pair, err := a.deriver.Derive(identityHash)
	if err != nil {
		return err
	}

	backoff := a.cfg.ProvisionBackoff
	var lastErr error
	for attempt := 1; attempt <= a.cfg.ProvisionAttempts; attempt++ {
		lastErr = a.provisionOnce(ctx, identityHash, pair)
		if lastErr == nil || errors.Is(lastErr, ledger.ErrAlreadyProvisioned) {
			return a.markInitialized(ctx, identityHash)
		}
		a.logger.Warn("provision attempt failed",
			slog.String("identity_hash", identityHash),
			slog.Int("attempt", attempt),
			slog.Any("error", lastErr))
		if attempt == a.cfg.ProvisionAttempts {
			break
		}
		if err := a.sleep(ctx, backoff); err != nil {
			lastErr = err
			break
		}
		backoff *= 2
	}
	return fmt.Errorf("%w: %w", ErrProvisioningFailed, lastErr)
}

func (a *Adapter) provisionOnce(ctx context.Context, identityHash string, pair address.Pair) error {
	attemptCtx, cancel := context.WithTimeout(ctx, a.cfg.ProvisionTimeout)
	defer cancel()
	return a.ledger.Provision(attemptCtx, identityHash, pair)
}

func (a *Adapter) markInitialized(ctx context.Context, identityHash string) error {
	_, err := a.directory.Update(ctx, identityHash, func(rec *directory.Record) error {
		rec.LedgerInitialized = true
		return nil
	})
	if err != nil {
		return fmt.Errorf("mark ledger initialized: %w", err)
	}
	return nil
}

// Prepare derives both account pairs and builds a signed submission. The returned
// Reference is final; nothing has been sent.
func (a *Adapter) Prepare(ctx context.Context, req SettleRequest) (*ledger.Submission, error) {
	units, err := a.Units(req.Amount)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSettlementFailed, err)
	}
	from, err := a.deriver.Derive(req.SenderHash)
	if err != nil {
		return nil, fmt.Errorf("%w: sender: %w", ErrSettlementFailed, err)
	}
	to, err := a.deriver.Derive(req.RecipientHash)
	if err != nil {
		return nil, fmt.Errorf("%w: recipient: %w", ErrSettlementFailed, err)
	}

	sub, err := a.ledger.Prepare(ctx, ledger.Transfer{
		ActionID:      req.ActionID,
		SenderHash:    req.SenderHash,
		RecipientHash: req.RecipientHash,
		From:          from,
		To:            to,
		Amount:        units,
		Memo:          req.Memo,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: prepare: %w", ErrNotSubmitted, err)
	}
	a.record(ctx, sub, JournalPrepared, "")
	return sub, nil
}

// Submit sends a prepared submission and waits for confirmation, bounded by the
// settle timeout. The caller's cancellation does not abort an in-flight submission.
func (a *Adapter) Submit(ctx context.Context, sub *ledger.Submission) (ledger.Receipt, error) {
	submitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.cfg.SettleTimeout)
	defer cancel()

	receipt, err := a.ledger.Submit(submitCtx, sub)
	switch {
	case err == nil:
		a.record(ctx, sub, JournalConfirmed, "")
		return receipt, nil
	case errors.Is(err, ledger.ErrDuplicateTransaction):
		a.record(ctx, sub, JournalConfirmed, "duplicate of "+receipt.Reference)
		return receipt, nil
	case errors.Is(err, ledger.ErrUnreachable):
		a.record(ctx, sub, JournalNotSubmitted, err.Error())
		return ledger.Receipt{}, fmt.Errorf("%w: %w", ErrNotSubmitted, err)
	case errors.Is(err, ledger.ErrInsufficientFunds),
		errors.Is(err, ledger.ErrRejected),
		errors.Is(err, ledger.ErrNotProvisioned):
		a.record(ctx, sub, JournalFailed, err.Error())
		return ledger.Receipt{}, fmt.Errorf("%w: %w", ErrSettlementFailed, err)
	default:
		a.record(ctx, sub, JournalAmbiguous, err.Error())
		return ledger.Receipt{}, fmt.Errorf("%w: %w", ErrSettlementAmbiguous, err)
	}
}

// Resolve queries the ledger for reference. A reference the ledger has never seen is
// Unknown until its validity window since submittedAt has passed, then Dropped.
func (a *Adapter) Resolve(ctx context.Context, reference string, submittedAt time.Time) (Resolution, error) {
	status, err := a.ledger.Status(ctx, reference)
	if err != nil {
		return ResolutionUnknown, fmt.Errorf("query ledger status: %w", err)
	}
	switch status {
	case ledger.StatusConfirmed:
		return ResolutionSettled, nil
	case ledger.StatusFailed:
		return ResolutionFailed, nil
	case ledger.StatusPending:
		return ResolutionUnknown, nil
	}
	if !submittedAt.IsZero() && a.now().Sub(submittedAt) > a.cfg.ValidityWindow {
		return ResolutionDropped, nil
	}
	return ResolutionUnknown, nil
}

// RecordResolution journals the outcome of a Resolve call for an action.
func (a *Adapter) RecordResolution(ctx context.Context, actionID, reference string, res Resolution) {
	var status string
	switch res {
	case ResolutionSettled:
		status = JournalConfirmed
	case ResolutionFailed:
		status = JournalFailed
	case ResolutionDropped:
		status = JournalDropped
	default:
		return
	}
	a.write(ctx, Entry{ActionID: actionID, Reference: reference, Status: status, Detail: "resolved"})
}

func (a *Adapter) record(ctx context.Context, sub *ledger.Submission, status, detail string) {
	a.write(ctx, Entry{
		ActionID:      sub.Transfer.ActionID,
		Reference:     sub.Reference,
		SenderHash:    sub.Transfer.SenderHash,
		RecipientHash: sub.Transfer.RecipientHash,
		Amount:        sub.Transfer.Amount,
		Status:        status,
		Detail:        detail,
	})
}

func (a *Adapter) write(ctx context.Context, entry Entry) {
	if err := a.journal.Record(context.WithoutCancel(ctx), entry); err != nil {
		a.logger.Error("journal settlement attempt",
			slog.String("action_id", entry.ActionID),
			slog.String("reference", entry.Reference),
			slog.String("status", entry.Status),
			slog.Any("error", err))
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
