// Package transfer implements the pending-transfer lifecycle: a sender proposes a
// transfer, confirms or cancels it inside a time window, and a confirmed transfer is
// settled on the ledger exactly once.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/textpay/textpay/internal/address"
	"github.com/textpay/textpay/internal/directory"
	"github.com/textpay/textpay/internal/identity"
	"github.com/textpay/textpay/internal/ledger"
	"github.com/textpay/textpay/internal/notification"
	"github.com/textpay/textpay/internal/settlement"
)

var (
	// ErrInvalidTransfer covers non-positive amounts and transfers to oneself.
	ErrInvalidTransfer = errors.New("invalid transfer")

	// ErrNoPendingTransfer indicates there is nothing to confirm or cancel.
	ErrNoPendingTransfer = errors.New("no pending transfer")

	// ErrTransferExpired indicates the confirmation window has passed.
	ErrTransferExpired = errors.New("pending transfer expired")

	// ErrSettlementInProgress indicates another request is settling the transfer.
	ErrSettlementInProgress = errors.New("settlement in progress")

	errClaimLost = errors.New("settlement claim lost")
)

const (
	defaultConfirmationTTL = 5 * time.Minute
	defaultStaleAfter      = 2 * time.Minute
)

// Settler is the settlement surface the state machine drives.
type Settler interface {
	ProvisionIfNeeded(ctx context.Context, identityHash string) error
	Units(amount decimal.Decimal) (uint64, error)
	Prepare(ctx context.Context, req settlement.SettleRequest) (*ledger.Submission, error)
	Submit(ctx context.Context, sub *ledger.Submission) (ledger.Receipt, error)
	Resolve(ctx context.Context, reference string, submittedAt time.Time) (settlement.Resolution, error)
	RecordResolution(ctx context.Context, actionID, reference string, res settlement.Resolution)
}

// Config holds the state machine timings.
type Config struct {
	ConfirmationTTL  time.Duration
	StaleAfter       time.Duration
	ProvisionTimeout time.Duration
}

// SubmitInput is a classified direct-transfer request. SenderContact is the sender's
// normalized contact; RecipientContact is raw and normalized here.
type SubmitInput struct {
	SenderHash       string
	SenderContact    string
	RecipientContact string
	Amount           decimal.Decimal
	Memo             string
}

// Service owns pending transfers stored in the account directory.
type Service struct {
	directory   directory.Repository
	hasher      *identity.Hasher
	deriver     *address.Deriver
	settler     Settler
	notifier    notification.Notifier
	logger      *slog.Logger
	provisioner *Provisioner
	cfg         Config
	now         func() time.Time
}

// NewService constructs the transfer state machine and starts its background
// provisioner. Call Close on shutdown.
func NewService(dir directory.Repository, hasher *identity.Hasher, deriver *address.Deriver, settler Settler, notifier notification.Notifier, logger *slog.Logger, cfg Config) *Service {
	if cfg.ConfirmationTTL <= 0 {
		cfg.ConfirmationTTL = defaultConfirmationTTL
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = defaultStaleAfter
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		directory:   dir,
		hasher:      hasher,
		deriver:     deriver,
		settler:     settler,
		notifier:    notifier,
		logger:      logger,
		provisioner: NewProvisioner(settler.ProvisionIfNeeded, logger, cfg.ProvisionTimeout),
		cfg:         cfg,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Close waits for background provisioning to finish.
func (s *Service) Close() {
	s.provisioner.Close()
}

// Submit creates or replaces the sender's pending transfer and returns the prompt to
// send back. A transfer that is already settling is never replaced.
func (s *Service) Submit(ctx context.Context, in SubmitInput) (Prompt, error) {
	if !in.Amount.IsPositive() {
		return Prompt{}, fmt.Errorf("%w: amount must be positive", ErrInvalidTransfer)
	}
	if _, err := s.settler.Units(in.Amount); err != nil {
		return Prompt{}, fmt.Errorf("%w: %w", ErrInvalidTransfer, err)
	}
	recipient, err := s.hasher.Normalize(in.RecipientContact)
	if err != nil {
		return Prompt{}, err
	}
	recipientHash := s.hasher.HashNormalized(recipient)
	if recipientHash == in.SenderHash {
		return Prompt{}, fmt.Errorf("%w: cannot send to yourself", ErrInvalidTransfer)
	}
	senderPair, err := s.deriver.Derive(in.SenderHash)
	if err != nil {
		return Prompt{}, err
	}

	if _, err := s.directory.Ensure(ctx, recipientHash); err != nil {
		return Prompt{}, fmt.Errorf("ensure recipient: %w", err)
	}
	if _, err := s.directory.Ensure(ctx, in.SenderHash); err != nil {
		return Prompt{}, fmt.Errorf("ensure sender: %w", err)
	}

	now := s.now()
	pending := &directory.PendingTransfer{
		ActionID:         uuid.NewString(),
		Amount:           in.Amount,
		RecipientHash:    recipientHash,
		Memo:             in.Memo,
		ExpiresAt:        now.Add(s.cfg.ConfirmationTTL),
		SenderContact:    in.SenderContact,
		RecipientContact: recipient,
		CreatedAt:        now,
		State:            directory.StatePending,
	}
	rec, err := s.directory.Update(ctx, in.SenderHash, func(rec *directory.Record) error {
		if rec.PendingTransfer.Settling() {
			return ErrSettlementInProgress
		}
		rec.PendingTransfer = pending
		return nil
	})
	if err != nil {
		return Prompt{}, err
	}

	if !rec.LedgerInitialized {
		s.provisioner.Go(in.SenderHash)
	}

	s.logger.Info("pending transfer created",
		slog.String("action_id", pending.ActionID),
		slog.String("sender_hash", in.SenderHash),
		slog.String("recipient_hash", recipientHash),
		slog.String("sender_account", senderPair.AssetAccount.String()),
		slog.String("amount", pending.Amount.String()))

	return Prompt{
		ActionID:  pending.ActionID,
		Amount:    pending.Amount,
		Recipient: recipient,
		Memo:      pending.Memo,
		ExpiresAt: pending.ExpiresAt,
		Window:    s.cfg.ConfirmationTTL,
		Sender:    senderPair,
	}, nil
}

// Confirm settles the sender's pending transfer. The transfer is first claimed by
// moving it to the settling state so concurrent confirmations cannot settle twice.
func (s *Service) Confirm(ctx context.Context, senderHash string) (Receipt, error) {
	now := s.now()
	var (
		claimed directory.PendingTransfer
		expired bool
		resumed bool
	)
	_, err := s.directory.Update(ctx, senderHash, func(rec *directory.Record) error {
		p := rec.PendingTransfer
		switch {
		case p == nil:
			return ErrNoPendingTransfer
		case p.Expired(now):
			rec.PendingTransfer = nil
			expired = true
			return nil
		case p.Settling():
			if now.Sub(p.SettlingSince) < s.cfg.StaleAfter {
				return ErrSettlementInProgress
			}
			resumed = true
		}
		p.State = directory.StateSettling
		p.SettlingSince = now
		p.Attempts++
		claimed = *p
		return nil
	})
	switch {
	case errors.Is(err, directory.ErrNotFound):
		return Receipt{}, ErrNoPendingTransfer
	case err != nil:
		return Receipt{}, err
	case expired:
		return Receipt{}, ErrTransferExpired
	}

	log := s.logger.With(slog.String("action_id", claimed.ActionID), slog.String("sender_hash", senderHash))
	if resumed && claimed.Reference != "" {
		receipt, done, err := s.resume(ctx, log, senderHash, claimed)
		if done {
			return receipt, err
		}
		claimed.Reference = ""
		claimed.SubmittedAt = time.Time{}
	}
	return s.settle(ctx, log, senderHash, claimed)
}

// resume reconciles a stale claim that already recorded a reference. It reports
// done=false when a fresh attempt is safe.
func (s *Service) resume(ctx context.Context, log *slog.Logger, senderHash string, claimed directory.PendingTransfer) (Receipt, bool, error) {
	res, err := s.settler.Resolve(ctx, claimed.Reference, claimed.SubmittedAt)
	if err != nil {
		log.Warn("resolve stale settlement", slog.String("reference", claimed.Reference), slog.Any("error", err))
		return Receipt{}, true, fmt.Errorf("%w: %w", settlement.ErrSettlementAmbiguous, err)
	}
	log.Info("resolved stale settlement", slog.String("reference", claimed.Reference), slog.String("resolution", res.String()))
	s.settler.RecordResolution(ctx, claimed.ActionID, claimed.Reference, res)

	switch res {
	case settlement.ResolutionSettled:
		return s.finish(ctx, log, senderHash, claimed, claimed.Reference), true, nil
	case settlement.ResolutionFailed, settlement.ResolutionDropped:
		return Receipt{}, false, nil
	default:
		return Receipt{}, true, fmt.Errorf("%w: reference %s not yet final", settlement.ErrSettlementAmbiguous, claimed.Reference)
	}
}

func (s *Service) settle(ctx context.Context, log *slog.Logger, senderHash string, claimed directory.PendingTransfer) (Receipt, error) {
	for _, hash := range []string{senderHash, claimed.RecipientHash} {
		if err := s.settler.ProvisionIfNeeded(ctx, hash); err != nil {
			s.release(ctx, log, senderHash, claimed)
			return Receipt{}, err
		}
	}

	sub, err := s.settler.Prepare(ctx, settlement.SettleRequest{
		ActionID:      claimed.ActionID,
		SenderHash:    senderHash,
		RecipientHash: claimed.RecipientHash,
		Amount:        claimed.Amount,
		Memo:          claimed.Memo,
	})
	if err != nil {
		s.release(ctx, log, senderHash, claimed)
		return Receipt{}, err
	}

	if err := s.checkpoint(ctx, senderHash, claimed, sub.Reference); err != nil {
		if errors.Is(err, errClaimLost) {
			return Receipt{}, ErrSettlementInProgress
		}
		s.release(ctx, log, senderHash, claimed)
		return Receipt{}, fmt.Errorf("%w: record reference: %w", settlement.ErrNotSubmitted, err)
	}

	receipt, err := s.settler.Submit(ctx, sub)
	switch {
	case err == nil:
		return s.finish(ctx, log, senderHash, claimed, receipt.Reference), nil
	case errors.Is(err, settlement.ErrSettlementAmbiguous):
		log.Warn("settlement outcome unknown", slog.String("reference", sub.Reference), slog.Any("error", err))
		return Receipt{}, err
	default:
		log.Warn("settlement not completed", slog.String("reference", sub.Reference), slog.Any("error", err))
		s.release(ctx, log, senderHash, claimed)
		return Receipt{}, err
	}
}

// holdsClaim reports whether p is still the settling claim taken as claimed. Each claim
// bumps Attempts, so a stale takeover invalidates the earlier claimant.
func holdsClaim(p *directory.PendingTransfer, claimed directory.PendingTransfer) bool {
	return p != nil && p.Settling() && p.ActionID == claimed.ActionID && p.Attempts == claimed.Attempts
}

// checkpoint stores the reference on the claimed transfer before it is submitted.
func (s *Service) checkpoint(ctx context.Context, senderHash string, claimed directory.PendingTransfer, reference string) error {
	_, err := s.directory.Update(ctx, senderHash, func(rec *directory.Record) error {
		p := rec.PendingTransfer
		if !holdsClaim(p, claimed) {
			return errClaimLost
		}
		p.Reference = reference
		p.SubmittedAt = s.now()
		return nil
	})
	return err
}

// finish clears the settled transfer and notifies the recipient. The record is cleared
// only while it still holds this claim or the settled reference.
func (s *Service) finish(ctx context.Context, log *slog.Logger, senderHash string, claimed directory.PendingTransfer, reference string) Receipt {
	ctx = context.WithoutCancel(ctx)
	if _, err := s.directory.Update(ctx, senderHash, func(rec *directory.Record) error {
		p := rec.PendingTransfer
		if p != nil && p.ActionID == claimed.ActionID && (holdsClaim(p, claimed) || p.Reference == reference) {
			rec.PendingTransfer = nil
		}
		return nil
	}); err != nil {
		log.Error("clear settled transfer", slog.Any("error", err))
	}

	receipt := Receipt{
		ActionID:  claimed.ActionID,
		Reference: reference,
		Amount:    claimed.Amount,
		Recipient: claimed.RecipientContact,
		Memo:      claimed.Memo,
		SettledAt: s.now(),
	}
	log.Info("transfer settled", slog.String("reference", reference), slog.String("amount", claimed.Amount.String()))

	if s.notifier != nil {
		body := fmt.Sprintf("You received $%s from %s", FormatAmount(claimed.Amount), claimed.SenderContact)
		if claimed.Memo != "" {
			body += fmt.Sprintf(" for %q", claimed.Memo)
		}
		if err := s.notifier.Send(ctx, notification.Message{
			Kind:        notification.KindTransferReceived,
			Destination: claimed.RecipientContact,
			Body:        body,
		}); err != nil {
			log.Warn("notify recipient", slog.Any("error", err))
		}
	}
	return receipt
}

// release returns a claimed transfer to the pending state so the sender can retry.
func (s *Service) release(ctx context.Context, log *slog.Logger, senderHash string, claimed directory.PendingTransfer) {
	_, err := s.directory.Update(context.WithoutCancel(ctx), senderHash, func(rec *directory.Record) error {
		p := rec.PendingTransfer
		if !holdsClaim(p, claimed) {
			return nil
		}
		p.State = directory.StatePending
		p.SettlingSince = time.Time{}
		p.Reference = ""
		p.SubmittedAt = time.Time{}
		return nil
	})
	if err != nil {
		log.Error("release settlement claim", slog.Any("error", err))
	}
}

// Cancel discards the sender's live pending transfer.
func (s *Service) Cancel(ctx context.Context, senderHash string) error {
	now := s.now()
	_, err := s.directory.Update(ctx, senderHash, func(rec *directory.Record) error {
		p := rec.PendingTransfer
		switch {
		case p == nil, p.Expired(now):
			return ErrNoPendingTransfer
		case p.Settling():
			return ErrSettlementInProgress
		}
		rec.PendingTransfer = nil
		return nil
	})
	if errors.Is(err, directory.ErrNotFound) {
		return ErrNoPendingTransfer
	}
	if err == nil {
		s.logger.Info("pending transfer cancelled", slog.String("sender_hash", senderHash))
	}
	return err
}

// Pending returns the sender's live pending transfer.
func (s *Service) Pending(ctx context.Context, senderHash string) (*directory.PendingTransfer, error) {
	rec, err := s.directory.Get(ctx, senderHash)
	if errors.Is(err, directory.ErrNotFound) {
		return nil, ErrNoPendingTransfer
	}
	if err != nil {
		return nil, err
	}
	p := rec.LivePending(s.now())
	if p == nil {
		return nil, ErrNoPendingTransfer
	}
	return p, nil
}
