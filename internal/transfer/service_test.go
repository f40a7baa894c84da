package transfer

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/textpay/textpay/internal/address"
	"github.com/textpay/textpay/internal/directory"
	"github.com/textpay/textpay/internal/identity"
	"github.com/textpay/textpay/internal/infra"
	"github.com/textpay/textpay/internal/ledger"
	"github.com/textpay/textpay/internal/logging"
	"github.com/textpay/textpay/internal/notification"
	"github.com/textpay/textpay/internal/settlement"
)

const (
	senderContact    = "+14155550100"
	recipientContact = "+14155551234"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type harness struct {
	svc      *Service
	dir      directory.Repository
	led      ledger.Ledger
	deriver  *address.Deriver
	hasher   *identity.Hasher
	notifier *notification.Recorder
	clock    *fakeClock

	sender    string
	recipient string
}

func newHarness(t *testing.T, dir directory.Repository) *harness {
	t.Helper()
	hasher, err := identity.NewHasher([]byte("0123456789abcdef0123456789abcdef"), "US")
	if err != nil {
		t.Fatalf("hasher: %v", err)
	}
	deriver, err := address.New("11111111111111111111111111111112", "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v")
	if err != nil {
		t.Fatalf("deriver: %v", err)
	}
	led := ledger.NewInMemory()
	adapter := settlement.NewAdapter(led, dir, deriver, nil, logging.Discard(), settlement.Config{
		Decimals:         6,
		ProvisionBackoff: time.Millisecond,
		ProvisionTimeout: 50 * time.Millisecond,
	})
	notifier := &notification.Recorder{}
	svc := NewService(dir, hasher, deriver, adapter, notifier, logging.Discard(), Config{
		ConfirmationTTL: 5 * time.Minute,
		StaleAfter:      2 * time.Minute,
	})
	clock := &fakeClock{t: time.Now().UTC()}
	svc.now = clock.Now
	t.Cleanup(svc.Close)

	return &harness{
		svc:       svc,
		dir:       dir,
		led:       led,
		deriver:   deriver,
		hasher:    hasher,
		notifier:  notifier,
		clock:     clock,
		sender:    hasher.HashNormalized(senderContact),
		recipient: hasher.HashNormalized(recipientContact),
	}
}

func newSQLiteDirectory(t *testing.T) directory.Repository {
	t.Helper()
	db, err := infra.OpenSQLite(context.Background(), ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	repo := directory.NewSQLiteRepository(db)
	if err := repo.Init(context.Background()); err != nil {
		t.Fatalf("init: %v", err)
	}
	return repo
}

func forEachDirectory(t *testing.T, fn func(t *testing.T, h *harness)) {
	t.Run("memory", func(t *testing.T) { fn(t, newHarness(t, directory.NewMemoryRepository())) })
	t.Run("sqlite", func(t *testing.T) { fn(t, newHarness(t, newSQLiteDirectory(t))) })
}

func (h *harness) fund(t *testing.T, hash string, units uint64) {
	t.Helper()
	pair, err := h.deriver.Derive(hash)
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	ledger.SeedBalance(h.led, pair.AssetAccount, units)
}

func (h *harness) balance(t *testing.T, hash string) uint64 {
	t.Helper()
	pair, _ := h.deriver.Derive(hash)
	return ledger.BalanceOf(h.led, pair.AssetAccount)
}

func (h *harness) submit(t *testing.T, amount string, memo string) Prompt {
	t.Helper()
	prompt, err := h.svc.Submit(context.Background(), SubmitInput{
		SenderHash:       h.sender,
		SenderContact:    senderContact,
		RecipientContact: recipientContact,
		Amount:           decimal.RequireFromString(amount),
		Memo:             memo,
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	return prompt
}

func (h *harness) pendingOf(t *testing.T) *directory.PendingTransfer {
	t.Helper()
	rec, err := h.dir.Get(context.Background(), h.sender)
	if err != nil {
		t.Fatalf("get sender: %v", err)
	}
	return rec.PendingTransfer
}

func TestSubmitConfirmSettlesOnce(t *testing.T) {
	forEachDirectory(t, func(t *testing.T, h *harness) {
		ctx := context.Background()
		h.fund(t, h.sender, 50_000_000)
		prompt := h.submit(t, "10", "lunch")

		receipt, err := h.svc.Confirm(ctx, h.sender)
		if err != nil {
			t.Fatalf("confirm: %v", err)
		}
		if receipt.ActionID != prompt.ActionID || receipt.Reference == "" {
			t.Fatalf("unexpected receipt %+v", receipt)
		}
		if got := h.balance(t, h.recipient); got != 10_000_000 {
			t.Fatalf("expected recipient balance 10000000, got %d", got)
		}
		if calls := ledger.CallsOf(h.led); calls.Settlements != 1 {
			t.Fatalf("expected one settlement, got %d", calls.Settlements)
		}
		if p := h.pendingOf(t); p != nil {
			t.Fatalf("expected pending cleared, got %+v", p)
		}

		msgs := h.notifier.Messages()
		if len(msgs) != 1 || msgs[0].Kind != notification.KindTransferReceived || msgs[0].Destination != recipientContact {
			t.Fatalf("unexpected notifications %+v", msgs)
		}

		if _, err := h.svc.Confirm(ctx, h.sender); !errors.Is(err, ErrNoPendingTransfer) {
			t.Fatalf("expected ErrNoPendingTransfer on second confirm, got %v", err)
		}
		if calls := ledger.CallsOf(h.led); calls.Settlements != 1 {
			t.Fatalf("second confirm must not settle, got %d", calls.Settlements)
		}
	})
}

func TestSubmitRejectsInvalidInput(t *testing.T) {
	h := newHarness(t, directory.NewMemoryRepository())
	ctx := context.Background()

	cases := []struct {
		name      string
		amount    string
		recipient string
		want      error
	}{
		{"zero amount", "0", recipientContact, ErrInvalidTransfer},
		{"negative amount", "-5", recipientContact, ErrInvalidTransfer},
		{"too precise", "0.0000001", recipientContact, ErrInvalidTransfer},
		{"self transfer", "10", senderContact, ErrInvalidTransfer},
		{"bad recipient", "10", "call me", identity.ErrInvalidContact},
	}
	for _, tc := range cases {
		_, err := h.svc.Submit(ctx, SubmitInput{
			SenderHash:       h.sender,
			SenderContact:    senderContact,
			RecipientContact: tc.recipient,
			Amount:           decimal.RequireFromString(tc.amount),
		})
		if !errors.Is(err, tc.want) {
			t.Fatalf("%s: expected %v, got %v", tc.name, tc.want, err)
		}
	}
	if _, err := h.svc.Pending(ctx, h.sender); !errors.Is(err, ErrNoPendingTransfer) {
		t.Fatalf("expected no pending transfer, got %v", err)
	}
}

func TestSubmitPromptScenario(t *testing.T) {
	h := newHarness(t, directory.NewMemoryRepository())
	prompt := h.submit(t, "10", "lunch")

	text := prompt.Text()
	if !strings.Contains(text, "10") || !strings.Contains(text, recipientContact) {
		t.Fatalf("prompt %q must mention amount and recipient", text)
	}
	if want := h.clock.Now().Add(300 * time.Second); !prompt.ExpiresAt.Equal(want) {
		t.Fatalf("expected expiry %s, got %s", want, prompt.ExpiresAt)
	}

	p, err := h.svc.Pending(context.Background(), h.sender)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if p.ActionID != prompt.ActionID || p.RecipientHash != h.recipient || p.Memo != "lunch" || p.State != directory.StatePending {
		t.Fatalf("unexpected pending %+v", p)
	}
	if _, err := h.dir.Get(context.Background(), h.recipient); err != nil {
		t.Fatalf("recipient record must exist: %v", err)
	}
}

func TestSubmitReplacesPending(t *testing.T) {
	h := newHarness(t, directory.NewMemoryRepository())
	h.fund(t, h.sender, 50_000_000)

	h.submit(t, "10", "")
	second := h.submit(t, "3.5", "coffee")

	p, err := h.svc.Pending(context.Background(), h.sender)
	if err != nil || p.ActionID != second.ActionID {
		t.Fatalf("expected second transfer pending, got %+v (%v)", p, err)
	}
	if _, err := h.svc.Confirm(context.Background(), h.sender); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if got := h.balance(t, h.recipient); got != 3_500_000 {
		t.Fatalf("expected only the replacement to settle, got %d", got)
	}
}

func TestConfirmExpired(t *testing.T) {
	h := newHarness(t, directory.NewMemoryRepository())
	h.fund(t, h.sender, 50_000_000)
	h.submit(t, "10", "")

	h.clock.Advance(5*time.Minute + time.Second)

	if _, err := h.svc.Confirm(context.Background(), h.sender); !errors.Is(err, ErrTransferExpired) {
		t.Fatalf("expected ErrTransferExpired, got %v", err)
	}
	if p := h.pendingOf(t); p != nil {
		t.Fatalf("expired transfer must be cleared, got %+v", p)
	}
	if _, err := h.svc.Confirm(context.Background(), h.sender); !errors.Is(err, ErrNoPendingTransfer) {
		t.Fatalf("expected ErrNoPendingTransfer after expiry, got %v", err)
	}
	if calls := ledger.CallsOf(h.led); calls.Settlements != 0 {
		t.Fatalf("expired transfer must not settle")
	}
}

func TestConfirmWithoutRecord(t *testing.T) {
	h := newHarness(t, directory.NewMemoryRepository())
	if _, err := h.svc.Confirm(context.Background(), h.sender); !errors.Is(err, ErrNoPendingTransfer) {
		t.Fatalf("expected ErrNoPendingTransfer, got %v", err)
	}
}

func TestConcurrentConfirmsSettleOnce(t *testing.T) {
	forEachDirectory(t, func(t *testing.T, h *harness) {
		h.fund(t, h.sender, 50_000_000)
		h.submit(t, "10", "")

		const confirms = 8
		gate := make(chan struct{})
		ledger.OnSubmit(h.led, func(context.Context) { <-gate })

		results := make(chan error, confirms)
		for i := 0; i < confirms; i++ {
			go func() {
				_, err := h.svc.Confirm(context.Background(), h.sender)
				results <- err
			}()
		}

		var (
			succeeded  int
			inProgress int
		)
		for i := 0; i < confirms; i++ {
			if i == confirms-1 {
				close(gate)
			}
			err := <-results
			switch {
			case err == nil:
				succeeded++
			case errors.Is(err, ErrSettlementInProgress):
				inProgress++
			default:
				t.Fatalf("unexpected confirm error: %v", err)
			}
		}
		if succeeded != 1 || inProgress != confirms-1 {
			t.Fatalf("expected one success, got %d successes and %d in-progress", succeeded, inProgress)
		}
		if calls := ledger.CallsOf(h.led); calls.Settlements != 1 || calls.Submit != 1 {
			t.Fatalf("expected a single submission, got %+v", calls)
		}
	})
}

func TestCancel(t *testing.T) {
	h := newHarness(t, directory.NewMemoryRepository())
	ctx := context.Background()

	if err := h.svc.Cancel(ctx, h.sender); !errors.Is(err, ErrNoPendingTransfer) {
		t.Fatalf("expected ErrNoPendingTransfer without record, got %v", err)
	}

	h.submit(t, "10", "")
	if err := h.svc.Cancel(ctx, h.sender); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if _, err := h.svc.Pending(ctx, h.sender); !errors.Is(err, ErrNoPendingTransfer) {
		t.Fatalf("expected no pending after cancel, got %v", err)
	}
	if err := h.svc.Cancel(ctx, h.sender); !errors.Is(err, ErrNoPendingTransfer) {
		t.Fatalf("expected ErrNoPendingTransfer on second cancel, got %v", err)
	}
	if _, err := h.svc.Confirm(ctx, h.sender); !errors.Is(err, ErrNoPendingTransfer) {
		t.Fatalf("expected nothing to confirm after cancel, got %v", err)
	}

	h.submit(t, "10", "")
	h.clock.Advance(6 * time.Minute)
	if err := h.svc.Cancel(ctx, h.sender); !errors.Is(err, ErrNoPendingTransfer) {
		t.Fatalf("expected expired transfer to read as absent, got %v", err)
	}
}

func TestSettlingTransferIsNotReplacedOrCancelled(t *testing.T) {
	h := newHarness(t, directory.NewMemoryRepository())
	ctx := context.Background()
	h.submit(t, "10", "")

	if _, err := h.dir.Update(ctx, h.sender, func(rec *directory.Record) error {
		rec.PendingTransfer.State = directory.StateSettling
		rec.PendingTransfer.SettlingSince = h.clock.Now()
		return nil
	}); err != nil {
		t.Fatalf("mark settling: %v", err)
	}

	if err := h.svc.Cancel(ctx, h.sender); !errors.Is(err, ErrSettlementInProgress) {
		t.Fatalf("expected ErrSettlementInProgress on cancel, got %v", err)
	}
	if _, err := h.svc.Submit(ctx, SubmitInput{SenderHash: h.sender, SenderContact: senderContact, RecipientContact: recipientContact, Amount: decimal.NewFromInt(1)}); !errors.Is(err, ErrSettlementInProgress) {
		t.Fatalf("expected ErrSettlementInProgress on submit, got %v", err)
	}
	if _, err := h.svc.Confirm(ctx, h.sender); !errors.Is(err, ErrSettlementInProgress) {
		t.Fatalf("expected ErrSettlementInProgress on confirm, got %v", err)
	}

	h.clock.Advance(time.Hour)
	if p, err := h.svc.Pending(ctx, h.sender); err != nil || !p.Settling() {
		t.Fatalf("settling transfer must never expire, got %+v (%v)", p, err)
	}
}

func TestConfirmReleasesWhenNotSubmitted(t *testing.T) {
	h := newHarness(t, directory.NewMemoryRepository())
	ctx := context.Background()
	h.fund(t, h.sender, 50_000_000)
	h.submit(t, "10", "")
	ledger.FailNextSubmit(h.led, ledger.ErrUnreachable)

	if _, err := h.svc.Confirm(ctx, h.sender); !errors.Is(err, settlement.ErrNotSubmitted) {
		t.Fatalf("expected ErrNotSubmitted, got %v", err)
	}
	p := h.pendingOf(t)
	if p == nil || p.Settling() || p.Reference != "" {
		t.Fatalf("expected claim released, got %+v", p)
	}

	if _, err := h.svc.Confirm(ctx, h.sender); err != nil {
		t.Fatalf("retry confirm: %v", err)
	}
	if calls := ledger.CallsOf(h.led); calls.Settlements != 1 {
		t.Fatalf("expected one settlement after retry, got %d", calls.Settlements)
	}
}

func TestConfirmInsufficientFunds(t *testing.T) {
	h := newHarness(t, directory.NewMemoryRepository())
	h.submit(t, "10", "")

	_, err := h.svc.Confirm(context.Background(), h.sender)
	if !errors.Is(err, settlement.ErrSettlementFailed) || !errors.Is(err, ledger.ErrInsufficientFunds) {
		t.Fatalf("expected settlement failure for insufficient funds, got %v", err)
	}
	if p := h.pendingOf(t); p == nil || p.Settling() {
		t.Fatalf("expected pending transfer kept for retry, got %+v", p)
	}
}

func TestAmbiguousSettlementResolvedOnTakeover(t *testing.T) {
	h := newHarness(t, directory.NewMemoryRepository())
	ctx := context.Background()
	h.fund(t, h.sender, 50_000_000)
	prompt := h.submit(t, "10", "")
	ledger.FailNextSubmitAfterApply(h.led, context.DeadlineExceeded)

	if _, err := h.svc.Confirm(ctx, h.sender); !errors.Is(err, settlement.ErrSettlementAmbiguous) {
		t.Fatalf("expected ambiguous outcome, got %v", err)
	}
	p := h.pendingOf(t)
	if p == nil || !p.Settling() || p.Reference == "" || p.ActionID != prompt.ActionID {
		t.Fatalf("expected settling marker with reference, got %+v", p)
	}

	if _, err := h.svc.Confirm(ctx, h.sender); !errors.Is(err, ErrSettlementInProgress) {
		t.Fatalf("expected in-progress before stale, got %v", err)
	}

	h.clock.Advance(3 * time.Minute)
	receipt, err := h.svc.Confirm(ctx, h.sender)
	if err != nil {
		t.Fatalf("takeover confirm: %v", err)
	}
	if receipt.Reference != p.Reference {
		t.Fatalf("expected original reference %s, got %s", p.Reference, receipt.Reference)
	}
	if calls := ledger.CallsOf(h.led); calls.Settlements != 1 || calls.Submit != 1 {
		t.Fatalf("takeover must not resubmit, got %+v", calls)
	}
	if h.pendingOf(t) != nil {
		t.Fatalf("expected pending cleared after resolution")
	}
}

func TestStaleClaimWithDroppedReferenceRetries(t *testing.T) {
	h := newHarness(t, directory.NewMemoryRepository())
	ctx := context.Background()
	h.fund(t, h.sender, 50_000_000)
	h.submit(t, "10", "")

	if _, err := h.dir.Update(ctx, h.sender, func(rec *directory.Record) error {
		p := rec.PendingTransfer
		p.State = directory.StateSettling
		p.SettlingSince = h.clock.Now()
		p.Reference = "never-sent"
		p.SubmittedAt = time.Now().Add(-time.Hour)
		p.Attempts = 1
		return nil
	}); err != nil {
		t.Fatalf("simulate crash: %v", err)
	}

	h.clock.Advance(3 * time.Minute)
	receipt, err := h.svc.Confirm(ctx, h.sender)
	if err != nil {
		t.Fatalf("confirm after dropped reference: %v", err)
	}
	if receipt.Reference == "never-sent" {
		t.Fatalf("expected a fresh reference")
	}
	if calls := ledger.CallsOf(h.led); calls.Settlements != 1 {
		t.Fatalf("expected one settlement, got %d", calls.Settlements)
	}
}

func TestStaleClaimWithUnknownReferenceStaysAmbiguous(t *testing.T) {
	h := newHarness(t, directory.NewMemoryRepository())
	ctx := context.Background()
	h.submit(t, "10", "")

	if _, err := h.dir.Update(ctx, h.sender, func(rec *directory.Record) error {
		p := rec.PendingTransfer
		p.State = directory.StateSettling
		p.SettlingSince = h.clock.Now()
		p.Reference = "in-flight"
		p.SubmittedAt = time.Now()
		return nil
	}); err != nil {
		t.Fatalf("simulate in-flight: %v", err)
	}

	h.clock.Advance(3 * time.Minute)
	if _, err := h.svc.Confirm(ctx, h.sender); !errors.Is(err, settlement.ErrSettlementAmbiguous) {
		t.Fatalf("expected ambiguous while reference may still land, got %v", err)
	}
	if p := h.pendingOf(t); p == nil || !p.Settling() || p.Reference != "in-flight" {
		t.Fatalf("expected marker kept, got %+v", p)
	}
	if calls := ledger.CallsOf(h.led); calls.Submit != 0 {
		t.Fatalf("must not resubmit while unresolved")
	}
}

func TestStaleTakeoverFencesRunningClaimant(t *testing.T) {
	forEachDirectory(t, func(t *testing.T, h *harness) {
		h.fund(t, h.sender, 50_000_000)
		h.submit(t, "10", "")
		h.svc.provisioner.Wait()

		gate := make(chan struct{})
		entered := make(chan struct{})
		var once sync.Once
		ledger.OnProvision(h.led, func(_ context.Context, hash string) error {
			if hash == h.recipient {
				once.Do(func() { close(entered) })
				<-gate
			}
			return nil
		})

		first := make(chan error, 1)
		go func() {
			_, err := h.svc.Confirm(context.Background(), h.sender)
			first <- err
		}()
		<-entered

		// The first claimant is stuck provisioning the recipient long enough to look stale.
		h.clock.Advance(3 * time.Minute)
		second := make(chan error, 1)
		go func() {
			_, err := h.svc.Confirm(context.Background(), h.sender)
			second <- err
		}()
		deadline := time.Now().Add(5 * time.Second)
		for {
			if p := h.pendingOf(t); p != nil && p.Attempts == 2 {
				break
			}
			if time.Now().After(deadline) {
				t.Fatal("second confirm never took over the claim")
			}
			time.Sleep(time.Millisecond)
		}
		close(gate)

		if err := <-first; !errors.Is(err, ErrSettlementInProgress) {
			t.Fatalf("expected superseded claimant to stop, got %v", err)
		}
		if err := <-second; err != nil {
			t.Fatalf("takeover confirm: %v", err)
		}
		if calls := ledger.CallsOf(h.led); calls.Submit != 1 || calls.Settlements != 1 {
			t.Fatalf("expected exactly one submission, got %+v", calls)
		}
		if got := h.balance(t, h.recipient); got != 10_000_000 {
			t.Fatalf("expected recipient credited once, got %d", got)
		}
		if h.pendingOf(t) != nil {
			t.Fatalf("expected pending cleared after settlement")
		}
		if msgs := h.notifier.Messages(); len(msgs) != 1 {
			t.Fatalf("expected one notification, got %d", len(msgs))
		}
	})
}

func TestSupersededClaimDoesNotReleaseTakeover(t *testing.T) {
	h := newHarness(t, directory.NewMemoryRepository())
	ctx := context.Background()
	h.submit(t, "10", "")

	var stale directory.PendingTransfer
	if _, err := h.dir.Update(ctx, h.sender, func(rec *directory.Record) error {
		p := rec.PendingTransfer
		p.State = directory.StateSettling
		p.SettlingSince = h.clock.Now()
		p.Attempts = 1
		stale = *p
		p.Attempts = 2
		return nil
	}); err != nil {
		t.Fatalf("seed takeover: %v", err)
	}

	h.svc.release(ctx, h.svc.logger, h.sender, stale)
	if err := h.svc.checkpoint(ctx, h.sender, stale, "late-ref"); !errors.Is(err, errClaimLost) {
		t.Fatalf("expected errClaimLost for superseded claim, got %v", err)
	}
	p := h.pendingOf(t)
	if p == nil || !p.Settling() || p.Reference != "" {
		t.Fatalf("expected current claim untouched, got %+v", p)
	}
}

func TestConfirmProvisioningTimeoutReleases(t *testing.T) {
	h := newHarness(t, directory.NewMemoryRepository())
	h.fund(t, h.sender, 50_000_000)
	h.submit(t, "10", "")
	h.svc.provisioner.Wait()

	// The recipient's provisioning transaction never lands.
	ledger.OnProvision(h.led, func(ctx context.Context, hash string) error {
		if hash != h.recipient {
			return nil
		}
		<-ctx.Done()
		return ctx.Err()
	})

	done := make(chan error, 1)
	go func() {
		_, err := h.svc.Confirm(context.Background(), h.sender)
		done <- err
	}()
	select {
	case err := <-done:
		if !errors.Is(err, settlement.ErrProvisioningFailed) {
			t.Fatalf("expected ErrProvisioningFailed, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("confirm blocked on recipient provisioning")
	}
	if p := h.pendingOf(t); p == nil || p.Settling() {
		t.Fatalf("expected claim released, got %+v", p)
	}
	if calls := ledger.CallsOf(h.led); calls.Submit != 0 {
		t.Fatalf("expected no submission, got %+v", calls)
	}
}

func TestSubmitProvisionsSenderInBackground(t *testing.T) {
	h := newHarness(t, directory.NewMemoryRepository())
	h.submit(t, "10", "")
	h.svc.provisioner.Wait()

	rec, err := h.dir.Get(context.Background(), h.sender)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !rec.LedgerInitialized {
		t.Fatalf("expected sender provisioned in background")
	}

	h.submit(t, "5", "")
	h.svc.provisioner.Wait()
	if calls := ledger.CallsOf(h.led); calls.Provision != 1 {
		t.Fatalf("expected no provisioning for an initialized sender, got %d calls", calls.Provision)
	}
}

func TestConfirmProvisioningFailureReleases(t *testing.T) {
	h := newHarness(t, directory.NewMemoryRepository())
	h.fund(t, h.sender, 50_000_000)
	h.submit(t, "10", "")
	h.svc.provisioner.Wait()

	for i := 0; i < 3; i++ {
		ledger.FailNextProvision(h.led, errors.New("node down"))
	}
	if _, err := h.svc.Confirm(context.Background(), h.sender); !errors.Is(err, settlement.ErrProvisioningFailed) {
		t.Fatalf("expected ErrProvisioningFailed, got %v", err)
	}
	if p := h.pendingOf(t); p == nil || p.Settling() {
		t.Fatalf("expected claim released, got %+v", p)
	}
	if _, err := h.svc.Confirm(context.Background(), h.sender); err != nil {
		t.Fatalf("retry confirm: %v", err)
	}
}
