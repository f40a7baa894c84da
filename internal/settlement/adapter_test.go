package settlement

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/textpay/textpay/internal/address"
	"github.com/textpay/textpay/internal/directory"
	"github.com/textpay/textpay/internal/infra"
	"github.com/textpay/textpay/internal/ledger"
	"github.com/textpay/textpay/internal/logging"
)

const (
	testRegistry = "11111111111111111111111111111112"
	testMint     = "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v"
)

type fixture struct {
	adapter *Adapter
	ledger  ledger.Ledger
	dir     directory.Repository
	deriver *address.Deriver
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	deriver, err := address.New(testRegistry, testMint)
	if err != nil {
		t.Fatalf("deriver: %v", err)
	}
	led := ledger.NewInMemory()
	dir := directory.NewMemoryRepository()
	adapter := NewAdapter(led, dir, deriver, nil, logging.Discard(), Config{Decimals: 6})
	adapter.sleep = func(context.Context, time.Duration) error { return nil }
	return &fixture{adapter: adapter, ledger: led, dir: dir, deriver: deriver}
}

func hashOf(n int) string {
	return fmt.Sprintf("%064x", n)
}

func (f *fixture) fund(t *testing.T, hash string, units uint64) {
	t.Helper()
	pair, err := f.deriver.Derive(hash)
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	ledger.SeedBalance(f.ledger, pair.AssetAccount, units)
}

func (f *fixture) provisionBoth(t *testing.T, hashes ...string) {
	t.Helper()
	for _, h := range hashes {
		if err := f.adapter.ProvisionIfNeeded(context.Background(), h); err != nil {
			t.Fatalf("provision %s: %v", h, err)
		}
	}
}

func TestProvisionIfNeededOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := f.adapter.ProvisionIfNeeded(ctx, hashOf(1)); err != nil {
			t.Fatalf("provision #%d: %v", i, err)
		}
	}

	rec, err := f.dir.Get(ctx, hashOf(1))
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !rec.LedgerInitialized {
		t.Fatalf("expected ledger initialized flag")
	}
	if calls := ledger.CallsOf(f.ledger); calls.Provision != 1 || calls.ProvisionEffects != 1 {
		t.Fatalf("expected a single provision call, got %+v", calls)
	}
}

func TestProvisionIfNeededConcurrent(t *testing.T) {
	f := newFixture(t)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := f.adapter.ProvisionIfNeeded(context.Background(), hashOf(7)); err != nil {
				t.Errorf("provision: %v", err)
			}
		}()
	}
	wg.Wait()

	if calls := ledger.CallsOf(f.ledger); calls.ProvisionEffects != 1 {
		t.Fatalf("expected one provisioning effect, got %d", calls.ProvisionEffects)
	}
}

func TestProvisionIfNeededRemoteAlreadyProvisioned(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	pair, _ := f.deriver.Derive(hashOf(3))
	if err := f.ledger.Provision(ctx, hashOf(3), pair); err != nil {
		t.Fatalf("seed provision: %v", err)
	}

	if err := f.adapter.ProvisionIfNeeded(ctx, hashOf(3)); err != nil {
		t.Fatalf("expected already-provisioned to count as success, got %v", err)
	}
	rec, _ := f.dir.Get(ctx, hashOf(3))
	if !rec.LedgerInitialized {
		t.Fatalf("expected flag to be set")
	}
	if calls := ledger.CallsOf(f.ledger); calls.ProvisionEffects != 1 {
		t.Fatalf("expected no second effect, got %d", calls.ProvisionEffects)
	}
}

func TestProvisionIfNeededRetries(t *testing.T) {
	f := newFixture(t)
	var waits []time.Duration
	f.adapter.sleep = func(_ context.Context, d time.Duration) error {
		waits = append(waits, d)
		return nil
	}
	ledger.FailNextProvision(f.ledger, errors.New("rpc timeout"))
	ledger.FailNextProvision(f.ledger, errors.New("rpc timeout"))

	if err := f.adapter.ProvisionIfNeeded(context.Background(), hashOf(4)); err != nil {
		t.Fatalf("expected success on third attempt, got %v", err)
	}
	if len(waits) != 2 || waits[0] != defaultProvisionBackoff || waits[1] != 2*defaultProvisionBackoff {
		t.Fatalf("unexpected backoff schedule %v", waits)
	}
}

func TestProvisionIfNeededExhausted(t *testing.T) {
	f := newFixture(t)
	cause := errors.New("node down")
	for i := 0; i < defaultProvisionAttempts; i++ {
		ledger.FailNextProvision(f.ledger, cause)
	}

	err := f.adapter.ProvisionIfNeeded(context.Background(), hashOf(5))
	if !errors.Is(err, ErrProvisioningFailed) || !errors.Is(err, cause) {
		t.Fatalf("expected ErrProvisioningFailed wrapping cause, got %v", err)
	}
	rec, _ := f.dir.Get(context.Background(), hashOf(5))
	if rec.LedgerInitialized {
		t.Fatalf("flag must stay false after failure")
	}
}

func TestProvisionAttemptsAreBounded(t *testing.T) {
	f := newFixture(t)
	f.adapter.cfg.ProvisionTimeout = 20 * time.Millisecond
	// The ledger never confirms; each attempt only ends when its deadline does.
	ledger.OnProvision(f.ledger, func(ctx context.Context, _ string) error {
		<-ctx.Done()
		return ctx.Err()
	})

	done := make(chan error, 1)
	go func() { done <- f.adapter.ProvisionIfNeeded(context.Background(), hashOf(6)) }()

	select {
	case err := <-done:
		if !errors.Is(err, ErrProvisioningFailed) || !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("expected ErrProvisioningFailed after deadlines, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("provisioning did not honor the per-attempt timeout")
	}
	if calls := ledger.CallsOf(f.ledger); calls.ProvisionEffects != 0 {
		t.Fatalf("expected no provisioning effect, got %+v", calls)
	}
}

func TestProvisionIfNeededWaitsWithCallerContext(t *testing.T) {
	f := newFixture(t)
	gate := make(chan struct{})
	entered := make(chan struct{})
	var once sync.Once
	ledger.OnProvision(f.ledger, func(ctx context.Context, _ string) error {
		once.Do(func() { close(entered) })
		select {
		case <-gate:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})

	leader := make(chan error, 1)
	go func() { leader <- f.adapter.ProvisionIfNeeded(context.Background(), hashOf(8)) }()
	<-entered

	// A caller with a short deadline gives up without cancelling the shared flight.
	short, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := f.adapter.ProvisionIfNeeded(short, hashOf(8)); !errors.Is(err, ErrProvisioningFailed) || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected caller deadline error, got %v", err)
	}

	close(gate)
	if err := <-leader; err != nil {
		t.Fatalf("expected shared flight to succeed, got %v", err)
	}
	rec, _ := f.dir.Get(context.Background(), hashOf(8))
	if !rec.LedgerInitialized {
		t.Fatalf("expected flag to be set by the shared flight")
	}
	if calls := ledger.CallsOf(f.ledger); calls.ProvisionEffects != 1 {
		t.Fatalf("expected one provisioning effect, got %+v", calls)
	}
}

func TestSettleSuccessJournals(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.provisionBoth(t, hashOf(1), hashOf(2))
	f.fund(t, hashOf(1), 50_000_000)

	req := SettleRequest{ActionID: uuid.NewString(), SenderHash: hashOf(1), RecipientHash: hashOf(2), Amount: decimal.RequireFromString("10.5")}
	sub, err := f.adapter.Prepare(ctx, req)
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if sub.Reference == "" || sub.Transfer.Amount != 10_500_000 {
		t.Fatalf("unexpected submission %+v", sub)
	}
	receipt, err := f.adapter.Submit(ctx, sub)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if receipt.Reference != sub.Reference {
		t.Fatalf("receipt reference mismatch")
	}

	entries, _ := f.adapter.Journal().Entries(ctx, req.ActionID)
	if len(entries) != 1 || entries[0].Status != JournalConfirmed {
		t.Fatalf("unexpected journal %+v", entries)
	}
}

func TestSubmitClassification(t *testing.T) {
	cases := []struct {
		name   string
		inject func(l ledger.Ledger)
		fund   uint64
		want   error
		status string
	}{
		{"unreachable", func(l ledger.Ledger) { ledger.FailNextSubmit(l, ledger.ErrUnreachable) }, 1_000_000, ErrNotSubmitted, JournalNotSubmitted},
		{"insufficient", func(ledger.Ledger) {}, 0, ErrSettlementFailed, JournalFailed},
		{"timeout after apply", func(l ledger.Ledger) { ledger.FailNextSubmitAfterApply(l, context.DeadlineExceeded) }, 1_000_000, ErrSettlementAmbiguous, JournalAmbiguous},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			ctx := context.Background()
			f.provisionBoth(t, hashOf(1), hashOf(2))
			f.fund(t, hashOf(1), tc.fund)
			tc.inject(f.ledger)

			actionID := uuid.NewString()
			sub, err := f.adapter.Prepare(ctx, SettleRequest{ActionID: actionID, SenderHash: hashOf(1), RecipientHash: hashOf(2), Amount: decimal.NewFromInt(1)})
			if err != nil {
				t.Fatalf("prepare: %v", err)
			}
			if _, err := f.adapter.Submit(ctx, sub); !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
			entries, _ := f.adapter.Journal().Entries(ctx, actionID)
			if len(entries) != 1 || entries[0].Status != tc.status {
				t.Fatalf("unexpected journal %+v", entries)
			}
		})
	}
}

func TestSubmitInsufficientFundsKeepsCause(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.provisionBoth(t, hashOf(1), hashOf(2))

	sub, err := f.adapter.Prepare(ctx, SettleRequest{ActionID: uuid.NewString(), SenderHash: hashOf(1), RecipientHash: hashOf(2), Amount: decimal.NewFromInt(3)})
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	_, err = f.adapter.Submit(ctx, sub)
	if !errors.Is(err, ledger.ErrInsufficientFunds) {
		t.Fatalf("expected insufficient funds cause, got %v", err)
	}
}

func TestSubmitDuplicateActionIsSuccess(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.provisionBoth(t, hashOf(1), hashOf(2))
	f.fund(t, hashOf(1), 5_000_000)

	req := SettleRequest{ActionID: uuid.NewString(), SenderHash: hashOf(1), RecipientHash: hashOf(2), Amount: decimal.NewFromInt(1)}
	first, _ := f.adapter.Prepare(ctx, req)
	original, err := f.adapter.Submit(ctx, first)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	second, _ := f.adapter.Prepare(ctx, req)
	again, err := f.adapter.Submit(ctx, second)
	if err != nil {
		t.Fatalf("duplicate must read as success, got %v", err)
	}
	if again.Reference != original.Reference {
		t.Fatalf("expected original reference %s, got %s", original.Reference, again.Reference)
	}
	if calls := ledger.CallsOf(f.ledger); calls.Settlements != 1 {
		t.Fatalf("expected one settlement, got %d", calls.Settlements)
	}
}

func TestResolve(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.provisionBoth(t, hashOf(1), hashOf(2))
	f.fund(t, hashOf(1), 5_000_000)

	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	f.adapter.now = func() time.Time { return now }

	sub, _ := f.adapter.Prepare(ctx, SettleRequest{ActionID: uuid.NewString(), SenderHash: hashOf(1), RecipientHash: hashOf(2), Amount: decimal.NewFromInt(1)})

	res, err := f.adapter.Resolve(ctx, sub.Reference, now.Add(-time.Second))
	if err != nil || res != ResolutionUnknown {
		t.Fatalf("expected unknown inside validity window, got %s (%v)", res, err)
	}
	res, _ = f.adapter.Resolve(ctx, sub.Reference, now.Add(-defaultValidityWindow-time.Second))
	if res != ResolutionDropped {
		t.Fatalf("expected dropped past validity window, got %s", res)
	}

	ledger.FailNextSubmitAfterApply(f.ledger, context.DeadlineExceeded)
	if _, err := f.adapter.Submit(ctx, sub); !errors.Is(err, ErrSettlementAmbiguous) {
		t.Fatalf("expected ambiguous, got %v", err)
	}
	res, _ = f.adapter.Resolve(ctx, sub.Reference, now.Add(-time.Hour))
	if res != ResolutionSettled {
		t.Fatalf("expected settled after apply, got %s", res)
	}

	ledger.FailNextStatus(f.ledger, errors.New("rpc down"))
	if res, err := f.adapter.Resolve(ctx, sub.Reference, now); err == nil || res != ResolutionUnknown {
		t.Fatalf("expected unknown with error, got %s (%v)", res, err)
	}
}

func TestToUnits(t *testing.T) {
	cases := []struct {
		in      string
		want    uint64
		wantErr bool
	}{
		{"10", 10_000_000, false},
		{"0.000001", 1, false},
		{"0.0000001", 0, true},
		{"0", 0, true},
		{"-5", 0, true},
		{"99999999999999999999", 0, true},
	}
	for _, tc := range cases {
		got, err := ToUnits(decimal.RequireFromString(tc.in), 6)
		if tc.wantErr {
			if !errors.Is(err, ErrInvalidAmount) {
				t.Fatalf("%s: expected ErrInvalidAmount, got %v", tc.in, err)
			}
			continue
		}
		if err != nil || got != tc.want {
			t.Fatalf("%s: expected %d, got %d (%v)", tc.in, tc.want, got, err)
		}
	}
}

func TestSQLiteJournal(t *testing.T) {
	ctx := context.Background()
	db, err := infra.OpenSQLite(ctx, ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	journal := NewSQLiteJournal(db)
	if err := journal.Init(ctx); err != nil {
		t.Fatalf("init: %v", err)
	}

	actionID := uuid.NewString()
	base := Entry{ActionID: actionID, Reference: "ref-1", SenderHash: hashOf(1), RecipientHash: hashOf(2), Amount: 42}
	for _, status := range []string{JournalPrepared, JournalAmbiguous, JournalConfirmed} {
		e := base
		e.Status = status
		if err := journal.Record(ctx, e); err != nil {
			t.Fatalf("record %s: %v", status, err)
		}
	}
	second := base
	second.Reference = "ref-2"
	second.Status = JournalPrepared
	if err := journal.Record(ctx, second); err != nil {
		t.Fatalf("record second: %v", err)
	}

	entries, err := journal.Entries(ctx, actionID)
	if err != nil {
		t.Fatalf("entries: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected two attempts, got %d", len(entries))
	}
	if entries[0].Reference != "ref-1" || entries[0].Status != JournalConfirmed || entries[0].Amount != 42 {
		t.Fatalf("unexpected first attempt %+v", entries[0])
	}
}
