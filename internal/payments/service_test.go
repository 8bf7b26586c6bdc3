package payments

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"

	"github.com/vpapay/vpa_pay/internal/ledger"
	"github.com/vpapay/vpa_pay/internal/metrics"
	"github.com/vpapay/vpa_pay/internal/notification"
	"github.com/vpapay/vpa_pay/internal/wallet"
)

type recordingDispatcher struct {
	mu  sync.Mutex
	txs []ledger.Transaction
}

func (d *recordingDispatcher) Enqueue(tx ledger.Transaction) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.txs = append(d.txs, tx)
	return nil
}

type recordingNotifier struct {
	mu   sync.Mutex
	msgs []notification.Message
}

func (n *recordingNotifier) Send(_ context.Context, m notification.Message) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.msgs = append(n.msgs, m)
	return nil
}

func (n *recordingNotifier) kinds() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, 0, len(n.msgs))
	for _, m := range n.msgs {
		out = append(out, m.Kind)
	}
	return out
}

type fixture struct {
	svc        *Service
	store      ledger.Store
	dispatcher *recordingDispatcher
	notifier   *recordingNotifier
	metrics    *metrics.Metrics
	payer      ledger.Wallet
	payee      ledger.Wallet
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newFixtureWithStore(t, ledger.NewInMemory())
}

func newFixtureWithStore(t *testing.T, store ledger.Store) *fixture {
	t.Helper()
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	payer, err := ledger.SeedAccount(ctx, store, "alice@psp", decimal.NewFromInt(1_000))
	if err != nil {
		t.Fatalf("seed payer: %v", err)
	}
	payee, err := ledger.SeedAccount(ctx, store, "bob@psp", decimal.NewFromInt(200))
	if err != nil {
		t.Fatalf("seed payee: %v", err)
	}

	f := &fixture{
		store:      store,
		dispatcher: &recordingDispatcher{},
		notifier:   &recordingNotifier{},
		metrics:    metrics.New(),
		payer:      payer,
		payee:      payee,
	}
	f.svc = NewService(store, wallet.NewService(store, logger, "INR"), f.dispatcher, f.notifier, f.metrics, logger)
	return f
}

func (f *fixture) wallet(t *testing.T, id int64) ledger.Wallet {
	t.Helper()
	w, err := f.store.Wallet(context.Background(), id)
	if err != nil {
		t.Fatalf("wallet %d: %v", id, err)
	}
	return w
}

func (f *fixture) expectBalances(t *testing.T, payerBalance, payerLocked, payeeBalance string) {
	t.Helper()
	payer := f.wallet(t, f.payer.ID)
	payee := f.wallet(t, f.payee.ID)
	if !payer.Balance.Equal(decimal.RequireFromString(payerBalance)) ||
		!payer.LockedBalance.Equal(decimal.RequireFromString(payerLocked)) ||
		!payee.Balance.Equal(decimal.RequireFromString(payeeBalance)) {
		t.Fatalf("expected payer %s/%s payee %s, got payer %s/%s payee %s",
			payerBalance, payerLocked, payeeBalance,
			payer.Balance.StringFixed(2), payer.LockedBalance.StringFixed(2), payee.Balance.StringFixed(2))
	}
}

func transfer(key string, amount int64) CreateInput {
	return CreateInput{
		Amount:              decimal.NewFromInt(amount),
		PayerVPA:            "alice@psp",
		PayeeVPA:            "bob@psp",
		ClientTransactionID: key,
	}
}

func (f *fixture) create(t *testing.T, key string, amount int64) ledger.Transaction {
	t.Helper()
	res, err := f.svc.CreateTransaction(context.Background(), transfer(key, amount))
	if err != nil {
		t.Fatalf("create %s: %v", key, err)
	}
	if !res.Accepted {
		t.Fatalf("expected %s to be accepted", key)
	}
	return res.Transaction
}

func TestCreateTransactionEarmarksAndDispatches(t *testing.T) {
	f := newFixture(t)

	tx := f.create(t, "k1", 300)
	if tx.Status != ledger.StatusPending || tx.ID == 0 {
		t.Fatalf("expected pending transaction with id, got %+v", tx)
	}
	f.expectBalances(t, "700", "300", "200")

	if len(f.dispatcher.txs) != 1 || f.dispatcher.txs[0].ID != tx.ID {
		t.Fatalf("expected transaction to be dispatched, got %+v", f.dispatcher.txs)
	}
	if kinds := f.notifier.kinds(); len(kinds) != 1 || kinds[0] != notification.KindTransactionAccepted {
		t.Fatalf("unexpected notifications %v", kinds)
	}
	if v := testutil.ToFloat64(f.metrics.TransactionsCreated); v != 1 {
		t.Fatalf("expected created counter 1, got %v", v)
	}
}

func TestCreateTransactionIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first := f.create(t, "k1", 300)

	again := transfer("k1", 50)
	again.PayeeVPA = "someone@psp"
	res, err := f.svc.CreateTransaction(ctx, again)
	if err != nil {
		t.Fatalf("duplicate create: %v", err)
	}
	if res.Accepted {
		t.Fatal("expected duplicate to report accepted=false")
	}
	if res.Transaction.ID != first.ID || !res.Transaction.Amount.Equal(decimal.NewFromInt(300)) {
		t.Fatalf("expected original transaction, got %+v", res.Transaction)
	}
	f.expectBalances(t, "700", "300", "200")

	n, _ := f.store.CountTransactions(ctx, ledger.TransactionFilter{})
	if n != 1 {
		t.Fatalf("expected one transaction row, got %d", n)
	}
	if len(f.dispatcher.txs) != 1 {
		t.Fatalf("expected a single dispatch, got %d", len(f.dispatcher.txs))
	}
	if v := testutil.ToFloat64(f.metrics.TransactionsDuplicate); v != 1 {
		t.Fatalf("expected duplicate counter 1, got %v", v)
	}
}

// racingStore commits a competing create for the same key just before the
// first atomic unit starts, after the engine's idempotency lookup missed.
type racingStore struct {
	ledger.Store
	once sync.Once
	race func()
}

func (r *racingStore) WithinTx(ctx context.Context, fn func(ctx context.Context, tx ledger.Tx) error) error {
	if r.race != nil {
		r.once.Do(r.race)
	}
	return r.Store.WithinTx(ctx, fn)
}

func TestCreateTransactionLosingInsertRaceReturnsWinner(t *testing.T) {
	inner := ledger.NewInMemory()
	racing := &racingStore{Store: inner}
	f := newFixtureWithStore(t, racing)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	rival := NewService(inner, wallet.NewService(inner, logger, "INR"), nil, nil, nil, logger)
	var winner ledger.Transaction
	racing.race = func() {
		res, err := rival.CreateTransaction(context.Background(), transfer("race", 100))
		if err != nil {
			t.Errorf("rival create: %v", err)
		}
		winner = res.Transaction
	}

	res, err := f.svc.CreateTransaction(context.Background(), transfer("race", 300))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if res.Accepted {
		t.Fatal("expected the losing request to report accepted=false")
	}
	if res.Transaction.ID != winner.ID {
		t.Fatalf("expected winner %d, got %d", winner.ID, res.Transaction.ID)
	}
	// Only the winner's earmark survives.
	f.expectBalances(t, "900", "100", "200")
	if len(f.dispatcher.txs) != 0 {
		t.Fatalf("loser must not dispatch, got %+v", f.dispatcher.txs)
	}
}

func TestCreateTransactionLosingEarmarkRaceReturnsWinner(t *testing.T) {
	inner := ledger.NewInMemory()
	racing := &racingStore{Store: inner}
	f := newFixtureWithStore(t, racing)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	rival := NewService(inner, wallet.NewService(inner, logger, "INR"), nil, nil, nil, logger)
	var winner ledger.Transaction
	racing.race = func() {
		// The rival spends the whole balance, so this request fails at the
		// earmark before it ever reaches the insert.
		res, err := rival.CreateTransaction(context.Background(), transfer("race", 1_000))
		if err != nil {
			t.Errorf("rival create: %v", err)
		}
		winner = res.Transaction
	}

	res, err := f.svc.CreateTransaction(context.Background(), transfer("race", 1_000))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if res.Accepted || res.Transaction.ID != winner.ID || winner.ID == 0 {
		t.Fatalf("expected winner %d with accepted=false, got accepted=%v id=%d", winner.ID, res.Accepted, res.Transaction.ID)
	}
	f.expectBalances(t, "0", "1000", "200")
	if v := testutil.ToFloat64(f.metrics.TransactionsRejected.WithLabelValues("insufficient_funds")); v != 0 {
		t.Fatalf("expected no insufficient_funds rejection, got %v", v)
	}
	if v := testutil.ToFloat64(f.metrics.TransactionsDuplicate); v != 1 {
		t.Fatalf("expected duplicate counter 1, got %v", v)
	}
	if len(f.dispatcher.txs) != 0 {
		t.Fatalf("loser must not dispatch, got %+v", f.dispatcher.txs)
	}
}

func TestCreateTransactionNormalizesVPACase(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.svc.CreateTransaction(ctx, CreateInput{
		Amount:              decimal.NewFromInt(100),
		PayerVPA:            "Alice@PSP",
		PayeeVPA:            " BOB@psp",
		ClientTransactionID: "mixed-case",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if res.Transaction.PayerVPA != "alice@psp" || res.Transaction.PayeeVPA != "bob@psp" {
		t.Fatalf("expected stored vpas in canonical form, got %s -> %s", res.Transaction.PayerVPA, res.Transaction.PayeeVPA)
	}
	f.expectBalances(t, "900", "100", "200")

	if _, err := f.svc.Get(ctx, res.Transaction.ID, []string{"ALICE@psp"}); err != nil {
		t.Fatalf("get scoped by mixed-case vpa: %v", err)
	}
	txs, err := f.svc.List(ctx, []string{"Bob@Psp"}, 0)
	if err != nil || len(txs) != 1 {
		t.Fatalf("expected one listed transaction, got %d %v", len(txs), err)
	}
}

func TestCreateTransactionConcurrentDuplicates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	const workers = 16
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		accepted int
		ids      = map[int64]bool{}
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.svc.CreateTransaction(ctx, transfer("same-key", 100))
			if err != nil {
				t.Errorf("create: %v", err)
				return
			}
			mu.Lock()
			defer mu.Unlock()
			ids[res.Transaction.ID] = true
			if res.Accepted {
				accepted++
			}
		}()
	}
	wg.Wait()

	if accepted != 1 || len(ids) != 1 {
		t.Fatalf("expected exactly one accepted create and one id, got %d accepted, ids %v", accepted, ids)
	}
	f.expectBalances(t, "900", "100", "200")
}

func TestCreateTransactionRejectionsLeaveNoTrace(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	cases := []struct {
		name string
		in   CreateInput
		want error
	}{
		{"missing key", CreateInput{Amount: decimal.NewFromInt(1), PayerVPA: "alice@psp", PayeeVPA: "bob@psp"}, ErrInvalidRequest},
		{"malformed vpa", CreateInput{Amount: decimal.NewFromInt(1), PayerVPA: "alice", PayeeVPA: "bob@psp", ClientTransactionID: "x"}, ErrInvalidRequest},
		{"zero amount", transfer("a", 0), wallet.ErrInvalidAmount},
		{"insufficient", transfer("b", 1_001), wallet.ErrInsufficientFunds},
		{"self transfer", CreateInput{Amount: decimal.NewFromInt(1), PayerVPA: "alice@psp", PayeeVPA: "alice@psp", ClientTransactionID: "c"}, wallet.ErrSelfTransfer},
		{"unknown payee", CreateInput{Amount: decimal.NewFromInt(1), PayerVPA: "alice@psp", PayeeVPA: "ghost@psp", ClientTransactionID: "d"}, wallet.ErrNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := f.svc.CreateTransaction(ctx, tc.in); !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}

	f.expectBalances(t, "1000", "0", "200")
	if n, _ := f.store.CountTransactions(ctx, ledger.TransactionFilter{}); n != 0 {
		t.Fatalf("expected no transaction rows, got %d", n)
	}
	if v := testutil.ToFloat64(f.metrics.TransactionsRejected.WithLabelValues("insufficient_funds")); v != 1 {
		t.Fatalf("expected insufficient_funds rejection counted once, got %v", v)
	}
}

func TestApplyCallbackSuccessIsExactlyOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tx := f.create(t, "k1", 300)

	applied, err := f.svc.ApplyCallback(ctx, tx.ID, ledger.StatusSuccess)
	if err != nil || !applied {
		t.Fatalf("expected applied callback, got %v %v", applied, err)
	}
	f.expectBalances(t, "700", "0", "500")

	applied, err = f.svc.ApplyCallback(ctx, tx.ID, ledger.StatusSuccess)
	if err != nil || applied {
		t.Fatalf("expected duplicate callback to be a no-op, got %v %v", applied, err)
	}
	f.expectBalances(t, "700", "0", "500")

	got, _ := f.store.TransactionByID(ctx, tx.ID)
	if got.Status != ledger.StatusSuccess {
		t.Fatalf("expected SUCCESS, got %s", got.Status)
	}
	if v := testutil.ToFloat64(f.metrics.TransactionsSettled.WithLabelValues("SUCCESS")); v != 1 {
		t.Fatalf("expected one settlement, got %v", v)
	}
	if v := testutil.ToFloat64(f.metrics.CallbacksIgnored); v != 1 {
		t.Fatalf("expected one ignored callback, got %v", v)
	}
}

func TestApplyCallbackFailureAndTimeoutRollBack(t *testing.T) {
	for _, final := range []ledger.Status{ledger.StatusFailed, ledger.StatusTimeout} {
		t.Run(string(final), func(t *testing.T) {
			f := newFixture(t)
			ctx := context.Background()
			tx := f.create(t, "k1", 300)

			applied, err := f.svc.ApplyCallback(ctx, tx.ID, final)
			if err != nil || !applied {
				t.Fatalf("expected applied callback, got %v %v", applied, err)
			}
			f.expectBalances(t, "1000", "0", "200")

			got, _ := f.store.TransactionByID(ctx, tx.ID)
			if got.Status != ledger.StatusFailed {
				t.Fatalf("expected FAILED to be stored, got %s", got.Status)
			}
		})
	}
}

func TestApplyCallbackTerminalFinality(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	ok := f.create(t, "ok", 300)
	bad := f.create(t, "bad", 100)
	if _, err := f.svc.ApplyCallback(ctx, ok.ID, ledger.StatusSuccess); err != nil {
		t.Fatalf("settle ok: %v", err)
	}
	if _, err := f.svc.ApplyCallback(ctx, bad.ID, ledger.StatusFailed); err != nil {
		t.Fatalf("settle bad: %v", err)
	}
	f.expectBalances(t, "700", "0", "500")

	for _, id := range []int64{ok.ID, bad.ID} {
		for _, final := range []ledger.Status{ledger.StatusSuccess, ledger.StatusFailed, ledger.StatusTimeout} {
			applied, err := f.svc.ApplyCallback(ctx, id, final)
			if err != nil || applied {
				t.Fatalf("transaction %d %s: expected no-op, got %v %v", id, final, applied, err)
			}
		}
	}
	f.expectBalances(t, "700", "0", "500")

	okNow, _ := f.store.TransactionByID(ctx, ok.ID)
	badNow, _ := f.store.TransactionByID(ctx, bad.ID)
	if okNow.Status != ledger.StatusSuccess || badNow.Status != ledger.StatusFailed {
		t.Fatalf("terminal statuses changed: %s %s", okNow.Status, badNow.Status)
	}
}

func TestApplyCallbackUnknownAndInvalid(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	applied, err := f.svc.ApplyCallback(ctx, 999, ledger.StatusSuccess)
	if err != nil || applied {
		t.Fatalf("expected unknown id to be a no-op, got %v %v", applied, err)
	}

	tx := f.create(t, "k1", 10)
	for _, s := range []ledger.Status{ledger.StatusPending, "APPROVED"} {
		if _, err := f.svc.ApplyCallback(ctx, tx.ID, s); !errors.Is(err, ErrInvalidStatus) {
			t.Fatalf("%s: expected invalid status, got %v", s, err)
		}
	}
	got, _ := f.store.TransactionByID(ctx, tx.ID)
	if got.Status != ledger.StatusPending {
		t.Fatalf("expected transaction to stay pending, got %s", got.Status)
	}
}

func TestApplyCallbackConcurrentDeliveries(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tx := f.create(t, "k1", 300)

	const deliveries = 12
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		applied int
	)
	for i := 0; i < deliveries; i++ {
		final := ledger.StatusSuccess
		if i%2 == 1 {
			final = ledger.StatusFailed
		}
		wg.Add(1)
		go func(final ledger.Status) {
			defer wg.Done()
			ok, err := f.svc.ApplyCallback(ctx, tx.ID, final)
			if err != nil {
				t.Errorf("callback: %v", err)
				return
			}
			if ok {
				mu.Lock()
				applied++
				mu.Unlock()
			}
		}(final)
	}
	wg.Wait()

	if applied != 1 {
		t.Fatalf("expected exactly one applied callback, got %d", applied)
	}
	payer := f.wallet(t, f.payer.ID)
	payee := f.wallet(t, f.payee.ID)
	if !payer.LockedBalance.IsZero() {
		t.Fatalf("expected locked funds released, got %s", payer.LockedBalance)
	}
	total := payer.Total().Add(payee.Total())
	if !total.Equal(decimal.NewFromInt(1_200)) {
		t.Fatalf("expected money to be conserved at 1200, got %s", total)
	}
}

func TestApplyCallbackIntegrityFault(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tx := f.create(t, "k1", 300)

	// Simulate a diverged ledger: the earmark disappeared.
	err := f.store.WithinTx(ctx, func(ctx context.Context, ltx ledger.Tx) error {
		ws, err := ltx.LockWallets(ctx, f.payer.ID)
		if err != nil {
			return err
		}
		w := ws[f.payer.ID]
		w.LockedBalance = decimal.NewFromInt(100)
		return ltx.UpdateWallet(ctx, w)
	})
	if err != nil {
		t.Fatalf("corrupt wallet: %v", err)
	}

	applied, err := f.svc.ApplyCallback(ctx, tx.ID, ledger.StatusSuccess)
	if applied || !errors.Is(err, wallet.ErrInsufficientLockedFunds) {
		t.Fatalf("expected integrity failure, got %v %v", applied, err)
	}
	var ierr *wallet.IntegrityError
	if !errors.As(err, &ierr) || ierr.Operation != wallet.OpConfirm {
		t.Fatalf("expected confirm integrity error, got %v", err)
	}

	got, _ := f.store.TransactionByID(ctx, tx.ID)
	if got.Status != ledger.StatusPending {
		t.Fatalf("aborted unit must leave status untouched, got %s", got.Status)
	}
	f.expectBalances(t, "700", "100", "200")

	faults, _ := f.store.IntegrityFaults(ctx)
	if len(faults) != 1 || faults[0].TransactionID != tx.ID || !faults[0].LockedBalance.Equal(decimal.NewFromInt(100)) {
		t.Fatalf("expected one recorded fault for %d, got %+v", tx.ID, faults)
	}
	if v := testutil.ToFloat64(f.metrics.IntegrityFaults.WithLabelValues(wallet.OpConfirm)); v != 1 {
		t.Fatalf("expected integrity fault counter 1, got %v", v)
	}

	// No automatic retry: a second delivery fails the same way.
	if _, err := f.svc.ApplyCallback(ctx, tx.ID, ledger.StatusSuccess); !errors.Is(err, wallet.ErrInsufficientLockedFunds) {
		t.Fatalf("expected repeat integrity failure, got %v", err)
	}
}

func TestConservationAcrossManyTransactions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for i := 0; i < 30; i++ {
		tx := f.create(t, fmt.Sprintf("k%d", i), 7)
		final := ledger.StatusSuccess
		if i%3 == 0 {
			final = ledger.StatusTimeout
		}
		if _, err := f.svc.ApplyCallback(ctx, tx.ID, final); err != nil {
			t.Fatalf("settle %d: %v", i, err)
		}
	}

	// 20 successes of 7 moved to the payee, 10 timeouts returned.
	f.expectBalances(t, "860", "0", "340")
}

func TestQueriesAreScopedToParties(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, err := ledger.SeedAccount(ctx, f.store, "carol@psp", decimal.NewFromInt(50)); err != nil {
		t.Fatalf("seed carol: %v", err)
	}

	first := f.create(t, "k1", 10)
	second := f.create(t, "k2", 20)
	if _, err := f.svc.ApplyCallback(ctx, first.ID, ledger.StatusSuccess); err != nil {
		t.Fatalf("settle: %v", err)
	}

	got, err := f.svc.Get(ctx, first.ID, []string{"bob@psp"})
	if err != nil || got.ID != first.ID {
		t.Fatalf("payee should see transaction, got %+v %v", got, err)
	}
	if _, err := f.svc.Get(ctx, first.ID, []string{"carol@psp"}); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}
	if _, err := f.svc.Get(ctx, 12345, nil); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}

	status, err := f.svc.Status(ctx, second.ID, []string{"alice@psp"})
	if err != nil || status != ledger.StatusPending {
		t.Fatalf("expected PENDING, got %s %v", status, err)
	}

	list, err := f.svc.List(ctx, []string{"alice@psp"}, 0)
	if err != nil || len(list) != 2 || list[0].ID != second.ID {
		t.Fatalf("expected newest-first list of 2, got %+v %v", list, err)
	}
	if _, err := f.svc.List(ctx, nil, 0); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected invalid request for empty scope, got %v", err)
	}

	n, err := f.svc.CountByStatus(ctx, []string{"bob@psp"}, ledger.StatusSuccess)
	if err != nil || n != 1 {
		t.Fatalf("expected 1 successful transaction, got %d %v", n, err)
	}
	if _, err := f.svc.CountByStatus(ctx, []string{"bob@psp"}, ledger.StatusTimeout); !errors.Is(err, ErrInvalidStatus) {
		t.Fatalf("expected invalid status, got %v", err)
	}
}
