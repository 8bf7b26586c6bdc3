package payments

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vpapay/vpa_pay/internal/ledger"
	"github.com/vpapay/vpa_pay/internal/metrics"
	"github.com/vpapay/vpa_pay/internal/notification"
	"github.com/vpapay/vpa_pay/internal/validation"
	"github.com/vpapay/vpa_pay/internal/wallet"
)

var (
	// ErrInvalidRequest rejects create requests with missing or malformed fields.
	ErrInvalidRequest = errors.New("invalid transaction request")
	// ErrInvalidStatus rejects a final status outside SUCCESS, FAILED and TIMEOUT.
	ErrInvalidStatus = errors.New("invalid final status")
	// ErrNotFound is returned when a transaction id does not exist.
	ErrNotFound = errors.New("transaction not found")
	// ErrForbidden is returned when none of the caller's VPAs is a party to the transaction.
	ErrForbidden = errors.New("not a party to this transaction")
)

const (
	defaultListLimit = 50
	maxListLimit     = 200
)

// Dispatcher hands committed PENDING transactions to the clearing network.
type Dispatcher interface {
	Enqueue(tx ledger.Transaction) error
}

// Service is the transaction engine: idempotent creation with an earmark,
// and exactly-once settlement of clearing verdicts.
type Service struct {
	store      ledger.Store
	wallets    *wallet.Service
	dispatcher Dispatcher
	notifier   notification.Notifier
	metrics    *metrics.Metrics
	logger     *slog.Logger
}

// NewService constructs the transaction engine. dispatcher, notifier and m may be nil.
func NewService(store ledger.Store, wallets *wallet.Service, dispatcher Dispatcher, notifier notification.Notifier, m *metrics.Metrics, logger *slog.Logger) *Service {
	return &Service{
		store:      store,
		wallets:    wallets,
		dispatcher: dispatcher,
		notifier:   notifier,
		metrics:    m,
		logger:     logger,
	}
}

// CreateInput captures a transfer request.
type CreateInput struct {
	Amount              decimal.Decimal
	PayerVPA            string
	PayeeVPA            string
	ClientTransactionID string
}

// CreateResult reports the transaction and whether this call created it.
type CreateResult struct {
	Transaction ledger.Transaction
	Accepted    bool
}

func (in CreateInput) validate() error {
	var missing []string
	if in.ClientTransactionID == "" {
		missing = append(missing, "clientTransactionId")
	}
	if in.PayerVPA == "" {
		missing = append(missing, "payerVpa")
	}
	if in.PayeeVPA == "" {
		missing = append(missing, "payeeVpa")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrInvalidRequest, strings.Join(missing, ", "))
	}
	if !validation.IsVPA(in.PayerVPA) {
		return fmt.Errorf("%w: malformed payerVpa %q", ErrInvalidRequest, in.PayerVPA)
	}
	if !validation.IsVPA(in.PayeeVPA) {
		return fmt.Errorf("%w: malformed payeeVpa %q", ErrInvalidRequest, in.PayeeVPA)
	}
	return nil
}

// CreateTransaction earmarks the payer's funds and records a PENDING
// transaction in one atomic unit. A repeated clientTransactionId returns the
// stored transaction with Accepted=false and changes nothing.
func (s *Service) CreateTransaction(ctx context.Context, in CreateInput) (CreateResult, error) {
	in.ClientTransactionID = strings.TrimSpace(in.ClientTransactionID)
	in.PayerVPA = ledger.NormalizeVPA(in.PayerVPA)
	in.PayeeVPA = ledger.NormalizeVPA(in.PayeeVPA)
	if err := in.validate(); err != nil {
		s.rejected("invalid_request")
		return CreateResult{}, err
	}

	if existing, err := s.store.TransactionByClientID(ctx, in.ClientTransactionID); err == nil {
		return s.duplicate(existing), nil
	} else if !errors.Is(err, ledger.ErrNotFound) {
		return CreateResult{}, err
	}

	var created ledger.Transaction
	err := s.store.WithinTx(ctx, func(ctx context.Context, tx ledger.Tx) error {
		if _, err := s.wallets.Earmark(ctx, tx, in.PayerVPA, in.PayeeVPA, in.Amount); err != nil {
			return err
		}
		var err error
		created, err = tx.InsertTransaction(ctx, ledger.Transaction{
			ClientTransactionID: in.ClientTransactionID,
			PayerVPA:            in.PayerVPA,
			PayeeVPA:            in.PayeeVPA,
			Amount:              ledger.Round(in.Amount),
			Status:              ledger.StatusPending,
		})
		return err
	})
	if err != nil {
		// A concurrent request with the same key may have committed first and
		// failed this unit at the insert or, having spent the funds, at the
		// earmark. Either way the stored row is the answer.
		existing, rerr := s.store.TransactionByClientID(ctx, in.ClientTransactionID)
		switch {
		case rerr == nil:
			s.logger.Info("concurrent duplicate resolved to existing transaction",
				slog.String("client_transaction_id", in.ClientTransactionID),
				slog.Int64("transaction_id", existing.ID),
				slog.String("unit_error", err.Error()),
			)
			return s.duplicate(existing), nil
		case errors.Is(err, ledger.ErrDuplicateTransaction):
			return CreateResult{}, fmt.Errorf("read winning transaction %s: %w", in.ClientTransactionID, rerr)
		}
		s.rejected(rejectionReason(err))
		return CreateResult{}, err
	}

	if s.metrics != nil {
		s.metrics.TransactionsCreated.Inc()
	}
	s.logger.Info("transaction created",
		slog.Int64("transaction_id", created.ID),
		slog.String("client_transaction_id", created.ClientTransactionID),
		slog.String("payer_vpa", created.PayerVPA),
		slog.String("payee_vpa", created.PayeeVPA),
		slog.String("amount", created.Amount.StringFixed(2)),
	)

	s.notify(ctx, notification.Message{
		Kind:          notification.KindTransactionAccepted,
		Destination:   created.PayerVPA,
		TransactionID: created.ID,
		Amount:        created.Amount.StringFixed(2),
		Body:          fmt.Sprintf("Payment of %s to %s is being processed", created.Amount.StringFixed(2), created.PayeeVPA),
	})
	if s.dispatcher != nil {
		// Enqueue failures leave the transaction PENDING for the switch callback.
		_ = s.dispatcher.Enqueue(created)
	}
	return CreateResult{Transaction: created, Accepted: true}, nil
}

func (s *Service) duplicate(existing ledger.Transaction) CreateResult {
	if s.metrics != nil {
		s.metrics.TransactionsDuplicate.Inc()
	}
	return CreateResult{Transaction: existing, Accepted: false}
}

func (s *Service) rejected(reason string) {
	if s.metrics != nil {
		s.metrics.TransactionsRejected.WithLabelValues(reason).Inc()
	}
}

func rejectionReason(err error) string {
	switch {
	case errors.Is(err, wallet.ErrInvalidAmount):
		return "invalid_amount"
	case errors.Is(err, wallet.ErrNotFound):
		return "not_found"
	case errors.Is(err, wallet.ErrSelfTransfer):
		return "self_transfer"
	case errors.Is(err, wallet.ErrInsufficientFunds):
		return "insufficient_funds"
	default:
		return "error"
	}
}

// ApplyCallback settles a PENDING transaction with the clearing verdict.
// SUCCESS confirms the earmark; FAILED and TIMEOUT roll it back and store
// FAILED. Missing or already settled transactions report applied=false.
func (s *Service) ApplyCallback(ctx context.Context, id int64, finalStatus ledger.Status) (bool, error) {
	switch finalStatus {
	case ledger.StatusSuccess, ledger.StatusFailed, ledger.StatusTimeout:
	default:
		return false, fmt.Errorf("%w: %q", ErrInvalidStatus, finalStatus)
	}

	var (
		applied bool
		settled ledger.Transaction
		pending ledger.Transaction
	)
	err := s.store.WithinTx(ctx, func(ctx context.Context, tx ledger.Tx) error {
		t, err := tx.LockTransaction(ctx, id)
		if err != nil {
			if errors.Is(err, ledger.ErrNotFound) {
				return nil
			}
			return err
		}
		if t.Status != ledger.StatusPending {
			return nil
		}
		pending = t

		next := ledger.StatusFailed
		if finalStatus == ledger.StatusSuccess {
			next = ledger.StatusSuccess
			err = s.wallets.Confirm(ctx, tx, t.PayerVPA, t.PayeeVPA, t.Amount)
		} else {
			err = s.wallets.Rollback(ctx, tx, t.PayerVPA, t.PayeeVPA, t.Amount)
		}
		if err != nil {
			return err
		}
		settled, err = tx.UpdateTransactionStatus(ctx, t.ID, next)
		if err != nil {
			return err
		}
		applied = true
		return nil
	})
	if err != nil {
		var ierr *wallet.IntegrityError
		if errors.As(err, &ierr) {
			s.recordIntegrityFault(ctx, pending, ierr)
		}
		return false, err
	}

	if !applied {
		if s.metrics != nil {
			s.metrics.CallbacksIgnored.Inc()
		}
		s.logger.Info("callback ignored, transaction missing or already settled",
			slog.Int64("transaction_id", id),
			slog.String("final_status", string(finalStatus)),
		)
		return false, nil
	}

	if s.metrics != nil {
		s.metrics.TransactionsSettled.WithLabelValues(string(settled.Status)).Inc()
	}
	s.logger.Info("transaction settled",
		slog.Int64("transaction_id", settled.ID),
		slog.String("final_status", string(finalStatus)),
		slog.String("status", string(settled.Status)),
	)
	s.notifySettlement(ctx, settled)
	return true, nil
}

func (s *Service) recordIntegrityFault(ctx context.Context, t ledger.Transaction, ierr *wallet.IntegrityError) {
	if s.metrics != nil {
		s.metrics.IntegrityFaults.WithLabelValues(ierr.Operation).Inc()
	}
	ctx = context.WithoutCancel(ctx)
	fault, err := s.store.RecordIntegrityFault(ctx, ledger.IntegrityFault{
		TransactionID: t.ID,
		Operation:     ierr.Operation,
		PayerVPA:      ierr.PayerVPA,
		PayeeVPA:      ierr.PayeeVPA,
		Amount:        ierr.Amount,
		Balance:       ierr.Balance,
		LockedBalance: ierr.LockedBalance,
		Message:       ierr.Error(),
	})
	if err != nil {
		s.logger.Error("persist integrity fault",
			slog.Int64("transaction_id", t.ID),
			slog.String("fault", ierr.Error()),
			slog.String("error", err.Error()),
		)
		return
	}
	s.logger.Error("transaction requires manual reconciliation",
		slog.Int64("transaction_id", t.ID),
		slog.Int64("fault_id", fault.ID),
		slog.String("operation", ierr.Operation),
	)
	s.notify(ctx, notification.Message{
		Kind:          notification.KindIntegrityFault,
		Destination:   "operations",
		TransactionID: t.ID,
		Amount:        ierr.Amount.StringFixed(2),
		Body:          ierr.Error(),
	})
}

func (s *Service) notifySettlement(ctx context.Context, t ledger.Transaction) {
	amount := t.Amount.StringFixed(2)
	if t.Status == ledger.StatusSuccess {
		s.notify(ctx, notification.Message{
			Kind:          notification.KindTransactionSettled,
			Destination:   t.PayerVPA,
			TransactionID: t.ID,
			Amount:        amount,
			Body:          fmt.Sprintf("You paid %s to %s", amount, t.PayeeVPA),
		})
		s.notify(ctx, notification.Message{
			Kind:          notification.KindTransactionSettled,
			Destination:   t.PayeeVPA,
			TransactionID: t.ID,
			Amount:        amount,
			Body:          fmt.Sprintf("You received %s from %s", amount, t.PayerVPA),
		})
		return
	}
	s.notify(ctx, notification.Message{
		Kind:          notification.KindTransactionFailed,
		Destination:   t.PayerVPA,
		TransactionID: t.ID,
		Amount:        amount,
		Body:          fmt.Sprintf("Payment of %s to %s failed and was returned to your wallet", amount, t.PayeeVPA),
	})
}

func (s *Service) notify(ctx context.Context, msg notification.Message) {
	if s.notifier == nil {
		return
	}
	if msg.OccurredAt.IsZero() {
		msg.OccurredAt = time.Now().UTC()
	}
	if err := s.notifier.Send(ctx, msg); err != nil {
		s.logger.Warn("notification failed",
			slog.String("kind", msg.Kind),
			slog.Int64("transaction_id", msg.TransactionID),
			slog.String("error", err.Error()),
		)
	}
}

// Get returns a transaction. When scope is non-empty the transaction must
// involve one of its VPAs.
func (s *Service) Get(ctx context.Context, id int64, scope []string) (ledger.Transaction, error) {
	t, err := s.store.TransactionByID(ctx, id)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			return ledger.Transaction{}, ErrNotFound
		}
		return ledger.Transaction{}, err
	}
	if len(scope) > 0 && !involves(t, normalizeScope(scope)) {
		return ledger.Transaction{}, ErrForbidden
	}
	return t, nil
}

// Status returns only the status of a transaction, under the same scoping as Get.
func (s *Service) Status(ctx context.Context, id int64, scope []string) (ledger.Status, error) {
	t, err := s.Get(ctx, id, scope)
	if err != nil {
		return "", err
	}
	return t.Status, nil
}

// List returns transactions where any of vpas is payer or payee, newest first.
func (s *Service) List(ctx context.Context, vpas []string, limit int) ([]ledger.Transaction, error) {
	if len(vpas) == 0 {
		return nil, fmt.Errorf("%w: at least one vpa is required", ErrInvalidRequest)
	}
	switch {
	case limit <= 0:
		limit = defaultListLimit
	case limit > maxListLimit:
		limit = maxListLimit
	}
	return s.store.ListTransactions(ctx, ledger.TransactionFilter{VPAs: normalizeScope(vpas), Limit: limit})
}

// CountByStatus counts transactions involving vpas that are in status.
func (s *Service) CountByStatus(ctx context.Context, vpas []string, status ledger.Status) (int64, error) {
	if len(vpas) == 0 {
		return 0, fmt.Errorf("%w: at least one vpa is required", ErrInvalidRequest)
	}
	switch status {
	case ledger.StatusPending, ledger.StatusSuccess, ledger.StatusFailed:
	default:
		return 0, fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}
	return s.store.CountTransactions(ctx, ledger.TransactionFilter{VPAs: normalizeScope(vpas), Status: status})
}

func normalizeScope(vpas []string) []string {
	out := make([]string, 0, len(vpas))
	for _, v := range vpas {
		out = append(out, ledger.NormalizeVPA(v))
	}
	return out
}

func involves(t ledger.Transaction, vpas []string) bool {
	for _, v := range vpas {
		if t.PayerVPA == v || t.PayeeVPA == v {
			return true
		}
	}
	return false
}
