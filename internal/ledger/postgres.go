package ledger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

const uniqueViolation = "23505"

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore persists wallets and transactions in PostgreSQL. Each atomic
// unit is one database transaction; wallet and transaction rows are locked
// with SELECT ... FOR UPDATE.
type PostgresStore struct {
	db *pgxpool.Pool
	pgReader
}

// NewPostgresStore constructs a Postgres-backed ledger store. The pool is
// owned by the caller.
func NewPostgresStore(db *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: db, pgReader: pgReader{q: db}}
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

// WithinTx runs fn inside a single database transaction.
func (s *PostgresStore) WithinTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin ledger tx: %w", err)
	}
	defer tx.Rollback(ctx) // nolint:errcheck

	if err := fn(ctx, &pgTx{pgReader: pgReader{q: tx}}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit ledger tx: %w", err)
	}
	return nil
}

const transactionColumns = `id, client_transaction_id, payer_vpa, payee_vpa, amount::text, status, created_at, updated_at`

// ListTransactions returns transactions touching any of the filter VPAs, newest first.
func (s *PostgresStore) ListTransactions(ctx context.Context, filter TransactionFilter) ([]Transaction, error) {
	where, args := filterClause(filter)
	query := `SELECT ` + transactionColumns + ` FROM transactions` + where + ` ORDER BY created_at DESC, id DESC`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Transaction, 0)
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// CountTransactions counts transactions matching the filter.
func (s *PostgresStore) CountTransactions(ctx context.Context, filter TransactionFilter) (int64, error) {
	where, args := filterClause(filter)
	var n int64
	if err := s.db.QueryRow(ctx, `SELECT COUNT(*) FROM transactions`+where, args...).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

// RecordIntegrityFault stores a divergence record outside of any aborted unit.
func (s *PostgresStore) RecordIntegrityFault(ctx context.Context, f IntegrityFault) (IntegrityFault, error) {
	const query = `
        INSERT INTO integrity_faults (transaction_id, operation, payer_vpa, payee_vpa, amount, balance, locked_balance, message)
        VALUES ($1, $2, $3, $4, $5::numeric, $6::numeric, $7::numeric, $8)
        RETURNING id, created_at`
	err := s.db.QueryRow(ctx, query, f.TransactionID, f.Operation, f.PayerVPA, f.PayeeVPA,
		f.Amount.String(), f.Balance.String(), f.LockedBalance.String(), f.Message).Scan(&f.ID, &f.CreatedAt)
	if err != nil {
		return IntegrityFault{}, err
	}
	f.CreatedAt = f.CreatedAt.UTC()
	return f, nil
}

// IntegrityFaults lists every recorded fault, oldest first.
func (s *PostgresStore) IntegrityFaults(ctx context.Context) ([]IntegrityFault, error) {
	rows, err := s.db.Query(ctx, `
        SELECT id, transaction_id, operation, payer_vpa, payee_vpa, amount::text, balance::text, locked_balance::text, message, created_at
        FROM integrity_faults ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]IntegrityFault, 0)
	for rows.Next() {
		var (
			f                       IntegrityFault
			amount, balance, locked string
		)
		if err := rows.Scan(&f.ID, &f.TransactionID, &f.Operation, &f.PayerVPA, &f.PayeeVPA, &amount, &balance, &locked, &f.Message, &f.CreatedAt); err != nil {
			return nil, err
		}
		if f.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, err
		}
		if f.Balance, err = decimal.NewFromString(balance); err != nil {
			return nil, err
		}
		if f.LockedBalance, err = decimal.NewFromString(locked); err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

type pgReader struct {
	q querier
}

func (r pgReader) ResolveVPA(ctx context.Context, address string) (VPA, error) {
	const query = `SELECT id, address, user_id, wallet_id, is_primary, created_at FROM vpas WHERE address = $1`
	var v VPA
	if err := r.q.QueryRow(ctx, query, address).Scan(&v.ID, &v.Address, &v.UserID, &v.WalletID, &v.IsPrimary, &v.CreatedAt); err != nil {
		return VPA{}, mapError(err)
	}
	return v, nil
}

func (r pgReader) Wallet(ctx context.Context, id int64) (Wallet, error) {
	return scanWallet(r.q.QueryRow(ctx, `SELECT `+walletColumns+` FROM wallets WHERE id = $1`, id))
}

func (r pgReader) TransactionByID(ctx context.Context, id int64) (Transaction, error) {
	t, err := scanTransaction(r.q.QueryRow(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE id = $1`, id))
	return t, mapError(err)
}

func (r pgReader) TransactionByClientID(ctx context.Context, clientTxID string) (Transaction, error) {
	t, err := scanTransaction(r.q.QueryRow(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE client_transaction_id = $1`, clientTxID))
	return t, mapError(err)
}

type pgTx struct {
	pgReader
}

const walletColumns = `id, user_id, balance::text, locked_balance::text, currency, created_at, updated_at`

func (t *pgTx) LockWallets(ctx context.Context, ids ...int64) (map[int64]Wallet, error) {
	ordered := append([]int64(nil), ids...)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i] < ordered[j] })

	out := make(map[int64]Wallet, len(ordered))
	for _, id := range ordered {
		if _, done := out[id]; done {
			continue
		}
		w, err := scanWallet(t.q.QueryRow(ctx, `SELECT `+walletColumns+` FROM wallets WHERE id = $1 FOR UPDATE`, id))
		if err != nil {
			return nil, err
		}
		out[id] = w
	}
	return out, nil
}

func (t *pgTx) UpdateWallet(ctx context.Context, w Wallet) error {
	cmd, err := t.q.Exec(ctx, `UPDATE wallets SET balance = $1::numeric, locked_balance = $2::numeric, updated_at = NOW() WHERE id = $3`,
		Round(w.Balance).String(), Round(w.LockedBalance).String(), w.ID)
	if err != nil {
		return mapError(err)
	}
	if cmd.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *pgTx) LockTransaction(ctx context.Context, id int64) (Transaction, error) {
	tr, err := scanTransaction(t.q.QueryRow(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE id = $1 FOR UPDATE`, id))
	return tr, mapError(err)
}

func (t *pgTx) InsertTransaction(ctx context.Context, tr Transaction) (Transaction, error) {
	const query = `
        INSERT INTO transactions (client_transaction_id, payer_vpa, payee_vpa, amount, status)
        VALUES ($1, $2, $3, $4::numeric, $5)
        RETURNING ` + transactionColumns
	out, err := scanTransaction(t.q.QueryRow(ctx, query, tr.ClientTransactionID, tr.PayerVPA, tr.PayeeVPA, Round(tr.Amount).String(), string(tr.Status)))
	if err != nil {
		if isUniqueViolation(err) {
			return Transaction{}, ErrDuplicateTransaction
		}
		return Transaction{}, mapError(err)
	}
	return out, nil
}

func (t *pgTx) UpdateTransactionStatus(ctx context.Context, id int64, status Status) (Transaction, error) {
	const query = `UPDATE transactions SET status = $1, updated_at = NOW() WHERE id = $2 RETURNING ` + transactionColumns
	out, err := scanTransaction(t.q.QueryRow(ctx, query, string(status), id))
	return out, mapError(err)
}

func (t *pgTx) CreateUser(ctx context.Context, u User) (User, error) {
	const query = `INSERT INTO users (external_id, name, pin_hash) VALUES ($1, $2, $3) RETURNING id, created_at`
	if err := t.q.QueryRow(ctx, query, u.ExternalID, u.Name, u.PINHash).Scan(&u.ID, &u.CreatedAt); err != nil {
		return User{}, mapError(err)
	}
	u.CreatedAt = u.CreatedAt.UTC()
	return u, nil
}

func (t *pgTx) CreateWallet(ctx context.Context, w Wallet) (Wallet, error) {
	const query = `
        INSERT INTO wallets (user_id, balance, locked_balance, currency)
        VALUES ($1, $2::numeric, $3::numeric, $4)
        RETURNING ` + walletColumns
	return scanWallet(t.q.QueryRow(ctx, query, w.UserID, Round(w.Balance).String(), Round(w.LockedBalance).String(), w.Currency))
}

func (t *pgTx) CreateVPA(ctx context.Context, v VPA) (VPA, error) {
	const query = `
        INSERT INTO vpas (address, user_id, wallet_id, is_primary)
        VALUES ($1, $2, $3, $4)
        RETURNING id, created_at`
	if err := t.q.QueryRow(ctx, query, v.Address, v.UserID, v.WalletID, v.IsPrimary).Scan(&v.ID, &v.CreatedAt); err != nil {
		if isUniqueViolation(err) {
			return VPA{}, ErrDuplicateVPA
		}
		return VPA{}, mapError(err)
	}
	return v, nil
}

func scanWallet(row pgx.Row) (Wallet, error) {
	var (
		w               Wallet
		balance, locked string
	)
	if err := row.Scan(&w.ID, &w.UserID, &balance, &locked, &w.Currency, &w.CreatedAt, &w.UpdatedAt); err != nil {
		return Wallet{}, mapError(err)
	}
	var err error
	if w.Balance, err = decimal.NewFromString(balance); err != nil {
		return Wallet{}, fmt.Errorf("parse wallet %d balance: %w", w.ID, err)
	}
	if w.LockedBalance, err = decimal.NewFromString(locked); err != nil {
		return Wallet{}, fmt.Errorf("parse wallet %d locked balance: %w", w.ID, err)
	}
	w.CreatedAt = w.CreatedAt.UTC()
	w.UpdatedAt = w.UpdatedAt.UTC()
	return w, nil
}

func scanTransaction(row pgx.Row) (Transaction, error) {
	var (
		t              Transaction
		amount, status string
		created        time.Time
		updated        time.Time
	)
	if err := row.Scan(&t.ID, &t.ClientTransactionID, &t.PayerVPA, &t.PayeeVPA, &amount, &status, &created, &updated); err != nil {
		return Transaction{}, err
	}
	var err error
	if t.Amount, err = decimal.NewFromString(amount); err != nil {
		return Transaction{}, fmt.Errorf("parse transaction %d amount: %w", t.ID, err)
	}
	t.Status = Status(status)
	t.CreatedAt = created.UTC()
	t.UpdatedAt = updated.UTC()
	return t, nil
}

func filterClause(filter TransactionFilter) (string, []any) {
	var (
		clauses []string
		args    []any
	)
	if len(filter.VPAs) > 0 {
		args = append(args, filter.VPAs)
		clauses = append(clauses, fmt.Sprintf("(payer_vpa = ANY($%d) OR payee_vpa = ANY($%d))", len(args), len(args)))
	}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		clauses = append(clauses, fmt.Sprintf("status = $%d", len(args)))
	}
	if len(clauses) == 0 {
		return "", args
	}
	where := " WHERE " + clauses[0]
	for _, c := range clauses[1:] {
		where += " AND " + c
	}
	return where, args
}

// mapError translates a missing row into ErrNotFound.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}
