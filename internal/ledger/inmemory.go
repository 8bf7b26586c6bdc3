package ledger

import (
	"context"
	"sort"
	"sync"
	"time"
)

type inMemoryStore struct {
	mu sync.RWMutex
	state
	faults []IntegrityFault
}

// state is the committed data set. memTx stages writes in its own state and
// merges them on commit.
type state struct {
	users        map[int64]User
	wallets      map[int64]Wallet
	vpas         map[string]VPA
	transactions map[int64]Transaction
	clientIndex  map[string]int64
	seq          sequences
}

type sequences struct {
	user, wallet, vpa, transaction, fault int64
}

func newState() state {
	return state{
		users:        make(map[int64]User),
		wallets:      make(map[int64]Wallet),
		vpas:         make(map[string]VPA),
		transactions: make(map[int64]Transaction),
		clientIndex:  make(map[string]int64),
	}
}

// NewInMemory creates a concurrency-safe in-memory ledger store useful for
// unit tests and local development. Atomic units are serialised.
func NewInMemory() Store {
	return &inMemoryStore{state: newState()}
}

func (s *inMemoryStore) Ping(context.Context) error { return nil }

func (s *inMemoryStore) WithinTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memTx{base: &s.state, staged: newState()}
	tx.staged.seq = s.seq
	if err := fn(ctx, tx); err != nil {
		return err
	}

	for id, u := range tx.staged.users {
		s.users[id] = u
	}
	for id, w := range tx.staged.wallets {
		s.wallets[id] = w
	}
	for addr, v := range tx.staged.vpas {
		s.vpas[addr] = v
	}
	for id, t := range tx.staged.transactions {
		s.transactions[id] = t
	}
	for key, id := range tx.staged.clientIndex {
		s.clientIndex[key] = id
	}
	s.seq = tx.staged.seq
	return nil
}

func (s *inMemoryStore) ResolveVPA(_ context.Context, address string) (VPA, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.resolveVPA(address)
}

func (s *inMemoryStore) Wallet(_ context.Context, id int64) (Wallet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.wallets[id]
	if !ok {
		return Wallet{}, ErrNotFound
	}
	return w, nil
}

func (s *inMemoryStore) TransactionByID(_ context.Context, id int64) (Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.transactions[id]
	if !ok {
		return Transaction{}, ErrNotFound
	}
	return t, nil
}

func (s *inMemoryStore) TransactionByClientID(_ context.Context, clientTxID string) (Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.clientIndex[clientTxID]
	if !ok {
		return Transaction{}, ErrNotFound
	}
	return s.transactions[id], nil
}

func (s *inMemoryStore) ListTransactions(_ context.Context, filter TransactionFilter) ([]Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Transaction, 0)
	for _, t := range s.transactions {
		if filter.matches(t) {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *inMemoryStore) CountTransactions(_ context.Context, filter TransactionFilter) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int64
	for _, t := range s.transactions {
		if filter.matches(t) {
			n++
		}
	}
	return n, nil
}

func (s *inMemoryStore) RecordIntegrityFault(_ context.Context, f IntegrityFault) (IntegrityFault, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq.fault++
	f.ID = s.seq.fault
	f.CreatedAt = time.Now().UTC()
	s.faults = append(s.faults, f)
	return f, nil
}

func (s *inMemoryStore) IntegrityFaults(context.Context) ([]IntegrityFault, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]IntegrityFault, len(s.faults))
	copy(out, s.faults)
	return out, nil
}

func (st *state) resolveVPA(address string) (VPA, error) {
	v, ok := st.vpas[address]
	if !ok {
		return VPA{}, ErrNotFound
	}
	return v, nil
}

func (f TransactionFilter) matches(t Transaction) bool {
	if f.Status != "" && t.Status != f.Status {
		return false
	}
	if len(f.VPAs) == 0 {
		return true
	}
	for _, v := range f.VPAs {
		if t.PayerVPA == v || t.PayeeVPA == v {
			return true
		}
	}
	return false
}

type memTx struct {
	base   *state
	staged state
}

func (t *memTx) ResolveVPA(_ context.Context, address string) (VPA, error) {
	if v, ok := t.staged.vpas[address]; ok {
		return v, nil
	}
	return t.base.resolveVPA(address)
}

func (t *memTx) Wallet(_ context.Context, id int64) (Wallet, error) {
	if w, ok := t.staged.wallets[id]; ok {
		return w, nil
	}
	if w, ok := t.base.wallets[id]; ok {
		return w, nil
	}
	return Wallet{}, ErrNotFound
}

func (t *memTx) TransactionByID(_ context.Context, id int64) (Transaction, error) {
	if tr, ok := t.staged.transactions[id]; ok {
		return tr, nil
	}
	if tr, ok := t.base.transactions[id]; ok {
		return tr, nil
	}
	return Transaction{}, ErrNotFound
}

func (t *memTx) TransactionByClientID(ctx context.Context, clientTxID string) (Transaction, error) {
	if id, ok := t.staged.clientIndex[clientTxID]; ok {
		return t.TransactionByID(ctx, id)
	}
	if id, ok := t.base.clientIndex[clientTxID]; ok {
		return t.TransactionByID(ctx, id)
	}
	return Transaction{}, ErrNotFound
}

func (t *memTx) LockWallets(ctx context.Context, ids ...int64) (map[int64]Wallet, error) {
	out := make(map[int64]Wallet, len(ids))
	for _, id := range ids {
		w, err := t.Wallet(ctx, id)
		if err != nil {
			return nil, err
		}
		out[id] = w
	}
	return out, nil
}

func (t *memTx) UpdateWallet(ctx context.Context, w Wallet) error {
	current, err := t.Wallet(ctx, w.ID)
	if err != nil {
		return err
	}
	current.Balance = w.Balance
	current.LockedBalance = w.LockedBalance
	current.UpdatedAt = time.Now().UTC()
	t.staged.wallets[w.ID] = current
	return nil
}

func (t *memTx) LockTransaction(ctx context.Context, id int64) (Transaction, error) {
	return t.TransactionByID(ctx, id)
}

func (t *memTx) InsertTransaction(ctx context.Context, tr Transaction) (Transaction, error) {
	if _, err := t.TransactionByClientID(ctx, tr.ClientTransactionID); err == nil {
		return Transaction{}, ErrDuplicateTransaction
	}
	now := time.Now().UTC()
	t.staged.seq.transaction++
	tr.ID = t.staged.seq.transaction
	tr.CreatedAt = now
	tr.UpdatedAt = now
	t.staged.transactions[tr.ID] = tr
	t.staged.clientIndex[tr.ClientTransactionID] = tr.ID
	return tr, nil
}

func (t *memTx) UpdateTransactionStatus(ctx context.Context, id int64, status Status) (Transaction, error) {
	tr, err := t.TransactionByID(ctx, id)
	if err != nil {
		return Transaction{}, err
	}
	tr.Status = status
	tr.UpdatedAt = time.Now().UTC()
	t.staged.transactions[id] = tr
	return tr, nil
}

func (t *memTx) CreateUser(_ context.Context, u User) (User, error) {
	t.staged.seq.user++
	u.ID = t.staged.seq.user
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	t.staged.users[u.ID] = u
	return u, nil
}

func (t *memTx) CreateWallet(_ context.Context, w Wallet) (Wallet, error) {
	now := time.Now().UTC()
	t.staged.seq.wallet++
	w.ID = t.staged.seq.wallet
	w.Balance = Round(w.Balance)
	w.LockedBalance = Round(w.LockedBalance)
	w.CreatedAt = now
	w.UpdatedAt = now
	t.staged.wallets[w.ID] = w
	return w, nil
}

func (t *memTx) CreateVPA(ctx context.Context, v VPA) (VPA, error) {
	if _, err := t.ResolveVPA(ctx, v.Address); err == nil {
		return VPA{}, ErrDuplicateVPA
	}
	t.staged.seq.vpa++
	v.ID = t.staged.seq.vpa
	if v.CreatedAt.IsZero() {
		v.CreatedAt = time.Now().UTC()
	}
	t.staged.vpas[v.Address] = v
	return v, nil
}
