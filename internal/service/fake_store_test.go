package service

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/video-batcher/internal/models"
	"github.com/video-batcher/internal/storage"
	"github.com/video-batcher/internal/types"
)

// memLedgerStore is an in-memory LedgerStore. WithinTx holds one lock for the
// whole transaction and restores the previous state when fn fails.
type memLedgerStore struct {
	mu           sync.Mutex
	balances     map[string]int64
	transactions []*models.CreditTransaction
	reservations map[string]*models.VideoJob
}

func newMemLedgerStore() *memLedgerStore {
	return &memLedgerStore{
		balances:     map[string]int64{},
		reservations: map[string]*models.VideoJob{},
	}
}

func (s *memLedgerStore) WithinTx(ctx context.Context, fn func(tx storage.CreditTx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	balances := make(map[string]int64, len(s.balances))
	for k, v := range s.balances {
		balances[k] = v
	}
	txns := append([]*models.CreditTransaction(nil), s.transactions...)
	reservations := make(map[string]*models.VideoJob, len(s.reservations))
	for k, v := range s.reservations {
		cp := *v
		reservations[k] = &cp
	}

	if err := fn(&memTx{s: s}); err != nil {
		s.balances, s.transactions, s.reservations = balances, txns, reservations
		return err
	}
	return nil
}

func (s *memLedgerStore) GetBalance(ctx context.Context, userID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.balances[userID], nil
}

func (s *memLedgerStore) HeldCredits(ctx context.Context, userID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.held(userID), nil
}

func (s *memLedgerStore) held(userID string) int64 {
	var held int64
	for _, r := range s.reservations {
		if r.UserID == userID && r.Status == types.VideoJobPending {
			held += r.CreditsReserved
		}
	}
	return held
}

func (s *memLedgerStore) GetVideoJob(ctx context.Context, id string) (*models.VideoJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.reservations[id]
	if !ok {
		return nil, fmt.Errorf("video job %s: %w", id, storage.ErrNotFound)
	}
	cp := *r
	return &cp, nil
}

func (s *memLedgerStore) ListTransactions(ctx context.Context, userID string, limit, offset int) ([]*models.CreditTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.CreditTransaction
	for i := len(s.transactions) - 1; i >= 0; i-- {
		if s.transactions[i].UserID == userID {
			out = append(out, s.transactions[i])
		}
	}
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memLedgerStore) transactionsOf(userID string, typ types.TransactionType) []*models.CreditTransaction {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.CreditTransaction
	for _, t := range s.transactions {
		if t.UserID == userID && t.Type == typ {
			out = append(out, t)
		}
	}
	return out
}

func (s *memLedgerStore) reservationIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.reservations))
	for id := range s.reservations {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

type memTx struct {
	s *memLedgerStore
}

func (t *memTx) LockAccount(ctx context.Context, userID string) (int64, error) {
	return t.s.balances[userID], nil
}

func (t *memTx) SetBalance(ctx context.Context, userID string, balance int64) error {
	t.s.balances[userID] = balance
	return nil
}

func (t *memTx) HeldCredits(ctx context.Context, userID string) (int64, error) {
	return t.s.held(userID), nil
}

func (t *memTx) TransactionExists(ctx context.Context, key string) (bool, error) {
	for _, txn := range t.s.transactions {
		if txn.IdempotencyKey != nil && *txn.IdempotencyKey == key {
			return true, nil
		}
	}
	return false, nil
}

func (t *memTx) InsertTransaction(ctx context.Context, txn *models.CreditTransaction) error {
	if txn.IdempotencyKey != nil {
		if exists, _ := t.TransactionExists(ctx, *txn.IdempotencyKey); exists {
			return storage.ErrDuplicateKey
		}
	}
	cp := *txn
	t.s.transactions = append(t.s.transactions, &cp)
	return nil
}

func (t *memTx) InsertVideoJob(ctx context.Context, job *models.VideoJob) error {
	cp := *job
	t.s.reservations[job.ID] = &cp
	return nil
}

func (t *memTx) LockVideoJob(ctx context.Context, id string) (*models.VideoJob, error) {
	r, ok := t.s.reservations[id]
	if !ok {
		return nil, fmt.Errorf("video job %s: %w", id, storage.ErrNotFound)
	}
	cp := *r
	return &cp, nil
}

func (t *memTx) UpdateVideoJob(ctx context.Context, job *models.VideoJob) error {
	if _, ok := t.s.reservations[job.ID]; !ok {
		return fmt.Errorf("video job %s: %w", job.ID, storage.ErrNotFound)
	}
	cp := *job
	t.s.reservations[job.ID] = &cp
	return nil
}
