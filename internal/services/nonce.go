package services

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"paygate_app_echo/internal/x402"
)

// NonceStateStore holds the locally tracked "pending" counter per payer. The
// invariant maintained by the allocator is pending >= onLedger at all times;
// the counter carries a finite expiry so stale state self-heals.
type NonceStateStore interface {
	GetPending(ctx context.Context, payer common.Address) (uint64, bool, error)
	SetPending(ctx context.Context, payer common.Address, next uint64, ttl time.Duration) error
	ClearPending(ctx context.Context, payer common.Address) error
}

// RedisNonceStore keeps pending counters in Redis so every service instance
// sees the same state.
type RedisNonceStore struct {
	cache *RedisCache
}

func NewRedisNonceStore(cache *RedisCache) *RedisNonceStore {
	return &RedisNonceStore{cache: cache}
}

func pendingKey(payer common.Address) string {
	return "nonce:pending:" + payer.Hex()
}

func (s *RedisNonceStore) GetPending(ctx context.Context, payer common.Address) (uint64, bool, error) {
	var pending uint64
	err := s.cache.Get(ctx, pendingKey(payer), &pending)
	if err != nil {
		if IsNil(err) {
			return 0, false, nil
		}
		return 0, false, err
	}
	return pending, true, nil
}

func (s *RedisNonceStore) SetPending(ctx context.Context, payer common.Address, next uint64, ttl time.Duration) error {
	return s.cache.Set(ctx, pendingKey(payer), next, ttl)
}

func (s *RedisNonceStore) ClearPending(ctx context.Context, payer common.Address) error {
	return s.cache.Delete(ctx, pendingKey(payer))
}

// MemoryNonceStore is an in-process NonceStateStore for tests and
// single-instance deployments.
type MemoryNonceStore struct {
	mu      sync.Mutex
	pending map[common.Address]uint64
}

func NewMemoryNonceStore() *MemoryNonceStore {
	return &MemoryNonceStore{pending: make(map[common.Address]uint64)}
}

func (s *MemoryNonceStore) GetPending(ctx context.Context, payer common.Address) (uint64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.pending[payer]
	return v, ok, nil
}

func (s *MemoryNonceStore) SetPending(ctx context.Context, payer common.Address, next uint64, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending[payer] = next
	return nil
}

func (s *MemoryNonceStore) ClearPending(ctx context.Context, payer common.Address) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pending, payer)
	return nil
}

// NonceAllocator issues per-payer sequence numbers under concurrent demand,
// reconciling the pending counter with the ledger's authoritative count. The
// per-payer lock is the single cross-instance serialization point of the
// whole service.
type NonceAllocator struct {
	lock   DistributedLock
	store  NonceStateStore
	ledger LedgerClient

	lockLease   time.Duration
	lockRetries int
	lockBackoff time.Duration
	pendingTTL  time.Duration
}

func NewNonceAllocator(lock DistributedLock, store NonceStateStore, ledger LedgerClient) *NonceAllocator {
	return &NonceAllocator{
		lock:        lock,
		store:       store,
		ledger:      ledger,
		// Longer than the ledger client's 30s timeout so a slow nonce
		// count read alone cannot outlive the lease.
		lockLease:   45 * time.Second,
		lockRetries: 40,
		lockBackoff: 150 * time.Millisecond,
		pendingTTL:  10 * time.Minute,
	}
}

func lockKey(payer common.Address) string {
	return "nonce:lock:" + payer.Hex()
}

// withLock runs fn while holding the payer's lock, retrying acquisition with
// backoff up to the configured bound. Exhausting retries is NonceLockTimeout:
// callers must not fabricate a nonce in that case.
func (a *NonceAllocator) withLock(ctx context.Context, payer common.Address, fn func(ctx context.Context) error) error {
	key := lockKey(payer)

	var token string
	for attempt := 0; attempt < a.lockRetries; attempt++ {
		t, err := a.lock.TryLock(ctx, key, a.lockLease)
		if err != nil {
			return fmt.Errorf("nonce lock attempt failed: %w", err)
		}
		if t != "" {
			token = t
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(a.lockBackoff):
		}
	}
	if token == "" {
		return x402.Errorf(x402.CodeNonceLockTimeout, "could not lock nonce for %s after %d attempts", payer.Hex(), a.lockRetries)
	}
	defer func() {
		// Unlock even when the caller's context is already cancelled. The
		// token scopes the release to this acquisition only.
		unlockCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.lock.Unlock(unlockCtx, key, token); err != nil {
			log.Printf("Warning: failed to unlock %s: %v", key, err)
		}
	}()

	return fn(ctx)
}

// Acquire returns the next usable nonce for the payer: never issued before
// and at least the ledger's authoritative count.
func (a *NonceAllocator) Acquire(ctx context.Context, payer common.Address) (uint64, error) {
	var nonce uint64
	err := a.withLock(ctx, payer, func(ctx context.Context) error {
		ledgerCount, err := a.ledger.GetNonceCount(ctx, payer)
		if err != nil {
			return fmt.Errorf("read ledger nonce count: %w", err)
		}

		pending, ok, err := a.store.GetPending(ctx, payer)
		if err != nil {
			return fmt.Errorf("read pending nonce: %w", err)
		}

		nonce = ledgerCount
		if ok && pending > nonce {
			nonce = pending
		}

		// Persist before releasing the lock so the next acquirer sees it.
		return a.store.SetPending(ctx, payer, nonce+1, a.pendingTTL)
	})
	if err != nil {
		return 0, err
	}
	return nonce, nil
}

// Confirm records that a transaction using nonce succeeded. Only ever raises
// the pending counter, never lowers it.
func (a *NonceAllocator) Confirm(ctx context.Context, payer common.Address, nonce uint64) error {
	return a.withLock(ctx, payer, func(ctx context.Context) error {
		pending, ok, err := a.store.GetPending(ctx, payer)
		if err != nil {
			return err
		}
		if !ok || pending <= nonce {
			return a.store.SetPending(ctx, payer, nonce+1, a.pendingTTL)
		}
		return nil
	})
}

// Release hands a nonce back after a failed submission. It only rewinds the
// counter if no later acquire has moved past it.
func (a *NonceAllocator) Release(ctx context.Context, payer common.Address, nonce uint64) error {
	return a.withLock(ctx, payer, func(ctx context.Context) error {
		pending, ok, err := a.store.GetPending(ctx, payer)
		if err != nil {
			return err
		}
		if ok && pending == nonce+1 {
			return a.store.SetPending(ctx, payer, nonce, a.pendingTTL)
		}
		return nil
	})
}

// Reset drops the cached pending counter entirely, forcing the next Acquire
// to re-derive truth from the ledger. Called after a ledger-reported nonce
// mismatch.
func (a *NonceAllocator) Reset(ctx context.Context, payer common.Address) error {
	return a.store.ClearPending(ctx, payer)
}
