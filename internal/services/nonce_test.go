package services

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"paygate_app_echo/internal/x402"
)

type fakeLedger struct {
	mu     sync.Mutex
	counts map[common.Address]uint64

	submitErr   error
	submissions []*x402.PaymentIntent
	result      SubmitResult
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{
		counts: make(map[common.Address]uint64),
		result: SubmitResult{TxRef: "0xtx"},
	}
}

func (f *fakeLedger) GetNonceCount(ctx context.Context, payer common.Address) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.counts[payer], nil
}

func (f *fakeLedger) SubmitSignedIntent(ctx context.Context, intent *x402.PaymentIntent, signature string) (*SubmitResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitErr != nil {
		return nil, f.submitErr
	}
	if intent.Nonce < f.counts[intent.Payer] {
		return nil, ErrAlreadyUsedNonce
	}
	f.counts[intent.Payer] = intent.Nonce + 1
	f.submissions = append(f.submissions, intent)
	result := f.result
	return &result, nil
}

func (f *fakeLedger) setCount(payer common.Address, count uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.counts[payer] = count
}

func newTestAllocator(ledger LedgerClient) *NonceAllocator {
	a := NewNonceAllocator(NewLocalLock(), NewMemoryNonceStore(), ledger)
	a.lockBackoff = time.Millisecond
	return a
}

var testPayer = common.HexToAddress("0x8ba1f109551bD432803012645Ac136ddd64DBA72")

func TestAcquireStartsAtLedgerCount(t *testing.T) {
	ledger := newFakeLedger()
	ledger.setCount(testPayer, 5)
	alloc := newTestAllocator(ledger)
	ctx := context.Background()

	nonce, err := alloc.Acquire(ctx, testPayer)
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	if nonce != 5 {
		t.Errorf("first nonce = %d, want 5", nonce)
	}

	next, err := alloc.Acquire(ctx, testPayer)
	if err != nil {
		t.Fatalf("second Acquire failed: %v", err)
	}
	if next != 6 {
		t.Errorf("second nonce = %d, want 6", next)
	}
}

func TestConfirmOnlyRaises(t *testing.T) {
	ledger := newFakeLedger()
	alloc := newTestAllocator(ledger)
	ctx := context.Background()

	if err := alloc.Confirm(ctx, testPayer, 3); err != nil {
		t.Fatalf("Confirm failed: %v", err)
	}
	// A later confirm of an older nonce must not lower the counter.
	if err := alloc.Confirm(ctx, testPayer, 1); err != nil {
		t.Fatalf("Confirm failed: %v", err)
	}

	nonce, err := alloc.Acquire(ctx, testPayer)
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	if nonce != 4 {
		t.Errorf("nonce after confirms = %d, want 4", nonce)
	}
}

func TestReleaseRewindsOnlyTopNonce(t *testing.T) {
	ledger := newFakeLedger()
	alloc := newTestAllocator(ledger)
	ctx := context.Background()

	first, _ := alloc.Acquire(ctx, testPayer)  // 0
	second, _ := alloc.Acquire(ctx, testPayer) // 1

	// Releasing the older nonce is ignored: a second acquirer already moved
	// past it.
	if err := alloc.Release(ctx, testPayer, first); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	third, _ := alloc.Acquire(ctx, testPayer)
	if third != 2 {
		t.Errorf("nonce after ignored release = %d, want 2", third)
	}

	// Releasing the top nonce rewinds it for reuse.
	if err := alloc.Release(ctx, testPayer, third); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	reused, _ := alloc.Acquire(ctx, testPayer)
	if reused != third {
		t.Errorf("nonce after top release = %d, want %d", reused, third)
	}
	_ = second
}

func TestResetRederivesFromLedger(t *testing.T) {
	ledger := newFakeLedger()
	alloc := newTestAllocator(ledger)
	ctx := context.Background()

	if err := alloc.Confirm(ctx, testPayer, 99); err != nil {
		t.Fatalf("Confirm failed: %v", err)
	}
	if err := alloc.Reset(ctx, testPayer); err != nil {
		t.Fatalf("Reset failed: %v", err)
	}

	ledger.setCount(testPayer, 2)
	nonce, err := alloc.Acquire(ctx, testPayer)
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	if nonce != 2 {
		t.Errorf("nonce after reset = %d, want 2 (ledger truth)", nonce)
	}
}

func TestConcurrentAcquireDistinctNonces(t *testing.T) {
	ledger := newFakeLedger()
	ledger.setCount(testPayer, 10)
	alloc := newTestAllocator(ledger)

	const workers = 20
	nonces := make([]uint64, workers)
	errs := make([]error, workers)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			nonces[i], errs[i] = alloc.Acquire(context.Background(), testPayer)
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("worker %d: Acquire failed: %v", i, err)
		}
	}

	sort.Slice(nonces, func(i, j int) bool { return nonces[i] < nonces[j] })
	for i := 0; i < workers; i++ {
		want := uint64(10 + i)
		if nonces[i] != want {
			t.Fatalf("sorted nonce[%d] = %d, want %d (duplicates or gaps)", i, nonces[i], want)
		}
	}
}

type heldLock struct{}

func (heldLock) TryLock(ctx context.Context, key string, lease time.Duration) (string, error) {
	return "", nil
}
func (heldLock) Unlock(ctx context.Context, key, token string) error { return nil }

func TestAcquireLockTimeout(t *testing.T) {
	alloc := NewNonceAllocator(heldLock{}, NewMemoryNonceStore(), newFakeLedger())
	alloc.lockRetries = 3
	alloc.lockBackoff = time.Millisecond

	_, err := alloc.Acquire(context.Background(), testPayer)
	if x402.CodeOf(err) != x402.CodeNonceLockTimeout {
		t.Errorf("expected NonceLockTimeout, got %v", err)
	}
}
