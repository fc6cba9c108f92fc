package services

import (
	"context"
	"testing"
	"time"
)

func TestLocalLockMutualExclusion(t *testing.T) {
	lock := NewLocalLock()
	ctx := context.Background()

	token, err := lock.TryLock(ctx, "payer-a", time.Minute)
	if err != nil || token == "" {
		t.Fatalf("first TryLock = (%q, %v), want a token", token, err)
	}

	second, err := lock.TryLock(ctx, "payer-a", time.Minute)
	if err != nil || second != "" {
		t.Fatalf("second TryLock = (%q, %v), want contention", second, err)
	}

	// A different key is independent.
	if other, _ := lock.TryLock(ctx, "payer-b", time.Minute); other == "" {
		t.Error("lock on a different key should succeed")
	}

	if err := lock.Unlock(ctx, "payer-a", token); err != nil {
		t.Fatalf("Unlock failed: %v", err)
	}
	if again, _ := lock.TryLock(ctx, "payer-a", time.Minute); again == "" {
		t.Error("TryLock after Unlock should succeed")
	}
}

func TestLocalLockLeaseExpiry(t *testing.T) {
	lock := NewLocalLock()
	ctx := context.Background()

	if token, _ := lock.TryLock(ctx, "payer-a", 10*time.Millisecond); token == "" {
		t.Fatal("initial TryLock failed")
	}

	time.Sleep(25 * time.Millisecond)

	if token, _ := lock.TryLock(ctx, "payer-a", time.Minute); token == "" {
		t.Error("lock should be acquirable after the lease expired")
	}
}

// A holder whose lease expired must not be able to release the lock from
// whoever re-acquired it in the meantime.
func TestLocalLockUnlockAfterExpiryDoesNotReleaseNewHolder(t *testing.T) {
	lock := NewLocalLock()
	ctx := context.Background()

	first, err := lock.TryLock(ctx, "payer-a", 10*time.Millisecond)
	if err != nil || first == "" {
		t.Fatalf("first TryLock = (%q, %v), want a token", first, err)
	}

	time.Sleep(25 * time.Millisecond)

	second, err := lock.TryLock(ctx, "payer-a", time.Minute)
	if err != nil || second == "" {
		t.Fatalf("re-acquire after expiry = (%q, %v), want a token", second, err)
	}

	// The expired holder unlocks with its stale token. This must be a no-op.
	if err := lock.Unlock(ctx, "payer-a", first); err != nil {
		t.Fatalf("stale Unlock failed: %v", err)
	}

	if third, _ := lock.TryLock(ctx, "payer-a", time.Minute); third != "" {
		t.Fatal("lock was stolen: third acquirer entered while the second holder's lease was live")
	}

	// The live holder can still release normally.
	if err := lock.Unlock(ctx, "payer-a", second); err != nil {
		t.Fatalf("Unlock failed: %v", err)
	}
	if again, _ := lock.TryLock(ctx, "payer-a", time.Minute); again == "" {
		t.Error("TryLock after the live holder unlocked should succeed")
	}
}

func TestLocalLockUnlockUnknownTokenIsNoOp(t *testing.T) {
	lock := NewLocalLock()
	ctx := context.Background()

	token, _ := lock.TryLock(ctx, "payer-a", time.Minute)
	if err := lock.Unlock(ctx, "payer-a", "not-the-owner"); err != nil {
		t.Fatalf("Unlock with foreign token failed: %v", err)
	}
	if stolen, _ := lock.TryLock(ctx, "payer-a", time.Minute); stolen != "" {
		t.Fatal("foreign token released a live lock")
	}
	if err := lock.Unlock(ctx, "payer-a", token); err != nil {
		t.Fatalf("Unlock failed: %v", err)
	}
}
