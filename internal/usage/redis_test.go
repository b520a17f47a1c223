package usage

import (
	"context"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// TestRedisStore_Integration requires a running Redis and skips otherwise.
func TestRedisStore_Integration(t *testing.T) {
	store := NewRedisStore("localhost:6379", "", 0, time.Hour)
	defer store.Close()

	ctx := context.Background()
	if err := store.Ping(ctx); err != nil {
		t.Skip("Skipping Redis integration test: redis not available")
	}

	// unique sender per run so reruns start from zero
	id := uuid.New()
	sender := common.BytesToAddress(id[:])
	chainID := uint64(31337)
	now := time.Now()

	count, err := store.CountSince(ctx, chainID, sender, now.Add(-time.Minute))
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected fresh sender to have 0 signatures, got %d", count)
	}

	for _, at := range []time.Time{now.Add(-2 * time.Minute), now.Add(-30 * time.Second), now} {
		if err := store.Record(ctx, chainID, sender, at); err != nil {
			t.Fatalf("record: %v", err)
		}
	}

	count, err = store.CountSince(ctx, chainID, sender, now.Add(-time.Minute))
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 2 {
		t.Errorf("expected 2 signatures in the last minute, got %d", count)
	}

	other, err := store.CountSince(ctx, 1, sender, now.Add(-time.Hour))
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if other != 0 {
		t.Errorf("usage should be per chain, got %d", other)
	}
}

func TestKeyIsCaseInsensitive(t *testing.T) {
	a := common.HexToAddress("0xAbCdEf0000000000000000000000000000000001")
	if key(1, a) != "usage:1:0xabcdef0000000000000000000000000000000001" {
		t.Errorf("unexpected key %s", key(1, a))
	}
}
