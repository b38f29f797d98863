package consumer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/oratio-audio/oratio/internal/store"
	"github.com/oratio-audio/oratio/pkg/types"
)

func startBilling(t *testing.T, q billingQueue, s *store.MemStore) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go NewBilling(q, s, s).Run(ctx)
}

func testEvent(hash string) types.BillingEvent {
	return types.BillingEvent{
		UserID:          "u1",
		DocumentID:      "d1",
		VariantHash:     hash,
		Model:           "kokoro",
		Voice:           "af_heart",
		TextLength:      40,
		UsageMultiplier: 1.5,
		DurationMS:      1200,
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestBilling_RecordsVariantAndUsage(t *testing.T) {
	q, _ := newTestQueue(t)
	s := store.NewMemStore()
	startBilling(t, q, s)

	if err := q.PushBilling(context.Background(), testEvent("hash1")); err != nil {
		t.Fatal(err)
	}

	waitFor(t, func() bool { return len(s.UsageEvents()) == 1 })

	meta, err := s.GetVariant(context.Background(), "hash1")
	if err != nil {
		t.Fatalf("variant not upserted: %v", err)
	}
	if meta.DurationMS != 1200 || meta.CacheRef != "/audio/hash1" {
		t.Errorf("variant = %+v", meta)
	}

	ev := s.UsageEvents()[0]
	if ev.Chars != 60 { // 40 chars × 1.5
		t.Errorf("chars = %v, want 60", ev.Chars)
	}
	if ev.UserID != "u1" || ev.VariantHash != "hash1" {
		t.Errorf("usage event = %+v", ev)
	}
}

func TestBilling_AtMostOnceOnFailure(t *testing.T) {
	q, _ := newTestQueue(t)
	s := store.NewMemStore()
	s.SetRecordErr(errors.New("db down"))
	startBilling(t, q, s)

	ctx := context.Background()
	if err := q.PushBilling(ctx, testEvent("hash1")); err != nil {
		t.Fatal(err)
	}

	// The failed event is dropped, not retried: the loop must move on
	// to later events and never re-record the first.
	waitFor(t, func() bool {
		_, err := s.GetVariant(ctx, "hash1")
		return err == nil
	})

	s.SetRecordErr(nil)
	if err := q.PushBilling(ctx, testEvent("hash2")); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return len(s.UsageEvents()) == 1 })

	if got := s.UsageEvents()[0].VariantHash; got != "hash2" {
		t.Errorf("recorded = %q, want hash2 only", got)
	}
}
