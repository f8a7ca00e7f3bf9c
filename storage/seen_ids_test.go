package storage

import (
	"testing"
)

func TestSeenFrameIDsOperations(t *testing.T) {
	store := newTestStore(t)

	oldTimestamp := nowUnixMilli() - 10_000
	newTimestamp := nowUnixMilli()

	if err := store.InsertSeenID("frame-old", oldTimestamp); err != nil {
		t.Fatalf("InsertSeenID old failed: %v", err)
	}
	if err := store.InsertSeenID("frame-new", newTimestamp); err != nil {
		t.Fatalf("InsertSeenID new failed: %v", err)
	}

	seen, err := store.HasSeenID("frame-old")
	if err != nil {
		t.Fatalf("HasSeenID old failed: %v", err)
	}
	if !seen {
		t.Fatalf("expected frame-old to exist in seen_frame_ids")
	}

	seen, err = store.HasSeenID("missing")
	if err != nil {
		t.Fatalf("HasSeenID missing failed: %v", err)
	}
	if seen {
		t.Fatalf("expected missing frame ID to be unseen")
	}

	pruned, err := store.PruneOldEntries(nowUnixMilli() - 5_000)
	if err != nil {
		t.Fatalf("PruneOldEntries failed: %v", err)
	}
	if pruned != 1 {
		t.Fatalf("expected 1 pruned seen frame ID, got %d", pruned)
	}

	seenOld, err := store.HasSeenID("frame-old")
	if err != nil {
		t.Fatalf("HasSeenID frame-old after prune failed: %v", err)
	}
	seenNew, err := store.HasSeenID("frame-new")
	if err != nil {
		t.Fatalf("HasSeenID frame-new after prune failed: %v", err)
	}
	if seenOld {
		t.Fatalf("expected frame-old to be pruned")
	}
	if !seenNew {
		t.Fatalf("expected frame-new to remain after prune")
	}
}

func TestSeenFrameIDReinsertSurvivesPrune(t *testing.T) {
	store := newTestStore(t)

	key := "alice:tmp-1"
	if err := store.InsertSeenID(key, nowUnixMilli()-10_000); err != nil {
		t.Fatalf("InsertSeenID first failed: %v", err)
	}
	// a resend of the same frame refreshes its receive time
	if err := store.InsertSeenID(key, nowUnixMilli()); err != nil {
		t.Fatalf("InsertSeenID resend failed: %v", err)
	}

	pruned, err := store.PruneOldEntries(nowUnixMilli() - 5_000)
	if err != nil {
		t.Fatalf("PruneOldEntries failed: %v", err)
	}
	if pruned != 0 {
		t.Fatalf("expected nothing pruned, got %d", pruned)
	}
	seen, err := store.HasSeenID(key)
	if err != nil {
		t.Fatalf("HasSeenID failed: %v", err)
	}
	if !seen {
		t.Fatalf("expected %q to remain after prune", key)
	}
}
