package persistence

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/minder/internal/bus"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "minder.db"), bus.New())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testMeeting(id string) *Meeting {
	return &Meeting{
		ID:             id,
		Title:          "Quarterly review",
		Date:           time.Date(2026, 8, 20, 10, 0, 0, 0, time.UTC),
		StakeholderIDs: []string{"sh-1"},
		LastAccessedAt: time.Now().UTC(),
		Blobs: []MeetingBlob{
			{Type: BlobTranscript, Content: "long transcript body"},
			{Type: BlobNotes, Content: "short notes"},
		},
	}
}

func TestOpen_Reopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "minder.db")
	s, err := Open(path, bus.New())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	ctx := context.Background()
	if _, err := s.SaveMeeting(ctx, testMeeting("m1"), SaveOptions{}); err != nil {
		t.Fatalf("SaveMeeting: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	s2, err := Open(path, bus.New())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()
	m, err := s2.GetMeeting(ctx, "m1")
	if err != nil {
		t.Fatalf("GetMeeting after reopen: %v", err)
	}
	if m.Version != 1 || len(m.Blobs) != 2 {
		t.Fatalf("got version=%d blobs=%d, want 1 and 2", m.Version, len(m.Blobs))
	}
}

func TestSaveMeeting_VersionMonotonic(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	m := testMeeting("m1")
	saved, err := s.SaveMeeting(ctx, m, SaveOptions{})
	if err != nil {
		t.Fatalf("first save: %v", err)
	}
	if saved.Version != 1 {
		t.Fatalf("first save version = %d, want 1", saved.Version)
	}

	for want := int64(2); want <= 4; want++ {
		saved.Title = "edited"
		saved, err = s.SaveMeeting(ctx, saved, SaveOptions{})
		if err != nil {
			t.Fatalf("save %d: %v", want, err)
		}
		if saved.Version != want {
			t.Fatalf("version = %d, want %d", saved.Version, want)
		}
	}
}

func TestSaveMeeting_DeleteWins(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	// Save twice, delete, then attempt a stale non-deleted save.
	m := testMeeting("m1")
	if _, err := s.SaveMeeting(ctx, m, SaveOptions{}); err != nil {
		t.Fatalf("save v1: %v", err)
	}
	m.Title = "second revision"
	if _, err := s.SaveMeeting(ctx, m, SaveOptions{}); err != nil {
		t.Fatalf("save v2: %v", err)
	}
	tomb, err := s.SoftDeleteMeeting(ctx, "m1")
	if err != nil {
		t.Fatalf("soft delete: %v", err)
	}
	if !tomb.Deleted || tomb.Version != 3 || tomb.DeletedAt == nil {
		t.Fatalf("tombstone = %+v, want deleted v3 with deletedAt", tomb)
	}
	if len(tomb.Blobs) != 0 {
		t.Fatalf("tombstone kept %d blobs, want 0", len(tomb.Blobs))
	}

	stale := testMeeting("m1")
	stale.Title = "stale edit"
	if _, err := s.SaveMeeting(ctx, stale, SaveOptions{}); !errors.Is(err, ErrTombstoned) {
		t.Fatalf("save onto tombstone err = %v, want ErrTombstoned", err)
	}

	// The rejected save must not have touched the store.
	got, err := s.GetMeeting(ctx, "m1")
	if err != nil {
		t.Fatalf("get after rejected save: %v", err)
	}
	if !got.Deleted || got.Version != 3 {
		t.Fatalf("store changed by rejected save: %+v", got)
	}
}

func TestSaveMeeting_BlobSetReplacedAtomically(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	m := testMeeting("m1")
	if _, err := s.SaveMeeting(ctx, m, SaveOptions{}); err != nil {
		t.Fatalf("save: %v", err)
	}

	m.Blobs = []MeetingBlob{{Type: BlobAnalysis, Content: "analysis only"}}
	saved, err := s.SaveMeeting(ctx, m, SaveOptions{})
	if err != nil {
		t.Fatalf("second save: %v", err)
	}
	if len(saved.Blobs) != 1 || saved.Blobs[0].Type != BlobAnalysis {
		t.Fatalf("blobs = %+v, want single analysis blob", saved.Blobs)
	}
	if saved.Blobs[0].SizeBytes != int64(len("analysis only")) {
		t.Fatalf("sizeBytes = %d, want %d", saved.Blobs[0].SizeBytes, len("analysis only"))
	}
}

func TestSaveMeeting_PublishesEvent(t *testing.T) {
	b := bus.New()
	s, err := Open(filepath.Join(t.TempDir(), "minder.db"), b)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	sub := b.Subscribe(bus.TopicStoreUpdated)
	defer b.Unsubscribe(sub)

	if _, err := s.SaveMeeting(context.Background(), testMeeting("m1"), SaveOptions{}); err != nil {
		t.Fatalf("save: %v", err)
	}
	select {
	case ev := <-sub.Ch():
		payload, ok := ev.Payload.(bus.StoreUpdatedEvent)
		if !ok {
			t.Fatalf("payload type %T", ev.Payload)
		}
		if payload.Kind != KindMeeting || payload.ID != "m1" || payload.Reason != "save" {
			t.Fatalf("payload = %+v", payload)
		}
	case <-time.After(time.Second):
		t.Fatal("no store.updated event")
	}
}

func TestAccessMeeting_TouchWithoutVersionBump(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	m := testMeeting("m1")
	m.LastAccessedAt = time.Now().UTC().Add(-40 * 24 * time.Hour)
	saved, err := s.SaveMeeting(ctx, m, SaveOptions{})
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if saved.Tier != TierCold {
		t.Fatalf("tier = %s, want cold", saved.Tier)
	}

	touched, err := s.AccessMeeting(ctx, "m1")
	if err != nil {
		t.Fatalf("access: %v", err)
	}
	if touched.Tier != TierHot {
		t.Fatalf("tier after access = %s, want hot", touched.Tier)
	}
	if touched.Version != saved.Version {
		t.Fatalf("access bumped version %d -> %d", saved.Version, touched.Version)
	}
	depth, err := s.OutboxDepth(ctx)
	if err != nil {
		t.Fatalf("depth: %v", err)
	}
	if depth != 1 { // only the original save
		t.Fatalf("outbox depth = %d, want 1 (access must not enqueue)", depth)
	}
}

func TestEvictBlobs_PreservesMetadata(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	old := time.Now().UTC().Add(-60 * 24 * time.Hour)
	for _, id := range []string{"m1", "m2", "m3"} {
		m := testMeeting(id)
		m.LastAccessedAt = old
		if _, err := s.SaveMeeting(ctx, m, SaveOptions{}); err != nil {
			t.Fatalf("save %s: %v", id, err)
		}
	}

	res, err := s.EvictBlobs(ctx, TierCold, 0)
	if err != nil {
		t.Fatalf("evict: %v", err)
	}
	if res.Evicted != 3 || res.FreedBytes == 0 {
		t.Fatalf("result = %+v, want 3 evicted with bytes freed", res)
	}

	m, err := s.GetMeeting(ctx, "m1")
	if err != nil {
		t.Fatalf("get after evict: %v", err)
	}
	if len(m.Blobs) != 0 {
		t.Fatalf("blobs survived eviction: %d", len(m.Blobs))
	}
	if !m.BlobsEvicted {
		t.Fatal("blobsEvicted not set")
	}
	if m.Title != "Quarterly review" || m.Version != 1 {
		t.Fatalf("metadata damaged by eviction: %+v", m)
	}

	// Re-running the pass finds nothing left to evict.
	res, err = s.EvictBlobs(ctx, TierCold, 0)
	if err != nil {
		t.Fatalf("second evict: %v", err)
	}
	if res.Evicted != 0 {
		t.Fatalf("second pass evicted %d, want 0", res.Evicted)
	}
}

func TestEvictBlobs_OldestFirstWithLimit(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	base := time.Now().UTC().Add(-90 * 24 * time.Hour)
	for i, id := range []string{"m1", "m2", "m3", "m4"} {
		m := testMeeting(id)
		m.LastAccessedAt = base.Add(time.Duration(i) * time.Hour)
		if _, err := s.SaveMeeting(ctx, m, SaveOptions{}); err != nil {
			t.Fatalf("save %s: %v", id, err)
		}
	}

	res, err := s.EvictBlobs(ctx, TierCold, 2)
	if err != nil {
		t.Fatalf("evict: %v", err)
	}
	if res.Evicted != 2 {
		t.Fatalf("evicted %d, want 2", res.Evicted)
	}
	// m1 and m2 are the oldest accesses.
	for id, wantEvicted := range map[string]bool{"m1": true, "m2": true, "m3": false, "m4": false} {
		m, err := s.GetMeeting(ctx, id)
		if err != nil {
			t.Fatalf("get %s: %v", id, err)
		}
		if m.BlobsEvicted != wantEvicted {
			t.Fatalf("%s blobsEvicted = %v, want %v", id, m.BlobsEvicted, wantEvicted)
		}
	}
}

func TestRestoreBlobs(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	m := testMeeting("m1")
	m.LastAccessedAt = time.Now().UTC().Add(-60 * 24 * time.Hour)
	if _, err := s.SaveMeeting(ctx, m, SaveOptions{}); err != nil {
		t.Fatalf("save: %v", err)
	}
	if _, err := s.EvictBlobs(ctx, TierCold, 0); err != nil {
		t.Fatalf("evict: %v", err)
	}
	if err := s.RestoreBlobs(ctx, "m1", []MeetingBlob{{Type: BlobTranscript, Content: "refetched"}}); err != nil {
		t.Fatalf("restore: %v", err)
	}
	got, err := s.GetMeeting(ctx, "m1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.BlobsEvicted || len(got.Blobs) != 1 || got.Blobs[0].Content != "refetched" {
		t.Fatalf("restored state = %+v", got)
	}
}

func TestRecomputeTiers(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	cases := map[string]time.Duration{
		"m-hot":  -2 * 24 * time.Hour,
		"m-warm": -15 * 24 * time.Hour,
		"m-cold": -45 * 24 * time.Hour,
	}
	for id, age := range cases {
		m := testMeeting(id)
		m.LastAccessedAt = now.Add(age)
		if _, err := s.SaveMeeting(ctx, m, SaveOptions{}); err != nil {
			t.Fatalf("save %s: %v", id, err)
		}
	}

	// A month later everything has aged past cold.
	changed, err := s.RecomputeTiers(ctx, DefaultTierPolicy, now.Add(31*24*time.Hour))
	if err != nil {
		t.Fatalf("recompute: %v", err)
	}
	if changed != 3 {
		t.Fatalf("changed = %d, want 3", changed)
	}
	for id := range cases {
		m, err := s.GetMeeting(ctx, id)
		if err != nil {
			t.Fatalf("get %s: %v", id, err)
		}
		if m.Tier != TierCold {
			t.Fatalf("%s tier = %s, want cold", id, m.Tier)
		}
	}
}

func TestStakeholderAndCategory_DeleteWins(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	c := &Category{ID: "c1", Label: "Leadership", Color: "#4a90d9"}
	if _, err := s.SaveCategory(ctx, c, SaveOptions{}); err != nil {
		t.Fatalf("save category: %v", err)
	}
	st := &Stakeholder{ID: "sh-1", Name: "Dana", CategoryID: "c1", Priority: 1, Health: "good"}
	if _, err := s.SaveStakeholder(ctx, st, SaveOptions{}); err != nil {
		t.Fatalf("save stakeholder: %v", err)
	}

	if _, err := s.SoftDeleteStakeholder(ctx, "sh-1"); err != nil {
		t.Fatalf("delete stakeholder: %v", err)
	}
	if _, err := s.SaveStakeholder(ctx, st, SaveOptions{}); !errors.Is(err, ErrTombstoned) {
		t.Fatalf("stakeholder save onto tombstone err = %v", err)
	}
	if _, err := s.SoftDeleteCategory(ctx, "c1"); err != nil {
		t.Fatalf("delete category: %v", err)
	}
	if _, err := s.SaveCategory(ctx, c, SaveOptions{}); !errors.Is(err, ErrTombstoned) {
		t.Fatalf("category save onto tombstone err = %v", err)
	}

	live, err := s.ListStakeholders(ctx, false)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(live) != 0 {
		t.Fatalf("live stakeholders = %d, want 0", len(live))
	}
	all, err := s.ListStakeholders(ctx, true)
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if len(all) != 1 || !all[0].Deleted {
		t.Fatalf("all stakeholders = %+v, want one tombstone", all)
	}
}

func TestSearchMeetings(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	m1 := testMeeting("m1")
	m1.Title = "Architecture review"
	if _, err := s.SaveMeeting(ctx, m1, SaveOptions{}); err != nil {
		t.Fatalf("save m1: %v", err)
	}
	m2 := testMeeting("m2")
	m2.Title = "Budget planning"
	m2.StakeholderIDs = []string{"sh-finance"}
	if _, err := s.SaveMeeting(ctx, m2, SaveOptions{}); err != nil {
		t.Fatalf("save m2: %v", err)
	}

	got, err := s.SearchMeetings(ctx, "Architecture")
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(got) != 1 || got[0].ID != "m1" {
		t.Fatalf("title search = %+v", got)
	}

	got, err = s.SearchMeetings(ctx, "sh-finance")
	if err != nil {
		t.Fatalf("search by stakeholder: %v", err)
	}
	if len(got) != 1 || got[0].ID != "m2" {
		t.Fatalf("stakeholder search = %+v", got)
	}

	// Tombstones drop out of the lookup table.
	if _, err := s.SoftDeleteMeeting(ctx, "m1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	got, err = s.SearchMeetings(ctx, "Architecture")
	if err != nil {
		t.Fatalf("search after delete: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("tombstone appeared in search: %+v", got)
	}
}

func TestPurgeMeeting_NoTombstone(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if _, err := s.SaveMeeting(ctx, testMeeting("m1"), SaveOptions{}); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := s.PurgeMeeting(ctx, "m1"); err != nil {
		t.Fatalf("purge: %v", err)
	}
	if _, err := s.GetMeeting(ctx, "m1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("get after purge err = %v, want ErrNotFound", err)
	}
}
