package governor

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/basket/minder/internal/bus"
	"github.com/basket/minder/internal/persistence"
)

func openStore(t *testing.T) (*persistence.Store, *bus.Bus) {
	t.Helper()
	b := bus.New()
	s, err := persistence.Open(filepath.Join(t.TempDir(), "minder.db"), b)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s, b
}

// seedMeeting stores a meeting with blobSize bytes of payload whose last
// access is age ago.
func seedMeeting(t *testing.T, s *persistence.Store, id string, age time.Duration, blobSize int) {
	t.Helper()
	_, err := s.SaveMeeting(context.Background(), &persistence.Meeting{
		ID:             id,
		Title:          "Meeting " + id,
		Date:           time.Now().UTC().Add(-age),
		LastAccessedAt: time.Now().UTC().Add(-age),
		Blobs: []persistence.MeetingBlob{
			{Type: persistence.BlobTranscript, Content: strings.Repeat("x", blobSize)},
		},
	}, persistence.SaveOptions{})
	if err != nil {
		t.Fatalf("seed %s: %v", id, err)
	}
}

const day = 24 * time.Hour

func TestRun_UnderWarningDoesNothing(t *testing.T) {
	s, b := openStore(t)
	seedMeeting(t, s, "m1", 60*day, 100)

	g := New(s, b, nil, Config{WarningBytes: 1 << 20, CriticalBytes: 2 << 20})
	report, err := g.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if report.Evicted != 0 {
		t.Fatalf("evicted %d under the warning threshold", report.Evicted)
	}
	m, err := s.GetMeeting(context.Background(), "m1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(m.Blobs) != 1 {
		t.Fatal("blobs evicted below the warning threshold")
	}
}

func TestRun_WarningEvictsColdOnly(t *testing.T) {
	s, b := openStore(t)
	// 2 KiB cold, 2 KiB warm, 2 KiB hot; warning at 4 KiB so evicting
	// the cold tier is enough.
	seedMeeting(t, s, "m-cold", 60*day, 2048)
	seedMeeting(t, s, "m-warm", 15*day, 2048)
	seedMeeting(t, s, "m-hot", 1*day, 2048)

	g := New(s, b, nil, Config{WarningBytes: 4096, CriticalBytes: 1 << 20})
	report, err := g.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if report.Evicted != 1 || report.FreedBytes != 2048 {
		t.Fatalf("report = %+v, want 1 cold eviction", report)
	}
	for id, wantEvicted := range map[string]bool{"m-cold": true, "m-warm": false, "m-hot": false} {
		m, err := s.GetMeeting(context.Background(), id)
		if err != nil {
			t.Fatalf("get %s: %v", id, err)
		}
		if m.BlobsEvicted != wantEvicted {
			t.Fatalf("%s blobsEvicted = %v, want %v", id, m.BlobsEvicted, wantEvicted)
		}
	}
}

func TestRun_CriticalTakesBoundedWarmBatch(t *testing.T) {
	s, b := openStore(t)
	// Twelve cold meetings plus warm ones; critical is low enough that
	// cold eviction alone does not clear it.
	for i := 0; i < 12; i++ {
		seedMeeting(t, s, "m-cold-"+string(rune('a'+i)), (40+time.Duration(i))*day, 1024)
	}
	for i := 0; i < 5; i++ {
		seedMeeting(t, s, "m-warm-"+string(rune('a'+i)), (10+time.Duration(i))*day, 4096)
	}

	g := New(s, b, nil, Config{WarningBytes: 1024, CriticalBytes: 16 * 1024, WarmBatchSize: 2})
	report, err := g.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	// All 12 cold plus exactly the batch of 2 warm.
	if report.Evicted != 14 {
		t.Fatalf("evicted %d, want 14", report.Evicted)
	}
	// Oldest warm went first.
	evictedWarm := 0
	for i := 0; i < 5; i++ {
		m, err := s.GetMeeting(context.Background(), "m-warm-"+string(rune('a'+i)))
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if m.BlobsEvicted {
			evictedWarm++
		}
	}
	if evictedWarm != 2 {
		t.Fatalf("warm evictions = %d, want batch of 2", evictedWarm)
	}
}

func TestRun_QuotaExceededWhenBatchNotEnough(t *testing.T) {
	s, b := openStore(t)
	// Everything is hot, so nothing can be evicted, and usage stays
	// over critical.
	for i := 0; i < 4; i++ {
		seedMeeting(t, s, "m-hot-"+string(rune('a'+i)), time.Hour, 8192)
	}

	g := New(s, b, nil, Config{WarningBytes: 1024, CriticalBytes: 2048, WarmBatchSize: 2})
	report, err := g.Run(context.Background())
	var qe *persistence.QuotaExceededError
	if !errors.As(err, &qe) {
		t.Fatalf("err = %v, want *QuotaExceededError", err)
	}
	if !report.OverCritical {
		t.Fatal("report not marked over critical")
	}
	// Hot content untouched even under pressure.
	m, err2 := s.GetMeeting(context.Background(), "m-hot-a")
	if err2 != nil {
		t.Fatalf("get: %v", err2)
	}
	if len(m.Blobs) != 1 {
		t.Fatal("hot blobs evicted")
	}
}

func TestRun_PublishesEvictionEvent(t *testing.T) {
	s, b := openStore(t)
	seedMeeting(t, s, "m-cold", 60*day, 4096)

	sub := b.Subscribe(bus.TopicGovernorEvicted)
	defer b.Unsubscribe(sub)

	g := New(s, b, nil, Config{WarningBytes: 1024, CriticalBytes: 1 << 20})
	if _, err := g.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	select {
	case ev := <-sub.Ch():
		payload, ok := ev.Payload.(bus.EvictionEvent)
		if !ok {
			t.Fatalf("payload type %T", ev.Payload)
		}
		if payload.Evicted != 1 || payload.FreedBytes != 4096 || payload.Trigger != "warning" {
			t.Fatalf("payload = %+v", payload)
		}
	case <-time.After(time.Second):
		t.Fatal("no eviction event")
	}
}

func TestNextRunTime(t *testing.T) {
	after := time.Date(2026, 8, 29, 10, 30, 0, 0, time.UTC)
	next, err := NextRunTime("0 * * * *", after)
	if err != nil {
		t.Fatalf("NextRunTime: %v", err)
	}
	want := time.Date(2026, 8, 29, 11, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Fatalf("next = %v, want %v", next, want)
	}
	if _, err := NextRunTime("not a cron", after); err == nil {
		t.Fatal("bad expression accepted")
	}
}

func TestNewScheduler_RejectsBadExpression(t *testing.T) {
	s, b := openStore(t)
	g := New(s, b, nil, Config{WarningBytes: 1, CriticalBytes: 2})
	if _, err := NewScheduler(g, nil, "every sometimes"); err == nil {
		t.Fatal("bad schedule accepted")
	}
	sched, err := NewScheduler(g, nil, "0 * * * *")
	if err != nil {
		t.Fatalf("NewScheduler: %v", err)
	}
	sched.Start(context.Background())
	sched.Stop()
}
