package receipt

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestCreateRejectsConflictingSongSpec(t *testing.T) {
	s := NewStore(3, time.Minute)
	_, err := s.Create(context.Background(), "room1", "bob", "alice", Song{ID: 5, URL: "http://example.com/x.mp4"}, "")
	if !errors.Is(err, ErrSongSpecConflict) {
		t.Fatalf("Create() with both id and url set = %v; want ErrSongSpecConflict", err)
	}
}

func TestCreateRejectsEmptySongSpec(t *testing.T) {
	s := NewStore(3, time.Minute)
	_, err := s.Create(context.Background(), "room1", "bob", "alice", Song{}, "")
	if !errors.Is(err, ErrSongSpecConflict) {
		t.Fatalf("Create() with neither id nor url set = %v; want ErrSongSpecConflict", err)
	}
}

func TestCreateSucceedsWithinLimit(t *testing.T) {
	s := NewStore(2, time.Minute)
	if _, err := s.Create(context.Background(), "room1", "bob", "alice", NewSongID(1), ""); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Create(context.Background(), "room1", "bob", "alice", NewSongID(2), ""); err != nil {
		t.Fatal(err)
	}
}

func TestCreateRejectsOverSenderLimit(t *testing.T) {
	s := NewStore(2, time.Minute)
	must(t, s.Create, "room1", "bob", "alice", NewSongID(1))
	must(t, s.Create, "room1", "bob", "alice", NewSongID(2))

	_, err := s.Create(context.Background(), "room1", "bob", "alice", NewSongID(3), "")
	if !errors.Is(err, ErrSenderLimitReached) {
		t.Fatalf("Create() over limit = %v; want ErrSenderLimitReached", err)
	}
}

func TestCreateRejectsDuplicateSongToSameTarget(t *testing.T) {
	s := NewStore(5, time.Minute)
	must(t, s.Create, "room1", "bob", "alice", NewSongID(7))

	_, err := s.Create(context.Background(), "room1", "bob", "alice", NewSongID(7), "")
	if !errors.Is(err, ErrDuplicateSong) {
		t.Fatalf("Create() duplicate song = %v; want ErrDuplicateSong", err)
	}
}

func TestCreateRejectsDuplicateSongURLToSameTarget(t *testing.T) {
	s := NewStore(5, time.Minute)
	must(t, s.Create, "room1", "bob", "alice", NewSongURL("http://example.com/a.mp4"))

	_, err := s.Create(context.Background(), "room1", "bob", "alice", NewSongURL("http://example.com/a.mp4"), "")
	if !errors.Is(err, ErrDuplicateSong) {
		t.Fatalf("Create() duplicate song url = %v; want ErrDuplicateSong", err)
	}
}

// TestSystemGeneratedReceiptsAreSubjectToLimits confirms sender == "" is just
// another sender key, not an exemption: create_receipt in the restored
// original applies per_sender limits to the system group the same as any
// user.
func TestSystemGeneratedReceiptsAreSubjectToLimits(t *testing.T) {
	s := NewStore(2, time.Minute)
	must(t, s.Create, "room1", "bob", "", NewSongID(1))
	must(t, s.Create, "room1", "bob", "", NewSongID(2))

	_, err := s.Create(context.Background(), "room1", "bob", "", NewSongID(3), "")
	if !errors.Is(err, ErrSenderLimitReached) {
		t.Fatalf("Create() over limit for system sender = %v; want ErrSenderLimitReached", err)
	}
}

func TestReceiptsSortsByCreatedAtWithSystemReceiptsLast(t *testing.T) {
	s := NewStore(5, time.Minute)
	fixed := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tick := 0
	s.now = func() time.Time {
		tick++
		return fixed.Add(time.Duration(tick) * time.Second)
	}

	must(t, s.Create, "room1", "bob", "alice", NewSongID(1))
	must(t, s.Create, "room1", "bob", "", NewSongID(2))
	must(t, s.Create, "room1", "bob", "carl", NewSongID(3))

	receipts, err := s.Receipts(context.Background(), "room1")
	if err != nil {
		t.Fatal(err)
	}
	if len(receipts) != 3 {
		t.Fatalf("Receipts() returned %d entries; want 3", len(receipts))
	}
	if receipts[len(receipts)-1].Sender != "" {
		t.Fatalf("last receipt sender = %q; want system-generated (empty) last", receipts[len(receipts)-1].Sender)
	}
	if receipts[0].CreatedAt.After(receipts[1].CreatedAt) {
		t.Fatal("receipts with senders should be sorted by CreatedAt ascending")
	}
}

func TestReceiptsScopedByRoom(t *testing.T) {
	s := NewStore(5, time.Minute)
	must(t, s.Create, "room1", "bob", "alice", NewSongID(1))
	must(t, s.Create, "room2", "bob", "alice", NewSongID(1))

	receipts, err := s.Receipts(context.Background(), "room1")
	if err != nil {
		t.Fatal(err)
	}
	if len(receipts) != 1 {
		t.Fatalf("Receipts(room1) = %d; want 1", len(receipts))
	}
}

func must(t *testing.T, create func(context.Context, string, string, string, Song, string) (Receipt, error), roomID, target, sender string, song Song) {
	t.Helper()
	if _, err := create(context.Background(), roomID, target, sender, song, ""); err != nil {
		t.Fatalf("Create() unexpected error: %v", err)
	}
}
