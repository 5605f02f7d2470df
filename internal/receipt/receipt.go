// Package receipt implements the ephemeral "now playing, sent to you"
// receipt facility restored from the original implementation's
// cdn/receipt.rs: a TimedStore-backed record of one user handing a song to
// another inside a room. It has no HTTP surface of its own (spec.md keeps
// that out of scope) — it exists to be called directly, the way the
// teacher's SessionManager is called by handlers rather than wired as
// transport logic itself.
package receipt

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/dance-edge/cdn/internal/timedstore"
)

// Backend is the receipt facility's storage contract, implemented by both
// the in-memory Store (single process) and RedisStore (shared across
// processes). ctx is accepted by both so the two are interchangeable at the
// call site even though Store never uses it.
type Backend interface {
	Create(ctx context.Context, roomID, target, sender string, song Song, message string) (Receipt, error)
	Receipts(ctx context.Context, roomID string) ([]Receipt, error)
}

var (
	// ErrSongSpecConflict is returned by Create when a Song sets both or
	// neither of ID and URL — Go has no tagged union, so the (ID, URL) xor is
	// enforced by Song.validate instead.
	ErrSongSpecConflict = errors.New("receipt: exactly one of song id or song url must be set")

	// ErrSenderLimitReached is returned when sender already has
	// max_receipts_per_sender live receipts addressed to target in the room.
	ErrSenderLimitReached = errors.New("receipt: sender reached the maximum receipts for this target")

	// ErrDuplicateSong is returned when sender already sent target a receipt
	// for the same song (by id or URL) in the room.
	ErrDuplicateSong = errors.New("receipt: sender already sent this song to this target")
)

// Song is the xor-enforced (song_id, song_url) pair a Receipt carries.
type Song struct {
	ID  uint32
	URL string
}

// NewSongID builds a Song referencing a cached song by id.
func NewSongID(id uint32) Song { return Song{ID: id} }

// NewSongURL builds a Song referencing an arbitrary external URL.
func NewSongURL(url string) Song { return Song{URL: url} }

func (s Song) isURL() bool { return s.URL != "" }

// validate enforces the xor spec.md's Receipt.song_id/song_url pair
// requires; Go has no tagged union, so Song is a plain struct and this is
// the one place that constraint is actually checked.
func (s Song) validate() error {
	if s.URL != "" && s.ID != 0 {
		return ErrSongSpecConflict
	}
	if s.URL == "" && s.ID == 0 {
		return ErrSongSpecConflict
	}
	return nil
}

// equal reports whether two Songs refer to the same underlying song, used
// for the per-sender duplicate-song rule.
func (s Song) equal(other Song) bool {
	if s.isURL() || other.isURL() {
		return s.isURL() && other.isURL() && s.URL == other.URL
	}
	return s.ID == other.ID
}

// Receipt is one "I sent you this song" record.
type Receipt struct {
	ID        string
	RoomID    string
	Target    string
	Sender    string // empty means system-generated
	Song      Song
	Message   string
	CreatedAt time.Time
	ExpiresAt time.Time
}

// Store tracks live receipts, enforcing the per-sender limit and the
// duplicate-song rule from the original implementation.
type Store struct {
	store             *timedstore.Store[string, Receipt]
	maxPerSender      int
	defaultExpiration time.Duration
	now               func() time.Time
}

// NewStore creates a Store. maxPerSender and defaultExpiration come from
// config.Config's MaxReceiptsPerSender/ReceiptTTL.
func NewStore(maxPerSender int, defaultExpiration time.Duration) *Store {
	return &Store{
		store:             timedstore.New[string, Receipt](),
		maxPerSender:      maxPerSender,
		defaultExpiration: defaultExpiration,
		now:               time.Now,
	}
}

// Sweep starts the background eviction goroutine; see timedstore.Store.Sweep.
func (s *Store) Sweep(interval time.Duration) { s.store.Sweep(interval) }

// Close stops the background eviction goroutine.
func (s *Store) Close() { s.store.Close() }

// Create registers a new receipt from sender to target in roomID for song,
// enforcing the max-per-sender and no-duplicate-song rules scoped to
// (roomID, target, sender). sender == "" groups all system-generated
// receipts together and is subject to the same rules as any other sender,
// matching create_receipt's Option<UserId>-keyed per_sender map in the
// restored original.
func (s *Store) Create(_ context.Context, roomID, target, sender string, song Song, message string) (Receipt, error) {
	if err := song.validate(); err != nil {
		return Receipt{}, err
	}

	existing := s.receiptsFrom(roomID, target, sender)
	if len(existing) >= s.maxPerSender {
		return Receipt{}, fmt.Errorf("%w: sender=%q target=%q room=%q", ErrSenderLimitReached, sender, target, roomID)
	}
	for _, r := range existing {
		if r.Song.equal(song) {
			return Receipt{}, fmt.Errorf("%w: sender=%q target=%q room=%q", ErrDuplicateSong, sender, target, roomID)
		}
	}

	now := s.now()
	r := Receipt{
		ID:        uuid.New().String(),
		RoomID:    roomID,
		Target:    target,
		Sender:    sender,
		Song:      song,
		Message:   message,
		CreatedAt: now,
		ExpiresAt: now.Add(s.defaultExpiration),
	}
	s.store.Insert(r.ID, r, s.defaultExpiration)
	return r, nil
}

func (s *Store) receiptsFrom(roomID, target, sender string) []Receipt {
	var out []Receipt
	for _, r := range s.store.Snapshot() {
		if r.RoomID == roomID && r.Target == target && r.Sender == sender {
			out = append(out, r)
		}
	}
	return out
}

// Receipts returns every live receipt in roomID, sorted by CreatedAt with
// system-generated receipts (Sender == "") sorted last — matching the
// original's sorted_by comparator.
func (s *Store) Receipts(_ context.Context, roomID string) ([]Receipt, error) {
	var out []Receipt
	for _, r := range s.store.Snapshot() {
		if r.RoomID == roomID {
			out = append(out, r)
		}
	}
	sortReceipts(out)
	return out, nil
}

// sortReceipts orders receipts by CreatedAt ascending, with system-generated
// (Sender == "") receipts sorted last — shared by Store and RedisStore.
func sortReceipts(receipts []Receipt) {
	sort.Slice(receipts, func(i, j int) bool {
		a, b := receipts[i], receipts[j]
		if (a.Sender == "") != (b.Sender == "") {
			return a.Sender != "" // non-empty sender sorts first
		}
		return a.CreatedAt.Before(b.CreatedAt)
	})
}
