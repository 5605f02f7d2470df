// Package cache resolves song ids to on-disk video files and derives the
// checksums that bind signed URL tokens to a specific file version.
package cache

import (
	"errors"
	"fmt"
)

// SongId identifies a song. Zero and the sentinel -1 (represented out of
// band, since the type is unsigned) denote "no id / custom URL" and must
// never reach Index operations.
type SongId uint32

// ErrInvalidSongId is returned by Index operations given SongId(0).
var ErrInvalidSongId = errors.New("cache: invalid song id")

func (id SongId) valid() error {
	if id == 0 {
		return ErrInvalidSongId
	}
	return nil
}

// Checksum is an opaque, comparable identifier for a specific cached file's
// bytes. For Canonical entries it is the lowercase hex MD5 recorded in the
// sibling metadata.json; for Override entries it is synthesised from the
// file's modification time.
type Checksum string

// Kind distinguishes the two CachedVideo variants. Go has no tagged union,
// so CachedVideo carries its Kind alongside the fields relevant to it,
// per spec.md §9's redesign flag against a base class or interface for a
// two-variant sum type.
type Kind int

const (
	Canonical Kind = iota
	Override
)

func (k Kind) String() string {
	if k == Override {
		return "override"
	}
	return "canonical"
}

// CachedVideo names the on-disk location of a cached file. For Canonical,
// VideoPath and MetadataPath are both set; for Override, only VideoPath is.
type CachedVideo struct {
	Kind         Kind
	VideoPath    string
	MetadataPath string // empty for Override
}

// CachedVideoFile is the result of resolving a SongId: either the video is
// present (Available) or it is not, in which case the paths it would be
// published to are still reported so a Fetcher knows where to write.
type CachedVideoFile struct {
	Available bool
	Video     CachedVideo // valid iff Available

	// Would-be paths when Available is false.
	WouldBeVideoPath    string
	WouldBeMetadataPath string
}

// Metadata is the subset of metadata.json the edge reads and, for
// cache-filled entries, synthesises. Unknown fields in an existing file are
// preserved on round-trip only if present in this struct; this mirrors the
// teacher's approach of decoding into a concrete struct rather than a raw map.
type Metadata struct {
	ID           uint32  `json:"id"`
	Checksum     string  `json:"checksum"`
	Category     string  `json:"category,omitempty"`
	Title        string  `json:"title,omitempty"`
	CategoryName string  `json:"categoryName,omitempty"`
	TitleSpell   string  `json:"titleSpell,omitempty"`
	PlayerIndex  int     `json:"playerIndex,omitempty"`
	Volume       float64 `json:"volume,omitempty"`
	Start        float64 `json:"start,omitempty"`
	End          float64 `json:"end,omitempty"`
	Flip         bool    `json:"flip,omitempty"`
	SkipRandom   bool    `json:"skipRandom,omitempty"`
	OriginalURL  string  `json:"originalUrl,omitempty"`
}

// ErrMetadataMissingChecksum is returned when an existing metadata.json has
// no checksum field.
var ErrMetadataMissingChecksum = errors.New("cache: metadata.json missing checksum")

func (e CachedVideoFile) String() string {
	if e.Available {
		return fmt.Sprintf("Available(%s %s)", e.Video.Kind, e.Video.VideoPath)
	}
	return fmt.Sprintf("Unavailable(would-be %s)", e.WouldBeVideoPath)
}
