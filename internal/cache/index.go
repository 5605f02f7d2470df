package cache

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"golang.org/x/sync/singleflight"
)

// Index resolves song ids against an on-disk layout rooted at videoRoot and
// overrideRoot. All operations are pure functions of filesystem state; there
// is no in-memory cache of entries because the underlying set of files is
// small and the OS page cache already does that job.
type Index struct {
	videoRoot    string
	overrideRoot string
	cacheRoot    string

	// checksumFlight collapses concurrent checksum(cached_video) calls for
	// the same metadata path onto a single read+decode, the same way the
	// teacher's StreamHandler collapses concurrent playlist fetches.
	checksumFlight singleflight.Group
}

// New creates an Index over the given directory roots.
func New(videoRoot, overrideRoot, cacheRoot string) *Index {
	return &Index{videoRoot: videoRoot, overrideRoot: overrideRoot, cacheRoot: cacheRoot}
}

func (ix *Index) overridePath(id SongId) string {
	return filepath.Join(ix.overrideRoot, fmt.Sprintf("%d.mp4", id))
}

func (ix *Index) videoPath(id SongId) string {
	return filepath.Join(ix.videoRoot, fmt.Sprint(id), "video.mp4")
}

func (ix *Index) metadataPath(id SongId) string {
	return filepath.Join(ix.videoRoot, fmt.Sprint(id), "metadata.json")
}

// Resolve probes the override path first, then the canonical pair, per
// spec.md's stated priority: an override file shadows the canonical entry
// unconditionally whenever both exist. It never touches the network.
func (ix *Index) Resolve(id SongId) (CachedVideoFile, error) {
	if err := id.valid(); err != nil {
		return CachedVideoFile{}, err
	}

	overridePath := ix.overridePath(id)
	if _, err := os.Stat(overridePath); err == nil {
		return CachedVideoFile{
			Available: true,
			Video:     CachedVideo{Kind: Override, VideoPath: overridePath},
		}, nil
	}

	videoPath := ix.videoPath(id)
	metadataPath := ix.metadataPath(id)
	if _, err := os.Stat(videoPath); err == nil {
		if _, err := os.Stat(metadataPath); err == nil {
			return CachedVideoFile{
				Available: true,
				Video: CachedVideo{
					Kind:         Canonical,
					VideoPath:    videoPath,
					MetadataPath: metadataPath,
				},
			}, nil
		}
	}

	return CachedVideoFile{
		Available:           false,
		WouldBeVideoPath:    videoPath,
		WouldBeMetadataPath: metadataPath,
	}, nil
}

// Checksum derives the Checksum for an already-resolved CachedVideo. For
// Canonical it reads metadata.json; for Override it synthesises
// "override{mtime_seconds}" so the checksum changes whenever the operator
// rewrites the file.
func (ix *Index) Checksum(video CachedVideo) (Checksum, error) {
	if video.Kind == Override {
		info, err := os.Stat(video.VideoPath)
		if err != nil {
			return "", fmt.Errorf("cache: stat override file %s: %w", video.VideoPath, err)
		}
		return Checksum("override" + strconv.FormatInt(info.ModTime().Unix(), 10)), nil
	}

	v, err, _ := ix.checksumFlight.Do(video.MetadataPath, func() (any, error) {
		return ix.readChecksum(video.MetadataPath)
	})
	if err != nil {
		return "", err
	}
	return v.(Checksum), nil
}

func (ix *Index) readChecksum(metadataPath string) (Checksum, error) {
	f, err := os.Open(metadataPath)
	if err != nil {
		return "", fmt.Errorf("cache: open metadata %s: %w", metadataPath, err)
	}
	defer f.Close()

	var meta Metadata
	if err := json.NewDecoder(f).Decode(&meta); err != nil {
		return "", fmt.Errorf("cache: decode metadata %s: %w", metadataPath, err)
	}
	if meta.Checksum == "" {
		return "", fmt.Errorf("%w: %s", ErrMetadataMissingChecksum, metadataPath)
	}
	return Checksum(meta.Checksum), nil
}

// LocalCacheStatus reports the Fetcher decision gate for a given id: the
// download_tmp path it should stream to, the eventual video/metadata paths,
// and whether the already-cached file (if any) already satisfies the
// expected size and MD5.
type LocalCacheStatus struct {
	DownloadTmp  string
	VideoPath    string
	MetadataPath string
	Satisfied    bool
}

// LocalCacheStatus implements spec.md §4.3's local_cache_status operation.
// basename is the file name portion of the request path (used to build
// download_tmp); clientPort disambiguates concurrent downloads of the same
// file.
func (ix *Index) LocalCacheStatus(id SongId, basename string, expectedSize int64, expectedMD5 string, clientPort string) (LocalCacheStatus, error) {
	resolved, err := ix.Resolve(id)
	if err != nil {
		return LocalCacheStatus{}, err
	}

	downloadTmp := filepath.Join(ix.cacheRoot, fmt.Sprintf("%s_%s", clientPort, basename))

	if !resolved.Available {
		return LocalCacheStatus{
			DownloadTmp:  downloadTmp,
			VideoPath:    resolved.WouldBeVideoPath,
			MetadataPath: resolved.WouldBeMetadataPath,
			Satisfied:    false,
		}, nil
	}

	if resolved.Video.Kind == Override {
		return LocalCacheStatus{
			DownloadTmp:  downloadTmp,
			VideoPath:    resolved.Video.VideoPath,
			MetadataPath: resolved.Video.MetadataPath,
			Satisfied:    true,
		}, nil
	}

	status := LocalCacheStatus{
		DownloadTmp:  downloadTmp,
		VideoPath:    resolved.Video.VideoPath,
		MetadataPath: resolved.Video.MetadataPath,
	}

	info, err := os.Stat(resolved.Video.VideoPath)
	if err != nil {
		return status, nil // disappeared between Resolve and Stat: not satisfied
	}
	if info.Size() != expectedSize {
		return status, nil
	}

	checksum, err := ix.Checksum(resolved.Video)
	if err != nil {
		return status, nil
	}
	status.Satisfied = string(checksum) == expectedMD5
	return status, nil
}
