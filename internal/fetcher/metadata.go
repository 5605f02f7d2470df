package fetcher

import (
	"encoding/json"
	"os"

	"github.com/dance-edge/cdn/internal/cache"
)

// writeMetadata synthesises a metadata.json for a freshly published
// cache-filled entry, matching spec.md §6's schema of keys the edge forwards
// verbatim when it has no richer descriptor available.
func writeMetadata(path string, meta cache.Metadata) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	return enc.Encode(meta)
}
