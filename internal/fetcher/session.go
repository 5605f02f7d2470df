package fetcher

// Session is the in-flight state of a single stream-through download —
// spec.md's DownloadSession. The client_port suffix baked into DownloadTmp
// by the caller (internal/cache.Index.LocalCacheStatus) keeps two
// simultaneous fetches of the same id from colliding.
type Session struct {
	ID           uint32
	DownloadTmp  string
	ExpectedSize int64
	ExpectedETag string // lowercase hex MD5, empty if unknown up front
	CachePath    string
	MetadataPath string
}

// state names the Fetcher state machine's nodes, used only for logging —
// the implementation itself is a linear function, not a dispatched FSM,
// since every transition is unconditional except the two terminal branches.
type state int

const (
	stateInit state = iota
	stateDispatched
	stateStreaming
	stateUpstreamError
	stateFsynced
	stateVerified
	statePublished
	stateChecksumMismatch
	stateCleanedUp
)

func (s state) String() string {
	switch s {
	case stateInit:
		return "init"
	case stateDispatched:
		return "dispatched"
	case stateStreaming:
		return "streaming"
	case stateUpstreamError:
		return "upstream_error"
	case stateFsynced:
		return "fsynced"
	case stateVerified:
		return "verified"
	case statePublished:
		return "published"
	case stateChecksumMismatch:
		return "checksum_mismatch"
	case stateCleanedUp:
		return "cleaned_up"
	default:
		return "unknown"
	}
}
