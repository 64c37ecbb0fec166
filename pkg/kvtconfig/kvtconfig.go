// Package kvtconfig holds the engine's on-open configuration knobs (§6),
// mirroring the teacher's wal.Options shape: a plain struct with a
// DefaultOptions constructor, no builder pattern, no env/flag binding
// inside the package itself.
package kvtconfig

// Options configures an Engine at Open time.
type Options struct {
	// DataPath is the directory holding checkpoint and log files.
	DataPath string

	// Persist controls whether mutating operations are logged to disk at
	// all. false is an in-memory-only engine useful for tests.
	Persist bool

	// FsyncEachWrite, when Persist is true, fsyncs after every WAL append
	// instead of relying on a periodic background sync.
	FsyncEachWrite bool

	// LogSizeLimit is the byte threshold at which the active log file
	// triggers an automatic checkpoint and log rotation (§4.9).
	LogSizeLimit int64

	// KeepHistory is how many past checkpoints to retain on disk; 0 means
	// only the most recent.
	KeepHistory int

	// TextLog selects text framing (human-inspectable) over the default
	// binary framing for the WAL.
	TextLog bool

	// Verbosity gates internal/kvtlog output: 0 silent, 1 errors/recovery,
	// 2 adds checkpoint/rotation, 3 adds per-operation tracing.
	Verbosity int

	// SanityCheckLevel gates extra runtime self-checks (e.g. re-validating
	// decoded keys round-trip through kvtkey.Encode) too expensive to run
	// unconditionally in production. 0 disables them entirely.
	SanityCheckLevel int

	// StrictOneShot, when true, makes tx_id=0 (auto-commit) writes/deletes
	// fail with ONE_SHOT_WRITE_NOT_ALLOWED / ONE_SHOT_DELETE_NOT_ALLOWED
	// instead of succeeding as an implicit single-op transaction.
	StrictOneShot bool

	// Backend selects the concurrency discipline: "2pl" or "occ".
	Backend string
}

const (
	defaultLogSizeLimit = 64 * 1024 * 1024
	defaultKeepHistory  = 3
)

// DefaultOptions returns safe production defaults: persistence on,
// fsync-per-write off (relying on the periodic sync policy), binary
// framing, a 64MiB log rotation threshold, three retained checkpoints,
// 2PL as the concurrency backend, and no strict one-shot rejection.
func DefaultOptions(dataPath string) Options {
	return Options{
		DataPath:         dataPath,
		Persist:          true,
		FsyncEachWrite:   false,
		LogSizeLimit:     defaultLogSizeLimit,
		KeepHistory:      defaultKeepHistory,
		TextLog:          false,
		Verbosity:        1,
		SanityCheckLevel: 0,
		StrictOneShot:    false,
		Backend:          "2pl",
	}
}
