// Package store persists documents, chunks and embeddings.
package store

import "github.com/xhad/isoassist/pkg/urlutil"

// urlCandidate is the URL tried on the nth registration attempt. The URL as
// given comes first; later attempts add _vN to its version-stripped form.
func urlCandidate(raw string, n int) string {
	if n == 0 {
		return raw
	}
	return urlutil.WithVersion(raw, n)
}

// RestoreResult reports what a restore from a backup table changed.
type RestoreResult struct {
	BackupRows int64
	Restored   int64
	LiveRows   int64
}
