// Package logbuffer merges streamed log entries into a bounded, deduplicated,
// newest-first buffer.
package logbuffer

import (
	"sort"

	"github.com/oicur0t/convexlogs/pkg/models"
)

// MaxLogs is the default buffer capacity
const MaxLogs = 10000

// Merge combines incoming entries into existing. Entries whose id is already
// present in existing, or repeated within incoming, are dropped. When nothing
// new remains, existing is returned as-is and changed is false. Otherwise the
// result is sorted by timestamp descending and truncated to max entries.
//
// existing is never modified.
func Merge(existing, incoming []models.LogEntry, max int) (merged []models.LogEntry, changed bool) {
	if len(incoming) == 0 {
		return existing, false
	}

	seen := make(map[string]struct{}, len(existing)+len(incoming))
	for _, e := range existing {
		seen[e.ID] = struct{}{}
	}

	fresh := make([]models.LogEntry, 0, len(incoming))
	for _, e := range incoming {
		if _, dup := seen[e.ID]; dup {
			continue
		}
		seen[e.ID] = struct{}{}
		fresh = append(fresh, e)
	}
	if len(fresh) == 0 {
		return existing, false
	}

	merged = make([]models.LogEntry, 0, len(fresh)+len(existing))
	merged = append(merged, fresh...)
	merged = append(merged, existing...)

	// Stable so that among equal timestamps new entries stay ahead of old ones
	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].Timestamp > merged[j].Timestamp
	})

	if max > 0 && len(merged) > max {
		merged = merged[:max:max]
	}
	return merged, true
}
