package tier

import (
	"sort"
	"time"

	"github.com/gftdcojp/hybrid-tiered-storage/internal/config"
	"github.com/gftdcojp/hybrid-tiered-storage/internal/meta"
)

// Idle is anything ranked by the time it was last used, in Unix milliseconds.
type Idle interface {
	LastUsage() int64
}

// PolicyEngine decides which chunks to close and which cursors to save.
type PolicyEngine struct {
	engine config.EngineConfig
	policy config.PolicyConfig
}

// NewPolicyEngine creates a new policy engine.
func NewPolicyEngine(engine config.EngineConfig, policy config.PolicyConfig) *PolicyEngine {
	return &PolicyEngine{engine: engine, policy: policy}
}

// SelectIdle returns the items to close, least recently used first. Nothing
// is selected unless the population exceeds the cap or the oldest item has
// been idle for more than twice the close threshold. Selection stops at the
// first item still within the threshold.
func SelectIdle[T Idle](items []T, now time.Time, maxOpened int, closeAfter time.Duration) []T {
	if len(items) == 0 {
		return nil
	}
	sorted := make([]T, len(items))
	copy(sorted, items)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].LastUsage() < sorted[j].LastUsage()
	})

	nowMs := now.UnixMilli()
	idle := func(it T) time.Duration {
		return time.Duration(nowMs-it.LastUsage()) * time.Millisecond
	}
	if len(sorted) <= maxOpened && idle(sorted[0]) <= 2*closeAfter {
		return nil
	}

	var out []T
	for _, it := range sorted {
		if idle(it) <= closeAfter {
			break
		}
		out = append(out, it)
	}
	return out
}

// SelectCursors returns the changed cursors whose last change is older than
// saveAfter, oldest first, stopping at the first newer one.
func SelectCursors(cursors []meta.Cursor, now time.Time, saveAfter time.Duration) []meta.Cursor {
	var changed []meta.Cursor
	for _, c := range cursors {
		if c.Changed() {
			changed = append(changed, c)
		}
	}
	sort.SliceStable(changed, func(i, j int) bool {
		return changed[i].LastChange().Before(changed[j].LastChange())
	})

	cutoff := now.Add(-saveAfter)
	var out []meta.Cursor
	for _, c := range changed {
		if !c.LastChange().Before(cutoff) {
			break
		}
		out = append(out, c)
	}
	return out
}

// CursorsToSave applies SelectCursors with the configured threshold.
func (p *PolicyEngine) CursorsToSave(cursors []meta.Cursor, now time.Time) []meta.Cursor {
	return SelectCursors(cursors, now, p.engine.SaveIterateStreamAfter.Duration())
}

// PromotionCandidates keeps the rows, already ordered hottest first, whose
// temperature is at least avg. At most MaxMovesPerCycle rows are returned.
func (p *PolicyEngine) PromotionCandidates(rows []meta.ChunkRow, avg float64) []meta.ChunkRow {
	var out []meta.ChunkRow
	for _, r := range rows {
		if r.Temperature < avg {
			break
		}
		out = append(out, r)
		if p.policy.MaxMovesPerCycle > 0 && len(out) >= p.policy.MaxMovesPerCycle {
			break
		}
	}
	return out
}
