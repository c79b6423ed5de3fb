package chunk

// Usage is a chunk's access history. Temperature is the ranking key for
// tier migration.
type Usage struct {
	Temperature      float64 `json:"temperature"`
	Count            int64   `json:"usage_count"`
	AvgInterAccessMs float64 `json:"avg_inter_access_ms"`
	LastUsageMs      int64   `json:"last_usage_ms"`
	LastReadMs       int64   `json:"last_read_ms"`
	LastWriteMs      int64   `json:"last_write_ms"`
}

// touch folds one access at nowMs into the running averages. load is the
// engine-wide average throughput; each access pulls the temperature toward
// it with weight 1/(n+1).
func (u *Usage) touch(nowMs int64, load float64, write bool) {
	n := float64(u.Count)

	var gap float64
	if u.LastUsageMs > 0 && nowMs > u.LastUsageMs {
		gap = float64(nowMs - u.LastUsageMs)
	}
	u.AvgInterAccessMs = (gap + u.AvgInterAccessMs*n) / (n + 1)
	u.Temperature = (u.Temperature*n + load) / (n + 1)

	u.Count++
	u.LastUsageMs = nowMs
	if write {
		u.LastWriteMs = nowMs
	} else {
		u.LastReadMs = nowMs
	}
}
