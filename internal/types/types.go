package types

import "fmt"

// Tier identifies the storage class a drive belongs to.
type Tier int

const (
	TierFast Tier = iota
	TierSlow
)

func (t Tier) String() string {
	switch t {
	case TierFast:
		return "fast"
	case TierSlow:
		return "slow"
	default:
		return "unknown"
	}
}

// Other returns the opposite tier.
func (t Tier) Other() Tier {
	if t == TierFast {
		return TierSlow
	}
	return TierFast
}

// ParseTier parses the configuration spelling of a tier.
func ParseTier(s string) (Tier, error) {
	switch s {
	case "fast":
		return TierFast, nil
	case "slow":
		return TierSlow, nil
	}
	return 0, fmt.Errorf("unknown tier %q", s)
}

// ChunkKey uniquely identifies a chunk: one fixed-size slice of a logical object.
type ChunkKey struct {
	ObjectID uint64
	Part     uint64
}

// FileName is the chunk's backing file name inside a drive root.
func (k ChunkKey) FileName() string {
	return fmt.Sprintf("%X_%X.bin", k.ObjectID, k.Part)
}

func (k ChunkKey) String() string {
	return fmt.Sprintf("%d/%d", k.ObjectID, k.Part)
}

// Part is one chunk-local slice of a byte range request.
type Part struct {
	Index      uint64 // chunk index within the object
	PosInChunk int64
	Length     int64
	OutOffset  int64 // offset of this slice within the caller's buffer
}
