package meta

import (
	"encoding/binary"
	"math"
	"time"

	"github.com/gftdcojp/hybrid-tiered-storage/internal/types"
)

// Bucket names in BoltDB.
var (
	bucketSystem     = []byte("system")
	bucketChunks     = []byte("chunks")
	bucketTempIndex  = []byte("chunk_temp_index")
	bucketDrives     = []byte("drives")
	keySchemaVersion = []byte("schema_version")
)

// Schema v2: (temperature, lastUsage) index over chunk rows.
const currentSchemaVersion = 2

// ChunkRow is the persisted state of one chunk.
type ChunkRow struct {
	ObjectID uint64
	Part     uint64

	FastDriveID int
	SlowDriveID int
	// A version of -1 means the tier holds no file.
	FastVersion int64
	SlowVersion int64
	OnFast      bool

	Temperature      float64
	UsageCount       int64
	AvgInterAccessMs float64
	LastUsageMs      int64
	LastReadMs       int64
	LastWriteMs      int64
}

func (r *ChunkRow) Key() types.ChunkKey {
	return types.ChunkKey{ObjectID: r.ObjectID, Part: r.Part}
}

// DriveRow is the persisted accounting of one drive.
type DriveRow struct {
	ID        int
	Name      string
	UsedBytes int64
	UpdatedAt time.Time
}

// Residency filters chunk queries by fast-tier residency.
type Residency int

const (
	ResidencyAny Residency = iota
	ResidencyFast
	ResidencySlow
)

// AnyDrive matches every fast drive in a ChunkQuery.
const AnyDrive = -1

// ChunkQuery selects rows from the temperature index. Rows come back ordered
// by (temperature, lastUsage), coldest first unless Descending.
type ChunkQuery struct {
	Residency   Residency
	FastDriveID int // AnyDrive for no filter
	Descending  bool
	HasFastFile bool // only rows with a file on the fast tier
	Limit       int  // 0 for no limit
}

func (q ChunkQuery) match(onFast bool, fastDrive int) bool {
	switch q.Residency {
	case ResidencyFast:
		if !onFast {
			return false
		}
	case ResidencySlow:
		if onFast {
			return false
		}
	}
	return q.FastDriveID < 0 || q.FastDriveID == fastDrive
}

func chunkKeyBytes(k types.ChunkKey) []byte {
	b := make([]byte, 16)
	binary.BigEndian.PutUint64(b[0:8], k.ObjectID)
	binary.BigEndian.PutUint64(b[8:16], k.Part)
	return b
}

func chunkKeyFromBytes(b []byte) types.ChunkKey {
	return types.ChunkKey{
		ObjectID: binary.BigEndian.Uint64(b[0:8]),
		Part:     binary.BigEndian.Uint64(b[8:16]),
	}
}

// tempIndexKey orders rows by temperature, then last usage, then key.
func tempIndexKey(r *ChunkRow) []byte {
	b := make([]byte, 32)
	binary.BigEndian.PutUint64(b[0:8], sortableFloat(r.Temperature))
	binary.BigEndian.PutUint64(b[8:16], uint64(r.LastUsageMs)^(1<<63))
	copy(b[16:], chunkKeyBytes(r.Key()))
	return b
}

func tempFromIndexKey(b []byte) float64 {
	return unsortableFloat(binary.BigEndian.Uint64(b[0:8]))
}

// tempIndexValue carries what queries filter on, so a scan does not need to
// decode every row.
func tempIndexValue(r *ChunkRow) []byte {
	b := make([]byte, 9)
	if r.OnFast {
		b[0] = 1
	}
	binary.BigEndian.PutUint64(b[1:], uint64(int64(r.FastDriveID)))
	return b
}

func decodeTempIndexValue(b []byte) (onFast bool, fastDrive int) {
	return b[0] == 1, int(int64(binary.BigEndian.Uint64(b[1:])))
}

// sortableFloat maps a float64 to a uint64 whose unsigned order matches the
// float order.
func sortableFloat(f float64) uint64 {
	bits := math.Float64bits(f)
	if bits&(1<<63) != 0 {
		return ^bits
	}
	return bits | (1 << 63)
}

func unsortableFloat(u uint64) float64 {
	if u&(1<<63) != 0 {
		return math.Float64frombits(u &^ (1 << 63))
	}
	return math.Float64frombits(^u)
}

func uint64ToBytes(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

func bytesToUint64(b []byte) uint64 {
	return binary.BigEndian.Uint64(b)
}
