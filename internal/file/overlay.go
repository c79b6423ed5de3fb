package file

// Overlay buffers partial writes destined for a file that is not cheap to
// write randomly. Pieces are kept in arrival order so later writes win.
type Overlay struct {
	pieces []piece
	extent int64
}

type piece struct {
	pos  int64
	data []byte
}

// Write records a copy of p at pos.
func (o *Overlay) Write(pos int64, p []byte) {
	o.pieces = append(o.pieces, piece{pos: pos, data: append([]byte(nil), p...)})
	if end := pos + int64(len(p)); end > o.extent {
		o.extent = end
	}
}

func (o *Overlay) Used() bool {
	return len(o.pieces) > 0
}

// Extent is one past the highest byte written, or 0 when empty.
func (o *Overlay) Extent() int64 {
	return o.extent
}

// Bytes is the total size of buffered pieces.
func (o *Overlay) Bytes() int64 {
	var n int64
	for _, p := range o.pieces {
		n += int64(len(p.data))
	}
	return n
}

func (o *Overlay) Reset() {
	o.pieces = nil
	o.extent = 0
}
