package wire

import (
	bitmap "github.com/boljen/go-bitmap"
)

// EncodeBitfield packs the first n bits of bm in wire order: piece 0 is the
// high bit of the first byte.
func EncodeBitfield(bm bitmap.Bitmap, n int) []byte {
	out := make([]byte, (n+7)/8)
	for i := 0; i < n; i++ {
		if bm.Get(i) {
			out[i/8] |= 0x80 >> uint(i%8)
		}
	}
	return out
}

// DecodeBitfield unpacks a wire bitfield for n pieces. The payload must be
// exactly ceil(n/8) bytes with all spare bits clear.
func DecodeBitfield(b []byte, n int) (bitmap.Bitmap, error) {
	if len(b) != (n+7)/8 {
		return nil, malformedf("bitfield of %d bytes for %d pieces", len(b), n)
	}
	bm := bitmap.New(n)
	for i := 0; i < len(b)*8; i++ {
		if b[i/8]&(0x80>>uint(i%8)) == 0 {
			continue
		}
		if i >= n {
			return nil, malformedf("bitfield spare bit %d set", i)
		}
		bm.Set(i, true)
	}
	return bm, nil
}
