//go:build arm64

package rebind

import (
	"encoding/binary"
	"errors"
)

const thunkSize = 16

const (
	// LDR X16, #8 — load the quadword following the pair. X16 is the
	// intra-procedure scratch register reserved for exactly this kind of
	// veneer.
	_LDRX16 = uint32(0x58000050)

	// BR X16
	_BRX16 = uint32(0xd61f0200)
)

// writeThunk emits an absolute branch through X16 with the target address
// stored inline after the two instructions.
func writeThunk(buf []byte, target uintptr) error {
	if len(buf) < thunkSize {
		return errors.New("buffer too small for thunk")
	}

	binary.LittleEndian.PutUint32(buf[0:], _LDRX16)
	binary.LittleEndian.PutUint32(buf[4:], _BRX16)
	binary.LittleEndian.PutUint64(buf[8:], uint64(target))

	return nil
}
