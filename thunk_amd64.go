//go:build amd64

package rebind

import (
	"encoding/binary"
	"errors"
)

const thunkSize = 16

// writeThunk emits
//
//	JMP [RIP+0]
//	.quad target
//
// which jumps through the absolute address embedded after the instruction
// and clobbers no registers.
func writeThunk(buf []byte, target uintptr) error {
	if len(buf) < 14 {
		return errors.New("buffer too small for thunk")
	}

	buf[0] = 0xff
	buf[1] = 0x25
	binary.LittleEndian.PutUint32(buf[2:], 0)
	binary.LittleEndian.PutUint64(buf[6:], uint64(target))

	// Pad the rest of the buffer with INT3 opcodes to match what the
	// compiler does.
	for i := 14; i < len(buf); i++ {
		buf[i] = 0xcc
	}

	return nil
}
