//go:build !amd64 && !arm64

package rebind

import "errors"

const thunkSize = 0

func writeThunk([]byte, uintptr) error {
	return errors.New("trampolines are not supported on this architecture")
}
