package boot

import (
	"errors"
	"fmt"

	"github.com/go-microvm/microvm/memory"
)

// ErrCmdlineTooLong is returned when a command line (plus its NUL
// terminator) would not fit in CmdlineMaxSize bytes.
var ErrCmdlineTooLong = errors.New("command line too long")

// LoadCmdline writes s, NUL-terminated, at CmdlineAddr and returns the
// written length including the terminator.
func LoadCmdline(mem *memory.Memory, s string) (int, error) {
	size := len(s) + 1
	if size > CmdlineMaxSize {
		return 0, fmt.Errorf("%w: %d bytes", ErrCmdlineTooLong, size)
	}

	buf := make([]byte, size)
	copy(buf, s)

	if err := mem.WriteAt(CmdlineAddr, buf); err != nil {
		return 0, err
	}

	return size, nil
}
