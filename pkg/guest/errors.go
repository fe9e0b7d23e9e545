package guest

import (
	"errors"
	"fmt"

	"github.com/woxQAQ/wasp/pkg/protocol"
)

// ErrUnknownAddress is returned when a buffer is read from an address the
// heap never handed out.
var ErrUnknownAddress = errors.New("address was not allocated by this heap")

// AllocationContractViolation occurs when deallocate is called with an
// address or size that does not match a live allocation. Guest memory can
// no longer be trusted after it.
type AllocationContractViolation struct {
	Address protocol.Address
	Size    uint32
	Reason  string
}

func (e *AllocationContractViolation) Error() string {
	return fmt.Sprintf("allocation contract violation at %s (size %d): %s", e.Address, e.Size, e.Reason)
}
