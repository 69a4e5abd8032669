package conversion

import (
	"fmt"

	"github.com/mosaicnetworks/dispersy/src/message"
)

// DropPacket reports a packet that can never be decoded.
type DropPacket struct {
	Reason string
}

func (e *DropPacket) Error() string {
	return fmt.Sprintf("drop packet: %s", e.Reason)
}

// DelayPacket reports a packet that can be decoded once Missing is
// available.
type DelayPacket struct {
	Reason  string
	Missing message.Missing
}

func (e *DelayPacket) Error() string {
	return fmt.Sprintf("delay packet: %s", e.Reason)
}

func drop(format string, args ...interface{}) error {
	return &DropPacket{Reason: fmt.Sprintf(format, args...)}
}
