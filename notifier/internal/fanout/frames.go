package fanout

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"library-notifications/shared/events"
)

// KeepAliveComment is the unlabeled block streamed responses send while idle.
var KeepAliveComment = []byte(": keep-alive\n\n")

// Frames is one notification serialized once for each protocol.
type Frames struct {
	Push   []byte
	Stream []byte
}

func Encode(n events.Notification) (Frames, error) {
	payload, err := json.Marshal(n)
	if err != nil {
		return Frames{}, fmt.Errorf("encode notification: %w", err)
	}
	return Frames{Push: payload, Stream: StreamBlock(n.Type, payload)}, nil
}

// StreamBlock renders an "event:"/"data:" block. Line breaks in the label would
// split the block, so they are replaced.
func StreamBlock(label string, data []byte) []byte {
	label = strings.NewReplacer("\r", " ", "\n", " ").Replace(label)
	var buf bytes.Buffer
	buf.Grow(len(label) + len(data) + 16)
	buf.WriteString("event: ")
	buf.WriteString(label)
	buf.WriteString("\ndata: ")
	buf.Write(data)
	buf.WriteString("\n\n")
	return buf.Bytes()
}
