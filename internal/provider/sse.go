package provider

import "bytes"

var dataPrefix = []byte("data:")

// ssePayload strips the server-sent-events data marker from a line.
// ok is false for lines that carry no data field (comments, event names).
func ssePayload(line []byte) (payload []byte, ok bool) {
	idx := bytes.Index(line, dataPrefix)
	if idx < 0 {
		return nil, false
	}
	return bytes.TrimSpace(line[idx+len(dataPrefix):]), true
}
