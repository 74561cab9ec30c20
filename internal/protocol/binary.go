package protocol

import (
	"fmt"
	"strconv"
	"sync"
)

// Binary WebSocket messages carry bulk payloads without base64 overhead:
//
//	[event code][len(id)][id as ASCII decimal][payload]
//
// Only the two high-volume events use this form.
const (
	binaryResponseContent byte = 1
	binaryWebSocketData   byte = 2
)

const maxPooledFrameSize = 1024 * 1024

var binaryFramePool = sync.Pool{
	New: func() any {
		return make([]byte, 0, 64*1024)
	},
}

// HasBinaryForm reports whether frames of this type are sent as binary messages.
func HasBinaryForm(t EventType) bool {
	return t == EventResponseContentBinary || t == EventWebSocket
}

// EncodeBinaryFrame encodes a body or tunnel frame into a freshly allocated slice.
func EncodeBinaryFrame(f *Frame) ([]byte, error) {
	buf, release, err := EncodeBinaryFramePooled(f)
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(buf))
	copy(out, buf)
	release()
	return out, nil
}

// EncodeBinaryFramePooled encodes using a pooled backing buffer.
// The caller MUST invoke the returned release function exactly once after the slice is no longer needed.
func EncodeBinaryFramePooled(f *Frame) ([]byte, func(), error) {
	var (
		code    byte
		payload []byte
	)
	switch f.Type {
	case EventResponseContentBinary:
		code, payload = binaryResponseContent, f.Body
	case EventWebSocket:
		code, payload = binaryWebSocketData, f.Data
	default:
		return nil, nil, fmt.Errorf("no binary form for %s", f.Type)
	}
	if f.ID <= 0 {
		return nil, nil, fmt.Errorf("invalid frame id %d", f.ID)
	}
	id := strconv.AppendInt(nil, f.ID, 10)
	total := 2 + len(id) + len(payload)
	buf := borrowFrameBuffer(total)
	frame := buf[:total]
	frame[0] = code
	frame[1] = byte(len(id))
	copy(frame[2:2+len(id)], id)
	copy(frame[2+len(id):], payload)
	return frame, func() { releaseFrameBuffer(buf) }, nil
}

// DecodeBinaryFrame parses a binary message. The payload aliases data.
func DecodeBinaryFrame(data []byte) (*Frame, error) {
	if len(data) < 2 {
		return nil, fmt.Errorf("binary frame too short: %d bytes", len(data))
	}
	idLen := int(data[1])
	if idLen == 0 {
		return nil, fmt.Errorf("binary frame has zero-length id")
	}
	if len(data) < 2+idLen {
		return nil, fmt.Errorf("binary frame too short for id: have %d need %d", len(data), 2+idLen)
	}
	id, err := strconv.ParseInt(string(data[2:2+idLen]), 10, 64)
	if err != nil || id <= 0 {
		return nil, fmt.Errorf("binary frame has invalid id %q", data[2:2+idLen])
	}
	payload := data[2+idLen:]
	switch data[0] {
	case binaryResponseContent:
		return &Frame{Type: EventResponseContentBinary, ID: id, Body: payload}, nil
	case binaryWebSocketData:
		return &Frame{Type: EventWebSocket, ID: id, Data: payload}, nil
	default:
		return nil, fmt.Errorf("unknown binary event code %d", data[0])
	}
}

func borrowFrameBuffer(size int) []byte {
	buf := binaryFramePool.Get().([]byte)
	if cap(buf) < size {
		return make([]byte, size)
	}
	return buf[:size]
}

func releaseFrameBuffer(buf []byte) {
	if buf == nil || cap(buf) > maxPooledFrameSize {
		return
	}
	binaryFramePool.Put(buf[:0])
}
