package protocol

import (
	"bytes"
	"testing"
)

func FuzzDecodeBinaryFrame(f *testing.F) {
	f.Add([]byte{1, 2, '4', '2', 'h', 'i'})
	f.Add([]byte{2, 1, '7'})

	f.Fuzz(func(t *testing.T, data []byte) {
		frame, err := DecodeBinaryFrame(data)
		if err != nil {
			return
		}
		encoded, release, err := EncodeBinaryFramePooled(frame)
		if err != nil {
			t.Fatalf("encode failed: %v", err)
		}
		decoded, err := DecodeBinaryFrame(encoded)
		if err != nil {
			release()
			t.Fatalf("decode failed: %v", err)
		}
		if decoded.Type != frame.Type || decoded.ID != frame.ID {
			release()
			t.Fatalf("frame mismatch: %s/%d vs %s/%d", frame.Type, frame.ID, decoded.Type, decoded.ID)
		}
		same := bytes.Equal(decoded.Body, frame.Body) && bytes.Equal(decoded.Data, frame.Data)
		release()
		if !same {
			t.Fatal("payload mismatch")
		}
	})
}
