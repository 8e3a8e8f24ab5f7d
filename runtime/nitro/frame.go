package nitro

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

const maxFrameSize = 16 << 20

const (
	frameInit    = "init"
	frameMessage = "message"
	frameAck     = "ack"
	frameError   = "error"
)

// frame is the unit exchanged with the enclave agent over vsock: a 4 byte
// big-endian length followed by the JSON encoding of the frame.
type frame struct {
	Type    string `json:"type"`
	ID      string `json:"id,omitempty"`
	Payload []byte `json:"payload,omitempty"`
	Error   string `json:"error,omitempty"`
}

func writeFrame(w io.Writer, f *frame) error {
	body, err := json.Marshal(f)
	if err != nil {
		return err
	}

	if len(body) > maxFrameSize {
		return fmt.Errorf("frame of %d bytes exceeds maximum of %d", len(body), maxFrameSize)
	}

	buf := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(buf, uint32(len(body)))
	copy(buf[4:], body)

	_, err = w.Write(buf)
	return err
}

func readFrame(r io.Reader) (*frame, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}

	size := binary.BigEndian.Uint32(header[:])
	if size > maxFrameSize {
		return nil, fmt.Errorf("frame of %d bytes exceeds maximum of %d", size, maxFrameSize)
	}

	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}

	f := &frame{}
	if err := json.Unmarshal(body, f); err != nil {
		return nil, fmt.Errorf("decoding frame: %w", err)
	}

	return f, nil
}
