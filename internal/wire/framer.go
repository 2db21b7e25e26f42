package wire

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"sync"
)

// DefaultMaxBodyBytes is the suggested frame body cap.
const DefaultMaxBodyBytes = 16 * 1024 * 1024

const headerLen = 2 + 4 // u16 type + u32 length

// Framer implements a length-prefixed typed-message codec: a 2-byte
// message type, a 4-byte body length, then the body, all big-endian, over
// any io.ReadWriter (in practice, a *tls.Conn). Reads are buffered so a
// header-then-body read completes only once both are fully available;
// writes are serialized under a mutex so messages submitted concurrently
// still land on the wire whole and in submission order.
type Framer struct {
	r           *bufio.Reader
	maxBody     uint32
	writeMu     sync.Mutex
	writeCloser io.Writer
}

// NewFramer wraps rw with the frame codec. maxBody of 0 uses DefaultMaxBodyBytes.
func NewFramer(rw io.ReadWriter, maxBody uint32) *Framer {
	if maxBody == 0 {
		maxBody = DefaultMaxBodyBytes
	}
	return &Framer{
		r:           bufio.NewReader(rw),
		maxBody:     maxBody,
		writeCloser: rw,
	}
}

// ReadMessage blocks until one full frame (header + body) has been read.
// Decode failures and over-length frames return a *ProtocolError; the
// caller is expected to close the connection on any error.
func (f *Framer) ReadMessage() (MessageType, []byte, error) {
	var header [headerLen]byte
	if _, err := io.ReadFull(f.r, header[:]); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return 0, nil, err
		}
		return 0, nil, NewTransportError("read header", err)
	}

	t := MessageType(binary.BigEndian.Uint16(header[0:2]))
	length := binary.BigEndian.Uint32(header[2:6])

	if length > f.maxBody {
		return 0, nil, NewProtocolError(fmt.Sprintf("frame length %d exceeds max %d", length, f.maxBody))
	}

	body := make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(f.r, body); err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				return 0, nil, err
			}
			return 0, nil, NewTransportError("read body", err)
		}
	}

	return t, body, nil
}

// WriteMessage frames and writes one message. Safe for concurrent callers;
// an internal mutex serialises writes so the wire order matches submission
// order.
func (f *Framer) WriteMessage(t MessageType, body []byte) error {
	if uint32(len(body)) > f.maxBody {
		return NewProtocolError(fmt.Sprintf("outgoing frame length %d exceeds max %d", len(body), f.maxBody))
	}

	frame := make([]byte, headerLen+len(body))
	binary.BigEndian.PutUint16(frame[0:2], uint16(t))
	binary.BigEndian.PutUint32(frame[2:6], uint32(len(body)))
	copy(frame[headerLen:], body)

	f.writeMu.Lock()
	defer f.writeMu.Unlock()
	if _, err := f.writeCloser.Write(frame); err != nil {
		return NewTransportError("write", err)
	}
	return nil
}
