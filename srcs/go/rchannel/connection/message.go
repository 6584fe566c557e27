package connection

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

type ConnType uint16

const (
	ConnPing       ConnType = iota // 0
	ConnCollective ConnType = iota
	ConnPeerToPeer ConnType = iota
)

var ErrInvalidConnectionType = errors.New("invalid connection type")

func (t ConnType) String() string {
	switch t {
	case ConnPing:
		return "Ping"
	case ConnCollective:
		return "Collective"
	case ConnPeerToPeer:
		return "PeerToPeer"
	default:
		return ""
	}
}

var endian = binary.LittleEndian

type connectionHeader struct {
	Type    uint16
	SrcPort uint16
	SrcIPv4 uint32
}

func (h connectionHeader) WriteTo(w io.Writer) error {
	return binary.Write(w, endian, &h)
}

func (h *connectionHeader) ReadFrom(r io.Reader) error {
	return binary.Read(r, endian, h)
}

type connectionACK struct {
	Token uint32
}

func (a connectionACK) WriteTo(w io.Writer) error {
	return binary.Write(w, endian, &a)
}

func (a *connectionACK) ReadFrom(r io.Reader) error {
	return binary.Read(r, endian, a)
}

const NoFlag uint32 = 0

const (
	// WaitRecvBuf tells the receiver to deliver the body into a
	// pre-registered buffer instead of allocating a fresh one.
	WaitRecvBuf uint32 = 1 << iota
)

type MessageHeader struct {
	NameLength uint32
	Name       []byte
	Flags      uint32
}

func (h *MessageHeader) HasFlag(flag uint32) bool {
	return h.Flags&flag == flag
}

func (h *MessageHeader) WriteTo(w io.Writer) error {
	if err := binary.Write(w, endian, h.NameLength); err != nil {
		return err
	}
	if _, err := w.Write(h.Name); err != nil {
		return err
	}
	return binary.Write(w, endian, h.Flags)
}

// ReadFrom reads the message header from a reader into a new buffer.
// The name length is obtained from the reader and should be trusted.
func (h *MessageHeader) ReadFrom(r io.Reader) error {
	if err := binary.Read(r, endian, &h.NameLength); err != nil {
		return err
	}
	h.Name = make([]byte, h.NameLength)
	if err := readN(r, h.Name, int(h.NameLength)); err != nil {
		return err
	}
	return binary.Read(r, endian, &h.Flags)
}

// Expect reads the message header and checks the name against name.
func (h *MessageHeader) Expect(r io.Reader, name string) error {
	if err := h.ReadFrom(r); err != nil {
		return err
	}
	if string(h.Name) != name {
		return fmt.Errorf("unexpected name %s, want %s", h.Name, name)
	}
	return nil
}

func (h MessageHeader) String() string {
	return fmt.Sprintf("messageHeader{length=%d,name=%s}", h.NameLength, string(h.Name))
}

// Message is the data transferred via a channel.
type Message struct {
	Length uint32
	Data   []byte
	Flags  uint32 // copied from the header, not part of the wire body
}

func (m *Message) Same(pm *Message) bool {
	return &m.Data[0] == &pm.Data[0]
}

func (m *Message) HasFlag(flag uint32) bool {
	return m.Flags&flag == flag
}

func (m Message) WriteTo(w io.Writer) error {
	if err := binary.Write(w, endian, m.Length); err != nil {
		return err
	}
	_, err := w.Write(m.Data)
	return err
}

// ReadFrom reads the message from a reader into a new buffer.
func (m *Message) ReadFrom(r io.Reader) error {
	if err := binary.Read(r, endian, &m.Length); err != nil {
		return err
	}
	m.Data = make([]byte, m.Length)
	return readN(r, m.Data, int(m.Length))
}

var errUnexpectedMessageLength = errors.New("unexpected message length")

// ReadInto reads the message from a reader into an existing buffer.
// The message length obtained from the reader is checked.
func (m *Message) ReadInto(r io.Reader) error {
	var length uint32
	if err := binary.Read(r, endian, &length); err != nil {
		return err
	}
	if length != m.Length {
		return errUnexpectedMessageLength
	}
	return readN(r, m.Data, int(m.Length))
}

func (m Message) String() string {
	return fmt.Sprintf("message{length=%d}", m.Length)
}

func readN(r io.Reader, buffer []byte, n int) error {
	for offset := 0; offset < n; {
		n, err := r.Read(buffer[offset:])
		if err != nil {
			return err
		}
		offset += n
	}
	return nil
}
