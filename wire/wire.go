package wire

import (
	"bytes"
	"encoding/binary"
	"io"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
)

const (
	Protocol = "BitTorrent protocol"

	// 1 + 19 + 8 + 20 + 20
	HandshakeLength = 68
)

// MaxMessageLength bounds a declared frame length: a 128 KiB block plus
// header, or a bitfield for a very large torrent.
var MaxMessageLength uint32 = 1<<17 + 13

var (
	ErrMalformed        = errors.New("malformed message")
	ErrProtocolMismatch = errors.New("protocol mismatch")
)

func malformedf(format string, args ...interface{}) error {
	return errors.Wrapf(ErrMalformed, format, args...)
}

type Wire interface {
	// Reading
	ReadHandshake() (*Handshake, error)
	ReadMessage() (*Message, error)

	// Writing
	SendHandshake(h *Handshake) error
	SendKeepAlive() error
	SendChoke() error
	SendUnchoke() error
	SendInterested() error
	SendUnInterested() error
	SendHave(pieceIndex int) error
	SendBitField(bitfield []byte) error
	SendRequest(pieceIndex, begin, length int) error
	SendBlock(pieceIndex, begin int, block []byte) error
	SendCancel(pieceIndex, begin, length int) error
	SendPort(port uint16) error
	SendExtended(id uint8, payload []byte) error

	// Other
	GetLastMessageSent() (lastMessageSent time.Time)
	RemoteAddr() net.Addr
	Close() error
}

type wire struct {
	conn            net.Conn
	timeoutDuration time.Duration

	mu              sync.Mutex
	lastMessageSent time.Time
}

// NewWire wraps conn. Every read must complete within timeoutDuration.
func NewWire(
	conn net.Conn,
	timeoutDuration time.Duration) Wire {

	return &wire{
		conn:            conn,
		timeoutDuration: timeoutDuration,
	}
}

func (w *wire) GetLastMessageSent() time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastMessageSent
}

func (w *wire) RemoteAddr() net.Addr {
	return w.conn.RemoteAddr()
}

func (w *wire) Close() error {
	return w.conn.Close()
}

func (w *wire) setReadDeadline() {
	if w.timeoutDuration > 0 {
		w.conn.SetReadDeadline(time.Now().Add(w.timeoutDuration))
	}
}

func (w *wire) ReadHandshake() (*Handshake, error) {
	w.setReadDeadline()
	data := make([]byte, HandshakeLength)
	if _, err := io.ReadFull(w.conn, data[:1]); err != nil {
		return nil, err
	}
	if int(data[0]) != len(Protocol) {
		return nil, malformedf("handshake protocol length %d", data[0])
	}
	if _, err := io.ReadFull(w.conn, data[1:]); err != nil {
		if err == io.ErrUnexpectedEOF || err == io.EOF {
			return nil, malformedf("short handshake")
		}
		return nil, err
	}
	return decodeHandshake(data)
}

func (w *wire) ReadMessage() (*Message, error) {
	w.setReadDeadline()

	var length uint32
	if err := binary.Read(w.conn, binary.BigEndian, &length); err != nil {
		return nil, err
	}
	if length == 0 {
		return &Message{Kind: KeepAlive}, nil
	}
	if length > MaxMessageLength {
		return nil, malformedf("declared length %d exceeds %d", length, MaxMessageLength)
	}

	frame := make([]byte, length)
	if _, err := io.ReadFull(w.conn, frame); err != nil {
		if err == io.ErrUnexpectedEOF {
			return nil, malformedf("truncated frame")
		}
		return nil, err
	}
	return decodeMessage(frame[0], frame[1:])
}

func (w *wire) SendHandshake(h *Handshake) error {
	return w.sendMessage(h.Bytes())
}

func (w *wire) SendKeepAlive() error {
	b := &bytes.Buffer{}
	binary.Write(b, binary.BigEndian, int32(0))
	return w.sendMessage(b.Bytes())
}

func (w *wire) SendChoke() error {
	return w.sendMessage(header(1, CHOKE))
}

func (w *wire) SendUnchoke() error {
	return w.sendMessage(header(1, UNCHOKE))
}

func (w *wire) SendInterested() error {
	return w.sendMessage(header(1, INTERESTED))
}

func (w *wire) SendUnInterested() error {
	return w.sendMessage(header(1, NOT_INTERESTED))
}

func (w *wire) SendHave(pieceIndex int) error {
	b := bytes.NewBuffer(header(5, HAVE))
	binary.Write(b, binary.BigEndian, int32(pieceIndex))
	return w.sendMessage(b.Bytes())
}

func (w *wire) SendBitField(bitfield []byte) error {
	b := bytes.NewBuffer(header(1+len(bitfield), BITFIELD))
	b.Write(bitfield)
	return w.sendMessage(b.Bytes())
}

func (w *wire) SendRequest(pieceIndex, begin, length int) error {
	return w.sendMessage(triple(REQUEST, pieceIndex, begin, length))
}

func (w *wire) SendCancel(pieceIndex, begin, length int) error {
	return w.sendMessage(triple(CANCEL, pieceIndex, begin, length))
}

func (w *wire) SendBlock(pieceIndex, begin int, block []byte) error {
	b := bytes.NewBuffer(header(9+len(block), BLOCK))
	binary.Write(b, binary.BigEndian, int32(pieceIndex))
	binary.Write(b, binary.BigEndian, int32(begin))
	b.Write(block)
	return w.sendMessage(b.Bytes())
}

func (w *wire) SendPort(port uint16) error {
	b := bytes.NewBuffer(header(3, PORT))
	binary.Write(b, binary.BigEndian, port)
	return w.sendMessage(b.Bytes())
}

func (w *wire) SendExtended(id uint8, payload []byte) error {
	b := bytes.NewBuffer(header(2+len(payload), EXTENDED))
	b.WriteByte(id)
	b.Write(payload)
	return w.sendMessage(b.Bytes())
}

func header(length int, id uint8) []byte {
	b := &bytes.Buffer{}
	binary.Write(b, binary.BigEndian, int32(length))
	b.WriteByte(id)
	return b.Bytes()
}

func triple(id uint8, pieceIndex, begin, length int) []byte {
	b := bytes.NewBuffer(header(13, id))
	binary.Write(b, binary.BigEndian, int32(pieceIndex))
	binary.Write(b, binary.BigEndian, int32(begin))
	binary.Write(b, binary.BigEndian, int32(length))
	return b.Bytes()
}

func (w *wire) sendMessage(msg []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.lastMessageSent = time.Now()
	if w.timeoutDuration > 0 {
		w.conn.SetWriteDeadline(time.Now().Add(w.timeoutDuration))
	}
	_, err := w.conn.Write(msg)
	return err
}
