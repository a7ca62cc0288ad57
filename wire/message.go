package wire

import (
	"encoding/binary"
	"fmt"
)

// Message ids as they appear on the wire.
const (
	CHOKE          = 0
	UNCHOKE        = 1
	INTERESTED     = 2
	NOT_INTERESTED = 3
	HAVE           = 4
	BITFIELD       = 5
	REQUEST        = 6
	BLOCK          = 7
	CANCEL         = 8
	PORT           = 9
	EXTENDED       = 20
)

// Kind is the decoded message variant.
type Kind uint8

const (
	KeepAlive Kind = iota
	Choke
	Unchoke
	Interested
	NotInterested
	Have
	Bitfield
	Request
	Piece
	Cancel
	Port
	Extended
	Unknown
)

var kindNames = [...]string{
	KeepAlive:     "keep-alive",
	Choke:         "choke",
	Unchoke:       "unchoke",
	Interested:    "interested",
	NotInterested: "not-interested",
	Have:          "have",
	Bitfield:      "bitfield",
	Request:       "request",
	Piece:         "piece",
	Cancel:        "cancel",
	Port:          "port",
	Extended:      "extended",
	Unknown:       "unknown",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Message is one decoded frame. Only the fields of its Kind are set.
type Message struct {
	Kind Kind
	// ID is the raw wire id; meaningful for every kind except KeepAlive.
	ID uint8

	Index  uint32
	Begin  uint32
	Length uint32

	Bitfield []byte
	Block    []byte
	Port     uint16

	ExtendedID uint8
	// Payload holds the extended payload, or the raw payload of an Unknown message.
	Payload []byte
}

func (m *Message) String() string {
	switch m.Kind {
	case Have:
		return fmt.Sprintf("have(%d)", m.Index)
	case Request, Cancel:
		return fmt.Sprintf("%s(%d, %d, %d)", m.Kind, m.Index, m.Begin, m.Length)
	case Piece:
		return fmt.Sprintf("piece(%d, %d, %d bytes)", m.Index, m.Begin, len(m.Block))
	case Bitfield:
		return fmt.Sprintf("bitfield(%d bytes)", len(m.Bitfield))
	case Extended:
		return fmt.Sprintf("extended(%d, %d bytes)", m.ExtendedID, len(m.Payload))
	case Unknown:
		return fmt.Sprintf("unknown(id=%d, %d bytes)", m.ID, len(m.Payload))
	}
	return m.Kind.String()
}

// decodeMessage turns an id and payload into a Message. Fixed-size messages
// must carry exactly their payload size.
func decodeMessage(id uint8, payload []byte) (*Message, error) {
	m := &Message{ID: id}
	fixed := func(kind Kind, size int) error {
		if len(payload) != size {
			return malformedf("%s with %d byte payload", kind, len(payload))
		}
		m.Kind = kind
		return nil
	}

	switch id {
	case CHOKE:
		return m, fixed(Choke, 0)
	case UNCHOKE:
		return m, fixed(Unchoke, 0)
	case INTERESTED:
		return m, fixed(Interested, 0)
	case NOT_INTERESTED:
		return m, fixed(NotInterested, 0)
	case HAVE:
		if err := fixed(Have, 4); err != nil {
			return nil, err
		}
		m.Index = binary.BigEndian.Uint32(payload)
	case BITFIELD:
		m.Kind = Bitfield
		m.Bitfield = payload
	case REQUEST, CANCEL:
		kind := Request
		if id == CANCEL {
			kind = Cancel
		}
		if err := fixed(kind, 12); err != nil {
			return nil, err
		}
		m.Index = binary.BigEndian.Uint32(payload[0:4])
		m.Begin = binary.BigEndian.Uint32(payload[4:8])
		m.Length = binary.BigEndian.Uint32(payload[8:12])
	case BLOCK:
		if len(payload) < 8 {
			return nil, malformedf("piece with %d byte payload", len(payload))
		}
		m.Kind = Piece
		m.Index = binary.BigEndian.Uint32(payload[0:4])
		m.Begin = binary.BigEndian.Uint32(payload[4:8])
		m.Block = payload[8:]
		m.Length = uint32(len(m.Block))
	case PORT:
		if err := fixed(Port, 2); err != nil {
			return nil, err
		}
		m.Port = binary.BigEndian.Uint16(payload)
	case EXTENDED:
		if len(payload) < 1 {
			return nil, malformedf("extended message without id")
		}
		m.Kind = Extended
		m.ExtendedID = payload[0]
		m.Payload = payload[1:]
	default:
		m.Kind = Unknown
		m.Payload = payload
	}
	return m, nil
}
