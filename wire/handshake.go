package wire

import (
	"bytes"
)

// Reserved-byte capability bits.
const (
	extensionByte = 5
	extensionBit  = 0x10
	dhtByte       = 7
	dhtBit        = 0x01
)

type Handshake struct {
	Reserved [8]byte
	InfoHash [20]byte
	PeerID   [20]byte
}

// NewHandshake advertises the extension protocol, plus DHT when dht is set.
func NewHandshake(infoHash, peerID [20]byte, dht bool) *Handshake {
	h := &Handshake{InfoHash: infoHash, PeerID: peerID}
	h.Reserved[extensionByte] |= extensionBit
	if dht {
		h.Reserved[dhtByte] |= dhtBit
	}
	return h
}

func (h *Handshake) SupportsExtensions() bool {
	return h.Reserved[extensionByte]&extensionBit != 0
}

func (h *Handshake) SupportsDHT() bool {
	return h.Reserved[dhtByte]&dhtBit != 0
}

func (h *Handshake) Bytes() []byte {
	b := &bytes.Buffer{}
	b.WriteByte(byte(len(Protocol)))
	b.WriteString(Protocol)
	b.Write(h.Reserved[:])
	b.Write(h.InfoHash[:])
	b.Write(h.PeerID[:])
	return b.Bytes()
}

func decodeHandshake(data []byte) (*Handshake, error) {
	if len(data) != HandshakeLength {
		return nil, malformedf("handshake of %d bytes", len(data))
	}
	if int(data[0]) != len(Protocol) {
		return nil, malformedf("handshake protocol length %d", data[0])
	}
	if string(data[1:20]) != Protocol {
		return nil, malformedf("handshake protocol %q", data[1:20])
	}
	h := &Handshake{}
	copy(h.Reserved[:], data[20:28])
	copy(h.InfoHash[:], data[28:48])
	copy(h.PeerID[:], data[48:68])
	return h, nil
}
