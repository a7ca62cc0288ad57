package torrent

import (
	"bytes"
	"crypto/sha1"

	bencode "github.com/jackpal/bencode-go"
	"github.com/pkg/errors"
)

// Build encodes data as a single-file metainfo document.
func Build(name, announce string, pieceLength int, data []byte) ([]byte, error) {
	if pieceLength <= 0 {
		return nil, errors.New("piece length must be positive")
	}
	if len(data) == 0 {
		return nil, errors.New("no data")
	}
	pieces := &bytes.Buffer{}
	for begin := 0; begin < len(data); begin += pieceLength {
		end := begin + pieceLength
		if end > len(data) {
			end = len(data)
		}
		sum := sha1.Sum(data[begin:end])
		pieces.Write(sum[:])
	}

	metaInfo := map[string]interface{}{
		"announce": announce,
		"info": map[string]interface{}{
			"name":         name,
			"piece length": pieceLength,
			"pieces":       pieces.String(),
			"length":       len(data),
		},
	}
	b := &bytes.Buffer{}
	if err := bencode.Marshal(b, metaInfo); err != nil {
		return nil, errors.Wrap(err, "encode metainfo")
	}
	return b.Bytes(), nil
}

// FromData builds and parses a single-file torrent for data.
func FromData(name string, pieceLength int, data []byte) (*Torrent, error) {
	raw, err := Build(name, "", pieceLength, data)
	if err != nil {
		return nil, err
	}
	return NewTorrent(bytes.NewReader(raw))
}
