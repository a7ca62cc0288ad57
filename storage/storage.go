package storage

import (
	"github.com/pkg/errors"
)

var ErrOutOfRange = errors.New("range outside torrent")

// Storage holds verified piece data.
type Storage interface {
	WritePiece(pieceIndex int, data []byte) error
	// HasPiece reports whether a verified copy of the piece is stored.
	HasPiece(pieceIndex int) bool
	ReadBlock(pieceIndex, begin, length int) ([]byte, error)
	Close() error
}
