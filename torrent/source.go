package torrent

import (
	"context"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
)

var ErrInfoHashMismatch = errors.New("metadata does not match info-hash")

// FileSource loads metadata from a .torrent file.
type FileSource struct {
	Fs   afero.Fs
	Path string
}

func NewFileSource(fs afero.Fs, path string) *FileSource {
	return &FileSource{Fs: fs, Path: path}
}

// Metadata parses the file; a zero infoHash accepts whatever the file holds.
func (s *FileSource) Metadata(ctx context.Context, infoHash [HashSize]byte) (*Torrent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f, err := s.Fs.Open(s.Path)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", s.Path)
	}
	defer f.Close()

	t, err := NewTorrent(f)
	if err != nil {
		return nil, errors.Wrapf(err, "load %s", s.Path)
	}
	if err := checkInfoHash(t, infoHash); err != nil {
		return nil, err
	}
	return t, nil
}

// StaticSource hands out an already parsed torrent.
type StaticSource struct {
	Torrent *Torrent
}

func (s StaticSource) Metadata(ctx context.Context, infoHash [HashSize]byte) (*Torrent, error) {
	if s.Torrent == nil {
		return nil, errors.New("no metadata")
	}
	if err := checkInfoHash(s.Torrent, infoHash); err != nil {
		return nil, err
	}
	return s.Torrent, nil
}

func checkInfoHash(t *Torrent, infoHash [HashSize]byte) error {
	if infoHash != ([HashSize]byte{}) && infoHash != t.InfoHash {
		return ErrInfoHashMismatch
	}
	return nil
}
