package storage

import (
	"bytes"
	"crypto/sha1"
	"os"
	"path/filepath"
	"sync"

	"github.com/Charana123/biter/torrent"
	bitmap "github.com/boljen/go-bitmap"
	"github.com/pkg/errors"
	"github.com/spf13/afero"
)

type fileInfo struct {
	path   string
	offset int
	length int
}

// FileStorage lays pieces out over the torrent's files, the way they are
// concatenated for hashing.
type FileStorage struct {
	fs      afero.Fs
	torrent *torrent.Torrent

	files     []fileInfo
	handles   []afero.File
	fileLocks []*sync.Mutex

	mu      sync.Mutex
	written bitmap.Bitmap
}

// NewFileStorage creates or opens the torrent's files under root.
func NewFileStorage(fs afero.Fs, root string, tor *torrent.Torrent) (*FileStorage, error) {
	d := &FileStorage{
		fs:      fs,
		torrent: tor,
		written: bitmap.New(tor.NumPieces),
	}

	var paths [][]string
	if len(tor.MetaInfo.Info.Files) > 0 {
		// Multiple File Mode
		for _, f := range tor.MetaInfo.Info.Files {
			paths = append(paths, append([]string{tor.Name()}, f.Path...))
		}
	} else {
		// Single File Mode
		paths = [][]string{{tor.Name()}}
	}

	offset := 0
	for i, f := range tor.Files() {
		path, err := safeJoin(root, paths[i])
		if err != nil {
			return nil, err
		}
		if err := fs.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, errors.Wrapf(err, "create directory for %s", path)
		}
		handle, err := fs.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
		if err != nil {
			d.Close()
			return nil, errors.Wrapf(err, "open %s", path)
		}
		d.files = append(d.files, fileInfo{path: path, offset: offset, length: f.Length})
		d.handles = append(d.handles, handle)
		d.fileLocks = append(d.fileLocks, &sync.Mutex{})
		offset += f.Length
	}
	return d, nil
}

func safeJoin(root string, parts []string) (string, error) {
	for _, p := range parts {
		if p == "" || p == "." || p == ".." || filepath.Base(p) != p {
			return "", errors.Errorf("unsafe path component %q", p)
		}
	}
	return filepath.Join(append([]string{root}, parts...)...), nil
}

// span calls fn for every file segment covering [offset, offset+length).
func (d *FileStorage) span(offset, length int, fn func(fileIndex, fileOffset, n int) error) error {
	if offset < 0 || length < 0 || offset+length > d.torrent.Length {
		return ErrOutOfRange
	}
	for fileIndex, f := range d.files {
		if length == 0 {
			break
		}
		if offset >= f.offset+f.length {
			continue
		}
		fileOffset := offset - f.offset
		n := f.length - fileOffset
		if n > length {
			n = length
		}
		if err := fn(fileIndex, fileOffset, n); err != nil {
			return errors.Wrap(err, f.path)
		}
		offset += n
		length -= n
	}
	return nil
}

func (d *FileStorage) read(offset, length int) ([]byte, error) {
	blockData := &bytes.Buffer{}
	err := d.span(offset, length, func(fileIndex, fileOffset, n int) error {
		data := make([]byte, n)
		d.fileLocks[fileIndex].Lock()
		_, err := d.handles[fileIndex].ReadAt(data, int64(fileOffset))
		d.fileLocks[fileIndex].Unlock()
		if err != nil {
			return err
		}
		blockData.Write(data)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return blockData.Bytes(), nil
}

func (d *FileStorage) ReadBlock(pieceIndex, begin, length int) ([]byte, error) {
	if pieceIndex < 0 || pieceIndex >= d.torrent.NumPieces || begin+length > d.torrent.PieceSize(pieceIndex) {
		return nil, ErrOutOfRange
	}
	return d.read(pieceIndex*d.torrent.PieceLength+begin, length)
}

func (d *FileStorage) WritePiece(pieceIndex int, data []byte) error {
	if pieceIndex < 0 || pieceIndex >= d.torrent.NumPieces || len(data) != d.torrent.PieceSize(pieceIndex) {
		return ErrOutOfRange
	}
	err := d.span(pieceIndex*d.torrent.PieceLength, len(data), func(fileIndex, fileOffset, n int) error {
		d.fileLocks[fileIndex].Lock()
		_, err := d.handles[fileIndex].WriteAt(data[:n], int64(fileOffset))
		d.fileLocks[fileIndex].Unlock()
		data = data[n:]
		return err
	})
	if err != nil {
		return err
	}

	d.mu.Lock()
	d.written.Set(pieceIndex, true)
	d.mu.Unlock()
	return nil
}

// HasPiece trusts pieces written through this storage and hashes anything
// else found on disk.
func (d *FileStorage) HasPiece(pieceIndex int) bool {
	if pieceIndex < 0 || pieceIndex >= d.torrent.NumPieces {
		return false
	}
	d.mu.Lock()
	written := d.written.Get(pieceIndex)
	d.mu.Unlock()
	if written {
		return true
	}

	data, err := d.read(pieceIndex*d.torrent.PieceLength, d.torrent.PieceSize(pieceIndex))
	if err != nil {
		// short or missing files
		return false
	}
	expected := d.torrent.PieceHash(pieceIndex)
	if sha1.Sum(data) != expected {
		return false
	}
	d.mu.Lock()
	d.written.Set(pieceIndex, true)
	d.mu.Unlock()
	return true
}

func (d *FileStorage) Close() error {
	var first error
	for _, h := range d.handles {
		if err := h.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
