package piece

import (
	"bytes"
	"crypto/sha1"

	"github.com/Charana123/biter/torrent"
	"github.com/pkg/errors"
)

// Writer persists verified pieces.
type Writer interface {
	WritePiece(index int, data []byte) error
}

// StorageError is a failed write of a verified piece.
type StorageError struct {
	Index int
	Err   error
}

func (e *StorageError) Error() string {
	return errors.Wrapf(e.Err, "write piece %d", e.Index).Error()
}

func (e *StorageError) Unwrap() error { return e.Err }

func (e *StorageError) Is(target error) bool { return target == ErrStorage }

// Result describes a verification attempt. Contributors is set only when the
// hash did not match.
type Result struct {
	Index        int
	Contributors []int
}

// Verifier hashes full pieces and commits the good ones.
type Verifier struct {
	m   *Map
	tor *torrent.Torrent
	w   Writer
}

func NewVerifier(m *Map, tor *torrent.Torrent, w Writer) *Verifier {
	return &Verifier{m: m, tor: tor, w: w}
}

// Verify checks a fully buffered piece. On a digest mismatch the buffer is
// dropped and ErrVerificationFailure returned along with the contributing
// peers. On a storage error the piece goes back to Missing.
func (v *Verifier) Verify(index int) (*Result, error) {
	data, ok := v.m.assemble(index)
	if !ok {
		return nil, errors.Errorf("piece %d is not ready for verification", index)
	}

	expected := v.tor.PieceHash(index)
	actual := sha1.Sum(data)
	if !bytes.Equal(expected[:], actual[:]) {
		v.m.mu.Lock()
		contributors := v.m.discard(index, true)
		v.m.mu.Unlock()
		return &Result{Index: index, Contributors: contributors},
			errors.Wrapf(ErrVerificationFailure, "piece %d", index)
	}

	if err := v.w.WritePiece(index, data); err != nil {
		v.m.mu.Lock()
		v.m.discard(index, false)
		v.m.mu.Unlock()
		return &Result{Index: index}, &StorageError{Index: index, Err: err}
	}

	v.m.mu.Lock()
	v.m.commit(index)
	v.m.mu.Unlock()
	return &Result{Index: index}, nil
}
