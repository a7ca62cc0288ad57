package storage

import (
	"crypto/sha1"
	"math/rand"
	"testing"

	"github.com/Charana123/biter/torrent"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// multiFile builds a torrent whose file boundaries fall inside pieces, with
// an empty file in between.
func multiFile(t *testing.T) (*torrent.Torrent, []byte) {
	const pieceLength = 64
	lengths := []int{100, 0, 60, 37}
	total := 0
	files := make([]torrent.File, 0)
	for i, l := range lengths {
		files = append(files, torrent.File{Length: l, Path: []string{"dir", string(rune('a' + i))}})
		total += l
	}
	data := make([]byte, total)
	rand.New(rand.NewSource(5)).Read(data)

	tor := &torrent.Torrent{
		MetaInfo: torrent.MetaInfo{Info: torrent.Info{
			Name:        "multi",
			PieceLength: pieceLength,
			Files:       files,
		}},
		PieceLength: pieceLength,
		Length:      total,
		NumPieces:   (total + pieceLength - 1) / pieceLength,
	}
	for i := 0; i < tor.NumPieces; i++ {
		tor.PieceHashes = append(tor.PieceHashes, sha1.Sum(data[i*pieceLength:i*pieceLength+tor.PieceSize(i)]))
	}
	return tor, data
}

func TestFileStorageMultiFile(t *testing.T) {
	fs := afero.NewMemMapFs()
	tor, data := multiFile(t)
	st, err := NewFileStorage(fs, "/dl", tor)
	require.NoError(t, err)
	defer st.Close()

	for i := 0; i < tor.NumPieces; i++ {
		assert.False(t, st.HasPiece(i))
	}
	for i := tor.NumPieces - 1; i >= 0; i-- {
		p := data[i*tor.PieceLength : i*tor.PieceLength+tor.PieceSize(i)]
		require.NoError(t, st.WritePiece(i, p))
		assert.True(t, st.HasPiece(i))
	}

	a, err := afero.ReadFile(fs, "/dl/multi/dir/a")
	require.NoError(t, err)
	assert.Equal(t, data[:100], a)
	c, err := afero.ReadFile(fs, "/dl/multi/dir/c")
	require.NoError(t, err)
	assert.Equal(t, data[100:160], c)
	d, err := afero.ReadFile(fs, "/dl/multi/dir/d")
	require.NoError(t, err)
	assert.Equal(t, data[160:], d)
	exists, err := afero.Exists(fs, "/dl/multi/dir/b")
	require.NoError(t, err)
	assert.True(t, exists)

	// a block spanning the a/c boundary
	block, err := st.ReadBlock(1, 30, 20)
	require.NoError(t, err)
	assert.Equal(t, data[94:114], block)

	_, err = st.ReadBlock(2, 60, 10)
	assert.ErrorIs(t, err, ErrOutOfRange)
	assert.ErrorIs(t, st.WritePiece(0, data[:10]), ErrOutOfRange)
	assert.False(t, st.HasPiece(9))
}

func TestFileStorageResume(t *testing.T) {
	fs := afero.NewMemMapFs()
	data := make([]byte, 300)
	rand.New(rand.NewSource(9)).Read(data)
	tor, err := torrent.FromData("single", 128, data)
	require.NoError(t, err)

	// everything already on disk, piece 2 corrupt
	onDisk := append([]byte{}, data...)
	onDisk[260] ^= 1
	require.NoError(t, afero.WriteFile(fs, "/dl/single", onDisk[:300], 0644))

	st, err := NewFileStorage(fs, "/dl", tor)
	require.NoError(t, err)
	assert.True(t, st.HasPiece(0))
	assert.True(t, st.HasPiece(1))
	assert.False(t, st.HasPiece(2))

	require.NoError(t, st.WritePiece(2, data[256:]))
	assert.True(t, st.HasPiece(2))
	require.NoError(t, st.Close())

	fresh, err := NewFileStorage(afero.NewMemMapFs(), "/dl", tor)
	require.NoError(t, err)
	assert.False(t, fresh.HasPiece(0), "empty file")
}

func TestFileStorageRejectsUnsafePaths(t *testing.T) {
	tor, _ := multiFile(t)
	tor.MetaInfo.Info.Files[0].Path = []string{"..", "escape"}
	_, err := NewFileStorage(afero.NewMemMapFs(), "/dl", tor)
	assert.Error(t, err)
}
