package torrent

import (
	"bytes"
	"crypto/rand"
	"crypto/sha1"
	"encoding/hex"
	"io"

	bencode "github.com/jackpal/bencode-go"
	"github.com/pkg/errors"
)

const (
	HashSize = sha1.Size

	peerIDPrefix = "-BT0001-"
)

var ErrMalformedTorrent = errors.New("malformed torrent file")

// Torrent is the immutable description of a swarm's content.
type Torrent struct {
	MetaInfo    MetaInfo
	InfoHash    [HashSize]byte
	PieceHashes [][HashSize]byte
	PieceLength int
	Length      int
	NumPieces   int
}

type MetaInfo struct {
	Info         Info       `bencode:"info"`
	Announce     string     `bencode:"announce"`
	AnnounceList [][]string `bencode:"announce-list"`
	CreationDate int        `bencode:"creation date"`
	Comment      string     `bencode:"comment"`
	CreatedBy    string     `bencode:"created by"`
	Encoding     string     `bencode:"encoding"`
}

type Info struct {
	PieceLength int    `bencode:"piece length"`
	Pieces      string `bencode:"pieces"`
	Private     int    `bencode:"private"`
	Name        string `bencode:"name"`
	Length      int    `bencode:"length"`
	Md5sum      string `bencode:"md5sum"`
	Files       []File `bencode:"files"`
}

type File struct {
	Length int      `bencode:"length"`
	Md5sum string   `bencode:"md5sum"`
	Path   []string `bencode:"path"`
}

// NewPeerID returns a fresh client peer id.
func NewPeerID() ([20]byte, error) {
	var id [20]byte
	copy(id[:], peerIDPrefix)
	if _, err := rand.Read(id[len(peerIDPrefix):]); err != nil {
		return id, errors.Wrap(err, "generate peer id")
	}
	return id, nil
}

// NewTorrent decodes a bencoded metainfo file.
func NewTorrent(torrentReader io.ReadSeeker) (*Torrent, error) {
	torrent := &Torrent{}

	metaInfo, err := bencode.Decode(torrentReader)
	if err != nil {
		return nil, errors.Wrap(ErrMalformedTorrent, err.Error())
	}
	metaInfoMap, ok := metaInfo.(map[string]interface{})
	if !ok {
		return nil, ErrMalformedTorrent
	}
	infoMap, ok := metaInfoMap["info"]
	if !ok {
		return nil, errors.Wrap(ErrMalformedTorrent, "missing info dictionary")
	}

	infoBencode := &bytes.Buffer{}
	if err := bencode.Marshal(infoBencode, infoMap); err != nil {
		return nil, errors.Wrap(err, "encode info dictionary")
	}
	torrent.InfoHash = sha1.Sum(infoBencode.Bytes())

	if _, err := torrentReader.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	if err := bencode.Unmarshal(torrentReader, &torrent.MetaInfo); err != nil {
		return nil, errors.Wrap(ErrMalformedTorrent, err.Error())
	}

	info := torrent.MetaInfo.Info
	if info.PieceLength <= 0 {
		return nil, errors.Wrap(ErrMalformedTorrent, "non-positive piece length")
	}
	if len(info.Pieces)%HashSize != 0 {
		return nil, errors.Wrap(ErrMalformedTorrent, "pieces not a multiple of 20 bytes")
	}
	torrent.PieceLength = info.PieceLength
	torrent.NumPieces = len(info.Pieces) / HashSize
	torrent.PieceHashes = make([][HashSize]byte, torrent.NumPieces)
	for i := range torrent.PieceHashes {
		copy(torrent.PieceHashes[i][:], info.Pieces[i*HashSize:(i+1)*HashSize])
	}

	// Total size of all files
	if len(info.Files) > 0 {
		for _, f := range info.Files {
			if f.Length < 0 {
				return nil, errors.Wrap(ErrMalformedTorrent, "negative file length")
			}
			torrent.Length += f.Length
		}
	} else {
		torrent.Length = info.Length
	}

	expected := (torrent.Length + torrent.PieceLength - 1) / torrent.PieceLength
	if torrent.Length <= 0 || expected != torrent.NumPieces {
		return nil, errors.Wrapf(ErrMalformedTorrent,
			"%d piece hashes for %d bytes at piece length %d", torrent.NumPieces, torrent.Length, torrent.PieceLength)
	}
	return torrent, nil
}

func (t *Torrent) Name() string {
	return t.MetaInfo.Info.Name
}

// Files returns the file list; single-file torrents yield one entry.
func (t *Torrent) Files() []File {
	if len(t.MetaInfo.Info.Files) > 0 {
		return t.MetaInfo.Info.Files
	}
	return []File{{Length: t.Length, Path: []string{t.MetaInfo.Info.Name}}}
}

// PieceSize is the byte length of piece index; the last piece may be shorter.
func (t *Torrent) PieceSize(index int) int {
	if index < 0 || index >= t.NumPieces {
		return 0
	}
	if index == t.NumPieces-1 {
		return t.Length - index*t.PieceLength
	}
	return t.PieceLength
}

func (t *Torrent) PieceHash(index int) [HashSize]byte {
	return t.PieceHashes[index]
}

func (t *Torrent) String() string {
	return t.Name() + " (" + hex.EncodeToString(t.InfoHash[:]) + ")"
}
