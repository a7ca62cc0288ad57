package piece

import (
	"sort"
	"sync"
	"time"

	"github.com/Charana123/biter/torrent"
	"github.com/Charana123/biter/wire"
	bitmap "github.com/boljen/go-bitmap"
	mapset "github.com/deckarep/golang-set"
	"github.com/pkg/errors"
)

// BlockSize is the request granularity, 2^14.
const BlockSize = 16384

var (
	ErrVerificationFailure = errors.New("piece verification failed")
	ErrStorage             = errors.New("storage failure")
	// ErrUnwanted marks a block that is already received or belongs to a
	// piece that no longer needs data.
	ErrUnwanted = errors.New("block not wanted")
	ErrBadBlock = errors.New("block does not match piece layout")
)

type State int

const (
	Missing State = iota
	PartiallyRequested
	Complete
)

func (s State) String() string {
	switch s {
	case Missing:
		return "missing"
	case PartiallyRequested:
		return "partially-requested"
	case Complete:
		return "complete"
	}
	return "unknown"
}

type BlockState int

const (
	BlockMissing BlockState = iota
	BlockRequested
	BlockReceived
)

// Block addresses a byte range inside a piece.
type Block struct {
	Index  int
	Begin  int
	Length int
}

// Request is one peer's claim on a block.
type Request struct {
	Block
	Peer int
	At   time.Time
}

type pieceInfo struct {
	length   int
	complete bool
	// full is set once every block is buffered and the piece awaits verification.
	full         bool
	received     int
	blocks       []*blockInfo
	holders      mapset.Set
	contributors mapset.Set
}

type blockInfo struct {
	data   []byte
	owners map[int]time.Time
}

// Map is the swarm-wide view of piece progress: what the client owns, which
// blocks are claimed by whom, and which peers hold each piece.
type Map struct {
	mu sync.Mutex

	numPieces      int
	pieces         []*pieceInfo
	claims         map[int]mapset.Set
	clientBitField bitmap.Bitmap
	completed      int
	failures       int
}

func NewMap(tor *torrent.Torrent) *Map {
	m := &Map{
		numPieces:      tor.NumPieces,
		claims:         make(map[int]mapset.Set),
		clientBitField: bitmap.New(tor.NumPieces),
	}
	m.pieces = make([]*pieceInfo, tor.NumPieces)
	for i := range m.pieces {
		length := tor.PieceSize(i)
		numBlocks := (length + BlockSize - 1) / BlockSize
		pi := &pieceInfo{
			length:       length,
			blocks:       make([]*blockInfo, numBlocks),
			holders:      mapset.NewSet(),
			contributors: mapset.NewSet(),
		}
		for j := range pi.blocks {
			pi.blocks[j] = &blockInfo{owners: make(map[int]time.Time)}
		}
		m.pieces[i] = pi
	}
	return m
}

func (m *Map) NumPieces() int {
	return m.numPieces
}

// BlockAt returns the block at position j of piece index.
func (m *Map) BlockAt(index, j int) Block {
	length := m.pieces[index].length - j*BlockSize
	if length > BlockSize {
		length = BlockSize
	}
	return Block{Index: index, Begin: j * BlockSize, Length: length}
}

// NumBlocks is the block count of piece index.
func (m *Map) NumBlocks(index int) int {
	if index < 0 || index >= m.numPieces {
		return 0
	}
	return len(m.pieces[index].blocks)
}

// lookup validates b against the piece layout.
func (m *Map) lookup(b Block) (*pieceInfo, *blockInfo, error) {
	if b.Index < 0 || b.Index >= m.numPieces {
		return nil, nil, errors.Wrapf(ErrBadBlock, "piece %d out of range", b.Index)
	}
	if b.Begin < 0 || b.Begin%BlockSize != 0 {
		return nil, nil, errors.Wrapf(ErrBadBlock, "unaligned offset %d", b.Begin)
	}
	pi := m.pieces[b.Index]
	j := b.Begin / BlockSize
	if j >= len(pi.blocks) || m.BlockAt(b.Index, j).Length != b.Length {
		return nil, nil, errors.Wrapf(ErrBadBlock, "block (%d, %d, %d)", b.Index, b.Begin, b.Length)
	}
	return pi, pi.blocks[j], nil
}

// PeerHas records that peer holds index. Repeated calls are no-ops.
func (m *Map) PeerHas(peer, index int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if index < 0 || index >= m.numPieces {
		return false
	}
	return m.pieces[index].holders.Add(peer)
}

// PeerBitfield records every piece set in bits.
func (m *Map) PeerBitfield(peer int, bits bitmap.Bitmap) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := 0; i < m.numPieces; i++ {
		if bits.Get(i) {
			m.pieces[i].holders.Add(peer)
		}
	}
}

// ForgetPeer drops peer from the rarity index and reclaims its requests.
func (m *Map) ForgetPeer(peer int) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, pi := range m.pieces {
		pi.holders.Remove(peer)
	}
	return m.reclaim(peer)
}

// Holders is the number of peers known to have index.
func (m *Map) Holders(index int) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pieces[index].holders.Cardinality()
}

// AcceptBlock stores data for b. The block leaves every owner's claim set;
// claims held by other peers come back as cancels. full reports that the
// piece is ready for verification.
func (m *Map) AcceptBlock(peer int, b Block, data []byte) (full bool, cancels []Request, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	pi, bi, err := m.lookup(b)
	if err != nil {
		return false, nil, err
	}
	if len(data) != b.Length {
		return false, nil, errors.Wrapf(ErrBadBlock, "%d bytes for block of %d", len(data), b.Length)
	}
	if pi.complete || pi.full || bi.data != nil {
		return false, nil, ErrUnwanted
	}

	for owner, at := range bi.owners {
		if claims, ok := m.claims[owner]; ok {
			claims.Remove(b)
		}
		if owner != peer {
			cancels = append(cancels, Request{Block: b, Peer: owner, At: at})
		}
	}
	bi.owners = make(map[int]time.Time)
	sort.Slice(cancels, func(i, j int) bool { return cancels[i].Peer < cancels[j].Peer })

	bi.data = data
	pi.received++
	pi.contributors.Add(peer)
	if pi.received == len(pi.blocks) {
		pi.full = true
	}
	return pi.full, cancels, nil
}

// RarestNeeded returns the non-complete piece in bits with the fewest
// holders, lowest index first on ties.
func (m *Map) RarestNeeded(bits bitmap.Bitmap) (int, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	best, bestHolders := -1, 0
	for i, pi := range m.pieces {
		if pi.complete || pi.full || !bits.Get(i) {
			continue
		}
		if n := pi.holders.Cardinality(); best < 0 || n < bestHolders {
			best, bestHolders = i, n
		}
	}
	return best, best >= 0
}

// Reclaim drops every claim held by peer and returns how many there were.
// Blocks left without an owner are Missing again.
func (m *Map) Reclaim(peer int) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reclaim(peer)
}

func (m *Map) reclaim(peer int) int {
	claims, ok := m.claims[peer]
	if !ok {
		return 0
	}
	n := 0
	for _, c := range claims.ToSlice() {
		b := c.(Block)
		if _, bi, err := m.lookup(b); err == nil {
			if _, owned := bi.owners[peer]; owned {
				delete(bi.owners, peer)
				n++
			}
		}
	}
	delete(m.claims, peer)
	return n
}

// Release drops peer's claim on a single block.
func (m *Map) Release(peer int, b Block) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.release(peer, b)
}

func (m *Map) release(peer int, b Block) bool {
	_, bi, err := m.lookup(b)
	if err != nil {
		return false
	}
	if _, ok := bi.owners[peer]; !ok {
		return false
	}
	delete(bi.owners, peer)
	if claims, ok := m.claims[peer]; ok {
		claims.Remove(b)
		if claims.Cardinality() == 0 {
			delete(m.claims, peer)
		}
	}
	return true
}

// claim must be called with mu held.
func (m *Map) claim(peer int, b Block, bi *blockInfo, now time.Time) {
	bi.owners[peer] = now
	claims, ok := m.claims[peer]
	if !ok {
		claims = mapset.NewSet()
		m.claims[peer] = claims
	}
	claims.Add(b)
}

// MarkComplete records index as already present, e.g. found in storage on
// startup.
func (m *Map) MarkComplete(index int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if index < 0 || index >= m.numPieces || m.pieces[index].complete {
		return
	}
	m.commit(index)
}

// assemble concatenates the buffered blocks of a full piece.
func (m *Map) assemble(index int) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	pi := m.pieces[index]
	if !pi.full || pi.complete {
		return nil, false
	}
	data := make([]byte, 0, pi.length)
	for _, bi := range pi.blocks {
		data = append(data, bi.data...)
	}
	return data, true
}

func (m *Map) commit(index int) {
	pi := m.pieces[index]
	pi.complete = true
	pi.full = false
	pi.received = 0
	for _, bi := range pi.blocks {
		bi.data = nil
		bi.owners = make(map[int]time.Time)
	}
	pi.contributors.Clear()
	m.clientBitField.Set(index, true)
	m.completed++
}

// discard empties a piece's buffer and returns its contributors.
func (m *Map) discard(index int, failed bool) []int {
	pi := m.pieces[index]
	contributors := make([]int, 0, pi.contributors.Cardinality())
	for _, c := range pi.contributors.ToSlice() {
		contributors = append(contributors, c.(int))
	}
	sort.Ints(contributors)

	pi.full = false
	pi.received = 0
	for _, bi := range pi.blocks {
		bi.data = nil
	}
	pi.contributors.Clear()
	if failed {
		m.failures++
	}
	return contributors
}

func (m *Map) State(index int) State {
	m.mu.Lock()
	defer m.mu.Unlock()

	pi := m.pieces[index]
	if pi.complete {
		return Complete
	}
	if pi.received > 0 {
		return PartiallyRequested
	}
	for _, bi := range pi.blocks {
		if len(bi.owners) > 0 {
			return PartiallyRequested
		}
	}
	return Missing
}

func (m *Map) BlockState(b Block) BlockState {
	m.mu.Lock()
	defer m.mu.Unlock()

	pi, bi, err := m.lookup(b)
	if err != nil {
		return BlockMissing
	}
	switch {
	case pi.complete || bi.data != nil:
		return BlockReceived
	case len(bi.owners) > 0:
		return BlockRequested
	}
	return BlockMissing
}

// Owners lists the peers with an in-flight request for b.
func (m *Map) Owners(b Block) []int {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, bi, err := m.lookup(b)
	if err != nil {
		return nil
	}
	owners := make([]int, 0, len(bi.owners))
	for peer := range bi.owners {
		owners = append(owners, peer)
	}
	sort.Ints(owners)
	return owners
}

// Have reports whether the client has verified index.
func (m *Map) Have(index int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return index >= 0 && index < m.numPieces && m.pieces[index].complete
}

// Bitfield is the client's piece set in wire format.
func (m *Map) Bitfield() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return wire.EncodeBitfield(m.clientBitField, m.numPieces)
}

// Wants reports whether bits contains a piece the client still needs.
func (m *Map) Wants(bits bitmap.Bitmap) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, pi := range m.pieces {
		if !pi.complete && bits.Get(i) {
			return true
		}
	}
	return false
}

// Completion is the fraction of verified pieces.
func (m *Map) Completion() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.numPieces == 0 {
		return 1
	}
	return float64(m.completed) / float64(m.numPieces)
}

func (m *Map) Complete() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.completed == m.numPieces
}

func (m *Map) Completed() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.completed
}

// Failures counts verification failures so far.
func (m *Map) Failures() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.failures
}

// Outstanding is the number of in-flight claims across all peers.
func (m *Map) Outstanding() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, claims := range m.claims {
		n += claims.Cardinality()
	}
	return n
}
