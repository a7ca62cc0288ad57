package piece

import (
	"math/rand"
	"testing"
	"time"

	"github.com/Charana123/biter/torrent"
	bitmap "github.com/boljen/go-bitmap"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockWriter struct {
	mock.Mock
}

func (m *mockWriter) WritePiece(index int, data []byte) error {
	args := m.Called(index, data)
	return args.Error(0)
}

// testTorrent returns a torrent of numPieces pieces, each two blocks long.
func testTorrent(t *testing.T, numPieces int) (*torrent.Torrent, []byte) {
	data := make([]byte, numPieces*2*BlockSize)
	rand.New(rand.NewSource(1)).Read(data)
	tor, err := torrent.FromData("test", 2*BlockSize, data)
	require.NoError(t, err)
	return tor, data
}

func allBits(n int) bitmap.Bitmap {
	bm := bitmap.New(n)
	for i := 0; i < n; i++ {
		bm.Set(i, true)
	}
	return bm
}

func bits(n int, set ...int) bitmap.Bitmap {
	bm := bitmap.New(n)
	for _, i := range set {
		bm.Set(i, true)
	}
	return bm
}

func TestBlockLayout(t *testing.T) {
	data := make([]byte, 3*BlockSize+100)
	tor, err := torrent.FromData("odd", 2*BlockSize, data)
	require.NoError(t, err)
	m := NewMap(tor)

	assert.Equal(t, 2, m.NumPieces())
	assert.Equal(t, 2, m.NumBlocks(0))
	assert.Equal(t, 2, m.NumBlocks(1))
	assert.Equal(t, Block{Index: 1, Begin: 0, Length: BlockSize}, m.BlockAt(1, 0))
	assert.Equal(t, Block{Index: 1, Begin: BlockSize, Length: 100}, m.BlockAt(1, 1))
	assert.Equal(t, 0, m.NumBlocks(2))
}

func TestPeerHasIsIdempotent(t *testing.T) {
	tor, _ := testTorrent(t, 3)
	m := NewMap(tor)

	assert.True(t, m.PeerHas(1, 2))
	assert.False(t, m.PeerHas(1, 2))
	assert.False(t, m.PeerHas(1, 3))
	assert.Equal(t, 1, m.Holders(2))

	m.PeerBitfield(1, allBits(3))
	assert.Equal(t, 1, m.Holders(2))
	assert.Equal(t, 1, m.Holders(0))

	m.ForgetPeer(1)
	assert.Equal(t, 0, m.Holders(2))
}

func TestRarestFirst(t *testing.T) {
	tor, _ := testTorrent(t, 4)
	m := NewMap(tor)
	s := NewScheduler(m, SchedulerOptions{})

	m.PeerBitfield(1, allBits(4))
	m.PeerBitfield(2, bits(4, 0, 1))
	m.PeerBitfield(3, bits(4, 0))

	idx, ok := m.RarestNeeded(allBits(4))
	require.True(t, ok)
	assert.Equal(t, 2, idx)

	blocks := s.Next(1, allBits(4), 3)
	assert.Equal(t, []Block{
		{Index: 2, Begin: 0, Length: BlockSize},
		{Index: 2, Begin: BlockSize, Length: BlockSize},
		{Index: 3, Begin: 0, Length: BlockSize},
	}, blocks)

	blocks = s.Next(2, bits(4, 0, 1), 1)
	assert.Equal(t, []Block{{Index: 1, Begin: 0, Length: BlockSize}}, blocks)

	assert.Equal(t, PartiallyRequested, m.State(2))
	assert.Equal(t, Missing, m.State(0))
	assert.Equal(t, 4, m.Outstanding())
}

func TestRarestFirstProperty(t *testing.T) {
	r := rand.New(rand.NewSource(7))
	for round := 0; round < 50; round++ {
		tor, _ := testTorrent(t, 8)
		m := NewMap(tor)
		s := NewScheduler(m, SchedulerOptions{})
		for peer := 1; peer <= 5; peer++ {
			bm := bitmap.New(8)
			for i := 0; i < 8; i++ {
				bm.Set(i, r.Intn(2) == 0)
			}
			m.PeerBitfield(peer, bm)
		}
		peerBits := allBits(8)
		min := -1
		for i := 0; i < 8; i++ {
			if h := m.Holders(i); h > 0 && (min < 0 || h < min) {
				min = h
			}
		}
		blocks := s.Next(6, peerBits, 1)
		if min < 0 {
			assert.Empty(t, blocks)
			continue
		}
		require.Len(t, blocks, 1)
		assert.Equal(t, min, m.Holders(blocks[0].Index))
	}
}

func TestNoDuplicatesOutsideEndgame(t *testing.T) {
	tor, _ := testTorrent(t, 1)
	m := NewMap(tor)
	s := NewScheduler(m, SchedulerOptions{EndgameFanout: 3})
	m.PeerBitfield(1, allBits(1))
	m.PeerBitfield(2, allBits(1))

	assert.Len(t, s.Next(1, allBits(1), 10), 2)
	assert.Empty(t, s.Next(2, allBits(1), 10))
	assert.False(t, s.Endgame())
}

func TestEndgameFanout(t *testing.T) {
	tor, _ := testTorrent(t, 1)
	m := NewMap(tor)
	s := NewScheduler(m, SchedulerOptions{EndgameThreshold: 0.02, EndgameMinPieces: 1, EndgameFanout: 2})
	for peer := 1; peer <= 3; peer++ {
		m.PeerBitfield(peer, allBits(1))
	}
	require.True(t, s.Endgame())

	first := m.BlockAt(0, 0)
	second := m.BlockAt(0, 1)

	assert.Equal(t, []Block{first, second}, s.Next(1, allBits(1), 10))
	assert.Empty(t, s.Next(1, allBits(1), 10), "never the same peer twice")
	assert.Equal(t, []Block{first, second}, s.Next(2, allBits(1), 10))
	assert.Empty(t, s.Next(3, allBits(1), 10), "fan-out reached")
	assert.Equal(t, []int{1, 2}, m.Owners(first))

	// peer 1 goes away; its co-claims drop without touching peer 2's
	assert.Equal(t, 2, m.ForgetPeer(1))
	assert.Equal(t, BlockRequested, m.BlockState(first))
	assert.Equal(t, []int{2}, m.Owners(first))

	assert.Equal(t, []Block{first, second}, s.Next(3, allBits(1), 10))

	full, cancels, err := m.AcceptBlock(3, first, make([]byte, BlockSize))
	require.NoError(t, err)
	assert.False(t, full)
	require.Len(t, cancels, 1)
	assert.Equal(t, 2, cancels[0].Peer)
	assert.Equal(t, first, cancels[0].Block)
	assert.Empty(t, m.Owners(first))
	assert.Equal(t, BlockReceived, m.BlockState(first))
}

func TestFanoutHoldsAcrossInterleavings(t *testing.T) {
	const fanout = 3
	r := rand.New(rand.NewSource(42))
	tor, data := testTorrent(t, 3)
	m := NewMap(tor)
	s := NewScheduler(m, SchedulerOptions{EndgameThreshold: 1, EndgameFanout: fanout})

	connected := map[int]bool{}
	for step := 0; step < 2000; step++ {
		peer := r.Intn(6) + 1
		switch op := r.Intn(4); {
		case op == 0 && !connected[peer]:
			m.PeerBitfield(peer, allBits(3))
			connected[peer] = true
		case op == 1 && connected[peer]:
			m.ForgetPeer(peer)
			connected[peer] = false
		case op == 2 && connected[peer]:
			s.Next(peer, allBits(3), r.Intn(4)+1)
		case op == 3:
			b := m.BlockAt(r.Intn(3), r.Intn(2))
			owners := m.Owners(b)
			if len(owners) > 0 {
				m.AcceptBlock(owners[0], b, data[b.Index*2*BlockSize+b.Begin:][:b.Length])
			}
		}

		m.mu.Lock()
		for _, pi := range m.pieces {
			for _, bi := range pi.blocks {
				require.LessOrEqual(t, len(bi.owners), fanout)
				if bi.data != nil {
					require.Empty(t, bi.owners)
				}
			}
		}
		m.mu.Unlock()
	}
}

func TestReclaim(t *testing.T) {
	tor, _ := testTorrent(t, 4)
	m := NewMap(tor)
	s := NewScheduler(m, SchedulerOptions{})
	m.PeerBitfield(1, allBits(4))

	claimed := s.Next(1, allBits(4), 5)
	require.Len(t, claimed, 5)
	assert.Equal(t, 5, m.Reclaim(1))
	for _, b := range claimed {
		assert.Equal(t, BlockMissing, m.BlockState(b))
	}
	assert.Equal(t, 0, m.Outstanding())
	assert.Equal(t, 0, m.Reclaim(1))

	// released blocks are handed out again
	assert.Equal(t, claimed[:2], s.Next(1, allBits(4), 2))
	assert.True(t, m.Release(1, claimed[0]))
	assert.False(t, m.Release(1, claimed[0]))
	assert.Equal(t, 1, m.Outstanding())
}

func TestAcceptBlockErrors(t *testing.T) {
	tor, _ := testTorrent(t, 2)
	m := NewMap(tor)

	_, _, err := m.AcceptBlock(1, Block{Index: 5, Begin: 0, Length: BlockSize}, make([]byte, BlockSize))
	assert.ErrorIs(t, err, ErrBadBlock)
	_, _, err = m.AcceptBlock(1, Block{Index: 0, Begin: 10, Length: BlockSize}, make([]byte, BlockSize))
	assert.ErrorIs(t, err, ErrBadBlock)
	_, _, err = m.AcceptBlock(1, m.BlockAt(0, 0), make([]byte, 10))
	assert.ErrorIs(t, err, ErrBadBlock)

	_, _, err = m.AcceptBlock(1, m.BlockAt(0, 0), make([]byte, BlockSize))
	require.NoError(t, err)
	_, _, err = m.AcceptBlock(2, m.BlockAt(0, 0), make([]byte, BlockSize))
	assert.ErrorIs(t, err, ErrUnwanted)
}

func TestExpire(t *testing.T) {
	tor, _ := testTorrent(t, 2)
	m := NewMap(tor)
	s := NewScheduler(m, SchedulerOptions{RequestTimeout: 45 * time.Second})
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return start }
	m.PeerBitfield(1, allBits(2))

	claimed := s.Next(1, allBits(2), 3)
	require.Len(t, claimed, 3)

	assert.Empty(t, s.Expire(start.Add(30*time.Second)))
	expired := s.Expire(start.Add(46 * time.Second))
	require.Len(t, expired, 3)
	for i, r := range expired {
		assert.Equal(t, 1, r.Peer)
		assert.Equal(t, claimed[i], r.Block)
		assert.Equal(t, start, r.At)
		assert.Equal(t, BlockMissing, m.BlockState(r.Block))
	}
	assert.Equal(t, 0, m.Outstanding())
}

func fill(t *testing.T, m *Map, peer, index int, data []byte) {
	for j := 0; j < m.NumBlocks(index); j++ {
		b := m.BlockAt(index, j)
		start := index*2*BlockSize + b.Begin
		block := append([]byte{}, data[start:start+b.Length]...)
		full, _, err := m.AcceptBlock(peer, b, block)
		require.NoError(t, err)
		assert.Equal(t, j == m.NumBlocks(index)-1, full)
	}
}

func TestVerifyCommits(t *testing.T) {
	tor, data := testTorrent(t, 2)
	m := NewMap(tor)
	w := &mockWriter{}
	w.On("WritePiece", 1, data[2*BlockSize:]).Return(nil).Once()
	v := NewVerifier(m, tor, w)

	fill(t, m, 1, 1, data)
	assert.Equal(t, PartiallyRequested, m.State(1))

	res, err := v.Verify(1)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Index)
	assert.Equal(t, Complete, m.State(1))
	assert.True(t, m.Have(1))
	assert.Equal(t, []byte{0x40}, m.Bitfield())
	assert.Equal(t, 0.5, m.Completion())
	assert.False(t, m.Complete())
	w.AssertExpectations(t)

	_, err = v.Verify(1)
	assert.Error(t, err)
}

func TestVerifyRejectsCorruptPiece(t *testing.T) {
	tor, data := testTorrent(t, 2)
	m := NewMap(tor)
	w := &mockWriter{}
	v := NewVerifier(m, tor, w)

	corrupt := append([]byte{}, data...)
	corrupt[BlockSize+3] ^= 0xff
	_, _, err := m.AcceptBlock(7, m.BlockAt(0, 0), corrupt[:BlockSize])
	require.NoError(t, err)
	full, _, err := m.AcceptBlock(9, m.BlockAt(0, 1), corrupt[BlockSize:2*BlockSize])
	require.NoError(t, err)
	require.True(t, full)

	res, err := v.Verify(0)
	assert.ErrorIs(t, err, ErrVerificationFailure)
	require.NotNil(t, res)
	assert.Equal(t, []int{7, 9}, res.Contributors)
	assert.Equal(t, 1, m.Failures())
	assert.Equal(t, Missing, m.State(0))
	assert.Equal(t, BlockMissing, m.BlockState(m.BlockAt(0, 0)))
	assert.False(t, m.Have(0))
	w.AssertNotCalled(t, "WritePiece", mock.Anything, mock.Anything)
}

func TestVerifyStorageFailure(t *testing.T) {
	tor, data := testTorrent(t, 2)
	m := NewMap(tor)
	w := &mockWriter{}
	w.On("WritePiece", 0, mock.Anything).Return(errors.New("disk full")).Once()
	v := NewVerifier(m, tor, w)

	fill(t, m, 1, 0, data)
	_, err := v.Verify(0)
	assert.ErrorIs(t, err, ErrStorage)
	var serr *StorageError
	require.True(t, errors.As(err, &serr))
	assert.Equal(t, 0, serr.Index)
	assert.Equal(t, Missing, m.State(0))
	assert.Equal(t, 0, m.Failures())
	w.AssertExpectations(t)
}

func TestMarkCompleteAndEndgame(t *testing.T) {
	tor, _ := testTorrent(t, 4)
	m := NewMap(tor)
	s := NewScheduler(m, SchedulerOptions{EndgameThreshold: 0.02, EndgameMinPieces: 2})

	assert.False(t, s.Endgame())
	m.MarkComplete(0)
	m.MarkComplete(0)
	m.MarkComplete(1)
	assert.Equal(t, 2, m.Completed())
	assert.True(t, s.Endgame())
	assert.True(t, m.Wants(allBits(4)))
	assert.False(t, m.Wants(bits(4, 0, 1)))

	m.MarkComplete(2)
	m.MarkComplete(3)
	assert.True(t, m.Complete())
	assert.False(t, s.Endgame())
	assert.Empty(t, s.Next(1, allBits(4), 4))
}
