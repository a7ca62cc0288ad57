package peer

import (
	"math/rand"
	"testing"

	"github.com/Charana123/biter/stats"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

type mockPeer struct {
	mock.Mock
}

func (m *mockPeer) PeerID() int {
	args := m.Called()
	return args.Int(0)
}

func (m *mockPeer) Flags() Flags {
	args := m.Called()
	return args.Get(0).(Flags)
}

func (m *mockPeer) Choke() bool {
	args := m.Called()
	return args.Bool(0)
}

func (m *mockPeer) Unchoke() bool {
	args := m.Called()
	return args.Bool(0)
}

func (m *mockPeer) Snubbed() bool {
	args := m.Called()
	return args.Bool(0)
}

type mockPeerManager struct {
	mock.Mock
}

func (m *mockPeerManager) GetPeerList() []Chokeable {
	args := m.Called()
	return args.Get(0).([]Chokeable)
}

type mockStats struct {
	stats.Stats
	mock.Mock
}

func (m *mockStats) GetPeerStats() map[int]stats.PeerStat {
	args := m.Called()
	return args.Get(0).(map[int]stats.PeerStat)
}

func newMockPeer(id int, interested bool) *mockPeer {
	return newSnubbingPeer(id, interested, false)
}

func newSnubbingPeer(id int, interested, snubbed bool) *mockPeer {
	p := &mockPeer{}
	p.On("PeerID").Return(id)
	p.On("Snubbed").Return(snubbed).Maybe()
	p.On("Flags").Return(Flags{PeerInterested: interested, AmChoking: true})
	p.On("Choke").Return(false).Maybe()
	p.On("Unchoke").Return(true).Maybe()
	return p
}

func setup(peers []*mockPeer, rates map[int]int) (*mockPeerManager, *mockStats) {
	pm := &mockPeerManager{}
	list := make([]Chokeable, len(peers))
	for i, p := range peers {
		list[i] = p
	}
	pm.On("GetPeerList").Return(list)

	st := &mockStats{}
	peerStats := make(map[int]stats.PeerStat)
	for id, rate := range rates {
		peerStats[id] = stats.PeerStat{DownloadRate: rate, UploadRate: 1000 - rate}
	}
	st.On("GetPeerStats").Return(peerStats)
	return pm, st
}

func TestChokeTopSlots(t *testing.T) {
	peers := []*mockPeer{
		newMockPeer(1, true),
		newMockPeer(2, true),
		newMockPeer(3, true),
		newMockPeer(4, true),
		newMockPeer(5, true),
		newMockPeer(6, false),
	}
	pm, st := setup(peers, map[int]int{1: 10, 2: 50, 3: 20, 4: 40, 5: 30, 6: 900})

	c := NewChoker(pm, st, 3, 3, quietLog())
	c.rand = rand.New(rand.NewSource(1))
	unchoked := c.Choke()

	// 2, 4, 5 are fastest; one of 1 and 3 is the optimistic pick
	assert.Len(t, unchoked, 4)
	assert.Subset(t, unchoked, []int{2, 4, 5})
	for _, id := range []int{2, 4, 5} {
		peers[id-1].AssertCalled(t, "Unchoke")
	}
	peers[5].AssertNotCalled(t, "Unchoke")
	peers[5].AssertCalled(t, "Choke")

	optimistic := c.optimistic
	assert.Contains(t, []int{1, 3}, optimistic)

	// the optimistic pick survives until the rotation comes round
	assert.Equal(t, unchoked, c.Choke())
	assert.Equal(t, unchoked, c.Choke())
	assert.Equal(t, optimistic, c.optimistic)
	pm.AssertExpectations(t)
	st.AssertExpectations(t)
}

func TestChokeTiesAndSeeding(t *testing.T) {
	peers := []*mockPeer{
		newMockPeer(1, true),
		newMockPeer(2, true),
		newMockPeer(3, true),
	}
	pm, st := setup(peers, map[int]int{1: 100, 2: 100, 3: 0})

	c := NewChoker(pm, st, 1, 3, quietLog())
	c.rand = rand.New(rand.NewSource(1))
	unchoked := c.Choke()
	// 1 and 2 tie; the lower handle takes the slot, the optimistic pick
	// comes from the rest
	assert.Len(t, unchoked, 2)
	assert.Equal(t, 1, unchoked[0])
	assert.Contains(t, []int{2, 3}, c.optimistic)

	// when seeding, upload rate decides: peer 3 has the highest
	c.SetSeeding(true)
	c.round = 1
	c.optimistic = -1
	unchoked = c.Choke()
	assert.Equal(t, 3, unchoked[len(unchoked)-1])
}

func TestChokeNoInterestedPeers(t *testing.T) {
	peers := []*mockPeer{newMockPeer(1, false), newMockPeer(2, false)}
	pm, st := setup(peers, map[int]int{})

	c := NewChoker(pm, st, 4, 3, quietLog())
	assert.Empty(t, c.Choke())
	assert.Equal(t, -1, c.optimistic)
	for _, p := range peers {
		p.AssertCalled(t, "Choke")
		p.AssertNotCalled(t, "Unchoke")
	}
}

func TestChokeSkipsSnubbingPeers(t *testing.T) {
	peers := []*mockPeer{
		newSnubbingPeer(1, true, true),
		newMockPeer(2, true),
		newMockPeer(3, true),
	}
	pm, st := setup(peers, map[int]int{1: 500, 2: 50, 3: 10})

	c := NewChoker(pm, st, 1, 3, quietLog())
	c.rand = rand.New(rand.NewSource(1))
	unchoked := c.Choke()

	// 1 is fastest but sends nothing we ask for: 2 takes the regular slot
	assert.Len(t, unchoked, 2)
	assert.Contains(t, unchoked, 2)
	assert.Contains(t, []int{1, 3}, c.optimistic)
	peers[0].AssertCalled(t, "Snubbed")

	// seeding ignores snubbing
	c.SetSeeding(true)
	c.Choke()
	peers[0].AssertNumberOfCalls(t, "Snubbed", 1)
}
