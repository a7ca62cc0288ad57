package peer

import (
	"sort"
	"sync"

	mapset "github.com/deckarep/golang-set"
	"github.com/pkg/errors"
)

var (
	ErrBanned       = errors.New("peer is banned")
	ErrDuplicate    = errors.New("already connected to peer")
	ErrTooManyPeers = errors.New("too many peers")
)

// Manager is the active peer set. Sessions get stable integer handles in
// connection order.
type Manager struct {
	sync.RWMutex
	peers       map[int]*Session
	addrs       map[string]int
	nextID      int
	maxPeers    int
	bannedPeers mapset.Set
}

func NewManager(maxPeers int) *Manager {
	return &Manager{
		peers:       make(map[int]*Session),
		addrs:       make(map[string]int),
		nextID:      1,
		maxPeers:    maxPeers,
		bannedPeers: mapset.NewSet(),
	}
}

// AddPeer assigns a handle and registers the session built by create.
func (pm *Manager) AddPeer(addr string, create func(id int) *Session) (*Session, error) {
	pm.Lock()
	defer pm.Unlock()

	if pm.bannedPeers.Contains(addr) {
		return nil, ErrBanned
	}
	if _, ok := pm.addrs[addr]; ok {
		return nil, ErrDuplicate
	}
	if len(pm.peers) >= pm.maxPeers {
		return nil, ErrTooManyPeers
	}

	id := pm.nextID
	pm.nextID++
	s := create(id)
	pm.peers[id] = s
	pm.addrs[addr] = id
	return s, nil
}

func (pm *Manager) RemovePeer(id int) {
	pm.Lock()
	defer pm.Unlock()

	if s, ok := pm.peers[id]; ok {
		if pm.addrs[s.Addr()] == id {
			delete(pm.addrs, s.Addr())
		}
		delete(pm.peers, id)
	}
}

func (pm *Manager) Get(id int) (*Session, bool) {
	pm.RLock()
	defer pm.RUnlock()

	s, ok := pm.peers[id]
	return s, ok
}

// List returns every session ordered by handle.
func (pm *Manager) List() []*Session {
	pm.RLock()
	defer pm.RUnlock()

	peers := make([]*Session, 0, len(pm.peers))
	for _, s := range pm.peers {
		peers = append(peers, s)
	}
	sort.Slice(peers, func(i, j int) bool { return peers[i].ID < peers[j].ID })
	return peers
}

// Established returns the sessions past the handshake, ordered by handle.
func (pm *Manager) Established() []*Session {
	peers := pm.List()
	out := peers[:0]
	for _, s := range peers {
		if s.State() == Established {
			out = append(out, s)
		}
	}
	return out
}

// GetPeerList adapts the established sessions for the choker.
func (pm *Manager) GetPeerList() []Chokeable {
	peers := pm.Established()
	out := make([]Chokeable, len(peers))
	for i, s := range peers {
		out[i] = s
	}
	return out
}

func (pm *Manager) Len() int {
	pm.RLock()
	defer pm.RUnlock()
	return len(pm.peers)
}

func (pm *Manager) Ban(addr string) {
	pm.Lock()
	defer pm.Unlock()
	pm.bannedPeers.Add(addr)
}

func (pm *Manager) Banned(addr string) bool {
	pm.RLock()
	defer pm.RUnlock()
	return pm.bannedPeers.Contains(addr)
}

func (pm *Manager) BroadcastHave(pieceIndex int) {
	for _, s := range pm.Established() {
		s.SendHave(pieceIndex)
	}
}

// StopPeers closes every session with err.
func (pm *Manager) StopPeers(err error) {
	for _, s := range pm.List() {
		s.Close(err)
	}
}
