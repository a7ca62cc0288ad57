package peer

import (
	"context"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/Charana123/biter/stats"
	"github.com/sirupsen/logrus"
)

// Chokeable is the part of a session the choker drives.
type Chokeable interface {
	PeerID() int
	Flags() Flags
	Choke() bool
	Unchoke() bool
	Snubbed() bool
}

type PeerLister interface {
	GetPeerList() []Chokeable
}

// PeerID is the session's handle.
func (s *Session) PeerID() int {
	return s.ID
}

// Choker reallocates upload slots: the fastest interested peers are
// unchoked, plus one optimistic slot that rotates every few rounds. While
// downloading, peers that snub us only qualify for the optimistic slot.
type Choker struct {
	peers           PeerLister
	stats           stats.Stats
	slots           int
	optimisticEvery int
	log             *logrus.Entry
	rand            *rand.Rand

	mu         sync.Mutex
	round      int
	optimistic int
	seeding    bool
}

func NewChoker(peers PeerLister, st stats.Stats, slots, optimisticEvery int, log *logrus.Entry) *Choker {
	if optimisticEvery < 1 {
		optimisticEvery = 1
	}
	return &Choker{
		peers:           peers,
		stats:           st,
		slots:           slots,
		optimisticEvery: optimisticEvery,
		log:             log,
		rand:            rand.New(rand.NewSource(time.Now().UnixNano())),
		optimistic:      -1,
	}
}

// SetSeeding ranks peers by how fast we upload to them instead of how
// fast they upload to us.
func (c *Choker) SetSeeding(seeding bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seeding = seeding
}

type rankedPeer struct {
	Chokeable
	speed   int
	snubbed bool
}

// Choke runs one round and returns the handles left unchoked.
func (c *Choker) Choke() []int {
	c.mu.Lock()
	defer c.mu.Unlock()

	peers := c.peers.GetPeerList()
	peerStats := c.stats.GetPeerStats()

	interested := make([]rankedPeer, 0)
	for _, p := range peers {
		if !p.Flags().PeerInterested {
			continue
		}
		rp := rankedPeer{Chokeable: p, snubbed: !c.seeding && p.Snubbed()}
		if st, ok := peerStats[p.PeerID()]; ok {
			if c.seeding {
				rp.speed = st.UploadRate
			} else {
				rp.speed = st.DownloadRate
			}
		}
		interested = append(interested, rp)
	}
	// Sort in descending order of speed, handle breaks ties
	sort.SliceStable(interested, func(i, j int) bool {
		if interested[i].speed != interested[j].speed {
			return interested[i].speed > interested[j].speed
		}
		return interested[i].PeerID() < interested[j].PeerID()
	})

	unchoke := make(map[int]bool)
	for _, p := range interested {
		if len(unchoke) == c.slots {
			break
		}
		if p.snubbed {
			c.log.WithField("peer", p.PeerID()).Debug("snubbed")
			continue
		}
		unchoke[p.PeerID()] = true
	}

	// optimistic unchoke: one interested peer outside the top slots
	candidates := make([]int, 0)
	stillCandidate := false
	for _, p := range interested {
		if !unchoke[p.PeerID()] {
			candidates = append(candidates, p.PeerID())
			if p.PeerID() == c.optimistic {
				stillCandidate = true
			}
		}
	}
	if c.round%c.optimisticEvery == 0 || !stillCandidate {
		c.optimistic = -1
		if len(candidates) > 0 {
			c.optimistic = candidates[c.rand.Intn(len(candidates))]
		}
	}
	if c.optimistic >= 0 {
		unchoke[c.optimistic] = true
	}
	c.round++

	ids := make([]int, 0, len(unchoke))
	for _, p := range peers {
		if unchoke[p.PeerID()] {
			if p.Unchoke() {
				c.log.WithField("peer", p.PeerID()).Debug("unchoke")
			}
			ids = append(ids, p.PeerID())
		} else if p.Choke() {
			c.log.WithField("peer", p.PeerID()).Debug("choke")
		}
	}
	return ids
}

// Start runs a round every interval until ctx is done.
func (c *Choker) Start(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			c.Choke()
		}
	}
}
