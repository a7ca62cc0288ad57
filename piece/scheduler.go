package piece

import (
	"math"
	"sort"
	"time"

	bitmap "github.com/boljen/go-bitmap"
)

type SchedulerOptions struct {
	// Endgame starts once the remaining pieces drop to
	// max(ceil(total * EndgameThreshold), EndgameMinPieces).
	EndgameThreshold float64
	EndgameMinPieces int
	// EndgameFanout caps concurrent requests for one block during endgame.
	EndgameFanout  int
	RequestTimeout time.Duration
}

// Scheduler picks the blocks each peer should be asked for.
type Scheduler struct {
	m    *Map
	opts SchedulerOptions
	now  func() time.Time
}

func NewScheduler(m *Map, opts SchedulerOptions) *Scheduler {
	if opts.EndgameFanout < 1 {
		opts.EndgameFanout = 1
	}
	return &Scheduler{m: m, opts: opts, now: time.Now}
}

// Endgame reports whether few enough pieces remain to duplicate requests.
func (s *Scheduler) Endgame() bool {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	return s.endgame()
}

func (s *Scheduler) endgame() bool {
	remaining := s.m.numPieces - s.m.completed
	threshold := int(math.Ceil(float64(s.m.numPieces) * s.opts.EndgameThreshold))
	if threshold < s.opts.EndgameMinPieces {
		threshold = s.opts.EndgameMinPieces
	}
	return remaining > 0 && remaining <= threshold
}

// Next claims up to capacity blocks for peer from the pieces in bits.
// Unclaimed blocks come first, rarest piece first and ascending offset
// within a piece. In endgame the rest is filled with blocks already
// requested from other peers, least-owned first.
func (s *Scheduler) Next(peer int, bits bitmap.Bitmap, capacity int) []Block {
	if capacity <= 0 {
		return nil
	}
	s.m.mu.Lock()
	defer s.m.mu.Unlock()

	now := s.now()
	out := make([]Block, 0, capacity)

	candidates := make([]int, 0)
	for i, pi := range s.m.pieces {
		if pi.complete || pi.full || !bits.Get(i) || pi.holders.Cardinality() == 0 {
			continue
		}
		candidates = append(candidates, i)
	}
	// sort them by rarity
	sort.SliceStable(candidates, func(i, j int) bool {
		return s.m.pieces[candidates[i]].holders.Cardinality() < s.m.pieces[candidates[j]].holders.Cardinality()
	})

	for _, index := range candidates {
		pi := s.m.pieces[index]
		for j, bi := range pi.blocks {
			if bi.data != nil || len(bi.owners) > 0 {
				continue
			}
			b := s.m.BlockAt(index, j)
			s.m.claim(peer, b, bi, now)
			out = append(out, b)
			if len(out) == capacity {
				return out
			}
		}
	}

	if !s.endgame() || s.opts.EndgameFanout < 2 {
		return out
	}

	type dup struct {
		b  Block
		bi *blockInfo
	}
	dups := make([]dup, 0)
	for _, index := range candidates {
		for j, bi := range s.m.pieces[index].blocks {
			if bi.data != nil || len(bi.owners) == 0 || len(bi.owners) >= s.opts.EndgameFanout {
				continue
			}
			if _, mine := bi.owners[peer]; mine {
				continue
			}
			dups = append(dups, dup{s.m.BlockAt(index, j), bi})
		}
	}
	sort.SliceStable(dups, func(i, j int) bool {
		a, b := dups[i], dups[j]
		if len(a.bi.owners) != len(b.bi.owners) {
			return len(a.bi.owners) < len(b.bi.owners)
		}
		if a.b.Index != b.b.Index {
			return a.b.Index < b.b.Index
		}
		return a.b.Begin < b.b.Begin
	})
	for _, d := range dups {
		s.m.claim(peer, d.b, d.bi, now)
		out = append(out, d.b)
		if len(out) == capacity {
			break
		}
	}
	return out
}

// Expire releases claims older than the request timeout and returns them
// so their sessions can cancel them. The blocks become assignable again.
func (s *Scheduler) Expire(now time.Time) []Request {
	if s.opts.RequestTimeout <= 0 {
		return nil
	}
	s.m.mu.Lock()
	defer s.m.mu.Unlock()

	deadline := now.Add(-s.opts.RequestTimeout)
	expired := make([]Request, 0)
	for peer, claims := range s.m.claims {
		for _, c := range claims.ToSlice() {
			b := c.(Block)
			_, bi, err := s.m.lookup(b)
			if err != nil {
				continue
			}
			if at, ok := bi.owners[peer]; ok && at.Before(deadline) {
				expired = append(expired, Request{Block: b, Peer: peer, At: at})
			}
		}
	}
	for _, r := range expired {
		s.m.release(r.Peer, r.Block)
	}
	sort.Slice(expired, func(i, j int) bool {
		a, b := expired[i], expired[j]
		if a.Peer != b.Peer {
			return a.Peer < b.Peer
		}
		if a.Index != b.Index {
			return a.Index < b.Index
		}
		return a.Begin < b.Begin
	})
	return expired
}
