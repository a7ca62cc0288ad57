package stats

import (
	"sync"

	humanize "github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"
)

// Stats keeps rolling per-peer transfer rates. Rates are bytes per tick,
// averaged over the last PONDERATION_TIME ticks.
type Stats interface {
	GetTotals() (uploaded int, downloaded int)
	GetPeerStats() (peerStats map[int]PeerStat)
	UpdatePeer(id int, uploaded int, downloaded int)
	RemovePeer(id int)
	Tick()
}

const (
	PONDERATION_TIME = 10
)

type stats struct {
	sync.Mutex

	log         *logrus.Entry
	totals      Totals
	clientStats *window
	peerStats   map[int]*window
}

type Totals struct {
	TotalUpload   int
	TotalDownload int
}

// PeerStat is a snapshot of one peer's rates.
type PeerStat struct {
	UploadRate   int
	DownloadRate int
}

type window struct {
	PeerStat
	currentUpload    int
	currentDownload  int
	uploadActivity   [PONDERATION_TIME]int
	downloadActivity [PONDERATION_TIME]int
	i                int
}

func NewStats(log *logrus.Entry) Stats {
	return &stats{
		log:         log,
		clientStats: &window{},
		peerStats:   make(map[int]*window),
	}
}

func (s *stats) GetTotals() (int, int) {
	s.Lock()
	defer s.Unlock()
	return s.totals.TotalUpload, s.totals.TotalDownload
}

func (s *stats) UpdatePeer(id int, uploaded int, downloaded int) {
	s.Lock()
	defer s.Unlock()

	peerStat, ok := s.peerStats[id]
	if !ok {
		peerStat = &window{}
		s.peerStats[id] = peerStat
	}
	peerStat.currentUpload += uploaded
	peerStat.currentDownload += downloaded
	s.totals.TotalUpload += uploaded
	s.totals.TotalDownload += downloaded
}

func (s *stats) RemovePeer(id int) {
	s.Lock()
	defer s.Unlock()

	delete(s.peerStats, id)
}

func (s *stats) GetPeerStats() map[int]PeerStat {
	s.Lock()
	defer s.Unlock()

	out := make(map[int]PeerStat, len(s.peerStats))
	for id, w := range s.peerStats {
		out[id] = w.PeerStat
	}
	return out
}

func sum(activity [PONDERATION_TIME]int) int {
	acc := 0
	for _, x := range activity {
		acc += x
	}
	return acc
}

// roll closes the current slot and recomputes the averages.
func (w *window) roll() {
	w.uploadActivity[w.i] = w.currentUpload
	w.downloadActivity[w.i] = w.currentDownload
	w.UploadRate = sum(w.uploadActivity) / PONDERATION_TIME
	w.DownloadRate = sum(w.downloadActivity) / PONDERATION_TIME
	w.i = (w.i + 1) % PONDERATION_TIME
	w.currentUpload = 0
	w.currentDownload = 0
}

// Tick advances every window by one slot.
func (s *stats) Tick() {
	s.Lock()
	defer s.Unlock()

	for _, w := range s.peerStats {
		s.clientStats.currentUpload += w.currentUpload
		s.clientStats.currentDownload += w.currentDownload
		w.roll()
	}
	s.clientStats.roll()

	s.log.WithFields(logrus.Fields{
		"down":  humanize.Bytes(uint64(s.clientStats.DownloadRate)) + "/s",
		"up":    humanize.Bytes(uint64(s.clientStats.UploadRate)) + "/s",
		"total": humanize.Bytes(uint64(s.totals.TotalDownload)),
		"peers": len(s.peerStats),
	}).Debug("transfer rates")
}
