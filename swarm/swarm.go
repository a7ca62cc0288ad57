package swarm

import (
	"context"
	"net"
	"net/netip"
	"sort"
	"sync"
	"time"

	"github.com/Charana123/biter/config"
	"github.com/Charana123/biter/peer"
	"github.com/Charana123/biter/piece"
	"github.com/Charana123/biter/stats"
	"github.com/Charana123/biter/storage"
	"github.com/Charana123/biter/torrent"
	"github.com/Charana123/biter/wire"
	bitmap "github.com/boljen/go-bitmap"
	mapset "github.com/deckarep/golang-set"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

var (
	ErrNotReady       = errors.New("swarm is not running")
	ErrAlreadyStarted = errors.New("swarm already started")
)

const (
	tickInterval = time.Second
	eventBuffer  = 256
)

// Swarm coordinates every session of one torrent download. It implements
// peer.Handler; sessions reach the piece map only through it.
type Swarm struct {
	cfg      *config.Config
	log      *logrus.Entry
	peerID   [20]byte
	infoHash [torrent.HashSize]byte
	open     StorageOpener
	upload   *rate.Limiter
	dial     *rate.Limiter
	events   chan Event

	peers     *peer.Manager
	stats     stats.Stats
	connected mapset.Set
	dhtNodes  mapset.Set

	// set by Run before ready is closed
	ready    chan struct{}
	ctx      context.Context
	tor      *torrent.Torrent
	store    storage.Storage
	pieces   *piece.Map
	sched    *piece.Scheduler
	verifier *piece.Verifier
	choker   *peer.Choker

	sessions sync.WaitGroup
	fatal    chan error
	doneOnce sync.Once

	mu              sync.Mutex
	started         bool
	stopping        bool
	addrs           map[int]string
	strikes         map[string]int
	storageFailures map[int]int
}

var _ peer.Handler = (*Swarm)(nil)

// New prepares a swarm for infoHash. A zero infoHash accepts whatever
// torrent the metadata source returns.
func New(cfg *config.Config, infoHash [torrent.HashSize]byte, open StorageOpener, log *logrus.Entry) (*Swarm, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	peerID, err := torrent.NewPeerID()
	if err != nil {
		return nil, err
	}
	upload, err := cfg.UploadLimiter()
	if err != nil {
		return nil, err
	}

	return &Swarm{
		cfg:             cfg,
		log:             log,
		peerID:          peerID,
		infoHash:        infoHash,
		open:            open,
		upload:          upload,
		dial:            cfg.DialLimiter(),
		events:          make(chan Event, eventBuffer),
		peers:           peer.NewManager(cfg.MaxPeers),
		stats:           stats.NewStats(log.WithField("component", "stats")),
		connected:       mapset.NewSet(),
		dhtNodes:        mapset.NewSet(),
		ready:           make(chan struct{}),
		fatal:           make(chan error, 1),
		addrs:           make(map[int]string),
		strikes:         make(map[string]int),
		storageFailures: make(map[int]int),
	}, nil
}

func (s *Swarm) PeerID() [20]byte {
	return s.peerID
}

// Events delivers lifecycle events. Events are dropped while the buffer
// is full.
func (s *Swarm) Events() <-chan Event {
	return s.events
}

func (s *Swarm) isReady() bool {
	select {
	case <-s.ready:
		return true
	default:
		return false
	}
}

// Torrent is nil until metadata has been loaded.
func (s *Swarm) Torrent() *torrent.Torrent {
	if !s.isReady() {
		return nil
	}
	return s.tor
}

// Completion is the verified fraction of pieces.
func (s *Swarm) Completion() float64 {
	if !s.isReady() {
		return 0
	}
	return s.pieces.Completion()
}

// Bitfield is a wire-format snapshot of the verified pieces.
func (s *Swarm) Bitfield() []byte {
	if !s.isReady() {
		return nil
	}
	return s.pieces.Bitfield()
}

// DHTNodes lists the DHT endpoints peers announced in port messages.
func (s *Swarm) DHTNodes() []netip.AddrPort {
	nodes := make([]netip.AddrPort, 0, s.dhtNodes.Cardinality())
	for _, n := range s.dhtNodes.ToSlice() {
		nodes = append(nodes, n.(netip.AddrPort))
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].Compare(nodes[j]) < 0 })
	return nodes
}

// Transferred returns the payload bytes uploaded and downloaded so far.
func (s *Swarm) Transferred() (uploaded, downloaded int) {
	return s.stats.GetTotals()
}

// Run loads metadata, opens storage and drives the swarm until ctx is done
// or storage fails for good. Peer faults never end Run.
func (s *Swarm) Run(ctx context.Context, metadata MetadataSource, src PeerSource) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	s.started = true
	s.mu.Unlock()

	tor, err := metadata.Metadata(ctx, s.infoHash)
	if err != nil {
		return errors.Wrap(err, "metadata")
	}
	store, err := s.open(tor)
	if err != nil {
		return errors.Wrap(err, "open storage")
	}
	defer store.Close()

	g, ctx := errgroup.WithContext(ctx)
	s.setup(ctx, tor, store)
	close(s.ready)

	log := s.log.WithField("torrent", tor.String())
	log.WithFields(logrus.Fields{
		"pieces":   tor.NumPieces,
		"verified": s.pieces.Completed(),
	}).Info("starting swarm")
	if s.pieces.Complete() {
		s.complete()
	}

	g.Go(func() error {
		return s.choker.Start(ctx, s.cfg.ChokeInterval)
	})
	g.Go(func() error {
		return s.tick(ctx)
	})
	g.Go(func() error {
		return s.dialLoop(ctx, src)
	})
	g.Go(func() error {
		select {
		case <-ctx.Done():
			return nil
		case err := <-s.fatal:
			return err
		}
	})
	err = g.Wait()

	s.mu.Lock()
	s.stopping = true
	s.mu.Unlock()
	s.peers.StopPeers(peer.ErrClosed)
	s.sessions.Wait()

	up, down := s.stats.GetTotals()
	log.WithFields(logrus.Fields{"up": up, "down": down}).Info("swarm stopped")
	return err
}

// setup builds the piece state and resumes pieces already in storage.
func (s *Swarm) setup(ctx context.Context, tor *torrent.Torrent, store storage.Storage) {
	s.ctx = ctx
	s.tor = tor
	s.store = store
	s.pieces = piece.NewMap(tor)
	s.sched = piece.NewScheduler(s.pieces, piece.SchedulerOptions{
		EndgameThreshold: s.cfg.EndgameThreshold,
		EndgameMinPieces: s.cfg.EndgameMinPieces,
		EndgameFanout:    s.cfg.EndgameFanout,
		RequestTimeout:   s.cfg.RequestTimeout,
	})
	s.verifier = piece.NewVerifier(s.pieces, tor, store)
	s.choker = peer.NewChoker(s.peers, s.stats, s.cfg.UnchokeSlots, s.cfg.OptimisticEvery,
		s.log.WithField("component", "choker"))

	for i := 0; i < tor.NumPieces; i++ {
		if store.HasPiece(i) {
			s.pieces.MarkComplete(i)
		}
	}
}

func (s *Swarm) tick(ctx context.Context) error {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			for _, r := range s.sched.Expire(now) {
				if sess, ok := s.peers.Get(r.Peer); ok {
					sess.Cancel(r.Block)
				}
				s.log.WithFields(logrus.Fields{"peer": r.Peer, "piece": r.Index, "begin": r.Begin}).Debug("request timed out")
			}
			s.stats.Tick()
			s.fillAll()
		}
	}
}

func (s *Swarm) dialLoop(ctx context.Context, src PeerSource) error {
	wait := s.cfg.ReconnectWait
	if wait <= 0 {
		wait = tickInterval
	}
	for {
		if !s.pieces.Complete() {
			if err := s.discover(ctx, src); err != nil {
				s.log.WithError(err).Warn("peer source failed")
			}
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
	}
}

func (s *Swarm) discover(ctx context.Context, src PeerSource) error {
	addrs, err := src.Peers(ctx, s.tor.InfoHash)
	if err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case addr, ok := <-addrs:
			if !ok || s.pieces.Complete() {
				return nil
			}
			if s.peers.Banned(addr.String()) || s.peers.Banned(addr.Addr().String()) {
				continue
			}
			if err := s.dial.Wait(ctx); err != nil {
				return nil
			}
			if _, err := s.connect(addr.String(), nil); err != nil {
				s.log.WithError(err).WithField("addr", addr.String()).Debug("not connecting")
			}
		}
	}
}

// AcceptPeer adopts an inbound connection. On error the caller keeps
// ownership of conn.
func (s *Swarm) AcceptPeer(conn net.Conn) error {
	if !s.isReady() || s.ctx.Err() != nil {
		return ErrNotReady
	}
	addr := conn.RemoteAddr().String()
	if s.peers.Banned(banKey(addr, true)) {
		return peer.ErrBanned
	}
	_, err := s.connect(addr, conn)
	return err
}

// banKey is the address a ban is recorded under. Inbound peers are banned
// by IP since their source port changes with every connection.
func banKey(addr string, inbound bool) string {
	if !inbound {
		return addr
	}
	if ap, err := netip.ParseAddrPort(addr); err == nil {
		return ap.Addr().String()
	}
	return addr
}

// connect registers a session and runs it. A nil conn dials addr.
func (s *Swarm) connect(addr string, conn net.Conn) (*peer.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopping {
		return nil, ErrNotReady
	}
	sess, err := s.peers.AddPeer(addr, func(id int) *peer.Session {
		return peer.NewSession(id, addr, conn, s.tor, s, s.sessionOptions())
	})
	if err != nil {
		return nil, err
	}
	s.addrs[sess.ID] = banKey(addr, conn != nil)

	s.sessions.Add(1)
	go func() {
		defer s.sessions.Done()
		sess.Run(s.ctx)
	}()
	return sess, nil
}

func (s *Swarm) sessionOptions() peer.Options {
	return peer.Options{
		PeerID:           s.peerID,
		PipelineDepth:    s.cfg.PipelineDepth,
		KeepAliveTimeout: s.cfg.KeepAliveTimeout,
		DialTimeout:      s.cfg.DialTimeout,
		OutboxSize:       s.cfg.OutboxSize,
		DHT:              s.cfg.DHT,
		ListenPort:       s.cfg.Port,
		UploadLimiter:    s.upload,
		Log:              s.log,
	}
}

func (s *Swarm) ClientBitfield() []byte {
	return s.pieces.Bitfield()
}

func (s *Swarm) PeerEstablished(sess *peer.Session) {
	s.connected.Add(sess.ID)
	s.log.WithFields(logrus.Fields{"peer": sess.ID, "addr": sess.Addr()}).Info("peer connected")
	s.emit(Event{Kind: PeerConnected, Peer: sess.ID, Addr: sess.Addr()})
}

func (s *Swarm) PeerBitfield(sess *peer.Session, bits bitmap.Bitmap) {
	s.pieces.PeerBitfield(sess.ID, bits)
	s.updateInterest(sess)
	s.fill(sess)
}

func (s *Swarm) PeerHave(sess *peer.Session, index int) {
	s.pieces.PeerHas(sess.ID, index)
	s.updateInterest(sess)
	s.fill(sess)
}

// PeerChoked returns the peer's claims; a choking peer discards its queue.
func (s *Swarm) PeerChoked(sess *peer.Session) {
	if n := s.pieces.Reclaim(sess.ID); n > 0 {
		s.log.WithFields(logrus.Fields{"peer": sess.ID, "blocks": n}).Debug("choked, requests returned")
		s.fillAll()
	}
}

func (s *Swarm) PeerUnchoked(sess *peer.Session) {
	s.fill(sess)
}

func (s *Swarm) PeerInterest(sess *peer.Session, interested bool) {
	s.log.WithFields(logrus.Fields{"peer": sess.ID, "interested": interested}).Debug("peer interest")
}

func (s *Swarm) PeerPort(sess *peer.Session, port uint16) {
	ap, err := netip.ParseAddrPort(sess.Addr())
	if err != nil || port == 0 {
		return
	}
	s.dhtNodes.Add(netip.AddrPortFrom(ap.Addr(), port))
}

func (s *Swarm) BlockReceived(sess *peer.Session, b piece.Block, data []byte) {
	s.stats.UpdatePeer(sess.ID, 0, len(data))

	full, cancels, err := s.pieces.AcceptBlock(sess.ID, b, data)
	if err != nil {
		log := s.log.WithError(err).WithFields(logrus.Fields{"peer": sess.ID, "piece": b.Index, "begin": b.Begin})
		if errors.Is(err, piece.ErrUnwanted) {
			log.Debug("discarding duplicate block")
		} else {
			log.Warn("discarding block")
		}
		s.fill(sess)
		return
	}

	for _, c := range cancels {
		if other, ok := s.peers.Get(c.Peer); ok {
			other.Cancel(c.Block)
		}
	}
	if full {
		s.verify(b.Index)
	}
	s.fill(sess)
	for _, c := range cancels {
		if other, ok := s.peers.Get(c.Peer); ok {
			s.fill(other)
		}
	}
}

func (s *Swarm) UploadBlock(sess *peer.Session, b piece.Block) ([]byte, error) {
	if !s.pieces.Have(b.Index) {
		return nil, errors.Errorf("piece %d not verified", b.Index)
	}
	data, err := s.store.ReadBlock(b.Index, b.Begin, b.Length)
	if err != nil {
		return nil, err
	}
	s.stats.UpdatePeer(sess.ID, len(data), 0)
	return data, nil
}

// PeerClosed returns the session's claims before it leaves the active set.
func (s *Swarm) PeerClosed(sess *peer.Session, err error) {
	reclaimed := s.pieces.ForgetPeer(sess.ID)
	s.peers.RemovePeer(sess.ID)
	s.stats.RemovePeer(sess.ID)

	log := s.log.WithFields(logrus.Fields{"peer": sess.ID, "addr": sess.Addr()})
	if errors.Is(err, wire.ErrMalformed) || errors.Is(err, wire.ErrProtocolMismatch) {
		s.peers.Ban(banKey(sess.Addr(), sess.Inbound()))
		log.WithError(err).Warn("banned peer")
	} else {
		log.WithError(err).Debug("peer disconnected")
	}

	if s.connected.Contains(sess.ID) {
		s.connected.Remove(sess.ID)
		s.emit(Event{Kind: PeerDisconnected, Peer: sess.ID, Addr: sess.Addr(), Err: err})
	}
	if reclaimed > 0 {
		s.fillAll()
	}
}

func (s *Swarm) verify(index int) {
	log := s.log.WithField("piece", index)
	res, err := s.verifier.Verify(index)
	switch {
	case err == nil:
		log.Debug("piece verified")
		s.peers.BroadcastHave(index)
		s.emit(Event{Kind: PieceCompleted, Piece: index})
		for _, sess := range s.peers.Established() {
			s.updateInterest(sess)
		}
		if s.pieces.Complete() {
			s.complete()
		}
	case errors.Is(err, piece.ErrVerificationFailure):
		log.WithField("contributors", res.Contributors).Warn("piece failed verification")
		s.emit(Event{Kind: PieceFailed, Piece: index, Err: err})
		for _, id := range res.Contributors {
			s.strike(id)
		}
		s.fillAll()
	case errors.Is(err, piece.ErrStorage):
		s.mu.Lock()
		s.storageFailures[index]++
		failures := s.storageFailures[index]
		s.mu.Unlock()

		log.WithError(err).WithField("failures", failures).Error("cannot store piece")
		s.emit(Event{Kind: StorageFailed, Piece: index, Err: err})
		if failures >= s.cfg.MaxStorageFailures {
			s.fail(errors.Wrapf(err, "giving up after %d attempts", failures))
			return
		}
		s.fillAll()
	default:
		log.WithError(err).Warn("verification skipped")
	}
}

// strike counts a bad piece against the peer's address and bans it at the
// limit.
func (s *Swarm) strike(id int) {
	s.mu.Lock()
	addr, ok := s.addrs[id]
	if !ok {
		s.mu.Unlock()
		return
	}
	s.strikes[addr]++
	strikes := s.strikes[addr]
	s.mu.Unlock()

	s.log.WithFields(logrus.Fields{"peer": id, "addr": addr, "strikes": strikes}).Debug("strike")
	if strikes < s.cfg.MaxStrikes {
		return
	}
	s.peers.Ban(addr)
	if sess, ok := s.peers.Get(id); ok {
		sess.Close(errors.Wrapf(peer.ErrBanned, "%d corrupt pieces", strikes))
	}
}

func (s *Swarm) updateInterest(sess *peer.Session) {
	sess.SetInterested(s.pieces.Wants(sess.Bitfield()))
}

// fill tops up the session's request pipeline.
func (s *Swarm) fill(sess *peer.Session) {
	capacity := sess.Capacity()
	if capacity == 0 {
		return
	}
	blocks := s.sched.Next(sess.ID, sess.Bitfield(), capacity)
	for i, b := range blocks {
		if err := sess.EnqueueRequest(b); err != nil {
			for _, rest := range blocks[i:] {
				s.pieces.Release(sess.ID, rest)
			}
			s.log.WithError(err).WithField("peer", sess.ID).Debug("request not sent")
			return
		}
	}
}

func (s *Swarm) fillAll() {
	for _, sess := range s.peers.Established() {
		s.fill(sess)
	}
}

func (s *Swarm) complete() {
	s.doneOnce.Do(func() {
		s.log.WithField("torrent", s.tor.Name()).Info("download complete")
		s.choker.SetSeeding(true)
		s.emit(Event{Kind: DownloadComplete})
	})
}

func (s *Swarm) fail(err error) {
	select {
	case s.fatal <- err:
	default:
	}
}

func (s *Swarm) emit(ev Event) {
	select {
	case s.events <- ev:
	default:
		s.log.WithField("event", ev.Kind.String()).Debug("event dropped")
	}
}
