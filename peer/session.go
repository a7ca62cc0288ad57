package peer

import (
	"context"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/Charana123/biter/piece"
	"github.com/Charana123/biter/torrent"
	"github.com/Charana123/biter/wire"
	bitmap "github.com/boljen/go-bitmap"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

var (
	ErrCapacityExceeded = errors.New("request pipeline full")
	ErrTimeout          = errors.New("peer timed out")
	ErrClosed           = errors.New("session closed")
	ErrNotEstablished   = errors.New("session not established")
	ErrChoked           = errors.New("peer is choking us")
	ErrSlowPeer         = errors.New("peer is not reading")
)

const (
	// MaxRequestLength bounds the blocks a peer may ask us for.
	MaxRequestLength = 1 << 17
	// DefaultSnubPeriod is how long an unchoking peer may go without
	// delivering a block we asked for.
	DefaultSnubPeriod = 60 * time.Second
)

type State int

const (
	Connecting State = iota
	Handshaking
	Established
	Closed
)

func (s State) String() string {
	return [...]string{"connecting", "handshaking", "established", "closed"}[s]
}

// Flags are the four choke/interest bits of a connection.
type Flags struct {
	AmChoking      bool
	AmInterested   bool
	PeerChoking    bool
	PeerInterested bool
}

// Handler receives a session's protocol events. Calls are made from the
// session's read goroutine, except PeerClosed which is made once by Run and
// UploadBlock which is made by the upload goroutine.
type Handler interface {
	ClientBitfield() []byte
	PeerEstablished(s *Session)
	PeerBitfield(s *Session, bits bitmap.Bitmap)
	PeerHave(s *Session, index int)
	PeerChoked(s *Session)
	PeerUnchoked(s *Session)
	PeerInterest(s *Session, interested bool)
	// PeerPort reports the DHT port from the peer's port message.
	PeerPort(s *Session, port uint16)
	BlockReceived(s *Session, b piece.Block, data []byte)
	// UploadBlock returns the data for a block the peer asked for.
	UploadBlock(s *Session, b piece.Block) ([]byte, error)
	PeerClosed(s *Session, err error)
}

type Options struct {
	PeerID           [20]byte
	PipelineDepth    int
	KeepAliveTimeout time.Duration
	DialTimeout      time.Duration
	OutboxSize       int
	SnubPeriod       time.Duration
	DHT              bool
	ListenPort       int
	UploadLimiter    *rate.Limiter
	Log              *logrus.Entry
}

// Session is one peer connection.
type Session struct {
	ID   int
	addr string
	tor  *torrent.Torrent
	opts Options
	h    Handler
	log  *logrus.Entry

	conn    net.Conn
	inbound bool
	w       wire.Wire
	// control messages; a full outbox closes the session
	outbox chan func(wire.Wire) error
	blocks chan func(wire.Wire) error
	done   chan struct{}

	closeOnce sync.Once
	closeErr  error

	uploadSignal chan struct{}

	mu               sync.Mutex
	state            State
	flags            Flags
	bitfield         bitmap.Bitmap
	outstanding      map[piece.Block]time.Time
	maxOutstanding   int
	remoteID         [20]byte
	remoteDHT        bool
	remoteExtensions bool
	extended         *wire.ExtendedHandshake
	uploads          []piece.Block
	lastPiece        time.Time
}

// NewSession prepares a session. A nil conn makes Run dial addr first;
// otherwise the connection is treated as inbound.
func NewSession(id int, addr string, conn net.Conn, tor *torrent.Torrent, h Handler, opts Options) *Session {
	if opts.OutboxSize < 1 {
		opts.OutboxSize = 1
	}
	if opts.PipelineDepth < 1 {
		opts.PipelineDepth = 1
	}
	if opts.SnubPeriod <= 0 {
		opts.SnubPeriod = DefaultSnubPeriod
	}
	if opts.UploadLimiter == nil {
		opts.UploadLimiter = rate.NewLimiter(rate.Inf, 0)
	}
	log := opts.Log
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	state := Connecting
	if conn != nil {
		state = Handshaking
	}
	return &Session{
		ID:             id,
		addr:           addr,
		tor:            tor,
		opts:           opts,
		h:              h,
		log:            log.WithFields(logrus.Fields{"peer": id, "addr": addr}),
		conn:           conn,
		inbound:        conn != nil,
		outbox:         make(chan func(wire.Wire) error, opts.OutboxSize),
		blocks:         make(chan func(wire.Wire) error, 1),
		done:           make(chan struct{}),
		uploadSignal:   make(chan struct{}, 1),
		state:          state,
		flags:          Flags{AmChoking: true, PeerChoking: true},
		bitfield:       bitmap.New(tor.NumPieces),
		outstanding:    make(map[piece.Block]time.Time),
		maxOutstanding: opts.PipelineDepth,
	}
}

func (s *Session) Addr() string {
	return s.addr
}

// Inbound reports whether the peer connected to us.
func (s *Session) Inbound() bool {
	return s.inbound
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) Flags() Flags {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flags
}

func (s *Session) RemotePeerID() [20]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remoteID
}

// Extended is the peer's extended handshake, if one arrived.
func (s *Session) Extended() *wire.ExtendedHandshake {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.extended
}

// Bitfield is a copy of the pieces the peer advertised.
func (s *Session) Bitfield() bitmap.Bitmap {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append(bitmap.Bitmap{}, s.bitfield...)
}

// Snubbed reports whether the peer has unchoked us while we are interested
// but sent no block for the snub period.
func (s *Session) Snubbed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != Established || !s.flags.AmInterested || s.flags.PeerChoking {
		return false
	}
	return time.Since(s.lastPiece) > s.opts.SnubPeriod
}

// Outstanding lists in-flight requests in piece order.
func (s *Session) Outstanding() []piece.Block {
	s.mu.Lock()
	defer s.mu.Unlock()

	blocks := make([]piece.Block, 0, len(s.outstanding))
	for b := range s.outstanding {
		blocks = append(blocks, b)
	}
	sort.Slice(blocks, func(i, j int) bool {
		if blocks[i].Index != blocks[j].Index {
			return blocks[i].Index < blocks[j].Index
		}
		return blocks[i].Begin < blocks[j].Begin
	})
	return blocks
}

// Capacity is how many more requests the pipeline accepts.
func (s *Session) Capacity() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != Established || s.flags.PeerChoking {
		return 0
	}
	if n := s.maxOutstanding - len(s.outstanding); n > 0 {
		return n
	}
	return 0
}

// Run drives the connection until it closes and returns the reason.
// Handler.PeerClosed is called exactly once before Run returns.
func (s *Session) Run(ctx context.Context) (err error) {
	defer func() {
		err = s.teardown(err)
		s.h.PeerClosed(s, err)
	}()

	if s.conn == nil {
		d := net.Dialer{Timeout: s.opts.DialTimeout}
		conn, err := d.DialContext(ctx, "tcp", s.addr)
		if err != nil {
			return errors.Wrap(err, "dial")
		}
		s.mu.Lock()
		if s.state == Closed {
			s.mu.Unlock()
			conn.Close()
			return ErrClosed
		}
		s.conn = conn
		s.state = Handshaking
		s.mu.Unlock()
	}
	s.w = wire.NewWire(s.conn, s.opts.KeepAliveTimeout)

	// unblock reads on cancellation
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-ctx.Done():
			s.Close(ctx.Err())
		case <-s.done:
		}
	}()

	if err := s.handshake(); err != nil {
		return err
	}
	go s.writeLoop()
	if err := s.establish(); err != nil {
		return err
	}
	go s.uploadLoop(ctx)
	s.h.PeerEstablished(s)

	return s.readLoop()
}

func (s *Session) handshake() error {
	ours := wire.NewHandshake(s.tor.InfoHash, s.opts.PeerID, s.opts.DHT)
	incoming := s.inbound

	if !incoming {
		if err := s.w.SendHandshake(ours); err != nil {
			return errors.Wrap(err, "send handshake")
		}
	}
	theirs, err := s.w.ReadHandshake()
	if err != nil {
		return errors.Wrap(err, "read handshake")
	}
	if theirs.InfoHash != s.tor.InfoHash {
		return errors.Wrap(wire.ErrProtocolMismatch, "info-hash")
	}
	if theirs.PeerID == s.opts.PeerID {
		return errors.Wrap(wire.ErrProtocolMismatch, "connected to self")
	}
	if incoming {
		if err := s.w.SendHandshake(ours); err != nil {
			return errors.Wrap(err, "send handshake")
		}
	}

	s.mu.Lock()
	s.remoteID = theirs.PeerID
	s.remoteDHT = theirs.SupportsDHT()
	s.remoteExtensions = theirs.SupportsExtensions()
	s.mu.Unlock()
	return nil
}

func (s *Session) extendedHandshake() *wire.ExtendedHandshake {
	return &wire.ExtendedHandshake{
		M:       map[string]int{},
		Version: "biter",
		Port:    s.opts.ListenPort,
		ReqQ:    s.opts.PipelineDepth * 25,
	}
}

// establish queues the opening messages and enters Established.
func (s *Session) establish() error {
	if bf := s.h.ClientBitfield(); hasAny(bf) {
		if err := s.enqueue(s.outbox, func(w wire.Wire) error { return w.SendBitField(bf) }); err != nil {
			return err
		}
	}
	s.mu.Lock()
	remoteDHT, remoteExtensions := s.remoteDHT, s.remoteExtensions
	s.mu.Unlock()
	if remoteExtensions {
		payload := s.extendedHandshake().Encode()
		if err := s.enqueue(s.outbox, func(w wire.Wire) error { return w.SendExtended(wire.ExtendedHandshakeID, payload) }); err != nil {
			return err
		}
	}
	if s.opts.DHT && remoteDHT && s.opts.ListenPort > 0 {
		port := uint16(s.opts.ListenPort)
		if err := s.enqueue(s.outbox, func(w wire.Wire) error { return w.SendPort(port) }); err != nil {
			return err
		}
	}

	s.mu.Lock()
	s.state = Established
	s.lastPiece = time.Now()
	s.mu.Unlock()
	s.log.Debug("established")
	return nil
}

func hasAny(bf []byte) bool {
	for _, b := range bf {
		if b != 0 {
			return true
		}
	}
	return false
}

func (s *Session) readLoop() error {
	for {
		msg, err := s.w.ReadMessage()
		if err != nil {
			if ne, ok := errors.Cause(err).(net.Error); ok && ne.Timeout() {
				return errors.Wrap(ErrTimeout, "no traffic")
			}
			return err
		}
		if err := s.dispatch(msg); err != nil {
			return err
		}
	}
}

func (s *Session) dispatch(msg *wire.Message) error {
	switch msg.Kind {
	case wire.KeepAlive:
	case wire.Choke:
		s.mu.Lock()
		wasChoking := s.flags.PeerChoking
		s.flags.PeerChoking = true
		// a choking peer discards our pending requests
		s.outstanding = make(map[piece.Block]time.Time)
		s.mu.Unlock()
		if !wasChoking {
			s.h.PeerChoked(s)
		}
	case wire.Unchoke:
		s.mu.Lock()
		wasChoking := s.flags.PeerChoking
		s.flags.PeerChoking = false
		if wasChoking {
			s.lastPiece = time.Now()
		}
		s.mu.Unlock()
		if wasChoking {
			s.h.PeerUnchoked(s)
		}
	case wire.Interested, wire.NotInterested:
		interested := msg.Kind == wire.Interested
		s.mu.Lock()
		changed := s.flags.PeerInterested != interested
		s.flags.PeerInterested = interested
		s.mu.Unlock()
		if changed {
			s.h.PeerInterest(s, interested)
		}
	case wire.Have:
		index := int(msg.Index)
		if index >= s.tor.NumPieces {
			return errors.Wrapf(wire.ErrMalformed, "have for piece %d of %d", index, s.tor.NumPieces)
		}
		s.mu.Lock()
		s.bitfield.Set(index, true)
		s.mu.Unlock()
		s.h.PeerHave(s, index)
	case wire.Bitfield:
		bm, err := wire.DecodeBitfield(msg.Bitfield, s.tor.NumPieces)
		if err != nil {
			return err
		}
		s.mu.Lock()
		s.bitfield = bm
		s.mu.Unlock()
		s.h.PeerBitfield(s, append(bitmap.Bitmap{}, bm...))
	case wire.Request:
		return s.onRequest(msg)
	case wire.Cancel:
		b, err := s.blockOf(msg.Index, msg.Begin, msg.Length)
		if err != nil {
			return err
		}
		s.mu.Lock()
		for i, u := range s.uploads {
			if u == b {
				s.uploads = append(s.uploads[:i], s.uploads[i+1:]...)
				break
			}
		}
		s.mu.Unlock()
	case wire.Piece:
		return s.OnPieceReceived(int(msg.Index), int(msg.Begin), msg.Block)
	case wire.Port:
		s.log.WithField("port", msg.Port).Debug("dht port")
		s.h.PeerPort(s, msg.Port)
	case wire.Extended:
		if msg.ExtendedID != wire.ExtendedHandshakeID {
			s.log.WithField("ext", msg.ExtendedID).Debug("ignoring extended message")
			return nil
		}
		ext, err := wire.DecodeExtendedHandshake(msg.Payload)
		if err != nil {
			s.log.WithError(err).Debug("bad extended handshake")
			return nil
		}
		s.mu.Lock()
		s.extended = ext
		if ext.ReqQ > 0 && ext.ReqQ < s.opts.PipelineDepth {
			s.maxOutstanding = ext.ReqQ
		}
		s.mu.Unlock()
	default:
		s.log.WithField("id", msg.ID).Debug("skipping unknown message")
	}
	return nil
}

// blockOf validates a wire (index, begin, length) triple against the torrent.
func (s *Session) blockOf(index, begin, length uint32) (piece.Block, error) {
	b := piece.Block{Index: int(index), Begin: int(begin), Length: int(length)}
	if b.Index >= s.tor.NumPieces {
		return b, errors.Wrapf(wire.ErrMalformed, "piece %d of %d", b.Index, s.tor.NumPieces)
	}
	if b.Length == 0 || b.Begin+b.Length > s.tor.PieceSize(b.Index) {
		return b, errors.Wrapf(wire.ErrMalformed, "range %d+%d outside piece %d", b.Begin, b.Length, b.Index)
	}
	return b, nil
}

// OnPieceReceived matches a block against the outstanding set. Blocks that
// were never requested, or were cancelled since, are dropped.
func (s *Session) OnPieceReceived(index, begin int, data []byte) error {
	if index < 0 || begin < 0 {
		return errors.Wrap(wire.ErrMalformed, "negative block position")
	}
	b, err := s.blockOf(uint32(index), uint32(begin), uint32(len(data)))
	if err != nil {
		return err
	}

	s.mu.Lock()
	_, ok := s.outstanding[b]
	if ok {
		delete(s.outstanding, b)
		s.lastPiece = time.Now()
	}
	s.mu.Unlock()

	if !ok {
		s.log.WithFields(logrus.Fields{"piece": b.Index, "begin": b.Begin}).Debug("dropping unsolicited block")
		return nil
	}
	s.h.BlockReceived(s, b, data)
	return nil
}

func (s *Session) onRequest(msg *wire.Message) error {
	if msg.Length > MaxRequestLength {
		return errors.Wrapf(wire.ErrMalformed, "request for %d bytes", msg.Length)
	}
	b, err := s.blockOf(msg.Index, msg.Begin, msg.Length)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.flags.AmChoking {
		s.mu.Unlock()
		s.log.WithField("piece", b.Index).Debug("ignoring request while choking")
		return nil
	}
	s.uploads = append(s.uploads, b)
	s.mu.Unlock()

	select {
	case s.uploadSignal <- struct{}{}:
	default:
	}
	return nil
}

func (s *Session) uploadLoop(ctx context.Context) {
	for {
		select {
		case <-s.done:
			return
		case <-s.uploadSignal:
		}
		for {
			s.mu.Lock()
			if len(s.uploads) == 0 || s.flags.AmChoking {
				s.mu.Unlock()
				break
			}
			b := s.uploads[0]
			s.uploads = s.uploads[1:]
			s.mu.Unlock()

			if err := s.opts.UploadLimiter.WaitN(ctx, b.Length); err != nil {
				return
			}
			data, err := s.h.UploadBlock(s, b)
			if err != nil {
				s.log.WithError(err).WithField("piece", b.Index).Debug("cannot serve request")
				continue
			}
			if err := s.enqueue(s.blocks, func(w wire.Wire) error { return w.SendBlock(b.Index, b.Begin, data) }); err != nil {
				return
			}
		}
	}
}

func (s *Session) writeLoop() {
	interval := s.opts.KeepAliveTimeout / 2
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case fn := <-s.outbox:
			if err := fn(s.w); err != nil {
				s.Close(errors.Wrap(err, "write"))
				return
			}
		case fn := <-s.blocks:
			if err := fn(s.w); err != nil {
				s.Close(errors.Wrap(err, "write"))
				return
			}
		case now := <-ticker.C:
			// Send a keep alive if we haven't sent a message within the interval
			if s.w.GetLastMessageSent().Before(now.Add(-interval)) {
				if err := s.w.SendKeepAlive(); err != nil {
					s.Close(errors.Wrap(err, "keep-alive"))
					return
				}
			}
		}
	}
}

// enqueue hands fn to the writer goroutine, waiting while q is full. Only
// the session's own goroutines wait on it.
func (s *Session) enqueue(q chan func(wire.Wire) error, fn func(wire.Wire) error) error {
	select {
	case <-s.done:
		return ErrClosed
	default:
	}
	select {
	case q <- fn:
		return nil
	case <-s.done:
		return ErrClosed
	}
}

// post queues a control message without waiting. A peer that leaves the
// outbox full is closed as too slow.
func (s *Session) post(fn func(wire.Wire) error) error {
	select {
	case <-s.done:
		return ErrClosed
	default:
	}
	select {
	case s.outbox <- fn:
		return nil
	case <-s.done:
		return ErrClosed
	default:
		s.Close(errors.Wrapf(ErrSlowPeer, "%d messages queued", cap(s.outbox)))
		return ErrSlowPeer
	}
}

// EnqueueRequest records b as outstanding and sends the request.
func (s *Session) EnqueueRequest(b piece.Block) error {
	s.mu.Lock()
	if s.state != Established {
		s.mu.Unlock()
		return ErrNotEstablished
	}
	if s.flags.PeerChoking {
		s.mu.Unlock()
		return ErrChoked
	}
	if len(s.outstanding) >= s.maxOutstanding {
		s.mu.Unlock()
		return ErrCapacityExceeded
	}
	s.outstanding[b] = time.Now()
	s.mu.Unlock()

	if err := s.post(func(w wire.Wire) error { return w.SendRequest(b.Index, b.Begin, b.Length) }); err != nil {
		s.mu.Lock()
		delete(s.outstanding, b)
		s.mu.Unlock()
		return err
	}
	return nil
}

// Cancel drops an outstanding request and tells the peer. It reports
// whether the request was outstanding.
func (s *Session) Cancel(b piece.Block) bool {
	s.mu.Lock()
	_, ok := s.outstanding[b]
	delete(s.outstanding, b)
	s.mu.Unlock()

	if ok {
		s.post(func(w wire.Wire) error { return w.SendCancel(b.Index, b.Begin, b.Length) })
	}
	return ok
}

// SetInterested sends interested or not-interested when the flag changes.
func (s *Session) SetInterested(interested bool) {
	s.mu.Lock()
	changed := s.state == Established && s.flags.AmInterested != interested
	if changed {
		s.flags.AmInterested = interested
	}
	s.mu.Unlock()

	if !changed {
		return
	}
	if interested {
		s.post(func(w wire.Wire) error { return w.SendInterested() })
	} else {
		s.post(func(w wire.Wire) error { return w.SendUnInterested() })
	}
}

// Choke stops uploading to the peer. It reports whether the flag changed.
func (s *Session) Choke() bool {
	s.mu.Lock()
	if s.state != Established || s.flags.AmChoking {
		s.mu.Unlock()
		return false
	}
	s.flags.AmChoking = true
	s.uploads = nil
	s.mu.Unlock()

	s.post(func(w wire.Wire) error { return w.SendChoke() })
	return true
}

// Unchoke allows the peer to request blocks. It reports whether the flag changed.
func (s *Session) Unchoke() bool {
	s.mu.Lock()
	if s.state != Established || !s.flags.AmChoking {
		s.mu.Unlock()
		return false
	}
	s.flags.AmChoking = false
	s.mu.Unlock()

	s.post(func(w wire.Wire) error { return w.SendUnchoke() })
	return true
}

func (s *Session) SendHave(index int) {
	s.post(func(w wire.Wire) error { return w.SendHave(index) })
}

// Close shuts the connection; Run then returns err.
func (s *Session) Close(err error) {
	s.closeOnce.Do(func() {
		if err == nil {
			err = ErrClosed
		}
		s.closeErr = err
		s.mu.Lock()
		s.state = Closed
		conn := s.conn
		s.mu.Unlock()
		close(s.done)
		if conn != nil {
			conn.Close()
		}
	})
}

// Done is closed once the session is closed.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// teardown closes the session and picks the error to report: an explicit
// Close reason wins over the read error it caused.
func (s *Session) teardown(err error) error {
	s.Close(err)
	s.mu.Lock()
	s.outstanding = make(map[piece.Block]time.Time)
	s.uploads = nil
	s.mu.Unlock()

	if s.closeErr != nil {
		err = s.closeErr
	}
	if err != nil && !errors.Is(err, ErrClosed) && !errors.Is(err, context.Canceled) {
		s.log.WithError(err).Debug("session closed")
	}
	return err
}
