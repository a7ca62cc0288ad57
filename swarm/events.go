package swarm

import "fmt"

type EventKind int

const (
	PeerConnected EventKind = iota
	PeerDisconnected
	PieceCompleted
	DownloadComplete
	PieceFailed
	StorageFailed
)

func (k EventKind) String() string {
	switch k {
	case PeerConnected:
		return "peer-connected"
	case PeerDisconnected:
		return "peer-disconnected"
	case PieceCompleted:
		return "piece-completed"
	case DownloadComplete:
		return "download-complete"
	case PieceFailed:
		return "piece-failed"
	case StorageFailed:
		return "storage-failed"
	}
	return "unknown"
}

// Event is a lifecycle notification. Peer and Addr are set for peer events,
// Piece for piece events; Err carries the disconnect or failure reason.
type Event struct {
	Kind  EventKind
	Peer  int
	Addr  string
	Piece int
	Err   error
}

func (e Event) String() string {
	switch e.Kind {
	case PeerConnected, PeerDisconnected:
		return fmt.Sprintf("%s %d (%s)", e.Kind, e.Peer, e.Addr)
	case PieceCompleted, PieceFailed, StorageFailed:
		return fmt.Sprintf("%s %d", e.Kind, e.Piece)
	}
	return e.Kind.String()
}
