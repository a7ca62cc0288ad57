package swarm

import (
	"context"
	"net/netip"

	"github.com/Charana123/biter/storage"
	"github.com/Charana123/biter/torrent"
	"github.com/pkg/errors"
	"github.com/spf13/afero"
)

// PeerSource discovers swarm members. The channel may repeat addresses and
// is closed when the source has nothing more; Peers is called again after
// the reconnect wait while the download is incomplete.
type PeerSource interface {
	Peers(ctx context.Context, infoHash [torrent.HashSize]byte) (<-chan netip.AddrPort, error)
}

// MetadataSource produces the torrent for an info-hash. A zero info-hash
// accepts whatever the source holds.
type MetadataSource interface {
	Metadata(ctx context.Context, infoHash [torrent.HashSize]byte) (*torrent.Torrent, error)
}

// StorageOpener opens the piece store once metadata is known.
type StorageOpener func(tor *torrent.Torrent) (storage.Storage, error)

// FileStorage opens a storage.FileStorage under root.
func FileStorage(fs afero.Fs, root string) StorageOpener {
	return func(tor *torrent.Torrent) (storage.Storage, error) {
		return storage.NewFileStorage(fs, root, tor)
	}
}

// StaticPeers is a fixed address list.
type StaticPeers []netip.AddrPort

// ParsePeers parses "host:port" entries.
func ParsePeers(addrs []string) (StaticPeers, error) {
	peers := make(StaticPeers, 0, len(addrs))
	for _, a := range addrs {
		ap, err := netip.ParseAddrPort(a)
		if err != nil {
			return nil, errors.Wrapf(err, "peer %q", a)
		}
		peers = append(peers, ap)
	}
	return peers, nil
}

func (p StaticPeers) Peers(ctx context.Context, infoHash [torrent.HashSize]byte) (<-chan netip.AddrPort, error) {
	ch := make(chan netip.AddrPort)
	go func() {
		defer close(ch)
		for _, addr := range p {
			select {
			case ch <- addr:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}
