package server

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Acceptor takes ownership of an inbound connection. A returned error
// means the connection was refused and is closed by the server.
type Acceptor interface {
	AcceptPeer(conn net.Conn) error
}

// Server accepts inbound peer connections.
type Server struct {
	port     int
	listener net.Listener
	acceptor Acceptor
	log      *logrus.Entry
}

var (
	listen = net.Listen
)

// NewServer listens on port; 0 picks a free one.
func NewServer(port int, acceptor Acceptor, log *logrus.Entry) (*Server, error) {
	sv := &Server{
		acceptor: acceptor,
		log:      log.WithField("component", "server"),
	}
	listener, err := listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, errors.Wrapf(err, "listen on port %d", port)
	}
	sv.listener = listener
	if addr, ok := listener.Addr().(*net.TCPAddr); ok {
		sv.port = addr.Port
	}
	return sv, nil
}

// Serve accepts connections until ctx is done.
func (sv *Server) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		sv.listener.Close()
	}()
	sv.log.WithField("port", sv.port).Info("listening for peers")

	for {
		conn, err := sv.listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				sv.log.Info("safely terminating peer listener")
				return nil
			}
			if neterr, ok := err.(net.Error); ok && neterr.Timeout() {
				time.Sleep(100 * time.Millisecond)
				continue
			}
			return errors.Wrap(err, "accept")
		}
		if err := sv.acceptor.AcceptPeer(conn); err != nil {
			sv.log.WithError(err).WithField("addr", conn.RemoteAddr().String()).Debug("refused peer")
			conn.Close()
		}
	}
}

func (sv *Server) Port() int {
	return sv.port
}
