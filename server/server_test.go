package server

import (
	"context"
	"fmt"
	"io"
	"net"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockListener struct {
	net.Listener
	mock.Mock
}

func (m *mockListener) Accept() (net.Conn, error) {
	args := m.Called()
	conn, _ := args.Get(0).(net.Conn)
	return conn, args.Error(1)
}

func (m *mockListener) Addr() net.Addr {
	args := m.Called()
	return args.Get(0).(net.Addr)
}

func (m *mockListener) Close() error {
	args := m.Called()
	return args.Error(0)
}

type mockAcceptor struct {
	mock.Mock
}

func (m *mockAcceptor) AcceptPeer(conn net.Conn) error {
	args := m.Called(conn)
	return args.Error(0)
}

type mockConn struct {
	net.Conn
	mock.Mock
}

func (c *mockConn) RemoteAddr() net.Addr {
	return &net.TCPAddr{IP: net.IPv4(10, 0, 0, 1), Port: 6881}
}

func (c *mockConn) Close() error {
	args := c.Called()
	return args.Error(0)
}

func quietLog() *logrus.Entry {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return logrus.NewEntry(log)
}

func TestServer(t *testing.T) {
	closed := make(chan time.Time)
	accepted := &mockConn{}
	refused := &mockConn{}
	refused.On("Close").Return(nil).Once()

	ml := &mockListener{}
	ml.On("Addr").Return(&net.TCPAddr{Port: 8181})
	ml.On("Accept").Return(accepted, nil).Once()
	ml.On("Accept").Return(refused, nil).Once()
	ml.On("Accept").WaitUntil(closed).Return(nil, errors.New("use of closed network connection"))
	ml.On("Close").Run(func(mock.Arguments) { close(closed) }).Return(nil).Once()

	defer func() { listen = net.Listen }()
	listen = func(network, address string) (net.Listener, error) {
		assert.Equal(t, ":8181", address)
		return ml, nil
	}

	calls := make(chan struct{}, 2)
	record := func(mock.Arguments) { calls <- struct{}{} }
	acceptor := &mockAcceptor{}
	acceptor.On("AcceptPeer", accepted).Run(record).Return(nil).Once()
	acceptor.On("AcceptPeer", refused).Run(record).Return(errors.New("banned")).Once()

	sv, err := NewServer(8181, acceptor, quietLog())
	require.NoError(t, err)
	assert.Equal(t, 8181, sv.Port())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error)
	go func() { done <- sv.Serve(ctx) }()

	for i := 0; i < 2; i++ {
		select {
		case <-calls:
		case <-time.After(time.Second):
			t.Fatal("connection not handed over")
		}
	}
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("server did not stop")
	}

	ml.AssertExpectations(t)
	acceptor.AssertExpectations(t)
	refused.AssertExpectations(t)
	accepted.AssertNotCalled(t, "Close")
}

func TestServerLoopback(t *testing.T) {
	conns := make(chan net.Conn, 1)
	acceptor := &mockAcceptor{}
	acceptor.On("AcceptPeer", mock.Anything).Run(func(args mock.Arguments) {
		conns <- args.Get(0).(net.Conn)
	}).Return(nil)

	sv, err := NewServer(0, acceptor, quietLog())
	require.NoError(t, err)
	require.NotZero(t, sv.Port())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sv.Serve(ctx)

	c, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", sv.Port()))
	require.NoError(t, err)
	defer c.Close()

	select {
	case conn := <-conns:
		conn.Close()
	case <-time.After(time.Second):
		t.Fatal("connection not handed over")
	}
}

func TestServerListenError(t *testing.T) {
	defer func() { listen = net.Listen }()
	listen = func(network, address string) (net.Listener, error) {
		return nil, errors.New("address in use")
	}
	_, err := NewServer(6881, &mockAcceptor{}, quietLog())
	assert.Error(t, err)
}
