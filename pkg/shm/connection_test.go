//go:build linux

package shm

import (
	"bytes"
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
	"golang.org/x/sys/unix"
)

type ConnectionTestSuite struct {
	suite.Suite
	server *Connection
	client *Connection
}

func (s *ConnectionTestSuite) SetupTest() {
	ctx := context.Background()
	opts := Options{PayloadSize: 64, Dir: s.T().TempDir(), AttachTimeout: time.Second}

	owner, err := OpenNamed(ctx, "conn", opts)
	s.Require().NoError(err)
	peer, err := OpenNamed(ctx, "conn", opts)
	s.Require().NoError(err)

	s.server = NewConnection(10, owner, RoleServer)
	s.client = NewConnection(11, peer, RoleClient)
}

func (s *ConnectionTestSuite) TearDownTest() {
	_ = s.client.Close()
	_ = s.server.Close()
}

func (s *ConnectionTestSuite) TestAccessors() {
	s.Equal(10, s.server.Key())
	s.Equal(RoleServer, s.server.Role())
	s.Equal("client", s.client.Role().String())
	s.True(s.server.Segment().Owner())
	s.False(s.client.Segment().Owner())
}

func (s *ConnectionTestSuite) TestRoundTrip() {
	for size := 1; size <= 64; size++ {
		data := bytes.Repeat([]byte{byte(size)}, size)
		n, err := s.client.Write(data)
		s.Require().NoError(err)
		s.Require().Equal(size, n)

		got := make([]byte, 64)
		n, err = s.server.Read(got)
		s.Require().NoError(err)
		s.Require().Equal(data, got[:n])

		n, err = s.server.Write(data[:size/2+1])
		s.Require().NoError(err)
		n, err = s.client.Read(got)
		s.Require().NoError(err)
		s.Require().Equal(data[:size/2+1], got[:n])
	}
}

func (s *ConnectionTestSuite) TestOversizedWrite() {
	n, err := s.client.Write(make([]byte, 65))
	s.ErrorIs(err, unix.EMSGSIZE)
	s.Equal(0, n)
}

func (s *ConnectionTestSuite) TestEmptyWriteDoesNotNotify() {
	n, err := s.client.Write(nil)
	s.NoError(err)
	s.Equal(0, n)
	s.Equal(uint32(0), s.server.Segment().Semaphore(ClientToServer).Pending())

	n, err = s.server.Read(nil)
	s.NoError(err)
	s.Equal(0, n)
}

func (s *ConnectionTestSuite) TestShortReadSpills() {
	_, err := s.client.Write([]byte("0123456789"))
	s.Require().NoError(err)

	buf := make([]byte, 4)
	n, err := s.server.Read(buf)
	s.Require().NoError(err)
	s.Equal("0123", string(buf[:n]))
	s.Equal(6, s.server.Buffered())

	n, err = s.server.Read(buf)
	s.Require().NoError(err)
	s.Equal("4567", string(buf[:n]))

	n, err = s.server.Read(buf)
	s.Require().NoError(err)
	s.Equal("89", string(buf[:n]))
	s.Equal(0, s.server.Buffered())
}

func (s *ConnectionTestSuite) TestReadBlocksUntilWrite() {
	got := make(chan string, 1)
	go func() {
		buf := make([]byte, 64)
		n, err := s.server.Read(buf)
		if err != nil {
			got <- err.Error()
			return
		}
		got <- string(buf[:n])
	}()

	select {
	case v := <-got:
		s.FailNow("read returned early", v)
	case <-time.After(30 * time.Millisecond):
	}
	_, err := s.client.Write([]byte("late"))
	s.Require().NoError(err)
	select {
	case v := <-got:
		s.Equal("late", v)
	case <-time.After(5 * time.Second):
		s.FailNow("reader never woke")
	}
}

func (s *ConnectionTestSuite) TestPeerCloseIsEOF() {
	_, err := s.client.Write([]byte("last"))
	s.Require().NoError(err)
	s.Require().NoError(s.client.Close())

	buf := make([]byte, 64)
	n, err := s.server.Read(buf)
	s.Require().NoError(err)
	s.Equal("last", string(buf[:n]))

	_, err = s.server.Read(buf)
	s.ErrorIs(err, io.EOF)
	_, err = s.server.Read(buf)
	s.ErrorIs(err, io.EOF)

	_, err = s.server.Write([]byte("nobody"))
	s.ErrorIs(err, unix.EPIPE)
}

func (s *ConnectionTestSuite) TestUseAfterClose() {
	s.Require().NoError(s.server.Close())
	s.NoError(s.server.Close())

	_, err := s.server.Write([]byte("x"))
	s.ErrorIs(err, ErrClosed)
	_, err = s.server.Read(make([]byte, 1))
	s.ErrorIs(err, ErrClosed)
}

func (s *ConnectionTestSuite) TestCloseWakesLocalReader() {
	done := make(chan error, 1)
	go func() {
		_, err := s.client.Read(make([]byte, 8))
		done <- err
	}()
	time.Sleep(20 * time.Millisecond)
	s.Require().NoError(s.client.Close())
	select {
	case err := <-done:
		s.ErrorIs(err, ErrClosed)
	case <-time.After(5 * time.Second):
		s.FailNow("blocked reader was not released by close")
	}
}

func TestConnectionTestSuite(t *testing.T) {
	suite.Run(t, new(ConnectionTestSuite))
}
