package server

import (
	"net"

	"golang.org/x/sync/errgroup"

	"github.com/videoml/trainflow/srcs/go/log"
	"github.com/videoml/trainflow/srcs/go/plan"
	"github.com/videoml/trainflow/srcs/go/rchannel/connection"
)

// Server receives messages from remote endpoints.
type Server interface {
	Start() error
	Close()
}

func New(self plan.PeerID, handler connection.Handler) Server {
	return &tcpServer{
		self:    self,
		handler: handler,
	}
}

type tcpServer struct {
	self     plan.PeerID
	handler  connection.Handler
	listener net.Listener
	group    errgroup.Group
}

func (s *tcpServer) Start() error {
	listenAddr := plan.NetAddr(s.self).String()
	log.Debugf("listening: %s", listenAddr)
	var err error
	s.listener, err = net.Listen("tcp", listenAddr)
	if err != nil {
		return err
	}
	s.group.Go(s.serve)
	return nil
}

func (s *tcpServer) serve() error {
	for {
		tcpConn, err := s.listener.Accept()
		if err != nil {
			if isNetClosingErr(err) {
				return nil
			}
			log.Infof("accept failed: %v", err)
			continue
		}
		conn, err := connection.UpgradeFrom(tcpConn, s.self, 0)
		if err != nil {
			log.Warnf("connection upgrade failed: %v", err)
			tcpConn.Close()
			continue
		}
		s.group.Go(func() error {
			defer conn.Close()
			if n, err := s.handler.Handle(conn); err != nil {
				log.Warnf("handle conn err: %v after handled %d messages", err, n)
			}
			return nil
		})
	}
}

func (s *tcpServer) Close() {
	s.listener.Close()
	s.group.Wait()
	log.Debugf("server closed")
}

// check if error is internal/poll.ErrNetClosing
func isNetClosingErr(err error) bool {
	const msg = `use of closed network connection`
	if e, ok := err.(*net.OpError); ok {
		return msg == e.Err.Error()
	}
	return false
}
