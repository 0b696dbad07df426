package nfs_service

import (
	"errors"
	"net"
	"sync"

	nfs "github.com/willscott/go-nfs"
	"github.com/willscott/go-nfs/helpers"

	"github.com/AnishMulay/memstripe/internal/log_service"
)

var ErrAlreadyStarted = errors.New("nfs server already started")

const defaultHandleLimit = 1024

type Config struct {
	// Address to bind to, e.g. ":2049".
	Address string
	// HandleLimit bounds the file handle cache.
	HandleLimit int
}

// Server exports a Filesystem over NFSv3.
type Server struct {
	handler nfs.Handler
	addr    string
	ls      log_service.LogService

	mu       sync.Mutex
	listener net.Listener
	done     chan struct{}
}

func NewServer(bfs *Filesystem, cfg Config, ls log_service.LogService) *Server {
	limit := cfg.HandleLimit
	if limit <= 0 {
		limit = defaultHandleLimit
	}
	return &Server{
		handler: helpers.NewCachingHandler(NewHandler(bfs), limit),
		addr:    cfg.Address,
		ls:      ls,
	}
}

func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return ErrAlreadyStarted
	}

	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.listener = listener
	s.done = make(chan struct{})

	s.ls.Info(log_service.LogEvent{
		Message:  "NFS server started",
		Metadata: map[string]any{"addr": listener.Addr().String()},
	})

	go func(done chan struct{}) {
		defer close(done)
		if err := nfs.Serve(listener, s.handler); err != nil && !errors.Is(err, net.ErrClosed) {
			s.ls.Error(log_service.LogEvent{
				Message:  "NFS server error",
				Metadata: map[string]any{"error": err.Error()},
			})
		}
	}(s.done)
	return nil
}

func (s *Server) Stop() error {
	s.mu.Lock()
	listener, done := s.listener, s.done
	s.listener = nil
	s.mu.Unlock()
	if listener == nil {
		return nil
	}
	err := listener.Close()
	<-done
	s.ls.Info(log_service.LogEvent{Message: "NFS server stopped"})
	return err
}

// Addr is the bound address, or nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}
