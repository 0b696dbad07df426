package static

import (
	"context"
	"fmt"
	"sync"

	cluster "github.com/AnishMulay/memstripe/internal/cluster_service"
	"github.com/AnishMulay/memstripe/internal/log_service"
)

// StaticClusterService serves a peer table fixed at startup. Every rank is
// assumed alive; losses surface as transport errors instead.
type StaticClusterService struct {
	mu      sync.RWMutex
	peers   []string
	started bool
	ls      log_service.LogService
}

func NewStaticClusterService(peers []string, ls log_service.LogService) *StaticClusterService {
	return &StaticClusterService{peers: append([]string(nil), peers...), ls: ls}
}

func (s *StaticClusterService) Start(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.started = true
	s.ls.Info(log_service.LogEvent{
		Message:  "Starting StaticClusterService",
		Metadata: map[string]any{"world": len(s.peers)},
	})
	return nil
}

func (s *StaticClusterService) Stop(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.started = false
	return nil
}

// Register checks self against the table. An empty address in the table is
// filled in.
func (s *StaticClusterService) Register(_ context.Context, self cluster.Member) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return cluster.ErrNotStarted
	}
	if self.Rank < 0 || self.Rank >= len(s.peers) {
		return fmt.Errorf("rank %d of %d: %w", self.Rank, len(s.peers), cluster.ErrUnknownRank)
	}
	switch s.peers[self.Rank] {
	case "":
		s.peers[self.Rank] = self.Address
	case self.Address:
	default:
		return fmt.Errorf("rank %d at %s, configured %s: %w", self.Rank, self.Address, s.peers[self.Rank], cluster.ErrRankTaken)
	}
	return nil
}

func (s *StaticClusterService) AwaitWorld(context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.started {
		return nil, cluster.ErrNotStarted
	}
	return append([]string(nil), s.peers...), nil
}

func (s *StaticClusterService) Members() ([]cluster.Member, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	members := make([]cluster.Member, len(s.peers))
	for r, addr := range s.peers {
		members[r] = cluster.Member{Rank: r, Address: addr, Status: cluster.RankStatusAlive}
	}
	return members, nil
}

// Watch never fires.
func (s *StaticClusterService) Watch(func(cluster.Member)) {}

var _ cluster.ClusterService = (*StaticClusterService)(nil)
