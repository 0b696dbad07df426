package etcd

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"

	cluster "github.com/AnishMulay/memstripe/internal/cluster_service"
	"github.com/AnishMulay/memstripe/internal/log_service"
)

const (
	EtcdDialTimeout = 5 * time.Second
	LeaseTTL        = 5 // seconds
	DefaultPrefix   = "/memstripe/"
	ranksDir        = "ranks/"
)

// EtcdClusterService registers each rank under a lease so that the world can
// be assembled without a peer table and a crashed rank is noticed when its
// lease expires.
type EtcdClusterService struct {
	mu        sync.RWMutex
	client    *clientv3.Client
	endpoints []string
	prefix    string
	world     int
	ls        log_service.LogService

	leaseID clientv3.LeaseID

	members map[int]cluster.Member
	// closed and replaced whenever members changes
	changed chan struct{}

	watchCallbacks []func(cluster.Member)

	stopOnce sync.Once
	stopCh   chan struct{}
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// NewEtcdClusterService creates the service for a world of the given size.
// prefix separates concurrent worlds sharing one etcd; empty means
// DefaultPrefix.
func NewEtcdClusterService(endpoints []string, prefix string, world int, ls log_service.LogService) *EtcdClusterService {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return &EtcdClusterService{
		endpoints: endpoints,
		prefix:    prefix,
		world:     world,
		ls:        ls,
		members:   make(map[int]cluster.Member),
		changed:   make(chan struct{}),
		stopCh:    make(chan struct{}),
	}
}

func (s *EtcdClusterService) key(rank int) string {
	return s.prefix + ranksDir + strconv.Itoa(rank)
}

func (s *EtcdClusterService) Start(ctx context.Context) error {
	s.ls.Info(log_service.LogEvent{
		Message:  "Starting EtcdClusterService",
		Metadata: map[string]any{"endpoints": s.endpoints, "prefix": s.prefix, "world": s.world},
	})

	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   s.endpoints,
		DialTimeout: EtcdDialTimeout,
	})
	if err != nil {
		return fmt.Errorf("failed to connect to etcd: %w", err)
	}
	s.client = cli

	rev, err := s.syncState(ctx)
	if err != nil {
		_ = cli.Close()
		return err
	}

	watchCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.wg.Add(1)
	go s.watchLoop(watchCtx, rev+1)
	return nil
}

func (s *EtcdClusterService) Stop(ctx context.Context) error {
	if s.client == nil {
		return nil
	}
	var err error
	s.stopOnce.Do(func() {
		s.ls.Info(log_service.LogEvent{Message: "Stopping EtcdClusterService"})
		close(s.stopCh)
		s.cancel()

		s.mu.RLock()
		leaseID := s.leaseID
		s.mu.RUnlock()
		if leaseID != 0 {
			if _, rerr := s.client.Revoke(ctx, leaseID); rerr != nil {
				s.ls.Warn(log_service.LogEvent{Message: "Failed to revoke lease during shutdown", Metadata: map[string]any{"error": rerr.Error()}})
			}
		}

		s.wg.Wait()
		err = s.client.Close()
	})
	return err
}

// Register claims self.Rank. The claim fails when another address holds the
// rank; a restart at the same address takes the slot over.
func (s *EtcdClusterService) Register(ctx context.Context, self cluster.Member) error {
	if s.client == nil {
		return cluster.ErrNotStarted
	}
	if self.Rank < 0 || self.Rank >= s.world {
		return fmt.Errorf("rank %d of %d: %w", self.Rank, s.world, cluster.ErrUnknownRank)
	}

	resp, err := s.client.Grant(ctx, LeaseTTL)
	if err != nil {
		return fmt.Errorf("failed to grant lease: %w", err)
	}
	leaseID := resp.ID

	self.Status = cluster.RankStatusAlive
	val, err := json.Marshal(self)
	if err != nil {
		return err
	}

	key := s.key(self.Rank)
	txn, err := s.client.Txn(ctx).
		If(clientv3.Compare(clientv3.CreateRevision(key), "=", 0)).
		Then(clientv3.OpPut(key, string(val), clientv3.WithLease(leaseID))).
		Else(clientv3.OpGet(key)).
		Commit()
	if err != nil {
		return fmt.Errorf("failed to put rank key: %w", err)
	}
	if !txn.Succeeded {
		var held cluster.Member
		if kvs := txn.Responses[0].GetResponseRange().GetKvs(); len(kvs) > 0 {
			_ = json.Unmarshal(kvs[0].Value, &held)
		}
		if held.Address != self.Address {
			_, _ = s.client.Revoke(ctx, leaseID)
			return fmt.Errorf("rank %d held by %s: %w", self.Rank, held.Address, cluster.ErrRankTaken)
		}
		if _, err := s.client.Put(ctx, key, string(val), clientv3.WithLease(leaseID)); err != nil {
			return fmt.Errorf("failed to put rank key: %w", err)
		}
	}

	s.mu.Lock()
	s.leaseID = leaseID
	s.mu.Unlock()

	s.ls.Info(log_service.LogEvent{
		Message:  "Rank registered in cluster",
		Metadata: map[string]any{"rank": self.Rank, "address": self.Address, "leaseID": int64(leaseID)},
	})

	s.wg.Add(1)
	go s.heartbeatLoop(leaseID)
	return nil
}

func (s *EtcdClusterService) heartbeatLoop(leaseID clientv3.LeaseID) {
	defer s.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, err := s.client.KeepAlive(ctx, leaseID)
	if err != nil {
		s.ls.Error(log_service.LogEvent{Message: "Failed to start keepalive channel", Metadata: map[string]any{"error": err.Error()}})
		return
	}

	for {
		select {
		case <-s.stopCh:
			return
		case _, ok := <-ch:
			if !ok {
				s.ls.Error(log_service.LogEvent{Message: "Etcd keepalive channel closed unexpectedly"})
				return
			}
		}
	}
}

// syncState loads the registered ranks and returns the revision they were
// read at.
func (s *EtcdClusterService) syncState(ctx context.Context) (int64, error) {
	resp, err := s.client.Get(ctx, s.prefix+ranksDir, clientv3.WithPrefix())
	if err != nil {
		return 0, err
	}
	for _, kv := range resp.Kvs {
		s.apply(true, string(kv.Key), kv.Value)
	}
	return resp.Header.Revision, nil
}

func (s *EtcdClusterService) watchLoop(ctx context.Context, rev int64) {
	defer s.wg.Done()

	watchCh := s.client.Watch(ctx, s.prefix+ranksDir, clientv3.WithPrefix(), clientv3.WithRev(rev))
	for {
		select {
		case <-s.stopCh:
			return
		case resp, ok := <-watchCh:
			if !ok {
				return
			}
			if err := resp.Err(); err != nil {
				s.ls.Warn(log_service.LogEvent{Message: "Etcd watch error", Metadata: map[string]any{"error": err.Error()}})
				continue
			}
			for _, ev := range resp.Events {
				s.apply(ev.Type == clientv3.EventTypePut, string(ev.Kv.Key), ev.Kv.Value)
			}
		}
	}
}

// apply records a put or delete of a rank key.
func (s *EtcdClusterService) apply(put bool, key string, value []byte) {
	rank, err := strconv.Atoi(strings.TrimPrefix(key, s.prefix+ranksDir))
	if err != nil || rank < 0 || rank >= s.world {
		s.ls.Warn(log_service.LogEvent{Message: "Ignoring unexpected cluster key", Metadata: map[string]any{"key": key}})
		return
	}

	s.mu.Lock()
	var lost *cluster.Member
	if put {
		var m cluster.Member
		if err := json.Unmarshal(value, &m); err != nil {
			s.mu.Unlock()
			s.ls.Warn(log_service.LogEvent{Message: "Ignoring malformed rank entry", Metadata: map[string]any{"key": key, "error": err.Error()}})
			return
		}
		m.Rank = rank
		m.Status = cluster.RankStatusAlive
		s.members[rank] = m
	} else if m, ok := s.members[rank]; ok && m.Status == cluster.RankStatusAlive {
		m.Status = cluster.RankStatusDown
		s.members[rank] = m
		lost = &m
	}
	close(s.changed)
	s.changed = make(chan struct{})
	callbacks := slices.Clone(s.watchCallbacks)
	s.mu.Unlock()

	if lost != nil {
		s.ls.Warn(log_service.LogEvent{Message: "Rank lost", Metadata: map[string]any{"rank": lost.Rank, "address": lost.Address}})
		for _, cb := range callbacks {
			go cb(*lost)
		}
	}
}

func (s *EtcdClusterService) AwaitWorld(ctx context.Context) ([]string, error) {
	for {
		s.mu.RLock()
		peers := make([]string, s.world)
		alive := 0
		for r, m := range s.members {
			if m.Status == cluster.RankStatusAlive {
				peers[r] = m.Address
				alive++
			}
		}
		changed := s.changed
		s.mu.RUnlock()

		if alive == s.world {
			return peers, nil
		}
		s.ls.Debug(log_service.LogEvent{Message: "Waiting for ranks", Metadata: map[string]any{"alive": alive, "world": s.world}})

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-s.stopCh:
			return nil, cluster.ErrNotStarted
		case <-changed:
		}
	}
}

func (s *EtcdClusterService) Members() ([]cluster.Member, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	members := make([]cluster.Member, s.world)
	for r := range members {
		m, ok := s.members[r]
		if !ok {
			m = cluster.Member{Rank: r, Status: cluster.RankStatusUnknown}
		}
		members[r] = m
	}
	return members, nil
}

func (s *EtcdClusterService) Watch(callback func(cluster.Member)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.watchCallbacks = append(s.watchCallbacks, callback)
}

var _ cluster.ClusterService = (*EtcdClusterService)(nil)
