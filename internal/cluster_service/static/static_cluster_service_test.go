package static

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cluster "github.com/AnishMulay/memstripe/internal/cluster_service"
	"github.com/AnishMulay/memstripe/internal/log_service"
)

func TestStaticClusterService(t *testing.T) {
	ctx := context.Background()
	s := NewStaticClusterService([]string{"a:1", "", "c:3"}, log_service.NewNopLogService())

	_, err := s.AwaitWorld(ctx)
	assert.ErrorIs(t, err, cluster.ErrNotStarted)
	assert.ErrorIs(t, s.Register(ctx, cluster.Member{Rank: 0, Address: "a:1"}), cluster.ErrNotStarted)

	require.NoError(t, s.Start(ctx))
	tests := []struct {
		name    string
		self    cluster.Member
		wantErr error
	}{
		{name: "matching address", self: cluster.Member{Rank: 0, Address: "a:1"}},
		{name: "fills empty slot", self: cluster.Member{Rank: 1, Address: "b:2"}},
		{name: "conflicting address", self: cluster.Member{Rank: 2, Address: "x:9"}, wantErr: cluster.ErrRankTaken},
		{name: "rank too large", self: cluster.Member{Rank: 3}, wantErr: cluster.ErrUnknownRank},
		{name: "negative rank", self: cluster.Member{Rank: -1}, wantErr: cluster.ErrUnknownRank},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := s.Register(ctx, tt.self)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			assert.NoError(t, err)
		})
	}

	peers, err := s.AwaitWorld(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a:1", "b:2", "c:3"}, peers)

	members, err := s.Members()
	require.NoError(t, err)
	require.Len(t, members, 3)
	for r, m := range members {
		assert.Equal(t, r, m.Rank)
		assert.Equal(t, cluster.RankStatusAlive, m.Status)
	}
	require.NoError(t, s.Stop(ctx))
}
