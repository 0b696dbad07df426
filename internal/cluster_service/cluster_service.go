// Package cluster_service tells a rank where the other ranks of its world
// are and whether they are still there.
package cluster_service

import (
	"context"
	"errors"
)

var (
	ErrUnknownRank = errors.New("rank outside the world")
	ErrRankTaken   = errors.New("rank already registered by another address")
	ErrNotStarted  = errors.New("cluster service not started")
)

// RankStatus is the liveness state of a rank.
type RankStatus int

const (
	RankStatusUnknown RankStatus = iota
	RankStatusAlive
	RankStatusDown
)

func (s RankStatus) String() string {
	switch s {
	case RankStatusAlive:
		return "Alive"
	case RankStatusDown:
		return "Down"
	default:
		return "Unknown"
	}
}

// Member is one rank of the world.
type Member struct {
	Rank    int        `json:"rank"`
	Address string     `json:"address"`
	Status  RankStatus `json:"-"`
}

type ClusterService interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error

	// Register announces this rank. It stays registered until Stop.
	Register(ctx context.Context, self Member) error

	// AwaitWorld blocks until every rank has registered and returns their
	// addresses indexed by rank.
	AwaitWorld(ctx context.Context) ([]string, error)

	// Members returns every known rank with its current status.
	Members() ([]Member, error)

	// Watch registers a callback run when a registered rank goes away. A
	// lost rank cannot be replaced; the world has to be restarted.
	Watch(callback func(Member))
}
