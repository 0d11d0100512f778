package leader

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"
)

const ExecutorLeadershipKey = "/indexer-agent/executor-leader"

// Elector keeps a single replica acting as the leader through an etcd election.
type Elector struct {
	nodeID string
	key    string
	ttl    int
	etcd   *clientv3.Client
	leader atomic.Bool

	guard    sync.Mutex
	stop     context.CancelFunc
	session  *concurrency.Session
	election *concurrency.Election
}

func New(etcdHosts []string, nodeID, key string, ttlSeconds int) (*Elector, error) {
	clnt, err := clientv3.New(clientv3.Config{
		Endpoints:   etcdHosts,
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create etcd client: %w", err)
	}
	return NewWithClient(clnt, nodeID, key, ttlSeconds), nil
}

func NewWithClient(clnt *clientv3.Client, nodeID, key string, ttlSeconds int) *Elector {
	if ttlSeconds <= 0 {
		ttlSeconds = 10
	}
	if key == "" {
		key = ExecutorLeadershipKey
	}
	return &Elector{
		nodeID: nodeID,
		key:    key,
		ttl:    ttlSeconds,
		etcd:   clnt,
	}
}

func (e *Elector) IsLeader() bool {
	return e.leader.Load()
}

// Run campaigns until ctx is done. Lost leadership starts a new campaign.
func (e *Elector) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	e.guard.Lock()
	e.stop = cancel
	e.guard.Unlock()

	for {
		won, lost, err := e.becomeLeader(ctx)
		if err != nil {
			log.Error().Err(err).Msg("leader election failed, retry")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
				continue
			}
		}
		if !won {
			return nil
		}
		e.leader.Store(true)

		select {
		case <-ctx.Done():
			e.leader.Store(false)
			return nil
		case <-lost:
			e.leader.Store(false)
			log.Warn().Msgf("instance lost leadership for %s", e.key)
		}
	}
}

func (e *Elector) becomeLeader(ctx context.Context) (bool, <-chan struct{}, error) {
	session, err := concurrency.NewSession(
		e.etcd,
		concurrency.WithContext(ctx),
		concurrency.WithTTL(e.ttl),
	)
	if err != nil {
		return false, nil, fmt.Errorf("failed to create session: %w", err)
	}
	election := concurrency.NewElection(session, e.key)
	e.guard.Lock()
	e.session = session
	e.election = election
	e.guard.Unlock()

	for {
		err = election.Campaign(ctx, e.nodeID)
		if errors.Is(err, concurrency.ErrElectionNotLeader) {
			continue
		}
		if errors.Is(err, context.Canceled) {
			return false, nil, nil
		}
		if err != nil {
			_ = session.Close()
			return false, nil, err
		}
		log.Warn().Msgf("instance %s won leader election for %s", e.nodeID, e.key)
		return true, session.Done(), nil
	}
}

// Close resigns if this instance leads and releases the etcd client.
func (e *Elector) Close(ctx context.Context) error {
	e.guard.Lock()
	defer e.guard.Unlock()

	if e.stop != nil {
		e.stop()
	}
	if e.election != nil {
		if err := e.election.Resign(ctx); err != nil {
			log.Error().Err(err).Msg("failed to gracefully resign leader")
		}
	}
	if e.session != nil {
		if err := e.session.Close(); err != nil {
			log.Error().Err(err).Msg("failed to destroy session")
		}
	}
	e.leader.Store(false)
	if err := e.etcd.Close(); err != nil {
		log.Error().Err(err).Msg("failed to close etcd client")
		return err
	}
	return nil
}
