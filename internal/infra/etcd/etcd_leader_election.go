package etcd

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"corpus-dispatch/internal/domain"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"
)

type etcdLeaderElectionManager struct {
	client   *clientv3.Client
	key      string
	session  *concurrency.Session
	election *concurrency.Election
	isLeader bool
	mutex    sync.RWMutex
	nodeID   string
	ttl      time.Duration
	logger   *slog.Logger
}

// NewEtcdLeaderElectionManager creates a manager that campaigns on key. At
// most one dispatcher holds the key; its lease expires ttl after it dies.
func NewEtcdLeaderElectionManager(client *clientv3.Client, key, nodeID string, ttl time.Duration, logger *slog.Logger) domain.LeaderElectionManager {
	return &etcdLeaderElectionManager{
		client: client,
		key:    key,
		nodeID: nodeID,
		ttl:    ttl,
		logger: logger.With("component", "leader-election"),
	}
}

func (m *etcdLeaderElectionManager) Campaign(ctx context.Context) (<-chan struct{}, error) {
	session, err := concurrency.NewSession(m.client,
		concurrency.WithTTL(int(m.ttl.Seconds())),
		concurrency.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("failed to create etcd session: %w", err)
	}
	election := concurrency.NewElection(session, m.key)

	// blocks until this node wins or ctx is done
	if err := election.Campaign(ctx, m.nodeID); err != nil {
		session.Close()
		return nil, fmt.Errorf("campaign on %s: %w", m.key, err)
	}

	m.mutex.Lock()
	m.session = session
	m.election = election
	m.isLeader = true
	m.mutex.Unlock()
	m.logger.Info("successfully campaigned and became the leader", "node_id", m.nodeID, "key", m.key)

	// closed when the lease is lost
	return session.Done(), nil
}

func (m *etcdLeaderElectionManager) Resign(ctx context.Context) error {
	m.mutex.Lock()
	session, election := m.session, m.election
	m.session, m.election = nil, nil
	m.isLeader = false
	m.mutex.Unlock()

	if election == nil {
		return nil
	}
	m.logger.Info("resigning leadership", "node_id", m.nodeID)
	err := election.Resign(ctx)
	if cerr := session.Close(); err == nil {
		err = cerr
	}
	return err
}

func (m *etcdLeaderElectionManager) IsLeader() bool {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return m.isLeader
}
