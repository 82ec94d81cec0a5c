package lnstack

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/lightningnetwork/lnd/lntest/wait"
	log "github.com/sirupsen/logrus"
)

var ErrNotSynced = errors.New("not synced to chain")

// pollNoError retries f with wait.NoError until it succeeds or timeout
// passes, and returns ctx.Err() as soon as ctx is done.
func pollNoError(ctx context.Context, f func(context.Context) error,
	timeout time.Duration) error {

	if err := ctx.Err(); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- wait.NoError(func() error {
			// Ends the poll loop; the caller already returned.
			if ctx.Err() != nil {
				return nil
			}
			return f(ctx)
		}, timeout)
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-done:
		if cerr := ctx.Err(); cerr != nil {
			return cerr
		}
		return err
	}
}

// WaitForBitcoind polls until bitcoind answers RPC calls.
func WaitForBitcoind(ctx context.Context, bc *BitcoinClient, timeout time.Duration) error {
	if err := pollNoError(ctx, bc.Ping, timeout); err != nil {
		return fmt.Errorf("bitcoind not ready: %w", err)
	}
	return nil
}

// WaitForLnd polls until the node answers and is synced to chain.
func WaitForLnd(ctx context.Context, node *Node, timeout time.Duration) (*LnInfo, error) {
	var info *LnInfo
	err := pollNoError(ctx, func(ctx context.Context) error {
		i, err := node.Info(ctx)
		if err != nil {
			return err
		}
		if !i.SyncedToChain {
			return fmt.Errorf("%s at height %d: %w", node.Name, i.BlockHeight, ErrNotSynced)
		}
		info = i
		return nil
	}, timeout)
	if err != nil {
		return nil, fmt.Errorf("lnd %s not ready: %w", node.Name, err)
	}
	return info, nil
}

type NodeStatus struct {
	Name string
	Info *LnInfo
	Err  error
}

type StackStatus struct {
	Chain    *btcjson.GetBlockChainInfoResult
	ChainErr error
	ZMQ      []ZMQNotification
	ZMQErr   error
	Nodes    []NodeStatus
}

// Healthy reports whether every checked component answered correctly.
func (s *StackStatus) Healthy() bool {
	if s.ChainErr != nil || s.ZMQErr != nil {
		return false
	}
	for _, n := range s.Nodes {
		if n.Err != nil {
			return false
		}
	}
	return true
}

// CollectStatus queries bitcoind and every node once. Failures are recorded
// in the result rather than returned.
func CollectStatus(ctx context.Context, svc *Service, bc *BitcoinClient, nodes []*Node) *StackStatus {
	st := &StackStatus{}

	st.Chain, st.ChainErr = bc.ChainInfo(ctx)
	if st.ChainErr == nil {
		st.ChainErr = verifyChain(st.Chain, bc.network)
	}

	st.ZMQ, st.ZMQErr = bc.ZMQNotifications(ctx)
	if st.ZMQErr == nil && svc != nil {
		st.ZMQErr = CheckZMQ(svc, st.ZMQ)
	}

	for _, node := range nodes {
		info, err := node.Info(ctx)
		if err != nil {
			log.WithField("node", node.Name).Warnf("status: %v", err)
		}
		st.Nodes = append(st.Nodes, NodeStatus{Name: node.Name, Info: info, Err: err})
	}

	return st
}
