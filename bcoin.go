package lnstack

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"strings"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/rpcclient"
	log "github.com/sirupsen/logrus"
)

type BitcoinClient struct {
	client  *rpcclient.Client
	network Network
}

// ZMQNotification is one entry of bitcoind's getzmqnotifications reply.
type ZMQNotification struct {
	Type    string `json:"type"`
	Address string `json:"address"`
	HWM     int    `json:"hwm"`
}

func NewBitcoinClient(config BitcoinClientConfig, network Network) (*BitcoinClient, error) {
	params, err := network.Params()
	if err != nil {
		return nil, err
	}

	connCfg := &rpcclient.ConnConfig{
		Host:         net.JoinHostPort(config.Host, config.Port),
		User:         config.User,
		Pass:         config.Password,
		Params:       params.Name,
		HTTPPostMode: true, // bitcoind only supports HTTP POST mode
		DisableTLS:   true,
	}

	client, err := rpcclient.New(connCfg, nil)
	if err != nil {
		return nil, fmt.Errorf("create bitcoind rpc client: %w", err)
	}

	log.WithField("host", connCfg.Host).Debug("bitcoind client ready")
	return &BitcoinClient{client: client, network: network}, nil
}

func (bc *BitcoinClient) Close() {
	bc.client.Shutdown()
}

// await runs a blocking rpcclient call and gives up once ctx is done.
func await[T any](ctx context.Context, method string, fn func() (T, error)) (T, error) {
	var zero T
	if err := ctx.Err(); err != nil {
		return zero, err
	}

	type result struct {
		v   T
		err error
	}
	done := make(chan result, 1)
	go func() {
		v, err := fn()
		done <- result{v, err}
	}()

	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	case r := <-done:
		if r.err != nil {
			return zero, fmt.Errorf("%s: %w", method, r.err)
		}
		return r.v, nil
	}
}

func (bc *BitcoinClient) Ping(ctx context.Context) error {
	_, err := await(ctx, "getblockcount", bc.client.GetBlockCount)
	return err
}

// ChainInfo goes through a raw request: rpcclient's GetBlockChainInfo
// first asks the backend for its version, which needs getnetworkinfo.
func (bc *BitcoinClient) ChainInfo(ctx context.Context) (*btcjson.GetBlockChainInfoResult, error) {
	raw, err := await(ctx, "getblockchaininfo", func() (json.RawMessage, error) {
		return bc.client.RawRequest("getblockchaininfo", nil)
	})
	if err != nil {
		return nil, err
	}

	var info btcjson.GetBlockChainInfoResult
	if err := json.Unmarshal(raw, &info); err != nil {
		return nil, fmt.Errorf("getblockchaininfo: decode result: %w", err)
	}
	return &info, nil
}

func (bc *BitcoinClient) ZMQNotifications(ctx context.Context) ([]ZMQNotification, error) {
	res, err := await(ctx, "getzmqnotifications", bc.client.GetZmqNotifications)
	if err != nil {
		return nil, err
	}

	ns := make([]ZMQNotification, 0, len(res))
	for _, n := range res {
		zn := ZMQNotification{Type: n.Type, HWM: n.HighWaterMark}
		if n.Address != nil {
			zn.Address = n.Address.String()
		}
		ns = append(ns, zn)
	}
	return ns, nil
}

// CheckChain verifies the daemon runs the chain the client was built for.
func (bc *BitcoinClient) CheckChain(ctx context.Context) error {
	info, err := bc.ChainInfo(ctx)
	if err != nil {
		return err
	}
	return verifyChain(info, bc.network)
}

func verifyChain(info *btcjson.GetBlockChainInfoResult, network Network) error {
	if want := chainName(network); info.Chain != want {
		return fmt.Errorf("bitcoind runs chain %q, expected %q", info.Chain, want)
	}
	return nil
}

func chainName(n Network) string {
	switch n {
	case Testnet:
		return "test"
	case Mainnet:
		return "main"
	}
	return string(n)
}

// CheckZMQ verifies the running daemon publishes every ZMQ topic the
// service declares, on the declared port.
func CheckZMQ(svc *Service, published []ZMQNotification) error {
	flags := ParseFlags(svc.Command)

	var missing []string
	for _, topic := range []string{TopicRawBlock, TopicRawTx} {
		want, ok := flags["zmqpub"+topic]
		if !ok {
			continue
		}
		_, wantPort, err := ZMQEndpoint(want)
		if err != nil {
			return err
		}

		found := false
		for _, n := range published {
			if strings.TrimPrefix(n.Type, "pub") != topic {
				continue
			}
			if _, port, err := ZMQEndpoint(n.Address); err == nil && port == wantPort {
				found = true
				break
			}
		}
		if !found {
			missing = append(missing, fmt.Sprintf("%s on port %d", topic, wantPort))
		}
	}

	if len(missing) > 0 {
		return fmt.Errorf("%s does not publish %s", svc.Name, strings.Join(missing, ", "))
	}
	return nil
}
