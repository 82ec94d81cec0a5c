package lnstack

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/lightningnetwork/lnd/lnrpc"
	log "github.com/sirupsen/logrus"
)

// closeTargetConf is the confirmation target for cooperative closes.
const closeTargetConf = 6

// NodeURI is a lightning node address of the form pubkey@host[:port].
type NodeURI struct {
	Pubkey *btcec.PublicKey
	Host   string
}

func ParseNodeURI(s string) (*NodeURI, error) {
	if s == "" {
		return nil, errors.New("node URI must not be empty")
	}
	pub, host, ok := strings.Cut(s, "@")
	if !ok || host == "" {
		return nil, fmt.Errorf("node URI %q must contain @ with the node's network address", s)
	}

	raw, err := hex.DecodeString(pub)
	if err != nil {
		return nil, fmt.Errorf("node URI %q: pubkey is not hex", s)
	}
	if len(raw) != secp256k1.PubKeyBytesLenCompressed {
		return nil, fmt.Errorf("node URI %q: pubkey must be %d bytes compressed",
			s, secp256k1.PubKeyBytesLenCompressed)
	}
	key, err := btcec.ParsePubKey(raw)
	if err != nil {
		return nil, fmt.Errorf("node URI %q: %w", s, err)
	}

	if _, port, err := net.SplitHostPort(host); err == nil {
		if _, err := strconv.ParseUint(port, 10, 16); err != nil {
			return nil, fmt.Errorf("node URI %q: bad port", s)
		}
	}

	return &NodeURI{Pubkey: key, Host: host}, nil
}

func (u *NodeURI) PubkeyHex() string {
	return hex.EncodeToString(u.Pubkey.SerializeCompressed())
}

func (u *NodeURI) String() string {
	return u.PubkeyHex() + "@" + u.Host
}

// ConnectPeer connects to the node at uri. Being connected already is not
// an error.
func (n *Node) ConnectPeer(ctx context.Context, uri string) error {
	target, err := ParseNodeURI(uri)
	if err != nil {
		return err
	}

	_, err = n.client.ConnectPeer(ctx, &lnrpc.ConnectPeerRequest{
		Addr: &lnrpc.LightningAddress{
			Pubkey: target.PubkeyHex(),
			Host:   target.Host,
		},
		Timeout: 10,
	})
	err = wrapLndErr("connect peer", err)
	if errors.Is(err, ErrAlreadyConnected) {
		log.WithField("node", n.Name).Debugf("already connected to %s", target.PubkeyHex())
		return nil
	}
	return err
}

// OpenChannel connects to the peer and opens a channel funded with amount.
// It returns the funding transaction id.
func (n *Node) OpenChannel(ctx context.Context, amount btcutil.Amount, uri string,
	targetConf int32) (string, error) {

	if amount < 1 {
		return "", errors.New("funding amount needs to be positive")
	}
	if targetConf < 1 {
		return "", errors.New("target confs needs to be positive")
	}
	target, err := ParseNodeURI(uri)
	if err != nil {
		return "", err
	}

	if err := n.ConnectPeer(ctx, uri); err != nil {
		return "", err
	}

	point, err := n.client.OpenChannelSync(ctx, &lnrpc.OpenChannelRequest{
		NodePubkey:         target.Pubkey.SerializeCompressed(),
		LocalFundingAmount: int64(amount),
		TargetConf:         targetConf,
	})
	if err != nil {
		return "", wrapLndErr("open channel", err)
	}

	txid, err := fundingTxid(point)
	if err != nil {
		return "", err
	}

	log.WithFields(log.Fields{
		"node":   n.Name,
		"peer":   target.PubkeyHex(),
		"amount": amount,
	}).Infof("channel funding tx %s", txid)
	return txid, nil
}

func fundingTxid(point *lnrpc.ChannelPoint) (string, error) {
	switch f := point.GetFundingTxid().(type) {
	case *lnrpc.ChannelPoint_FundingTxidStr:
		return f.FundingTxidStr, nil
	case *lnrpc.ChannelPoint_FundingTxidBytes:
		hash, err := chainhash.NewHash(f.FundingTxidBytes)
		if err != nil {
			return "", err
		}
		return hash.String(), nil
	}
	return "", errors.New("channel point without funding txid")
}

type Channel struct {
	ChannelID     uint64
	ChannelPoint  string
	PeerPubkey    string
	PeerAlias     string
	Capacity      btcutil.Amount
	LocalBalance  btcutil.Amount
	RemoteBalance btcutil.Amount
	Active        bool
	Pending       bool
	Initiator     bool
}

// ListChannels returns open channels followed by channels pending open.
func (n *Node) ListChannels(ctx context.Context) ([]Channel, error) {
	open, err := n.client.ListChannels(ctx, &lnrpc.ListChannelsRequest{
		PeerAliasLookup: true,
	})
	if err != nil {
		return nil, wrapLndErr("list channels", err)
	}

	channels := make([]Channel, 0, len(open.Channels))
	for _, c := range open.Channels {
		channels = append(channels, Channel{
			ChannelID:     c.ChanId,
			ChannelPoint:  c.ChannelPoint,
			PeerPubkey:    c.RemotePubkey,
			PeerAlias:     c.PeerAlias,
			Capacity:      btcutil.Amount(c.Capacity),
			LocalBalance:  btcutil.Amount(c.LocalBalance),
			RemoteBalance: btcutil.Amount(c.RemoteBalance),
			Active:        c.Active,
			Initiator:     c.Initiator,
		})
	}

	pending, err := n.client.PendingChannels(ctx, &lnrpc.PendingChannelsRequest{})
	if err != nil {
		return nil, wrapLndErr("pending channels", err)
	}
	for _, pc := range pending.PendingOpenChannels {
		c := pc.GetChannel()
		if c == nil {
			continue
		}
		channels = append(channels, Channel{
			ChannelPoint:  c.ChannelPoint,
			PeerPubkey:    c.RemoteNodePub,
			PeerAlias:     n.peerAlias(ctx, c.RemoteNodePub),
			Capacity:      btcutil.Amount(c.Capacity),
			LocalBalance:  btcutil.Amount(c.LocalBalance),
			RemoteBalance: btcutil.Amount(c.RemoteBalance),
			Pending:       true,
			Initiator:     c.Initiator == lnrpc.Initiator_INITIATOR_LOCAL,
		})
	}

	return channels, nil
}

func (n *Node) peerAlias(ctx context.Context, pubkey string) string {
	resp, err := n.client.GetNodeInfo(ctx, &lnrpc.NodeInfoRequest{PubKey: pubkey})
	if err != nil {
		return ""
	}
	return resp.GetNode().GetAlias()
}

// ParseChannelPoint parses txid:index.
func ParseChannelPoint(s string) (*lnrpc.ChannelPoint, error) {
	txid, idx, ok := strings.Cut(s, ":")
	if !ok {
		return nil, fmt.Errorf("channel point %q must be txid:index", s)
	}
	if _, err := chainhash.NewHashFromStr(txid); err != nil || len(txid) != 2*chainhash.HashSize {
		return nil, fmt.Errorf("channel point %q: bad txid", s)
	}
	index, err := strconv.ParseUint(idx, 10, 32)
	if err != nil {
		return nil, fmt.Errorf("channel point %q: bad output index", s)
	}
	return &lnrpc.ChannelPoint{
		FundingTxid: &lnrpc.ChannelPoint_FundingTxidStr{FundingTxidStr: txid},
		OutputIndex: uint32(index),
	}, nil
}

// CloseChannel starts closing the channel and returns the closing txid once
// lnd reports it pending.
func (n *Node) CloseChannel(ctx context.Context, channelPoint string, force bool) (string, error) {
	point, err := ParseChannelPoint(channelPoint)
	if err != nil {
		return "", err
	}

	req := &lnrpc.CloseChannelRequest{ChannelPoint: point, Force: force}
	if !force {
		req.TargetConf = closeTargetConf
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	stream, err := n.client.CloseChannel(ctx, req)
	if err != nil {
		return "", wrapLndErr("close channel", err)
	}

	for {
		update, err := stream.Recv()
		if err == io.EOF {
			return "", errors.New("close channel: stream ended before close was pending")
		}
		if err != nil {
			return "", wrapLndErr("close channel", err)
		}

		if pending := update.GetClosePending(); pending != nil {
			hash, err := chainhash.NewHash(pending.Txid)
			if err != nil {
				return "", err
			}
			log.WithField("node", n.Name).Infof("closing %s in tx %s", channelPoint, hash)
			return hash.String(), nil
		}
	}
}
