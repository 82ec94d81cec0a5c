package lnstack

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/lightningnetwork/lnd/lnrpc"
	"github.com/lightningnetwork/lnd/lnrpc/routerrpc"
	"github.com/lightningnetwork/lnd/lnrpc/walletrpc"
	"google.golang.org/grpc/status"
)

var (
	ErrWalletLocked      = errors.New("wallet is locked")
	ErrInvalidAddress    = errors.New("invalid destination address")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrInvalidPayReq     = errors.New("invalid payment request")
	ErrAlreadyPaid       = errors.New("invoice is already paid")
	ErrAlreadyConnected  = errors.New("already connected to peer")
)

// lndErrors maps substrings of lnd error messages onto our sentinels.
var lndErrors = []struct {
	match string
	err   error
}{
	{"wallet locked", ErrWalletLocked},
	{"invalid bech32 string", ErrInvalidAddress},
	{"insufficient funds available", ErrInsufficientFunds},
	{"invoice is already paid", ErrAlreadyPaid},
	{"already connected to peer", ErrAlreadyConnected},
}

func wrapLndErr(op string, err error) error {
	if err == nil {
		return nil
	}
	msg := status.Convert(err).Message()
	for _, e := range lndErrors {
		if strings.Contains(msg, e.match) {
			return fmt.Errorf("%s: %w: %s", op, e.err, msg)
		}
	}
	return fmt.Errorf("%s: %s", op, msg)
}

// Node drives one lnd instance of the stack.
type Node struct {
	Name    string
	network Network

	client   lnrpc.LightningClient
	router   routerrpc.RouterClient
	wallet   walletrpc.WalletKitClient
	unlocker lnrpc.WalletUnlockerClient

	memos *lru.Cache[string, string]
}

const memoCacheSize = 512

func NewNode(name string, network Network, lc *LndClient) *Node {
	// Only fails for a non-positive size.
	memos, _ := lru.New[string, string](memoCacheSize)

	return &Node{
		Name:     name,
		network:  network,
		client:   lc.client,
		router:   lc.router,
		wallet:   lc.wallet,
		unlocker: lc.unlocker,
		memos:    memos,
	}
}

type LnInfo struct {
	Pubkey              string
	Alias               string
	Color               string
	Version             string
	Chain               string
	Network             string
	BlockHeight         uint32
	BlockHash           string
	SyncedToChain       bool
	SyncedToGraph       bool
	NumPeers            uint32
	NumActiveChannels   uint32
	NumPendingChannels  uint32
	NumInactiveChannels uint32
	URIs                []string
}

func (n *Node) Info(ctx context.Context) (*LnInfo, error) {
	resp, err := n.client.GetInfo(ctx, &lnrpc.GetInfoRequest{})
	if err != nil {
		return nil, wrapLndErr("get info", err)
	}

	info := &LnInfo{
		Pubkey:              resp.IdentityPubkey,
		Alias:               resp.Alias,
		Color:               resp.Color,
		Version:             resp.Version,
		BlockHeight:         resp.BlockHeight,
		BlockHash:           resp.BlockHash,
		SyncedToChain:       resp.SyncedToChain,
		SyncedToGraph:       resp.SyncedToGraph,
		NumPeers:            resp.NumPeers,
		NumActiveChannels:   resp.NumActiveChannels,
		NumPendingChannels:  resp.NumPendingChannels,
		NumInactiveChannels: resp.NumInactiveChannels,
		URIs:                resp.Uris,
	}
	if len(resp.Chains) > 0 {
		info.Chain = resp.Chains[0].Chain
		info.Network = resp.Chains[0].Network
	}
	return info, nil
}

type WalletBalance struct {
	OnchainConfirmed   btcutil.Amount
	OnchainUnconfirmed btcutil.Amount
	OnchainTotal       btcutil.Amount
	OnchainLocked      btcutil.Amount

	ChannelLocal             btcutil.Amount
	ChannelRemote            btcutil.Amount
	ChannelPendingOpenLocal  btcutil.Amount
	ChannelPendingOpenRemote btcutil.Amount
	ChannelUnsettledLocal    btcutil.Amount
	ChannelUnsettledRemote   btcutil.Amount
}

func (n *Node) WalletBalance(ctx context.Context) (*WalletBalance, error) {
	onchain, err := n.client.WalletBalance(ctx, &lnrpc.WalletBalanceRequest{})
	if err != nil {
		return nil, wrapLndErr("wallet balance", err)
	}
	channel, err := n.client.ChannelBalance(ctx, &lnrpc.ChannelBalanceRequest{})
	if err != nil {
		return nil, wrapLndErr("channel balance", err)
	}

	return &WalletBalance{
		OnchainConfirmed:   btcutil.Amount(onchain.ConfirmedBalance),
		OnchainUnconfirmed: btcutil.Amount(onchain.UnconfirmedBalance),
		OnchainTotal:       btcutil.Amount(onchain.TotalBalance),
		OnchainLocked:      btcutil.Amount(onchain.LockedBalance),

		ChannelLocal:             btcutil.Amount(channel.GetLocalBalance().GetSat()),
		ChannelRemote:            btcutil.Amount(channel.GetRemoteBalance().GetSat()),
		ChannelPendingOpenLocal:  btcutil.Amount(channel.GetPendingOpenLocalBalance().GetSat()),
		ChannelPendingOpenRemote: btcutil.Amount(channel.GetPendingOpenRemoteBalance().GetSat()),
		ChannelUnsettledLocal:    btcutil.Amount(channel.GetUnsettledLocalBalance().GetSat()),
		ChannelUnsettledRemote:   btcutil.Amount(channel.GetUnsettledRemoteBalance().GetSat()),
	}, nil
}

type AddressType string

const (
	AddressP2WKH  AddressType = "p2wkh"
	AddressNP2WKH AddressType = "np2wkh"
	AddressP2TR   AddressType = "p2tr"
)

func (t AddressType) proto() (lnrpc.AddressType, error) {
	switch t {
	case AddressP2WKH, "":
		return lnrpc.AddressType_WITNESS_PUBKEY_HASH, nil
	case AddressNP2WKH:
		return lnrpc.AddressType_NESTED_PUBKEY_HASH, nil
	case AddressP2TR:
		return lnrpc.AddressType_TAPROOT_PUBKEY, nil
	}
	return 0, fmt.Errorf("unknown address type %q", t)
}

func (n *Node) NewAddress(ctx context.Context, t AddressType) (string, error) {
	addrType, err := t.proto()
	if err != nil {
		return "", err
	}
	resp, err := n.client.NewAddress(ctx, &lnrpc.NewAddressRequest{Type: addrType})
	if err != nil {
		return "", wrapLndErr("new address", err)
	}
	return resp.Address, nil
}

type SendCoinsInput struct {
	Address     string
	Amount      btcutil.Amount
	TargetConf  int32
	SatPerVbyte uint64
	MinConfs    int32
	SendAll     bool
	Label       string
}

type SendCoinsResponse struct {
	Txid    string
	Address string
	Amount  btcutil.Amount
	Label   string
}

func (n *Node) SendCoins(ctx context.Context, in SendCoinsInput) (*SendCoinsResponse, error) {
	params, err := n.network.Params()
	if err != nil {
		return nil, err
	}
	addr, err := btcutil.DecodeAddress(in.Address, params)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}
	if !addr.IsForNet(params) {
		return nil, fmt.Errorf("%w: %s is not a %s address", ErrInvalidAddress,
			in.Address, params.Name)
	}
	switch {
	case in.SendAll && in.Amount != 0:
		return nil, errors.New("amount must be zero when sending all funds")
	case !in.SendAll && in.Amount <= 0:
		return nil, errors.New("amount must be positive")
	case in.TargetConf != 0 && in.SatPerVbyte != 0:
		return nil, errors.New("set either target conf or sat per vbyte, not both")
	}

	minConfs := in.MinConfs
	if minConfs == 0 {
		minConfs = 1
	}

	resp, err := n.client.SendCoins(ctx, &lnrpc.SendCoinsRequest{
		Addr:        in.Address,
		Amount:      int64(in.Amount),
		TargetConf:  in.TargetConf,
		SatPerVbyte: in.SatPerVbyte,
		MinConfs:    minConfs,
		SendAll:     in.SendAll,
		Label:       in.Label,
	})
	if err != nil {
		return nil, wrapLndErr("send coins", err)
	}

	return &SendCoinsResponse{
		Txid:    resp.Txid,
		Address: in.Address,
		Amount:  in.Amount,
		Label:   in.Label,
	}, nil
}

type OnChainTx struct {
	TxHash        string
	Amount        btcutil.Amount
	Confirmations int32
	BlockHeight   int32
	Time          time.Time
	TotalFees     btcutil.Amount
	Label         string
	DestAddresses []string
}

// ListOnChainTx returns wallet transactions, newest first.
func (n *Node) ListOnChainTx(ctx context.Context) ([]OnChainTx, error) {
	resp, err := n.client.GetTransactions(ctx, &lnrpc.GetTransactionsRequest{})
	if err != nil {
		return nil, wrapLndErr("get transactions", err)
	}

	txs := make([]OnChainTx, 0, len(resp.Transactions))
	for i := len(resp.Transactions) - 1; i >= 0; i-- {
		tx := resp.Transactions[i]
		txs = append(txs, OnChainTx{
			TxHash:        tx.TxHash,
			Amount:        btcutil.Amount(tx.Amount),
			Confirmations: tx.NumConfirmations,
			BlockHeight:   tx.BlockHeight,
			Time:          time.Unix(tx.TimeStamp, 0),
			TotalFees:     btcutil.Amount(tx.TotalFees),
			Label:         tx.Label,
			DestAddresses: tx.DestAddresses,
		})
	}
	return txs, nil
}

type Utxo struct {
	Address       string
	Amount        btcutil.Amount
	Outpoint      string
	Confirmations int64
}

func (n *Node) ListUnspent(ctx context.Context, minConfs, maxConfs int32) ([]Utxo, error) {
	resp, err := n.wallet.ListUnspent(ctx, &walletrpc.ListUnspentRequest{
		MinConfs: minConfs,
		MaxConfs: maxConfs,
	})
	if err != nil {
		return nil, wrapLndErr("list unspent", err)
	}

	utxos := make([]Utxo, 0, len(resp.Utxos))
	for _, u := range resp.Utxos {
		utxos = append(utxos, Utxo{
			Address:       u.Address,
			Amount:        btcutil.Amount(u.AmountSat),
			Outpoint:      fmt.Sprintf("%s:%d", u.GetOutpoint().GetTxidStr(), u.GetOutpoint().GetOutputIndex()),
			Confirmations: u.Confirmations,
		})
	}
	return utxos, nil
}

type FeeRevenue struct {
	Day   btcutil.Amount
	Week  btcutil.Amount
	Month btcutil.Amount
}

func (n *Node) FeeRevenue(ctx context.Context) (*FeeRevenue, error) {
	resp, err := n.client.FeeReport(ctx, &lnrpc.FeeReportRequest{})
	if err != nil {
		return nil, wrapLndErr("fee report", err)
	}
	return &FeeRevenue{
		Day:   btcutil.Amount(resp.DayFeeSum),
		Week:  btcutil.Amount(resp.WeekFeeSum),
		Month: btcutil.Amount(resp.MonthFeeSum),
	}, nil
}

func (n *Node) UnlockWallet(ctx context.Context, password string) error {
	if password == "" {
		return errors.New("empty wallet password")
	}
	_, err := n.unlocker.UnlockWallet(ctx, &lnrpc.UnlockWalletRequest{
		WalletPassword: []byte(password),
	})
	if err != nil {
		msg := status.Convert(err).Message()
		if strings.Contains(msg, "invalid passphrase") {
			return fmt.Errorf("unlock wallet: wrong password")
		}
		if strings.Contains(msg, "wallet already unlocked") {
			return nil
		}
		return wrapLndErr("unlock wallet", err)
	}
	return nil
}
