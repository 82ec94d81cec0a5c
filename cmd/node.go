package main

import (
	"errors"
	"lnstack"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

// watchEvent is one line of `node watch` output; exactly one field is set.
type watchEvent struct {
	Invoice *lnstack.Invoice      `json:"invoice,omitempty"`
	Forward *lnstack.ForwardEvent `json:"forward,omitempty"`
	Info    *lnstack.LnInfo       `json:"info,omitempty"`
}

// newNodeCmd groups the per-node operations. Each subcommand dials the named
// node and closes the connection when done.
func newNodeCmd(getApp func() *app) *cobra.Command {
	var (
		node      *lnstack.Node
		closeNode func()
	)

	cmd := &cobra.Command{
		Use:   "node",
		Short: "Operate one lnd node of the stack",
	}

	// run wraps a subcommand body: args[0] is always the node name.
	run := func(f func(cmd *cobra.Command, ap *app, args []string) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			ap := getApp()
			var err error
			node, closeNode, err = ap.node(args[0])
			if err != nil {
				return err
			}
			defer closeNode()
			return f(cmd, ap, args[1:])
		}
	}

	sub := func(use, short string, nargs int, f func(cmd *cobra.Command, ap *app, args []string) error) *cobra.Command {
		return &cobra.Command{
			Use:   use,
			Short: short,
			Args:  cobra.ExactArgs(nargs + 1),
			RunE:  run(f),
		}
	}

	info := sub("info <name>", "Show node info", 0, func(cmd *cobra.Command, ap *app, args []string) error {
		i, err := node.Info(cmd.Context())
		if err != nil {
			return err
		}
		return ap.print(i)
	})

	balance := sub("balance <name>", "Show on-chain and channel balances", 0, func(cmd *cobra.Command, ap *app, args []string) error {
		b, err := node.WalletBalance(cmd.Context())
		if err != nil {
			return err
		}
		return ap.print(b)
	})

	var addrType string
	newAddress := sub("newaddress <name>", "Generate an on-chain address", 0, func(cmd *cobra.Command, ap *app, args []string) error {
		addr, err := node.NewAddress(cmd.Context(), lnstack.AddressType(addrType))
		if err != nil {
			return err
		}
		return ap.print(map[string]string{"address": addr})
	})
	newAddress.Flags().StringVar(&addrType, "type", string(lnstack.AddressP2WKH), "p2wkh, np2wkh or p2tr")

	var coins lnstack.SendCoinsInput
	sendCoins := sub("sendcoins <name> <address> [amount-sat]", "Send on-chain funds", 2, func(cmd *cobra.Command, ap *app, args []string) error {
		coins.Address = args[0]
		if !coins.SendAll {
			amt, err := strconv.ParseInt(args[1], 10, 64)
			if err != nil {
				return err
			}
			coins.Amount = btcutil.Amount(amt)
		}
		res, err := node.SendCoins(cmd.Context(), coins)
		if err != nil {
			return err
		}
		return ap.print(res)
	})
	// The amount is required unless the whole wallet is swept.
	sendCoins.Args = func(cmd *cobra.Command, args []string) error {
		if coins.SendAll {
			return cobra.ExactArgs(2)(cmd, args)
		}
		return cobra.ExactArgs(3)(cmd, args)
	}
	sendCoins.Flags().Int32Var(&coins.TargetConf, "conf", 0, "confirmation target")
	sendCoins.Flags().Uint64Var(&coins.SatPerVbyte, "sat-per-vbyte", 0, "fee rate")
	sendCoins.Flags().BoolVar(&coins.SendAll, "all", false, "sweep the wallet, amount is ignored")
	sendCoins.Flags().StringVar(&coins.Label, "label", "", "transaction label")

	txs := sub("txs <name>", "List on-chain transactions", 0, func(cmd *cobra.Command, ap *app, args []string) error {
		t, err := node.ListOnChainTx(cmd.Context())
		if err != nil {
			return err
		}
		return ap.print(t)
	})

	var (
		successfulOnly, allReversed bool
		allOffset, allMax           int
	)
	allTx := sub("alltx <name>", "List invoices, payments and on-chain transactions together", 0, func(cmd *cobra.Command, ap *app, args []string) error {
		t, err := node.ListAllTx(cmd.Context(), successfulOnly, allOffset, allMax, allReversed)
		if err != nil {
			return err
		}
		return ap.print(t)
	})
	allTx.Flags().BoolVar(&successfulOnly, "successful", false, "only settled entries")
	allTx.Flags().BoolVar(&allReversed, "reversed", true, "newest first")
	allTx.Flags().IntVar(&allOffset, "offset", 0, "skip this many entries")
	allTx.Flags().IntVar(&allMax, "max", 0, "return at most this many entries, 0 for all")

	utxos := sub("utxos <name>", "List wallet UTXOs", 0, func(cmd *cobra.Command, ap *app, args []string) error {
		u, err := node.ListUnspent(cmd.Context(), 0, 9999999)
		if err != nil {
			return err
		}
		return ap.print(u)
	})

	var (
		memo    string
		expiry  int64
		keysend bool
	)
	invoice := sub("invoice <name> <amount-msat>", "Create an invoice", 1, func(cmd *cobra.Command, ap *app, args []string) error {
		msat, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return err
		}
		inv, err := node.AddInvoice(cmd.Context(), msat, memo, expiry, keysend)
		if err != nil {
			return err
		}
		return ap.print(inv)
	})
	invoice.Flags().StringVar(&memo, "memo", "", "invoice description")
	invoice.Flags().Int64Var(&expiry, "expiry", 3600, "seconds until the invoice expires")
	invoice.Flags().BoolVar(&keysend, "keysend", false, "allow keysend payments")

	decode := sub("decode <name> <payreq>", "Decode a payment request", 1, func(cmd *cobra.Command, ap *app, args []string) error {
		pr, err := node.DecodePayReq(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return ap.print(pr)
	})

	var payment lnstack.SendPaymentInput
	pay := sub("pay <name> <payreq>", "Pay a lightning invoice", 1, func(cmd *cobra.Command, ap *app, args []string) error {
		payment.PayReq = args[0]
		p, err := node.SendPayment(cmd.Context(), payment)
		if p != nil {
			if perr := ap.print(p); perr != nil {
				return perr
			}
		}
		return err
	})
	pay.Flags().Int32Var(&payment.TimeoutSeconds, "timeout", 60, "payment timeout in seconds")
	pay.Flags().Int64Var(&payment.FeeLimitMsat, "fee-limit", 10000, "max routing fee in msat")
	pay.Flags().Int64Var(&payment.AmountMsat, "amount", 0, "amount in msat for zero amount invoices")

	var (
		pendingOnly bool
		invPage     page
	)
	invoices := sub("invoices <name>", "List invoices", 0, func(cmd *cobra.Command, ap *app, args []string) error {
		i, err := node.ListInvoices(cmd.Context(), pendingOnly, invPage.offset, invPage.max, invPage.reversed)
		if err != nil {
			return err
		}
		return ap.print(i)
	})
	invoices.Flags().BoolVar(&pendingOnly, "pending", false, "only unsettled invoices")
	invPage.register(invoices)

	var (
		incomplete bool
		payPage    page
	)
	payments := sub("payments <name>", "List payments", 0, func(cmd *cobra.Command, ap *app, args []string) error {
		p, err := node.ListPayments(cmd.Context(), incomplete, payPage.offset, payPage.max, payPage.reversed)
		if err != nil {
			return err
		}
		return ap.print(p)
	})
	payments.Flags().BoolVar(&incomplete, "incomplete", false, "include in-flight and failed payments")
	payPage.register(payments)

	fees := sub("fees <name>", "Show forwarding fee revenue", 0, func(cmd *cobra.Command, ap *app, args []string) error {
		f, err := node.FeeRevenue(cmd.Context())
		if err != nil {
			return err
		}
		return ap.print(f)
	})

	unlock := sub("unlock <name>", "Unlock the wallet with $LND_WALLET_PASSWORD", 0, func(cmd *cobra.Command, ap *app, args []string) error {
		password, ok := os.LookupEnv("LND_WALLET_PASSWORD")
		if !ok {
			return errors.New("LND_WALLET_PASSWORD is not set")
		}
		return node.UnlockWallet(cmd.Context(), password)
	})

	connect := sub("connect <name> <pubkey@host:port>", "Connect to a peer", 1, func(cmd *cobra.Command, ap *app, args []string) error {
		return node.ConnectPeer(cmd.Context(), args[0])
	})

	var targetConf int32
	openChannel := sub("openchannel <name> <pubkey@host:port> <amount-sat>", "Open a channel", 2, func(cmd *cobra.Command, ap *app, args []string) error {
		amt, err := strconv.ParseInt(args[1], 10, 64)
		if err != nil {
			return err
		}
		txid, err := node.OpenChannel(cmd.Context(), btcutil.Amount(amt), args[0], targetConf)
		if err != nil {
			return err
		}
		return ap.print(map[string]string{"funding_txid": txid})
	})
	openChannel.Flags().Int32Var(&targetConf, "conf", 3, "funding confirmation target")

	channels := sub("channels <name>", "List open and pending channels", 0, func(cmd *cobra.Command, ap *app, args []string) error {
		c, err := node.ListChannels(cmd.Context())
		if err != nil {
			return err
		}
		return ap.print(c)
	})

	var force bool
	closeChannel := sub("closechannel <name> <txid:index>", "Close a channel", 1, func(cmd *cobra.Command, ap *app, args []string) error {
		txid, err := node.CloseChannel(cmd.Context(), args[0], force)
		if err != nil {
			return err
		}
		return ap.print(map[string]string{"closing_txid": txid})
	})
	closeChannel.Flags().BoolVar(&force, "force", false, "force close")

	var (
		watchInvoices, watchForwards bool
		watchInfo                    time.Duration
	)
	watch := sub("watch <name>", "Stream invoice updates, settled forwards and info changes until interrupted", 0, func(cmd *cobra.Command, ap *app, args []string) error {
		var mu sync.Mutex
		emit := func(ev watchEvent) error {
			mu.Lock()
			defer mu.Unlock()
			return ap.print(ev)
		}

		g, ctx := errgroup.WithContext(cmd.Context())
		if watchInvoices {
			g.Go(func() error {
				return node.SubscribeInvoices(ctx, 0, 0, func(inv lnstack.Invoice) error {
					return emit(watchEvent{Invoice: &inv})
				})
			})
		}
		if watchForwards {
			g.Go(func() error {
				return node.ForwardEvents(ctx, func(fwd lnstack.ForwardEvent) error {
					return emit(watchEvent{Forward: &fwd})
				})
			})
		}
		if watchInfo > 0 {
			g.Go(func() error {
				return node.WatchInfo(ctx, watchInfo, func(info *lnstack.LnInfo) error {
					return emit(watchEvent{Info: info})
				})
			})
		}

		err := g.Wait()
		if cmd.Context().Err() != nil {
			return nil
		}
		return err
	})
	watch.PreRunE = func(*cobra.Command, []string) error {
		if !watchInvoices && !watchForwards && watchInfo <= 0 {
			return errors.New("nothing to watch: enable --invoices, --forwards or --info")
		}
		return nil
	}
	watch.Flags().BoolVar(&watchInvoices, "invoices", true, "stream invoice updates")
	watch.Flags().BoolVar(&watchForwards, "forwards", true, "stream settled forwards with their fees")
	watch.Flags().DurationVar(&watchInfo, "info", 0, "also poll node info at this interval, 0 to skip")

	cmd.AddCommand(info, balance, newAddress, sendCoins, txs, allTx, utxos,
		invoice, decode, pay, invoices, payments, fees, unlock, connect,
		openChannel, channels, closeChannel, watch)
	return cmd
}

// page holds the pagination flags lnd list calls share.
type page struct {
	offset   uint64
	max      uint64
	reversed bool
}

func (p *page) register(cmd *cobra.Command) {
	cmd.Flags().Uint64Var(&p.offset, "offset", 0, "index offset")
	cmd.Flags().Uint64Var(&p.max, "max", 100, "max entries")
	cmd.Flags().BoolVar(&p.reversed, "reversed", true, "newest first")
}
