package main

import (
	"context"
	"errors"
	"fmt"
	"lnstack"
	"net"
	"os"
	"os/signal"
	"strconv"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		log.Error(err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		configPath string
		logLevel   string
		ap         *app
	)

	root := &cobra.Command{
		Use:           "lnstack",
		Short:         "Bitcoin Core + lnd test stack tooling",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			ap, err = initApp(configPath, logLevel)
			return err
		},
	}
	root.PersistentFlags().StringVar(&configPath, "config", "config.yaml", "tool config file")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (overrides config)")

	getApp := func() *app { return ap }

	root.AddCommand(
		newRenderCmd(getApp),
		newValidateCmd(getApp),
		newStatusCmd(getApp),
		newZMQCmd(getApp),
		newPeerCmd(getApp),
		newNodeCmd(getApp),
	)
	return root
}

func newRenderCmd(getApp func() *app) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "render",
		Short: "Write the compose file for the configured stack",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ap := getApp()
			if output == "-" {
				data, err := lnstack.Render(ap.stack)
				if err != nil {
					return err
				}
				_, err = ap.out.Write(data)
				return err
			}
			if err := lnstack.WriteFile(output, ap.stack); err != nil {
				return err
			}
			log.WithField("file", output).Info("compose file written")
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "docker-compose.yml", "output file, - for stdout")
	return cmd
}

func newValidateCmd(getApp func() *app) *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Check a compose file (or the configured stack) for wiring mistakes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ap := getApp()
			stack := ap.stack
			if file != "" {
				var err error
				if stack, err = lnstack.LoadFile(file); err != nil {
					return err
				}
			}

			err := lnstack.Validate(stack, ap.lookup)
			if err == nil {
				log.Infof("%d services ok", len(stack.Services))
				return nil
			}
			for _, p := range lnstack.Problems(err) {
				log.WithFields(log.Fields{
					"service": p.Service,
					"check":   p.Check,
				}).Error(p.Msg)
			}
			return fmt.Errorf("%d problems found", len(lnstack.Problems(err)))
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "compose file to check")
	return cmd
}

func newStatusCmd(getApp func() *app) *cobra.Command {
	var waitFor time.Duration
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Check bitcoind, its ZMQ publishers and every lnd node",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ap := getApp()
			ctx := cmd.Context()

			bc, err := ap.bitcoinClient()
			if err != nil {
				return err
			}
			defer bc.Close()

			var (
				nodes  []*lnstack.Node
				failed []lnstack.NodeStatus
			)
			for _, n := range ap.config.Stack.Nodes {
				node, closeNode, err := ap.node(n.Name)
				if err != nil {
					failed = append(failed, lnstack.NodeStatus{Name: n.Name, Err: err})
					continue
				}
				defer closeNode()
				nodes = append(nodes, node)
			}

			if waitFor > 0 {
				if err := lnstack.WaitForBitcoind(ctx, bc, waitFor); err != nil {
					return err
				}
				for _, node := range nodes {
					if _, err := lnstack.WaitForLnd(ctx, node, waitFor); err != nil {
						return err
					}
				}
			}

			svc := ap.stack.Service(ap.config.Stack.BitcoindName)
			st := lnstack.CollectStatus(ctx, svc, bc, nodes)
			st.Nodes = append(st.Nodes, failed...)
			if err := ap.print(statusReport(st)); err != nil {
				return err
			}
			if !st.Healthy() {
				return errors.New("stack is not healthy")
			}
			return nil
		},
	}
	cmd.Flags().DurationVar(&waitFor, "wait", 0, "wait up to this long for every daemon to come up")
	return cmd
}

type statusOutput struct {
	Chain  string                     `json:"chain,omitempty"`
	Blocks int32                      `json:"blocks,omitempty"`
	Errors map[string]string          `json:"errors,omitempty"`
	ZMQ    []lnstack.ZMQNotification  `json:"zmq,omitempty"`
	Nodes  map[string]*lnstack.LnInfo `json:"nodes,omitempty"`
}

func statusReport(st *lnstack.StackStatus) statusOutput {
	out := statusOutput{
		ZMQ:    st.ZMQ,
		Errors: map[string]string{},
		Nodes:  map[string]*lnstack.LnInfo{},
	}
	if st.Chain != nil {
		out.Chain = st.Chain.Chain
		out.Blocks = st.Chain.Blocks
	}
	if st.ChainErr != nil {
		out.Errors["bitcoind"] = st.ChainErr.Error()
	}
	if st.ZMQErr != nil {
		out.Errors["zmq"] = st.ZMQErr.Error()
	}
	for _, n := range st.Nodes {
		if n.Err != nil {
			out.Errors[n.Name] = n.Err.Error()
			continue
		}
		out.Nodes[n.Name] = n.Info
	}
	return out
}

func newZMQCmd(getApp func() *app) *cobra.Command {
	var (
		topic    string
		count    int
		endpoint string
		timeout  time.Duration
	)
	cmd := &cobra.Command{
		Use:   "zmq",
		Short: "Subscribe to a bitcoind ZMQ publisher and log decoded events",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ap := getApp()
			if endpoint == "" {
				port := ap.config.Stack.ZMQBlockPort
				if topic == lnstack.TopicRawTx {
					port = ap.config.Stack.ZMQTxPort
				}
				endpoint = "localhost:" + strconv.Itoa(int(port))
			}

			sub, err := lnstack.SubscribeZMQ(endpoint, []string{topic}, timeout)
			if err != nil {
				return err
			}
			defer sub.Close()

			ctx := cmd.Context()
			go func() {
				<-ctx.Done()
				sub.Close()
			}()

			for i := 0; count == 0 || i < count; {
				ev, err := sub.Next()
				var nerr net.Error
				switch {
				case ctx.Err() != nil:
					return nil
				case errors.As(err, &nerr) && nerr.Timeout():
					log.WithField("endpoint", endpoint).Warnf("zmq read: %v", err)
					continue
				case err != nil:
					return err
				}
				log.WithField("topic", ev.Topic).Info(ev.String())
				i++
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&topic, "topic", lnstack.TopicRawBlock, "rawblock or rawtx")
	cmd.Flags().IntVar(&count, "count", 1, "events to read, 0 for unlimited")
	cmd.Flags().StringVar(&endpoint, "endpoint", "", "publisher host:port (default from config)")
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Minute, "read timeout per event")
	return cmd
}

func newPeerCmd(getApp func() *app) *cobra.Command {
	return &cobra.Command{
		Use:   "peer <from> <to>",
		Short: "Connect two stack nodes over the compose network",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ap := getApp()
			ctx := cmd.Context()

			from, closeFrom, err := ap.node(args[0])
			if err != nil {
				return err
			}
			defer closeFrom()
			to, closeTo, err := ap.node(args[1])
			if err != nil {
				return err
			}
			defer closeTo()

			info, err := to.Info(ctx)
			if err != nil {
				return err
			}
			uri := fmt.Sprintf("%s@%s:%d", info.Pubkey, to.Name, lnstack.LndP2PPort)
			if err := from.ConnectPeer(ctx, uri); err != nil {
				return err
			}
			log.WithField("node", from.Name).Infof("connected to %s", uri)
			return nil
		},
	}
}
