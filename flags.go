package lnstack

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
)

type ServiceKind int

const (
	KindOther ServiceKind = iota
	KindBitcoind
	KindLnd
)

func (k ServiceKind) String() string {
	switch k {
	case KindBitcoind:
		return "bitcoind"
	case KindLnd:
		return "lnd"
	}
	return "other"
}

// ZMQ topics bitcoind publishes and lnd subscribes to.
const (
	TopicRawBlock = "rawblock"
	TopicRawTx    = "rawtx"
)

func BitcoindCommand(cfg StackConfig) []string {
	cmd := []string{"-printtoconsole"}
	if f := cfg.Network.BitcoindFlag(); f != "" {
		cmd = append(cmd, f)
	}
	return append(cmd,
		"-server=1",
		"-txindex=1",
		"-rpcuser="+cfg.RPCUser,
		"-rpcpassword="+cfg.RPCPass,
		"-rpcbind=0.0.0.0",
		"-rpcallowip=0.0.0.0/0",
		fmt.Sprintf("-rpcport=%d", cfg.RPCPort),
		fmt.Sprintf("-port=%d", cfg.PeerPort),
		fmt.Sprintf("-zmqpub%s=tcp://0.0.0.0:%d", TopicRawBlock, cfg.ZMQBlockPort),
		fmt.Sprintf("-zmqpub%s=tcp://0.0.0.0:%d", TopicRawTx, cfg.ZMQTxPort),
	)
}

func LndCommand(cfg StackConfig, node LndNodeConfig) []string {
	alias := node.Alias
	if alias == "" {
		alias = node.Name
	}
	backend := cfg.BitcoindName
	return []string{
		cfg.Network.LndFlag(),
		"--bitcoin.node=bitcoind",
		fmt.Sprintf("--bitcoind.rpchost=%s:%d", backend, cfg.RPCPort),
		"--bitcoind.rpcuser=" + cfg.RPCUser,
		"--bitcoind.rpcpass=" + cfg.RPCPass,
		fmt.Sprintf("--bitcoind.zmqpub%s=tcp://%s:%d", TopicRawBlock, backend, cfg.ZMQBlockPort),
		fmt.Sprintf("--bitcoind.zmqpub%s=tcp://%s:%d", TopicRawTx, backend, cfg.ZMQTxPort),
		"--norest",
		fmt.Sprintf("--rpclisten=0.0.0.0:%d", LndRPCPort),
		fmt.Sprintf("--listen=0.0.0.0:%d", LndP2PPort),
		"--tlsextradomain=" + node.Name,
		"--alias=" + alias,
	}
}

// ParseFlags collects -key=value, --key=value and bare --key arguments.
// Leading dashes are dropped; bare flags map to "". Positional arguments
// are ignored.
func ParseFlags(command []string) map[string]string {
	flags := make(map[string]string)
	for _, arg := range command {
		if !strings.HasPrefix(arg, "-") {
			continue
		}
		arg = strings.TrimLeft(arg, "-")
		if arg == "" {
			continue
		}
		k, v, _ := strings.Cut(arg, "=")
		flags[k] = v
	}
	return flags
}

func Kind(svc *Service) ServiceKind {
	flags := ParseFlags(svc.Command)
	image := strings.ToLower(svc.Image)

	if _, ok := flags["bitcoind.rpchost"]; ok {
		return KindLnd
	}
	if strings.Contains(image, "/lnd") || strings.HasPrefix(image, "lnd") {
		return KindLnd
	}
	if _, ok := flags["zmqpub"+TopicRawBlock]; ok {
		return KindBitcoind
	}
	if strings.Contains(image, "bitcoin") {
		return KindBitcoind
	}
	return KindOther
}

// NetworkOf reports the network a bitcoind or lnd service runs on, judging
// by its flags.
func NetworkOf(svc *Service) Network {
	flags := ParseFlags(svc.Command)
	for _, n := range []Network{Testnet, Regtest, Signet, Mainnet} {
		if isSet(flags, string(n)) || isSet(flags, "bitcoin."+string(n)) {
			return n
		}
	}
	if v, ok := flags["chain"]; ok {
		switch v {
		case "test":
			return Testnet
		case "main":
			return Mainnet
		}
		return Network(v)
	}
	return Mainnet
}

func isSet(flags map[string]string, k string) bool {
	v, ok := flags[k]
	return ok && v != "0" && v != "false"
}

// ZMQEndpoint returns the port a tcp:// ZMQ endpoint flag points at.
func ZMQEndpoint(raw string) (host string, port uint16, err error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", 0, err
	}
	if u.Scheme != "tcp" {
		return "", 0, fmt.Errorf("zmq endpoint %q: want tcp scheme", raw)
	}
	return splitHostPort(u.Host)
}

func splitHostPort(hostport string) (string, uint16, error) {
	host, portStr, err := net.SplitHostPort(hostport)
	if err != nil {
		return "", 0, err
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return "", 0, fmt.Errorf("bad port in %q", hostport)
	}
	return host, uint16(port), nil
}
