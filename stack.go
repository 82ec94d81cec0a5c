package lnstack

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
)

type Network string

const (
	Mainnet Network = "mainnet"
	Testnet Network = "testnet"
	Regtest Network = "regtest"
	Signet  Network = "signet"
)

// Params returns the chain parameters for the network.
func (n Network) Params() (*chaincfg.Params, error) {
	switch n {
	case Mainnet:
		return &chaincfg.MainNetParams, nil
	case Testnet:
		return &chaincfg.TestNet3Params, nil
	case Regtest:
		return &chaincfg.RegressionNetParams, nil
	case Signet:
		return &chaincfg.SigNetParams, nil
	}
	return nil, fmt.Errorf("unknown network %q", n)
}

// RPCPort is bitcoind's default RPC port on the network.
func (n Network) RPCPort() uint16 {
	switch n {
	case Testnet:
		return 18332
	case Regtest:
		return 18443
	case Signet:
		return 38332
	}
	return 8332
}

func (n Network) PeerPort() (uint16, error) {
	params, err := n.Params()
	if err != nil {
		return 0, err
	}
	port, err := strconv.ParseUint(params.DefaultPort, 10, 16)
	if err != nil {
		return 0, err
	}
	return uint16(port), nil
}

// LndDir is the directory lnd keeps per-network data in, below
// data/chain/bitcoin.
func (n Network) LndDir() string {
	return string(n)
}

// BitcoindFlag is the daemon switch selecting the network, empty for mainnet.
func (n Network) BitcoindFlag() string {
	switch n {
	case Testnet:
		return "-testnet"
	case Regtest:
		return "-regtest"
	case Signet:
		return "-signet"
	}
	return ""
}

func (n Network) LndFlag() string {
	return "--bitcoin." + string(n)
}

type PortMapping struct {
	HostIP    string
	Host      uint16
	Container uint16
	Protocol  string
}

// ParsePortMapping parses the compose short syntax [ip:]host:container[/proto].
func ParsePortMapping(s string) (PortMapping, error) {
	var pm PortMapping

	mapping := s
	if i := strings.LastIndex(mapping, "/"); i >= 0 {
		pm.Protocol = mapping[i+1:]
		mapping = mapping[:i]
	}

	i := strings.LastIndex(mapping, ":")
	if i < 0 {
		return pm, fmt.Errorf("port mapping %q: missing host port", s)
	}
	container, err := parsePort(mapping[i+1:])
	if err != nil {
		return pm, fmt.Errorf("port mapping %q: %w", s, err)
	}
	pm.Container = container

	hostPart := mapping[:i]
	if j := strings.LastIndex(hostPart, ":"); j >= 0 {
		pm.HostIP = strings.Trim(hostPart[:j], "[]")
		if net.ParseIP(pm.HostIP) == nil {
			return pm, fmt.Errorf("port mapping %q: bad host ip", s)
		}
		hostPart = hostPart[j+1:]
	}
	host, err := parsePort(hostPart)
	if err != nil {
		return pm, fmt.Errorf("port mapping %q: %w", s, err)
	}
	pm.Host = host

	return pm, nil
}

func parsePort(s string) (uint16, error) {
	p, err := strconv.ParseUint(s, 10, 16)
	if err != nil {
		return 0, fmt.Errorf("bad port %q", s)
	}
	return uint16(p), nil
}

func (p PortMapping) String() string {
	s := fmt.Sprintf("%d:%d", p.Host, p.Container)
	if p.HostIP != "" {
		s = p.HostIP + ":" + s
	}
	if p.Protocol != "" {
		s += "/" + p.Protocol
	}
	return s
}

func (p PortMapping) protocol() string {
	if p.Protocol == "" {
		return "tcp"
	}
	return p.Protocol
}

// overlaps reports whether both mappings would bind the same host socket.
func (p PortMapping) overlaps(o PortMapping) bool {
	if p.Host != o.Host || p.protocol() != o.protocol() {
		return false
	}
	if isWildcard(p.HostIP) || isWildcard(o.HostIP) {
		return true
	}
	return net.ParseIP(p.HostIP).Equal(net.ParseIP(o.HostIP))
}

func isWildcard(ip string) bool {
	return ip == "" || ip == "0.0.0.0" || ip == "::"
}

type Volume struct {
	Source   string
	Target   string
	ReadOnly bool
}

// ParseVolume parses source:target[:ro|rw]. Colons inside ${...} variable
// references belong to the reference, so a source like ${DIR:-./lnd_1}
// stays whole.
func ParseVolume(s string) (Volume, error) {
	parts := splitOutsideVars(s, ':')
	switch {
	case len(parts) == 2:
		return Volume{Source: parts[0], Target: parts[1]}, nil
	case len(parts) == 3 && (parts[2] == "ro" || parts[2] == "rw"):
		return Volume{Source: parts[0], Target: parts[1], ReadOnly: parts[2] == "ro"}, nil
	}
	return Volume{}, fmt.Errorf("volume %q: want source:target[:ro|rw]", s)
}

func splitOutsideVars(s string, sep byte) []string {
	var (
		parts []string
		depth int
		start int
	)
	for i := 0; i < len(s); i++ {
		switch {
		case s[i] == '$' && i+1 < len(s) && s[i+1] == '$':
			i++
		case s[i] == '$' && i+1 < len(s) && s[i+1] == '{':
			depth++
			i++
		case s[i] == '}' && depth > 0:
			depth--
		case s[i] == sep && depth == 0:
			parts = append(parts, s[start:i])
			start = i + 1
		}
	}
	return append(parts, s[start:])
}

func (v Volume) String() string {
	s := v.Source + ":" + v.Target
	if v.ReadOnly {
		s += ":ro"
	}
	return s
}

type Service struct {
	Name            string
	Image           string
	Command         []string
	Environment     map[string]string
	Ports           []PortMapping
	Volumes         []Volume
	DependsOn       []string
	Restart         string
	StopGracePeriod time.Duration
}

type Stack struct {
	Name     string
	Services []*Service
}

func (s *Stack) Service(name string) *Service {
	for _, svc := range s.Services {
		if svc.Name == name {
			return svc
		}
	}
	return nil
}

// ServicesOfKind returns the services Kind classifies as k, in stack order.
func (s *Stack) ServicesOfKind(k ServiceKind) []*Service {
	var out []*Service
	for _, svc := range s.Services {
		if Kind(svc) == k {
			out = append(out, svc)
		}
	}
	return out
}

type LndNodeConfig struct {
	Name       string `yaml:"name"`
	Alias      string `yaml:"alias"`
	RESTPort   uint16 `yaml:"rest_port"`
	RPCPort    uint16 `yaml:"rpc_port"`
	P2PPort    uint16 `yaml:"p2p_port"`
	DataDirEnv string `yaml:"data_dir_env"`
}

type StackConfig struct {
	Name            string          `yaml:"name"`
	Network         Network         `yaml:"network"`
	BitcoindName    string          `yaml:"bitcoind_name"`
	BitcoindImage   string          `yaml:"bitcoind_image"`
	LndImage        string          `yaml:"lnd_image"`
	RPCUser         string          `yaml:"rpc_user"`
	RPCPass         string          `yaml:"rpc_pass"`
	RPCPort         uint16          `yaml:"rpc_port"`
	PeerPort        uint16          `yaml:"peer_port"`
	ZMQBlockPort    uint16          `yaml:"zmq_block_port"`
	ZMQTxPort       uint16          `yaml:"zmq_tx_port"`
	StopGracePeriod time.Duration   `yaml:"stop_grace_period"`
	Nodes           []LndNodeConfig `yaml:"nodes"`
}

// Container-side lnd ports. Nodes differ only in their host mappings.
const (
	LndRESTPort uint16 = 8080
	LndRPCPort  uint16 = 10009
	LndP2PPort  uint16 = 9735
)

func DefaultStackConfig() StackConfig {
	return StackConfig{
		Name:            "lnstack",
		Network:         Testnet,
		BitcoindName:    "bitcoin-core",
		BitcoindImage:   "ruimarinho/bitcoin-core:24",
		LndImage:        "lightninglabs/lnd:v0.18.4-beta",
		RPCUser:         "bitcoinrpc",
		RPCPass:         "bitcoinrpcpass",
		RPCPort:         18332,
		PeerPort:        18333,
		ZMQBlockPort:    28332,
		ZMQTxPort:       28333,
		StopGracePeriod: 5 * time.Minute,
		Nodes: []LndNodeConfig{
			{
				Name:       "lnd_1",
				Alias:      "lnd_1",
				RESTPort:   8080,
				RPCPort:    10009,
				DataDirEnv: "LND_1_DATA_DIR",
			},
			{
				Name:       "lnd_2",
				Alias:      "lnd_2",
				RESTPort:   8081,
				RPCPort:    10010,
				DataDirEnv: "LND_2_DATA_DIR",
			},
		},
	}
}

func (c StackConfig) Node(name string) (LndNodeConfig, bool) {
	for _, n := range c.Nodes {
		if n.Name == name {
			return n, true
		}
	}
	return LndNodeConfig{}, false
}

// NewStack builds the bitcoind service followed by one lnd service per node.
func NewStack(cfg StackConfig) (*Stack, error) {
	if _, err := cfg.Network.Params(); err != nil {
		return nil, err
	}

	bitcoind := &Service{
		Name:    cfg.BitcoindName,
		Image:   cfg.BitcoindImage,
		Command: BitcoindCommand(cfg),
		Ports: []PortMapping{
			{Host: cfg.RPCPort, Container: cfg.RPCPort},
			{Host: cfg.PeerPort, Container: cfg.PeerPort},
			{Host: cfg.ZMQBlockPort, Container: cfg.ZMQBlockPort},
			{Host: cfg.ZMQTxPort, Container: cfg.ZMQTxPort},
		},
		Restart:         "unless-stopped",
		StopGracePeriod: cfg.StopGracePeriod,
	}

	stack := &Stack{Name: cfg.Name, Services: []*Service{bitcoind}}

	seen := map[string]bool{cfg.BitcoindName: true}
	for _, node := range cfg.Nodes {
		if seen[node.Name] {
			return nil, fmt.Errorf("duplicate service name %q", node.Name)
		}
		seen[node.Name] = true

		ports := []PortMapping{
			{Host: node.RESTPort, Container: LndRESTPort},
			{Host: node.RPCPort, Container: LndRPCPort},
		}
		if node.P2PPort != 0 {
			ports = append(ports, PortMapping{Host: node.P2PPort, Container: LndP2PPort})
		}

		stack.Services = append(stack.Services, &Service{
			Name:    node.Name,
			Image:   cfg.LndImage,
			Command: LndCommand(cfg, node),
			Ports:   ports,
			Volumes: []Volume{
				{Source: "${" + node.DataDirEnv + "}", Target: "/root/.lnd"},
			},
			DependsOn:       []string{cfg.BitcoindName},
			Restart:         "unless-stopped",
			StopGracePeriod: cfg.StopGracePeriod,
		})
	}

	return stack, nil
}
