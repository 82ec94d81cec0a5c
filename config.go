package lnstack

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"

	"gopkg.in/yaml.v2"
)

type LndClientConfig struct {
	Host          string `yaml:"host"`
	Port          string `yaml:"port"`
	TlsCert       string `yaml:"tls_cert"`
	AdminMacaroon string `yaml:"admin_macaroon"`
	DataDir       string `yaml:"data_dir"`
}

type BitcoinClientConfig struct {
	Host     string `yaml:"host"`
	Port     string `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
}

type Config struct {
	Stack         StackConfig                `yaml:"stack"`
	BitcoinClient BitcoinClientConfig        `yaml:"bitcoin_client"`
	LndClients    map[string]LndClientConfig `yaml:"lnd_clients"`
	LogLevel      string                     `yaml:"log_level"`
}

func DefaultConfig() Config {
	return Config{
		Stack:    DefaultStackConfig(),
		LogLevel: "info",
	}
}

// LoadConfig overlays the YAML file at path onto DefaultConfig. A missing
// file yields the defaults.
func LoadConfig(path string) (Config, error) {
	config := DefaultConfig()

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return config, nil
	}
	if err != nil {
		return config, err
	}

	if err := yaml.Unmarshal(data, &config); err != nil {
		return config, fmt.Errorf("parse %s: %w", path, err)
	}
	return config, nil
}

func (c Config) BitcoinClientFor() BitcoinClientConfig {
	bc := c.BitcoinClient
	if bc.Host == "" {
		bc.Host = "localhost"
	}
	if bc.Port == "" {
		bc.Port = strconv.Itoa(int(c.Stack.RPCPort))
	}
	if bc.User == "" {
		bc.User = c.Stack.RPCUser
	}
	if bc.Password == "" {
		bc.Password = c.Stack.RPCPass
	}
	return bc
}

// LndClientFor returns the client settings for the named node. Anything not
// set explicitly is derived from the stack: the host gRPC port, and the TLS
// cert and admin macaroon inside the node's mounted data directory. Paths
// from the config file may reference environment variables.
func (c Config) LndClientFor(name string, lookup LookupFunc) (LndClientConfig, error) {
	lc := c.LndClients[name]

	node, known := c.Stack.Node(name)
	if !known && lc.Host == "" {
		return lc, fmt.Errorf("unknown lnd node %q", name)
	}

	for _, v := range []*string{&lc.DataDir, &lc.TlsCert, &lc.AdminMacaroon} {
		expanded, err := Interpolate(*v, lookup)
		if err != nil {
			return lc, fmt.Errorf("lnd node %s: %w", name, err)
		}
		*v = expanded
	}

	if lc.Host == "" {
		lc.Host = "localhost"
	}
	if lc.Port == "" {
		lc.Port = strconv.Itoa(int(node.RPCPort))
	}

	if lc.DataDir == "" && known && node.DataDirEnv != "" {
		if dir, ok := lookup(node.DataDirEnv); ok {
			lc.DataDir = dir
		}
	}

	if lc.TlsCert == "" || lc.AdminMacaroon == "" {
		if lc.DataDir == "" {
			return lc, fmt.Errorf("lnd node %s: no tls cert/macaroon and "+
				"no data dir (set %s)", name, node.DataDirEnv)
		}
		if lc.TlsCert == "" {
			lc.TlsCert = filepath.Join(lc.DataDir, "tls.cert")
		}
		if lc.AdminMacaroon == "" {
			lc.AdminMacaroon = filepath.Join(lc.DataDir, "data", "chain",
				"bitcoin", c.Stack.Network.LndDir(), "admin.macaroon")
		}
	}

	return lc, nil
}
