package main

import (
	"encoding/json"
	"fmt"
	"io"
	"lnstack"
	"os"

	log "github.com/sirupsen/logrus"
)

type app struct {
	config lnstack.Config
	stack  *lnstack.Stack
	lookup lnstack.LookupFunc
	out    io.Writer
}

func initApp(configPath, logLevel string) (*app, error) {
	config, err := lnstack.LoadConfig(configPath)
	if err != nil {
		return nil, err
	}

	if logLevel == "" {
		logLevel = config.LogLevel
	}
	level, err := log.ParseLevel(logLevel)
	if err != nil {
		return nil, err
	}
	log.SetLevel(level)

	stack, err := lnstack.NewStack(config.Stack)
	if err != nil {
		return nil, fmt.Errorf("build stack: %w", err)
	}

	log.WithField("config", configPath).Debug("config loaded")
	return &app{
		config: config,
		stack:  stack,
		lookup: os.LookupEnv,
		out:    os.Stdout,
	}, nil
}

func (ap *app) bitcoinClient() (*lnstack.BitcoinClient, error) {
	return lnstack.NewBitcoinClient(ap.config.BitcoinClientFor(), ap.config.Stack.Network)
}

// node connects to the named lnd instance. The returned func closes the
// connection.
func (ap *app) node(name string) (*lnstack.Node, func(), error) {
	cfg, err := ap.config.LndClientFor(name, ap.lookup)
	if err != nil {
		return nil, nil, err
	}
	client, err := lnstack.InitLndClient(cfg)
	if err != nil {
		return nil, nil, err
	}
	return lnstack.NewNode(name, ap.config.Stack.Network, client), client.Close, nil
}

func (ap *app) print(v interface{}) error {
	enc := json.NewEncoder(ap.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
