package lnstack

import (
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"net"
	"os"

	"github.com/lightningnetwork/lnd/lncfg"
	"github.com/lightningnetwork/lnd/lnrpc"
	"github.com/lightningnetwork/lnd/lnrpc/routerrpc"
	"github.com/lightningnetwork/lnd/lnrpc/walletrpc"
	"github.com/lightningnetwork/lnd/macaroons"
	log "github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"gopkg.in/macaroon.v2"
)

type LndClient struct {
	client      lnrpc.LightningClient
	router      routerrpc.RouterClient
	wallet      walletrpc.WalletKitClient
	unlocker    lnrpc.WalletUnlockerClient
	closeClient func()
}

func InitLndClient(config LndClientConfig) (*LndClient, error) {
	hostPort := net.JoinHostPort(config.Host, config.Port)
	conn, err := dialLnd(hostPort, config)
	if err != nil {
		return nil, fmt.Errorf("cannot initiate lnd client for %s: %w", hostPort, err)
	}

	log.WithField("host", hostPort).Debug("lnd client ready")

	return &LndClient{
		client:   lnrpc.NewLightningClient(conn),
		router:   routerrpc.NewRouterClient(conn),
		wallet:   walletrpc.NewWalletKitClient(conn),
		unlocker: lnrpc.NewWalletUnlockerClient(conn),
		closeClient: func() {
			conn.Close()
		},
	}, nil
}

func (lc *LndClient) Close() {
	if lc.closeClient != nil {
		lc.closeClient()
	}
}

// dialLnd opens an authenticated gRPC connection. The connection is lazy, so
// an unreachable node only surfaces on the first call.
func dialLnd(hostPort string, config LndClientConfig) (*grpc.ClientConn, error) {
	creds, mac, err := parseLndTLSAndMacaroon(config.TlsCert, config.AdminMacaroon)
	if err != nil {
		return nil, err
	}

	macCred, err := macaroons.NewMacaroonCredential(mac)
	if err != nil {
		return nil, fmt.Errorf("macaroon credential: %w", err)
	}

	// lncfg's dialer also accepts unix socket addresses.
	return grpc.Dial(
		hostPort,
		grpc.WithTransportCredentials(creds),
		grpc.WithPerRPCCredentials(macCred),
		grpc.WithContextDialer(lncfg.ClientAddressDialer(config.Port)),
	)
}

// readCredential returns v hex decoded, or the contents of the file at v
// when v is not hex.
func readCredential(v string) ([]byte, error) {
	if decoded, err := hex.DecodeString(v); err == nil && len(decoded) > 0 {
		return decoded, nil
	}
	data, err := os.ReadFile(v)
	if err != nil {
		return nil, fmt.Errorf("%s: not hex and not a readable file: %w",
			shortCredential(v), err)
	}
	return data, nil
}

// shortCredential trims long values so errors stay readable.
func shortCredential(v string) string {
	if len(v) > 64 {
		return v[:64] + "..."
	}
	return v
}

func parseLndTLSAndMacaroon(tlsData, macData string) (credentials.TransportCredentials,
	*macaroon.Macaroon, error) {

	tlsBytes, err := readCredential(tlsData)
	if err != nil {
		return nil, nil, fmt.Errorf("tls cert: %w", err)
	}
	block, _ := pem.Decode(tlsBytes)
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, nil, errors.New("failed to decode PEM block " +
			"containing tls certificate")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, nil, err
	}
	pool := x509.NewCertPool()
	pool.AddCert(cert)
	creds := credentials.NewClientTLSFromCert(pool, "")

	macBytes, err := readCredential(macData)
	if err != nil {
		return nil, nil, fmt.Errorf("macaroon: %w", err)
	}

	mac := &macaroon.Macaroon{}
	if err = mac.UnmarshalBinary(macBytes); err != nil {
		return nil, nil, fmt.Errorf("unable to decode macaroon: %v",
			err)
	}

	return creds, mac, nil
}
