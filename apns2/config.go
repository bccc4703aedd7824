// Copyright 2017 Aleksey Blinov. All rights reserved.

package apns2

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/net/idna"

	"github.com/stage88/apns/cryptox"
)

// Gateway hosts published by Apple. Device-addressed notifications and
// broadcasts go to the push gateway; channel management goes to the
// manage-broadcast gateway on its own port.
const (
	ProductionPushHost  = "api.push.apple.com"
	DevelopmentPushHost = "api.sandbox.push.apple.com"

	ProductionManageHost  = "api-manage-broadcast.push.apple.com"
	DevelopmentManageHost = "api-manage-broadcast.sandbox.push.apple.com"

	DefaultPushPort       = 443
	ProductionManagePort  = 2196
	DevelopmentManagePort = 2195
)

// Configuration defaults.
const (
	DefaultConnectionRetryLimit = 3
	DefaultHeartBeat            = 60 * time.Second
	DefaultRequestTimeout       = 5 * time.Second
	DefaultDialTimeout          = 20 * time.Second
	DefaultKeepAlive            = time.Hour
	DefaultClientCount          = 2
)

// Configuration errors, reported synchronously at construction.
var (
	ErrTokenKeyMissing    = errors.New("apns2: token key is not set")
	ErrTokenKeyIDInvalid  = errors.New("apns2: token keyId must be a non-empty string")
	ErrTokenTeamIDInvalid = errors.New("apns2: token teamId must be a non-empty string")
	ErrClientCountInvalid = errors.New("apns2: clientCount must be a positive integer")
)

// Endpoint is a host and port pair identifying an APN service gateway
// or an HTTP proxy.
type Endpoint struct {
	Host string
	Port int
}

// Addr returns the endpoint in host:port form with the host normalized
// to ASCII.
func (e Endpoint) Addr() string {
	host := e.Host
	if a, err := idna.ToASCII(host); err == nil {
		host = a
	}
	if strings.HasPrefix(host, "[") && strings.HasSuffix(host, "]") {
		return host + ":" + strconv.Itoa(e.Port)
	}
	return net.JoinHostPort(host, strconv.Itoa(e.Port))
}

// TokenCredentials hold the material for provider token authentication.
// Key takes precedence over KeyFile when both are set.
type TokenCredentials struct {

	// Key is the PEM encoded PKCS#8 token signing key (.p8 contents).
	Key []byte

	// KeyFile is the path to the .p8 token signing key.
	KeyFile string

	// KeyID is the 10-character key identifier obtained from the Apple
	// developer account.
	KeyID string

	// TeamID is the 10-character team identifier obtained from the Apple
	// developer account.
	TeamID string
}

// Config collects all Provider settings. The zero value is usable against
// the gateway selected by the NODE_ENV environment variable with
// certificate authentication from ./cert.pem and ./key.pem.
type Config struct {

	// Token, if not nil, enables provider token authentication and takes
	// precedence over any certificate material, which is then discarded.
	Token *TokenCredentials

	// CertFile and KeyFile point at PEM encoded TLS client credentials.
	// They default to cert.pem and key.pem and are only consulted when
	// Token is nil.
	CertFile string
	KeyFile  string

	// PFXFile points at a PKCS#12 bundle and takes precedence over
	// CertFile/KeyFile when set.
	PFXFile string

	// Passphrase decrypts the private key or PKCS#12 bundle.
	Passphrase string

	// CAFile points at a PEM encoded root certificate authority bundle.
	// This should only be needed in testing, or if your system's root
	// certificate authorities are not set up.
	CAFile string

	// Production selects the production gateways when true and the
	// sandbox gateways when false. When nil it defaults to whether the
	// NODE_ENV environment variable equals "production". An explicit
	// Address override takes precedence either way.
	Production *bool

	// Address and Port override the push gateway endpoint. Setting
	// Address to the production host forces production mode; setting it
	// to any other value forces development mode. Port defaults to 443.
	Address string
	Port    int

	// ManageChannelsAddress and ManageChannelsPort override the channel
	// management endpoint. The port defaults to 2196 in production and
	// 2195 in development.
	ManageChannelsAddress string
	ManageChannelsPort    int

	// Proxy and ManageChannelsProxy, if not nil, route the corresponding
	// session through an HTTP CONNECT proxy.
	Proxy               *Endpoint
	ManageChannelsProxy *Endpoint

	// RejectUnauthorized controls server certificate verification.
	// It defaults to true.
	RejectUnauthorized *bool

	// ConnectionRetryLimit is the maximum number of retries for a failed
	// request. Defaults to 3.
	ConnectionRetryLimit int

	// HeartBeat is the session PING interval. Defaults to 60 seconds.
	HeartBeat time.Duration

	// RequestTimeout bounds each individual request. Defaults to
	// 5 seconds. The timeout cancels only the stream it fired on,
	// never the session.
	RequestTimeout time.Duration

	// DialTimeout is the maximum amount of time a dial will wait for a
	// connect to complete. Defaults to 20 seconds.
	DialTimeout time.Duration

	// KeepAlive specifies the keep-alive period for an active network
	// connection. Apple recommends not closing connections to APN
	// service at all. Defaults to one hour.
	KeepAlive time.Duration

	// ClientCount is the number of independent providers a MultiProvider
	// spreads load over. Defaults to 2. Ignored by NewProvider.
	ClientCount int
}

// resolvedConfig is a validated Config with every default filled in and
// all credential material loaded.
type resolvedConfig struct {
	pushEndpoint   Endpoint
	manageEndpoint Endpoint

	pushProxy   *Endpoint
	manageProxy *Endpoint

	token *TokenSource

	certificate *tls.Certificate
	rootCAs     *x509.CertPool
	insecure    bool

	retryLimit     int
	heartBeat      time.Duration
	requestTimeout time.Duration
	dialTimeout    time.Duration
	keepAlive      time.Duration
}

func resolveConfig(cfg *Config) (*resolvedConfig, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	res := &resolvedConfig{
		pushProxy:      cfg.Proxy,
		manageProxy:    cfg.ManageChannelsProxy,
		retryLimit:     cfg.ConnectionRetryLimit,
		heartBeat:      cfg.HeartBeat,
		requestTimeout: cfg.RequestTimeout,
		dialTimeout:    cfg.DialTimeout,
		keepAlive:      cfg.KeepAlive,
	}
	if res.retryLimit <= 0 {
		res.retryLimit = DefaultConnectionRetryLimit
	}
	if res.heartBeat <= 0 {
		res.heartBeat = DefaultHeartBeat
	}
	if res.requestTimeout <= 0 {
		res.requestTimeout = DefaultRequestTimeout
	}
	if res.dialTimeout <= 0 {
		res.dialTimeout = DefaultDialTimeout
	}
	if res.keepAlive <= 0 {
		res.keepAlive = DefaultKeepAlive
	}
	if cfg.RejectUnauthorized != nil {
		res.insecure = !*cfg.RejectUnauthorized
	}

	production := os.Getenv("NODE_ENV") == "production"
	if cfg.Production != nil {
		production = *cfg.Production
	}
	// An explicit push address pins the mode: the production host means
	// production, anything else means development.
	if cfg.Address != "" {
		production = cfg.Address == ProductionPushHost
	}

	res.pushEndpoint = Endpoint{Host: ProductionPushHost, Port: DefaultPushPort}
	res.manageEndpoint = Endpoint{Host: ProductionManageHost, Port: ProductionManagePort}
	if !production {
		res.pushEndpoint.Host = DevelopmentPushHost
		res.manageEndpoint.Host = DevelopmentManageHost
		res.manageEndpoint.Port = DevelopmentManagePort
	}
	if cfg.Address != "" {
		res.pushEndpoint.Host = cfg.Address
	}
	if cfg.Port > 0 {
		res.pushEndpoint.Port = cfg.Port
	}
	if cfg.ManageChannelsAddress != "" {
		res.manageEndpoint.Host = cfg.ManageChannelsAddress
	}
	if cfg.ManageChannelsPort > 0 {
		res.manageEndpoint.Port = cfg.ManageChannelsPort
	}

	if cfg.Token != nil {
		if err := res.loadToken(cfg.Token); err != nil {
			return nil, err
		}
	} else {
		if err := res.loadCertificate(cfg); err != nil {
			return nil, err
		}
	}
	if cfg.CAFile != "" {
		pool, err := cryptox.RootCAPoolFromPemFile(cfg.CAFile)
		if err != nil {
			return nil, err
		}
		res.rootCAs = pool
	}
	return res, nil
}

func (r *resolvedConfig) loadToken(tc *TokenCredentials) error {
	if tc.KeyID == "" {
		return ErrTokenKeyIDInvalid
	}
	if tc.TeamID == "" {
		return ErrTokenTeamIDInvalid
	}
	key := tc.Key
	if len(key) == 0 {
		if tc.KeyFile == "" {
			return ErrTokenKeyMissing
		}
		var err error
		key, err = os.ReadFile(tc.KeyFile)
		if err != nil {
			return fmt.Errorf("apns2: cannot read token key: %w", err)
		}
	}
	sk, err := cryptox.PKCS8PrivateKeyFromBytes(key)
	if err != nil {
		return err
	}
	ts, err := NewTokenSource(sk, tc.KeyID, tc.TeamID)
	if err != nil {
		return err
	}
	r.token = ts
	return nil
}

// loadCertificate resolves TLS client credentials. Explicitly configured
// files must load; the cert.pem/key.pem defaults are only picked up when
// they exist, so token-less test setups stay usable.
func (r *resolvedConfig) loadCertificate(cfg *Config) error {
	if cfg.PFXFile != "" {
		cert, err := cryptox.ClientCertFromP12File(cfg.PFXFile, cfg.Passphrase)
		if err != nil {
			return err
		}
		r.certificate = &cert
		return nil
	}
	certFile, keyFile := cfg.CertFile, cfg.KeyFile
	explicit := certFile != "" || keyFile != ""
	if certFile == "" {
		certFile = "cert.pem"
	}
	if keyFile == "" {
		keyFile = "key.pem"
	}
	if !explicit {
		if _, err := os.Stat(certFile); err != nil {
			return nil
		}
	}
	cert, err := cryptox.ClientCertFromPemFiles(certFile, keyFile, cfg.Passphrase)
	if err != nil {
		return err
	}
	r.certificate = &cert
	return nil
}

// tlsConfig builds the per-session TLS client configuration with ALPN h2
// and SNI set to the session's endpoint host.
func (r *resolvedConfig) tlsConfig(endpoint Endpoint) *tls.Config {
	cfg := &tls.Config{
		ServerName:         endpoint.Host,
		NextProtos:         []string{"h2"},
		InsecureSkipVerify: r.insecure,
		RootCAs:            r.rootCAs,
	}
	if r.certificate != nil {
		cfg.Certificates = []tls.Certificate{*r.certificate}
	}
	return cfg
}
