package busclient

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/turris-cz/foris-forwarder-go/internal/ctrlid"
)

// Keepalive is the MQTT keepalive interval used by every Client this
// package builds.
const Keepalive = 30 * time.Second

// RetryConnectTimeout and RetryConnectInterval are the connect retry
// tuning constants. Neither is consulted by paho's own internal reconnect
// machinery — this package disables that entirely, since the Supervisor
// owns reconnect policy. RetryConnectTimeout is the timeout Queue.Run
// applies specifically to a Connect action, where a slow TLS handshake can
// legitimately take longer than an ordinary action; RetryConnectInterval is
// not used by any code in this module.
const (
	RetryConnectTimeout  = 30 * time.Second
	RetryConnectInterval = 500 * time.Millisecond
)

// Settings builds the paho client options for one side of a Forwarder.
// PasswordSettings and CertificateSettings are its two implementations,
// mirroring the two credential shapes the wire protocol's loopback and
// remote legs require respectively.
type Settings interface {
	// ControllerID is the identity this side's topic filters are rooted
	// under.
	ControllerID() ctrlid.ID
	// clientOptions builds a fresh, unconnected set of paho options.
	clientOptions(clientID string) (*mqtt.ClientOptions, error)
	// Address returns the broker's host:port for logging.
	Address() string
}

// PasswordSettings configures a loopback connection authenticated with a
// plain username/password, used for the host side of a Forwarder.
type PasswordSettings struct {
	ID       ctrlid.ID
	Host     string
	Port     int
	Username string
	Password string
}

func (s PasswordSettings) ControllerID() ctrlid.ID { return s.ID }

func (s PasswordSettings) Address() string { return fmt.Sprintf("%s:%d", s.Host, s.Port) }

func (s PasswordSettings) clientOptions(clientID string) (*mqtt.ClientOptions, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s", s.Address()))
	opts.SetClientID(clientID)
	opts.SetUsername(s.Username)
	opts.SetPassword(s.Password)
	applyCommonOptions(opts)
	return opts, nil
}

// CertificateSettings configures a mutually authenticated TLS connection to
// a remote bus, used for a Forwarder's subordinate side.
type CertificateSettings struct {
	ID             ctrlid.ID
	Host           string
	Port           int
	CACertPath     string
	ClientCertPath string
	ClientKeyPath  string
}

func (s CertificateSettings) ControllerID() ctrlid.ID { return s.ID }

func (s CertificateSettings) Address() string { return fmt.Sprintf("%s:%d", s.Host, s.Port) }

func (s CertificateSettings) clientOptions(clientID string) (*mqtt.ClientOptions, error) {
	tlsConfig, err := s.loadTLSConfig()
	if err != nil {
		return nil, fmt.Errorf("busclient: load TLS credentials: %w", err)
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("ssl://%s", s.Address()))
	opts.SetClientID(clientID)
	opts.SetTLSConfig(tlsConfig)
	applyCommonOptions(opts)
	return opts, nil
}

// loadTLSConfig reads the CA certificate and client key pair from disk and
// builds a tls.Config enforcing mutual authentication against the CA pool.
func (s CertificateSettings) loadTLSConfig() (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(s.ClientCertPath, s.ClientKeyPath)
	if err != nil {
		return nil, fmt.Errorf("load client key pair: %w", err)
	}

	caPEM, err := os.ReadFile(s.CACertPath)
	if err != nil {
		return nil, fmt.Errorf("read CA certificate: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caPEM) {
		return nil, fmt.Errorf("parse CA certificate %q: no valid PEM blocks", s.CACertPath)
	}

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		RootCAs:      pool,
		MinVersion:   tls.VersionTLS12,
	}, nil
}

// applyCommonOptions sets the options shared by every Settings
// implementation: a non-clean session so queued subscriptions survive a
// reconnect, a fixed keepalive, and paho's own reconnect machinery
// disabled since the Supervisor is the sole reconnect authority.
func applyCommonOptions(opts *mqtt.ClientOptions) {
	opts.SetCleanSession(false)
	opts.SetKeepAlive(Keepalive)
	opts.SetAutoReconnect(false)
	opts.SetConnectRetry(false)
	opts.SetOrderMatters(false)
}
