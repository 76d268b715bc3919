// Package config loads and validates the static configuration this module
// is handed at startup: the host bus credentials and the set of subordinate
// (and nested subsubordinate) buses to bridge.
//
// The on-disk dialect this package decodes is a YAML document whose shape
// mirrors the "subordinate" / "subsubordinate" sections a richer
// configuration backend would otherwise produce. Everything below the
// decode step — defaulting, path validation, deep-copy accessors — is this
// package's own concern.
package config

import (
	"fmt"
	"net"
	"os"

	"github.com/turris-cz/foris-forwarder-go/internal/ctrlid"
)

// DefaultDummyIP and DefaultPort seed a Subordinate's endpoint candidate
// before discovery or static configuration supplies a real one.
const (
	DefaultDummyIP = "192.0.0.8"
	DefaultPort    = 11884
)

// Host describes the local bus a Forwarder connects to as the host side.
// It is always reached over loopback with a username/password credential;
// it never uses TLS.
type Host struct {
	Address  string `yaml:"address"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

func (h Host) clone() Host { return h }

// validate checks that h has every field a loopback bus connection needs.
func (h Host) validate() error {
	if h.Address == "" {
		return fmt.Errorf("host: address is required")
	}
	if h.Port <= 0 {
		return fmt.Errorf("host: port must be positive")
	}
	if h.Username == "" {
		return fmt.Errorf("host: username is required")
	}
	return nil
}

// Subsubordinate describes a second-hop bus reachable only through its
// parent Subordinate's own forwarding, not directly from this process. It
// carries no endpoint or credentials of its own: it exists purely so the
// parent Forwarder's topic filters, on both the host and the subordinate
// side, can be widened to include its controller id.
type Subsubordinate struct {
	ControllerID string `yaml:"controller_id"`
}

// ID returns the parsed controller identity, or an error if ControllerID is
// not a valid controller id.
func (s Subsubordinate) ID() (ctrlid.ID, error) { return ctrlid.Parse(s.ControllerID) }

// Subordinate describes one remote bus this module bridges to the host,
// reached over mutually authenticated TLS, plus any subsubordinates nested
// beneath it.
type Subordinate struct {
	ControllerID string `yaml:"controller_id"`

	// Address and Port name the current best-known endpoint. They default
	// to DefaultDummyIP/DefaultPort when the document leaves them unset and
	// are expected to be
	// overwritten by the Supervisor as discovery and reconnect history
	// refine the candidate set; CloneWithOverrides is how that happens
	// without mutating the shared configuration.
	Address string `yaml:"address"`
	Port    int    `yaml:"port"`

	CACertPath     string `yaml:"ca_cert_path"`
	ClientCertPath string `yaml:"client_cert_path"`
	ClientKeyPath  string `yaml:"client_key_path"`

	Subsubordinates []Subsubordinate `yaml:"subsubordinates"`
}

// ID returns the parsed controller identity.
func (s Subordinate) ID() (ctrlid.ID, error) { return ctrlid.Parse(s.ControllerID) }

// Endpoint returns the subordinate's current best-known address and port
// as a dialable host:port pair.
func (s Subordinate) Endpoint() string { return net.JoinHostPort(s.Address, portString(s.Port)) }

// CloneWithOverrides returns a copy of s with Address and Port replaced.
// It never mutates s, matching the read-only semantics Configuration
// exposes: callers that want to try a new endpoint build a new value and
// hand it to the Supervisor, they do not edit the shared Subordinate.
func (s Subordinate) CloneWithOverrides(address string, port int) Subordinate {
	clone := s.clone()
	clone.Address = address
	clone.Port = port
	return clone
}

func (s Subordinate) clone() Subordinate {
	sub := s
	if s.Subsubordinates != nil {
		sub.Subsubordinates = make([]Subsubordinate, len(s.Subsubordinates))
		copy(sub.Subsubordinates, s.Subsubordinates)
	}
	return sub
}

// CheckPathsExist verifies that the three TLS material paths configured for
// s are set and exist on disk (os.Stat succeeds); it does not open or parse
// the files. validate calls it for every subordinate.
func (s Subordinate) CheckPathsExist() error {
	for _, p := range []struct {
		name, path string
	}{
		{"ca_cert_path", s.CACertPath},
		{"client_cert_path", s.ClientCertPath},
		{"client_key_path", s.ClientKeyPath},
	} {
		if p.path == "" {
			return fmt.Errorf("subordinate: %s is required", p.name)
		}
		if _, err := os.Stat(p.path); err != nil {
			return fmt.Errorf("subordinate: %s %q: %w", p.name, p.path, err)
		}
	}
	return nil
}

func (s Subordinate) validate() error {
	if _, err := s.ID(); err != nil {
		return err
	}
	if s.Address == "" || s.Port <= 0 {
		return fmt.Errorf("subordinate %s: address/port must be set (defaults applied by applyDefaults)", s.ControllerID)
	}
	if err := s.CheckPathsExist(); err != nil {
		return err
	}
	for _, sub := range s.Subsubordinates {
		if _, err := sub.ID(); err != nil {
			return fmt.Errorf("subordinate %s: %w", s.ControllerID, err)
		}
	}
	return nil
}

func portString(p int) string { return fmt.Sprintf("%d", p) }
