package config

import (
	"bytes"
	"fmt"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"
)

// document is the on-disk shape this package decodes.
type document struct {
	Host         Host          `yaml:"host"`
	Subordinates []Subordinate `yaml:"subordinates"`
}

// Configuration is the validated, in-memory view of document. Its
// accessors return deep copies so that callers (notably the Supervisor,
// which persists endpoint overrides across reconnect attempts) can never
// mutate the shared configuration out from under the rest of the module.
type Configuration struct {
	host         Host
	subordinates []Subordinate
}

// Load reads and validates the YAML configuration file at path.
//
// Unknown fields are rejected (KnownFields(true)), so a typo in the on-disk
// dialect fails fast at startup instead of silently being ignored.
func Load(path string, logger *slog.Logger) (*Configuration, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: cannot read %q: %w", path, err)
	}
	return Parse(data, logger)
}

// Parse decodes and validates a configuration document already in memory.
// It is split out from Load so tests can exercise validation without
// touching the filesystem.
//
// A problem with the host bus configuration fails the whole call: there is
// no fallback host. A problem with one subordinate — an invalid controller
// id, a missing certificate file, a controller id already claimed by an
// earlier entry — is logged as a warning and that subordinate alone is
// dropped; every other subordinate is still returned, so one misconfigured
// entry never takes down the rest.
func Parse(data []byte, logger *slog.Logger) (*Configuration, error) {
	if logger == nil {
		panic("config: logger must not be nil")
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var doc document
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("config: cannot parse: %w", err)
	}

	applyDefaults(&doc)

	if err := doc.Host.validate(); err != nil {
		return nil, fmt.Errorf("config: validation failed: %w", err)
	}

	subordinates := filterValidSubordinates(doc.Subordinates, logger)

	return &Configuration{host: doc.Host, subordinates: subordinates}, nil
}

// filterValidSubordinates validates each subordinate independently, logging
// and dropping the ones that fail instead of aborting the whole document.
func filterValidSubordinates(candidates []Subordinate, logger *slog.Logger) []Subordinate {
	kept := make([]Subordinate, 0, len(candidates))
	seen := make(map[string]bool, len(candidates))

	for _, s := range candidates {
		if err := s.validate(); err != nil {
			logger.Warn("skipping subordinate with invalid configuration",
				slog.String("controller_id", s.ControllerID), slog.Any("error", err))
			continue
		}
		id, _ := s.ID() // already parsed successfully by validate
		if seen[id.String()] {
			logger.Warn("skipping subordinate with duplicate controller_id",
				slog.String("controller_id", s.ControllerID))
			continue
		}
		seen[id.String()] = true
		kept = append(kept, s)
	}

	return kept
}

// applyDefaults fills in zero-value optional fields, seeding a dummy
// placeholder endpoint for a subordinate that has not yet been resolved by
// discovery or a static override.
func applyDefaults(doc *document) {
	if doc.Host.Port == 0 {
		doc.Host.Port = 1883
	}
	for i := range doc.Subordinates {
		s := &doc.Subordinates[i]
		if s.Address == "" {
			s.Address = DefaultDummyIP
		}
		if s.Port == 0 {
			s.Port = DefaultPort
		}
	}
}

// Host returns a copy of the host bus configuration.
func (c *Configuration) Host() Host { return c.host.clone() }

// Subordinates returns a deep copy of the configured subordinate list. The
// caller is free to mutate the returned slice and its elements.
func (c *Configuration) Subordinates() []Subordinate {
	out := make([]Subordinate, len(c.subordinates))
	for i, s := range c.subordinates {
		out[i] = s.clone()
	}
	return out
}
