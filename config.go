// Copyright 2025 The Steer Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package steer

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Default knob values applied by FillDefaults.
const (
	DefaultCommandBuffer    = 256
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultDialTimeout      = 10 * time.Second
	DefaultDrainGrace       = 30 * time.Second
	DefaultRenewInterval    = 1 * time.Hour
)

// Duration can be marshaled from JSON as either an integer number of
// nanoseconds or a string such as "30s".
type Duration time.Duration

// UnmarshalJSON satisfies json.Unmarshaler.
func (d *Duration) UnmarshalJSON(b []byte) error {
	if len(b) == 0 {
		return fmt.Errorf("empty duration")
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		dur, err := time.ParseDuration(s)
		if err != nil {
			return err
		}
		*d = Duration(dur)
		return nil
	}
	var ns int64
	if err := json.Unmarshal(b, &ns); err != nil {
		return err
	}
	*d = Duration(ns)
	return nil
}

// MarshalJSON satisfies json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// PortEntry is an identified, operator-authored listener description.
type PortEntry struct {
	// ID is a stable short identifier. Generated if omitted.
	ID string `json:"id"`

	// Name is a human label, 1 to 32 characters.
	Name string `json:"name"`

	// Listen is the listener address in multiaddr form.
	Listen Multiaddr `json:"listen"`

	// Opts carries per-port options.
	Opts PortOptions `json:"opts,omitempty"`
}

// PortOptions are the per-port tuning knobs.
type PortOptions struct {
	// TLSTermination, when present, makes the port terminate TLS for
	// the declared server names.
	TLSTermination *TLSTermination `json:"tls_termination,omitempty"`

	// UpstreamServers are the upstreams for raw TCP ports. HTTP ports
	// route via the site table instead.
	UpstreamServers []UpstreamServer `json:"upstream_servers,omitempty"`

	// ProxyProtocol accepts the PROXY protocol header on inbound
	// connections before any TLS handshake.
	ProxyProtocol bool `json:"proxy_protocol,omitempty"`
}

// TLSTermination declares which server names a port answers for.
type TLSTermination struct {
	ServerNames []string `json:"server_names"`
}

// UpstreamServer is a single upstream address for a raw TCP port.
type UpstreamServer struct {
	Addr Multiaddr `json:"addr"`
}

// SiteEntry routes HTTP traffic arriving on one or more ports.
type SiteEntry struct {
	ID     string   `json:"id"`
	Ports  []string `json:"ports"`
	VHosts []string `json:"vhosts,omitempty"`
	Routes []Route  `json:"routes"`
}

// Route maps a path prefix to one or more upstream origins.
type Route struct {
	Path    string          `json:"path"`
	Servers []RouteUpstream `json:"servers"`
}

// RouteUpstream is one upstream origin of a route.
type RouteUpstream struct {
	URL string `json:"url"`
}

// AcmeEntry describes one ACME account/order configuration.
type AcmeEntry struct {
	ID           string   `json:"id"`
	Provider     string   `json:"provider,omitempty"`
	DirectoryURL string   `json:"directory_url"`
	Email        string   `json:"email,omitempty"`
	Identifiers  []string `json:"identifiers"`
	Active       bool     `json:"active"`
}

// TimeoutConfig bounds the slow paths of the data plane.
type TimeoutConfig struct {
	Handshake  Duration `json:"handshake,omitempty"`
	Dial       Duration `json:"dial,omitempty"`
	DrainGrace Duration `json:"drain_grace,omitempty"`
}

// AppConfig is the persisted configuration document the supervisor
// consumes. The supervisor loads it at startup and reloads it on
// explicit command; it does not own the storage.
type AppConfig struct {
	Ports []PortEntry `json:"ports"`
	Sites []SiteEntry `json:"sites,omitempty"`
	Acme  []AcmeEntry `json:"acme,omitempty"`

	// CertsDir is the certificate directory: one subdirectory per
	// certificate ID holding cert.pem and key.pem.
	CertsDir string `json:"certs_dir,omitempty"`

	// CommandBuffer is the capacity of the command channel.
	CommandBuffer int `json:"command_buffer,omitempty"`

	// RenewInterval is how often the supervisor scans the keyring for
	// certificates inside their renewal window.
	RenewInterval Duration `json:"renew_interval,omitempty"`

	Timeouts TimeoutConfig `json:"timeouts,omitempty"`
}

// FillDefaults populates unset knobs with their defaults.
func (c *AppConfig) FillDefaults() {
	if c.CommandBuffer <= 0 {
		c.CommandBuffer = DefaultCommandBuffer
	}
	if c.RenewInterval <= 0 {
		c.RenewInterval = Duration(DefaultRenewInterval)
	}
	if c.Timeouts.Handshake <= 0 {
		c.Timeouts.Handshake = Duration(DefaultHandshakeTimeout)
	}
	if c.Timeouts.Dial <= 0 {
		c.Timeouts.Dial = Duration(DefaultDialTimeout)
	}
	if c.Timeouts.DrainGrace <= 0 {
		c.Timeouts.DrainGrace = Duration(DefaultDrainGrace)
	}
}

// LoadConfig reads a configuration document from path. The format is
// chosen by extension: .json natively, .toml and .yaml/.yml through an
// adapter that converts to JSON first so there is a single canonical
// decoding path.
func LoadConfig(path string) (AppConfig, error) {
	var cfg AppConfig
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	jsonBytes, err := adaptConfig(raw, filepath.Ext(path))
	if err != nil {
		return cfg, fmt.Errorf("adapting config %s: %w", path, err)
	}
	if err := json.Unmarshal(jsonBytes, &cfg); err != nil {
		return cfg, fmt.Errorf("decoding config %s: %w", path, err)
	}
	cfg.FillDefaults()
	return cfg, nil
}

// adaptConfig converts a serialized config document to JSON bytes.
func adaptConfig(raw []byte, ext string) ([]byte, error) {
	switch strings.ToLower(ext) {
	case ".json", "":
		return raw, nil
	case ".toml":
		var doc map[string]any
		if err := toml.Unmarshal(raw, &doc); err != nil {
			return nil, err
		}
		return json.Marshal(doc)
	case ".yaml", ".yml":
		var doc map[string]any
		if err := yaml.Unmarshal(raw, &doc); err != nil {
			return nil, err
		}
		return json.Marshal(doc)
	}
	return nil, fmt.Errorf("unsupported config format %q", ext)
}

// LoadCertsDir loads every certificate stored under dir. Each
// certificate lives in a subdirectory named by its ID and holds
// cert.pem (leaf plus chain) and key.pem. Certificates that fail to
// load are skipped and reported; the rest proceed.
func LoadCertsDir(dir string) ([]*Certificate, []error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, []error{err}
	}
	var certs []*Certificate
	var errs []error
	for _, ent := range entries {
		if !ent.IsDir() {
			continue
		}
		chainPEM, err := os.ReadFile(filepath.Join(dir, ent.Name(), "cert.pem"))
		if err != nil {
			errs = append(errs, err)
			continue
		}
		keyPEM, err := os.ReadFile(filepath.Join(dir, ent.Name(), "key.pem"))
		if err != nil {
			errs = append(errs, err)
			continue
		}
		cert, err := NewCertificate(chainPEM, keyPEM)
		if err != nil {
			errs = append(errs, fmt.Errorf("loading certificate %s: %w", ent.Name(), err))
			continue
		}
		certs = append(certs, cert)
	}
	return certs, errs
}

// SaveCert writes cert's chain and key under dir, keyed by its ID,
// for the next startup to load.
func SaveCert(dir string, cert *Certificate, chainPEM, keyPEM []byte) error {
	certDir := filepath.Join(dir, cert.ID)
	if err := os.MkdirAll(certDir, 0o700); err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(certDir, "cert.pem"), chainPEM, 0o600); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(certDir, "key.pem"), keyPEM, 0o600)
}
