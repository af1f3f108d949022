// Copyright 2016--2022 Lightbits Labs Ltd.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// you may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config binds the target's on-disk/CLI configuration with
// viper, the way the teacher's cmd package does for the discovery
// client (cmd/root.go).
package config

import (
	"fmt"

	"github.com/spf13/viper"

	"github.com/lightbitslabs/i10-target/internal/logging"
)

// Config is the full set of knobs this target's cmd/target binary
// exposes, spanning the ambient stack (logging) and the domain stack
// (listen address, queue depth, digest policy).
type Config struct {
	// ListenAddr is the TCP address the target's NVMe-over-TCP port
	// binds to, e.g. "0.0.0.0:4420".
	ListenAddr string `mapstructure:"listenAddr"`
	// PortConfigFile, if set, is watched via internal/portwatch and
	// each reload is logged; listeners are not added or removed.
	PortConfigFile string `mapstructure:"portConfigFile"`

	// SQSize is the default submission queue depth granted to a newly
	// connected I/O queue absent an explicit connect-time override.
	SQSize uint16 `mapstructure:"sqSize"`

	// RequireHeaderDigest/RequireDataDigest are read from the config
	// but not passed to the queue engine: an icreq is accepted with
	// whatever digests it requests, whatever these are set to.
	RequireHeaderDigest bool `mapstructure:"requireHeaderDigest"`
	RequireDataDigest   bool `mapstructure:"requireDataDigest"`

	// MetricsAddr is the address the prometheus handler listens on;
	// empty disables the metrics endpoint.
	MetricsAddr string `mapstructure:"metricsAddr"`

	Logging logging.Config `mapstructure:"logging"`
}

// Default returns the configuration this target ships with absent any
// file or flag overrides.
func Default() Config {
	return Config{
		ListenAddr: "0.0.0.0:4420",
		SQSize:     128,
		Logging: logging.Config{
			Level: "info",
		},
	}
}

// IsValid checks field-level invariants this target depends on,
// following the teacher's own Config.IsValid pattern (internal/logging
// Config.IsValid, adapted from pkg/logging's original).
func (c *Config) IsValid() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("listenAddr must not be empty")
	}
	if c.SQSize == 0 {
		return fmt.Errorf("sqSize must be > 0")
	}
	if err := c.Logging.IsValid(); err != nil {
		return err
	}
	return nil
}

// Load binds viper to the given config file path (if non-empty) plus
// the TARGET_-prefixed environment, and unmarshals into a Config with
// Default() as its base.
func Load(v *viper.Viper, cfgFile string) (Config, error) {
	cfg := Default()
	v.SetEnvPrefix("TARGET")
	v.AutomaticEnv()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return cfg, fmt.Errorf("failed to read config file %q: %w", cfgFile, err)
		}
	}
	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.IsValid(); err != nil {
		return cfg, err
	}
	return cfg, nil
}
