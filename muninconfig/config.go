//
// Copyright 2015 Gregory Trubetskoy. All Rights Reserved.
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

// Package muninconfig loads the update worker's TOML configuration:
// global defaults (Carbon relay, on-disk store, worker pool sizing)
// and the list of monitored hosts.
package muninconfig

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// duration wraps time.Duration so TOML string values like "5m" or
// "300s" decode directly, the way BurntSushi/toml expects a
// TextUnmarshaler-implementing type to.
type duration struct{ time.Duration }

func (d *duration) UnmarshalText(text []byte) (err error) {
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// Host is one monitored node declaration.
type Host struct {
	GroupName     string            `toml:"group"`
	HostName      string            `toml:"host"`
	Address       string            `toml:"address"`
	Port          int               `toml:"port"`
	ServiceConfig map[string]string `toml:"service_config"`
	LimitServices []string          `toml:"limit_services"`
}

// Config is the top-level TOML document.
type Config struct {
	PidPath  string   `toml:"pid-file"`
	LogPath  string   `toml:"log-file"`
	LogCycle duration `toml:"log-cycle-interval"`

	Dbdir            string `toml:"dbdir"`
	CarbonServer     string `toml:"carbon_server"`
	CarbonPort       int    `toml:"carbon_port"`
	CarbonPrefix     string `toml:"carbon_prefix"`
	RrdcachedSocket  string `toml:"rrdcached_socket"`
	GraphDataSize    string `toml:"graph_data_size"`
	UpdateRate       string `toml:"update_rate"`
	OldconfigVersion string `toml:"oldconfig.version"`

	Workers        int      `toml:"workers"`
	SessionTimeout duration `toml:"session-timeout"`

	Hosts []Host `toml:"host"`
}

// Load reads and validates the TOML file at path.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("muninconfig: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Dbdir == "" {
		return fmt.Errorf("muninconfig: dbdir setting empty")
	}
	if c.Workers == 0 {
		c.Workers = 4
		log.Printf("muninconfig: workers unspecified, defaulting to %d", c.Workers)
	}
	if c.SessionTimeout.Duration == 0 {
		c.SessionTimeout.Duration = 30 * time.Second
	}
	if c.UpdateRate == "" {
		c.UpdateRate = "5m"
	}
	if c.GraphDataSize == "" {
		c.GraphDataSize = "normal"
	}
	if len(c.Hosts) == 0 {
		return fmt.Errorf("muninconfig: no [[host]] declarations")
	}
	for i, h := range c.Hosts {
		if h.HostName == "" {
			return fmt.Errorf("muninconfig: host #%d missing host name", i)
		}
		if h.Port == 0 {
			c.Hosts[i].Port = 4949
		}
	}
	return nil
}

// LimitServicesSet turns a Host's LimitServices slice into a lookup
// set, or nil if the host declares no allowlist.
func (h *Host) LimitServicesSet() map[string]bool {
	if len(h.LimitServices) == 0 {
		return nil
	}
	set := make(map[string]bool, len(h.LimitServices))
	for _, s := range h.LimitServices {
		set[s] = true
	}
	return set
}

// ProcessPidFile ensures the pid-file's directory exists and resolves
// it against wd if it was given as a relative path.
func (c *Config) ProcessPidFile(wd string) error {
	if c.PidPath == "" {
		return nil // pid file is optional
	}
	if !filepath.IsAbs(c.PidPath) {
		if wd == "" {
			return fmt.Errorf("muninconfig: pid-file must be absolute if working directory is unknown")
		}
		c.PidPath = filepath.Join(wd, c.PidPath)
	}
	return os.MkdirAll(filepath.Dir(c.PidPath), 0755)
}
