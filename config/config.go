// Copyright 2026 The Proxyvisor Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use file except in compliance with the License.
// You may obtain a copy of the license at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config reads the daemon configuration file.  The file is YAML;
// JSON is accepted as well, since it is a subset.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sort"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/gdamore/proxyvisor"
	"github.com/gdamore/proxyvisor/certstore"
	"github.com/gdamore/proxyvisor/routing"
)

const (
	DefaultHTTPAddr  = ":80"
	DefaultHTTPSAddr = ":443"
	DefaultAdminAddr = "127.0.0.1:8321"
)

// Listen selects the addresses the daemon binds.  Use "-" to disable a
// listener.
type Listen struct {
	HTTP          string `yaml:"http" json:"http"`
	HTTPS         string `yaml:"https" json:"https"`
	Admin         string `yaml:"admin" json:"admin"`
	ProxyProtocol bool   `yaml:"proxy_protocol" json:"proxy_protocol"`
	MaxConns      int    `yaml:"max_conns" json:"max_conns"`
}

// ACME configures certificate issuance.  The directory and hosts are part
// of the TLS configuration.
type ACME struct {
	Email         string        `yaml:"email" json:"email"`
	Cache         string        `yaml:"cache" json:"cache"`
	CheckInterval time.Duration `yaml:"check_interval" json:"check_interval"`
	RenewWindow   time.Duration `yaml:"renew_window" json:"renew_window"`
}

// Config is the complete daemon configuration.
type Config struct {
	Tasks       map[string]proxyvisor.Task `yaml:"tasks" json:"tasks"`
	Rules       routing.Rules              `yaml:"rules" json:"rules"`
	TLS         certstore.Config           `yaml:"tls" json:"tls"`
	Redirects   []string                   `yaml:"redirects" json:"redirects"`
	Listen      Listen                     `yaml:"listen" json:"listen"`
	ACME        ACME                       `yaml:"acme" json:"acme"`
	BacklogSize int                        `yaml:"backlog_size" json:"backlog_size"`
	StopTimeout time.Duration              `yaml:"stop_timeout" json:"stop_timeout"`
}

// Default returns a configuration with nothing to run or route.
func Default() *Config {
	c := &Config{}
	c.applyDefaults()
	return c
}

func (c *Config) applyDefaults() {
	if c.Listen.HTTP == "" {
		c.Listen.HTTP = DefaultHTTPAddr
	}
	if c.Listen.HTTPS == "" {
		c.Listen.HTTPS = DefaultHTTPSAddr
	}
	if c.Listen.Admin == "" {
		c.Listen.Admin = DefaultAdminAddr
	}
	if c.BacklogSize == 0 {
		c.BacklogSize = proxyvisor.DefaultBacklogSize
	}
	if c.StopTimeout == 0 {
		c.StopTimeout = proxyvisor.DefaultStopTimeout
	}
	if c.Tasks == nil {
		c.Tasks = map[string]proxyvisor.Task{}
	}
	if c.Rules == nil {
		c.Rules = routing.Rules{}
	}
}

// loadFromEnv lets the environment override listener addresses, which is
// handy in containers.
func (c *Config) loadFromEnv() {
	if val := os.Getenv("PROXYVISOR_HTTP_ADDR"); val != "" {
		c.Listen.HTTP = val
	}
	if val := os.Getenv("PROXYVISOR_HTTPS_ADDR"); val != "" {
		c.Listen.HTTPS = val
	}
	if val := os.Getenv("PROXYVISOR_ADMIN_ADDR"); val != "" {
		c.Listen.Admin = val
	}
	if val := os.Getenv("PROXYVISOR_MAX_CONNS"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			c.Listen.MaxConns = n
		}
	}
}

// Addr returns a listener address, or "" if it is disabled.
func Addr(a string) string {
	if a == "-" {
		return ""
	}
	return a
}

// AllRedirects merges the top level redirects with those given in the TLS
// section, sorted and without duplicates.
func (c *Config) AllRedirects() []string {
	seen := map[string]bool{}
	var rv []string
	for _, list := range [][]string{c.Redirects, c.TLS.Redirects} {
		for _, h := range list {
			if !seen[h] {
				seen[h] = true
				rv = append(rv, h)
			}
		}
	}
	sort.Strings(rv)
	return rv
}

// TLSConfig is the TLS section with every redirect folded in.
func (c *Config) TLSConfig() certstore.Config {
	tc := c.TLS
	tc.Redirects = c.AllRedirects()
	return tc
}

func checkAddr(field, a string) error {
	if a == "" || a == "-" {
		return nil
	}
	if _, _, err := net.SplitHostPort(a); err != nil {
		return &proxyvisor.ConfigError{Field: field, Reason: err.Error()}
	}
	return nil
}

// Validate reports the first problem found.  TLS key material is checked
// when it is applied to the certificate store.
func (c *Config) Validate() error {
	ids := make([]string, 0, len(c.Tasks))
	for id := range c.Tasks {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		t := c.Tasks[id]
		if id == "" {
			return &proxyvisor.ConfigError{Field: "tasks", Reason: "empty task identifier"}
		}
		if err := t.Validate(); err != nil {
			var ce *proxyvisor.ConfigError
			if !errors.As(err, &ce) {
				return err
			}
			return &proxyvisor.ConfigError{
				Field:  fmt.Sprintf("tasks[%s].%s", id, ce.Field),
				Reason: ce.Reason,
			}
		}
	}
	if _, err := routing.NewTable(c.Rules, c.AllRedirects()); err != nil {
		return err
	}
	for _, a := range []struct{ field, addr string }{
		{"listen.http", c.Listen.HTTP},
		{"listen.https", c.Listen.HTTPS},
		{"listen.admin", c.Listen.Admin},
	} {
		if err := checkAddr(a.field, a.addr); err != nil {
			return err
		}
	}
	if c.Listen.MaxConns < 0 {
		return &proxyvisor.ConfigError{Field: "listen.max_conns", Reason: "must not be negative"}
	}
	if c.BacklogSize < 0 {
		return &proxyvisor.ConfigError{Field: "backlog_size", Reason: "must not be negative"}
	}
	if c.StopTimeout < 0 {
		return &proxyvisor.ConfigError{Field: "stop_timeout", Reason: "must not be negative"}
	}
	if c.ACME.CheckInterval < 0 || c.ACME.RenewWindow < 0 {
		return &proxyvisor.ConfigError{Field: "acme", Reason: "durations must not be negative"}
	}
	if len(c.TLS.ACMEHosts) > 0 && Addr(c.Listen.HTTP) == "" {
		return &proxyvisor.ConfigError{Field: "tls.acme_hosts",
			Reason: "HTTP-01 challenges need the http listener"}
	}
	return nil
}

// Parse decodes and validates a configuration.  Unknown keys are errors.
func Parse(r io.Reader) (*Config, error) {
	c := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && err != io.EOF {
		return nil, &proxyvisor.ConfigError{Reason: err.Error()}
	}
	c.applyDefaults()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Load reads path, then applies environment overrides.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	c, err := Parse(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	c.loadFromEnv()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}
