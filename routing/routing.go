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

// Package routing maps request hosts to upstream targets.  Tables are
// immutable; a Router swaps whole tables atomically, so that a lookup never
// sees half of an update.
package routing

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"golang.org/x/net/idna"

	"github.com/gdamore/proxyvisor"
)

var (
	ErrNoRoute        = errors.New("No route for host")
	ErrAllTargetsDown = errors.New("All targets are unreachable")
)

// Rules maps a host name to its ordered list of upstream targets.
type Rules map[string][]string

// Target is a parsed upstream address.
type Target struct {
	Raw    string
	Scheme string // "http" or "https"
	Addr   string // host:port
}

func (t Target) String() string {
	return t.Raw
}

// TLS reports whether the upstream expects TLS.
func (t Target) TLS() bool {
	return t.Scheme == "https"
}

// ServerName is the host part of Addr, used for upstream verification.
func (t Target) ServerName() string {
	h, _, e := net.SplitHostPort(t.Addr)
	if e != nil {
		return t.Addr
	}
	return h
}

// ParseTarget accepts host:port, http://host[:port] or https://host[:port].
func ParseTarget(s string) (Target, error) {
	if !strings.Contains(s, "://") {
		if e := checkHostPort(s); e != nil {
			return Target{}, e
		}
		return Target{Raw: s, Scheme: "http", Addr: s}, nil
	}
	u, e := url.Parse(s)
	if e != nil {
		return Target{}, e
	}
	var port string
	switch u.Scheme {
	case "http":
		port = "80"
	case "https":
		port = "443"
	default:
		return Target{}, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Path != "" && u.Path != "/" {
		return Target{}, errors.New("paths are not supported")
	}
	if u.User != nil || u.RawQuery != "" || u.Fragment != "" {
		return Target{}, errors.New("only scheme, host and port are allowed")
	}
	if u.Hostname() == "" {
		return Target{}, errors.New("missing host")
	}
	addr := u.Host
	if u.Port() == "" {
		addr = net.JoinHostPort(u.Hostname(), port)
	}
	if e := checkHostPort(addr); e != nil {
		return Target{}, e
	}
	return Target{Raw: s, Scheme: u.Scheme, Addr: addr}, nil
}

func checkHostPort(s string) error {
	h, p, e := net.SplitHostPort(s)
	if e != nil {
		return e
	}
	if h == "" {
		return errors.New("missing host")
	}
	n, e := strconv.Atoi(p)
	if e != nil || n < 1 || n > 65535 {
		return fmt.Errorf("bad port %q", p)
	}
	return nil
}

// NormalizeHost strips any port and trailing dot, lower-cases, and converts
// internationalized names to their ASCII form.
func NormalizeHost(host string) (string, error) {
	if h, _, e := net.SplitHostPort(host); e == nil {
		host = h
	} else if strings.HasPrefix(host, "[") && strings.HasSuffix(host, "]") {
		host = host[1 : len(host)-1]
	}
	host = strings.TrimSuffix(host, ".")
	if host == "" {
		return "", errors.New("empty host")
	}
	if ip := net.ParseIP(host); ip != nil {
		return ip.String(), nil
	}
	a, e := idna.Lookup.ToASCII(host)
	if e != nil {
		return "", e
	}
	return strings.ToLower(a), nil
}

// lookupKey is NormalizeHost for the request path, where junk simply
// fails to match.
func lookupKey(host string) string {
	if k, e := NormalizeHost(host); e == nil {
		return k
	}
	return strings.ToLower(host)
}

// Route is the outcome of a dispatch.
type Route struct {
	Host     string
	Redirect bool
	Targets  []Target
}

// Table is an immutable routing snapshot.
type Table struct {
	routes     map[string][]Target
	redirects  map[string]bool
	generation uint64
}

// NewTable validates rules and redirects and builds a table.  Any problem
// is reported as a *proxyvisor.ConfigError.
func NewTable(rules Rules, redirects []string) (*Table, error) {
	t := &Table{
		routes:    make(map[string][]Target, len(rules)),
		redirects: make(map[string]bool, len(redirects)),
	}
	hosts := make([]string, 0, len(rules))
	for h := range rules {
		hosts = append(hosts, h)
	}
	sort.Strings(hosts)
	seen := make(map[string]string, len(rules))
	for _, h := range hosts {
		field := fmt.Sprintf("rules[%s]", h)
		if h == "" {
			return nil, &proxyvisor.ConfigError{Field: "rules", Reason: "empty host"}
		}
		key, e := NormalizeHost(h)
		if e != nil {
			return nil, &proxyvisor.ConfigError{Field: field, Reason: e.Error()}
		}
		if prev, ok := seen[key]; ok {
			return nil, &proxyvisor.ConfigError{Field: field,
				Reason: fmt.Sprintf("collides with %q", prev)}
		}
		seen[key] = h
		raw := rules[h]
		if len(raw) == 0 {
			return nil, &proxyvisor.ConfigError{Field: field, Reason: "no targets"}
		}
		targets := make([]Target, 0, len(raw))
		for _, s := range raw {
			tgt, e := ParseTarget(s)
			if e != nil {
				return nil, &proxyvisor.ConfigError{Field: field,
					Reason: fmt.Sprintf("bad target %q: %v", s, e)}
			}
			targets = append(targets, tgt)
		}
		t.routes[key] = targets
	}
	for _, h := range redirects {
		key, e := NormalizeHost(h)
		if e != nil {
			return nil, &proxyvisor.ConfigError{Field: "redirects",
				Reason: fmt.Sprintf("bad host %q: %v", h, e)}
		}
		t.redirects[key] = true
	}
	return t, nil
}

// Dispatch resolves a host arriving over plaintext.  Hosts to be redirected
// to https come back with Redirect set and no targets.
func (t *Table) Dispatch(host string) (Route, error) {
	key := lookupKey(host)
	if t.redirects[key] {
		return Route{Host: key, Redirect: true}, nil
	}
	return t.lookup(key)
}

// Lookup resolves a host arriving over TLS.  Redirects do not apply.
func (t *Table) Lookup(host string) (Route, error) {
	return t.lookup(lookupKey(host))
}

func (t *Table) lookup(key string) (Route, error) {
	targets, ok := t.routes[key]
	if !ok {
		return Route{Host: key}, ErrNoRoute
	}
	return Route{Host: key, Targets: targets}, nil
}

// Hosts returns the routed hosts, sorted.
func (t *Table) Hosts() []string {
	rv := make([]string, 0, len(t.routes))
	for h := range t.routes {
		rv = append(rv, h)
	}
	sort.Strings(rv)
	return rv
}

// Redirects returns the hosts redirected to https, sorted.
func (t *Table) Redirects() []string {
	rv := make([]string, 0, len(t.redirects))
	for h := range t.redirects {
		rv = append(rv, h)
	}
	sort.Strings(rv)
	return rv
}

// Generation increases by one with every table a Router installs.
func (t *Table) Generation() uint64 {
	return t.generation
}

// Router holds the current Table.
type Router struct {
	table   atomic.Pointer[Table]
	mx      sync.Mutex
	gen     uint64
	watches []func(*Table)
}

// NewRouter returns a Router with an empty table.
func NewRouter() *Router {
	r := &Router{}
	t, _ := NewTable(nil, nil)
	r.table.Store(t)
	return r
}

// Apply validates rules and redirects, then replaces the table whole.  On
// error the previous table stays in place.
func (r *Router) Apply(rules Rules, redirects []string) error {
	t, e := NewTable(rules, redirects)
	if e != nil {
		return e
	}
	r.mx.Lock()
	r.gen++
	t.generation = r.gen
	r.table.Store(t)
	watches := append([]func(*Table){}, r.watches...)
	r.mx.Unlock()
	for _, fn := range watches {
		fn(t)
	}
	return nil
}

// Table returns the current snapshot.
func (r *Router) Table() *Table {
	return r.table.Load()
}

// OnChange registers fn to be called after every successful Apply.
func (r *Router) OnChange(fn func(*Table)) {
	r.mx.Lock()
	r.watches = append(r.watches, fn)
	r.mx.Unlock()
}
