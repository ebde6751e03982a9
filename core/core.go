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

// Package core ties the supervisor, the routing table, the certificate
// store, the ACME client and the proxy front end into one unit that can be
// configured as a whole.
package core

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/gdamore/proxyvisor"
	"github.com/gdamore/proxyvisor/acme"
	"github.com/gdamore/proxyvisor/certcache"
	"github.com/gdamore/proxyvisor/certstore"
	"github.com/gdamore/proxyvisor/config"
	"github.com/gdamore/proxyvisor/proxy"
	"github.com/gdamore/proxyvisor/routing"
)

// Options are fixed for the life of a Core.
type Options struct {
	Name   string
	Logger *log.Logger
	// Email is the ACME account contact.
	Email string
	// CacheFile holds ACME accounts and certificates.  Empty disables
	// the cache, so every restart orders new certificates.
	CacheFile string
	// Issuer replaces the default Let's Encrypt issuer.
	Issuer        acme.Issuer
	CheckInterval time.Duration
	RenewWindow   time.Duration
	// LogSize is how many lines of the daemon's own log are kept.
	LogSize int
}

// OptionsFrom derives Options from a configuration file.
func OptionsFrom(c *config.Config, logger *log.Logger) Options {
	return Options{
		Logger:        logger,
		Email:         c.ACME.Email,
		CacheFile:     c.ACME.Cache,
		CheckInterval: c.ACME.CheckInterval,
		RenewWindow:   c.ACME.RenewWindow,
	}
}

type Core struct {
	mgr        *proxyvisor.Manager
	router     *routing.Router
	dialer     *routing.Dialer
	store      *certstore.Store
	acme       *acme.Client
	challenges *acme.ChallengeResponder
	proxy      *proxy.Server
	cache      *certcache.Cache
	logger     *log.Logger
	dlog       *proxyvisor.Backlog

	// mx serializes the Apply operations.
	mx           sync.Mutex
	rules        routing.Rules
	redirects    []string
	tlsRedirects []string
	closed       bool
}

func prefixed(l *log.Logger, prefix string) *log.Logger {
	return log.New(l.Writer(), prefix, l.Flags())
}

// New builds a Core with no tasks and no routes.
func New(opts Options) (*Core, error) {
	logger := opts.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "", log.LstdFlags)
	}
	dlog, blogger := proxyvisor.NewLogBacklog(opts.LogSize)
	logger = proxyvisor.NewMultiLogger(logger, blogger).Logger()
	c := &Core{
		dlog:       dlog,
		mgr:        proxyvisor.NewManager(opts.Name),
		router:     routing.NewRouter(),
		dialer:     &routing.Dialer{},
		store:      certstore.NewStore(),
		challenges: acme.NewChallengeResponder(),
		logger:     prefixed(logger, "[core] "),
		rules:      routing.Rules{},
	}
	if opts.CacheFile != "" {
		cache, err := certcache.Open(opts.CacheFile)
		if err != nil {
			c.challenges.Close()
			return nil, fmt.Errorf("certificate cache: %w", err)
		}
		c.cache = cache
	}
	issuer := opts.Issuer
	if issuer == nil {
		issuer = acme.NewLegoIssuer(opts.Email, c.cache, c.challenges)
	}
	c.acme = acme.NewClient(c.store, issuer, c.cache)
	if opts.CheckInterval > 0 {
		c.acme.CheckInterval = opts.CheckInterval
	}
	if opts.RenewWindow > 0 {
		c.acme.RenewWindow = opts.RenewWindow
	}
	c.proxy = proxy.NewServer(c.router, c.store, c.dialer)
	c.proxy.SetChallenger(c.challenges)
	c.store.SetMissHandler(c.acme.Nudge)

	c.mgr.SetLogger(prefixed(logger, "[tasks] "))
	c.store.SetLogger(prefixed(logger, "[tls] "))
	c.acme.SetLogger(prefixed(logger, "[acme] "))
	c.proxy.SetLogger(prefixed(logger, "[proxy] "))
	return c, nil
}

// Manager exposes the task supervisor.
func (c *Core) Manager() *proxyvisor.Manager { return c.mgr }

// Store exposes the certificate store.
func (c *Core) Store() *certstore.Store { return c.store }

// ACME exposes the certificate issuance client.
func (c *Core) ACME() *acme.Client { return c.acme }

// Proxy exposes the front end.
func (c *Core) Proxy() *proxy.Server { return c.proxy }

// Log holds the recent lines of the daemon's own log.
func (c *Core) Log() *proxyvisor.Backlog { return c.dlog }

// Table returns the routing table in force.
func (c *Core) Table() *routing.Table { return c.router.Table() }

// Rules returns the rules in force and the redirects given with them.
func (c *Core) Rules() (routing.Rules, []string) {
	c.mx.Lock()
	defer c.mx.Unlock()
	return cloneRules(c.rules), append([]string{}, c.redirects...)
}

func cloneRules(rules routing.Rules) routing.Rules {
	rv := make(routing.Rules, len(rules))
	for h, targets := range rules {
		rv[h] = append([]string{}, targets...)
	}
	return rv
}

func mergeRedirects(lists ...[]string) []string {
	seen := map[string]bool{}
	var rv []string
	for _, list := range lists {
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

// ApplyTasks replaces the task set.
func (c *Core) ApplyTasks(set map[string]proxyvisor.Task) error {
	return c.mgr.ApplyTasks(set)
}

// ApplyRules replaces the routing rules and the plaintext redirect hosts.
// Hosts listed for redirection in the TLS configuration stay redirected.
func (c *Core) ApplyRules(rules routing.Rules, redirects []string) error {
	c.mx.Lock()
	defer c.mx.Unlock()
	if c.closed {
		return proxyvisor.ErrShutdown
	}
	if err := c.router.Apply(rules, mergeRedirects(redirects, c.tlsRedirects)); err != nil {
		return err
	}
	c.rules = cloneRules(rules)
	c.redirects = append([]string{}, redirects...)
	return nil
}

// ApplyTLSConfig replaces the certificate configuration, the ACME host
// list and its redirects.  Nothing changes unless all of it is valid.
func (c *Core) ApplyTLSConfig(tc certstore.Config) error {
	c.mx.Lock()
	defer c.mx.Unlock()
	if c.closed {
		return proxyvisor.ErrShutdown
	}
	return c.applyTLSLocked(tc)
}

func (c *Core) applyTLSLocked(tc certstore.Config) error {
	if err := c.store.Validate(tc); err != nil {
		return err
	}
	redirects := mergeRedirects(c.redirects, tc.Redirects)
	if _, err := routing.NewTable(c.rules, redirects); err != nil {
		return err
	}
	if err := c.store.Apply(tc); err != nil {
		return err
	}
	if err := c.router.Apply(c.rules, redirects); err != nil {
		// Checked above.
		return err
	}
	c.tlsRedirects = append([]string{}, tc.Redirects...)
	c.acme.SetHosts(tc.ACMEDirURL, tc.ACMEHosts)
	return nil
}

// Apply installs a complete configuration.  Everything is validated first,
// so a bad file changes nothing.
func (c *Core) Apply(cfg *config.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	c.mx.Lock()
	defer c.mx.Unlock()
	if c.closed {
		return proxyvisor.ErrShutdown
	}
	if err := c.store.Validate(cfg.TLS); err != nil {
		return err
	}
	if _, err := routing.NewTable(cfg.Rules, cfg.AllRedirects()); err != nil {
		return err
	}

	c.rules = cloneRules(cfg.Rules)
	c.redirects = append([]string{}, cfg.Redirects...)
	if err := c.applyTLSLocked(cfg.TLS); err != nil {
		return err
	}
	c.mgr.SetBacklogSize(cfg.BacklogSize)
	c.mgr.SetStopTimeout(cfg.StopTimeout)
	return c.mgr.ApplyTasks(cfg.Tasks)
}

// GetBacklog returns a task's recorded output.
func (c *Core) GetBacklog(id string) ([]proxyvisor.Entry, error) {
	return c.mgr.GetBacklog(id)
}

func (c *Core) AddTask(id string, t proxyvisor.Task) (string, error) {
	return c.mgr.AddTask(id, t)
}

func (c *Core) StartTask(id string) error { return c.mgr.StartTask(id) }

func (c *Core) StopTask(id string) error { return c.mgr.StopTask(id) }

func (c *Core) RemoveTask(id string) error { return c.mgr.RemoveTask(id) }

// Listen binds the proxy listeners.
func (c *Core) Listen(opts proxy.Options) error {
	return c.proxy.Listen(opts)
}

// Run drives certificate issuance until ctx is done.
func (c *Core) Run(ctx context.Context) error {
	err := c.acme.Run(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Shutdown closes the listeners and stops every task.  Both happen at
// once; whatever is left when ctx ends is forcibly closed.
func (c *Core) Shutdown(ctx context.Context) error {
	c.mx.Lock()
	if c.closed {
		c.mx.Unlock()
		return nil
	}
	c.closed = true
	c.mx.Unlock()

	var wg sync.WaitGroup
	var perr, merr error
	wg.Add(2)
	go func() {
		defer wg.Done()
		perr = c.proxy.Shutdown(ctx)
	}()
	go func() {
		defer wg.Done()
		merr = c.mgr.Shutdown(ctx)
	}()
	wg.Wait()
	c.challenges.Close()
	if c.cache != nil {
		if err := c.cache.Close(); err != nil {
			c.logger.Printf("Closing certificate cache: %v", err)
		}
	}
	if perr != nil {
		return perr
	}
	return merr
}
