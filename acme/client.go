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

// Package acme keeps certificates for the configured hosts current.  It
// orders certificates through an Issuer, installs them in the certificate
// store, and saves them in the cache.  A failed order never removes a
// certificate that is still usable.
package acme

import (
	"context"
	"errors"
	"log"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"

	"github.com/gdamore/proxyvisor/certcache"
	"github.com/gdamore/proxyvisor/certstore"
	"github.com/gdamore/proxyvisor/routing"
)

const (
	DefaultCheckInterval = time.Hour * 12
	DefaultRenewWindow   = time.Hour * 24 * 30

	// Retry schedule for a host whose order failed.
	retryInitial = time.Minute
	retryMax     = time.Hour * 6
)

var ErrNoHosts = errors.New("Host is not an ACME host")

// Issuer obtains a certificate for a single host, returning PEM encoded
// certificate chain and key.
type Issuer interface {
	Obtain(ctx context.Context, host string) (certPEM, keyPEM []byte, err error)
}

// DirectorySetter is implemented by issuers that can switch directory.
type DirectorySetter interface {
	SetDirectory(url string)
}

// HostStatus reports the state of one host.
type HostStatus struct {
	Host        string
	Valid       bool
	Issuing     bool
	NotAfter    time.Time
	Failures    int
	LastError   string
	NextAttempt time.Time
}

type hostState struct {
	retry    *backoff.ExponentialBackOff
	next     time.Time
	failures int
	lastErr  error
}

func newRetry() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = retryInitial
	b.MaxInterval = retryMax
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// Client drives issuance and renewal.
type Client struct {
	CheckInterval time.Duration
	RenewWindow   time.Duration

	store   *certstore.Store
	issuer  Issuer
	cache   *certcache.Cache
	limiter *rate.Limiter
	logger  *log.Logger
	now     func() time.Time

	mx     sync.Mutex
	hosts  []string
	dirURL string
	state  map[string]*hostState
	wake   chan struct{}
}

// NewClient returns a Client installing into store.  The cache may be nil.
func NewClient(store *certstore.Store, issuer Issuer, cache *certcache.Cache) *Client {
	return &Client{
		CheckInterval: DefaultCheckInterval,
		RenewWindow:   DefaultRenewWindow,
		store:         store,
		issuer:        issuer,
		cache:         cache,
		// Let's Encrypt allows 300 new orders per 3 hours.
		limiter: rate.NewLimiter(rate.Every(time.Minute), 5),
		logger:  log.New(os.Stderr, "[acme] ", log.LstdFlags),
		now:     time.Now,
		state:   make(map[string]*hostState),
		wake:    make(chan struct{}, 1),
	}
}

// SetLogger replaces the logger.
func (c *Client) SetLogger(l *log.Logger) {
	c.mx.Lock()
	c.logger = l
	c.mx.Unlock()
}

// SetLimiter replaces the order rate limiter.
func (c *Client) SetLimiter(l *rate.Limiter) {
	c.mx.Lock()
	c.limiter = l
	c.mx.Unlock()
}

func (c *Client) logf(format string, v ...interface{}) {
	c.mx.Lock()
	l := c.logger
	c.mx.Unlock()
	if l != nil {
		l.Printf(format, v...)
	}
}

// SetHosts replaces the directory and set of hosts, and triggers a check.
func (c *Client) SetHosts(dirURL string, hosts []string) {
	norm := make([]string, 0, len(hosts))
	seen := map[string]bool{}
	for _, h := range hosts {
		k, e := routing.NormalizeHost(h)
		if e != nil || seen[k] {
			continue
		}
		seen[k] = true
		norm = append(norm, k)
	}
	sort.Strings(norm)

	c.mx.Lock()
	if dirURL != c.dirURL {
		if ds, ok := c.issuer.(DirectorySetter); ok {
			ds.SetDirectory(dirURL)
		}
		// Certificates from a new directory start from a clean slate.
		c.state = make(map[string]*hostState)
	}
	c.dirURL = dirURL
	c.hosts = norm
	for h := range c.state {
		if !seen[h] {
			delete(c.state, h)
		}
	}
	c.mx.Unlock()
	c.kick()
}

// Hosts returns the hosts being managed.
func (c *Client) Hosts() []string {
	c.mx.Lock()
	defer c.mx.Unlock()
	return append([]string{}, c.hosts...)
}

func (c *Client) kick() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// Nudge asks for an early check because a handshake for host found no
// certificate.  It never blocks.  Hosts backing off are not retried early.
func (c *Client) Nudge(host string) {
	c.kick()
}

func (c *Client) managed(host string) bool {
	for _, h := range c.hosts {
		if h == host {
			return true
		}
	}
	return false
}

func (c *Client) stateOf(host string) *hostState {
	st, ok := c.state[host]
	if !ok {
		st = &hostState{retry: newRetry()}
		c.state[host] = st
	}
	return st
}

// Status reports the state of host.
func (c *Client) Status(host string) (*HostStatus, error) {
	key, e := routing.NormalizeHost(host)
	if e != nil {
		return nil, ErrNoHosts
	}
	c.mx.Lock()
	defer c.mx.Unlock()
	if !c.managed(key) {
		return nil, ErrNoHosts
	}
	hs := &HostStatus{Host: key, Issuing: c.store.Issuing(key)}
	if _, _, notAfter, ok := c.store.ACMECertificate(key); ok {
		hs.NotAfter = notAfter
		hs.Valid = c.now().Add(c.store.ExpiryMargin).Before(notAfter)
	}
	if st, ok := c.state[key]; ok {
		hs.Failures = st.failures
		hs.NextAttempt = st.next
		if st.lastErr != nil {
			hs.LastError = st.lastErr.Error()
		}
	}
	return hs, nil
}

// due reports whether host needs a certificate, and whether backoff
// permits trying now.
func (c *Client) due(host string, now time.Time) bool {
	if _, _, notAfter, ok := c.store.ACMECertificate(host); ok {
		if now.Add(c.RenewWindow).Before(notAfter) {
			return false
		}
	}
	c.mx.Lock()
	defer c.mx.Unlock()
	st := c.stateOf(host)
	return !now.Before(st.next)
}

// Issue orders a certificate for host right away, ignoring backoff.
func (c *Client) Issue(ctx context.Context, host string) error {
	key, e := routing.NormalizeHost(host)
	if e != nil {
		return ErrNoHosts
	}
	c.mx.Lock()
	ok := c.managed(key)
	c.mx.Unlock()
	if !ok {
		return ErrNoHosts
	}
	return c.issue(ctx, key)
}

func (c *Client) issue(ctx context.Context, host string) error {
	if !c.store.BeginIssue(host) {
		return nil
	}
	defer c.store.EndIssue(host)

	c.mx.Lock()
	limiter := c.limiter
	c.mx.Unlock()
	if err := limiter.Wait(ctx); err != nil {
		return err
	}

	c.logf("Ordering certificate for %s", host)
	certPEM, keyPEM, err := c.issuer.Obtain(ctx, host)
	if err == nil {
		err = c.store.InstallACME(host, certPEM, keyPEM)
	}

	c.mx.Lock()
	st := c.stateOf(host)
	if err != nil {
		st.failures++
		st.lastErr = err
		st.next = c.now().Add(st.retry.NextBackOff())
		next := st.next
		c.mx.Unlock()
		issuances.WithLabelValues("failure").Inc()
		c.logf("Certificate for %s failed (retry at %s): %v",
			host, next.Format(time.RFC3339), err)
		return err
	}
	st.failures = 0
	st.lastErr = nil
	st.next = time.Time{}
	st.retry.Reset()
	c.mx.Unlock()

	issuances.WithLabelValues("success").Inc()
	_, _, notAfter, _ := c.store.ACMECertificate(host)
	c.logf("Installed certificate for %s, expires %s", host,
		notAfter.Format(time.RFC3339))
	if c.cache != nil {
		if e := c.cache.SaveCertificate(&certcache.Certificate{
			Host:        host,
			Certificate: certPEM,
			Key:         keyPEM,
			NotAfter:    notAfter,
		}); e != nil {
			c.logf("Cannot cache certificate for %s: %v", host, e)
		}
	}
	return nil
}

// check orders certificates for every host that is due.
func (c *Client) check(ctx context.Context) {
	for _, h := range c.Hosts() {
		if ctx.Err() != nil {
			return
		}
		if c.due(h, c.now()) {
			c.issue(ctx, h)
		}
	}
}

// nextCheck is the time until the next scheduled check or retry.
func (c *Client) nextCheck() time.Duration {
	wait := c.CheckInterval
	if wait <= 0 {
		wait = DefaultCheckInterval
	}
	now := c.now()
	c.mx.Lock()
	defer c.mx.Unlock()
	for _, st := range c.state {
		if st.next.IsZero() {
			continue
		}
		if d := st.next.Sub(now); d < wait {
			wait = d
		}
	}
	if wait < time.Second {
		wait = time.Second
	}
	return wait
}

// LoadCache installs cached certificates that are still usable.
func (c *Client) LoadCache() {
	if c.cache == nil {
		return
	}
	certs, err := c.cache.Certificates()
	if err != nil {
		c.logf("Cannot read certificate cache: %v", err)
		return
	}
	for _, cert := range certs {
		if !c.now().Before(cert.NotAfter) {
			continue
		}
		if e := c.store.InstallACME(cert.Host, cert.Certificate, cert.Key); e != nil {
			c.logf("Ignoring cached certificate for %s: %v", cert.Host, e)
			continue
		}
		c.logf("Loaded cached certificate for %s", cert.Host)
	}
}

// Run loads the cache, then checks on start, every CheckInterval, when the
// hosts change and when nudged, until ctx is done.
func (c *Client) Run(ctx context.Context) error {
	c.LoadCache()
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		case <-c.wake:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		}
		c.check(ctx)
		timer.Reset(c.nextCheck())
	}
}
