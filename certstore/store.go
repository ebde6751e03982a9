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

// Package certstore selects the certificate presented for each TLS
// handshake.  Operator supplied pairs are held in an immutable snapshot
// replaced by Apply; certificates obtained through ACME are kept in a
// separate copy-on-write map so that renewal never disturbs the rest.
package certstore

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log"
	"os"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-acme/lego/v4/certcrypto"

	"github.com/gdamore/proxyvisor"
	"github.com/gdamore/proxyvisor/routing"
)

const (
	DefaultExpiryMargin  = time.Hour
	DefaultHandshakeWait = time.Second * 3
)

var ErrNoCertificate = errors.New("No certificate available")

// Sources reported by Lookup.
const (
	SourceACME    = "acme"
	SourceNamed   = "named"
	SourceDefault = "default"
)

// KeyPair is a PEM encoded private key and certificate chain.
type KeyPair struct {
	Key         string `json:"key" yaml:"key"`
	Certificate string `json:"certificate" yaml:"certificate"`
}

func (kp KeyPair) empty() bool {
	return kp.Key == "" && kp.Certificate == ""
}

// Config is the operator supplied TLS configuration.
type Config struct {
	Default    KeyPair            `json:"default" yaml:"default"`
	RootCA     []string           `json:"root_ca" yaml:"root_ca"`
	Named      map[string]KeyPair `json:"named" yaml:"named"`
	ACMEDirURL string             `json:"acme_dir_url" yaml:"acme_dir_url"`
	ACMEHosts  []string           `json:"acme_hosts" yaml:"acme_hosts"`
	Redirects  []string           `json:"redirects" yaml:"redirects"`
}

type namedCert struct {
	name string
	cert *tls.Certificate
	sans []string
}

type snapshot struct {
	def       *tls.Certificate
	named     []namedCert // sorted by name
	byName    map[string]*tls.Certificate
	rootCAs   *x509.CertPool
	acmeDir   string
	acmeHosts map[string]bool
	acmeList  []string
	redirects []string
}

type acmeCert struct {
	cert     *tls.Certificate
	certPEM  []byte
	keyPEM   []byte
	notAfter time.Time
}

// Info describes the certificate a host currently resolves to.
type Info struct {
	Host      string
	Source    string
	Subject   string
	DNSNames  []string
	NotBefore time.Time
	NotAfter  time.Time
}

// Store resolves certificates.  Reads are lock free.
type Store struct {
	// ExpiryMargin is how close to NotAfter an ACME certificate may get
	// before it is no longer served.
	ExpiryMargin time.Duration
	// HandshakeWait bounds how long a handshake for an ACME host waits
	// on an issuance already in progress.
	HandshakeWait time.Duration

	snap     atomic.Pointer[snapshot]
	acme     atomic.Pointer[map[string]*acmeCert]
	fallback *tls.Certificate
	mx       sync.Mutex
	inflight map[string]chan struct{}
	onMiss   func(string)
	logger   *log.Logger
	now      func() time.Time
}

// NewStore returns a Store serving only a generated self-signed localhost
// certificate.
func NewStore() *Store {
	s := &Store{
		ExpiryMargin:  DefaultExpiryMargin,
		HandshakeWait: DefaultHandshakeWait,
		inflight:      make(map[string]chan struct{}),
		logger:        log.New(os.Stderr, "[certstore] ", log.LstdFlags),
		now:           time.Now,
	}
	certPEM, keyPEM, e := GenerateSelfSigned([]string{"localhost", "127.0.0.1", "::1"},
		time.Now().AddDate(10, 0, 0))
	if e == nil {
		var pair tls.Certificate
		if pair, e = tls.X509KeyPair(certPEM, keyPEM); e == nil {
			s.fallback = &pair
		}
	}
	if e != nil {
		s.logf("Cannot generate fallback certificate: %v", e)
	}
	s.snap.Store(&snapshot{
		def:       s.fallback,
		byName:    map[string]*tls.Certificate{},
		acmeHosts: map[string]bool{},
	})
	empty := map[string]*acmeCert{}
	s.acme.Store(&empty)
	return s
}

// SetLogger replaces the logger.
func (s *Store) SetLogger(l *log.Logger) {
	s.mx.Lock()
	s.logger = l
	s.mx.Unlock()
}

func (s *Store) logf(format string, v ...interface{}) {
	s.mx.Lock()
	l := s.logger
	s.mx.Unlock()
	if l != nil {
		l.Printf(format, v...)
	}
}

// SetMissHandler registers fn, called (from the handshake goroutine) when
// a handshake arrives for an ACME host that has no usable certificate and
// no issuance in flight.  It must not block.
func (s *Store) SetMissHandler(fn func(host string)) {
	s.mx.Lock()
	s.onMiss = fn
	s.mx.Unlock()
}

func parsePair(kp KeyPair) (*tls.Certificate, error) {
	pair, e := tls.X509KeyPair([]byte(kp.Certificate), []byte(kp.Key))
	if e != nil {
		return nil, e
	}
	if pair.Leaf == nil {
		if pair.Leaf, e = x509.ParseCertificate(pair.Certificate[0]); e != nil {
			return nil, e
		}
	}
	return &pair, nil
}

func hostKey(h string) string {
	if k, e := routing.NormalizeHost(h); e == nil {
		return k
	}
	return strings.ToLower(h)
}

// build parses c into a snapshot without touching the Store.
func (s *Store) build(c Config) (*snapshot, error) {
	ns := &snapshot{
		def:       s.fallback,
		byName:    make(map[string]*tls.Certificate, len(c.Named)),
		acmeHosts: make(map[string]bool, len(c.ACMEHosts)),
		acmeDir:   c.ACMEDirURL,
	}
	if !c.Default.empty() {
		pair, e := parsePair(c.Default)
		if e != nil {
			return nil, &proxyvisor.ConfigError{Field: "tls.default", Reason: e.Error()}
		}
		ns.def = pair
	}
	names := make([]string, 0, len(c.Named))
	for n := range c.Named {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, n := range names {
		field := fmt.Sprintf("tls.named[%s]", n)
		if n == "" {
			return nil, &proxyvisor.ConfigError{Field: "tls.named", Reason: "empty name"}
		}
		pair, e := parsePair(c.Named[n])
		if e != nil {
			return nil, &proxyvisor.ConfigError{Field: field, Reason: e.Error()}
		}
		key := hostKey(n)
		if _, dup := ns.byName[key]; dup {
			return nil, &proxyvisor.ConfigError{Field: field,
				Reason: "duplicate name"}
		}
		ns.byName[key] = pair
		sans := make([]string, 0, len(pair.Leaf.DNSNames))
		for _, d := range pair.Leaf.DNSNames {
			sans = append(sans, strings.ToLower(d))
		}
		for _, ip := range pair.Leaf.IPAddresses {
			sans = append(sans, ip.String())
		}
		ns.named = append(ns.named, namedCert{name: n, cert: pair, sans: sans})
	}
	if len(c.RootCA) > 0 {
		ns.rootCAs = x509.NewCertPool()
		for i, p := range c.RootCA {
			certs, e := certcrypto.ParsePEMBundle([]byte(p))
			if e != nil {
				return nil, &proxyvisor.ConfigError{
					Field: fmt.Sprintf("tls.root_ca[%d]", i), Reason: e.Error()}
			}
			for _, c := range certs {
				ns.rootCAs.AddCert(c)
			}
		}
	}
	for _, h := range c.ACMEHosts {
		k, e := routing.NormalizeHost(h)
		if e != nil || strings.Contains(k, "*") {
			return nil, &proxyvisor.ConfigError{Field: "tls.acme_hosts",
				Reason: fmt.Sprintf("bad host %q", h)}
		}
		if !ns.acmeHosts[k] {
			ns.acmeHosts[k] = true
			ns.acmeList = append(ns.acmeList, k)
		}
	}
	sort.Strings(ns.acmeList)
	for _, h := range c.Redirects {
		k, e := routing.NormalizeHost(h)
		if e != nil {
			return nil, &proxyvisor.ConfigError{Field: "redirects",
				Reason: fmt.Sprintf("bad host %q", h)}
		}
		ns.redirects = append(ns.redirects, k)
	}
	sort.Strings(ns.redirects)
	return ns, nil
}

// Apply replaces the operator configuration.  Every PEM is parsed first;
// on error the previous configuration remains in force.  ACME certificates
// already obtained are kept.
func (s *Store) Apply(c Config) error {
	ns, e := s.build(c)
	if e != nil {
		return e
	}
	s.snap.Store(ns)
	return nil
}

// Validate checks c without applying it.
func (s *Store) Validate(c Config) error {
	_, e := s.build(c)
	return e
}

func (s *Store) validACME(key string) (*acmeCert, bool) {
	ac, ok := (*s.acme.Load())[key]
	if !ok {
		return nil, false
	}
	if !s.now().Add(s.ExpiryMargin).Before(ac.notAfter) {
		return ac, false
	}
	return ac, true
}

func wildcardMatch(pattern, host string) bool {
	if !strings.HasPrefix(pattern, "*.") {
		return false
	}
	i := strings.IndexByte(host, '.')
	if i <= 0 {
		return false
	}
	return host[i+1:] == pattern[2:]
}

// lookup implements the selection order.  It has no side effects.
func (s *Store) lookup(host string) (*tls.Certificate, string) {
	key := hostKey(host)
	snap := s.snap.Load()
	if key != "" && snap.acmeHosts[key] {
		if ac, ok := s.validACME(key); ok {
			return ac.cert, SourceACME
		}
	}
	if key != "" {
		if c, ok := snap.byName[key]; ok {
			return c, SourceNamed
		}
		for _, n := range snap.named {
			for _, san := range n.sans {
				if san == key {
					return n.cert, SourceNamed
				}
			}
		}
		for _, n := range snap.named {
			for _, san := range n.sans {
				if wildcardMatch(san, key) {
					return n.cert, SourceNamed
				}
			}
		}
	}
	if snap.def != nil {
		return snap.def, SourceDefault
	}
	return nil, ""
}

// Resolve returns the certificate to present for host.  The same inputs
// always give the same answer.
func (s *Store) Resolve(host string) *tls.Certificate {
	c, _ := s.lookup(host)
	return c
}

// Lookup is Resolve, also reporting where the certificate came from.
func (s *Store) Lookup(host string) (*tls.Certificate, string) {
	return s.lookup(host)
}

// GetCertificate is suitable for tls.Config.
func (s *Store) GetCertificate(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
	key := hostKey(hello.ServerName)
	if key != "" && s.snap.Load().acmeHosts[key] {
		if _, ok := s.validACME(key); !ok {
			s.awaitIssue(hello, key)
		}
	}
	c, src := s.lookup(key)
	if c == nil {
		resolutions.WithLabelValues("none").Inc()
		return nil, ErrNoCertificate
	}
	resolutions.WithLabelValues(src).Inc()
	return c, nil
}

func (s *Store) awaitIssue(hello *tls.ClientHelloInfo, key string) {
	s.mx.Lock()
	ch := s.inflight[key]
	miss := s.onMiss
	s.mx.Unlock()

	if ch == nil {
		if miss != nil {
			miss(key)
		}
		return
	}
	timer := time.NewTimer(s.HandshakeWait)
	defer timer.Stop()
	ctx := hello.Context()
	if ctx == nil {
		select {
		case <-ch:
		case <-timer.C:
		}
		return
	}
	select {
	case <-ch:
	case <-timer.C:
	case <-ctx.Done():
	}
}

// BeginIssue marks an issuance for host as in flight.  It returns false if
// one already is.
func (s *Store) BeginIssue(host string) bool {
	key := hostKey(host)
	s.mx.Lock()
	defer s.mx.Unlock()
	if _, ok := s.inflight[key]; ok {
		return false
	}
	s.inflight[key] = make(chan struct{})
	return true
}

// EndIssue releases handshakes waiting on host.
func (s *Store) EndIssue(host string) {
	key := hostKey(host)
	s.mx.Lock()
	defer s.mx.Unlock()
	if ch, ok := s.inflight[key]; ok {
		close(ch)
		delete(s.inflight, key)
	}
}

// Issuing reports whether an issuance for host is in flight.
func (s *Store) Issuing(host string) bool {
	s.mx.Lock()
	defer s.mx.Unlock()
	_, ok := s.inflight[hostKey(host)]
	return ok
}

// InstallACME installs a certificate obtained for host, replacing any
// previous one in a single step.  The certificate must cover host.
func (s *Store) InstallACME(host string, certPEM, keyPEM []byte) error {
	key := hostKey(host)
	pair, e := parsePair(KeyPair{Certificate: string(certPEM), Key: string(keyPEM)})
	if e != nil {
		return fmt.Errorf("certificate for %s: %w", host, e)
	}
	if e = pair.Leaf.VerifyHostname(key); e != nil {
		return fmt.Errorf("certificate for %s: %w", host, e)
	}
	ac := &acmeCert{
		cert:     pair,
		certPEM:  append([]byte{}, certPEM...),
		keyPEM:   append([]byte{}, keyPEM...),
		notAfter: pair.Leaf.NotAfter,
	}
	s.mx.Lock()
	old := *s.acme.Load()
	next := make(map[string]*acmeCert, len(old)+1)
	for k, v := range old {
		next[k] = v
	}
	next[key] = ac
	s.acme.Store(&next)
	s.mx.Unlock()
	acmeExpiry.WithLabelValues(key).Set(float64(ac.notAfter.Unix()))
	return nil
}

// ACMECertificate returns the PEM encoded ACME certificate and key held for
// host, and its expiry, whether or not it is still served.
func (s *Store) ACMECertificate(host string) (certPEM, keyPEM []byte, notAfter time.Time, ok bool) {
	ac, found := (*s.acme.Load())[hostKey(host)]
	if !found {
		return nil, nil, time.Time{}, false
	}
	return ac.certPEM, ac.keyPEM, ac.notAfter, true
}

// Info describes the certificate host resolves to.
func (s *Store) Info(host string) (*Info, error) {
	c, src := s.lookup(host)
	if c == nil {
		return nil, ErrNoCertificate
	}
	leaf := c.Leaf
	if leaf == nil {
		var e error
		if leaf, e = x509.ParseCertificate(c.Certificate[0]); e != nil {
			return nil, e
		}
	}
	return &Info{
		Host:      hostKey(host),
		Source:    src,
		Subject:   leaf.Subject.String(),
		DNSNames:  append([]string{}, leaf.DNSNames...),
		NotBefore: leaf.NotBefore,
		NotAfter:  leaf.NotAfter,
	}, nil
}

// RootCAs returns the pool for verifying https upstreams, or nil to use the
// system roots.
func (s *Store) RootCAs() *x509.CertPool {
	return s.snap.Load().rootCAs
}

// ACMEHosts returns the hosts certificates should be obtained for, sorted.
func (s *Store) ACMEHosts() []string {
	return append([]string{}, s.snap.Load().acmeList...)
}

// ACMEDirURL returns the configured ACME directory, possibly empty.
func (s *Store) ACMEDirURL() string {
	return s.snap.Load().acmeDir
}

// Redirects returns the hosts plaintext requests are redirected for.
func (s *Store) Redirects() []string {
	return append([]string{}, s.snap.Load().redirects...)
}
