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

// Package proxy is the front end: it accepts plaintext and TLS connections,
// dispatches each request by host, and streams it to an upstream target.
package proxy

import (
	"context"
	"crypto/tls"
	"errors"
	"log"
	"net"
	"net/http"
	"net/http/httputil"
	"os"
	"sync"
	"time"

	proxyproto "github.com/pires/go-proxyproto"
	"golang.org/x/net/netutil"

	"github.com/gdamore/proxyvisor/certstore"
	"github.com/gdamore/proxyvisor/routing"
)

var ErrClosed = errors.New("Proxy is shut down")

// Options selects the listeners.  An empty address disables that listener.
type Options struct {
	HTTPAddr      string
	HTTPSAddr     string
	ProxyProtocol bool
	MaxConns      int
}

// Challenger answers ACME HTTP-01 requests on the plaintext listener.
type Challenger interface {
	http.Handler
	Match(r *http.Request) bool
}

type routeKey struct{}

// Server is the reverse proxy.
type Server struct {
	router    *routing.Router
	store     *certstore.Store
	dialer    *routing.Dialer
	transport *http.Transport
	rp        *httputil.ReverseProxy
	conns     *connSet
	logger    *log.Logger

	mx        sync.Mutex
	challenge Challenger
	httpsPort string
	servers   []*http.Server
	addrs     map[bool]net.Addr
	closed    bool
}

// NewServer returns a Server dispatching through router, presenting
// certificates from store, and reaching upstreams with dialer.
func NewServer(router *routing.Router, store *certstore.Store, dialer *routing.Dialer) *Server {
	if dialer == nil {
		dialer = &routing.Dialer{}
	}
	s := &Server{
		router: router,
		store:  store,
		dialer: dialer,
		conns:  newConnSet(),
		logger: log.New(os.Stderr, "[proxy] ", log.LstdFlags),
		addrs:  make(map[bool]net.Addr),
	}
	s.transport = &http.Transport{
		DialContext:         s.dialUpstream,
		MaxIdleConnsPerHost: 32,
		IdleConnTimeout:     time.Second * 90,
	}
	s.rp = &httputil.ReverseProxy{
		Rewrite:       s.rewrite,
		Transport:     s.transport,
		ErrorHandler:  s.upstreamError,
		FlushInterval: -1,
		ErrorLog:      s.logger,
	}
	router.OnChange(func(*routing.Table) { s.transport.CloseIdleConnections() })
	return s
}

// SetLogger replaces the logger.
func (s *Server) SetLogger(l *log.Logger) {
	s.mx.Lock()
	s.logger = l
	s.rp.ErrorLog = l
	s.mx.Unlock()
}

func (s *Server) logf(format string, v ...interface{}) {
	s.mx.Lock()
	l := s.logger
	s.mx.Unlock()
	if l != nil {
		l.Printf(format, v...)
	}
}

// SetChallenger installs the ACME HTTP-01 responder.
func (s *Server) SetChallenger(c Challenger) {
	s.mx.Lock()
	s.challenge = c
	s.mx.Unlock()
}

// TLSConfig is the configuration used on the TLS listener.
func (s *Server) TLSConfig() *tls.Config {
	return &tls.Config{
		GetCertificate: s.store.GetCertificate,
		MinVersion:     tls.VersionTLS12,
		// Upgrades need HTTP/1.1.
		NextProtos: []string{"http/1.1"},
	}
}

// Listen binds the configured listeners and starts serving them.
func (s *Server) Listen(opts Options) error {
	var lns []net.Listener
	closeAll := func() {
		for _, l := range lns {
			l.Close()
		}
	}
	for _, a := range []struct {
		addr   string
		secure bool
	}{{opts.HTTPAddr, false}, {opts.HTTPSAddr, true}} {
		if a.addr == "" {
			lns = append(lns, nil)
			continue
		}
		ln, err := net.Listen("tcp", a.addr)
		if err != nil {
			closeAll()
			return err
		}
		lns = append(lns, ln)
	}
	if lns[1] != nil {
		if _, port, err := net.SplitHostPort(lns[1].Addr().String()); err == nil {
			s.mx.Lock()
			s.httpsPort = port
			s.mx.Unlock()
		}
	}
	for i, ln := range lns {
		if ln == nil {
			continue
		}
		if err := s.Serve(ln, i == 1, opts); err != nil {
			closeAll()
			return err
		}
	}
	return nil
}

// Serve serves ln in the background.  When secure, TLS is terminated
// here.
func (s *Server) Serve(ln net.Listener, secure bool, opts Options) error {
	s.mx.Lock()
	defer s.mx.Unlock()
	if s.closed {
		ln.Close()
		return ErrClosed
	}
	s.addrs[secure] = ln.Addr()

	if opts.ProxyProtocol {
		ln = &proxyproto.Listener{Listener: ln, ReadHeaderTimeout: time.Second * 10}
	}
	if opts.MaxConns > 0 {
		ln = netutil.LimitListener(ln, opts.MaxConns)
	}
	ln = &trackingListener{Listener: ln, set: s.conns}
	name := "http"
	if secure {
		ln = tls.NewListener(ln, s.TLSConfig())
		name = "https"
	}

	srv := &http.Server{
		Handler:           s.Handler(secure),
		ReadHeaderTimeout: time.Second * 10,
		IdleTimeout:       time.Second * 120,
		ErrorLog:          s.logger,
	}
	s.servers = append(s.servers, srv)
	logger := s.logger
	go func() {
		if logger != nil {
			logger.Printf("Serving %s on %s", name, ln.Addr())
		}
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logf("%s listener failed: %v", name, err)
		}
	}()
	return nil
}

// Addr returns the address of the plaintext or TLS listener, if any.
func (s *Server) Addr(secure bool) net.Addr {
	s.mx.Lock()
	defer s.mx.Unlock()
	return s.addrs[secure]
}

// Handler returns the request handler for one side.
func (s *Server) Handler(secure bool) http.Handler {
	side := "http"
	if secure {
		side = "https"
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !secure {
			s.mx.Lock()
			ch := s.challenge
			s.mx.Unlock()
			if ch != nil && ch.Match(r) {
				requests.WithLabelValues(side, "challenge").Inc()
				ch.ServeHTTP(w, r)
				return
			}
		}

		tbl := s.router.Table()
		var route routing.Route
		var err error
		if secure {
			route, err = tbl.Lookup(r.Host)
		} else {
			route, err = tbl.Dispatch(r.Host)
		}
		if err != nil {
			requests.WithLabelValues(side, "no_route").Inc()
			w.Header().Set("Connection", "close")
			http.Error(w, "No route to host "+r.Host, http.StatusNotFound)
			return
		}
		if route.Redirect {
			requests.WithLabelValues(side, "redirect").Inc()
			http.Redirect(w, r, s.redirectURL(r), http.StatusMovedPermanently)
			return
		}
		requests.WithLabelValues(side, "proxied").Inc()
		ctx := context.WithValue(r.Context(), routeKey{}, route)
		s.rp.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) redirectURL(r *http.Request) string {
	host := r.Host
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	s.mx.Lock()
	port := s.httpsPort
	s.mx.Unlock()
	if port != "" && port != "443" {
		host = net.JoinHostPort(host, port)
	} else if net.ParseIP(host) != nil && net.ParseIP(host).To4() == nil {
		host = "[" + host + "]"
	}
	return "https://" + host + r.URL.RequestURI()
}

// rewrite points the outgoing request at the route's host.  The pool key
// is the routed host, and dialUpstream picks the actual target.
func (s *Server) rewrite(pr *httputil.ProxyRequest) {
	route, _ := pr.In.Context().Value(routeKey{}).(routing.Route)
	pr.Out.URL.Scheme = "http"
	pr.Out.URL.Host = net.JoinHostPort(route.Host, "80")
	pr.Out.Host = pr.In.Host
	pr.SetXForwarded()
}

func (s *Server) dialUpstream(ctx context.Context, network, addr string) (net.Conn, error) {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, err
	}
	route, ok := ctx.Value(routeKey{}).(routing.Route)
	if !ok || route.Host != host {
		if route, err = s.router.Table().Lookup(host); err != nil {
			return nil, err
		}
	}
	conn, tgt, err := s.dialer.DialTargets(ctx, host, route.Targets)
	if err != nil {
		return nil, err
	}
	if !tgt.TLS() {
		return conn, nil
	}
	tc := tls.Client(conn, &tls.Config{
		ServerName: tgt.ServerName(),
		RootCAs:    s.store.RootCAs(),
		NextProtos: []string{"http/1.1"},
	})
	if err = tc.HandshakeContext(ctx); err != nil {
		conn.Close()
		return nil, err
	}
	return tc, nil
}

func (s *Server) upstreamError(w http.ResponseWriter, r *http.Request, err error) {
	if r.Context().Err() != nil {
		// The client went away.
		return
	}
	upstreamErrors.Inc()
	s.logf("Upstream for %s failed: %v", r.Host, err)
	w.WriteHeader(http.StatusBadGateway)
}

// RulesChanged drops idle upstream connections, so that new requests
// dial according to the current rules.
func (s *Server) RulesChanged() {
	s.transport.CloseIdleConnections()
}

// ActiveConns returns the number of open client connections.
func (s *Server) ActiveConns() int {
	return s.conns.count()
}

// Shutdown stops accepting, lets requests in progress finish, and then
// closes whatever is left, upgraded connections included, once ctx is
// done.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mx.Lock()
	if s.closed {
		s.mx.Unlock()
		return nil
	}
	s.closed = true
	servers := s.servers
	s.mx.Unlock()

	var err error
	for _, srv := range servers {
		if e := srv.Shutdown(ctx); e != nil && err == nil {
			err = e
		}
	}
	if err == nil {
		err = s.conns.wait(ctx)
	}
	s.conns.closeAll()
	s.transport.CloseIdleConnections()
	return err
}
