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

package proxy

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/pem"
	"io"
	"log"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/gdamore/proxyvisor/certstore"
	"github.com/gdamore/proxyvisor/routing"
)

func closedAddr() string {
	l, e := net.Listen("tcp", "127.0.0.1:0")
	So(e, ShouldBeNil)
	addr := l.Addr().String()
	l.Close()
	return addr
}

type upstream struct {
	*httptest.Server
	hits int32
	host atomic.Value
}

func newUpstream(name string) *upstream {
	u := &upstream{}
	u.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&u.hits, 1)
		u.host.Store(r.Host)
		if r.Header.Get("Upgrade") == "echo" {
			hj := w.(http.Hijacker)
			c, brw, err := hj.Hijack()
			if err != nil {
				return
			}
			brw.WriteString("HTTP/1.1 101 Switching Protocols\r\n" +
				"Connection: Upgrade\r\nUpgrade: echo\r\n\r\n")
			brw.Flush()
			io.Copy(c, brw)
			c.Close()
			return
		}
		w.Write([]byte(name + " " + r.URL.RequestURI() + " " +
			r.Header.Get("X-Forwarded-For")))
	}))
	return u
}

func (u *upstream) addr() string {
	return strings.TrimPrefix(u.URL, "http://")
}

type fakeChallenger struct{}

func (fakeChallenger) Match(r *http.Request) bool {
	return strings.HasPrefix(r.URL.Path, "/.well-known/acme-challenge/")
}

func (fakeChallenger) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Write([]byte("challenge-ok"))
}

var noFollow = &http.Client{
	CheckRedirect: func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	},
	Transport: &http.Transport{
		TLSClientConfig:   &tls.Config{InsecureSkipVerify: true, ServerName: "app.test"},
		DisableKeepAlives: true,
	},
	Timeout: time.Second * 10,
}

func get(scheme string, addr net.Addr, host, path string) (*http.Response, string) {
	req, err := http.NewRequest("GET", scheme+"://"+addr.String()+path, nil)
	So(err, ShouldBeNil)
	req.Host = host
	resp, err := noFollow.Do(req)
	So(err, ShouldBeNil)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	return resp, string(body)
}

func WithProxy(t *testing.T, fn func(s *Server, r *routing.Router, st *certstore.Store)) func() {
	return func() {
		r := routing.NewRouter()
		st := certstore.NewStore()
		st.SetLogger(log.New(io.Discard, "", 0))
		s := NewServer(r, st, &routing.Dialer{PerTargetTimeout: time.Millisecond * 500})
		s.SetLogger(log.New(io.Discard, "", 0))
		So(s.Listen(Options{HTTPAddr: "127.0.0.1:0", HTTPSAddr: "127.0.0.1:0"}),
			ShouldBeNil)
		Reset(func() {
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			s.Shutdown(ctx)
		})
		fn(s, r, st)
	}
}

func TestDispatch(t *testing.T) {
	Convey("Given a proxy with one routed host", t,
		WithProxy(t, func(s *Server, r *routing.Router, st *certstore.Store) {
			up := newUpstream("one")
			Reset(up.Close)
			So(r.Apply(routing.Rules{
				"app.test": {closedAddr(), up.addr()},
			}, nil), ShouldBeNil)

			Convey("Requests reach the first live target", func() {
				resp, body := get("http", s.Addr(false), "APP.test", "/x?y=1")
				So(resp.StatusCode, ShouldEqual, http.StatusOK)
				So(body, ShouldStartWith, "one /x?y=1 127.0.0.1")
				So(up.host.Load(), ShouldEqual, "APP.test")
			})

			Convey("TLS requests are proxied too", func() {
				resp, body := get("https", s.Addr(true), "app.test", "/secure")
				So(resp.StatusCode, ShouldEqual, http.StatusOK)
				So(body, ShouldStartWith, "one /secure")
				So(resp.TLS, ShouldNotBeNil)
				So(resp.TLS.PeerCertificates[0].VerifyHostname("localhost"),
					ShouldBeNil)
			})

			Convey("Unknown hosts get 404 and a closed connection", func() {
				resp, _ := get("http", s.Addr(false), "other.test", "/")
				So(resp.StatusCode, ShouldEqual, http.StatusNotFound)
				So(resp.Close, ShouldBeTrue)
			})

			Convey("All targets down gives 502", func() {
				So(r.Apply(routing.Rules{
					"app.test": {closedAddr(), closedAddr()},
				}, nil), ShouldBeNil)
				resp, _ := get("http", s.Addr(false), "app.test", "/")
				So(resp.StatusCode, ShouldEqual, http.StatusBadGateway)
			})

			Convey("New rules take effect for new requests", func() {
				up2 := newUpstream("two")
				Reset(up2.Close)
				_, body := get("http", s.Addr(false), "app.test", "/")
				So(body, ShouldStartWith, "one")
				So(r.Apply(routing.Rules{"app.test": {up2.addr()}}, nil),
					ShouldBeNil)
				_, body = get("http", s.Addr(false), "app.test", "/")
				So(body, ShouldStartWith, "two")
			})

			Convey("Challenges are answered before dispatch", func() {
				s.SetChallenger(fakeChallenger{})
				resp, body := get("http", s.Addr(false), "nosuch.test",
					"/.well-known/acme-challenge/abc")
				So(resp.StatusCode, ShouldEqual, http.StatusOK)
				So(body, ShouldEqual, "challenge-ok")
			})
		}))
}

func TestRedirect(t *testing.T) {
	Convey("Given a redirected host", t,
		WithProxy(t, func(s *Server, r *routing.Router, st *certstore.Store) {
			up := newUpstream("one")
			Reset(up.Close)
			So(r.Apply(routing.Rules{"app.test": {up.addr()}},
				[]string{"app.test"}), ShouldBeNil)

			Convey("Plaintext requests are redirected without an upstream", func() {
				resp, _ := get("http", s.Addr(false), "app.test:80", "/p?q=1")
				So(resp.StatusCode, ShouldEqual, http.StatusMovedPermanently)
				_, port, _ := net.SplitHostPort(s.Addr(true).String())
				So(resp.Header.Get("Location"), ShouldEqual,
					"https://app.test:"+port+"/p?q=1")
				So(atomic.LoadInt32(&up.hits), ShouldEqual, 0)
			})

			Convey("TLS requests are proxied", func() {
				resp, _ := get("https", s.Addr(true), "app.test", "/")
				So(resp.StatusCode, ShouldEqual, http.StatusOK)
				So(atomic.LoadInt32(&up.hits), ShouldEqual, 1)
			})
		}))
}

func TestTLSUpstream(t *testing.T) {
	Convey("https targets are verified against root_ca", t,
		WithProxy(t, func(s *Server, r *routing.Router, st *certstore.Store) {
			ts := httptest.NewTLSServer(http.HandlerFunc(
				func(w http.ResponseWriter, r *http.Request) {
					w.Write([]byte("tls-upstream"))
				}))
			Reset(ts.Close)
			So(r.Apply(routing.Rules{"app.test": {ts.URL}}, nil), ShouldBeNil)

			resp, _ := get("http", s.Addr(false), "app.test", "/")
			So(resp.StatusCode, ShouldEqual, http.StatusBadGateway)

			ca := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE",
				Bytes: ts.Certificate().Raw})
			So(st.Apply(certstore.Config{RootCA: []string{string(ca)}}), ShouldBeNil)
			s.RulesChanged()
			resp, body := get("http", s.Addr(false), "app.test", "/")
			So(resp.StatusCode, ShouldEqual, http.StatusOK)
			So(body, ShouldEqual, "tls-upstream")
		}))
}

func TestUpgrade(t *testing.T) {
	Convey("Upgraded connections stream both ways", t,
		WithProxy(t, func(s *Server, r *routing.Router, st *certstore.Store) {
			up := newUpstream("one")
			Reset(up.Close)
			So(r.Apply(routing.Rules{"app.test": {up.addr()}}, nil), ShouldBeNil)

			c, err := net.Dial("tcp", s.Addr(false).String())
			So(err, ShouldBeNil)
			defer c.Close()
			io.WriteString(c, "GET /ws HTTP/1.1\r\nHost: app.test\r\n"+
				"Connection: Upgrade\r\nUpgrade: echo\r\n\r\n")
			br := bufio.NewReader(c)
			resp, err := http.ReadResponse(br, nil)
			So(err, ShouldBeNil)
			So(resp.StatusCode, ShouldEqual, http.StatusSwitchingProtocols)

			io.WriteString(c, "ping\n")
			c.SetReadDeadline(time.Now().Add(time.Second * 5))
			line, err := br.ReadString('\n')
			So(err, ShouldBeNil)
			So(line, ShouldEqual, "ping\n")

			Convey("Shutdown closes them", func() {
				So(s.ActiveConns(), ShouldBeGreaterThan, 0)
				ctx, cancel := context.WithTimeout(context.Background(),
					time.Millisecond*100)
				defer cancel()
				So(s.Shutdown(ctx), ShouldNotBeNil)
				_, err := br.ReadString('\n')
				So(err, ShouldNotBeNil)
				So(s.ActiveConns(), ShouldEqual, 0)
			})
		}))
}

func TestProxyProtocol(t *testing.T) {
	Convey("PROXY headers are accepted when enabled", t, func() {
		r := routing.NewRouter()
		st := certstore.NewStore()
		s := NewServer(r, st, nil)
		s.SetLogger(log.New(io.Discard, "", 0))
		So(s.Listen(Options{HTTPAddr: "127.0.0.1:0", ProxyProtocol: true,
			MaxConns: 4}), ShouldBeNil)
		Reset(func() { s.Shutdown(context.Background()) })
		up := newUpstream("pp")
		Reset(up.Close)
		So(r.Apply(routing.Rules{"app.test": {up.addr()}}, nil), ShouldBeNil)
		So(s.Addr(true), ShouldBeNil)

		c, err := net.Dial("tcp", s.Addr(false).String())
		So(err, ShouldBeNil)
		defer c.Close()
		io.WriteString(c, "PROXY TCP4 192.0.2.7 192.0.2.1 5555 80\r\n"+
			"GET / HTTP/1.1\r\nHost: app.test\r\nConnection: close\r\n\r\n")
		resp, err := http.ReadResponse(bufio.NewReader(c), nil)
		So(err, ShouldBeNil)
		body, _ := io.ReadAll(resp.Body)
		So(string(body), ShouldEqual, "pp / 192.0.2.7")
	})
}
