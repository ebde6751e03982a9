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

package certstore

import (
	"crypto/tls"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/gdamore/proxyvisor"
)

func pair(hosts ...string) KeyPair {
	c, k, e := GenerateSelfSigned(hosts, time.Now().Add(time.Hour*24*90))
	So(e, ShouldBeNil)
	return KeyPair{Certificate: string(c), Key: string(k)}
}

func expiring(d time.Duration, hosts ...string) ([]byte, []byte) {
	c, k, e := GenerateSelfSigned(hosts, time.Now().Add(d))
	So(e, ShouldBeNil)
	return c, k
}

func cn(c *tls.Certificate) string {
	So(c, ShouldNotBeNil)
	return c.Leaf.Subject.CommonName
}

func TestFallback(t *testing.T) {
	Convey("A new store serves a localhost certificate", t, func() {
		s := NewStore()
		c, src := s.Lookup("anything.example")
		So(src, ShouldEqual, SourceDefault)
		So(c.Leaf.VerifyHostname("localhost"), ShouldBeNil)

		c, e := s.GetCertificate(&tls.ClientHelloInfo{})
		So(e, ShouldBeNil)
		So(c, ShouldNotBeNil)
	})
}

func TestResolveOrder(t *testing.T) {
	Convey("Given named and default pairs", t, func() {
		s := NewStore()
		So(s.Apply(Config{
			Default: pair("default.example"),
			Named: map[string]KeyPair{
				"api.example.com": pair("api-by-name"),
				"bundle":          pair("bundle", "www.example.com"),
				"wild":            pair("wild", "*.example.com"),
				"wild-too":        pair("wild-too", "*.example.com"),
				"zzz-also-www":    pair("zzz", "www.example.com"),
			},
		}), ShouldBeNil)

		Convey("The name itself matches first", func() {
			So(cn(s.Resolve("API.example.com")), ShouldEqual, "api-by-name")
		})
		Convey("Then an exact SAN, lowest name wins", func() {
			So(cn(s.Resolve("www.example.com")), ShouldEqual, "bundle")
		})
		Convey("Then a wildcard SAN", func() {
			So(cn(s.Resolve("other.example.com")), ShouldEqual, "wild")
			So(cn(s.Resolve("a.b.example.com")), ShouldEqual, "default.example")
		})
		Convey("Then the default", func() {
			So(cn(s.Resolve("unknown.test")), ShouldEqual, "default.example")
		})
		Convey("Resolution is deterministic", func() {
			for i := 0; i < 50; i++ {
				So(cn(s.Resolve("other.example.com")), ShouldEqual, "wild")
			}
		})
	})
}

func TestApplyRejects(t *testing.T) {
	Convey("Bad configurations leave the previous state", t, func() {
		s := NewStore()
		So(s.Apply(Config{Default: pair("good")}), ShouldBeNil)

		bad := []Config{
			{Default: KeyPair{Certificate: "junk", Key: "junk"}},
			{Named: map[string]KeyPair{"x": {Certificate: pair("x").Certificate}}},
			{RootCA: []string{"not a pem"}},
			{ACMEHosts: []string{"*.example.com"}},
			{Named: map[string]KeyPair{"A": pair("a"), "a": pair("a")}},
		}
		for _, c := range bad {
			e := s.Apply(c)
			var ce *proxyvisor.ConfigError
			So(errors.As(e, &ce), ShouldBeTrue)
			So(cn(s.Resolve("x")), ShouldEqual, "good")
		}
	})

	Convey("Root CAs are parsed", t, func() {
		s := NewStore()
		So(s.RootCAs(), ShouldBeNil)
		So(s.Apply(Config{RootCA: []string{pair("ca").Certificate}}), ShouldBeNil)
		So(s.RootCAs(), ShouldNotBeNil)
	})
}

func TestACME(t *testing.T) {
	Convey("Given an ACME host", t, func() {
		s := NewStore()
		So(s.Apply(Config{
			Default:   pair("default"),
			Named:     map[string]KeyPair{"a.example": pair("named")},
			ACMEHosts: []string{"A.example"},
		}), ShouldBeNil)
		So(s.ACMEHosts(), ShouldResemble, []string{"a.example"})

		Convey("A valid ACME certificate wins", func() {
			c, k := expiring(time.Hour*24*60, "a.example")
			So(s.InstallACME("a.example", c, k), ShouldBeNil)
			got, src := s.Lookup("a.example")
			So(src, ShouldEqual, SourceACME)
			So(got.Leaf.DNSNames, ShouldResemble, []string{"a.example"})

			_, _, notAfter, ok := s.ACMECertificate("a.example")
			So(ok, ShouldBeTrue)
			So(notAfter.After(time.Now()), ShouldBeTrue)
		})

		Convey("An ACME certificate close to expiry is not served", func() {
			c, k := expiring(time.Minute*30, "a.example")
			So(s.InstallACME("a.example", c, k), ShouldBeNil)
			_, src := s.Lookup("a.example")
			So(src, ShouldEqual, SourceNamed)
		})

		Convey("A certificate for the wrong host is refused", func() {
			c, k := expiring(time.Hour*24, "b.example")
			So(s.InstallACME("a.example", c, k), ShouldNotBeNil)
		})

		Convey("Apply keeps installed ACME certificates", func() {
			c, k := expiring(time.Hour*24*60, "a.example")
			So(s.InstallACME("a.example", c, k), ShouldBeNil)
			So(s.Apply(Config{ACMEHosts: []string{"a.example"}}), ShouldBeNil)
			_, src := s.Lookup("a.example")
			So(src, ShouldEqual, SourceACME)
		})

		Convey("Dropping the host from acme_hosts stops preferring it", func() {
			c, k := expiring(time.Hour*24*60, "a.example")
			So(s.InstallACME("a.example", c, k), ShouldBeNil)
			So(s.Apply(Config{
				Named: map[string]KeyPair{"a.example": pair("named")},
			}), ShouldBeNil)
			got, src := s.Lookup("a.example")
			So(src, ShouldEqual, SourceNamed)
			So(cn(got), ShouldEqual, "named")

			So(s.Apply(Config{ACMEHosts: []string{"a.example"}}), ShouldBeNil)
			_, src = s.Lookup("a.example")
			So(src, ShouldEqual, SourceACME)
		})
	})
}

func TestHandshakeWait(t *testing.T) {
	Convey("Given an ACME host without a certificate", t, func() {
		s := NewStore()
		s.HandshakeWait = time.Second * 2
		So(s.Apply(Config{ACMEHosts: []string{"a.example"}}), ShouldBeNil)
		var misses int32
		s.SetMissHandler(func(h string) {
			So(h, ShouldEqual, "a.example")
			atomic.AddInt32(&misses, 1)
		})
		hello := &tls.ClientHelloInfo{ServerName: "a.example"}

		Convey("Without an issuance the miss handler is nudged", func() {
			c, e := s.GetCertificate(hello)
			So(e, ShouldBeNil)
			So(c, ShouldNotBeNil)
			So(atomic.LoadInt32(&misses), ShouldEqual, 1)
		})

		Convey("An issuance in flight is awaited", func() {
			So(s.BeginIssue("a.example"), ShouldBeTrue)
			So(s.BeginIssue("a.example"), ShouldBeFalse)
			So(s.Issuing("a.example"), ShouldBeTrue)
			certPEM, keyPEM := expiring(time.Hour*24*60, "a.example")
			go func() {
				time.Sleep(time.Millisecond * 50)
				s.InstallACME("a.example", certPEM, keyPEM)
				s.EndIssue("a.example")
			}()
			now := time.Now()
			c, e := s.GetCertificate(hello)
			So(e, ShouldBeNil)
			So(time.Since(now), ShouldBeLessThan, time.Second*2)
			So(c.Leaf.DNSNames, ShouldResemble, []string{"a.example"})
			So(atomic.LoadInt32(&misses), ShouldEqual, 0)
		})

		Convey("The wait is bounded", func() {
			s.HandshakeWait = time.Millisecond * 50
			So(s.BeginIssue("a.example"), ShouldBeTrue)
			Reset(func() { s.EndIssue("a.example") })
			c, e := s.GetCertificate(hello)
			So(e, ShouldBeNil)
			So(c, ShouldNotBeNil)
		})
	})
}

func TestInfo(t *testing.T) {
	Convey("Info describes the resolved certificate", t, func() {
		s := NewStore()
		So(s.Apply(Config{Named: map[string]KeyPair{"x.example": pair("x.example")}}),
			ShouldBeNil)
		info, e := s.Info("x.example")
		So(e, ShouldBeNil)
		So(info.Source, ShouldEqual, SourceNamed)
		So(info.DNSNames, ShouldResemble, []string{"x.example"})
	})
}
