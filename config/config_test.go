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

package config

import (
	"context"
	"errors"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/gdamore/proxyvisor"
)

const sample = `
tasks:
  web:
    Args: ["/usr/bin/web", "-p", "8080"]
    AutoRun: true
    Relaunch: true
    Interval: 5
rules:
  example.com: ["localhost:8080", "http://localhost:8081"]
redirects: ["www.example.com"]
listen:
  http: ":8080"
  proxy_protocol: true
acme:
  email: ops@example.com
  check_interval: 1h
backlog_size: 50
stop_timeout: 3s
`

func TestParse(t *testing.T) {
	Convey("A sample configuration parses", t, func() {
		c, err := Parse(strings.NewReader(sample))
		So(err, ShouldBeNil)
		So(c.Tasks, ShouldContainKey, "web")
		So(c.Tasks["web"].Args[0], ShouldEqual, "/usr/bin/web")
		So(c.Tasks["web"].Interval, ShouldEqual, 5)
		So(c.Rules["example.com"], ShouldHaveLength, 2)
		So(c.Listen.HTTP, ShouldEqual, ":8080")
		So(c.Listen.HTTPS, ShouldEqual, DefaultHTTPSAddr)
		So(c.Listen.Admin, ShouldEqual, DefaultAdminAddr)
		So(c.Listen.ProxyProtocol, ShouldBeTrue)
		So(c.ACME.CheckInterval, ShouldEqual, time.Hour)
		So(c.BacklogSize, ShouldEqual, 50)
		So(c.StopTimeout, ShouldEqual, 3*time.Second)
	})

	Convey("An empty document yields defaults", t, func() {
		c, err := Parse(strings.NewReader(""))
		So(err, ShouldBeNil)
		So(c.Listen.HTTP, ShouldEqual, DefaultHTTPAddr)
		So(c.BacklogSize, ShouldEqual, proxyvisor.DefaultBacklogSize)
		So(c.StopTimeout, ShouldEqual, proxyvisor.DefaultStopTimeout)
		So(c.Tasks, ShouldBeEmpty)
	})

	Convey("JSON is accepted", t, func() {
		c, err := Parse(strings.NewReader(
			`{"rules": {"a.example": ["localhost:1"]}, "backlog_size": 7}`))
		So(err, ShouldBeNil)
		So(c.BacklogSize, ShouldEqual, 7)
	})

	Convey("Redirects from both sections are merged", t, func() {
		c, err := Parse(strings.NewReader(`
redirects: [b.example, a.example]
tls:
  redirects: [a.example, c.example]
`))
		So(err, ShouldBeNil)
		So(c.AllRedirects(), ShouldResemble,
			[]string{"a.example", "b.example", "c.example"})
		So(c.TLSConfig().Redirects, ShouldHaveLength, 3)
	})
}

func TestValidate(t *testing.T) {
	bad := func(doc string) *proxyvisor.ConfigError {
		_, err := Parse(strings.NewReader(doc))
		var ce *proxyvisor.ConfigError
		So(errors.As(err, &ce), ShouldBeTrue)
		return ce
	}
	Convey("Bad configurations are rejected", t, func() {
		Convey("Unknown keys", func() {
			bad("listne: {}\n")
		})
		Convey("A task without arguments", func() {
			ce := bad("tasks: {web: {AutoRun: true}}\n")
			So(ce.Field, ShouldStartWith, "tasks[web].")
		})
		Convey("A rule without targets", func() {
			bad("rules: {example.com: []}\n")
		})
		Convey("A malformed target", func() {
			bad("rules: {example.com: [\"ftp://x:1\"]}\n")
		})
		Convey("A bad listener address", func() {
			ce := bad("listen: {admin: nonsense}\n")
			So(ce.Field, ShouldEqual, "listen.admin")
		})
		Convey("ACME hosts without an http listener", func() {
			ce := bad("listen: {http: \"-\"}\ntls: {acme_hosts: [a.example]}\n")
			So(ce.Field, ShouldEqual, "tls.acme_hosts")
		})
		Convey("Negative sizes", func() {
			ce := bad("backlog_size: -1\n")
			So(ce.Field, ShouldEqual, "backlog_size")
		})
	})

	Convey("Addr treats a dash as disabled", t, func() {
		So(Addr("-"), ShouldEqual, "")
		So(Addr(":80"), ShouldEqual, ":80")
	})
}

func TestLoad(t *testing.T) {
	Convey("Load reads a file and applies the environment", t, func() {
		dir := t.TempDir()
		path := filepath.Join(dir, "proxyvisor.yaml")
		So(os.WriteFile(path, []byte(sample), 0644), ShouldBeNil)
		t.Setenv("PROXYVISOR_ADMIN_ADDR", "127.0.0.1:9999")
		t.Setenv("PROXYVISOR_MAX_CONNS", "12")

		c, err := Load(path)
		So(err, ShouldBeNil)
		So(c.Listen.Admin, ShouldEqual, "127.0.0.1:9999")
		So(c.Listen.MaxConns, ShouldEqual, 12)
	})

	Convey("A missing file is an error", t, func() {
		_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
		So(err, ShouldNotBeNil)
		So(errors.Is(err, os.ErrNotExist), ShouldBeTrue)
	})
}

func TestWatch(t *testing.T) {
	Convey("Watch reapplies valid changes and ignores bad ones", t, func() {
		dir := t.TempDir()
		path := filepath.Join(dir, "proxyvisor.yaml")
		So(os.WriteFile(path, []byte("backlog_size: 1\n"), 0644), ShouldBeNil)

		var mx sync.Mutex
		var got []int
		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() {
			done <- Watch(ctx, path, 20*time.Millisecond,
				log.New(os.Stderr, "[config] ", 0),
				func(c *Config) error {
					mx.Lock()
					got = append(got, c.BacklogSize)
					mx.Unlock()
					return nil
				})
		}()
		seen := func() []int {
			mx.Lock()
			defer mx.Unlock()
			return append([]int(nil), got...)
		}
		wait := func(n int) {
			for i := 0; i < 200 && len(seen()) < n; i++ {
				time.Sleep(10 * time.Millisecond)
			}
		}
		// Give the watcher a moment to register.
		time.Sleep(100 * time.Millisecond)

		So(os.WriteFile(path, []byte("backlog_size: 2\n"), 0644), ShouldBeNil)
		wait(1)
		So(seen(), ShouldResemble, []int{2})

		So(os.WriteFile(path, []byte("backlog_size: [\n"), 0644), ShouldBeNil)
		time.Sleep(200 * time.Millisecond)
		So(seen(), ShouldResemble, []int{2})

		tmp := filepath.Join(dir, "new.yaml")
		So(os.WriteFile(tmp, []byte("backlog_size: 3\n"), 0644), ShouldBeNil)
		So(os.Rename(tmp, path), ShouldBeNil)
		wait(2)
		So(seen(), ShouldResemble, []int{2, 3})

		cancel()
		So(<-done, ShouldEqual, context.Canceled)
	})
}
