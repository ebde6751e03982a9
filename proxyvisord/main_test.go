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

package main

import (
	"bytes"
	"errors"
	"io"
	"log"
	"os"
	"path/filepath"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/gdamore/proxyvisor"
	"github.com/gdamore/proxyvisor/config"
)

func TestTailer(t *testing.T) {
	Convey("Only new entries are printed", t, func() {
		t0 := time.Unix(1700000000, 0)
		e := func(d time.Duration, s string) proxyvisor.Entry {
			return proxyvisor.Entry{Time: t0.Add(d), Kind: proxyvisor.Stdout, Data: s}
		}
		var tl tailer
		got := tl.fresh([]proxyvisor.Entry{e(0, "a"), e(1, "b"), e(1, "c")})
		So(got, ShouldHaveLength, 3)

		got = tl.fresh([]proxyvisor.Entry{e(0, "a"), e(1, "b"), e(1, "c"), e(1, "d"), e(2, "e")})
		So(got, ShouldHaveLength, 2)
		So(got[0].Data, ShouldEqual, "d")
		So(got[1].Data, ShouldEqual, "e")

		// The oldest entries were dropped from the backlog.
		got = tl.fresh([]proxyvisor.Entry{e(2, "e"), e(3, "f")})
		So(got, ShouldHaveLength, 1)
		So(got[0].Data, ShouldEqual, "f")
	})
}

func TestCheck(t *testing.T) {
	Convey("The check command validates a file", t, func() {
		dir := t.TempDir()
		good := filepath.Join(dir, "good.yaml")
		So(os.WriteFile(good, []byte(`
tasks:
  web: {Args: ["/usr/bin/web"]}
rules:
  example.com: ["localhost:8080"]
`), 0644), ShouldBeNil)
		bad := filepath.Join(dir, "bad.yaml")
		So(os.WriteFile(bad, []byte(`
tls:
  default: {key: junk, certificate: junk}
`), 0644), ShouldBeNil)

		run := func(args ...string) (string, error) {
			var out bytes.Buffer
			cmd := newRootCommand()
			cmd.SetOut(&out)
			cmd.SetErr(&out)
			cmd.SetArgs(args)
			err := cmd.Execute()
			return out.String(), err
		}

		out, err := run("check", "-c", good)
		So(err, ShouldBeNil)
		So(out, ShouldContainSubstring, "1 tasks, 1 rules")

		_, err = run("check", "-c", bad)
		So(err, ShouldNotBeNil)

		_, err = run("check", "-c", filepath.Join(dir, "missing.yaml"))
		So(err, ShouldNotBeNil)
	})
}

func TestReload(t *testing.T) {
	Convey("Reloading tracks the applied stop timeout", t, func() {
		path := filepath.Join(t.TempDir(), "proxyvisor.yaml")
		So(os.WriteFile(path, []byte("stop_timeout: 3s\n"), 0644), ShouldBeNil)

		var applied []*config.Config
		rl := &reloader{
			path:   path,
			logger: log.New(io.Discard, "", 0),
			apply: func(cfg *config.Config) error {
				if cfg.StopTimeout == time.Second*7 {
					return errors.New("refused")
				}
				applied = append(applied, cfg)
				return nil
			},
		}
		rl.stop.Store(int64(time.Second))

		rl.reload()
		So(applied, ShouldHaveLength, 1)
		So(rl.stopTimeout(), ShouldEqual, time.Second*3)

		Convey("A file that fails to load changes nothing", func() {
			So(os.WriteFile(path, []byte("stop_timeout: [\n"), 0644), ShouldBeNil)
			rl.reload()
			So(applied, ShouldHaveLength, 1)
			So(rl.stopTimeout(), ShouldEqual, time.Second*3)
		})

		Convey("A refused configuration changes nothing", func() {
			So(os.WriteFile(path, []byte("stop_timeout: 7s\n"), 0644), ShouldBeNil)
			rl.reload()
			So(rl.stopTimeout(), ShouldEqual, time.Second*3)
		})
	})
}

func TestFormat(t *testing.T) {
	Convey("Durations print as h:mm:ss", t, func() {
		So(formatDuration(0), ShouldEqual, "0:00:00")
		So(formatDuration(3*time.Hour+4*time.Minute+5*time.Second), ShouldEqual, "3:04:05")
		So(formatDuration(-time.Second), ShouldEqual, "0:00:00")
	})
	Convey("Active tasks sort first", t, func() {
		list := []*proxyvisor.TaskInfo{
			{ID: "b", State: proxyvisor.Stopped},
			{ID: "c", State: proxyvisor.Running},
			{ID: "a", State: proxyvisor.Stopped},
			{ID: "d", State: proxyvisor.Running},
		}
		sortTasks(list)
		ids := []string{}
		for _, ti := range list {
			ids = append(ids, ti.ID)
		}
		So(ids, ShouldResemble, []string{"c", "d", "a", "b"})
	})
}

func TestPrintTasks(t *testing.T) {
	Convey("Tasks print as a table", t, func() {
		var out bytes.Buffer
		printTasks(&out, []*proxyvisor.TaskInfo{
			{ID: "web", State: proxyvisor.Running, Pid: 42, Starts: 1, Status: "Started"},
			{ID: "db", State: proxyvisor.Stopped, Status: "Added task"},
		})
		So(out.String(), ShouldContainSubstring, "ID")
		So(out.String(), ShouldContainSubstring, "web")
		So(out.String(), ShouldContainSubstring, "42")
		So(out.String(), ShouldContainSubstring, "Added task")
	})
}
