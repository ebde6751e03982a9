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

package proxyvisor

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// Task is the definition of one supervised process.  Definitions are
// replaced whole, never patched field by field.
type Task struct {
	Args     []string          `json:"Args" yaml:"Args"`
	AutoRun  bool              `json:"AutoRun" yaml:"AutoRun"`
	Dir      string            `json:"Dir" yaml:"Dir"`
	Env      map[string]string `json:"Env" yaml:"Env"`
	GID      int               `json:"GID" yaml:"GID"`
	UID      int               `json:"UID" yaml:"UID"`
	SetGID   bool              `json:"SetGID" yaml:"SetGID"`
	SetUID   bool              `json:"SetUID" yaml:"SetUID"`
	Relaunch bool              `json:"Relaunch" yaml:"Relaunch"`
	Interval int               `json:"Interval" yaml:"Interval"`
}

// Validate checks the definition, returning a *ConfigError that names
// the offending field.
func (t *Task) Validate() error {
	if len(t.Args) == 0 {
		return &ConfigError{Field: "Args", Reason: "must not be empty"}
	}
	if t.Args[0] == "" {
		return &ConfigError{Field: "Args", Reason: "executable path is empty"}
	}
	if t.Dir != "" && !filepath.IsAbs(t.Dir) {
		return &ConfigError{Field: "Dir", Reason: "must be an absolute path"}
	}
	if t.Interval < 0 {
		return &ConfigError{Field: "Interval", Reason: "must not be negative"}
	}
	for k := range t.Env {
		if k == "" || strings.ContainsAny(k, "=\x00") {
			return &ConfigError{Field: "Env",
				Reason: fmt.Sprintf("bad variable name %q", k)}
		}
	}
	if t.SetUID && t.UID < 0 {
		return &ConfigError{Field: "UID", Reason: "must not be negative"}
	}
	if t.SetGID && t.GID < 0 {
		return &ConfigError{Field: "GID", Reason: "must not be negative"}
	}
	return nil
}

// Clone returns a deep copy, so that callers cannot mutate a definition
// after handing it to the Manager.
func (t Task) Clone() Task {
	c := t
	c.Args = copyArray(t.Args)
	if t.Env != nil {
		c.Env = make(map[string]string, len(t.Env))
		for k, v := range t.Env {
			c.Env[k] = v
		}
	}
	return c
}

// RelaunchDelay is the wait between an unsolicited exit and the relaunch.
func (t *Task) RelaunchDelay() time.Duration {
	return time.Duration(t.Interval) * time.Second
}

func copyArray(src []string) []string {
	rv := make([]string, 0, len(src))
	rv = append(rv, src...)
	return rv
}

// environ overlays the task environment on top of base.  Task values win,
// and the result is sorted so that it is stable between launches.
func (t *Task) environ(base []string) []string {
	merged := make(map[string]string, len(base)+len(t.Env))
	for _, kv := range base {
		if i := strings.IndexByte(kv, '='); i > 0 {
			merged[kv[:i]] = kv[i+1:]
		}
	}
	for k, v := range t.Env {
		merged[k] = v
	}
	rv := make([]string, 0, len(merged))
	for k, v := range merged {
		rv = append(rv, k+"="+v)
	}
	sort.Strings(rv)
	return rv
}

// command builds the exec.Cmd for one launch.  A fresh Cmd is needed for
// every launch, as they cannot be reused.
func (t *Task) command(name string) (*exec.Cmd, error) {
	cmd := &exec.Cmd{
		Path: t.Args[0],
		Args: copyArray(t.Args),
		Dir:  t.Dir,
		Env:  t.environ(os.Environ()),
	}
	if filepath.Base(cmd.Path) == cmd.Path {
		if lp, e := exec.LookPath(cmd.Path); e == nil {
			cmd.Path = lp
		}
	}
	attr, e := t.sysProcAttr(name)
	if e != nil {
		return nil, e
	}
	cmd.SysProcAttr = attr
	return cmd, nil
}
