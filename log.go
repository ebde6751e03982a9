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
	"log"
	"strings"
)

// LogWriter records everything written to it in a Backlog, one Status
// entry per line.  It lets the daemon's own log be watched the same way
// as task output.
type LogWriter struct {
	Backlog *Backlog
}

// Write implements the Writer interface consumed by Logger.
func (w LogWriter) Write(b []byte) (int, error) {
	str := strings.Trim(string(b), "\n")
	for _, line := range strings.Split(str, "\n") {
		w.Backlog.Record(Status, line)
	}
	return len(b), nil
}

// NewLogBacklog returns a Backlog of size entries and a logger, with no
// prefix or flags, that writes to it.
func NewLogBacklog(size int) (*Backlog, *log.Logger) {
	b := NewBacklog(size)
	return b, log.New(LogWriter{Backlog: b}, "", 0)
}
