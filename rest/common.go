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

// Package rest exposes the core over HTTP with JSON bodies.  List and
// backlog resources carry an ETag; a GET with If-None-Match and a wait
// query parameter (in seconds) is held until the resource changes or the
// wait expires, in which case 304 is returned.
package rest

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/gdamore/proxyvisor/acme"
	"github.com/gdamore/proxyvisor/certstore"
	"github.com/gdamore/proxyvisor/routing"
)

const (
	mimeJson = "application/json; charset=UTF-8"

	// MaxWait bounds a long poll.
	MaxWait = time.Minute * 5
)

var ok struct{}

// RulesBody is the body of PUT /rules.
type RulesBody struct {
	Rules     routing.Rules `json:"rules"`
	Redirects []string      `json:"redirects"`
}

// AddedTask is returned by POST /tasks.
type AddedTask struct {
	ID string `json:"id"`
}

// CertificateInfo is returned by GET /certificates/{host}.  ACME is set
// only for hosts the ACME client manages.
type CertificateInfo struct {
	Certificate *certstore.Info  `json:"certificate"`
	ACME        *acme.HostStatus `json:"acme,omitempty"`
}

type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return e.Message
}

func formatEtag(v int64) string {
	return fmt.Sprintf("\"%d\"", v)
}

// parseEtag returns false for anything we could not have issued.
func parseEtag(s string) (int64, bool) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "W/")
	if len(s) < 2 || s[0] != '"' || s[len(s)-1] != '"' {
		return 0, false
	}
	v, e := strconv.ParseInt(s[1:len(s)-1], 10, 64)
	return v, e == nil
}
