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

package acme

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-acme/lego/v4/challenge/http01"
	"github.com/jellydator/ttlcache/v3"
)

// ChallengeTTL bounds how long an unclaimed token is kept.
const ChallengeTTL = time.Minute * 10

var challengePrefix = http01.ChallengePath("")

type token struct {
	domain  string
	keyAuth string
}

// ChallengeResponder answers HTTP-01 challenges.  It is a lego
// challenge.Provider, and an http.Handler for the plaintext listener.
type ChallengeResponder struct {
	tokens *ttlcache.Cache[string, token]
}

// NewChallengeResponder returns an empty responder.  Close releases it.
func NewChallengeResponder() *ChallengeResponder {
	c := &ChallengeResponder{
		tokens: ttlcache.New[string, token](
			ttlcache.WithTTL[string, token](ChallengeTTL),
			ttlcache.WithDisableTouchOnHit[string, token](),
		),
	}
	go c.tokens.Start()
	return c
}

// Present makes keyAuth available for token.
func (c *ChallengeResponder) Present(domain, tok, keyAuth string) error {
	c.tokens.Set(tok, token{domain: strings.ToLower(domain), keyAuth: keyAuth},
		ttlcache.DefaultTTL)
	return nil
}

// CleanUp forgets token.
func (c *ChallengeResponder) CleanUp(domain, tok, keyAuth string) error {
	c.tokens.Delete(tok)
	return nil
}

// Match reports whether r is a challenge request.
func (c *ChallengeResponder) Match(r *http.Request) bool {
	return strings.HasPrefix(r.URL.Path, challengePrefix)
}

func (c *ChallengeResponder) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	tok := strings.TrimPrefix(r.URL.Path, challengePrefix)
	item := c.tokens.Get(tok)
	if tok == "" || item == nil {
		http.NotFound(w, r)
		return
	}
	host := r.Host
	if i := strings.LastIndexByte(host, ':'); i > 0 && !strings.HasSuffix(host, "]") {
		host = host[:i]
	}
	if v := item.Value(); v.domain != "" && !strings.EqualFold(host, v.domain) {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	w.Write([]byte(item.Value().keyAuth))
}

// Close stops token expiry.
func (c *ChallengeResponder) Close() {
	c.tokens.Stop()
}
