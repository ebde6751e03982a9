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

package routing

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	DefaultPerTargetTimeout = time.Second * 2
	DefaultConnectTimeout   = time.Second * 10
)

var dialFailures = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "proxyvisor_upstream_dial_failures_total",
		Help: "Failed connection attempts by upstream target",
	},
	[]string{"target"},
)

// Attempt records one failed connection attempt.
type Attempt struct {
	Target Target
	Err    error
}

// UnreachableError is returned when no target accepted a connection.  It
// matches ErrAllTargetsDown with errors.Is.
type UnreachableError struct {
	Host     string
	Attempts []Attempt
}

func (e *UnreachableError) Error() string {
	parts := make([]string, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		parts = append(parts, fmt.Sprintf("%s: %v", a.Target, a.Err))
	}
	msg := ErrAllTargetsDown.Error()
	if e.Host != "" {
		msg += " for " + e.Host
	}
	if len(parts) == 0 {
		return msg
	}
	return msg + " (" + strings.Join(parts, "; ") + ")"
}

func (e *UnreachableError) Unwrap() []error {
	errs := []error{ErrAllTargetsDown}
	for _, a := range e.Attempts {
		errs = append(errs, a.Err)
	}
	return errs
}

// DialFunc is the signature of net.Dialer.DialContext.
type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// Dialer connects to the first reachable target of a route.  The zero
// value is usable.
type Dialer struct {
	// PerTargetTimeout bounds each attempt.
	PerTargetTimeout time.Duration
	// ConnectTimeout bounds the whole sequence of attempts.
	ConnectTimeout time.Duration
	// RoundRobin rotates the starting target on every call, instead of
	// always trying them in configured order.
	RoundRobin bool
	// Dial overrides the network dialer.
	Dial DialFunc

	next atomic.Uint64
}

func (d *Dialer) perTarget() time.Duration {
	if d.PerTargetTimeout > 0 {
		return d.PerTargetTimeout
	}
	return DefaultPerTargetTimeout
}

func (d *Dialer) overall() time.Duration {
	if d.ConnectTimeout > 0 {
		return d.ConnectTimeout
	}
	return DefaultConnectTimeout
}

// DialTargets tries each target in turn, skipping those that refuse or
// time out, and returns the first connection made along with the target
// it reached.
func (d *Dialer) DialTargets(ctx context.Context, host string, targets []Target) (net.Conn, Target, error) {
	ctx, cancel := context.WithTimeout(ctx, d.overall())
	defer cancel()

	dial := d.Dial
	if dial == nil {
		dial = (&net.Dialer{KeepAlive: 30 * time.Second}).DialContext
	}

	start := 0
	if d.RoundRobin && len(targets) > 1 {
		start = int((d.next.Add(1) - 1) % uint64(len(targets)))
	}

	ue := &UnreachableError{Host: host}
	for i := range targets {
		t := targets[(start+i)%len(targets)]
		if e := ctx.Err(); e != nil {
			ue.Attempts = append(ue.Attempts, Attempt{Target: t, Err: e})
			break
		}
		actx, acancel := context.WithTimeout(ctx, d.perTarget())
		c, e := dial(actx, "tcp", t.Addr)
		acancel()
		if e == nil {
			return c, t, nil
		}
		dialFailures.WithLabelValues(t.Addr).Inc()
		ue.Attempts = append(ue.Attempts, Attempt{Target: t, Err: e})
	}
	return nil, Target{}, ue
}
