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
	"context"
	"net"
	"sync"
	"time"
)

// connSet tracks every accepted connection, including ones the HTTP server
// has handed off through Hijack, so that shutdown can close them all.
type connSet struct {
	mx    sync.Mutex
	conns map[*trackedConn]struct{}
}

func newConnSet() *connSet {
	return &connSet{conns: make(map[*trackedConn]struct{})}
}

func (cs *connSet) add(c *trackedConn) {
	cs.mx.Lock()
	cs.conns[c] = struct{}{}
	cs.mx.Unlock()
	activeConns.Inc()
}

func (cs *connSet) remove(c *trackedConn) {
	cs.mx.Lock()
	if _, ok := cs.conns[c]; ok {
		delete(cs.conns, c)
		activeConns.Dec()
	}
	cs.mx.Unlock()
}

func (cs *connSet) count() int {
	cs.mx.Lock()
	defer cs.mx.Unlock()
	return len(cs.conns)
}

// wait polls until no connections remain, or until ctx is done.
func (cs *connSet) wait(ctx context.Context) error {
	ticker := time.NewTicker(time.Millisecond * 25)
	defer ticker.Stop()
	for {
		if cs.count() == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (cs *connSet) closeAll() {
	cs.mx.Lock()
	conns := make([]*trackedConn, 0, len(cs.conns))
	for c := range cs.conns {
		conns = append(conns, c)
	}
	cs.mx.Unlock()
	for _, c := range conns {
		c.Close()
	}
}

type trackedConn struct {
	net.Conn
	set  *connSet
	once sync.Once
}

func (c *trackedConn) Close() error {
	err := c.Conn.Close()
	c.once.Do(func() { c.set.remove(c) })
	return err
}

type trackingListener struct {
	net.Listener
	set *connSet
}

func (l *trackingListener) Accept() (net.Conn, error) {
	c, err := l.Listener.Accept()
	if err != nil {
		return nil, err
	}
	tc := &trackedConn{Conn: c, set: l.set}
	l.set.add(tc)
	return tc, nil
}
