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
	"errors"
	"net"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"
)

// closedAddr returns an address that refuses connections.
func closedAddr() string {
	l, e := net.Listen("tcp", "127.0.0.1:0")
	So(e, ShouldBeNil)
	addr := l.Addr().String()
	l.Close()
	return addr
}

func listen() net.Listener {
	l, e := net.Listen("tcp", "127.0.0.1:0")
	So(e, ShouldBeNil)
	go func() {
		for {
			c, e := l.Accept()
			if e != nil {
				return
			}
			c.Close()
		}
	}()
	return l
}

func targets(addrs ...string) []Target {
	var rv []Target
	for _, a := range addrs {
		t, e := ParseTarget(a)
		So(e, ShouldBeNil)
		rv = append(rv, t)
	}
	return rv
}

func TestDialTargets(t *testing.T) {
	Convey("The first reachable target wins", t, func() {
		l := listen()
		Reset(func() { l.Close() })
		d := &Dialer{}
		c, tgt, e := d.DialTargets(context.Background(), "h",
			targets(closedAddr(), l.Addr().String()))
		So(e, ShouldBeNil)
		So(tgt.Addr, ShouldEqual, l.Addr().String())
		c.Close()
	})

	Convey("Unresponsive targets are skipped after the timeout", t, func() {
		l := listen()
		Reset(func() { l.Close() })
		d := &Dialer{
			PerTargetTimeout: time.Millisecond * 50,
			Dial: func(ctx context.Context, n, addr string) (net.Conn, error) {
				if addr == "10.255.255.1:80" {
					<-ctx.Done()
					return nil, ctx.Err()
				}
				return (&net.Dialer{}).DialContext(ctx, n, addr)
			},
		}
		now := time.Now()
		c, tgt, e := d.DialTargets(context.Background(), "h",
			targets("10.255.255.1:80", l.Addr().String()))
		So(e, ShouldBeNil)
		So(tgt.Addr, ShouldEqual, l.Addr().String())
		So(time.Since(now), ShouldBeLessThan, time.Second)
		c.Close()
	})

	Convey("All targets down", t, func() {
		d := &Dialer{}
		_, _, e := d.DialTargets(context.Background(), "h.example",
			targets(closedAddr(), closedAddr()))
		So(errors.Is(e, ErrAllTargetsDown), ShouldBeTrue)
		var ue *UnreachableError
		So(errors.As(e, &ue), ShouldBeTrue)
		So(len(ue.Attempts), ShouldEqual, 2)
		So(ue.Error(), ShouldContainSubstring, "h.example")
	})

	Convey("Round robin rotates the first choice", t, func() {
		var first []string
		d := &Dialer{
			RoundRobin: true,
			Dial: func(ctx context.Context, n, addr string) (net.Conn, error) {
				first = append(first, addr)
				c1, c2 := net.Pipe()
				c2.Close()
				return c1, nil
			},
		}
		tgts := targets("a:1", "b:1", "c:1")
		for i := 0; i < 4; i++ {
			c, _, e := d.DialTargets(context.Background(), "h", tgts)
			So(e, ShouldBeNil)
			c.Close()
		}
		So(first, ShouldResemble, []string{"a:1", "b:1", "c:1", "a:1"})
	})
}
