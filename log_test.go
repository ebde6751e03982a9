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
	"bytes"
	"log"
	"testing"

	. "github.com/smartystreets/goconvey/convey"
)

func TestLogBacklog(t *testing.T) {
	Convey("Log lines land in a backlog", t, func() {
		b, l := NewLogBacklog(10)
		l.Printf("one")
		l.Printf("two\nthree\n")
		recs := b.Entries()
		So(len(recs), ShouldEqual, 3)
		So(recs[0].Kind, ShouldEqual, Status)
		So(recs[2].Data, ShouldEqual, "three")
	})
}

func TestMultiLogger(t *testing.T) {
	Convey("A MultiLogger fans out", t, func() {
		var a, c bytes.Buffer
		la := log.New(&a, "a: ", 0)
		lc := log.New(&c, "", 0)
		ml := NewMultiLogger(la, lc, la)

		sub := log.New(ml, "[x] ", 0)
		sub.Printf("hello")
		So(a.String(), ShouldEqual, "a: [x] hello\n")
		So(c.String(), ShouldEqual, "[x] hello\n")

		Convey("Removed loggers get nothing more", func() {
			ml.DelLogger(la)
			ml.Logger().Printf("bye")
			So(a.String(), ShouldEqual, "a: [x] hello\n")
			So(c.String(), ShouldEqual, "[x] hello\nbye\n")
		})
	})
}
