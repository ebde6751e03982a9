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
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"
)

func TestBacklogBound(t *testing.T) {
	Convey("Backlog keeps only the newest entries", t, func() {
		b := NewBacklog(3)
		So(b.Cap(), ShouldEqual, 3)
		for i := 0; i < 5; i++ {
			b.Record(Stdout, fmt.Sprintf("line %d", i))
		}
		So(b.Len(), ShouldEqual, 3)
		recs := b.Entries()
		So(len(recs), ShouldEqual, 3)
		So(recs[0].Data, ShouldEqual, "line 2")
		So(recs[1].Data, ShouldEqual, "line 3")
		So(recs[2].Data, ShouldEqual, "line 4")
		for i := 1; i < len(recs); i++ {
			So(recs[i].Time.Before(recs[i-1].Time), ShouldBeFalse)
		}
	})

	Convey("Default size applies when none is given", t, func() {
		So(NewBacklog(0).Cap(), ShouldEqual, DefaultBacklogSize)
		So(NewBacklog(-1).Cap(), ShouldEqual, DefaultBacklogSize)
	})

	Convey("Long entries are truncated", t, func() {
		b := NewBacklog(1)
		b.Record(Stderr, strings.Repeat("x", MaxEntrySize+10))
		So(len(b.Entries()[0].Data), ShouldEqual, MaxEntrySize)
	})
}

func TestBacklogSince(t *testing.T) {
	Convey("Since reports changes by ID", t, func() {
		b := NewBacklog(10)
		recs, id := b.Since(0)
		So(len(recs), ShouldEqual, 0)
		recs, id2 := b.Since(id)
		So(recs, ShouldBeNil)
		So(id2, ShouldEqual, id)

		b.Record(Status, "hello")
		recs, id2 = b.Since(id)
		So(id2, ShouldNotEqual, id)
		So(len(recs), ShouldEqual, 1)
		So(recs[0].Kind, ShouldEqual, Status)
	})

	Convey("Watch wakes on a new entry", t, func() {
		b := NewBacklog(10)
		_, id := b.Since(0)
		go func() {
			time.Sleep(time.Millisecond * 20)
			b.Record(Stdout, "wake")
		}()
		now := time.Now()
		nid := b.Watch(id, time.Second*5)
		So(nid, ShouldNotEqual, id)
		So(time.Since(now), ShouldBeLessThan, time.Second*5)
	})

	Convey("Watch returns on expiry", t, func() {
		b := NewBacklog(10)
		_, id := b.Since(0)
		So(b.Watch(id, time.Millisecond*10), ShouldEqual, id)
		So(b.Watch(id, 0), ShouldEqual, id)
	})
}

func TestBacklogConcurrent(t *testing.T) {
	Convey("Concurrent readers see whole entries", t, func() {
		b := NewBacklog(50)
		wg := sync.WaitGroup{}
		for w := 0; w < 4; w++ {
			wg.Add(1)
			go func(w int) {
				defer wg.Done()
				for i := 0; i < 200; i++ {
					b.Record(Stdout, fmt.Sprintf("w%d-%d", w, i))
				}
			}(w)
		}
		bad := 0
		for i := 0; i < 100; i++ {
			for _, r := range b.Entries() {
				if !strings.HasPrefix(r.Data, "w") {
					bad++
				}
			}
		}
		wg.Wait()
		So(bad, ShouldEqual, 0)
		So(b.Len(), ShouldEqual, 50)
	})
}

func TestEntryJSON(t *testing.T) {
	Convey("Entries export with millisecond times", t, func() {
		e := Entry{Time: time.UnixMilli(1700000000123), Kind: Stderr, Data: "oops"}
		b, err := json.Marshal(e)
		So(err, ShouldBeNil)
		So(string(b), ShouldEqual, `{"Time":1700000000123,"Type":1,"Data":"oops"}`)

		var d Entry
		So(json.Unmarshal(b, &d), ShouldBeNil)
		So(d.Kind, ShouldEqual, Stderr)
		So(d.Time.Equal(e.Time), ShouldBeTrue)
	})

	Convey("Unknown kinds are rejected", t, func() {
		_, err := json.Marshal(Entry{Kind: EntryKind(7)})
		So(err, ShouldNotBeNil)
		var d Entry
		So(json.Unmarshal([]byte(`{"Time":0,"Type":9,"Data":""}`), &d), ShouldNotBeNil)
		So(EntryKind(7).String(), ShouldEqual, "EntryKind(7)")
	})
}
