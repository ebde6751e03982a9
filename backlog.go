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
	"sync"
	"time"
)

const (
	DefaultBacklogSize = 1000
	MaxEntrySize       = 64 * 1024
)

// EntryKind tags a backlog entry with where its data came from.
type EntryKind int

const (
	Stdout EntryKind = iota
	Stderr
	Status
)

func (k EntryKind) String() string {
	switch k {
	case Stdout:
		return "stdout"
	case Stderr:
		return "stderr"
	case Status:
		return "status"
	}
	return fmt.Sprintf("EntryKind(%d)", int(k))
}

func (k EntryKind) valid() bool {
	switch k {
	case Stdout, Stderr, Status:
		return true
	}
	return false
}

// Entry is one line of process output, or one lifecycle event.  Entries
// are never modified once recorded.
type Entry struct {
	Time time.Time
	Kind EntryKind
	Data string
}

// entryJSON is the export shape: epoch milliseconds and a numeric type.
type entryJSON struct {
	Time int64  `json:"Time"`
	Type int    `json:"Type"`
	Data string `json:"Data"`
}

func (e Entry) MarshalJSON() ([]byte, error) {
	if !e.Kind.valid() {
		return nil, fmt.Errorf("bad backlog entry kind %d", int(e.Kind))
	}
	return json.Marshal(entryJSON{
		Time: e.Time.UnixMilli(),
		Type: int(e.Kind),
		Data: e.Data,
	})
}

func (e *Entry) UnmarshalJSON(b []byte) error {
	var v entryJSON
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	k := EntryKind(v.Type)
	if !k.valid() {
		return fmt.Errorf("bad backlog entry type %d", v.Type)
	}
	e.Time = time.UnixMilli(v.Time)
	e.Kind = k
	e.Data = v.Data
	return nil
}

// Backlog is a bounded, append-only record of a task's output.  When full
// the oldest entry is overwritten.  All methods are safe for concurrent use,
// and readers always get whole entries.
type Backlog struct {
	records    []Entry
	numRecords int
	maxRecords int
	id         int64
	last       time.Time
	cvs        map[*sync.Cond]bool
	mx         sync.Mutex
}

func (b *Backlog) lock() {
	b.mx.Lock()
}

func (b *Backlog) unlock() {
	b.mx.Unlock()
}

// Record appends an entry stamped with the current time.  Timestamps never
// go backwards, even if the wall clock does.
func (b *Backlog) Record(kind EntryKind, data string) {
	if len(data) > MaxEntrySize {
		data = data[:MaxEntrySize]
	}
	b.lock()
	now := time.Now()
	if now.Before(b.last) {
		now = b.last
	}
	b.last = now
	idx := b.numRecords % b.maxRecords
	b.records[idx] = Entry{Time: now, Kind: kind, Data: data}
	b.id++
	// NB: numRecords may be more than maxRecords.  In that case
	// we've wrapped, and it only tracks the next index.
	b.numRecords++
	for cv := range b.cvs {
		cv.Broadcast()
	}
	b.unlock()
}

func (b *Backlog) collect() []Entry {
	cnt := b.numRecords
	if cnt > b.maxRecords {
		cnt = b.maxRecords
	}
	recs := make([]Entry, 0, cnt)
	index := b.numRecords - cnt
	for j := 0; j < cnt; j++ {
		recs = append(recs, b.records[index%b.maxRecords])
		index++
	}
	return recs
}

// Entries returns a copy of the retained entries, oldest first.
func (b *Backlog) Entries() []Entry {
	b.lock()
	defer b.unlock()
	return b.collect()
}

// Since returns the entries along with an ID suitable for use as an Etag.
// If last matches the current ID, nil is returned without copying anything.
// IDs are not comparable between different Backlog instances.
func (b *Backlog) Since(last int64) ([]Entry, int64) {
	b.lock()
	defer b.unlock()
	if b.id == last {
		return nil, last
	}
	return b.collect(), b.id
}

// Watch blocks until the backlog ID differs from last, or until expire
// has passed.  It returns the current ID.  An expire of zero polls.
func (b *Backlog) Watch(last int64, expire time.Duration) int64 {
	expired := false
	var timer *time.Timer
	cv := sync.NewCond(&b.mx)
	if expire > 0 {
		timer = time.AfterFunc(expire, func() {
			b.lock()
			expired = true
			cv.Broadcast()
			b.unlock()
		})
	} else {
		expired = true
	}

	b.lock()
	b.cvs[cv] = true
	for b.id == last && !expired {
		cv.Wait()
	}
	delete(b.cvs, cv)
	last = b.id
	b.unlock()
	if timer != nil {
		timer.Stop()
	}
	return last
}

// Len returns the number of retained entries.
func (b *Backlog) Len() int {
	b.lock()
	defer b.unlock()
	if b.numRecords > b.maxRecords {
		return b.maxRecords
	}
	return b.numRecords
}

// Cap returns the capacity bound.
func (b *Backlog) Cap() int {
	return b.maxRecords
}

// NewBacklog returns a Backlog retaining at most size entries.  A size of
// zero or less selects DefaultBacklogSize.
func NewBacklog(size int) *Backlog {
	if size <= 0 {
		size = DefaultBacklogSize
	}
	return &Backlog{
		records:    make([]Entry, size),
		maxRecords: size,
		// Seed from the clock, so that Etags handed out by a previous
		// instance of the daemon are invalidated.
		id:  time.Now().UnixNano(),
		cvs: make(map[*sync.Cond]bool),
	}
}
