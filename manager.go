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
	"context"
	"fmt"
	"log"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

const DefaultStopTimeout = time.Second * 10

// Manager supervises a set of tasks.  It is the only thing that ever
// touches the OS processes it launches.
type Manager struct {
	tasks       map[string]*runner
	name        string
	logger      *log.Logger
	stopTimeout time.Duration
	backlogSize int
	shutdown    bool
	serial      int64
	listSerial  int64
	createTime  time.Time
	updateTime  time.Time
	mx          sync.Mutex
	cvs         map[*sync.Cond]bool
}

// ManagerInfo is a consistent summary of the Manager.
type ManagerInfo struct {
	Name       string
	Serial     int64
	UpdateTime time.Time
	CreateTime time.Time
}

// TaskInfo is a point-in-time view of a single task.
type TaskInfo struct {
	ID        string
	State     TaskState
	Pid       int
	Status    string
	TimeStamp time.Time
	Starts    int
	Task      Task
}

func (m *Manager) lock() {
	m.mx.Lock()
}

func (m *Manager) unlock() {
	m.mx.Unlock()
}

func (m *Manager) wakeUp() {
	// NB: the lock must be held here, or woken goroutines may not
	// see the updated serial number.
	for cv := range m.cvs {
		cv.Broadcast()
	}
}

// bumpSerial increments the serial and notifies watchers.  Call with lock
// held.
func (m *Manager) bumpSerial() int64 {
	m.updateTime = time.Now()
	m.serial++
	m.wakeUp()
	return m.serial
}

func (m *Manager) watchSerial(old int64, src *int64, expire time.Duration) int64 {
	expired := false
	cv := sync.NewCond(&m.mx)
	var timer *time.Timer
	var rv int64

	if expire > 0 {
		timer = time.AfterFunc(expire, func() {
			m.lock()
			expired = true
			cv.Broadcast()
			m.unlock()
		})
	} else {
		expired = true
	}

	m.lock()
	m.cvs[cv] = true
	for {
		rv = *src
		if rv != old || expired {
			break
		}
		cv.Wait()
	}
	delete(m.cvs, cv)
	m.unlock()
	if timer != nil {
		timer.Stop()
	}
	return rv
}

// WatchSerial waits for any task state change, returning the new serial.
// If nothing changes within expire the old value is returned.  An expire
// of zero polls.
func (m *Manager) WatchSerial(old int64, expire time.Duration) int64 {
	return m.watchSerial(old, &m.serial, expire)
}

// WatchTasks waits for a change in the set of tasks.
func (m *Manager) WatchTasks(old int64, expire time.Duration) int64 {
	return m.watchSerial(old, &m.listSerial, expire)
}

// Serial returns the global serial number, incremented on every change.
func (m *Manager) Serial() int64 {
	m.lock()
	defer m.unlock()
	return m.serial
}

// Name returns the name the manager was allocated with.
func (m *Manager) Name() string {
	return m.name
}

// GetInfo returns top-level information about the Manager.
func (m *Manager) GetInfo() *ManagerInfo {
	m.lock()
	defer m.unlock()
	return &ManagerInfo{
		Name:       m.name,
		Serial:     m.serial,
		CreateTime: m.createTime,
		UpdateTime: m.updateTime,
	}
}

// SetLogger overrides the default logger, which writes to stderr.
func (m *Manager) SetLogger(l *log.Logger) {
	m.lock()
	m.logger = l
	m.unlock()
}

// SetStopTimeout sets how long a stopping task gets before it is killed.
// Zero waits forever.
func (m *Manager) SetStopTimeout(d time.Duration) {
	m.lock()
	m.stopTimeout = d
	m.unlock()
}

// SetBacklogSize sets the capacity of backlogs created from now on.
func (m *Manager) SetBacklogSize(n int) {
	m.lock()
	m.backlogSize = n
	m.unlock()
}

func (m *Manager) logf(format string, v ...interface{}) {
	if m.logger != nil {
		m.logger.Printf(format, v...)
	}
}

func (m *Manager) find(id string) (*runner, error) {
	if m.shutdown {
		return nil, ErrShutdown
	}
	r, ok := m.tasks[id]
	if !ok {
		return nil, ErrNoTask
	}
	return r, nil
}

// Tasks returns the task identifiers, sorted.
func (m *Manager) Tasks() []string {
	m.lock()
	defer m.unlock()
	rv := make([]string, 0, len(m.tasks))
	for id := range m.tasks {
		rv = append(rv, id)
	}
	sort.Strings(rv)
	return rv
}

// Task returns a copy of the current definition of a task.
func (m *Manager) Task(id string) (Task, error) {
	m.lock()
	defer m.unlock()
	r, e := m.find(id)
	if e != nil {
		return Task{}, e
	}
	return r.def.Clone(), nil
}

// TaskState returns the lifecycle state of a task.
func (m *Manager) TaskState(id string) (TaskState, error) {
	m.lock()
	defer m.unlock()
	r, e := m.find(id)
	if e != nil {
		return Stopped, e
	}
	return r.state, nil
}

// TaskInfo returns a summary of a task.
func (m *Manager) TaskInfo(id string) (*TaskInfo, error) {
	m.lock()
	defer m.unlock()
	r, e := m.find(id)
	if e != nil {
		return nil, e
	}
	return &TaskInfo{
		ID:        r.id,
		State:     r.state,
		Pid:       r.pid(),
		Status:    r.reason,
		TimeStamp: r.stamp,
		Starts:    r.starts,
		Task:      r.def.Clone(),
	}, nil
}

// AddTask registers a new task, starting it if AutoRun is set.  An empty
// id allocates a fresh one.  The identifier is returned.
func (m *Manager) AddTask(id string, t Task) (string, error) {
	if e := t.Validate(); e != nil {
		return "", e
	}
	if id == "" {
		id = uuid.NewString()
	}
	m.lock()
	defer m.unlock()
	if m.shutdown {
		return "", ErrShutdown
	}
	if _, ok := m.tasks[id]; ok {
		return "", ErrTaskExists
	}
	r := m.addLocked(id, t.Clone())
	m.listSerial = m.bumpSerial()
	if t.AutoRun {
		// Failure is already recorded in the backlog.
		r.start("AutoRun")
		m.bumpSerial()
	}
	return id, nil
}

func (m *Manager) addLocked(id string, t Task) *runner {
	r := newRunner(m, id, t)
	m.tasks[id] = r
	r.status("Added task")
	tasksConfigured.Set(float64(len(m.tasks)))
	return r
}

// ReloadTask replaces the definition of a task.  A running process is left
// alone; the new definition is used the next time the task starts.
func (m *Manager) ReloadTask(id string, t Task) error {
	if e := t.Validate(); e != nil {
		return e
	}
	m.lock()
	defer m.unlock()
	r, e := m.find(id)
	if e != nil {
		return e
	}
	r.def = t.Clone()
	r.status("Definition reloaded")
	m.bumpSerial()
	return nil
}

// RemoveTask stops a task, if needed, and then forgets it.
func (m *Manager) RemoveTask(id string) error {
	m.lock()
	defer m.unlock()
	r, e := m.find(id)
	if e != nil {
		return e
	}
	m.detachLocked(r)
	m.listSerial = m.bumpSerial()
	m.finishLocked(r, m.stopTimeout)
	return nil
}

// detachLocked takes the runner out of the task set, so nothing can start
// it again.  Call with lock held.
func (m *Manager) detachLocked(r *runner) {
	r.removed = true
	delete(m.tasks, r.id)
	tasksConfigured.Set(float64(len(m.tasks)))
}

// finishLocked stops a detached runner and shuts down its writer.  The lock
// is dropped while waiting for the process.
func (m *Manager) finishLocked(r *runner, timeout time.Duration) {
	for r.state != Stopped {
		r.stop(timeout)
	}
	r.status("Removed task")
	r.close()
}

// StartTask launches a stopped task.
func (m *Manager) StartTask(id string) error {
	m.lock()
	defer m.unlock()
	r, e := m.find(id)
	if e != nil {
		return e
	}
	if r.state != Stopped {
		return ErrAlreadyRunning
	}
	e = r.start("Start requested")
	m.bumpSerial()
	return e
}

// StopTask stops a task.  A pending relaunch is cancelled.  The call
// returns once the process has exited.
func (m *Manager) StopTask(id string) error {
	m.lock()
	defer m.unlock()
	r, e := m.find(id)
	if e != nil {
		return e
	}
	if e = r.stop(m.stopTimeout); e != nil {
		return e
	}
	m.bumpSerial()
	return nil
}

// ApplyTasks replaces the whole task set.  Every definition is validated
// before anything changes.  Tasks missing from set are stopped and removed,
// existing tasks get the new definition for their next start, and new
// tasks are added (and started when AutoRun is set).
func (m *Manager) ApplyTasks(set map[string]Task) error {
	defs := make(map[string]Task, len(set))
	for id, t := range set {
		if id == "" {
			return &ConfigError{Field: "tasks", Reason: "empty task identifier"}
		}
		if e := t.Validate(); e != nil {
			ce := e.(*ConfigError)
			return &ConfigError{Field: fmt.Sprintf("tasks[%s].%s", id, ce.Field),
				Reason: ce.Reason}
		}
		defs[id] = t.Clone()
	}

	m.lock()
	defer m.unlock()
	if m.shutdown {
		return ErrShutdown
	}

	var gone []*runner
	for id, r := range m.tasks {
		if _, ok := defs[id]; !ok {
			gone = append(gone, r)
		}
	}
	for _, r := range gone {
		m.detachLocked(r)
	}
	var fresh []*runner
	ids := make([]string, 0, len(defs))
	for id := range defs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if r, ok := m.tasks[id]; ok {
			r.def = defs[id]
			r.status("Definition reloaded")
			continue
		}
		fresh = append(fresh, m.addLocked(id, defs[id]))
	}
	m.listSerial = m.bumpSerial()

	for _, r := range fresh {
		if r.def.AutoRun {
			r.start("AutoRun")
		}
	}
	for _, r := range gone {
		m.finishLocked(r, m.stopTimeout)
	}
	m.bumpSerial()
	return nil
}

// GetBacklog returns the recorded output of a task, oldest first.
func (m *Manager) GetBacklog(id string) ([]Entry, error) {
	b, e := m.backlog(id)
	if e != nil {
		return nil, e
	}
	return b.Entries(), nil
}

// GetBacklogSince is like GetBacklog, but returns nil if nothing was
// recorded since last.  The returned ID can be used as an Etag.
func (m *Manager) GetBacklogSince(id string, last int64) ([]Entry, int64, error) {
	b, e := m.backlog(id)
	if e != nil {
		return nil, last, e
	}
	recs, next := b.Since(last)
	return recs, next, nil
}

// WatchBacklog waits for new entries in a task's backlog.
func (m *Manager) WatchBacklog(id string, last int64, expire time.Duration) (int64, error) {
	b, e := m.backlog(id)
	if e != nil {
		return last, e
	}
	return b.Watch(last, expire), nil
}

func (m *Manager) backlog(id string) (*Backlog, error) {
	m.lock()
	defer m.unlock()
	r, e := m.find(id)
	if e != nil {
		return nil, e
	}
	return r.backlog, nil
}

// Shutdown stops every task and cancels pending relaunches.  Tasks are
// signalled in parallel, and killed once the stop timeout passes.  If ctx
// ends first, whatever remains is killed immediately and ctx.Err() is
// returned once they are gone.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.lock()
	if m.shutdown {
		m.unlock()
		return nil
	}
	m.shutdown = true
	runners := make([]*runner, 0, len(m.tasks))
	for _, r := range m.tasks {
		runners = append(runners, r)
	}
	for _, r := range runners {
		m.detachLocked(r)
	}
	m.listSerial = m.bumpSerial()
	timeout := m.stopTimeout
	m.unlock()

	wg := sync.WaitGroup{}
	for _, r := range runners {
		wg.Add(1)
		go func(r *runner) {
			defer wg.Done()
			m.lock()
			m.finishLocked(r, timeout)
			m.unlock()
		}(r)
	}
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
		m.lock()
		for _, r := range runners {
			r.kill()
		}
		m.unlock()
		<-done
	}
	m.logf("*** Proxyvisor shut down: %s ***", m.name)
	return err
}

// NewManager returns a Manager with no tasks.
func NewManager(name string) *Manager {
	if name == "" {
		name = "proxyvisor"
	}
	// The serial starts at the current time in nsec, so that clients
	// holding a serial from an earlier instance see a change.
	m := &Manager{name: name, serial: time.Now().UnixNano()}
	m.tasks = make(map[string]*runner)
	m.cvs = make(map[*sync.Cond]bool)
	m.createTime = time.Now()
	m.updateTime = m.createTime
	m.stopTimeout = DefaultStopTimeout
	m.backlogSize = DefaultBacklogSize
	m.logger = log.New(os.Stderr, "", log.LstdFlags)
	return m
}
