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
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"
)

// TaskState is the lifecycle state of a task.
//
//	Stopped --> Starting --> Running --> Stopping --> Stopped
//	                            |
//	                            +--(exit, Relaunch)--> RelaunchPending
//	                                                        |
//	          Starting <---------(Interval elapsed)---------+
type TaskState int

const (
	Stopped TaskState = iota
	Starting
	Running
	Stopping
	RelaunchPending
)

func (s TaskState) String() string {
	switch s {
	case Stopped:
		return "stopped"
	case Starting:
		return "starting"
	case Running:
		return "running"
	case Stopping:
		return "stopping"
	case RelaunchPending:
		return "relaunch-pending"
	}
	return fmt.Sprintf("TaskState(%d)", int(s))
}

const (
	outputQueueLen = 256

	// How long to keep reading output after the process exits.  Something
	// it forked may still hold the pipes open.
	drainTime = time.Millisecond * 500
)

type outputLine struct {
	kind EntryKind
	data string
}

// runner owns the OS process for a single task.  All fields other than
// the queue and backlog are protected by the Manager's lock.
type runner struct {
	id       string
	mgr      *Manager
	def      Task
	state    TaskState
	cmd      *exec.Cmd
	stopReq  bool
	removed  bool
	closed   bool
	gen      int64
	relaunch *time.Timer
	done     chan struct{}
	reason   string
	stamp    time.Time
	starts   int
	backlog  *Backlog
	queue    chan outputLine
	drained  chan struct{}
}

func newRunner(m *Manager, id string, def Task) *runner {
	r := &runner{
		id:      id,
		mgr:     m,
		def:     def,
		state:   Stopped,
		backlog: NewBacklog(m.backlogSize),
		queue:   make(chan outputLine, outputQueueLen),
		drained: make(chan struct{}),
		reason:  "Added task",
		stamp:   time.Now(),
	}
	go r.writer()
	return r
}

// writer is the only goroutine that appends to the backlog, which keeps
// output and status events in the order they were queued.
func (r *runner) writer() {
	for line := range r.queue {
		r.backlog.Record(line.kind, line.data)
	}
	close(r.drained)
}

func (r *runner) emit(kind EntryKind, data string) {
	if r.closed {
		return
	}
	r.queue <- outputLine{kind: kind, data: data}
}

// status records a lifecycle event.  Call with the lock held.
func (r *runner) status(format string, v ...interface{}) {
	msg := fmt.Sprintf(format, v...)
	r.reason = msg
	r.stamp = time.Now()
	r.emit(Status, msg)
	r.mgr.logf("[%s] %s", r.id, msg)
}

// doLog forwards rd line by line.  A line longer than MaxEntrySize is
// recorded truncated, and the remainder is discarded as it is read.
func (r *runner) doLog(rd io.Reader, kind EntryKind, wg *sync.WaitGroup) {
	defer wg.Done()
	reader := bufio.NewReaderSize(rd, 4096)
	line := make([]byte, 0, 4096)
	skip := false
	for {
		chunk, err := reader.ReadSlice('\n')
		if !skip {
			if room := MaxEntrySize - len(line); len(chunk) > room {
				chunk = chunk[:room]
			}
			line = append(line, chunk...)
		}
		if err == bufio.ErrBufferFull {
			if !skip && len(line) >= MaxEntrySize {
				r.queue <- outputLine{kind: kind, data: string(line)}
				skip = true
			}
			continue
		}
		if !skip && len(line) != 0 {
			r.queue <- outputLine{kind: kind,
				data: strings.TrimRight(string(line), "\r\n")}
		}
		line = line[:0]
		skip = false
		if err != nil {
			if err != io.EOF && !errors.Is(err, os.ErrDeadlineExceeded) &&
				!errors.Is(err, os.ErrClosed) {
				r.queue <- outputLine{kind: Status,
					data: fmt.Sprintf("Failed reading %s: %v", kind, err)}
			}
			return
		}
	}
}

type capture struct {
	readers []*os.File
	writers []*os.File
	kinds   []EntryKind
}

// pipe attaches an output pipe for kind.  Failing to do so is not fatal,
// the output is simply discarded.
func (c *capture) pipe(r *runner, kind EntryKind) *os.File {
	pr, pw, e := os.Pipe()
	if e != nil {
		r.status("Failed to capture %s: %v", kind, e)
		return nil
	}
	c.readers = append(c.readers, pr)
	c.writers = append(c.writers, pw)
	c.kinds = append(c.kinds, kind)
	return pw
}

func (c *capture) closeWriters() {
	for _, f := range c.writers {
		f.Close()
	}
	c.writers = nil
}

func (c *capture) closeReaders() {
	for _, f := range c.readers {
		f.Close()
	}
	c.readers = nil
}

// start launches the process.  Call with the lock held, in state Stopped.
func (r *runner) start(detail string) error {
	r.state = Starting
	cmd, e := r.def.command(r.id)
	if e != nil {
		r.state = Stopped
		r.status("Failed to start: %v", e)
		return e
	}

	c := &capture{}
	if w := c.pipe(r, Stdout); w != nil {
		cmd.Stdout = w
	}
	if w := c.pipe(r, Stderr); w != nil {
		cmd.Stderr = w
	}

	if e := cmd.Start(); e != nil {
		c.closeWriters()
		c.closeReaders()
		r.state = Stopped
		r.status("Failed to start: %v", e)
		taskFailures.WithLabelValues(r.id).Inc()
		return &ProcessError{Task: r.id, Op: "start", Err: e}
	}
	// The child has its own copies now.
	c.closeWriters()

	r.gen++
	r.cmd = cmd
	r.stopReq = false
	r.starts++
	r.state = Running
	r.done = make(chan struct{})
	r.status("Started pid %d: %s", cmd.Process.Pid, detail)
	taskStarts.WithLabelValues(r.id).Inc()

	wg := &sync.WaitGroup{}
	for i, f := range c.readers {
		wg.Add(1)
		go r.doLog(f, c.kinds[i], wg)
	}
	go r.doWait(cmd, c, wg, r.done, r.gen)
	return nil
}

func (r *runner) doWait(cmd *exec.Cmd, c *capture, wg *sync.WaitGroup,
	done chan struct{}, gen int64) {

	e := cmd.Wait()

	finished := make(chan struct{})
	go func() {
		wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
	case <-time.After(drainTime):
		for _, f := range c.readers {
			f.SetReadDeadline(time.Now())
		}
		<-finished
	}
	c.closeReaders()

	r.mgr.lock()
	r.exited(cmd, e, gen)
	r.mgr.bumpSerial()
	r.mgr.unlock()
	close(done)
}

func exitResult(cmd *exec.Cmd, e error) string {
	if ps := cmd.ProcessState; ps != nil {
		return ps.String()
	}
	if e != nil {
		return e.Error()
	}
	return "exited"
}

// exited handles termination of the process.  Call with the lock held.
func (r *runner) exited(cmd *exec.Cmd, e error, gen int64) {
	if gen != r.gen {
		// Should never happen; a stale process is not ours to report.
		return
	}
	result := exitResult(cmd, e)
	r.cmd = nil
	taskExits.WithLabelValues(r.id).Inc()

	if r.stopReq || !r.def.Relaunch || r.removed || r.mgr.shutdown {
		r.state = Stopped
		if r.stopReq {
			r.status("Stopped: %s", result)
		} else {
			r.status("Exited: %s", result)
		}
		return
	}

	r.status("Exited: %s", result)
	delay := r.def.RelaunchDelay()
	r.state = RelaunchPending
	r.status("Relaunch scheduled in %v", delay)
	r.relaunch = time.AfterFunc(delay, func() {
		r.mgr.lock()
		defer r.mgr.unlock()
		if r.gen != gen || r.state != RelaunchPending || r.removed {
			return
		}
		r.relaunch = nil
		r.state = Stopped
		taskRelaunches.WithLabelValues(r.id).Inc()
		r.status("Relaunching")
		r.start("Relaunched")
		r.mgr.bumpSerial()
	})
}

// cancelRelaunch discards a scheduled relaunch.  Call with the lock held.
func (r *runner) cancelRelaunch() bool {
	if r.state != RelaunchPending {
		return false
	}
	if r.relaunch != nil {
		r.relaunch.Stop()
		r.relaunch = nil
	}
	// Bumping the generation makes a timer that already fired a no-op.
	r.gen++
	r.state = Stopped
	r.status("Relaunch cancelled")
	return true
}

func (r *runner) signal(sig syscall.Signal) {
	if r.cmd == nil || r.cmd.Process == nil {
		return
	}
	if e := signalGroup(r.cmd.Process, sig); e != nil {
		r.status("Failed sending %v: %v", sig, e)
	}
}

// stop stops the process, waiting for it to exit.  It is called with the
// lock held, but drops it while waiting.
func (r *runner) stop(timeout time.Duration) error {
	switch r.state {
	case Stopped:
		return ErrNotRunning
	case RelaunchPending:
		r.cancelRelaunch()
		return nil
	case Running:
		r.stopReq = true
		r.state = Stopping
		r.signal(syscall.SIGTERM)
	}

	var timer *time.Timer
	if timeout > 0 {
		timer = time.AfterFunc(timeout, func() {
			r.mgr.lock()
			if r.state == Stopping {
				r.status("Graceful shutdown timed out")
				r.signal(syscall.SIGKILL)
			}
			r.mgr.unlock()
		})
	}
	done := r.done
	r.mgr.unlock()
	<-done
	r.mgr.lock()
	if timer != nil {
		timer.Stop()
	}
	return nil
}

// kill forcibly terminates a process being stopped.  Call with the lock held.
func (r *runner) kill() {
	if r.state == Stopping || r.state == Running {
		r.stopReq = true
		r.state = Stopping
		r.signal(syscall.SIGKILL)
	}
}

// close releases the writer goroutine.  Call with the lock held, once the
// task is stopped and removed.
func (r *runner) close() {
	if !r.closed {
		r.closed = true
		close(r.queue)
	}
}

func (r *runner) pid() int {
	if r.cmd != nil && r.cmd.Process != nil {
		return r.cmd.Process.Pid
	}
	return 0
}
