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
	"log"
	"strings"
	"sync"
)

// MultiLogger fans a single log.Logger out to several loggers.  It is an
// io.Writer that breaks its input into lines and hands each line to every
// contained logger, which keep their own Prefix and Flags.  Loggers made
// with log.New(ml, prefix, 0) therefore keep their prefix in every
// destination.
type MultiLogger struct {
	log     *log.Logger
	loggers []*log.Logger
	lock    sync.Mutex
}

// Write expects whole lines, which is what log.Logger delivers.
func (l *MultiLogger) Write(b []byte) (int, error) {
	lines := strings.Split(strings.Trim(string(b), "\n"), "\n")
	l.lock.Lock()
	for _, line := range lines {
		for _, logger := range l.loggers {
			logger.Println(line)
		}
	}
	l.lock.Unlock()
	return len(b), nil
}

// AddLogger adds a destination.  A logger can only be added once.
func (l *MultiLogger) AddLogger(logger *log.Logger) {
	l.lock.Lock()
	defer l.lock.Unlock()
	for _, x := range l.loggers {
		if x == logger {
			return
		}
	}
	l.loggers = append(l.loggers, logger)
}

// DelLogger removes a destination.
func (l *MultiLogger) DelLogger(logger *log.Logger) {
	l.lock.Lock()
	defer l.lock.Unlock()

	for i, x := range l.loggers {
		if x == logger {
			l.loggers = append(l.loggers[:i], l.loggers[i+1:]...)
			break
		}
	}
}

// Logger returns a logger, without prefix or flags, writing to every
// destination.
func (l *MultiLogger) Logger() *log.Logger {
	return l.log
}

func NewMultiLogger(loggers ...*log.Logger) *MultiLogger {
	m := &MultiLogger{}
	m.log = log.New(m, "", 0)
	for _, logger := range loggers {
		m.AddLogger(logger)
	}
	return m
}
