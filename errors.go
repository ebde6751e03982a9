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
	"errors"
	"fmt"
)

var (
	ErrNoTask         = errors.New("No such task")
	ErrTaskExists     = errors.New("Task already exists")
	ErrAlreadyRunning = errors.New("Task is already running")
	ErrNotRunning     = errors.New("Task is not running")
	ErrShutdown       = errors.New("Supervisor is shut down")
)

// ConfigError reports a malformed or inconsistent configuration.  Apply
// operations that return one leave the previous state in place.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	if e.Field == "" {
		return "Bad configuration: " + e.Reason
	}
	return fmt.Sprintf("Bad configuration: %s: %s", e.Field, e.Reason)
}

// ProcessError reports a failure to spawn or signal a task's process.
type ProcessError struct {
	Task string
	Op   string
	Err  error
}

func (e *ProcessError) Error() string {
	return fmt.Sprintf("Task %s: %s: %v", e.Task, e.Op, e.Err)
}

func (e *ProcessError) Unwrap() error {
	return e.Err
}

// PrivilegeError is returned when a task asks for a UID or GID that
// would require privileges the supervisor does not hold.
type PrivilegeError struct {
	Task   string
	Reason string
}

func (e *PrivilegeError) Error() string {
	return fmt.Sprintf("Task %s: privilege error: %s", e.Task, e.Reason)
}
