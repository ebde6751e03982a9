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

//go:build !unix

package proxyvisor

import (
	"os"
	"syscall"
)

func (t *Task) sysProcAttr(name string) (*syscall.SysProcAttr, error) {
	if t.SetUID || t.SetGID {
		return nil, &PrivilegeError{Task: name,
			Reason: "credentials are not supported on this platform"}
	}
	return nil, nil
}

func signalGroup(proc *os.Process, sig syscall.Signal) error {
	if sig == syscall.SIGKILL {
		return proc.Kill()
	}
	return proc.Signal(sig)
}
