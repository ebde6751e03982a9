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

//go:build unix

package proxyvisor

import (
	"fmt"
	"os"
	"syscall"

	"golang.org/x/sys/unix"
)

// sysProcAttr places the task in its own process group, so that signals
// reach anything it forks, and applies the requested credential.  We only
// ever drop privileges: without an effective UID of 0 the only identity
// we can hand out is our own.
func (t *Task) sysProcAttr(name string) (*syscall.SysProcAttr, error) {
	attr := &syscall.SysProcAttr{Setpgid: true}
	if !t.SetUID && !t.SetGID {
		return attr, nil
	}

	euid := unix.Geteuid()
	egid := unix.Getegid()
	cred := &syscall.Credential{
		Uid:         uint32(euid),
		Gid:         uint32(egid),
		NoSetGroups: true,
	}
	if t.SetUID {
		if euid != 0 && t.UID != euid {
			return nil, &PrivilegeError{Task: name,
				Reason: fmt.Sprintf("cannot switch to uid %d as uid %d",
					t.UID, euid)}
		}
		cred.Uid = uint32(t.UID)
	}
	if t.SetGID {
		if euid != 0 && t.GID != egid {
			return nil, &PrivilegeError{Task: name,
				Reason: fmt.Sprintf("cannot switch to gid %d as uid %d",
					t.GID, euid)}
		}
		cred.Gid = uint32(t.GID)
	}
	if euid == 0 {
		// Drop supplementary groups inherited from root.
		cred.NoSetGroups = false
		cred.Groups = []uint32{}
	}
	attr.Credential = cred
	return attr, nil
}

// signalGroup delivers sig to the whole process group led by proc.
func signalGroup(proc *os.Process, sig syscall.Signal) error {
	if e := unix.Kill(-proc.Pid, sig); e != nil && e != unix.ESRCH {
		return proc.Signal(sig)
	}
	return nil
}
