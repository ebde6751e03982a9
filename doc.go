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

// Package proxyvisor supervises a set of local processes ("tasks"), and
// is the core of a daemon that also fronts those processes with a
// TLS-terminating reverse proxy.
//
// This package holds the process side: task definitions, the Manager that
// launches, stops and relaunches them, and the bounded Backlog that
// captures what each task writes to stdout and stderr along with its
// lifecycle events.  The proxy, certificate and ACME pieces live in their
// own packages, and package core ties them together.
//
// A Manager is safe for concurrent use.  Changes to the task set are made
// by replacing definitions whole, either one at a time or through
// ApplyTasks, which validates the entire set before touching anything.
//
// Clients may long-poll for changes using WatchSerial, or WatchBacklog for
// new output from a particular task.
package proxyvisor
