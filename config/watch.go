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

package config

import (
	"context"
	"fmt"
	"log"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce is how long the file must be quiet before it is reread.
const DefaultDebounce = time.Millisecond * 250

// Watch rereads path whenever it changes and passes each valid result to
// apply.  A file that fails to load is logged and ignored, leaving the
// running configuration alone.  The directory is watched rather than the
// file, so that editors replacing the file by rename are seen.  Watch
// returns when ctx is done.
func Watch(ctx context.Context, path string, debounce time.Duration,
	logger *log.Logger, apply func(*Config) error) error {

	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	defer fsw.Close()
	if err := fsw.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", path, err)
	}
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	logf := func(format string, v ...interface{}) {
		if logger != nil {
			logger.Printf(format, v...)
		}
	}

	var mx sync.Mutex
	var timer *time.Timer
	reload := func() {
		// Serialized, so that two reloads never race.
		mx.Lock()
		defer mx.Unlock()
		c, err := Load(abs)
		if err != nil {
			reloads.WithLabelValues("rejected").Inc()
			logf("Configuration %s rejected, keeping current: %v", path, err)
			return
		}
		if err := apply(c); err != nil {
			reloads.WithLabelValues("failed").Inc()
			logf("Configuration %s not fully applied: %v", path, err)
			return
		}
		reloads.WithLabelValues("applied").Inc()
		logf("Configuration %s reloaded", path)
	}
	defer func() {
		mx.Lock()
		if timer != nil {
			timer.Stop()
		}
		mx.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != abs {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) &&
				!ev.Has(fsnotify.Rename) {
				continue
			}
			mx.Lock()
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(debounce, reload)
			mx.Unlock()
		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			logf("Watch on %s: %v", path, err)
		}
	}
}
