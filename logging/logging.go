/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

/*
Package logging fans a process's logrus output out to a session's own
log file (power/server.log or power/client.log, spec.md §3) in addition
to wherever the default logger already writes (stderr). Neither side of
the protocol has a precedent for this in the teacher corpus (PTD's own
stdout/stderr tee, ptd/tee.go, is the closest analog: a second sink
alongside the primary one), so this package uses logrus's own Hook
extension point directly rather than introducing another dependency.
*/
package logging

import (
	"os"
	"sync"

	log "github.com/sirupsen/logrus"
)

// FileHook is a single long-lived logrus.Hook whose target file can be
// retargeted as sessions come and go, so the controller only ever
// registers one hook on the process-wide logger rather than leaking one
// per session (logrus has no RemoveHook).
type FileHook struct {
	mu        sync.Mutex
	file      *os.File
	formatter log.Formatter
}

// NewFileHook returns a hook with no target; entries are dropped until
// SetTarget is called.
func NewFileHook() *FileHook {
	return &FileHook{formatter: &log.TextFormatter{DisableColors: true, FullTimestamp: true}}
}

// SetTarget opens (creating/truncating) the log file at path and mirrors
// every subsequent entry into it, closing any previously targeted file
// first. Passing "" detaches the hook (subsequent entries are dropped).
func (h *FileHook) SetTarget(path string) error {
	var f *os.File
	if path != "" {
		var err error
		f, err = os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
		if err != nil {
			return err
		}
	}

	h.mu.Lock()
	prev := h.file
	h.file = f
	h.mu.Unlock()

	if prev != nil {
		return prev.Close()
	}
	return nil
}

// Levels implements logrus.Hook: mirror everything.
func (h *FileHook) Levels() []log.Level { return log.AllLevels }

// Fire implements logrus.Hook.
func (h *FileHook) Fire(e *log.Entry) error {
	h.mu.Lock()
	f := h.file
	h.mu.Unlock()
	if f == nil {
		return nil
	}
	line, err := h.formatter.Format(e)
	if err != nil {
		return err
	}
	_, err = f.Write(line)
	return err
}
