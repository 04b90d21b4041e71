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

package ptd

import (
	"bufio"
	"io"
	"os"

	log "github.com/sirupsen/logrus"
)

// tee drains a PTD child's combined stdout+stderr pipe, writing every line
// to a log file and mirroring it to the controller's own stderr via
// logrus. One tee runs per supervisor; its done channel must be read
// after the child exits so the final buffered lines aren't lost.
type tee struct {
	label string
	file  *os.File
	done  chan struct{}
}

// startTee opens logPath and launches the drain goroutine over r.
func startTee(label, logPath string, r io.Reader) (*tee, error) {
	f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	t := &tee{label: label, file: f, done: make(chan struct{})}
	go t.run(r)
	return t, nil
}

func (t *tee) run(r io.Reader) {
	defer close(t.done)
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if _, err := t.file.WriteString(line + "\n"); err != nil {
			log.Errorf("ptd[%s]: writing to log file: %v", t.label, err)
		}
		log.Debugf("ptd[%s]: %s", t.label, line)
	}
	if err := scanner.Err(); err != nil {
		log.Warningf("ptd[%s]: log tee ended: %v", t.label, err)
	}
}

// Wait blocks until the pipe has reached EOF and every buffered line is on disk.
func (t *tee) Wait() {
	<-t.done
}

// Close closes the underlying log file. Call only after Wait.
func (t *tee) Close() error {
	return t.file.Close()
}
