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

package checks

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// benignWarningPrefixes are the known, harmless PTD uncertainty messages
// that are allowed to appear between a session's Go and completion
// markers, per spec.md §4.10.11.
var benignWarningPrefixes = []string{
	"WARNING: Uncertainty calculation may not be accurate",
	"WARNING: Uncertainty checking disabled",
	"ERROR: Uncertainty value out of calibrated range, clamping",
}

// yokogawaActivationSubstring must appear before the RANGING start line.
const yokogawaActivationSubstring = "Uncertainty checking for Yokogawa"
const yokogawaActivationSuffix = "is activated"

// PTDLogWarnings checks #11: within ptd_logs.txt's
// [": Go with mark '<session>_ranging'", ": Completed test"] range, every
// WARNING:/ERROR: line begins with a known-benign message; the Yokogawa
// uncertainty-checking activation line must appear before that range.
type PTDLogWarnings struct{}

// Name returns the check's name.
func (PTDLogWarnings) Name() string { return "PTD log warnings/errors" }

// Run executes the check.
func (PTDLogWarnings) Run(c *Context) error {
	path := filepath.Join(c.SessionDir, "power", "ptd_logs.txt")
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	goMarker := fmt.Sprintf(": Go with mark '%s_ranging'", c.Server.SessionName)
	const doneMarker = ": Completed test"

	var lines []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}

	start, end := -1, -1
	for i, line := range lines {
		if start == -1 && strings.Contains(line, goMarker) {
			start = i
		}
		if start != -1 && strings.Contains(line, doneMarker) {
			end = i
			break
		}
	}
	if start == -1 {
		return fmt.Errorf("%s: did not find Go marker %q", path, goMarker)
	}
	if end == -1 {
		return fmt.Errorf("%s: did not find completion marker %q after line %d", path, doneMarker, start)
	}

	activated := false
	for _, line := range lines[:start] {
		if strings.Contains(line, yokogawaActivationSubstring) && strings.Contains(line, yokogawaActivationSuffix) {
			activated = true
			break
		}
	}
	if !activated {
		return fmt.Errorf("%s: Yokogawa uncertainty-checking activation line not found before RANGING start", path)
	}

	for i := start; i <= end; i++ {
		line := lines[i]
		if !strings.HasPrefix(line, "WARNING:") && !strings.HasPrefix(line, "ERROR:") {
			continue
		}
		if !hasAnyPrefix(line, benignWarningPrefixes) {
			return fmt.Errorf("%s:%d: unexpected warning/error line: %q", path, i+1, line)
		}
	}
	return nil
}

func hasAnyPrefix(s string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}
