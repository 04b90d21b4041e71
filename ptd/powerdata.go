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
	"fmt"
	"strconv"
	"strings"
)

// PowerData is the post-run sanity record: the raw CSV sample lines PTD
// retained plus its own self-reported uncertainty and instantaneous watts.
type PowerData struct {
	Lines       []string
	Uncertainty string
	Watts       string
}

// GrabPowerData issues the RL,*,* / RL / DC-RL fallback chain (preserved
// verbatim per spec.md §9) to pull every buffered sample line, then
// queries Uncertainty and Watts for the post-run sanity record.
func (s *Supervisor) GrabPowerData() (*PowerData, error) {
	lines, err := s.grabSamples()
	if err != nil {
		return nil, err
	}

	uncertainty, err := s.Cmd("Uncertainty")
	if err != nil {
		return nil, fmt.Errorf("ptd[%s]: Uncertainty: %w", s.Label, err)
	}

	watts, err := s.Cmd("Watts")
	if err != nil {
		return nil, fmt.Errorf("ptd[%s]: Watts: %w", s.Label, err)
	}

	return &PowerData{Lines: lines, Uncertainty: uncertainty, Watts: watts}, nil
}

// grabSamples issues RL,*,* and falls back to RL, then DC-RL, matching
// PTD's documented rejection messages for unsupported forms.
func (s *Supervisor) grabSamples() ([]string, error) {
	header, err := s.Cmd("RL,*,*")
	if err != nil {
		return nil, fmt.Errorf("ptd[%s]: RL,*,*: %w", s.Label, err)
	}
	if header == "Invalid number of parameters" {
		header, err = s.Cmd("RL")
		if err != nil {
			return nil, fmt.Errorf("ptd[%s]: RL: %w", s.Label, err)
		}
	}
	if header == "Unknown command" {
		header, err = s.Cmd("DC-RL")
		if err != nil {
			return nil, fmt.Errorf("ptd[%s]: DC-RL: %w", s.Label, err)
		}
	}

	n, err := parseSampleCount(header)
	if err != nil {
		return nil, fmt.Errorf("ptd[%s]: parsing sample-count header %q: %w", s.Label, header, err)
	}

	lines := make([]string, 0, n)
	for i := 0; i < n; i++ {
		line, err := s.r.ReadString('\n')
		if err != nil {
			return nil, fmt.Errorf("ptd[%s]: reading sample line %d/%d: %w", s.Label, i+1, n, err)
		}
		lines = append(lines, strings.TrimRight(line, "\r\n"))
	}
	return lines, nil
}

// parseSampleCount parses a header of the form "Last N samples".
func parseSampleCount(header string) (int, error) {
	fields := strings.Fields(header)
	if len(fields) != 3 || fields[0] != "Last" || fields[2] != "samples" {
		return 0, fmt.Errorf("expected \"Last N samples\", got %q", header)
	}
	return strconv.Atoi(fields[1])
}
