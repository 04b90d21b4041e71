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
	"fmt"
	"strings"

	"github.com/facebook/powerbench/ptd"
)

// trackedPrefixes are matched in order; the first one a command has is used.
var trackedPrefixes = []string{"SR,A", "SR,V", "Go,1000,", "Stop"}

func matchedPrefix(cmd string) string {
	for _, p := range trackedPrefixes {
		if p == "Stop" {
			if cmd == "Stop" {
				return p
			}
			continue
		}
		if strings.HasPrefix(cmd, p) {
			return p
		}
	}
	return ""
}

// ExpectedReplies checks #4: every recorded PTD exchange whose command
// matches one of {SR,A / SR,V / Go,1000, / Stop} has the fixed expected
// reply, except the third Stop occurrence which must be PTD's
// already-stopped reply.
type ExpectedReplies struct{}

// Name returns the check's name.
func (ExpectedReplies) Name() string { return "PTD command reply conformance" }

// Run executes the check.
func (ExpectedReplies) Run(c *Context) error {
	counts := map[string]int{}
	for _, m := range c.Server.PTDMessages {
		prefix := matchedPrefix(m.Cmd)
		if prefix == "" {
			continue
		}
		counts[prefix]++
		want := "OK"
		if prefix == "Stop" && counts[prefix] == 3 {
			want = "Error: no measurement to stop"
		}
		if m.Reply != want {
			return fmt.Errorf("occurrence %d of %q: expected reply %q, got %q", counts[prefix], prefix, want, m.Reply)
		}
	}
	return nil
}

// ThirdRangeRestore checks #5: the third SR,A,* and third SR,V,*
// commands restore the initial ranges derived from the third PTD
// message (the RR reply captured at supervisor Start).
type ThirdRangeRestore struct{}

// Name returns the check's name.
func (ThirdRangeRestore) Name() string { return "Initial range restore" }

// Run executes the check.
func (ThirdRangeRestore) Run(c *Context) error {
	if len(c.Server.PTDMessages) < 3 {
		return fmt.Errorf("fewer than 3 PTD messages recorded")
	}
	ranges, err := ptd.ParseRR(c.Server.PTDMessages[2].Reply)
	if err != nil {
		return fmt.Errorf("parsing third PTD message as RR reply: %w", err)
	}

	wantA := fmt.Sprintf("SR,A,%s", ranges.Amps)
	wantV := fmt.Sprintf("SR,V,%s", ranges.Volts)

	nA, nV := 0, 0
	for _, m := range c.Server.PTDMessages {
		switch matchedPrefix(m.Cmd) {
		case "SR,A":
			nA++
			if nA == 3 && m.Cmd != wantA {
				return fmt.Errorf("third SR,A command was %q, expected %q", m.Cmd, wantA)
			}
		case "SR,V":
			nV++
			if nV == 3 && m.Cmd != wantV {
				return fmt.Errorf("third SR,V command was %q, expected %q", m.Cmd, wantV)
			}
		}
	}
	if nA < 3 || nV < 3 {
		return fmt.Errorf("fewer than 3 SR,A/SR,V commands recorded (SR,A=%d SR,V=%d)", nA, nV)
	}
	return nil
}

// MessagesPrefix checks #9: client.messages is server.messages with the
// leading handshake entry dropped, command-for-command equal, and
// reply-equal except for the `time` command.
type MessagesPrefix struct{}

// Name returns the check's name.
func (MessagesPrefix) Name() string { return "Protocol message trace alignment" }

// Run executes the check.
func (MessagesPrefix) Run(c *Context) error {
	client, server := c.Client.Messages, c.Server.Messages
	if len(client) != len(server)-1 {
		return fmt.Errorf("len(client.messages)=%d, want len(server.messages)-1=%d", len(client), len(server)-1)
	}
	for i, m := range client {
		s := server[i+1]
		if m.Cmd != s.Cmd {
			return fmt.Errorf("message %d: client cmd %q != server cmd %q", i, m.Cmd, s.Cmd)
		}
		if m.Cmd != "time" && m.Reply != s.Reply {
			return fmt.Errorf("message %d (%s): client reply %q != server reply %q", i, m.Cmd, m.Reply, s.Reply)
		}
	}
	return nil
}
