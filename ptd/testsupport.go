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
	"net"

	"github.com/facebook/powerbench/config"
)

// NewForTest builds a Supervisor already wired to conn as its control
// channel, skipping Start's spawn/dial/Hello/Identify/RR handshake. It
// exists so other packages (notably session) can drive the command set
// against an in-process fake PTD without a real subprocess.
func NewForTest(label string, ac config.AnalyzerConfig, conn net.Conn) *Supervisor {
	return &Supervisor{
		Label:  label,
		Config: ac,
		conn:   conn,
		r:      bufio.NewReader(conn),
		w:      bufio.NewWriter(conn),
		state:  StateConnected,
	}
}
