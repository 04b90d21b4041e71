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
	"math"
)

// maxCheckpointSkew is the allowed client/server wall-clock difference
// for a corresponding checkpoint, per spec.md §3.
const maxCheckpointSkew = 200 * 0.001 // seconds

// maxDurationRelativeDiff bounds how much the client- and server-
// recorded workload duration for one phase may diverge, per spec.md §8.
const maxDurationRelativeDiff = 0.05

// PhaseAlignment checks #8: per phase and checkpoint index,
// |t_client-t_server| < 200ms, and the client/server-recorded workload
// duration for each phase agree within 5%.
type PhaseAlignment struct{}

// Name returns the check's name.
func (PhaseAlignment) Name() string { return "Phase checkpoint alignment" }

// Run executes the check.
func (PhaseAlignment) Run(c *Context) error {
	for _, phase := range []string{"ranging", "testing"} {
		clientCP, ok := c.Client.Phases[phase]
		if !ok {
			return fmt.Errorf("client descriptor: missing phase %q", phase)
		}
		serverCP, ok := c.Server.Phases[phase]
		if !ok {
			return fmt.Errorf("server descriptor: missing phase %q", phase)
		}

		for i := 0; i < 4; i++ {
			skew := math.Abs(clientCP[i][1] - serverCP[i][1])
			if skew >= maxCheckpointSkew {
				return fmt.Errorf("phase %s checkpoint %d: client/server wall-clock skew %.3fs >= %.3fs", phase, i, skew, maxCheckpointSkew)
			}
		}

		clientDur := clientCP[2][0] - clientCP[1][0]
		serverDur := serverCP[2][0] - serverCP[1][0]
		maxDur := math.Max(math.Abs(clientDur), math.Abs(serverDur))
		if maxDur == 0 {
			continue
		}
		if rel := math.Abs(clientDur-serverDur) / maxDur; rel >= maxDurationRelativeDiff {
			return fmt.Errorf("phase %s: workload duration differs by %.1f%% (client=%.3fs server=%.3fs)", phase, rel*100, clientDur, serverDur)
		}
	}
	return nil
}
