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
	"testing"

	"github.com/facebook/powerbench/descriptor"
	"github.com/stretchr/testify/require"
)

func newTestPhases() map[string]descriptor.PhaseCheckpoints {
	return map[string]descriptor.PhaseCheckpoints{
		"ranging": {{0, 100}, {1, 101}, {2, 103}, {3, 104}},
		"testing": {{0, 200}, {1, 201}, {2, 203}, {3, 204}},
	}
}

// phasesFixture gives client and server independent phase maps: the two
// sides of a session never share a map, and mutating one to build a
// failure case must not also mutate the other.
func phasesFixture() (client, server *descriptor.Descriptor) {
	client = &descriptor.Descriptor{Phases: newTestPhases()}
	server = &descriptor.Descriptor{Phases: newTestPhases()}
	return client, server
}

func TestPhaseAlignmentPasses(t *testing.T) {
	client, server := phasesFixture()
	require.NoError(t, PhaseAlignment{}.Run(&Context{Client: client, Server: server}))
}

func TestPhaseAlignmentRejectsCheckpointSkew(t *testing.T) {
	client, server := phasesFixture()
	cp := server.Phases["ranging"]
	cp[1][1] += maxCheckpointSkew + 0.01
	server.Phases["ranging"] = cp

	err := PhaseAlignment{}.Run(&Context{Client: client, Server: server})
	require.Error(t, err)
	require.Contains(t, err.Error(), "wall-clock skew")
}

func TestPhaseAlignmentRejectsDurationDivergence(t *testing.T) {
	client, server := phasesFixture()
	cp := server.Phases["testing"]
	cp[2][0] += 100 // blow out the workload-duration relative difference
	server.Phases["testing"] = cp

	err := PhaseAlignment{}.Run(&Context{Client: client, Server: server})
	require.Error(t, err)
	require.Contains(t, err.Error(), "workload duration differs")
}

func TestPhaseAlignmentRejectsMissingClientPhase(t *testing.T) {
	client, server := phasesFixture()
	delete(client.Phases, "testing")

	err := PhaseAlignment{}.Run(&Context{Client: client, Server: server})
	require.Error(t, err)
	require.Contains(t, err.Error(), "client descriptor: missing phase")
}

func TestPhaseAlignmentRejectsMissingServerPhase(t *testing.T) {
	client, server := phasesFixture()
	delete(server.Phases, "ranging")

	err := PhaseAlignment{}.Run(&Context{Client: client, Server: server})
	require.Error(t, err)
	require.Contains(t, err.Error(), "server descriptor: missing phase")
}
