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
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseRRExplicitAndAuto(t *testing.T) {
	r, err := parseRR("Ranges,0,5,1,10")
	require.NoError(t, err)
	require.False(t, r.Amps.Auto)
	require.Equal(t, 5.0, r.Amps.Value)
	require.True(t, r.Volts.Auto)

	r, err = parseRR("Ranges,1,5,0,10")
	require.NoError(t, err)
	require.True(t, r.Amps.Auto)
	require.False(t, r.Volts.Auto)
	require.Equal(t, 10.0, r.Volts.Value)
}

func TestParseRRRejectsZeroOrNegativeRange(t *testing.T) {
	r, err := parseRR("Ranges,0,-5,0,10")
	require.NoError(t, err)
	require.True(t, r.Amps.Auto, "non-positive range with auto flag 0 still falls back to Auto")
}

func TestParseSampleCount(t *testing.T) {
	n, err := parseSampleCount("Last 42 samples")
	require.NoError(t, err)
	require.Equal(t, 42, n)

	_, err = parseSampleCount("garbage")
	require.Error(t, err)
}

// newTestSupervisor connects a Supervisor's control channel to an in-process
// fake PTD so Cmd()'s request/reply framing can be exercised without a
// real subprocess.
func newTestSupervisor(t *testing.T) (*Supervisor, net.Conn) {
	client, server := net.Pipe()
	s := &Supervisor{
		Label: "analyzer1",
		conn:  client,
		r:     bufio.NewReader(client),
		w:     bufio.NewWriter(client),
	}
	t.Cleanup(func() { client.Close(); server.Close() })
	return s, server
}

func TestGrabSamplesFallsBackThroughRLVariants(t *testing.T) {
	s, server := newTestSupervisor(t)
	serverR := bufio.NewReader(server)

	go func() {
		line, _ := serverR.ReadString('\n')
		require.Equal(t, "RL,*,*\r\n", line)
		server.Write([]byte("Invalid number of parameters\r\n"))

		line, _ = serverR.ReadString('\n')
		require.Equal(t, "RL\r\n", line)
		server.Write([]byte("Unknown command\r\n"))

		line, _ = serverR.ReadString('\n')
		require.Equal(t, "DC-RL\r\n", line)
		server.Write([]byte("Last 2 samples\r\n"))
		server.Write([]byte("row1\r\n"))
		server.Write([]byte("row2\r\n"))
	}()

	lines, err := s.grabSamples()
	require.NoError(t, err)
	require.Equal(t, []string{"row1", "row2"}, lines)
}

func TestStopTreatsNoMeasurementAsOK(t *testing.T) {
	s, server := newTestSupervisor(t)
	serverR := bufio.NewReader(server)

	go func() {
		line, _ := serverR.ReadString('\n')
		require.Equal(t, "Stop\r\n", line)
		server.Write([]byte("Error: no measurement to stop\r\n"))
	}()

	require.NoError(t, s.Stop())
	require.Equal(t, StateStopped, s.State())
}

func TestSetRangeSurfacesErrorVerbatim(t *testing.T) {
	s, server := newTestSupervisor(t)
	serverR := bufio.NewReader(server)

	go func() {
		line, _ := serverR.ReadString('\n')
		require.Equal(t, "SR,A,5\r\n", line)
		server.Write([]byte("Error: out of range\r\n"))
	}()

	err := s.SetRange("A", RangeValue{Value: 5})
	require.EqualError(t, err, "Error: out of range")
}

func TestRequiredChannelCount(t *testing.T) {
	require.Equal(t, 1, RequiredChannelCount(DeviceTypeWT500))
	require.Equal(t, 2, RequiredChannelCount(77))
	require.Equal(t, 0, RequiredChannelCount(8))
}
