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

package director

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/facebook/powerbench/descriptor"
	"github.com/facebook/powerbench/proto"
)

// fakeController answers the wire protocol well enough to drive a Driver
// through a full two-phase session: handshake, time sync, new, start/
// stop for each phase, any uploads, and done. It records every command
// line it saw, in order, for the tests to assert against.
type fakeController struct {
	conn        *proto.PipeConn
	sessionName string
	serverUUID  string
	seen        []string
}

func (f *fakeController) run(t *testing.T) {
	t.Helper()

	line, err := f.conn.RecvLine()
	require.NoError(t, err)
	require.Equal(t, "MAGIC_CLIENT,1", line)
	require.NoError(t, f.conn.SendLine("MAGIC_SERVER,1"))

	for {
		line, err := f.conn.RecvLine()
		if err != nil {
			return
		}
		f.seen = append(f.seen, line)

		fields := strings.Split(line, ",")
		switch {
		case fields[0] == "time":
			require.NoError(t, f.conn.SendLine(strconv.FormatInt(time.Now().Unix(), 10)))

		case fields[0] == "new":
			require.NoError(t, f.conn.SendLine(fmt.Sprintf("OK %s,%s", f.sessionName, f.serverUUID)))

		case fields[0] == "session" && fields[2] == "start":
			require.NoError(t, f.conn.SendLine("OK"))

		case fields[0] == "session" && fields[2] == "stop":
			require.NoError(t, f.conn.SendLine("OK"))

		case fields[0] == "session" && fields[2] == "upload":
			require.NoError(t, f.conn.RecvFile(io.Discard))
			require.NoError(t, f.conn.SendLine("OK"))

		case fields[0] == "session" && fields[2] == "done":
			require.NoError(t, f.conn.SendLine("OK"))
			return

		default:
			require.NoError(t, f.conn.SendLine("Error"))
		}
	}
}

// newTestDriver wires a Driver to an in-process fakeController over a
// proto.PipeConn pair instead of a real TCP dial, and stubs out NTP so
// the test never shells out to ntpdate.
func newTestDriver(t *testing.T, opts Options) (*Driver, *fakeController) {
	t.Helper()
	client, server := proto.NewPipe()
	t.Cleanup(func() { client.Close(); server.Close() })

	origDial, origNTP := dial, ntpHostSync
	dial = func(string) (proto.Conn, error) { return client, nil }
	ntpHostSync = func(string) error { return nil }
	t.Cleanup(func() { dial, ntpHostSync = origDial, origNTP })

	fc := &fakeController{conn: server, sessionName: "2026-01-01_00-00-00_testrun", serverUUID: "server-uuid-0001"}
	go fc.run(t)

	return New(opts), fc
}

func baseTestOptions(t *testing.T) Options {
	t.Helper()
	loadgenLogs := t.TempDir()
	return Options{
		Addr:        "ignored",
		Port:        1,
		Label:       "testrun",
		RunWorkload: fmt.Sprintf(`echo data > "$out/log.txt"`),
		LoadgenLogs: loadgenLogs,
		Output:      t.TempDir(),
		NTP:         "ignored",
	}
}

func TestDriverHappyPathWritesDescriptor(t *testing.T) {
	opts := baseTestOptions(t)
	d, fc := newTestDriver(t, opts)

	require.NoError(t, d.Run())

	require.Contains(t, fc.seen, "new,testrun,"+d.clientUUID)
	require.Contains(t, fc.seen, "session,"+fc.sessionName+",start,ranging")
	require.Contains(t, fc.seen, "session,"+fc.sessionName+",stop,ranging")
	require.Contains(t, fc.seen, "session,"+fc.sessionName+",start,testing")
	require.Contains(t, fc.seen, "session,"+fc.sessionName+",stop,testing")
	require.Contains(t, fc.seen, "session,"+fc.sessionName+",done")

	// Uploads happen at finalize time, regardless of --send-logs.
	require.Contains(t, fc.seen, "session,"+fc.sessionName+",upload,client.log")
	require.Contains(t, fc.seen, "session,"+fc.sessionName+",upload,client.json")

	desc, err := descriptor.Load(filepath.Join(opts.Output, fc.sessionName, "power", "client.json"))
	require.NoError(t, err)
	require.Equal(t, fc.sessionName, desc.SessionName)
	require.NotEmpty(t, desc.Messages)
	require.Contains(t, desc.Phases, "ranging")
	require.Contains(t, desc.Phases, "testing")

	// Each loadgen log was moved into its own phase's result directory.
	require.FileExists(t, filepath.Join(opts.Output, fc.sessionName, "ranging", "log.txt"))
	require.FileExists(t, filepath.Join(opts.Output, fc.sessionName, "run_1", "log.txt"))
}

func TestDriverSendLogsUploadsPhaseZips(t *testing.T) {
	opts := baseTestOptions(t)
	opts.SendLogs = true
	d, fc := newTestDriver(t, opts)

	require.NoError(t, d.Run())

	require.Contains(t, fc.seen, "session,"+fc.sessionName+",upload,ranging_logs")
	require.Contains(t, fc.seen, "session,"+fc.sessionName+",upload,run_1_logs")
}

func TestDriverRefusesExistingSessionDirWithoutForce(t *testing.T) {
	opts := baseTestOptions(t)
	d, fc := newTestDriver(t, opts)

	// Pre-create the session directory fakeController will hand back the
	// name for, before the driver ever dials out.
	require.NoError(t, os.MkdirAll(filepath.Join(opts.Output, fc.sessionName), 0o755))

	err := d.Run()
	require.Error(t, err)
	require.Contains(t, err.Error(), "already exists")
}

func TestDriverWorkloadFailureStillWritesPartialDescriptor(t *testing.T) {
	opts := baseTestOptions(t)
	opts.RunWorkload = "exit 1"
	d, fc := newTestDriver(t, opts)

	err := d.Run()
	require.Error(t, err)

	// The ranging phase's start was issued and OK'd before the workload
	// failed, so a partial client.json should still exist.
	_, statErr := os.Stat(filepath.Join(opts.Output, fc.sessionName, "power", "client.json"))
	require.NoError(t, statErr)
}
