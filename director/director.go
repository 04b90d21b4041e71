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
Package director implements the director driver (C8): the system-under-
test side of a session. It connects to a controller, synchronizes
clocks, drives the ranging and testing phases of a user-supplied
workload, ships the resulting logs, and emits the client-side session
descriptor (C9), per spec.md §4.8.
*/
package director

import (
	"archive/zip"
	"bytes"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/facebook/powerbench/descriptor"
	"github.com/facebook/powerbench/logging"
	"github.com/facebook/powerbench/proto"
	"github.com/facebook/powerbench/timesync"
)

// DefaultPort is the controller's default listening port, per spec.md §6.
const DefaultPort = 4950

// dial and ntpHostSync are test seams, mirroring controller's own
// `var ntpHostSync = timesync.NTPHostSync`: production always resolves to
// the real network dial and host NTP sync, but tests can swap in an
// in-memory proto.Conn (proto.NewPipe) and a no-op sync.
var (
	dial = func(addr string) (proto.Conn, error) { return proto.Dial(addr) }

	ntpHostSync = timesync.NTPHostSync
)

// Options configures one director run, per spec.md §4.8 and §6.
type Options struct {
	Addr        string // controller host
	Port        int    // controller port; 0 selects DefaultPort
	Label       string // optional session label
	RunWorkload string // shell command invoked once per phase
	LoadgenLogs string // directory the workload writes its logs into
	Output      string // base directory; <Output>/<session> is created
	NTP         string // NTP server for local clock sync

	SendLogs   bool // additionally zip and upload each phase's loadgen logs
	Force      bool // reuse an existing <Output>/<session> tree instead of failing
	StopServer bool // ask the controller to exit once this connection closes
}

// phase names one of the session's two phases: its wire-protocol name
// (session.PhaseRanging/PhaseTesting's string form, duplicated here so
// director does not depend on the controller-only session package), its
// result-tree subdirectory (spec.md §3's tree uses "run_1" for testing,
// not "testing"), and the $ranging value exported to the workload.
type phase struct {
	protocolName string
	resultDir    string
	ranging      string
}

var phases = []phase{
	{protocolName: "ranging", resultDir: "ranging", ranging: "1"},
	{protocolName: "testing", resultDir: "run_1", ranging: "0"},
}

// Driver runs one end-to-end director session against a controller.
type Driver struct {
	opts Options

	conn        proto.Conn
	sessionDir  string
	sessionName string
	clientUUID  string
	serverUUID  string
	messages    []descriptor.Message
	logHook     *logging.FileHook
}

// New constructs a Driver from its options, defaulting Port.
func New(opts Options) *Driver {
	if opts.Port == 0 {
		opts.Port = DefaultPort
	}
	return &Driver{opts: opts}
}

// Run drives the full sequence of spec.md §4.8's numbered steps. Any
// non-OK reply is treated as fatal, per spec.md §4.8's "check=True"
// contract: the error returned names the offending command.
func (d *Driver) Run() error {
	addr := fmt.Sprintf("%s:%d", d.opts.Addr, d.opts.Port)
	conn, err := dial(addr)
	if err != nil {
		return fmt.Errorf("director: connecting to %s: %w", addr, err)
	}
	d.conn = conn
	defer conn.Close()

	if err := d.handshake(); err != nil {
		return err
	}

	if d.opts.StopServer {
		if _, err := d.rawCommand("stop"); err != nil {
			return fmt.Errorf("director: stop: %w", err)
		}
	}

	if err := d.syncTime(false); err != nil {
		return err
	}

	if err := d.newSession(); err != nil {
		return err
	}

	d.sessionDir = filepath.Join(d.opts.Output, d.sessionName)
	if err := d.makeSessionDirs(); err != nil {
		return err
	}

	d.logHook = logging.NewFileHook()
	log.AddHook(d.logHook)
	if err := d.logHook.SetTarget(filepath.Join(d.sessionDir, "power", "client.log")); err != nil {
		return fmt.Errorf("director: opening client.log: %w", err)
	}

	desc := descriptor.New(d.sessionName, d.clientUUID, d.serverUUID)

	var runErr error
	for _, ph := range phases {
		if runErr = d.syncTime(true); runErr != nil {
			break
		}
		var cp descriptor.PhaseCheckpoints
		cp, runErr = d.runPhase(ph)
		desc.Phases[ph.protocolName] = cp
		if runErr != nil {
			break
		}
	}

	if finalizeErr := d.finalize(desc); finalizeErr != nil {
		if runErr == nil {
			return finalizeErr
		}
		log.Warningf("director: finalize after earlier failure: %v", finalizeErr)
	}
	if runErr != nil {
		return runErr
	}

	if err := d.checkOK(fmt.Sprintf("session,%s,done", d.sessionName)); err != nil {
		return err
	}
	return nil
}

func (d *Driver) makeSessionDirs() error {
	if _, err := os.Stat(d.sessionDir); err == nil && !d.opts.Force {
		return fmt.Errorf("director: session directory %s already exists (use --force to reuse it)", d.sessionDir)
	}
	if err := os.MkdirAll(filepath.Join(d.sessionDir, "power"), 0o755); err != nil {
		return fmt.Errorf("director: creating %s: %w", d.sessionDir, err)
	}
	return nil
}

// handshake exchanges protocol versions, per spec.md §4.1. The client's
// own handshake line is never added to its message trace, matching
// spec.md §8's "server records the handshake's first frame as a
// command" invariant (only the controller attributes it to a session).
func (d *Driver) handshake() error {
	if err := d.conn.SendLine(proto.ClientHandshake()); err != nil {
		return fmt.Errorf("director: sending handshake: %w", err)
	}
	reply, err := d.conn.RecvLine()
	if err != nil {
		return fmt.Errorf("director: reading handshake reply: %w", err)
	}
	peerVersion, err := proto.ParseServerHandshake(reply)
	if err != nil {
		return err
	}
	return proto.CheckVersion(peerVersion)
}

// rawCommand sends cmd and returns the controller's reply, without
// adding it to the session's message trace (used before a session
// exists: the early optional `stop` and the pre-`new` time sync).
func (d *Driver) rawCommand(cmd string) (string, error) {
	if err := d.conn.SendLine(cmd); err != nil {
		return "", fmt.Errorf("director: sending %q: %w", cmd, err)
	}
	reply, err := d.conn.RecvLine()
	if err != nil {
		return "", fmt.Errorf("director: reading reply to %q: %w", cmd, err)
	}
	return reply, nil
}

// tracedCommand is rawCommand plus recording the exchange into the
// session's message trace, per spec.md §4.9 (elided for `time`, as on
// the controller side).
func (d *Driver) tracedCommand(cmd string) (string, error) {
	reply, err := d.rawCommand(cmd)
	if err != nil {
		return "", err
	}
	d.messages = append(d.messages, descriptor.Message{Cmd: cmd, Reply: replyForTrace(cmd, reply)})
	return reply, nil
}

// checkOK issues cmd and fails unless the reply is exactly "OK".
func (d *Driver) checkOK(cmd string) error {
	reply, err := d.tracedCommand(cmd)
	if err != nil {
		return err
	}
	if reply != "OK" {
		return fmt.Errorf("director: %s: %s", cmd, reply)
	}
	return nil
}

func firstField(line string) string {
	if i := strings.IndexByte(line, ','); i >= 0 {
		return line[:i]
	}
	return line
}

func replyForTrace(cmd, reply string) string {
	if firstField(cmd) == "time" {
		return ""
	}
	return reply
}

// syncTime performs C2's host NTP sync followed by a remote-peer
// agreement check against the controller's `time` command, per spec.md
// §4.2/§4.8 step 2 ("sync time before each phase"). traced controls
// whether the `time`/`set_ntp` exchanges enter the session message
// trace: false before a session exists, true once one does.
func (d *Driver) syncTime(traced bool) error {
	if err := ntpHostSync(d.opts.NTP); err != nil {
		return fmt.Errorf("director: %w", err)
	}

	issue := d.rawCommand
	if traced {
		issue = d.tracedCommand
	}

	getRemote := func() (time.Time, error) {
		reply, err := issue("time")
		if err != nil {
			return time.Time{}, err
		}
		sec, err := strconv.ParseInt(strings.TrimSpace(reply), 10, 64)
		if err != nil {
			return time.Time{}, fmt.Errorf("director: parsing time reply %q: %w", reply, err)
		}
		return time.Unix(sec, 0), nil
	}
	reSync := func() error {
		if err := ntpHostSync(d.opts.NTP); err != nil {
			return err
		}
		_, err := issue("set_ntp")
		return err
	}

	return timesync.RemotePeerSync(getRemote, reSync)
}

// newSession issues `new,<label>,<uuid>` and records the session name
// and server UUID the controller allocated, per spec.md §4.8 step 3.
func (d *Driver) newSession() error {
	d.clientUUID = descriptor.NewClientUUID()
	cmd := fmt.Sprintf("new,%s,%s", d.opts.Label, d.clientUUID)
	reply, err := d.tracedCommand(cmd)
	if err != nil {
		return err
	}
	if !strings.HasPrefix(reply, "OK ") {
		return fmt.Errorf("director: new: %s", reply)
	}
	fields := strings.SplitN(strings.TrimPrefix(reply, "OK "), ",", 2)
	if len(fields) != 2 {
		return fmt.Errorf("director: malformed new reply %q", reply)
	}
	d.sessionName, d.serverUUID = fields[0], fields[1]
	log.Infof("director: session %s (server uuid %s)", d.sessionName, d.serverUUID)
	return nil
}

// runPhase drives one phase end to end: start, workload, stop, collect
// logs, per spec.md §4.8 step 4. It returns the checkpoints gathered so
// far even on error, so a partial descriptor can still be written.
func (d *Driver) runPhase(ph phase) (descriptor.PhaseCheckpoints, error) {
	var cp descriptor.PhaseCheckpoints

	cp[0] = checkpoint()
	if err := d.checkOK(fmt.Sprintf("session,%s,start,%s", d.sessionName, ph.protocolName)); err != nil {
		return cp, err
	}

	cp[1] = checkpoint()
	if err := d.runWorkload(ph); err != nil {
		return cp, err
	}
	cp[2] = checkpoint()

	if err := d.checkOK(fmt.Sprintf("session,%s,stop,%s", d.sessionName, ph.protocolName)); err != nil {
		return cp, err
	}
	cp[3] = checkpoint()

	if err := d.collectLoadgenLogs(ph); err != nil {
		return cp, err
	}
	if d.opts.SendLogs {
		if err := d.uploadPhaseLogs(ph); err != nil {
			return cp, err
		}
	}
	return cp, nil
}

// checkpoint reads one timestamp pair. Both fields come from the same
// wall-clock reading (mirroring session.now()'s own simplification on
// the controller side): only their difference across checkpoints is
// ever used for duration math, and the audit's skew check compares wall
// time across sides, not monotonic time.
func checkpoint() descriptor.Checkpoint {
	sec := float64(time.Now().UnixNano()) / 1e9
	return descriptor.Checkpoint{sec, sec}
}

// runWorkload runs the configured shell command once, exporting the
// environment spec.md §6 requires: $ranging ("1"/"0") and $out (the
// loadgen logs directory, reused across phases), grounded on
// ptd.Supervisor.Start's own "cmd.Env = append(os.Environ(), ...)"
// pattern for exporting a fixed extra variable into a spawned child.
func (d *Driver) runWorkload(ph phase) error {
	// #nosec G204 -- RunWorkload is an operator-supplied CLI flag, not
	// attacker-controlled input.
	cmd := exec.Command("sh", "-c", d.opts.RunWorkload)
	cmd.Env = append(os.Environ(),
		fmt.Sprintf("ranging=%s", ph.ranging),
		fmt.Sprintf("out=%s", d.opts.LoadgenLogs),
	)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	log.Infof("director: running %s-phase workload: %s", ph.protocolName, d.opts.RunWorkload)
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("director: %s-phase workload failed: %w", ph.protocolName, err)
	}
	return nil
}

// collectLoadgenLogs verifies the workload wrote into --loadgen-logs and
// moves its contents into <session>/<mode>/, emptying --loadgen-logs so
// the next phase starts clean, per spec.md §4.8 step 4.
func (d *Driver) collectLoadgenLogs(ph phase) error {
	entries, err := os.ReadDir(d.opts.LoadgenLogs)
	if err != nil {
		return fmt.Errorf("director: reading loadgen logs directory %s: %w", d.opts.LoadgenLogs, err)
	}
	if len(entries) == 0 {
		return fmt.Errorf("director: %s-phase workload did not write any files into %s", ph.protocolName, d.opts.LoadgenLogs)
	}

	dest := filepath.Join(d.sessionDir, ph.resultDir)
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return fmt.Errorf("director: creating %s: %w", dest, err)
	}
	for _, e := range entries {
		src := filepath.Join(d.opts.LoadgenLogs, e.Name())
		dst := filepath.Join(dest, e.Name())
		if err := os.Rename(src, dst); err != nil {
			return fmt.Errorf("director: moving %s to %s: %w", src, dst, err)
		}
	}
	return nil
}

// uploadPhaseLogs zips <session>/<mode>/ and uploads it, for operators
// who want the measurement host to retain a copy of the loadgen logs
// (--send-logs).
func (d *Driver) uploadPhaseLogs(ph phase) error {
	dir := filepath.Join(d.sessionDir, ph.resultDir)
	buf, err := zipDir(dir)
	if err != nil {
		return fmt.Errorf("director: zipping %s: %w", dir, err)
	}
	return d.uploadFile(ph.resultDir+"_logs", buf)
}

// zipDir archives dir's regular files into an in-memory zip.
func zipDir(dir string) (*bytes.Buffer, error) {
	buf := &bytes.Buffer{}
	zw := zip.NewWriter(buf)
	err := filepath.WalkDir(dir, func(path string, e fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if e.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		w, err := zw.Create(filepath.ToSlash(rel))
		if err != nil {
			return err
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(w, f)
		return err
	})
	if err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf, nil
}

// uploadFile sends `session,<s>,upload,<what>` followed immediately by
// the file frame stream, per spec.md §4.1: the controller starts
// reading frames as soon as it sees the command line, replying only
// after the whole transfer completes.
func (d *Driver) uploadFile(what string, r io.Reader) error {
	cmd := fmt.Sprintf("session,%s,upload,%s", d.sessionName, what)
	if err := d.conn.SendLine(cmd); err != nil {
		return fmt.Errorf("director: sending %q: %w", cmd, err)
	}
	if err := d.conn.SendFile(r); err != nil {
		return fmt.Errorf("director: uploading %s: %w", what, err)
	}
	reply, err := d.conn.RecvLine()
	if err != nil {
		return fmt.Errorf("director: reading upload reply for %s: %w", what, err)
	}
	d.messages = append(d.messages, descriptor.Message{Cmd: cmd, Reply: reply})
	if reply != "OK" {
		return fmt.Errorf("director: upload %s: %s", what, reply)
	}
	return nil
}

// uploadFilePath opens path and uploads its contents as what.
func (d *Driver) uploadFilePath(what, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("director: reading %s: %w", path, err)
	}
	return d.uploadFile(what, bytes.NewBuffer(data))
}

// finalize populates the remaining descriptor fields (modules, sources,
// results), writes client.json, detaches the session log, and uploads
// both client.log and client.json, per spec.md §4.8 step 5 and §4.9.
// Called even when an earlier phase failed, so a partial record exists
// for debugging.
func (d *Driver) finalize(desc *descriptor.Descriptor) error {
	desc.Messages = d.messages
	desc.Modules = descriptor.BuildModules()
	if sources, err := descriptor.HashExecutableDir(); err != nil {
		log.Warningf("director: hashing sources tree: %v", err)
	} else {
		desc.Sources = sources
	}

	results, err := descriptor.HashTree(d.sessionDir)
	if err != nil {
		log.Warningf("director: hashing result tree %s: %v", d.sessionDir, err)
	} else {
		desc.Results = results
	}

	powerDir := filepath.Join(d.sessionDir, "power")
	clientJSONPath := filepath.Join(powerDir, "client.json")
	if err := descriptor.Write(clientJSONPath, desc); err != nil {
		return fmt.Errorf("director: writing client.json: %w", err)
	}

	if d.logHook != nil {
		if err := d.logHook.SetTarget(""); err != nil {
			log.Warningf("director: closing client.log: %v", err)
		}
	}

	clientLogPath := filepath.Join(powerDir, "client.log")
	if _, err := os.Stat(clientLogPath); err == nil {
		if err := d.uploadFilePath("client.log", clientLogPath); err != nil {
			return err
		}
	}
	return d.uploadFilePath("client.json", clientJSONPath)
}
