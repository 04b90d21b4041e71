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

package controller

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/facebook/powerbench/descriptor"
	"github.com/facebook/powerbench/proto"
	"github.com/facebook/powerbench/ptd"
	"github.com/facebook/powerbench/session"
)

// handleConn drives one director connection end to end: handshake, then
// a strictly serial recv/handle/send loop, per spec.md §4.7. Every
// command this connection owns a session for is appended to that
// session's message trace, in issue order, for descriptor C9.
func (srv *Server) handleConn(conn proto.Conn) {
	defer conn.Close()

	remote := ""
	if tc, ok := conn.(*proto.TCPConn); ok {
		remote = tc.RemoteAddr().String()
	}
	log.Infof("controller: connection from %s", remote)

	hsMsg, err := srv.handshake(conn)
	if err != nil {
		log.Errorf("controller: handshake with %s failed: %v", remote, err)
		return
	}

	var owner *activeSession // the session this connection currently owns, if any
	handshakeTraced := false // per spec.md §4.9/§8, only the first session on a connection gets the handshake as messages[0]

	for {
		line, err := conn.RecvLine()
		if err != nil {
			if err != io.EOF {
				log.Warningf("controller: %s: read error: %v", remote, err)
			}
			break
		}

		reply, drop, fatal := srv.dispatch(conn, line, owner)

		if a := srv.currentActive(); a != nil {
			if owner == nil && !handshakeTraced {
				a.messages = append(a.messages, hsMsg)
				handshakeTraced = true
			}
			a.messages = append(a.messages, descriptor.Message{Cmd: line, Reply: replyForTrace(line, reply)})
			owner = a
		}

		if err := conn.SendLine(reply); err != nil {
			log.Warningf("controller: %s: write error: %v", remote, err)
			break
		}

		if drop {
			srv.finalizeAndWrite(srv.releaseActive(owner))
			owner = nil
		}
		if fatal {
			break
		}
	}

	if owner != nil {
		srv.finalizeAndWrite(srv.releaseActive(owner))
	}
	log.Infof("controller: connection from %s closed", remote)
}

// firstField returns the command name (everything before the first comma).
func firstField(line string) string {
	if i := strings.IndexByte(line, ','); i >= 0 {
		return line[:i]
	}
	return line
}

// replyForTrace elides the reply value for the `time` command, per
// spec.md §4.9 ("with time elided for both sides' time commands").
func replyForTrace(line, reply string) string {
	if firstField(line) == "time" {
		return ""
	}
	return reply
}

// currentActive returns the controller's live session, if any.
func (srv *Server) currentActive() *activeSession {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	return srv.active
}

// handshake validates the client's MAGIC_CLIENT line and replies
// MAGIC_SERVER, per spec.md §4.1. The returned Message is the {cmd,
// reply} pair the first session on this connection will record as
// messages[0], per spec.md §8's "server records the handshake's first
// frame as a command" invariant.
func (srv *Server) handshake(conn proto.Conn) (descriptor.Message, error) {
	line, err := conn.RecvLine()
	if err != nil {
		return descriptor.Message{}, fmt.Errorf("reading handshake: %w", err)
	}
	peerVersion, err := proto.ParseClientHandshake(line)
	if err != nil {
		_ = conn.SendLine(fmt.Sprintf("Error: %v", err))
		return descriptor.Message{}, err
	}
	if err := proto.CheckVersion(peerVersion); err != nil {
		_ = conn.SendLine(fmt.Sprintf("Error: %v", err))
		return descriptor.Message{}, err
	}
	reply := proto.ServerHandshake()
	if err := conn.SendLine(reply); err != nil {
		return descriptor.Message{}, err
	}
	return descriptor.Message{Cmd: line, Reply: reply}, nil
}

// dispatch handles one command line, returning the reply to send, and
// two independent signals: drop (the active session should be released
// and its descriptor written, after the reply has been traced) and
// fatal (the connection itself should close).
func (srv *Server) dispatch(conn proto.Conn, line string, owner *activeSession) (reply string, drop, fatal bool) {
	reply, drop, err := srv.handleCommand(conn, line, owner)
	if err != nil {
		log.Errorf("controller: handling %q: %v", line, err)
		return "Error: exception", true, false
	}
	return reply, drop, false
}

func (srv *Server) handleCommand(conn proto.Conn, line string, owner *activeSession) (reply string, drop bool, err error) {
	fields := strings.Split(line, ",")
	cmd := fields[0]

	switch {
	case cmd == "time":
		return strconv.FormatInt(time.Now().Unix(), 10), false, nil

	case cmd == "set_ntp":
		if rerr := ntpHostSync(srv.ntpServer()); rerr != nil {
			return fmt.Sprintf("Error: %v", rerr), false, nil
		}
		return "OK", false, nil

	case cmd == "new" && len(fields) == 3:
		return srv.handleNew(fields[1], fields[2])

	case cmd == "session" && len(fields) >= 4:
		return srv.handleSession(conn, fields, owner)

	case cmd == "stop":
		srv.mu.Lock()
		srv.stopped = true
		srv.mu.Unlock()
		return "OK", false, nil

	default:
		return "Error", false, nil
	}
}

// handleNew allocates a new session, dropping any session still live on
// this controller first (without tracing that drop into its replacement's
// trace), per spec.md §4.7.
func (srv *Server) handleNew(label, clientUUID string) (string, bool, error) {
	if !labelRE.MatchString(label) {
		return fmt.Sprintf("Error: label %q must be alphanumeric or -_", label), false, nil
	}

	if stale := srv.takeActive(); stale != nil {
		srv.finalizeAndWrite(stale)
	}

	name := sessionName(label)
	serverUUID := uuid.New().String()
	dir := filepath.Join(srv.SessionDir, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", false, fmt.Errorf("creating session directory %s: %w", dir, err)
	}

	powerDir := filepath.Join(dir, "power")
	if err := os.MkdirAll(powerDir, 0o755); err != nil {
		return "", false, fmt.Errorf("creating %s: %w", powerDir, err)
	}
	if err := srv.logHook.SetTarget(filepath.Join(powerDir, "server.log")); err != nil {
		return "", false, fmt.Errorf("opening server.log: %w", err)
	}

	ptdLogPath := filepath.Join(powerDir, "ptd_logs.txt")
	analyzers := make([]*session.Analyzer, len(srv.Config.Analyzers))
	for i, ac := range srv.Config.Analyzers {
		lbl := fmt.Sprintf("analyzer%d", i+1)
		sup := ptd.New(lbl, ac, srv.Config.PTD.Path, ptdLogPath)
		analyzers[i] = &session.Analyzer{
			Supervisor: sup,
			RangingLog: ptdLogPath,
			TestingLog: ptdLogPath,
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	sess := session.New(name, serverUUID, clientUUID, dir, srv.Config.Server.RangingMode, analyzers, srv.Debug)

	srv.mu.Lock()
	srv.cancel = cancel
	srv.active = &activeSession{
		sess:   sess,
		desc:   descriptor.New(name, clientUUID, serverUUID),
		dir:    dir,
		ctx:    ctx,
		cancel: cancel,
	}
	srv.mu.Unlock()

	srv.metrics.sessionsActive.Set(1)
	srv.metrics.setPhase(string(session.StateInitial))

	return fmt.Sprintf("OK %s,%s", name, serverUUID), false, nil
}

// takeActive clears the active session and returns it, without running
// its teardown side effects (the caller does that).
func (srv *Server) takeActive() *activeSession {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	a := srv.active
	srv.active = nil
	return a
}

// releaseActive clears the active session iff it is still owner,
// returning it for finalization.
func (srv *Server) releaseActive(owner *activeSession) *activeSession {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	if srv.active != owner {
		return owner
	}
	srv.active = nil
	return owner
}

// sessionName builds the controller-allocated session name, per spec.md
// §3: "YYYY-MM-DD_HH-MM-SS[_LABEL]".
func sessionName(label string) string {
	ts := time.Now().Format("2006-01-02_15-04-05")
	if label == "" {
		return ts
	}
	return fmt.Sprintf("%s_%s", ts, label)
}

// handleSession dispatches the `session,<s>,...` command family. Any
// error surfaced by the session state machine drops the session after
// the reply is traced, per spec.md §8 scenarios 2 and 4.
func (srv *Server) handleSession(conn proto.Conn, fields []string, owner *activeSession) (string, bool, error) {
	name := fields[1]

	a := srv.currentActive()
	if a == nil || a.sess.Name != name {
		return fmt.Sprintf("Error: unknown session %q", name), false, nil
	}

	switch {
	case fields[2] == "start" && len(fields) >= 4 && fields[3] == "ranging":
		if err := srv.runTransition(a, "start,ranging", func() error { return a.sess.StartRanging(a.ctx) }); err != nil {
			return fmt.Sprintf("Error: %v", err), true, nil
		}
		return "OK", false, nil

	case fields[2] == "stop" && len(fields) >= 4 && fields[3] == "ranging":
		if err := srv.runTransition(a, "stop,ranging", func() error { return a.sess.StopRanging(a.ctx) }); err != nil {
			return fmt.Sprintf("Error: %v", err), true, nil
		}
		return "OK", false, nil

	case fields[2] == "start" && len(fields) >= 4 && fields[3] == "testing":
		volts, amps, err := parseClientRanges(fields, len(a.sess.Analyzers))
		if err != nil {
			return fmt.Sprintf("Error: %v", err), true, nil
		}
		if err := srv.runTransition(a, "start,testing", func() error { return a.sess.StartTesting(a.ctx, volts, amps) }); err != nil {
			return fmt.Sprintf("Error: %v", err), true, nil
		}
		return "OK", false, nil

	case fields[2] == "stop" && len(fields) >= 4 && fields[3] == "testing":
		if err := srv.runTransition(a, "stop,testing", func() error { return a.sess.StopTesting(a.ctx) }); err != nil {
			return fmt.Sprintf("Error: %v", err), true, nil
		}
		return "OK", false, nil

	case fields[2] == "upload" && len(fields) >= 4:
		what := fields[3]
		if err := srv.receiveUpload(conn, a, what); err != nil {
			return "", false, err
		}
		return "OK", false, nil

	case fields[2] == "done":
		return "OK", true, nil
	}

	return "Error", false, nil
}

// runTransition runs one state-machine transition and attributes every
// PTD command it issued (measured as the growth of each supervisor's
// message trace) to the `ptd_commands_total` metric, then updates the
// session-phase gauge to the post-transition state.
func (srv *Server) runTransition(a *activeSession, cmdLabel string, fn func() error) error {
	before := make([]int, len(a.sess.Analyzers))
	for i, an := range a.sess.Analyzers {
		before[i] = len(an.Supervisor.Messages)
	}

	err := fn()

	for i, an := range a.sess.Analyzers {
		srv.metrics.observePTDCommand(an.Supervisor.Label, cmdLabel, len(an.Supervisor.Messages)-before[i])
	}
	srv.metrics.setPhase(string(a.sess.State()))

	return err
}

// parseClientRanges parses the optional `,<v>,<a>` suffix of
// `session,<s>,start,testing`, used when ranges were pre-computed by the
// client (spec.md §4.6 "INITIAL | start,testing,<v>,<a> | TESTING").
// The same pair is applied to every configured analyzer.
func parseClientRanges(fields []string, nAnalyzers int) (volts, amps []ptd.RangeValue, err error) {
	if len(fields) == 4 {
		return nil, nil, nil
	}
	if len(fields) != 6 {
		return nil, nil, fmt.Errorf("start,testing takes 0 or 2 extra fields, got %d", len(fields)-4)
	}
	v, err := strconv.ParseFloat(fields[4], 64)
	if err != nil {
		return nil, nil, fmt.Errorf("volts %q: %w", fields[4], err)
	}
	am, err := strconv.ParseFloat(fields[5], 64)
	if err != nil {
		return nil, nil, fmt.Errorf("amps %q: %w", fields[5], err)
	}
	volts = make([]ptd.RangeValue, nAnalyzers)
	amps = make([]ptd.RangeValue, nAnalyzers)
	for i := range volts {
		volts[i] = ptd.RangeValue{Value: v}
		amps[i] = ptd.RangeValue{Value: am}
	}
	return volts, amps, nil
}

// receiveUpload saves the director's uploaded file (a zip of a log
// subtree, or client.log/client.json directly) into the session's
// power/ directory, per spec.md §4.1's file-transfer sub-protocol and
// §4.8's upload step.
func (srv *Server) receiveUpload(conn proto.Conn, a *activeSession, what string) error {
	powerDir := filepath.Join(a.dir, "power")
	if err := os.MkdirAll(powerDir, 0o755); err != nil {
		return fmt.Errorf("creating %s: %w", powerDir, err)
	}
	name := what
	if !strings.Contains(name, ".") {
		name += ".zip"
	}
	if err := proto.RecvFileAtomic(conn, powerDir, name); err != nil {
		return fmt.Errorf("receiving %s: %w", what, err)
	}
	return nil
}
