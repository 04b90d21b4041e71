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
Package controller implements the controller service (C7): a listening
TCP endpoint that accepts one director session at a time and dispatches
the protocol command set of spec.md §4.1 to the session state machine
(session) and PTD supervisors (ptd).

Grounded on ptp4u/server.Server's top-level orchestration style
(goroutines joined by a WaitGroup, structured logrus logging at every
stage) and calnex/cmd.go's RootCmd/Execute() wiring for the CLI shell
that uses this package.
*/
package controller

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"github.com/facebook/powerbench/config"
	"github.com/facebook/powerbench/descriptor"
	"github.com/facebook/powerbench/logging"
	"github.com/facebook/powerbench/proto"
	"github.com/facebook/powerbench/session"
	"github.com/facebook/powerbench/timesync"
)

// labelRE validates the `new,<label>,<uuid>` label, per spec.md §4.1:
// "Label must be alphanumeric or -_".
var labelRE = regexp.MustCompile(`^[A-Za-z0-9_-]*$`)

// Server is the controller's long-running session listener.
type Server struct {
	Config     *config.Config
	SessionDir string // base directory under which <session>/ trees are created
	Debug      bool   // shortens ANALYZER_SLEEP for local testing, per spec.md §4.6

	MetricsAddr string // optional "host:port" for /metrics; empty disables it

	mu      sync.Mutex
	active  *activeSession
	stopped bool
	metrics *metrics
	logHook *logging.FileHook

	listener net.Listener
	cancel   context.CancelFunc
	sigCount int
}

// activeSession is the one live director coordination the controller
// owns at a time, per spec.md §4.7 ("At most one director session is
// active at a time").
type activeSession struct {
	sess       *session.Session
	desc       *descriptor.Descriptor
	dir        string
	ctx        context.Context
	cancel     context.CancelFunc
	messages   []descriptor.Message
}

// NewServer constructs a controller Server from its parsed configuration.
func NewServer(cfg *config.Config, sessionDir string, debug bool) *Server {
	hook := logging.NewFileHook()
	log.AddHook(hook)
	return &Server{Config: cfg, SessionDir: sessionDir, Debug: debug, metrics: newMetrics(), logHook: hook}
}

// Start installs the signal handler, binds the listening socket, serves
// metrics if configured, and accepts director connections one at a time
// until a `stop` command has been processed and the connection that
// issued it disconnects, per spec.md §4.7.
func (srv *Server) Start() error {
	addr, err := listenAddr(srv.Config.Server.Listen)
	if err != nil {
		return fmt.Errorf("controller: %w", err)
	}

	l, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("controller: binding %s: %w", addr, err)
	}
	srv.listener = l
	log.Infof("controller: listening on %s", addr)

	srv.installSignalHandler()

	if srv.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(srv.metrics.registry, promhttp.HandlerOpts{}))
		go func() {
			if err := http.ListenAndServe(srv.MetricsAddr, mux); err != nil { // #nosec G114 -- internal metrics endpoint, timeouts not load-bearing
				log.Warningf("controller: metrics server stopped: %v", err)
			}
		}()
		log.Infof("controller: metrics on http://%s/metrics", srv.MetricsAddr)
	}

	for {
		conn, err := l.Accept()
		if err != nil {
			if srv.isStopped() {
				log.Infof("controller: listener closed, exiting cleanly")
				return nil
			}
			return fmt.Errorf("controller: accept: %w", err)
		}

		tcpConn, ok := conn.(*net.TCPConn)
		if !ok {
			conn.Close()
			continue
		}
		pc := proto.NewTCPConn(tcpConn)
		if err := pc.EnableKeepalive(); err != nil {
			log.Warningf("controller: enabling keepalive: %v", err)
		}

		srv.handleConn(pc)

		if srv.isStopped() {
			_ = l.Close()
		}
	}
}

func (srv *Server) isStopped() bool {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	return srv.stopped
}

// installSignalHandler wires the first-SIGINT-graceful, second-SIGINT-
// hard-exit behavior of spec.md §4.7, replacing the source's process-wide
// handler singleton with the explicit cancellation token of DESIGN NOTES:
// the handler only ever sets state and cancels a context; suspension
// points (session.interruptibleSleep, the analyzer barrier) poll it.
func (srv *Server) installSignalHandler() {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
	go func() {
		for range ch {
			srv.mu.Lock()
			srv.sigCount++
			n := srv.sigCount
			cancel := srv.cancel
			srv.stopped = true
			srv.mu.Unlock()

			if n == 1 {
				log.Warningf("controller: received interrupt, requesting graceful stop")
				if cancel != nil {
					cancel()
				}
				if srv.listener != nil {
					_ = srv.listener.Close()
				}
			} else {
				log.Errorf("controller: received second interrupt, exiting immediately")
				os.Exit(1)
			}
		}
	}()
}

// listenAddr turns the INI "IP PORT" listen value into a net.Listen addr.
func listenAddr(raw string) (string, error) {
	fields := strings.Fields(raw)
	if len(fields) != 2 {
		return "", fmt.Errorf("listen value %q must be \"IP PORT\"", raw)
	}
	if _, err := strconv.Atoi(fields[1]); err != nil {
		return "", fmt.Errorf("listen port %q is not numeric: %w", fields[1], err)
	}
	return net.JoinHostPort(fields[0], fields[1]), nil
}

// finalizeAndWrite releases the live session (if any): terminates every
// supervisor and writes server.json into its power/ directory, per
// spec.md §3 Ownership ("releases them on session drop"). Callers must
// have already removed a from srv.active (handleNew/releaseActive do
// this) so the message trace recorded up to and including the command
// that triggered the drop is final before it is read here.
func (srv *Server) finalizeAndWrite(a *activeSession) {
	if a == nil {
		return
	}

	if err := a.sess.Done(); err != nil {
		log.Warningf("controller: dropping session %s: %v", a.sess.Name, err)
	}
	a.cancel()

	srv.metrics.setPhase(phaseNone)
	srv.metrics.sessionsActive.Set(0)

	// Detach the session log before hashing the tree, so server.log is
	// flushed, closed, and included in the result-tree digest.
	if err := srv.logHook.SetTarget(""); err != nil {
		log.Warningf("controller: closing session log: %v", err)
	}

	a.desc.Messages = a.messages
	a.desc.Modules = descriptor.BuildModules()
	if sources, err := descriptor.HashExecutableDir(); err != nil {
		log.Warningf("controller: hashing sources tree: %v", err)
	} else {
		a.desc.Sources = sources
	}
	a.desc.PTDMessages = mergePTDMessages(a.sess)
	a.desc.PTDConfig = ptdConfigs(a.sess)
	a.desc.Phases = phaseCheckpoints(a.sess)
	results, err := descriptor.HashTree(a.dir)
	if err != nil {
		log.Warningf("controller: hashing result tree %s: %v", a.dir, err)
	} else {
		a.desc.Results = results
	}

	powerDir := filepath.Join(a.dir, "power")
	if err := os.MkdirAll(powerDir, 0o755); err != nil {
		log.Warningf("controller: creating %s: %v", powerDir, err)
		return
	}
	if err := descriptor.Write(filepath.Join(powerDir, "server.json"), a.desc); err != nil {
		log.Warningf("controller: writing server.json: %v", err)
	}
}

// mergePTDMessages merges every analyzer supervisor's PTD message trace
// into one chronologically ordered list, per spec.md §4.9 ("ordered
// list of {cmd, reply} between controller and every supervisor, merged
// across analyzers").
func mergePTDMessages(s *session.Session) []descriptor.Message {
	type timed struct {
		t   time.Time
		msg descriptor.Message
	}
	var all []timed
	for _, a := range s.Analyzers {
		for _, m := range a.Supervisor.Messages {
			all = append(all, timed{t: m.Time, msg: descriptor.Message{Cmd: m.Cmd, Reply: m.Reply}})
		}
	}
	sort.SliceStable(all, func(i, j int) bool { return all[i].t.Before(all[j].t) })
	out := make([]descriptor.Message, len(all))
	for i, t := range all {
		out[i] = t.msg
	}
	return out
}

// ptdConfigs renders the controller-only ptd_config record for every
// analyzer, per spec.md §4.9.
func ptdConfigs(s *session.Session) []descriptor.PTDConfig {
	out := make([]descriptor.PTDConfig, len(s.Analyzers))
	for i, a := range s.Analyzers {
		out[i] = descriptor.PTDConfig{
			Command:       a.Supervisor.Argv(),
			DeviceType:    a.Supervisor.Config.DeviceType,
			InterfaceFlag: a.Supervisor.Config.InterfaceFlag,
			DCFlag:        a.Supervisor.Config.DCFlag,
			DevicePort:    a.Supervisor.Config.DevicePort,
			Channel:       a.Supervisor.Config.Channel,
		}
	}
	return out
}

// phaseCheckpoints converts a session's internal TimePair checkpoints
// into the descriptor's [monotonic, wall] seconds-since-epoch pairs.
func phaseCheckpoints(s *session.Session) map[string]descriptor.PhaseCheckpoints {
	out := map[string]descriptor.PhaseCheckpoints{}
	for _, phase := range []session.Phase{session.PhaseRanging, session.PhaseTesting} {
		cp := s.Checkpoints(phase)
		if cp == nil {
			continue
		}
		var pc descriptor.PhaseCheckpoints
		for i, tp := range cp {
			pc[i] = descriptor.Checkpoint{
				float64(tp.Monotonic.UnixNano()) / 1e9,
				float64(tp.Wall.UnixNano()) / 1e9,
			}
		}
		out[string(phase)] = pc
	}
	return out
}

// ntpServer exposes the configured NTP server for the `set_ntp` command handler.
func (srv *Server) ntpServer() string { return srv.Config.Server.NTPServer }

// ntpHostSync is a small wrapper so tests can stub NTP resync without shelling out.
var ntpHostSync = timesync.NTPHostSync
