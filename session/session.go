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
Package session owns the RANGING/TESTING state machine described in
spec.md §4.6: it drives the analyzer supervisors (ptd), derives
testing-mode ranges from ranging-mode measurements (ptdlog), and records
the phase checkpoints the audit verifier later cross-checks.

Cancellation follows DESIGN NOTES' "explicit token" redesign: rather than
a process-wide signal-handler singleton, a context.Context is passed to
each transition and observed during ANALYZER_SLEEP, so a caller-driven
cancellation unwinds the active transition into DONE. The analyzer
barrier (fanOutAnalyzers) does not observe the context and runs to
completion.
*/
package session

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/facebook/powerbench/config"
	"github.com/facebook/powerbench/merge"
	"github.com/facebook/powerbench/ptd"
	"github.com/facebook/powerbench/ptdlog"
	log "github.com/sirupsen/logrus"
)

// newLineScanner returns a buffered line scanner sized for long PTD log lines.
func newLineScanner(r io.Reader) *bufio.Scanner {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	return sc
}

// hasMark reports whether line's trailing "Mark,<m>" field equals mark exactly.
func hasMark(line, mark string) bool {
	fields := strings.Split(line, ",")
	for i := 0; i < len(fields)-1; i++ {
		if strings.TrimSpace(fields[i]) == "Mark" {
			return strings.TrimSpace(fields[i+1]) == mark
		}
	}
	return false
}

// State is one node of the session state machine, per spec.md §4.6.
type State string

// Session states.
const (
	StateInitial     State = "INITIAL"
	StateRanging     State = "RANGING"
	StateRangingDone State = "RANGING_DONE"
	StateTesting     State = "TESTING"
	StateTestingDone State = "TESTING_DONE"
	StateDone        State = "DONE"
)

// Phase names a half of the session, used to build PTD marks and to index checkpoints.
type Phase string

// Phases.
const (
	PhaseRanging Phase = "ranging"
	PhaseTesting Phase = "testing"
)

// analyzerSleepNormal/Debug are ANALYZER_SLEEP per spec.md §4.6.
const (
	analyzerSleepNormal = 10 * time.Second
	analyzerSleepDebug  = 500 * time.Millisecond
)

// Checkpoint indices, per spec.md §3.
const (
	CheckpointPhaseBegin = iota
	CheckpointWorkloadBegin
	CheckpointWorkloadEnd
	CheckpointPhaseEnd
)

// TimePair is one recorded checkpoint: both a monotonic instant (for
// duration math) and a wall clock reading (for the client/server skew
// audit), matching descriptor C9's [[t_monotonic, t_wall], ...] shape.
type TimePair struct {
	Monotonic time.Time
	Wall      time.Time
}

// now returns a checkpoint pair: time.Now() carries both a monotonic
// reading and a wall-clock reading in Go, but we keep both explicit
// fields to mirror the descriptor schema exactly.
func now() TimePair {
	t := time.Now()
	return TimePair{Monotonic: t, Wall: t}
}

// Analyzer pairs a supervisor with its configuration and log paths for one session.
type Analyzer struct {
	Supervisor *ptd.Supervisor
	RangingLog string
	TestingLog string
}

// Session is one director-controller coordination run.
type Session struct {
	Name        string
	ServerUUID  string
	ClientUUID  string
	Dir         string
	RangingMode config.RangingMode
	Debug       bool

	Analyzers []*Analyzer

	state       State
	checkpoints map[Phase]*[4]TimePair

	rangingStats []ptdlog.Stats
	maxVolts     []ptd.RangeValue
	desiredAmps  []ptd.RangeValue
}

// New creates a session in the INITIAL state.
func New(name, serverUUID, clientUUID, dir string, rangingMode config.RangingMode, analyzers []*Analyzer, debug bool) *Session {
	return &Session{
		Name:        name,
		ServerUUID:  serverUUID,
		ClientUUID:  clientUUID,
		Dir:         dir,
		RangingMode: rangingMode,
		Analyzers:   analyzers,
		Debug:       debug,
		state:       StateInitial,
		checkpoints: make(map[Phase]*[4]TimePair),
	}
}

// State returns the current state.
func (s *Session) State() State { return s.state }

// mark returns the PTD mark for phase, per spec.md §3.
func (s *Session) mark(phase Phase) string {
	return fmt.Sprintf("%s_%s", s.Name, phase)
}

// Checkpoints returns the recorded checkpoints for phase, or nil if the
// phase has not started.
func (s *Session) Checkpoints(phase Phase) *[4]TimePair { return s.checkpoints[phase] }

func (s *Session) recordCheckpoint(phase Phase, index int) {
	cp, ok := s.checkpoints[phase]
	if !ok {
		cp = &[4]TimePair{}
		s.checkpoints[phase] = cp
	}
	cp[index] = now()
}

func (s *Session) analyzerSleep() time.Duration {
	if s.Debug {
		return analyzerSleepDebug
	}
	return analyzerSleepNormal
}

// interruptibleSleep sleeps for d unless ctx is canceled first.
func interruptibleSleep(ctx context.Context, d time.Duration) error {
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// fanOutAnalyzers runs fn over every configured analyzer, joined by a barrier.
func (s *Session) fanOutAnalyzers(fn func(a *Analyzer) error) error {
	return merge.FanOut(len(s.Analyzers), func(i int) error {
		return fn(s.Analyzers[i])
	})
}

// StartRanging enters RANGING from INITIAL, or is idempotent if already
// in RANGING, per spec.md §4.6.
func (s *Session) StartRanging(ctx context.Context) error {
	switch s.state {
	case StateRanging:
		return nil // idempotent repeat
	case StateInitial:
		// proceed
	default:
		return fmt.Errorf("session: cannot start ranging from state %s", s.state)
	}

	s.recordCheckpoint(PhaseRanging, CheckpointPhaseBegin)

	if err := s.fanOutAnalyzers(func(a *Analyzer) error {
		if a.Supervisor.State() == ptd.StateAbsent {
			if err := a.Supervisor.Start(); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		return err
	}

	if err := s.fanOutAnalyzers(func(a *Analyzer) error {
		if err := a.Supervisor.SetRange("V", ptd.RangeValue{Auto: true}); err != nil {
			return err
		}
		ampsRange := ptd.RangeValue{Auto: true}
		if s.RangingMode == config.RangingModeMax {
			if max, ok := ptd.MaxRangeForDevice[a.Supervisor.Config.DeviceType]; ok {
				ampsRange = ptd.RangeValue{Value: max}
			}
		}
		return a.Supervisor.SetRange("A", ampsRange)
	}); err != nil {
		return err
	}

	if err := interruptibleSleep(ctx, s.analyzerSleep()); err != nil {
		return err
	}

	s.recordCheckpoint(PhaseRanging, CheckpointWorkloadBegin)
	mark := s.mark(PhaseRanging)
	if err := s.fanOutAnalyzers(func(a *Analyzer) error {
		return a.Supervisor.Go(mark)
	}); err != nil {
		return err
	}

	s.state = StateRanging
	return nil
}

// StopRanging leaves RANGING for RANGING_DONE, deriving the per-analyzer
// maxVolts/maxAmps/desiredAmpsRange, per spec.md §4.6.
func (s *Session) StopRanging(ctx context.Context) error {
	if s.state == StateRangingDone {
		return nil // idempotent repeat
	}
	if s.state != StateRanging {
		return fmt.Errorf("session: cannot stop ranging from state %s", s.state)
	}

	if err := interruptibleSleep(ctx, s.analyzerSleep()); err != nil {
		return err
	}

	s.recordCheckpoint(PhaseRanging, CheckpointWorkloadEnd)
	if err := s.fanOutAnalyzers(func(a *Analyzer) error {
		return a.Supervisor.Stop()
	}); err != nil {
		return err
	}

	elapsed := s.checkpoints[PhaseRanging][CheckpointWorkloadEnd].Monotonic.Sub(
		s.checkpoints[PhaseRanging][CheckpointWorkloadBegin].Monotonic)

	mark := s.mark(PhaseRanging)
	s.rangingStats = make([]ptdlog.Stats, len(s.Analyzers))
	s.maxVolts = make([]ptd.RangeValue, len(s.Analyzers))
	s.desiredAmps = make([]ptd.RangeValue, len(s.Analyzers))

	for i, a := range s.Analyzers {
		startChan, nChans := channelSelection(a.Supervisor.Config.Channel)
		stats, err := ptdlog.Derive(a.RangingLog, mark, startChan, nChans, elapsed)
		if err != nil {
			return err
		}
		s.rangingStats[i] = stats
		volts, _ := stats.MaxVolts.Float64()
		amps, _ := stats.MaxAmps.Float64()
		s.maxVolts[i] = ptd.RangeValue{Value: volts}
		s.desiredAmps[i] = ptd.RangeValue{Value: amps * 1.1}
	}

	if err := s.writeSPL("ranging", mark); err != nil {
		return err
	}

	s.recordCheckpoint(PhaseRanging, CheckpointPhaseEnd)
	s.state = StateRangingDone
	return nil
}

// StartTesting enters TESTING using the ranges derived from RANGING
// (RANGING_DONE -> TESTING) or, when volts/amps are supplied, client-
// precomputed ranges directly from INITIAL, per spec.md §4.6.
func (s *Session) StartTesting(ctx context.Context, volts, amps []ptd.RangeValue) error {
	switch s.state {
	case StateTesting:
		return nil // idempotent repeat
	case StateRangingDone:
		if volts == nil {
			volts = s.maxVolts
		}
		if amps == nil {
			amps = s.desiredAmps
		}
	case StateInitial:
		if volts == nil || amps == nil {
			return fmt.Errorf("session: start,testing from INITIAL requires client-supplied ranges")
		}
	default:
		return fmt.Errorf("session: cannot start testing from state %s", s.state)
	}
	if len(volts) != len(s.Analyzers) || len(amps) != len(s.Analyzers) {
		return fmt.Errorf("session: range count does not match analyzer count")
	}

	s.recordCheckpoint(PhaseTesting, CheckpointPhaseBegin)

	if err := s.fanOutAnalyzers(func(a *Analyzer) error {
		i := analyzerIndex(s.Analyzers, a)
		if err := a.Supervisor.SetRange("V", volts[i]); err != nil {
			return err
		}
		return a.Supervisor.SetRange("A", amps[i])
	}); err != nil {
		return err
	}

	if err := interruptibleSleep(ctx, s.analyzerSleep()); err != nil {
		return err
	}

	s.recordCheckpoint(PhaseTesting, CheckpointWorkloadBegin)
	mark := s.mark(PhaseTesting)
	if err := s.fanOutAnalyzers(func(a *Analyzer) error {
		return a.Supervisor.Go(mark)
	}); err != nil {
		return err
	}

	s.state = StateTesting
	return nil
}

// StopTesting leaves TESTING for TESTING_DONE: reads Watts/Uncertainty,
// stops every analyzer, grabs power data, and writes run_1/spl.txt and
// run_1/ptd_out.txt, per spec.md §4.6.
func (s *Session) StopTesting(ctx context.Context) error {
	if s.state == StateTestingDone {
		return nil // idempotent repeat
	}
	if s.state != StateTesting {
		return fmt.Errorf("session: cannot stop testing from state %s", s.state)
	}

	if err := interruptibleSleep(ctx, s.analyzerSleep()); err != nil {
		return err
	}

	if err := s.fanOutAnalyzers(func(a *Analyzer) error {
		if _, err := a.Supervisor.Cmd("Watts"); err != nil {
			return err
		}
		_, err := a.Supervisor.Cmd("Uncertainty")
		return err
	}); err != nil {
		return err
	}

	s.recordCheckpoint(PhaseTesting, CheckpointWorkloadEnd)

	powerData := make([]*ptd.PowerData, len(s.Analyzers))
	if err := s.fanOutAnalyzers(func(a *Analyzer) error {
		if err := a.Supervisor.Stop(); err != nil {
			return err
		}
		pd, err := a.Supervisor.GrabPowerData()
		if err != nil {
			return err
		}
		powerData[analyzerIndex(s.Analyzers, a)] = pd
		return nil
	}); err != nil {
		return err
	}

	mark := s.mark(PhaseTesting)
	if err := s.writeSPL("run_1", mark); err != nil {
		return err
	}
	if err := s.writePTDOut("run_1", powerData); err != nil {
		return err
	}

	s.recordCheckpoint(PhaseTesting, CheckpointPhaseEnd)
	s.state = StateTestingDone
	return nil
}

// Done terminates every supervisor and transitions to DONE. It is safe
// to call from any state, including DONE itself.
func (s *Session) Done() error {
	defer func() { s.state = StateDone }()

	var firstErr error
	for _, a := range s.Analyzers {
		if err := a.Supervisor.Terminate(); err != nil {
			log.Errorf("session %s: terminating %s: %v", s.Name, a.Supervisor.Label, err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// writeSPL merges every analyzer's raw log for mark into
// <Dir>/<subdir>/spl.txt.
func (s *Session) writeSPL(subdir, mark string) error {
	dir := filepath.Join(s.Dir, subdir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("session: creating %s: %w", dir, err)
	}

	paths := make([]string, len(s.Analyzers))
	for i, a := range s.Analyzers {
		logPath := a.RangingLog
		if subdir == "run_1" {
			logPath = a.TestingLog
		}
		extracted := filepath.Join(dir, fmt.Sprintf("analyzer%d.csv", i+1))
		if err := extractMark(logPath, mark, extracted); err != nil {
			return err
		}
		paths[i] = extracted
	}

	return merge.Logs(paths, filepath.Join(dir, "spl.txt"))
}

// writePTDOut records the post-stop sanity record (Uncertainty, Watts)
// for every analyzer into <Dir>/run_1/ptd_out.txt.
func (s *Session) writePTDOut(subdir string, data []*ptd.PowerData) error {
	dir := filepath.Join(s.Dir, subdir)
	f, err := os.Create(filepath.Join(dir, "ptd_out.txt"))
	if err != nil {
		return fmt.Errorf("session: creating ptd_out.txt: %w", err)
	}
	defer f.Close()

	for i, pd := range data {
		if pd == nil {
			continue
		}
		fmt.Fprintf(f, "analyzer%d: Uncertainty=%s Watts=%s\n", i+1, pd.Uncertainty, pd.Watts)
	}
	return nil
}

// channelSelection turns an analyzer's configured channel list into the
// (startChan, nChans) pair ptdlog.Derive expects.
func channelSelection(channels []int) (int, int) {
	if len(channels) == 0 {
		return 0, 0
	}
	return channels[0], len(channels)
}

func analyzerIndex(analyzers []*Analyzer, target *Analyzer) int {
	for i, a := range analyzers {
		if a == target {
			return i
		}
	}
	return -1
}

// extractMark copies every line of src whose trailing Mark field equals
// mark exactly into dst, preserving order. PTD's log file can span
// multiple marks across RANGING and TESTING; the merger (and the result
// tree's spl.txt) only wants the rows belonging to this phase.
func extractMark(src, mark, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("session: opening %s: %w", src, err)
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("session: creating %s: %w", dst, err)
	}
	defer out.Close()

	scanner := newLineScanner(in)
	for scanner.Scan() {
		line := scanner.Text()
		if hasMark(line, mark) {
			if _, err := out.WriteString(line + "\n"); err != nil {
				return fmt.Errorf("session: writing %s: %w", dst, err)
			}
		}
	}
	return scanner.Err()
}
