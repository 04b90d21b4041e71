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
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/facebook/powerbench/descriptor"
	"github.com/stretchr/testify/require"
)

func writePTDLog(t *testing.T, sessionDir string, lines []string) {
	t.Helper()
	path := filepath.Join(sessionDir, "power", "ptd_logs.txt")
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o644))
}

func ptdlogsContext(sessionDir string) *Context {
	return &Context{
		SessionDir: sessionDir,
		Server:     &descriptor.Descriptor{SessionName: "sess"},
	}
}

var happyPathPTDLog = []string{
	"PTD starting up",
	"Uncertainty checking for Yokogawa WT310 is activated",
	": Go with mark 'sess_ranging'",
	"WARNING: Uncertainty calculation may not be accurate",
	": Completed test",
}

func TestPTDLogWarningsPassesOnBenignWarning(t *testing.T) {
	sessionDir := t.TempDir()
	writePTDLog(t, sessionDir, happyPathPTDLog)

	require.NoError(t, PTDLogWarnings{}.Run(ptdlogsContext(sessionDir)))
}

// TestPTDLogWarningsRejectsEmbeddedBenignSubstring is the case the
// review found missing: a tampered line that merely contains a benign
// message as a substring, rather than beginning with it, must still
// hard-fail per spec.md §4.10.11.
func TestPTDLogWarningsRejectsEmbeddedBenignSubstring(t *testing.T) {
	sessionDir := t.TempDir()
	writePTDLog(t, sessionDir, []string{
		"PTD starting up",
		"Uncertainty checking for Yokogawa WT310 is activated",
		": Go with mark 'sess_ranging'",
		"WARNING: spurious fault injected — Uncertainty calculation may not be accurate anyway",
		": Completed test",
	})

	err := PTDLogWarnings{}.Run(ptdlogsContext(sessionDir))
	require.Error(t, err)
	require.Contains(t, err.Error(), "unexpected warning/error line")
}

func TestPTDLogWarningsRejectsUnknownError(t *testing.T) {
	sessionDir := t.TempDir()
	writePTDLog(t, sessionDir, []string{
		"PTD starting up",
		"Uncertainty checking for Yokogawa WT310 is activated",
		": Go with mark 'sess_ranging'",
		"ERROR: communication timeout",
		": Completed test",
	})

	err := PTDLogWarnings{}.Run(ptdlogsContext(sessionDir))
	require.Error(t, err)
	require.Contains(t, err.Error(), "unexpected warning/error line")
}

func TestPTDLogWarningsRejectsMissingYokogawaActivation(t *testing.T) {
	sessionDir := t.TempDir()
	writePTDLog(t, sessionDir, []string{
		"PTD starting up",
		": Go with mark 'sess_ranging'",
		"WARNING: Uncertainty calculation may not be accurate",
		": Completed test",
	})

	err := PTDLogWarnings{}.Run(ptdlogsContext(sessionDir))
	require.Error(t, err)
	require.Contains(t, err.Error(), "activation line not found")
}

func TestPTDLogWarningsRejectsMissingCompletionMarker(t *testing.T) {
	sessionDir := t.TempDir()
	writePTDLog(t, sessionDir, []string{
		"PTD starting up",
		"Uncertainty checking for Yokogawa WT310 is activated",
		": Go with mark 'sess_ranging'",
		"WARNING: Uncertainty calculation may not be accurate",
	})

	err := PTDLogWarnings{}.Run(ptdlogsContext(sessionDir))
	require.Error(t, err)
	require.Contains(t, err.Error(), "did not find completion marker")
}

func TestHasAnyPrefixRequiresLeadingMatch(t *testing.T) {
	require.True(t, hasAnyPrefix("WARNING: Uncertainty calculation may not be accurate, ignore", benignWarningPrefixes))
	require.False(t, hasAnyPrefix("WARNING: spurious — Uncertainty calculation may not be accurate anyway", benignWarningPrefixes))
}
