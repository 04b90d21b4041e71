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
Package audit is the offline session verifier (C10): it loads both
sides' session descriptors plus the result tree and runs the twelve
independent cross-invariant checks of spec.md §4.10, directly grounded
on calnex/verify.VF/Verify and its checks.Check interface.
*/
package audit

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	log "github.com/sirupsen/logrus"

	"github.com/facebook/powerbench/audit/checks"
	"github.com/facebook/powerbench/descriptor"
)

// DefaultChecks returns the full, ordered set of checks spec.md §4.10 enumerates.
func DefaultChecks() []checks.Check {
	return []checks.Check{
		checks.DescriptorsParse{},
		checks.SourcesDigest{},
		checks.IdentifyAllowList{},
		checks.ExpectedReplies{},
		checks.ThirdRangeRestore{},
		checks.UUIDsMatch{},
		checks.SessionNameMatches{},
		checks.PhaseAlignment{},
		checks.MessagesPrefix{},
		checks.ResultsChecksum{},
		checks.PTDLogWarnings{},
		checks.PTDConfigValid{},
	}
}

// Result is one check's outcome.
type Result struct {
	Check checks.Check
	Err   error
}

// Run loads power/client.json and power/server.json from sessionDir,
// builds the shared check context, and runs every check in order. It
// does not stop at the first failure: every check is independent, per
// spec.md §4.10.
func Run(sessionDir, sourcesDir string) ([]Result, error) {
	client, err := descriptor.Load(filepath.Join(sessionDir, "power", "client.json"))
	if err != nil {
		return nil, fmt.Errorf("audit: %w", err)
	}
	server, err := descriptor.Load(filepath.Join(sessionDir, "power", "server.json"))
	if err != nil {
		return nil, fmt.Errorf("audit: %w", err)
	}

	ctx := &checks.Context{
		SessionDir: sessionDir,
		SourcesDir: sourcesDir,
		Client:     client,
		Server:     server,
	}

	results := make([]Result, 0, len(DefaultChecks()))
	for _, c := range DefaultChecks() {
		err := c.Run(ctx)
		results = append(results, Result{Check: c, Err: err})
		if err != nil {
			log.Warningf("%s: check fail: %v", c.Name(), err)
		} else {
			log.Debugf("%s: check pass", c.Name())
		}
	}
	return results, nil
}

// AnyFailed reports whether any result in results failed.
func AnyFailed(results []Result) bool {
	for _, r := range results {
		if r.Err != nil {
			return true
		}
	}
	return false
}

// WriteLog writes one `[x]`/`[ ]` line per check plus a summary table to
// path, refusing to overwrite an existing file, per spec.md §6.
func WriteLog(path string, results []Result) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("audit: %s already exists, refusing to overwrite", path)
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("audit: stat %s: %w", path, err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("audit: creating %s: %w", path, err)
	}
	defer f.Close()

	for _, r := range results {
		mark := "[x]"
		line := r.Check.Name()
		if r.Err != nil {
			mark = "[ ]"
			line = fmt.Sprintf("%s: %v", line, r.Err)
		}
		if _, err := fmt.Fprintf(f, "%s %s\n", mark, line); err != nil {
			return fmt.Errorf("audit: writing %s: %w", path, err)
		}
	}

	table := tablewriter.NewWriter(f)
	table.SetHeader([]string{"Check", "Result"})
	for _, r := range results {
		status := color.GreenString("PASS")
		if r.Err != nil {
			status = color.RedString("FAIL")
		}
		table.Append([]string{r.Check.Name(), status})
	}
	table.Render()

	return nil
}
