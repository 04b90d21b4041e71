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
	"sort"
	"strings"

	"github.com/facebook/powerbench/descriptor"
)

// descriptorJSONNames are excluded from the result-tree digest: a
// descriptor cannot include its own digest.
var descriptorJSONNames = map[string]bool{
	"power/client.json": true,
	"power/server.json": true,
}

// optionalResultFiles are permitted to be absent from the result tree
// (spec.md §4.10.10 "optional files are permitted missing").
var optionalResultFiles = map[string]bool{
	"accuracy.json": true,
	"trace.json":    true,
}

// normalizeResultPath strips a leading "power/" from any result path, so
// the nested layout ("power/ranging/spl.txt", "power/ptd_logs.txt") and
// the flat layout ("ranging/spl.txt", "ptd_logs.txt") compare equal.
func normalizeResultPath(p string) string {
	return strings.TrimPrefix(p, "power/")
}

// SourcesDigest checks #2: `sources` in each descriptor equals the hex
// digest map of the sources directory.
type SourcesDigest struct{}

// Name returns the check's name.
func (SourcesDigest) Name() string { return "Sources checksum" }

// Run executes the check.
func (SourcesDigest) Run(c *Context) error {
	actual, err := descriptor.HashTree(c.SourcesDir)
	if err != nil {
		return err
	}
	for side, d := range map[string]*descriptor.Descriptor{"client": c.Client, "server": c.Server} {
		if err := compareDigestMaps(side+" sources", actual, d.Sources, nil); err != nil {
			return err
		}
	}
	return nil
}

// ResultsChecksum checks #10: hash every file in the result tree and
// compare against `results` on both sides; no extra or absent files
// (optional ones excepted).
type ResultsChecksum struct{}

// Name returns the check's name.
func (ResultsChecksum) Name() string { return "Results checksum" }

// Run executes the check.
func (ResultsChecksum) Run(c *Context) error {
	raw, err := descriptor.HashTree(c.SessionDir)
	if err != nil {
		return err
	}
	actual := map[string]string{}
	for p, digest := range raw {
		if descriptorJSONNames[p] {
			continue
		}
		actual[normalizeResultPath(p)] = digest
	}
	for side, d := range map[string]*descriptor.Descriptor{"client": c.Client, "server": c.Server} {
		normalized := map[string]string{}
		for p, digest := range d.Results {
			normalized[normalizeResultPath(p)] = digest
		}
		if err := compareDigestMaps(side+" results", actual, normalized, optionalResultFiles); err != nil {
			return err
		}
	}
	return nil
}

// compareDigestMaps reports the first mismatch between want and got,
// tolerating keys in allowMissing that are absent from got.
func compareDigestMaps(label string, got, want map[string]string, allowMissing map[string]bool) error {
	var extra, missing, mismatched []string
	for p := range got {
		if _, ok := want[p]; !ok {
			extra = append(extra, p)
		}
	}
	for p, wantDigest := range want {
		gotDigest, ok := got[p]
		if !ok {
			if allowMissing[p] {
				continue
			}
			missing = append(missing, p)
			continue
		}
		if gotDigest != wantDigest {
			mismatched = append(mismatched, fmt.Sprintf("%s: expected %s got %s", p, wantDigest, gotDigest))
		}
	}
	sort.Strings(extra)
	sort.Strings(missing)
	sort.Strings(mismatched)

	if len(extra) > 0 {
		return fmt.Errorf("%s: unexpected extra file(s): %s", label, strings.Join(extra, ", "))
	}
	if len(missing) > 0 {
		return fmt.Errorf("%s: missing file(s): %s", label, strings.Join(missing, ", "))
	}
	if len(mismatched) > 0 {
		return fmt.Errorf("%s: checksum mismatch: %s", label, strings.Join(mismatched, "; "))
	}
	return nil
}
