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
	"testing"

	"github.com/facebook/powerbench/descriptor"
	"github.com/stretchr/testify/require"
)

func writeDigestFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func sourcesDigestFixture(t *testing.T) (sourcesDir string, client, server *descriptor.Descriptor) {
	t.Helper()
	sourcesDir = t.TempDir()
	writeDigestFile(t, filepath.Join(sourcesDir, "main.go"), "package main\n")
	hash, err := descriptor.HashTree(sourcesDir)
	require.NoError(t, err)

	client = &descriptor.Descriptor{Sources: cloneDigestMap(hash)}
	server = &descriptor.Descriptor{Sources: cloneDigestMap(hash)}
	return sourcesDir, client, server
}

func cloneDigestMap(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func TestSourcesDigestPasses(t *testing.T) {
	sourcesDir, client, server := sourcesDigestFixture(t)
	require.NoError(t, SourcesDigest{}.Run(&Context{SourcesDir: sourcesDir, Client: client, Server: server}))
}

func TestSourcesDigestRejectsMismatchedChecksum(t *testing.T) {
	sourcesDir, client, server := sourcesDigestFixture(t)
	client.Sources = map[string]string{"main.go": "deadbeef"}

	err := SourcesDigest{}.Run(&Context{SourcesDir: sourcesDir, Client: client, Server: server})
	require.Error(t, err)
	require.Contains(t, err.Error(), "checksum mismatch")
}

func TestSourcesDigestRejectsExtraFileInDescriptor(t *testing.T) {
	sourcesDir, client, server := sourcesDigestFixture(t)
	client.Sources["extra.go"] = "deadbeef"

	err := SourcesDigest{}.Run(&Context{SourcesDir: sourcesDir, Client: client, Server: server})
	require.Error(t, err)
	require.Contains(t, err.Error(), "missing file(s)")
}

func TestSourcesDigestRejectsUntrackedFileOnDisk(t *testing.T) {
	sourcesDir, client, server := sourcesDigestFixture(t)
	writeDigestFile(t, filepath.Join(sourcesDir, "untracked.go"), "package main\n")

	err := SourcesDigest{}.Run(&Context{SourcesDir: sourcesDir, Client: client, Server: server})
	require.Error(t, err)
	require.Contains(t, err.Error(), "unexpected extra file(s)")
}

func resultsChecksumFixture(t *testing.T) (sessionDir string, client, server *descriptor.Descriptor) {
	t.Helper()
	sessionDir = t.TempDir()
	writeDigestFile(t, filepath.Join(sessionDir, "run_1", "spl.txt"), "Time,t,Watts,1\n")
	hash, err := descriptor.HashTree(sessionDir)
	require.NoError(t, err)

	client = &descriptor.Descriptor{Results: cloneDigestMap(hash)}
	server = &descriptor.Descriptor{Results: cloneDigestMap(hash)}
	return sessionDir, client, server
}

func TestResultsChecksumPasses(t *testing.T) {
	sessionDir, client, server := resultsChecksumFixture(t)
	require.NoError(t, ResultsChecksum{}.Run(&Context{SessionDir: sessionDir, Client: client, Server: server}))
}

func TestResultsChecksumRejectsTamperedFile(t *testing.T) {
	sessionDir, client, server := resultsChecksumFixture(t)
	require.NoError(t, os.WriteFile(filepath.Join(sessionDir, "run_1", "spl.txt"), []byte("tampered\n"), 0o644))

	err := ResultsChecksum{}.Run(&Context{SessionDir: sessionDir, Client: client, Server: server})
	require.Error(t, err)
	require.Contains(t, err.Error(), "checksum mismatch")
}

func TestResultsChecksumTreatsOptionalFilesAsPermittedMissing(t *testing.T) {
	sessionDir, client, server := resultsChecksumFixture(t)
	client.Results["accuracy.json"] = "deadbeef"
	server.Results["accuracy.json"] = "deadbeef"

	require.NoError(t, ResultsChecksum{}.Run(&Context{SessionDir: sessionDir, Client: client, Server: server}))
}

func TestResultsChecksumRejectsMissingNonOptionalFile(t *testing.T) {
	sessionDir, client, server := resultsChecksumFixture(t)
	client.Results["run_1/other.txt"] = "deadbeef"
	server.Results["run_1/other.txt"] = "deadbeef"

	err := ResultsChecksum{}.Run(&Context{SessionDir: sessionDir, Client: client, Server: server})
	require.Error(t, err)
	require.Contains(t, err.Error(), "missing file(s)")
}

func TestResultsChecksumIgnoresDescriptorJSONFiles(t *testing.T) {
	sessionDir, client, server := resultsChecksumFixture(t)
	writeDigestFile(t, filepath.Join(sessionDir, "power", "client.json"), "{}")
	writeDigestFile(t, filepath.Join(sessionDir, "power", "server.json"), "{}")

	require.NoError(t, ResultsChecksum{}.Run(&Context{SessionDir: sessionDir, Client: client, Server: server}))
}
