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

package descriptor

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWriteLoadRoundTrip(t *testing.T) {
	d := New("2024-01-02_03-04-05_lbl", NewClientUUID(), NewClientUUID())
	d.Messages = append(d.Messages, Message{Cmd: "time", Reply: "1700000000"})
	d.Phases["ranging"] = PhaseCheckpoints{{1, 1700000000}, {2, 1700000001}, {3, 1700000002}, {4, 1700000003}}

	path := filepath.Join(t.TempDir(), "client.json")
	require.NoError(t, Write(path, d))

	got, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, d.SessionName, got.SessionName)
	require.Equal(t, d.UUID, got.UUID)
	require.Equal(t, d.Phases, got.Phases)
}

func TestStableJSONIsDeterministicAcrossReencode(t *testing.T) {
	d := New("sess", "c", "s")
	d.Sources["a.go"] = "deadbeef"
	d.Sources["b.go"] = "cafef00d"

	first, err := StableJSON(d)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "d.json")
	require.NoError(t, Write(path, d))
	reloaded, err := Load(path)
	require.NoError(t, err)

	second, err := StableJSON(reloaded)
	require.NoError(t, err)
	require.Equal(t, string(first), string(second))
}

func TestCanonicalUUIDNormalizesCase(t *testing.T) {
	require.True(t, ValidCanonicalUUID("550E8400-E29B-41D4-A716-446655440000"))
	require.Equal(t,
		"550e8400-e29b-41d4-a716-446655440000",
		CanonicalUUID("550E8400-E29B-41D4-A716-446655440000"))
	require.False(t, ValidCanonicalUUID("not-a-uuid"))
}

func TestHashTreeCoversEveryFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("hello"), 0o644))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sub", "b.txt"), []byte("world"), 0o644))

	hashes, err := HashTree(dir)
	require.NoError(t, err)
	require.Len(t, hashes, 2)
	require.Contains(t, hashes, "a.txt")
	require.Contains(t, hashes, "sub/b.txt")
	require.Equal(t, "aaf4c61ddcc5e8a2dabede0f3b482cd9aea9434d", hashes["a.txt"])
}
