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
Package descriptor defines the session descriptor (C9): the JSON record
each side writes after TESTING completes, read back by the audit
verifier (C10) to cross-check the two sides of a session.
*/
package descriptor

import (
	"crypto/sha1" // #nosec G505 -- content-addressing digest, not a security boundary
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
)

// Version is the descriptor schema version this package emits and reads.
const Version = 1

// Message is one {cmd, reply} exchange recorded for the protocol trace.
// Time is not carried for the "time" command, per spec.md §4.9.
type Message struct {
	Cmd   string `json:"cmd"`
	Reply string `json:"reply"`
}

// UUIDPair carries the director- and controller-allocated session UUIDs.
type UUIDPair struct {
	Client string `json:"client"`
	Server string `json:"server"`
}

// Checkpoint is one recorded timestamp as a [monotonic, wall] pair. Both
// endpoints fill the two slots from the same time.Now() reading, as
// seconds since the Unix epoch; the first slot is not a process-relative
// monotonic clock value.
type Checkpoint [2]float64

// PhaseCheckpoints is the four checkpoints (phase begin, workload begin,
// workload end, phase end) recorded for one phase, per spec.md §3.
type PhaseCheckpoints [4]Checkpoint

// PTDConfig is the controller-only record of how one analyzer's PTD
// process was invoked, per spec.md §4.9.
type PTDConfig struct {
	Command       []string `json:"command"`
	DeviceType    int      `json:"device_type"`
	InterfaceFlag string   `json:"interface_flag"`
	DCFlag        bool     `json:"dc_flag"`
	DevicePort    string   `json:"device_port"`
	Channel       []int    `json:"channel"`
}

// Descriptor is the full session record emitted by both sides.
type Descriptor struct {
	Version     int                         `json:"version"`
	Timezone    int                         `json:"timezone"`
	Modules     map[string]string           `json:"modules"`
	Sources     map[string]string           `json:"sources"`
	Messages    []Message                   `json:"messages"`
	PTDMessages []Message                   `json:"ptd_messages,omitempty"`
	UUID        UUIDPair                    `json:"uuid"`
	SessionName string                      `json:"session_name"`
	Results     map[string]string           `json:"results"`
	Phases      map[string]PhaseCheckpoints `json:"phases"`
	PTDConfig   []PTDConfig                 `json:"ptd_config,omitempty"`
}

// New returns an empty descriptor for sessionName/uuids, version-stamped
// and carrying the local timezone offset, per spec.md §4.9.
func New(sessionName, clientUUID, serverUUID string) *Descriptor {
	_, offset := time.Now().Zone()
	return &Descriptor{
		Version:     Version,
		Timezone:    offset,
		Modules:     map[string]string{},
		Sources:     map[string]string{},
		Results:     map[string]string{},
		Phases:      map[string]PhaseCheckpoints{},
		UUID:        UUIDPair{Client: clientUUID, Server: serverUUID},
		SessionName: sessionName,
	}
}

// NewClientUUID allocates a fresh client-side session UUID, per spec.md §4.8.
func NewClientUUID() string {
	return uuid.New().String()
}

// ValidCanonicalUUID reports whether s parses as a UUID, per spec.md
// §4.10.6 "string comparison after canonicalization".
func ValidCanonicalUUID(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}

// CanonicalUUID re-renders s in canonical lowercase-hyphenated form, or
// returns s unchanged if it does not parse as a UUID.
func CanonicalUUID(s string) string {
	u, err := uuid.Parse(s)
	if err != nil {
		return s
	}
	return u.String()
}

// Write marshals d as indented, stably-ordered JSON (Go's encoding/json
// sorts map keys) to path.
func Write(path string, d *Descriptor) error {
	data, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return fmt.Errorf("descriptor: marshaling %s: %w", path, err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("descriptor: writing %s: %w", path, err)
	}
	return nil
}

// Load parses the descriptor at path.
func Load(path string) (*Descriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("descriptor: reading %s: %w", path, err)
	}
	var d Descriptor
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("descriptor: parsing %s: %w", path, err)
	}
	return &d, nil
}

// StableJSON re-marshals d the same way Write does, for equality
// comparisons in the round-trip property (spec.md §8).
func StableJSON(d *Descriptor) ([]byte, error) {
	return json.MarshalIndent(d, "", "  ")
}

// HashTree walks dir and returns a relative-path → SHA-1-hex map covering
// every regular file, for the `sources`/`results` digest fields (spec.md
// §3 "Source/results digests"). Hidden files (dotfiles) are included;
// symlinks are followed by os.Open's default behavior.
func HashTree(dir string) (map[string]string, error) {
	out := map[string]string{}
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		digest, err := hashFile(path)
		if err != nil {
			return err
		}
		out[filepath.ToSlash(rel)] = digest
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("descriptor: hashing tree %s: %w", dir, err)
	}
	return out, nil
}

// BuildModules returns the running binary's module path → version map,
// for the descriptor's `modules` field (spec.md §4.9 "runtime loaded
// modules map → SHA-1"; since Go modules are already content-addressed
// by version+checksum rather than a standalone file tree, the recorded
// value is each dependency's resolved version string in place of a
// digest). Returns an empty map if build info is unavailable (e.g. a
// binary built without module mode).
func BuildModules() map[string]string {
	out := map[string]string{}
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return out
	}
	for _, m := range info.Deps {
		out[m.Path] = m.Version
	}
	return out
}

// HashExecutableDir hashes the directory containing the running binary,
// for the descriptor's `sources` field (spec.md §3 "shipped program's
// own files at the moment of execution"). Both the director and the
// controller are deployed as the contents of one directory per host, so
// this directory stands in for the "sources directory" the audit
// verifier is separately pointed at.
func HashExecutableDir() (map[string]string, error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("descriptor: locating running executable: %w", err)
	}
	return HashTree(filepath.Dir(exe))
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()
	h := sha1.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("reading %s: %w", path, err)
	}
	return fmt.Sprintf("%x", h.Sum(nil)), nil
}
