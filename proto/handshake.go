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

package proto

import (
	"fmt"
	"strconv"
	"strings"
)

// Version is the protocol version embedded in the handshake, per
// spec.md §4.1: "Handshake strings carry a protocol version number.
// Incompatible peers fail with a clear mismatch message."
const Version = 1

// magicClientPrefix/magicServerPrefix are the handshake command/reply
// prefixes of spec.md §4.1's command table (`<MAGIC_CLIENT>` / `<MAGIC_SERVER>`).
const (
	magicClientPrefix = "MAGIC_CLIENT"
	magicServerPrefix = "MAGIC_SERVER"
)

// ClientHandshake is the line the director sends to open a connection.
func ClientHandshake() string {
	return fmt.Sprintf("%s,%d", magicClientPrefix, Version)
}

// ServerHandshake is the line the controller replies with when the
// client's protocol version is compatible.
func ServerHandshake() string {
	return fmt.Sprintf("%s,%d", magicServerPrefix, Version)
}

// ParseClientHandshake validates a received client handshake line and
// returns the peer's advertised version.
func ParseClientHandshake(line string) (int, error) {
	return parseHandshake(line, magicClientPrefix)
}

// ParseServerHandshake validates a received server handshake line and
// returns the peer's advertised version.
func ParseServerHandshake(line string) (int, error) {
	return parseHandshake(line, magicServerPrefix)
}

func parseHandshake(line, prefix string) (int, error) {
	fields := strings.Split(line, ",")
	if len(fields) != 2 || fields[0] != prefix {
		return 0, fmt.Errorf("proto: malformed handshake %q, expected %s,<version>", line, prefix)
	}
	v, err := strconv.Atoi(strings.TrimSpace(fields[1]))
	if err != nil {
		return 0, fmt.Errorf("proto: handshake version %q is not an integer: %w", fields[1], err)
	}
	return v, nil
}

// CheckVersion is fatal (per spec.md §4.1 "Mismatch is fatal on both
// sides") whenever the peer's version does not exactly match ours.
func CheckVersion(peerVersion int) error {
	if peerVersion != Version {
		return fmt.Errorf("proto: protocol version mismatch: local=%d peer=%d", Version, peerVersion)
	}
	return nil
}
