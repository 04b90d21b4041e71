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

	"github.com/facebook/powerbench/descriptor"
)

// DescriptorsParse checks #1: both descriptors parsed successfully and
// carry the fields spec.md §4.9 requires.
type DescriptorsParse struct{}

// Name returns the check's name.
func (DescriptorsParse) Name() string { return "Descriptors parse" }

// Run executes the check.
func (DescriptorsParse) Run(c *Context) error {
	for side, d := range map[string]*descriptor.Descriptor{"client": c.Client, "server": c.Server} {
		if d == nil {
			return fmt.Errorf("%s descriptor did not parse", side)
		}
		if d.SessionName == "" {
			return fmt.Errorf("%s descriptor: missing session_name", side)
		}
		if d.UUID.Client == "" || d.UUID.Server == "" {
			return fmt.Errorf("%s descriptor: missing uuid.client/uuid.server", side)
		}
		if d.Sources == nil || d.Results == nil || d.Phases == nil {
			return fmt.Errorf("%s descriptor: missing sources/results/phases map", side)
		}
	}
	if c.Server.PTDMessages == nil {
		return fmt.Errorf("server descriptor: missing ptd_messages")
	}
	if c.Server.PTDConfig == nil {
		return fmt.Errorf("server descriptor: missing ptd_config")
	}
	return nil
}

// UUIDsMatch checks #6: uuid.client and uuid.server match between the
// two descriptors, compared after canonicalization.
type UUIDsMatch struct{}

// Name returns the check's name.
func (UUIDsMatch) Name() string { return "Session UUIDs match" }

// Run executes the check.
func (UUIDsMatch) Run(c *Context) error {
	if descriptor.CanonicalUUID(c.Client.UUID.Client) != descriptor.CanonicalUUID(c.Server.UUID.Client) {
		return fmt.Errorf("uuid.client differs: client=%s server=%s", c.Client.UUID.Client, c.Server.UUID.Client)
	}
	if descriptor.CanonicalUUID(c.Client.UUID.Server) != descriptor.CanonicalUUID(c.Server.UUID.Server) {
		return fmt.Errorf("uuid.server differs: client=%s server=%s", c.Client.UUID.Server, c.Server.UUID.Server)
	}
	return nil
}

// SessionNameMatches checks #7: session_name matches between the two descriptors.
type SessionNameMatches struct{}

// Name returns the check's name.
func (SessionNameMatches) Name() string { return "Session name matches" }

// Run executes the check.
func (SessionNameMatches) Run(c *Context) error {
	if c.Client.SessionName != c.Server.SessionName {
		return fmt.Errorf("session_name differs: client=%q server=%q", c.Client.SessionName, c.Server.SessionName)
	}
	return nil
}
