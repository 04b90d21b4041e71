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
	"strings"

	goversion "github.com/hashicorp/go-version"

	"github.com/facebook/powerbench/descriptor"
	"github.com/facebook/powerbench/ptd"
)

// modelAllowList maps a device-type code to the model name PTD's
// Identify reply is expected to carry, per spec.md §4.10.3.
var modelAllowList = map[int]string{
	8:   "WT210",
	49:  "WT310",
	52:  "WT330",
	77:  "WT332",
	35:  "WT1800",
	48:  "WT500",
	47:  "WT3000",
	66:  "PX8000",
	508: "DW6090",
	549: "DL850",
	586: "CW240",
}

// versionAllowListConstraint bounds the PTD `version=<ver>` suffix of an
// Identify reply to releases this system has been validated against.
const versionAllowListConstraint = ">= 1.0.0, < 4.0.0"

// IdentifyAllowList checks #3: the recorded `Identify` reply matches
// `<model>,version=<ver>-…`, `<ver>` satisfies the version allow-list,
// and `<model>` is the allow-listed name for the session's device type.
type IdentifyAllowList struct{}

// Name returns the check's name.
func (IdentifyAllowList) Name() string { return "PTD Identify allow-list" }

// Run executes the check.
func (IdentifyAllowList) Run(c *Context) error {
	for i, cfg := range c.Server.PTDConfig {
		reply, err := findIdentifyReply(c.Server.PTDMessages, i)
		if err != nil {
			return err
		}
		model, ver, err := parseIdentify(reply)
		if err != nil {
			return fmt.Errorf("analyzer %d: %w", i+1, err)
		}

		wantModel, ok := modelAllowList[cfg.DeviceType]
		if !ok {
			return fmt.Errorf("analyzer %d: device type %d has no allow-listed model", i+1, cfg.DeviceType)
		}
		if model != wantModel {
			return fmt.Errorf("analyzer %d: Identify model %q does not match allow-listed %q for device type %d", i+1, model, wantModel, cfg.DeviceType)
		}

		constraint, err := goversion.NewConstraint(versionAllowListConstraint)
		if err != nil {
			return err
		}
		v, err := goversion.NewVersion(ver)
		if err != nil {
			return fmt.Errorf("analyzer %d: Identify version %q does not parse: %w", i+1, ver, err)
		}
		if !constraint.Check(v) {
			return fmt.Errorf("analyzer %d: Identify version %s does not satisfy %s", i+1, ver, versionAllowListConstraint)
		}
	}
	return nil
}

// parseIdentify splits "<model>,version=<ver>-…" into model and version.
func parseIdentify(reply string) (model, version string, err error) {
	fields := strings.SplitN(reply, ",", 2)
	if len(fields) != 2 || !strings.HasPrefix(fields[1], "version=") {
		return "", "", fmt.Errorf("Identify reply %q does not match \"<model>,version=<ver>-...\"", reply)
	}
	rest := strings.TrimPrefix(fields[1], "version=")
	version = strings.SplitN(rest, "-", 2)[0]
	return fields[0], version, nil
}

func findIdentifyReply(messages []descriptor.Message, analyzerIndex int) (string, error) {
	n := 0
	for _, m := range messages {
		if m.Cmd == "Identify" {
			if n == analyzerIndex {
				return m.Reply, nil
			}
			n++
		}
	}
	return "", fmt.Errorf("no Identify reply recorded for analyzer %d", analyzerIndex+1)
}

// PTDConfigValid checks #12: the device type is supported, and
// multichannel device types carry a channel list of the required
// length (two, except DeviceTypeWT500 which requires one).
type PTDConfigValid struct{}

// Name returns the check's name.
func (PTDConfigValid) Name() string { return "PTD config validity" }

// Run executes the check.
func (PTDConfigValid) Run(c *Context) error {
	for i, cfg := range c.Server.PTDConfig {
		if !ptd.IsSupportedDeviceType(cfg.DeviceType) {
			return fmt.Errorf("analyzer %d: device type %d is not supported", i+1, cfg.DeviceType)
		}
		want := ptd.RequiredChannelCount(cfg.DeviceType)
		if len(cfg.Channel) != want {
			return fmt.Errorf("analyzer %d: device type %d requires %d channel(s), got %d", i+1, cfg.DeviceType, want, len(cfg.Channel))
		}
	}
	return nil
}
