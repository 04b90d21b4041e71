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
Package config loads the controller's INI configuration file: the
[server]/[ptd]/[analyzerN] sections of spec.md §6, into a typed record.
Unknown options or sections only warn, matching the source tool's
behavior.
*/
package config

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/go-ini/ini"
	log "github.com/sirupsen/logrus"
)

// RangingMode selects how the ranging phase picks the amps range to probe with.
type RangingMode string

const (
	// RangingModeAuto tells PTD to auto-range amps during RANGING.
	RangingModeAuto RangingMode = "AUTO"
	// RangingModeMax pins amps to MaxRangeForDevice during RANGING.
	RangingModeMax RangingMode = "MAX"
)

// ServerConfig is the [server] section.
type ServerConfig struct {
	NTPServer     string
	Listen        string
	RangingMode   RangingMode
	AnalyzerCount int
}

// PTDConfig is the [ptd] section.
type PTDConfig struct {
	Path string
}

// AnalyzerConfig is one [analyzerN] section.
type AnalyzerConfig struct {
	Index          int
	DeviceType     int
	NetworkPort    int
	DevicePort     string
	InterfaceFlag  string
	DCFlag         bool
	Channel        []int
	GPIBBoard      int
	HasGPIBBoard   bool
}

// Config is the fully parsed controller configuration.
type Config struct {
	Server    ServerConfig
	PTD       PTDConfig
	Analyzers []AnalyzerConfig
}

var knownServerKeys = map[string]bool{
	"ntpServer":     true,
	"listen":        true,
	"rangingMode":   true,
	"analyzerCount": true,
}

var knownPTDKeys = map[string]bool{
	"ptd": true,
}

var knownAnalyzerKeys = map[string]bool{
	"deviceType":    true,
	"networkPort":   true,
	"devicePort":    true,
	"interfaceFlag": true,
	"dcFlag":        true,
	"channel":       true,
	"gpibBoard":     true,
}

var analyzerSectionRE = regexp.MustCompile(`^analyzer(\d+)$`)

// Load reads and validates the controller configuration file at path.
func Load(path string) (*Config, error) {
	f, err := ini.Load(path)
	if err != nil {
		return nil, fmt.Errorf("config: loading %s: %w", path, err)
	}

	warnUnknownSections(f)

	cfg := &Config{}

	serverSection, err := f.GetSection("server")
	if err != nil {
		return nil, fmt.Errorf("config: missing [server] section: %w", err)
	}
	warnUnknownKeys(serverSection, knownServerKeys)
	cfg.Server = ServerConfig{
		NTPServer:     serverSection.Key("ntpServer").String(),
		Listen:        serverSection.Key("listen").String(),
		RangingMode:   RangingMode(strings.ToUpper(serverSection.Key("rangingMode").MustString(string(RangingModeAuto)))),
		AnalyzerCount: serverSection.Key("analyzerCount").MustInt(1),
	}
	if cfg.Server.RangingMode != RangingModeAuto && cfg.Server.RangingMode != RangingModeMax {
		return nil, fmt.Errorf("config: rangingMode must be AUTO or MAX, got %q", cfg.Server.RangingMode)
	}

	ptdSection, err := f.GetSection("ptd")
	if err != nil {
		return nil, fmt.Errorf("config: missing [ptd] section: %w", err)
	}
	warnUnknownKeys(ptdSection, knownPTDKeys)
	cfg.PTD = PTDConfig{Path: ptdSection.Key("ptd").String()}
	if cfg.PTD.Path == "" {
		return nil, fmt.Errorf("config: [ptd] ptd= must name the PTD binary path")
	}

	for i := 1; i <= cfg.Server.AnalyzerCount; i++ {
		name := fmt.Sprintf("analyzer%d", i)
		s, err := f.GetSection(name)
		if err != nil {
			return nil, fmt.Errorf("config: missing [%s] section (analyzerCount=%d): %w", name, cfg.Server.AnalyzerCount, err)
		}
		warnUnknownKeys(s, knownAnalyzerKeys)

		ac := AnalyzerConfig{
			Index:         i,
			DeviceType:    s.Key("deviceType").MustInt(0),
			NetworkPort:   s.Key("networkPort").MustInt(0),
			DevicePort:    s.Key("devicePort").String(),
			InterfaceFlag: s.Key("interfaceFlag").String(),
			DCFlag:        s.Key("dcFlag").MustBool(false),
		}
		if gpib := s.Key("gpibBoard").String(); gpib != "" {
			n, err := strconv.Atoi(gpib)
			if err != nil {
				return nil, fmt.Errorf("config: [%s] gpibBoard must be an integer: %w", name, err)
			}
			ac.GPIBBoard = n
			ac.HasGPIBBoard = true
		}
		if ch := s.Key("channel").String(); ch != "" {
			ac.Channel, err = parseChannelList(ch)
			if err != nil {
				return nil, fmt.Errorf("config: [%s] channel: %w", name, err)
			}
		}
		cfg.Analyzers = append(cfg.Analyzers, ac)
	}

	return cfg, nil
}

// parseChannelList parses "a" or "a,b" into one or two channel numbers.
func parseChannelList(s string) ([]int, error) {
	parts := strings.Split(s, ",")
	if len(parts) > 2 {
		return nil, fmt.Errorf("channel list must have one or two entries, got %d", len(parts))
	}
	out := make([]int, 0, len(parts))
	for _, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return nil, fmt.Errorf("channel %q is not an integer: %w", p, err)
		}
		out = append(out, n)
	}
	return out, nil
}

func warnUnknownSections(f *ini.File) {
	for _, s := range f.Sections() {
		name := s.Name()
		if name == ini.DefaultSection || name == "server" || name == "ptd" || analyzerSectionRE.MatchString(name) {
			continue
		}
		log.Warningf("config: unknown section [%s]", name)
	}
}

func warnUnknownKeys(s *ini.Section, known map[string]bool) {
	for _, k := range s.Keys() {
		if !known[k.Name()] {
			log.Warningf("config: unknown option %q in [%s]", k.Name(), s.Name())
		}
	}
}
