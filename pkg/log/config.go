// Copyright The Nachos VM Authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package log

import (
	"os"
	"slices"
	"strings"

	cfgapi "github.com/nachosvm/nachos/pkg/apis/config/v1alpha1/log"
	"github.com/nachosvm/nachos/pkg/log/klogcontrol"
	"github.com/nachosvm/nachos/pkg/utils"
)

const (
	// DefaultLevel is the default logging severity level.
	DefaultLevel = LevelInfo
	// debugEnvVar seeds debug sources, for instance "on:vm,kernel,off:swap".
	debugEnvVar = "LOGGER_DEBUG"
	// logSourceEnvVar turns on source prefixes when set to anything.
	logSourceEnvVar = "LOGGER_LOG_SOURCE"
)

// srcmap maps logger sources, or "*" for all of them, to debug state.
type srcmap map[string]bool

// parse adds comma-separated [state:]source entries to m. A state applies
// to the entries following it until the next state, and defaults to on.
func (m srcmap) parse(value string) error {
	state := "on"
	for _, entry := range strings.Split(value, ",") {
		if entry = strings.TrimSpace(entry); entry == "" {
			continue
		}

		src := entry
		if s, rest, ok := strings.Cut(entry, ":"); ok {
			if strings.Contains(rest, ":") {
				return loggerError("invalid debug entry %q", entry)
			}
			state, src = s, rest
		}

		enabled, err := utils.ParseEnabled(state)
		if err != nil {
			return loggerError("invalid debug state %q", state)
		}

		if src = strings.TrimSpace(src); src == "all" {
			src = "*"
		}
		m[src] = enabled
	}

	return nil
}

// String returns m in the form parse accepts.
func (m srcmap) String() string {
	var on, off []string
	for src, state := range m {
		if state {
			on = append(on, src)
		} else {
			off = append(off, src)
		}
	}
	slices.Sort(on)
	slices.Sort(off)

	var entries []string
	if len(on) > 0 {
		entries = append(entries, "on:"+strings.Join(on, ","))
	}
	if len(off) > 0 {
		entries = append(entries, "off:"+strings.Join(off, ","))
	}
	return strings.Join(entries, ",")
}

// Configure applies logging configuration: debug sources, source prefixes
// and klog backend options.
func Configure(cfg *cfgapi.Config) error {
	if cfg == nil {
		return nil
	}

	deflog.Info("logger configuration update %+v", *cfg)

	debug := make(srcmap)
	for _, value := range cfg.Debug {
		if err := debug.parse(value); err != nil {
			return err
		}
	}

	// without klog headers the source prefix is the only hint of origin
	prefix := cfg.LogSource || isSet(cfg.Klog.Skip_headers)

	log.Lock()
	log.setDbgMap(debug)
	log.Unlock()
	log.setPrefix(prefix)

	return klogcontrol.Get().Configure(&cfg.Klog)
}

func isSet(b *bool) bool {
	return b != nil && *b
}

func init() {
	cfg := &cfgapi.Config{
		LogSource: os.Getenv(logSourceEnvVar) != "",
	}
	if value, ok := os.LookupEnv(debugEnvVar); ok {
		cfg.Debug = []string{value}
	}

	if err := Configure(cfg); err != nil {
		Default().Error("ignoring $%s: %v", debugEnvVar, err)
		log.setPrefix(cfg.LogSource)
	}
}
