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

package klogcontrol

import (
	"strconv"
)

// Options lists the klog options Config can set, by klog flag name.
var Options = []string{
	"add_dir_header",
	"alsologtostderr",
	"log_dir",
	"log_file",
	"logtostderr",
	"skip_headers",
	"skip_log_headers",
	"stderrthreshold",
	"v",
}

// Config provides runtime configuration for klog.
// Field names mirror the klog flag names they set.
//
//nolint:revive,stylecheck
type Config struct {
	// If true, adds the file directory to the header of the log messages.
	// +optional
	Add_dir_header *bool `json:"add_dir_header,omitempty"`
	// If true, log to standard error as well as files.
	// +optional
	Alsologtostderr *bool `json:"alsologtostderr,omitempty"`
	// If non-empty, write log files in this directory.
	// +optional
	Log_dir *string `json:"log_dir,omitempty"`
	// If non-empty, use this log file.
	// +optional
	Log_file *string `json:"log_file,omitempty"`
	// Log to standard error instead of files.
	// +optional
	Logtostderr *bool `json:"logtostderr,omitempty"`
	// If true, avoid header prefixes in the log messages.
	// +optional
	Skip_headers *bool `json:"skip_headers,omitempty"`
	// If true, avoid headers when opening log files.
	// +optional
	Skip_log_headers *bool `json:"skip_log_headers,omitempty"`
	// Logs at or above this threshold go to stderr.
	// +optional
	Stderrthreshold *string `json:"stderrthreshold,omitempty"`
	// Number for the log level verbosity.
	// +optional
	V *int `json:"v,omitempty"`
}

// GetByFlag returns the value of the field corresponding to the given
// klog flag, and whether that field has been set.
func (c *Config) GetByFlag(name string) (string, bool) {
	if c == nil {
		return "", false
	}

	boolean := func(b *bool) (string, bool) {
		if b == nil {
			return "", false
		}
		return strconv.FormatBool(*b), true
	}
	str := func(s *string) (string, bool) {
		if s == nil {
			return "", false
		}
		return *s, true
	}

	switch name {
	case "add_dir_header":
		return boolean(c.Add_dir_header)
	case "alsologtostderr":
		return boolean(c.Alsologtostderr)
	case "log_dir":
		return str(c.Log_dir)
	case "log_file":
		return str(c.Log_file)
	case "logtostderr":
		return boolean(c.Logtostderr)
	case "skip_headers":
		return boolean(c.Skip_headers)
	case "skip_log_headers":
		return boolean(c.Skip_log_headers)
	case "stderrthreshold":
		return str(c.Stderrthreshold)
	case "v":
		if c.V == nil {
			return "", false
		}
		return strconv.Itoa(*c.V), true
	}

	return "", false
}
