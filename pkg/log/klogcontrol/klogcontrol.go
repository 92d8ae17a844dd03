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

// Package klogcontrol applies logging configuration to the klog backend.
package klogcontrol

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	cfgapi "github.com/nachosvm/nachos/pkg/apis/config/v1alpha1/log/klogcontrol"
	"k8s.io/klog/v2"
)

// Control sets klog options at runtime.
type Control struct {
	flags *flag.FlagSet
}

var ctl = newControl()

// Get returns the klog Control.
func Get() *Control {
	return ctl
}

func newControl() *Control {
	c := &Control{flags: flag.NewFlagSet("klog", flag.ContinueOnError)}
	c.flags.SetOutput(io.Discard)
	klog.InitFlags(c.flags)
	return c
}

// Configure sets every option present in cfg. Options cfg leaves unset keep
// their current value.
func (c *Control) Configure(cfg *cfgapi.Config) error {
	var errs []error
	for _, name := range cfgapi.Options {
		if value, ok := cfg.GetByFlag(name); ok {
			errs = append(errs, c.set(name, value))
		}
	}
	return errors.Join(errs...)
}

// Value returns the current value of a klog option.
func (c *Control) Value(name string) (string, bool) {
	f := c.flags.Lookup(name)
	if f == nil {
		return "", false
	}
	return f.Value.String(), true
}

func (c *Control) set(name, value string) error {
	if err := c.flags.Set(name, value); err != nil {
		return fmt.Errorf("klogcontrol: failed to set %s to %q: %w", name, value, err)
	}
	return nil
}

// EnvVar returns the environment variable which seeds option name at startup,
// for instance LOGGER_SKIP_HEADERS.
func EnvVar(name string) string {
	return "LOGGER_" + strings.ToUpper(name)
}

func init() {
	for _, name := range cfgapi.Options {
		value, ok := os.LookupEnv(EnvVar(name))
		if !ok {
			continue
		}
		if err := ctl.set(name, value); err != nil {
			klog.Errorf("ignoring $%s: %v", EnvVar(name), err)
		}
	}
}
