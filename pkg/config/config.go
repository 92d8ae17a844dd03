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

package config

import (
	"fmt"
	"os"

	"sigs.k8s.io/yaml"

	cfgapi "github.com/nachosvm/nachos/pkg/apis/config/v1alpha1"
	logger "github.com/nachosvm/nachos/pkg/log"
)

var (
	log = logger.Get("config")
)

// Load reads, defaults and validates the kernel configuration in the given
// file. An empty file name yields the default configuration.
func Load(file string) (*cfgapi.KernelConfig, error) {
	if file == "" {
		return cfgapi.Default(), nil
	}

	data, err := os.ReadFile(file)
	if err != nil {
		return nil, fmt.Errorf("config: failed to read %s: %w", file, err)
	}

	cfg, err := Unmarshal(data)
	if err != nil {
		return nil, fmt.Errorf("config: %s: %w", file, err)
	}

	log.Info("loaded configuration from %s", file)

	return cfg, nil
}

// Unmarshal parses, defaults and validates the given YAML or JSON data.
func Unmarshal(data []byte) (*cfgapi.KernelConfig, error) {
	cfg := &cfgapi.KernelConfig{}
	if err := yaml.UnmarshalStrict(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if log.DebugEnabled() {
		dump, _ := yaml.Marshal(cfg)
		log.Debug("effective configuration:\n%s", string(dump))
	}

	return cfg, nil
}
