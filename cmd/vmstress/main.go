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

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"sigs.k8s.io/yaml"

	cfgapi "github.com/nachosvm/nachos/pkg/apis/config/v1alpha1"
	"github.com/nachosvm/nachos/pkg/kernel"
	"github.com/nachosvm/nachos/pkg/machine"
	"github.com/nachosvm/nachos/pkg/programs"
	"github.com/nachosvm/nachos/pkg/vm"
)

// scenario describes a memory pressure test.
type scenario struct {
	// Trials is the number of kernels to boot.
	Trials int `json:"trials,omitempty"`
	// Parallel is the number of trials run at once.
	Parallel int `json:"parallel,omitempty"`
	// Timeout bounds a single trial.
	Timeout string `json:"timeout,omitempty"`
	// Kernel is the configuration of every trial kernel. Swap files are
	// placed in a per-trial directory.
	Kernel cfgapi.KernelConfigSpec `json:"kernel,omitempty"`
}

type result struct {
	trial   int
	status  int
	known   bool
	elapsed time.Duration
	stats   vm.PagerStats
	swap    vm.SwapStats
}

var (
	log *logrus.Logger
)

func defaultScenario() *scenario {
	s := &scenario{
		Trials:   4,
		Parallel: 2,
		Timeout:  "1m",
	}
	s.Kernel.Machine.PhysPages = 16
	s.Kernel.Process.Root = "spawn.coff"
	s.Kernel.Process.Args = []string{"-n", "3", "memhog.coff", "4"}
	return s
}

func loadScenario(file string) (*scenario, error) {
	s := defaultScenario()

	if file != "" {
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, err
		}
		if err := yaml.UnmarshalStrict(data, s); err != nil {
			return nil, fmt.Errorf("failed to parse scenario %s: %w", file, err)
		}
	}

	s.Kernel.SetDefaults()
	if err := s.Kernel.Validate(); err != nil {
		return nil, fmt.Errorf("invalid scenario kernel: %w", err)
	}

	return s, nil
}

func runTrial(ctx context.Context, s *scenario, dir string, trial int) (*result, error) {
	spec := s.Kernel
	spec.Swap.File = filepath.Join(dir, fmt.Sprintf("trial-%d.swap", trial))

	out := log.WithField("trial", trial).WriterLevel(logrus.DebugLevel)
	defer out.Close()

	lib := programs.Default()
	k, err := kernel.New(&spec,
		kernel.WithLoader(lib),
		kernel.WithProcessor(lib),
		kernel.WithConsole(machine.NewConsole(nil, out)),
		kernel.WithRandomSeed(int64(trial)),
	)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	root, err := k.Start(spec.Process.Root, spec.Process.Args)
	if err != nil {
		_ = k.Halt()
		return nil, err
	}

	select {
	case <-k.Done():
	case <-ctx.Done():
		_ = k.Halt()
		return nil, fmt.Errorf("trial %d: %w", trial, ctx.Err())
	}
	if err := k.Wait(); err != nil {
		return nil, err
	}

	r := &result{
		trial:   trial,
		elapsed: time.Since(start),
		stats:   k.Pager().Stats(),
	}
	r.status, r.known = root.ExitStatus()
	if swap := k.Pager().Swap(); swap != nil {
		r.swap = swap.Stats()
	}

	return r, nil
}

func main() {
	var (
		scenarioFile string
		verbose      bool
	)

	log = logrus.StandardLogger()
	log.SetFormatter(&logrus.TextFormatter{
		PadLevelText: true,
	})

	flag.StringVar(&scenarioFile, "scenario", "", "scenario file")
	flag.BoolVar(&verbose, "v", false, "verbose output")
	flag.Parse()

	if verbose {
		log.SetLevel(logrus.DebugLevel)
	}

	s, err := loadScenario(scenarioFile)
	if err != nil {
		log.Fatalf("%v", err)
	}

	timeout, err := time.ParseDuration(s.Timeout)
	if err != nil {
		log.Fatalf("invalid trial timeout %q: %v", s.Timeout, err)
	}

	dir, err := os.MkdirTemp("", "vmstress-")
	if err != nil {
		log.Fatalf("failed to create swap directory: %v", err)
	}
	defer os.RemoveAll(dir)

	var (
		results = make([]*result, s.Trials)
		g, ctx  = errgroup.WithContext(context.Background())
	)
	g.SetLimit(max(s.Parallel, 1))

	for trial := range s.Trials {
		g.Go(func() error {
			tctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			r, err := runTrial(tctx, s, dir, trial)
			if err != nil {
				return fmt.Errorf("trial %d: %w", trial, err)
			}
			results[trial] = r

			log.WithFields(logrus.Fields{
				"trial":     trial,
				"status":    r.status,
				"elapsed":   r.elapsed.Round(time.Millisecond),
				"faults":    r.stats.Faults,
				"evictions": r.stats.Evictions,
				"swapOuts":  r.stats.SwapOuts,
				"highWater": r.swap.HighWater,
			}).Info("trial finished")

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		log.Errorf("%v", err)
		os.Exit(1)
	}

	failed := 0
	for _, r := range results {
		if !r.known || r.status != 0 {
			failed++
		}
	}

	log.WithFields(logrus.Fields{
		"trials": s.Trials,
		"failed": failed,
	}).Info("done")

	if failed > 0 {
		os.Exit(1)
	}
}
