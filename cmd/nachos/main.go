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
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/nachosvm/nachos/pkg/config"
	"github.com/nachosvm/nachos/pkg/healthz"
	"github.com/nachosvm/nachos/pkg/instrumentation"
	"github.com/nachosvm/nachos/pkg/kernel"
	logger "github.com/nachosvm/nachos/pkg/log"
	"github.com/nachosvm/nachos/pkg/machine"
	"github.com/nachosvm/nachos/pkg/metrics"
	"github.com/nachosvm/nachos/pkg/programs"
	"github.com/nachosvm/nachos/pkg/vm"

	cfgapi "github.com/nachosvm/nachos/pkg/apis/config/v1alpha1"
)

const (
	configEnvVar = "NACHOS_CONFIG"
)

var (
	log = logger.Get("nachos")
)

func main() {
	var (
		configFile = os.Getenv(configEnvVar)
		root       string
		list       bool
	)

	flag.StringVar(&configFile, "config", configFile, "configuration file, defaults to $"+configEnvVar)
	flag.StringVar(&root, "root", "", "program to start as the root process, overrides configuration")
	flag.BoolVar(&list, "list-programs", false, "list built-in programs and exit")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [options] [root arguments...]\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	lib := programs.Default()
	if list {
		fmt.Println(strings.Join(lib.Names(), "\n"))
		return
	}

	os.Exit(run(lib, configFile, root, flag.Args()))
}

func run(lib *programs.Library, configFile, root string, args []string) int {
	cfg, err := config.Load(configFile)
	if err != nil {
		log.Error("failed to load configuration: %v", err)
		return 1
	}

	spec := &cfg.Spec
	if root != "" {
		spec.Process.Root = root
	}
	if len(args) > 0 {
		spec.Process.Args = args
	}

	if err := logger.Configure(&spec.Log); err != nil {
		log.Error("failed to configure logging: %v", err)
		return 1
	}

	k, err := kernel.New(spec,
		kernel.WithLoader(lib),
		kernel.WithProcessor(lib),
		kernel.WithConsole(machine.NewConsole(os.Stdin, os.Stdout)),
	)
	if err != nil {
		log.Error("failed to create kernel: %v", err)
		return 1
	}

	metrics.MustRegister("paging", vm.NewCollector(k.Pager()), metrics.WithGroup("vm"))
	metrics.MustRegister("processes", kernel.NewCollector(k), metrics.WithGroup("kernel"))
	healthz.RegisterHealthChecker("kernel", k.HealthCheck)

	instrumentation.SetIdentity(
		instrumentation.Attribute("root", spec.Process.Root),
		instrumentation.Attribute("config", configFile),
	)
	if err := instrumentation.Reconfigure(&spec.Instrumentation); err != nil {
		log.Error("failed to start instrumentation: %v", err)
		_ = k.Halt()
		return 1
	}
	defer instrumentation.Stop()

	if configFile != "" {
		w, err := config.NewWatch(configFile)
		if err != nil {
			log.Warn("not watching configuration: %v", err)
		} else {
			defer w.Stop()
			go watchConfig(w, spec)
		}
	}

	go handleSignals(k)

	p, err := k.Start(spec.Process.Root, spec.Process.Args)
	if err != nil {
		log.Error("failed to start %s: %v", spec.Process.Root, err)
		_ = k.Halt()
		return 1
	}

	if err := k.Wait(); err != nil {
		log.Error("%v", err)
		return 1
	}

	status, known := p.ExitStatus()
	if !known {
		log.Info("%s terminated without exit status", spec.Process.Root)
		return 0
	}

	log.Info("%s exited with status %d", spec.Process.Root, status)

	return status & 0xff
}

// watchConfig applies runtime-changeable parts of updated configuration.
// Machine geometry, swap and process settings take effect on next boot.
func watchConfig(w *config.Watch, current *cfgapi.KernelConfigSpec) {
	for e := range w.ResultChan() {
		switch e.Type {
		case config.Added:
			spec := &e.Config.Spec
			if err := logger.Configure(&spec.Log); err != nil {
				log.Error("failed to reconfigure logging: %v", err)
			}
			if err := instrumentation.Reconfigure(&spec.Instrumentation); err != nil {
				log.Error("failed to reconfigure instrumentation: %v", err)
			}
			if spec.Machine != current.Machine || spec.Swap.File != current.Swap.File {
				log.Warn("machine and swap configuration changes take effect on next boot")
			}
		case config.Deleted:
			log.Warn("configuration file removed, keeping current configuration")
		case config.Error:
			log.Error("configuration watch failed")
		}
	}
}

func handleSignals(k *kernel.Kernel) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM, syscall.SIGUSR1)

	for {
		select {
		case <-k.Done():
			signal.Stop(ch)
			return
		case sig := <-ch:
			if sig == syscall.SIGUSR1 {
				dumpState(k)
				continue
			}
			log.Info("received %s, halting", sig)
			go k.Halt()
		}
	}
}

func dumpState(k *kernel.Kernel) {
	details := logger.Get("vm-details")
	defer details.EnableDebug(details.EnableDebug(true))

	pager := k.Pager()
	pager.Frames().DumpState("")
	if swap := pager.Swap(); swap != nil {
		swap.DumpState("")
	}
	log.Info("processes: %v", k.Processes())
}
