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

package instrumentation

import (
	"fmt"
	"sync"

	cfgapi "github.com/nachosvm/nachos/pkg/apis/config/v1alpha1/instrumentation"
	"github.com/nachosvm/nachos/pkg/healthz"
	"github.com/nachosvm/nachos/pkg/http"
	"github.com/nachosvm/nachos/pkg/instrumentation/metrics"
	"github.com/nachosvm/nachos/pkg/instrumentation/tracing"
	logger "github.com/nachosvm/nachos/pkg/log"
)

const (
	// ServiceName is our service name in tracing.
	ServiceName = "nachos"
)

// KeyValue aliases tracing.KeyValue, for SetIdentity().
type KeyValue = tracing.KeyValue

var (
	// Our runtime configuration.
	cfg = &cfgapi.Config{}
	// Lock to protect against reconfiguration.
	lock sync.RWMutex
	// Our HTTP server instance.
	srv = http.NewServer()
	// Our logger instance.
	log = logger.NewLogger("instrumentation")

	// Our identity for instrumentation.
	identity []KeyValue

	// Attribute returns a string identity attribute for SetIdentity().
	Attribute = tracing.String
)

// HTTPServer returns our HTTP server.
func HTTPServer() *http.Server {
	return srv
}

// SetIdentity sets (extra) identity attributes for tracing.
func SetIdentity(attrs ...KeyValue) {
	identity = attrs
}

// Start our instrumentation services.
func Start() error {
	log.Info("starting instrumentation services...")

	lock.Lock()
	defer lock.Unlock()

	return start()
}

// Stop our instrumentation services.
func Stop() {
	lock.Lock()
	defer lock.Unlock()

	stop()
}

// Restart our instrumentation services.
func Restart() error {
	lock.Lock()
	defer lock.Unlock()

	stop()

	err := start()
	if err != nil {
		log.Error("failed to start instrumentation: %v", err)
	}

	return err
}

// Reconfigure our instrumentation services.
func Reconfigure(newCfg *cfgapi.Config) error {
	lock.Lock()
	if newCfg == nil {
		newCfg = &cfgapi.Config{}
	}
	cfg = newCfg
	lock.Unlock()

	return Restart()
}

func start() error {
	if err := srv.Start(cfg.HTTPEndpoint); err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}

	if cfg.Tracing {
		if err := tracing.Start(
			tracing.WithServiceName(ServiceName),
			tracing.WithIdentity(identity...),
		); err != nil {
			return fmt.Errorf("failed to start tracing: %w", err)
		}
	}

	if cfg.HTTPEndpoint == "" {
		return nil
	}

	mux := srv.GetMux()
	healthz.Setup(mux)

	if err := metrics.Start(mux, metrics.WithMetrics(cfg.Metrics)); err != nil {
		return fmt.Errorf("failed to start metrics: %w", err)
	}

	return nil
}

func stop() {
	tracing.Stop()
	srv.Stop()
}
