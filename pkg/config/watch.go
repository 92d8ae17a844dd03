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
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	k8swatch "k8s.io/apimachinery/pkg/watch"

	cfgapi "github.com/nachosvm/nachos/pkg/apis/config/v1alpha1"
)

// EventType is the type of a configuration watch event.
type EventType string

const (
	// Added is sent when the configuration file is created or updated.
	Added EventType = "ADDED"
	// Deleted is sent when the configuration file is removed or renamed.
	Deleted EventType = "DELETED"
	// Error is sent when the watch itself fails.
	Error EventType = "ERROR"
)

// Event is a configuration change.
type Event struct {
	Type   EventType
	Config *cfgapi.KernelConfig
}

// Watch monitors a configuration file for changes.
type Watch struct {
	dir      string
	file     string
	fsw      *fsnotify.Watcher
	resultC  chan Event
	stopOnce sync.Once
	stopC    chan struct{}
	doneC    chan struct{}
}

// NewWatch creates a watch for the given configuration file. The current
// contents of the file, if any, are delivered as the first Added event.
// Updates that fail to parse or validate are logged and skipped.
func NewWatch(file string) (*Watch, error) {
	absPath, err := filepath.Abs(file)
	if err != nil {
		return nil, err
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	if err = fsw.Add(filepath.Dir(absPath)); err != nil {
		fsw.Close()
		return nil, err
	}

	w := &Watch{
		dir:     filepath.Dir(absPath),
		file:    filepath.Base(absPath),
		fsw:     fsw,
		resultC: make(chan Event, k8swatch.DefaultChanSize),
		stopC:   make(chan struct{}),
		doneC:   make(chan struct{}),
	}

	cfg, err := w.read()
	switch {
	case err == nil:
		w.send(Added, cfg)
	case !errors.Is(err, fs.ErrNotExist):
		fsw.Close()
		return nil, err
	}

	go w.run()

	return w, nil
}

// Stop stops the watch.
func (w *Watch) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopC)
		<-w.doneC
	})
}

// ResultChan returns the channel for receiving events from the watch.
func (w *Watch) ResultChan() <-chan Event {
	return w.resultC
}

func (w *Watch) run() {
	defer func() {
		close(w.resultC)
		close(w.doneC)
	}()

	for {
		select {
		case <-w.stopC:
			if err := w.fsw.Close(); err != nil {
				log.Warn("%s failed to close fsnotify watcher: %v", w.name(), err)
			}
			return

		case err, ok := <-w.fsw.Errors:
			if ok {
				log.Warn("%s fsnotify error: %v", w.name(), err)
			}

		case e, ok := <-w.fsw.Events:
			if !ok {
				w.send(Error, nil)
				return
			}

			log.Debug("%s got event %+v", w.name(), e)

			if filepath.Base(e.Name) != w.file {
				continue
			}

			switch {
			case e.Op&(fsnotify.Create|fsnotify.Write) != 0:
				cfg, err := w.read()
				if err != nil {
					log.Error("%s ignoring update: %v", w.name(), err)
					continue
				}
				w.send(Added, cfg)

			case e.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
				w.send(Deleted, nil)
			}
		}
	}
}

func (w *Watch) send(t EventType, cfg *cfgapi.KernelConfig) {
	select {
	case w.resultC <- Event{Type: t, Config: cfg}:
	default:
		log.Warn("%s failed to deliver %s event", w.name(), t)
	}
}

func (w *Watch) read() (*cfgapi.KernelConfig, error) {
	data, err := os.ReadFile(filepath.Join(w.dir, w.file))
	if err != nil {
		return nil, err
	}
	return Unmarshal(data)
}

func (w *Watch) name() string {
	return "config-watch:" + filepath.Join(w.dir, w.file)
}
