// Copyright 2016--2022 Lightbits Labs Ltd.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// you may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package portwatch hot-reloads the target's listen-port configuration
// file, generalized from the teacher's discovery-service client config
// watcher (pkg/clientconfig/watcher.go) to this target's own port.yaml
// (spec.md §6's add_port/remove_port driven by file edits rather than
// an admin API call).
package portwatch

import (
	"context"
	"os"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// EventOp names the kind of filesystem change observed.
type EventOp string

const (
	Create EventOp = "Create"
	Remove EventOp = "Remove"
	Modify EventOp = "Modify"
	Rename EventOp = "Rename"
	Chmod  EventOp = "Chmod"
)

// Event is a single raw filesystem change on the watched port file.
type Event struct {
	Name string
	Op   EventOp
}

// PortEntry describes one listen port this target should serve,
// parsed from port.yaml.
type PortEntry struct {
	Addr     string `yaml:"addr"`
	NQN      string `yaml:"nqn"`
	SQSize   uint16 `yaml:"sqSize"`
	Disabled bool   `yaml:"disabled,omitempty"`
}

// Config is the decoded shape of the whole port configuration file.
type Config struct {
	Ports []PortEntry `yaml:"ports"`
}

// FileWatcher emits raw filesystem change events for a watched path.
type FileWatcher struct {
	watcher *fsnotify.Watcher
}

// Watch starts watching path and returns a channel of raw change
// events; callers that care about parsed port configuration should use
// WatchPorts instead.
func (w *FileWatcher) Watch(ctx context.Context, path string) (<-chan *Event, error) {
	var err error
	w.watcher, err = fsnotify.NewWatcher()
	if err != nil {
		logrus.WithError(err).Errorf("failed to create watcher")
		return nil, err
	}

	if err := w.watcher.Add(path); err != nil {
		logrus.WithError(err).Errorf("failed to watch %q", path)
		return nil, err
	}

	ch := make(chan *Event)
	go func() {
		defer w.watcher.Close()
		for {
			select {
			case event, ok := <-w.watcher.Events:
				if !ok {
					return
				}
				e := &Event{Name: event.Name}
				switch {
				case event.Op&fsnotify.Create == fsnotify.Create:
					e.Op = Create
				case event.Op&fsnotify.Write == fsnotify.Write:
					e.Op = Modify
				case event.Op&fsnotify.Remove == fsnotify.Remove:
					e.Op = Remove
				case event.Op&fsnotify.Rename == fsnotify.Rename:
					e.Op = Rename
				case event.Op&fsnotify.Chmod == fsnotify.Chmod:
					e.Op = Chmod
				}
				ch <- e
			case err, ok := <-w.watcher.Errors:
				if !ok {
					return
				}
				logrus.WithError(err).Errorf("fsnotify error")
			case <-ctx.Done():
				return
			}
		}
	}()

	return ch, nil
}

// WatchPorts watches path for changes and delivers the freshly parsed
// Config after every write/create event, plus once immediately for the
// file's current contents.
func WatchPorts(ctx context.Context, path string) (<-chan Config, error) {
	fw := &FileWatcher{}
	raw, err := fw.Watch(ctx, path)
	if err != nil {
		return nil, err
	}

	out := make(chan Config)
	emit := func() {
		cfg, err := parsePortFile(path)
		if err != nil {
			logrus.WithError(err).Warnf("failed to parse %q, keeping previous port config", path)
			return
		}
		select {
		case out <- cfg:
		case <-ctx.Done():
		}
	}

	go func() {
		emit()
		for {
			select {
			case ev, ok := <-raw:
				if !ok {
					close(out)
					return
				}
				if ev.Op == Modify || ev.Op == Create {
					emit()
				}
			case <-ctx.Done():
				close(out)
				return
			}
		}
	}()
	return out, nil
}

func parsePortFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
