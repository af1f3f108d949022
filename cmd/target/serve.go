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

package main

import (
	"context"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/avast/retry-go"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/lightbitslabs/i10-target/internal/config"
	"github.com/lightbitslabs/i10-target/internal/logging"
	"github.com/lightbitslabs/i10-target/internal/portwatch"
	"github.com/lightbitslabs/i10-target/pkg/discovery"
	"github.com/lightbitslabs/i10-target/pkg/executor"
	appmetrics "github.com/lightbitslabs/i10-target/pkg/metrics"
	"github.com/lightbitslabs/i10-target/pkg/queue"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Accept NVMe-over-TCP connections and serve I/O",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(newViper(), cfgFile)
	if err != nil {
		return err
	}
	if err := logging.SetupLogging(cfg.Logging); err != nil {
		return err
	}
	queue.LogCaravanDetail = cfg.Logging.LogCaravanDetail

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.MetricsAddr != "" {
		go serveMetrics(cfg.MetricsAddr)
	}

	registry := discovery.NewRegistry(appmetrics.Metrics)
	exec := executor.NewMemoryExecutor()
	exec.SetNotifier(&aenBroadcaster{registry: registry})

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return err
	}
	logrus.WithField("addr", cfg.ListenAddr).Infof("target listening")

	port := queue.NewPort(queue.PortConfig{
		Listener: ln,
		Registry: registry,
		Executor: exec,
		Metrics:  appmetrics.Metrics,
		SQSize:   cfg.SQSize,
	})

	if cfg.PortConfigFile != "" {
		go watchPortConfig(ctx, cfg.PortConfigFile)
	}

	serveErr := make(chan error, 1)
	go func() { serveErr <- port.Serve() }()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serveErr:
		return err
	case s := <-sig:
		logrus.WithField("signal", s).Infof("shutting down")
		return port.Close()
	}
}

// aenBroadcaster adapts the executor's namespace-change hook onto the
// registry's AEN fan-out, so a write on any queue can wake every admin
// queue's pending AsyncEventRequest (spec.md's SUPPLEMENTED FEATURES).
type aenBroadcaster struct {
	registry *discovery.Registry
}

func (b *aenBroadcaster) NotifyNamespaceChanged(nsid uint32) {
	b.registry.BroadcastAEN(discovery.AsyncEvent{EventInfo: uint8(nsid)})
}

func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	if err := http.ListenAndServe(addr, mux); err != nil {
		logrus.WithError(err).Errorf("metrics server exited")
	}
}

// watchPortConfig watches the port yaml file and logs each reload,
// retrying the initial watch setup since the file may not exist yet at
// process start. It does not bind or close any listener.
func watchPortConfig(ctx context.Context, path string) {
	err := retry.Do(func() error {
		_, err := os.Stat(path)
		return err
	}, retry.Attempts(5), retry.Context(ctx))
	if err != nil {
		logrus.WithError(err).Warnf("port config file %q never appeared, skipping hot-reload", path)
		return
	}

	events, err := portwatch.WatchPorts(ctx, path)
	if err != nil {
		logrus.WithError(err).Errorf("failed to watch port config %q", path)
		return
	}
	for cfg := range events {
		logrus.WithField("ports", len(cfg.Ports)).Infof("port config reloaded")
		// The reload is only logged: no port in cfg.Ports is bound
		// and no listener is closed.
	}
}
