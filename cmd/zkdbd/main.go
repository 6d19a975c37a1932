/*
 * Copyright 2024 The zkDatabase Authors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/harris1111/zkDatabase/chainbus"
	"github.com/harris1111/zkDatabase/conf"
	"github.com/harris1111/zkDatabase/pipeline"
	"github.com/harris1111/zkDatabase/queue"
	"github.com/harris1111/zkDatabase/rollup"
	"github.com/harris1111/zkDatabase/sequencer"
	"github.com/harris1111/zkDatabase/storage"
	"github.com/harris1111/zkDatabase/types"
	"github.com/harris1111/zkDatabase/utils"
	"github.com/harris1111/zkDatabase/utils/log"
)

const name = "zkdbd"

var (
	version = "unknown"

	// config
	configFile    string
	database      string
	metricsListen string
	showVersion   bool
	logLevel      string
)

func init() {
	flag.StringVar(&configFile, "config", "~/.zkdb/config.yaml", "Config file path")
	flag.StringVar(&database, "database", "", "Restrict prover workers to one database")
	flag.StringVar(&metricsListen, "metrics-listen", "127.0.0.1:4665", "Listen address for metrics and health endpoints")
	flag.BoolVar(&showVersion, "version", false, "Show version information and exit")
	flag.StringVar(&logLevel, "log-level", "", "Service log level")
}

// service holds the assembled core of one zkdbd process. The pipeline is
// the mutation entry point for an embedding api layer; this daemon itself
// only drives the prover workers and the rollup coordinator.
type service struct {
	pool     *storage.Pool
	pipeline *pipeline.Pipeline
	queue    *queue.Model
	rollup   *rollup.Coordinator
	bus      chainbus.Bus
	workers  []*queue.Worker
}

func assemble(cfg *conf.Config) (s *service, err error) {
	s = &service{
		pool: storage.NewPool(),
		bus:  chainbus.New(),
	}

	docStore, err := s.pool.Open(storage.RoleDocument, cfg.Storage.DocumentDSN)
	if err != nil {
		return nil, err
	}
	queueStore, err := s.pool.Open(storage.RoleQueue, cfg.Storage.QueueDSN)
	if err != nil {
		return nil, err
	}
	seq, err := sequencer.New(docStore)
	if err != nil {
		return nil, err
	}
	if s.queue, err = queue.NewModel(queueStore); err != nil {
		return nil, err
	}
	if s.rollup, err = rollup.NewCoordinator(queueStore, s.queue, nil, s.bus); err != nil {
		return nil, err
	}
	if s.pipeline, err = pipeline.New(s.pool, seq, s.queue, pipeline.Config{
		TreeHeight:    cfg.Merkle.TreeHeight,
		CacheSize:     cfg.Merkle.CacheSize,
		CommitTimeout: cfg.CommitTimeout,
	}); err != nil {
		return nil, err
	}

	for i := 0; i < cfg.Worker.Count; i++ {
		s.workers = append(s.workers, queue.NewWorker(
			s.queue, commitmentProver{}, s.rollup, s.bus, queue.WorkerConfig{
				Database:      database,
				BackoffBase:   cfg.Worker.BackoffBase,
				BackoffCap:    cfg.Worker.BackoffCap,
				BackoffJitter: cfg.Worker.BackoffJitter,
				MaxEmptyPolls: cfg.Worker.MaxEmptyPolls,
			}))
	}

	// Surface worker outcomes in the process log.
	if err = s.bus.Subscribe(chainbus.TopicTransitionProved, func(task *types.QueueTask, payload *types.TransitionPayload) {
		log.WithFields(log.Fields{
			"database":  task.DatabaseName,
			"operation": payload.OperationNumber,
			"root":      payload.MerkleRootNew.String(),
		}).Info("transition proved")
	}); err != nil {
		return nil, err
	}
	if err = s.bus.Subscribe(chainbus.TopicTransitionFailed, func(task *types.QueueTask, cause error) {
		log.WithFields(log.Fields{
			"database": task.DatabaseName,
			"task":     task.ID,
		}).WithError(cause).Warning("transition failed")
	}); err != nil {
		return nil, err
	}
	return
}

func main() {
	flag.Parse()
	rand.Seed(time.Now().UnixNano())
	log.SetStringLevel(logLevel, log.InfoLevel)
	if showVersion {
		fmt.Printf("%v %v %v %v %v\n",
			name, version, runtime.GOOS, runtime.GOARCH, runtime.Version())
		os.Exit(0)
	}

	configFile = utils.HomeDirExpand(configFile)

	var err error
	conf.GConf, err = conf.LoadConfig(configFile)
	if err != nil {
		log.WithField("config", configFile).WithError(err).Fatal("load config failed")
	}
	if logLevel == "" && conf.GConf.LogLevel != "" {
		log.SetStringLevel(conf.GConf.LogLevel, log.InfoLevel)
	}

	s, err := assemble(conf.GConf)
	if err != nil {
		log.WithError(err).Fatal("assemble service failed")
	}
	defer s.pool.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	httpServer := &http.Server{Addr: metricsListen, Handler: mux}
	go func() {
		if herr := httpServer.ListenAndServe(); herr != nil && herr != http.ErrServerClosed {
			log.WithError(herr).Error("metrics endpoint failed")
		}
	}()

	var wg sync.WaitGroup
	for i, w := range s.workers {
		wg.Add(1)
		go func(i int, w *queue.Worker) {
			defer wg.Done()
			if werr := w.Run(ctx); werr != nil && werr != context.Canceled {
				log.WithError(werr).Errorf("worker %d stopped", i)
				stop()
			}
		}(i, w)
	}

	log.WithFields(log.Fields{
		"version": version,
		"workers": len(s.workers),
		"metrics": metricsListen,
	}).Info("zkdbd started")

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	httpServer.Shutdown(shutdownCtx)
	wg.Wait()
	log.Info("zkdbd stopped")
}
