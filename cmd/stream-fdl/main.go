/*-
 * Copyright © 2016-2017, Jörg Pernfuß <code.jpe@gmail.com>
 * Copyright © 2016, 1&1 Internet SE
 * All rights reserved.
 *
 * Use of this source code is governed by a 2-clause BSD license
 * that can be found in the LICENSE file.
 */

// Command stream-fdl is the runtime fault-localisation engine: it wires
// the Data Store, Watchlist, Fault Detection, and Dynamic Subgraph
// Builder together and drives them until SIGINT or SIGHUP.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	metrics "github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"

	"github.com/solnx/stream-fdl/internal/fdl/config"
	"github.com/solnx/stream-fdl/internal/fdl/datastore"
	"github.com/solnx/stream-fdl/internal/fdl/dsg"
	"github.com/solnx/stream-fdl/internal/fdl/faultdetect"
	"github.com/solnx/stream-fdl/internal/fdl/fte"
	"github.com/solnx/stream-fdl/internal/fdl/ipc"
	"github.com/solnx/stream-fdl/internal/fdl/model"
	"github.com/solnx/stream-fdl/internal/fdl/sag"
	"github.com/solnx/stream-fdl/internal/fdl/watchlist"
)

// Exit codes per spec.md §6.
const (
	exitOK             = 0
	exitArgumentError  = 1
	exitBadConfigFile  = 2
	exitFileOpenError  = 3
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	log := logrus.WithField("component", "main")

	holistic, cfgPath, err := parseArgs(args)
	if err != nil {
		log.Errorf("MAIN, argument error: %s", err)
		return exitArgumentError
	}

	if !strings.HasSuffix(cfgPath, ".json") {
		log.Errorf("MAIN, configuration file %q is not a .json file", cfgPath)
		return exitBadConfigFile
	}
	info, err := os.Stat(cfgPath)
	if err != nil {
		log.Errorf("MAIN, opening configuration file %q: %s", cfgPath, err)
		return exitFileOpenError
	}
	if !info.Mode().IsRegular() {
		log.Errorf("MAIN, configuration file %q is not a regular file", cfgPath)
		return exitBadConfigFile
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Errorf("MAIN, %s", err)
		return exitBadConfigFile
	}

	ipcClient, err := ipc.New(ipc.Config{
		ProjectID:       cfg.IPC.ProjectID,
		RetryConnection: cfg.IPC.RetryConnection,
		RetryAttempts:   cfg.IPC.RetryAttempts,
		RetryTimeoutMS:  cfg.IPC.RetryTimeoutMS,
		KafkaBrokers:    strings.Split(envOr("STREAM_FDL_KAFKA_BROKERS", "127.0.0.1:9092"), ","),
		ZookeeperNode:   envOr("STREAM_FDL_ZOOKEEPER", "127.0.0.1:2181"),
		ConsumerGroup:   fmt.Sprintf("stream-fdl-%d", cfg.IPC.ProjectID),
		RedisAddr:       envOr("STREAM_FDL_REDIS_ADDR", "127.0.0.1:6379"),
	})
	if err != nil {
		log.Fatalf("MAIN, %s", err)
	}
	defer ipcClient.Close()

	reg := metrics.NewRegistry()
	store := datastore.New(ipcClient, reg)

	wl := watchlist.New(store, cfg.IgnoreTopics, cfg.InitialWatchlistMembers)

	fdInterval := cfg.TargetInterval()
	fd := faultdetect.New(wl, cfg.FaultDetection.MovingWindowSize, wl.RemoveMember)

	sagBuilder := sag.New()
	fteClient := fte.New(os.Getenv("STREAM_FDL_FTE_DESTINATION"))

	cpuSource, err := store.GetCPUUtilisationSource(context.Background())
	if err != nil {
		log.Warnf("MAIN, could not subscribe to local CPU utilisation: %s", err)
	}

	knownFaultPrimaries := make([]model.PrimaryKey, 0, len(cfg.KnownFaultPrimaries))
	for _, key := range cfg.KnownFaultPrimaries {
		knownFaultPrimaries = append(knownFaultPrimaries, model.PrimaryKey(key))
	}

	builder := dsg.New(dsg.Config{
		Holistic:              holistic,
		BlindspotInterval:     cfg.BlindspotInterval,
		BlindspotCPUThreshold: cfg.BlindspotCPUThreshold,
		NrNormalisationValues: cfg.AlertRate.NrNormalisationValues,
		AbortionThreshold:     cfg.AlertRate.AbortionCriteriaThreshold,
		KnownFaultPrimaries:   knownFaultPrimaries,
		TargetInterval:        fdInterval,
	}, store, wl, fd, sagBuilder, fteClient, cpuSource, reg)

	if err := builder.Prime(context.Background()); err != nil {
		log.Fatalf("MAIN, holistic priming failed: %s", err)
	}

	stop := make(chan struct{})
	go func() {
		if err := ipcClient.Run(stop); err != nil {
			log.Errorf("MAIN, IPC consumer loop exited: %s", err)
		}
	}()
	go store.Run(stop, time.Second)
	go wl.Run(stop, time.Second)
	go fd.Run(stop, fdInterval)
	go builder.Run(stop)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGHUP)
	<-sig
	close(stop)

	return exitOK
}

func parseArgs(args []string) (holistic bool, cfgPath string, err error) {
	var mode string
	var rest []string
	for _, a := range args {
		switch a {
		case "--normal", "--holistic":
			if mode != "" {
				return false, "", fmt.Errorf("mode specified more than once")
			}
			mode = a
		default:
			rest = append(rest, a)
		}
	}
	if len(rest) != 1 {
		return false, "", fmt.Errorf("expected exactly one configuration file argument, got %d", len(rest))
	}
	return mode == "--holistic", filepath.Clean(rest[0]), nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
