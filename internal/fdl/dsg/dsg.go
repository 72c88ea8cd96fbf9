/*-
 * Copyright © 2016-2017, Jörg Pernfuß <code.jpe@gmail.com>
 * Copyright © 2016, 1&1 Internet SE
 * All rights reserved.
 *
 * Use of this source code is governed by a 2-clause BSD license
 * that can be found in the LICENSE file.
 */

// Package dsg is the Dynamic Subgraph Builder: the outer orchestrator
// that holds the Data Store, Watchlist, Fault Detection, and Suspicious
// Activity Graph and drives the main detection cycle. The subsystems'
// own background loops are started by the caller (cmd/stream-fdl).
package dsg

import (
	"context"
	"time"

	"github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"

	"github.com/solnx/stream-fdl/internal/fdl/datastore"
	"github.com/solnx/stream-fdl/internal/fdl/faultdetect"
	"github.com/solnx/stream-fdl/internal/fdl/fte"
	"github.com/solnx/stream-fdl/internal/fdl/ipc"
	"github.com/solnx/stream-fdl/internal/fdl/model"
	"github.com/solnx/stream-fdl/internal/fdl/ringbuffer"
	"github.com/solnx/stream-fdl/internal/fdl/sag"
	"github.com/solnx/stream-fdl/internal/fdl/watchlist"
)

// abortState is the abort-criterion state machine's current state
// (spec.md §4.8 abort table).
type abortState int

const (
	stateIdle abortState = iota
	stateActive
)

// Config parameterises one Builder's cycle behaviour, sourced from the
// JSON configuration (internal/fdl/config).
type Config struct {
	Holistic bool

	BlindspotInterval     int
	BlindspotCPUThreshold float64

	NrNormalisationValues int
	AbortionThreshold     float64

	// KnownFaultPrimaries, when non-empty, gives the abort criterion a
	// secondary trigger: abort fires as soon as the Suspicious Activity
	// Graph contains every listed primary key, independent of the
	// alert-rate mean.
	KnownFaultPrimaries []model.PrimaryKey

	TargetInterval time.Duration
}

// Builder owns the four subsystems and drives the orchestrator cycle.
type Builder struct {
	cfg   Config
	log   *logrus.Entry
	store *datastore.Store
	wl    *watchlist.Watchlist
	fd    *faultdetect.FaultDetection
	sag   *sag.SAG
	fte   *fte.Client

	cpuSource        ipc.AttributeChannel
	lastCPU          float64
	blindspotCounter int

	alertRing *ringbuffer.Buffer
	state     abortState
	metrics   metrics.Registry
}

// New wires a Builder around its four subsystems. cpuSource is the
// continuous CPU-utilisation channel obtained from the Data Store. reg
// is the shared metrics registry also used by the Data Store.
func New(cfg Config, store *datastore.Store, wl *watchlist.Watchlist, fd *faultdetect.FaultDetection, s *sag.SAG, f *fte.Client, cpuSource ipc.AttributeChannel, reg metrics.Registry) *Builder {
	return &Builder{
		cfg:       cfg,
		log:       logrus.WithField("component", "dsg"),
		store:     store,
		wl:        wl,
		fd:        fd,
		sag:       s,
		fte:       f,
		cpuSource: cpuSource,
		alertRing: ringbuffer.New(maxInt(cfg.NrNormalisationValues, 2)),
		state:     stateIdle,
		metrics:   reg,
	}
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// Prime pre-populates the Watchlist for holistic mode: every member the
// Data Store currently knows about is added as Initial, and the
// CPU-gated blindspot scan is skipped for the builder's lifetime.
func (b *Builder) Prime(ctx context.Context) error {
	if !b.cfg.Holistic {
		return nil
	}
	ptrs, err := b.store.GetAllMembers(ctx)
	if err != nil {
		return err
	}
	for _, ptr := range ptrs {
		b.wl.AddMemberAsync(ptr.Proxy(), watchlist.Initial)
		ptr.Release()
	}
	return nil
}

// Run drives the orchestrator cycle until stop is closed.
func (b *Builder) Run(stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		default:
		}

		start := time.Now()
		b.cycle(context.Background())

		if remaining := b.cfg.TargetInterval - time.Since(start); remaining > 0 {
			select {
			case <-stop:
				return
			case <-time.After(remaining):
			}
		}
	}
}

func (b *Builder) cycle(ctx context.Context) {
	metrics.GetOrRegisterMeter(`/dsg/heartbeat`, b.metrics).Mark(1)

	b.sampleCPU()

	if !b.cfg.Holistic && b.blindspotCounter == 0 && b.lastCPU < b.cfg.BlindspotCPUThreshold {
		b.scanBlindspots(ctx)
	}
	if b.cfg.BlindspotInterval > 0 {
		b.blindspotCounter = (b.blindspotCounter + 1) % b.cfg.BlindspotInterval
	}

	alerts := b.fd.GetEmittedAlerts()
	if len(alerts) > 0 {
		metrics.GetOrRegisterMeter(`/dsg/alerts-processed.per.second`, b.metrics).Mark(int64(len(alerts)))
	}

	newAlerts := 0
	for _, a := range alerts {
		if !b.sag.Contains(a.Member.Proxy()) {
			newAlerts++
		}
	}
	b.alertRing.Push(float64(newAlerts))

	if b.evaluateAbort() {
		b.abort(ctx)
		// spec.md §4.8 step 5: "drain last-moment alerts and append
		// them" — alerts FD emitted between the abort decision and the
		// reset above are appended to the now-empty SAG exactly like any
		// other cycle's alerts, not discarded.
		if strays := b.fd.GetEmittedAlerts(); len(strays) > 0 {
			b.extendSAG(ctx, strays)
		}
		return
	}

	if len(alerts) > 0 {
		b.extendSAG(ctx, alerts)
	}
}

func (b *Builder) sampleCPU() {
	if b.cpuSource == nil {
		return
	}
	samples := b.cpuSource.Drain()
	for _, s := range samples {
		if s.Kind == ipc.Numerical {
			b.lastCPU = s.Number
		}
	}
}

func (b *Builder) scanBlindspots(ctx context.Context) {
	view, err := b.store.GetFullGraphView(ctx)
	if err != nil {
		b.log.Warnf("DSG, blindspot scan, graph view request failed: %s", err)
		return
	}
	metrics.GetOrRegisterMeter(`/dsg/blindspot-scans.per.second`, b.metrics).Mark(1)
	for _, proxy := range enumerateBlindspots(view) {
		if err := b.wl.AddMemberSync(ctx, proxy, watchlist.Blindspot); err != nil {
			b.log.Warnf("DSG, blindspot adoption of %s failed: %s", proxy.PrimaryKey, err)
		}
	}
}

// evaluateAbort advances the abort-criterion state machine by one cycle
// and reports whether an abort should fire this cycle. A configured set
// of known-fault primaries gives it a secondary, immediate trigger: once
// the SAG covers all of them, abort fires regardless of state.
func (b *Builder) evaluateAbort() bool {
	if b.knownFaultCovered() {
		b.state = stateIdle
		return true
	}

	mean := b.alertRing.Mean()
	if b.cfg.NrNormalisationValues <= 1 {
		// The ring holds at least two values; with a single
		// normalisation value only the latest cycle's count is compared.
		mean = b.alertRing.Current()
	}
	switch b.state {
	case stateIdle:
		if mean > b.cfg.AbortionThreshold {
			b.state = stateActive
			b.alertRing.Reset()
		}
		return false
	case stateActive:
		if mean <= b.cfg.AbortionThreshold {
			b.state = stateIdle
			return true
		}
		return false
	}
	return false
}

// knownFaultCovered reports whether every configured known-fault primary
// is currently a SAG member. Always false when none are configured.
func (b *Builder) knownFaultCovered() bool {
	if len(b.cfg.KnownFaultPrimaries) == 0 {
		return false
	}
	for _, key := range b.cfg.KnownFaultPrimaries {
		if !b.sag.Contains(model.MemberProxy{PrimaryKey: key}) {
			return false
		}
	}
	return true
}

func (b *Builder) abort(ctx context.Context) {
	metrics.GetOrRegisterMeter(`/dsg/abort.per.second`, b.metrics).Mark(1)
	b.fte.Notify(b.sag.Members())

	b.fd.Reset()
	b.wl.Reset()
	b.sag.Reset()
}

func (b *Builder) extendSAG(ctx context.Context, alerts []faultdetect.Alert) {
	for _, a := range alerts {
		ptr, err := b.store.Get(ctx, a.Member.Proxy())
		if err != nil {
			b.log.Warnf("DSG, resolving alerted member %s: %s", a.Member.Proxy().PrimaryKey, err)
			continue
		}
		if !b.sag.Add(ptr) {
			continue
		}
		for _, neighbour := range b.sag.Incoming(ptr.Member()) {
			b.wl.AddMemberAsync(neighbour, watchlist.Normal)
		}
	}
}
