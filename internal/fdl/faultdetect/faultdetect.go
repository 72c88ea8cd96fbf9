/*-
 * Copyright © 2016-2017, Jörg Pernfuß <code.jpe@gmail.com>
 * Copyright © 2016, 1&1 Internet SE
 * All rights reserved.
 *
 * Use of this source code is governed by a 2-clause BSD license
 * that can be found in the LICENSE file.
 */

// Package faultdetect maintains a per-member, per-attribute sliding
// window of telemetry and emits alerts for 3-sigma excursions.
package faultdetect

import (
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/solnx/stream-fdl/internal/fdl/model"
	"github.com/solnx/stream-fdl/internal/fdl/ringbuffer"
	"github.com/solnx/stream-fdl/internal/fdl/watchlist"
)

// Alert is emitted when a member's current attribute values fall
// outside its recent sliding-window statistics.
type Alert struct {
	Member             model.Member
	AffectedAttributes []string
	Timestamp          time.Time
	Severity           int
}

// severity is fixed at one level; the taxonomy is left for the
// downstream Fault Trajectory Extractor to refine.
const severity = 1

// window tracks one member's per-attribute sliding windows, plus a
// fixed designated "first" attribute chosen once, at window creation,
// so that "the first attribute buffer is full" (spec.md §4.6) has a
// stable meaning even if the member later gains further attributes.
// Re-deriving "first" from map iteration order on every cycle would
// let a non-deterministic Go map read decide which buffer gates
// evaluation, which can pick an attribute added later than its
// siblings, whose buffer fills later, and so move the cycle on which
// evaluation starts from one cycle to the next.
type window struct {
	buffers  map[string]*ringbuffer.Buffer
	firstKey string
}

// FaultDetection samples the Watchlist on a fixed cycle, maintains
// per-member sliding windows, and accumulates alerts for the builder to
// collect via GetEmittedAlerts.
type FaultDetection struct {
	wl            *watchlist.Watchlist
	log           *logrus.Entry
	windowSize    int
	retireBlind   func(model.PrimaryKey)
	mu            sync.Mutex
	windows       map[model.PrimaryKey]*window
	alertsMu      sync.Mutex
	pendingAlerts []Alert
}

// New constructs a FaultDetection bound to wl, with windowSize as the
// moving-window capacity. retireBlindspot is called (outside any FD
// lock) to ask the Watchlist to drop a retired blindspot entry.
func New(wl *watchlist.Watchlist, windowSize int, retireBlindspot func(model.PrimaryKey)) *FaultDetection {
	return &FaultDetection{
		wl:          wl,
		log:         logrus.WithField("component", "faultdetect"),
		windowSize:  windowSize,
		retireBlind: retireBlindspot,
		windows:     make(map[model.PrimaryKey]*window),
	}
}

// Run is the FD background loop: snapshot, sample, evaluate, sleep the
// remainder of cycleInterval.
func (f *FaultDetection) Run(stop <-chan struct{}, cycleInterval time.Duration) {
	for {
		select {
		case <-stop:
			return
		default:
		}

		start := time.Now()
		f.Cycle()

		if remaining := cycleInterval - time.Since(start); remaining > 0 {
			select {
			case <-stop:
				return
			case <-time.After(remaining):
			}
		}
	}
}

func (f *FaultDetection) Cycle() {
	members := f.wl.GetMembers()

	var retire []model.PrimaryKey

	for _, obs := range members {
		key := obs.Proxy.PrimaryKey
		values := obs.Member.GetAttributes()

		f.mu.Lock()
		w, known := f.windows[key]
		if !known {
			w = &window{buffers: make(map[string]*ringbuffer.Buffer, len(values))}
			names := make([]string, 0, len(values))
			for name, v := range values {
				buf := ringbuffer.New(f.windowSize)
				buf.Push(v)
				w.buffers[name] = buf
				names = append(names, name)
			}
			sort.Strings(names)
			if len(names) > 0 {
				w.firstKey = names[0]
			}
			f.windows[key] = w
		} else {
			for name, v := range values {
				buf, ok := w.buffers[name]
				if !ok {
					buf = ringbuffer.New(f.windowSize)
					w.buffers[name] = buf
				}
				buf.Push(v)
			}
		}
		f.mu.Unlock()

		f.mu.Lock()
		firstBuf, ok := w.buffers[w.firstKey]
		firstFull := ok && firstBuf.Full()
		f.mu.Unlock()
		if !firstFull {
			continue
		}

		f.evaluate(obs, w)

		if obs.Type == watchlist.Blindspot {
			f.mu.Lock()
			delete(f.windows, key)
			f.mu.Unlock()
			retire = append(retire, key)
		}
	}

	for _, key := range retire {
		f.retireBlind(key)
	}
}

func (f *FaultDetection) evaluate(obs watchlist.Observed, w *window) {
	if node, ok := obs.Member.(*model.Node); ok && !node.Alive {
		f.appendAlert(Alert{Member: obs.Member, Timestamp: time.Now().UTC(), Severity: severity})
		return
	}

	f.mu.Lock()
	affected := make([]string, 0)
	for name, buf := range w.buffers {
		mean := buf.Mean()
		stddev := buf.StdDev(mean)
		current := buf.Current()
		// Non-strict bounds, guarded by stddev > 0: the population formula
		// puts a single outlier among N-1 identical neighbours at exactly
		// sqrt(N-1) sigma (3.0 sigma for a window of 10), never strictly
		// past it, since the window includes the outlier in its own
		// statistics. A strict > / < would silently never fire for the
		// single-point excursion this detector exists to catch. The guard
		// keeps a perfectly flat window (stddev == 0, current == mean)
		// from satisfying both non-strict bounds at once.
		if stddev > 0 && (current <= mean-3*stddev || current >= mean+3*stddev) {
			affected = append(affected, name)
		}
	}
	f.mu.Unlock()

	if len(affected) == 0 {
		return
	}
	f.appendAlert(Alert{
		Member:             obs.Member,
		AffectedAttributes: affected,
		Timestamp:          time.Now().UTC(),
		Severity:           severity,
	})
}

func (f *FaultDetection) appendAlert(a Alert) {
	f.alertsMu.Lock()
	defer f.alertsMu.Unlock()
	f.pendingAlerts = append(f.pendingAlerts, a)
}

// GetEmittedAlerts returns and clears the pending alert list.
func (f *FaultDetection) GetEmittedAlerts() []Alert {
	f.alertsMu.Lock()
	defer f.alertsMu.Unlock()
	out := f.pendingAlerts
	f.pendingAlerts = nil
	return out
}

// Reset empties all window state.
func (f *FaultDetection) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.windows = make(map[model.PrimaryKey]*window)
}
