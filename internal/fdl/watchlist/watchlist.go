/*-
 * Copyright © 2016-2017, Jörg Pernfuß <code.jpe@gmail.com>
 * Copyright © 2016, 1&1 Internet SE
 * All rights reserved.
 *
 * Use of this source code is governed by a 2-clause BSD license
 * that can be found in the LICENSE file.
 */

// Package watchlist owns the dynamic set of members currently under
// fault-detection observation.
package watchlist

import (
	"context"
	"sync"
	"time"

	"github.com/mjolnir42/delay"
	"github.com/sirupsen/logrus"

	"github.com/solnx/stream-fdl/internal/fdl/datastore"
	"github.com/solnx/stream-fdl/internal/fdl/model"
)

// EntryType classifies why a member is under observation.
type EntryType int

// Entry types. Upgrades only ever move Blindspot -> Normal/Initial
// (spec.md I4); there is no path back down to Blindspot.
const (
	Normal EntryType = iota
	Initial
	Blindspot
)

func (t EntryType) String() string {
	switch t {
	case Normal:
		return "normal"
	case Initial:
		return "initial"
	case Blindspot:
		return "blindspot"
	default:
		return "unknown"
	}
}

type entry struct {
	typ EntryType
	ptr datastore.MemberPtr
}

// Observed is a snapshot view of one watched member, for consumption by
// fault detection.
type Observed struct {
	Proxy  model.MemberProxy
	Type   EntryType
	Member model.Member
}

// Watchlist is the observed subset of the graph. It is safe for
// concurrent use.
type Watchlist struct {
	store *datastore.Store
	log   *logrus.Entry

	ignoreTopics map[string]bool
	initialNames []string

	mu      sync.Mutex
	entries map[model.PrimaryKey]*entry

	pending *delay.Delay
}

// New constructs an empty Watchlist bound to store. ignoreTopics names
// topics (by display name) that must never be added. initialNames lists
// the display names Run resolves into Initial entries at startup.
func New(store *datastore.Store, ignoreTopics, initialNames []string) *Watchlist {
	ignore := make(map[string]bool, len(ignoreTopics))
	for _, n := range ignoreTopics {
		ignore[n] = true
	}
	return &Watchlist{
		store:        store,
		log:          logrus.WithField("component", "watchlist"),
		ignoreTopics: ignore,
		initialNames: initialNames,
		entries:      make(map[model.PrimaryKey]*entry),
		pending:      delay.New(),
	}
}

// AddMemberSync resolves proxy via the Data Store and inserts it with the
// given type, synchronously. Ignored topics are dropped silently.
// Re-adding an already-present key upgrades its type only if it is
// currently Blindspot; any other case leaves the entry unchanged.
func (w *Watchlist) AddMemberSync(ctx context.Context, proxy model.MemberProxy, typ EntryType) error {
	ptr, err := w.store.Get(ctx, proxy)
	if err != nil {
		return err
	}
	if !ptr.Valid() {
		return nil
	}
	if proxy.IsTopic && w.ignoreTopics[ptr.Member().DisplayName()] {
		ptr.Release()
		return nil
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if existing, ok := w.entries[proxy.PrimaryKey]; ok {
		if existing.typ == Blindspot && typ != Blindspot {
			existing.typ = typ
		}
		ptr.Release()
		return nil
	}
	w.entries[proxy.PrimaryKey] = &entry{typ: typ, ptr: ptr}
	return nil
}

// AddMemberAsync enqueues AddMemberSync work, tracked so Reset can drain
// any in-flight insertion before clearing the watchlist.
func (w *Watchlist) AddMemberAsync(proxy model.MemberProxy, typ EntryType) {
	w.pending.Use()
	go func() {
		defer w.pending.Done()
		if err := w.AddMemberSync(context.Background(), proxy, typ); err != nil {
			w.log.Warnf("Watchlist, async add of %s failed: %s", proxy.PrimaryKey, err)
		}
	}()
}

// RemoveMember removes and releases the entry for key, if present.
func (w *Watchlist) RemoveMember(key model.PrimaryKey) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if e, ok := w.entries[key]; ok {
		e.ptr.Release()
		delete(w.entries, key)
	}
}

// Contains reports whether key is currently observed.
func (w *Watchlist) Contains(key model.PrimaryKey) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.entries[key]
	return ok
}

// GetMembers returns a point-in-time snapshot of every observed member.
func (w *Watchlist) GetMembers() []Observed {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]Observed, 0, len(w.entries))
	for key, e := range w.entries {
		out = append(out, Observed{
			Proxy:  model.MemberProxy{PrimaryKey: key, IsTopic: e.ptr.Proxy().IsTopic},
			Type:   e.typ,
			Member: e.ptr.Member(),
		})
	}
	return out
}

// Reset drains any pending async insertions, then removes every
// non-Initial entry (spec.md §4.5).
func (w *Watchlist) Reset() {
	w.pending.Wait()

	w.mu.Lock()
	defer w.mu.Unlock()
	for key, e := range w.entries {
		if e.typ == Initial {
			continue
		}
		e.ptr.Release()
		delete(w.entries, key)
	}
}

// Run resolves the configured initial-member names in the background,
// probing the Data Store until each is found, then idles until stop is
// closed. An empty initial-member list returns immediately (B4).
func (w *Watchlist) Run(stop <-chan struct{}, interval time.Duration) {
	if len(w.initialNames) == 0 {
		return
	}

	remaining := make(map[string]bool, len(w.initialNames))
	for _, n := range w.initialNames {
		remaining[n] = true
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for len(remaining) > 0 {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}
		for name := range remaining {
			if w.tryResolveInitial(name) {
				delete(remaining, name)
			}
		}
	}

	<-stop
}

func (w *Watchlist) tryResolveInitial(name string) bool {
	ctx := context.Background()
	if ptr, err := w.store.GetNodeByName(ctx, name); err == nil && ptr.Valid() {
		return w.insertResolved(ptr)
	}
	if ptr, err := w.store.GetTopicByName(ctx, name); err == nil && ptr.Valid() {
		return w.insertResolved(ptr)
	}
	return false
}

func (w *Watchlist) insertResolved(ptr datastore.MemberPtr) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	key := ptr.Proxy().PrimaryKey
	if _, ok := w.entries[key]; ok {
		ptr.Release()
		return true
	}
	w.entries[key] = &entry{typ: Initial, ptr: ptr}
	return true
}
