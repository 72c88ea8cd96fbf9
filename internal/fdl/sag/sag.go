/*-
 * Copyright © 2016-2017, Jörg Pernfuß <code.jpe@gmail.com>
 * Copyright © 2016, 1&1 Internet SE
 * All rights reserved.
 *
 * Use of this source code is governed by a 2-clause BSD license
 * that can be found in the LICENSE file.
 */

// Package sag grows the Suspicious Activity Graph: the set of members
// implicated by accruing alerts, along with causal neighbour
// enumeration used to feed the Watchlist and (eventually) a
// visualisation renderer.
package sag

import (
	"sync"

	"github.com/solnx/stream-fdl/internal/fdl/datastore"
	"github.com/solnx/stream-fdl/internal/fdl/model"
)

// SAG is the growing subgraph of implicated members.
type SAG struct {
	mu      sync.Mutex
	members map[model.PrimaryKey]datastore.MemberPtr
}

// New constructs an empty SAG.
func New() *SAG {
	return &SAG{members: make(map[model.PrimaryKey]datastore.MemberPtr)}
}

// Add inserts ptr's member, returning true iff it was not already
// present. The SAG takes ownership of the handle it is given.
func (s *SAG) Add(ptr datastore.MemberPtr) bool {
	key := ptr.Proxy().PrimaryKey

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.members[key]; ok {
		ptr.Release()
		return false
	}
	s.members[key] = ptr
	return true
}

// Contains reports whether proxy is already a SAG member.
func (s *SAG) Contains(proxy model.MemberProxy) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.members[proxy.PrimaryKey]
	return ok
}

// Size returns the current vertex count.
func (s *SAG) Size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.members)
}

// Members returns a snapshot of every proxy currently in the SAG, for
// handoff to the Fault Trajectory Extractor.
func (s *SAG) Members() []model.MemberProxy {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.MemberProxy, 0, len(s.members))
	for key, ptr := range s.members {
		out = append(out, model.MemberProxy{PrimaryKey: key, IsTopic: ptr.Proxy().IsTopic})
	}
	return out
}

// Reset releases every held handle and empties the SAG.
func (s *SAG) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, ptr := range s.members {
		ptr.Release()
		delete(s.members, key)
	}
}

// Outgoing returns member's causal successors, filtered to SAG
// membership: for a topic, its subscriber nodes; for a node, its
// client/action-client services and the topics it publishes to.
// Filtering by SAG membership is required because this accessor feeds
// visualisation.
func (s *SAG) Outgoing(member model.Member) []model.MemberProxy {
	var candidates []model.MemberProxy
	switch m := member.(type) {
	case *model.Topic:
		edges := m.Snapshot()
		for _, e := range edges.Subscribers {
			candidates = append(candidates, e.AssociatedNode)
		}
	case *model.Node:
		edges := m.Snapshot()
		candidates = append(candidates, edges.PublishesTo...)
		for _, set := range edges.Clients {
			candidates = append(candidates, set...)
		}
		for _, set := range edges.ActionClients {
			candidates = append(candidates, set...)
		}
	}
	return s.filterByMembership(candidates)
}

// Incoming returns member's causal predecessors, unfiltered: for a
// topic, its publisher nodes; for a node, the topics it subscribes to
// and the servers/action-servers it calls. Left unfiltered so the DSG
// builder can feed every predecessor to the Watchlist regardless of
// current SAG membership.
func (s *SAG) Incoming(member model.Member) []model.MemberProxy {
	var out []model.MemberProxy
	switch m := member.(type) {
	case *model.Topic:
		edges := m.Snapshot()
		for _, e := range edges.Publishers {
			out = append(out, e.AssociatedNode)
		}
	case *model.Node:
		edges := m.Snapshot()
		out = append(out, edges.SubscribesTo...)
		for _, p := range edges.Servers {
			out = append(out, p)
		}
		for _, p := range edges.ActionServers {
			out = append(out, p)
		}
	}
	return out
}

func (s *SAG) filterByMembership(candidates []model.MemberProxy) []model.MemberProxy {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.MemberProxy, 0, len(candidates))
	for _, c := range candidates {
		if _, ok := s.members[c.PrimaryKey]; ok {
			out = append(out, c)
		}
	}
	return out
}
