/*-
 * Copyright © 2016-2017, Jörg Pernfuß <code.jpe@gmail.com>
 * Copyright © 2016, 1&1 Internet SE
 * All rights reserved.
 *
 * Use of this source code is governed by a 2-clause BSD license
 * that can be found in the LICENSE file.
 */

// Package datastore is the ref-counted, thread-safe cache of graph
// members backed by the external IPC service (internal/fdl/ipc). It is
// the largest subsystem by design budget: cache lookups, topology and
// attribute subscription, and the streaming ingestion loop that applies
// update messages and evicts unreferenced records.
package datastore

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"

	"github.com/solnx/stream-fdl/internal/fdl/ipc"
	"github.com/solnx/stream-fdl/internal/fdl/model"
)

// Store is the cache of live Node and Topic records. Injected ownership
// per the design notes: cmd/stream-fdl constructs one Store and passes
// it into the other subsystems; there is no process-wide singleton.
type Store struct {
	client  IPCClient
	log     *logrus.Entry
	metrics metrics.Registry

	nodesMu sync.RWMutex
	nodes   map[model.PrimaryKey]*record

	topicsMu sync.RWMutex
	topics   map[model.PrimaryKey]*record
}

// New constructs a Store around an already-connected IPC client.
func New(client *ipc.Client, reg metrics.Registry) *Store {
	return NewWithClient(client, logrus.WithField("component", "datastore"), reg)
}

// NewWithClient constructs a Store around any IPCClient implementation,
// for injecting a fake collaborator from another package's tests.
func NewWithClient(client IPCClient, log *logrus.Entry, reg metrics.Registry) *Store {
	return &Store{
		client:  client,
		log:     log,
		metrics: reg,
		nodes:   make(map[model.PrimaryKey]*record),
		topics:  make(map[model.PrimaryKey]*record),
	}
}

// GetNode returns a ref-counted handle to the node with the given key,
// populating the cache on a miss (spec.md §4.4 get_node).
func (s *Store) GetNode(ctx context.Context, key model.PrimaryKey) (MemberPtr, error) {
	s.nodesMu.RLock()
	if r, ok := s.nodes[key]; ok {
		ptr := newMemberPtr(r)
		s.nodesMu.RUnlock()
		return ptr, nil
	}
	s.nodesMu.RUnlock()

	metrics.GetOrRegisterMeter(`/datastore/node.cache-miss.per.second`, s.metrics).Mark(1)
	info, err := s.client.RequestNode(ctx, string(key))
	if err != nil {
		return MemberPtr{}, err
	}
	node := model.NewNode(model.PrimaryKey(info.PrimaryKey), info.Name, info.PkgName)
	node.SetAlive(info.Alive, time.Now().UTC())
	node.BootCount = info.BootCount
	node.ProcessID = info.ProcessID

	reqID, err := s.subscribeCPU(ctx, node)
	if err != nil {
		s.log.Warnf("DataStore, could not subscribe CPU utilisation for %s: %s", key, err)
	}

	return s.installNode(node, reqID), nil
}

func (s *Store) subscribeCPU(ctx context.Context, node *model.Node) (string, error) {
	ch, reqID, err := s.client.SubscribeAttribute(ctx, string(node.Key()), "cpu-utilisation", true)
	if err != nil {
		return "", err
	}
	if err := node.AddAttributeSource("cpu-utilisation", reqID, ch); err != nil {
		return reqID, err
	}
	return reqID, nil
}

func (s *Store) installNode(node *model.Node, requestID string) MemberPtr {
	s.nodesMu.Lock()
	defer s.nodesMu.Unlock()
	if existing, ok := s.nodes[node.Key()]; ok {
		return newMemberPtr(existing)
	}
	r := &record{member: node, requestID: requestID}
	s.nodes[node.Key()] = r
	return newMemberPtr(r)
}

// GetTopic returns a ref-counted handle to the topic with the given key,
// populating the cache on a miss. Each publisher's publishing-rate
// attribute is subscribed to at install time (spec.md §4.4 get_topic).
func (s *Store) GetTopic(ctx context.Context, key model.PrimaryKey) (MemberPtr, error) {
	s.topicsMu.RLock()
	if r, ok := s.topics[key]; ok {
		ptr := newMemberPtr(r)
		s.topicsMu.RUnlock()
		return ptr, nil
	}
	s.topicsMu.RUnlock()

	metrics.GetOrRegisterMeter(`/datastore/topic.cache-miss.per.second`, s.metrics).Mark(1)
	info, err := s.client.RequestTopic(ctx, string(key))
	if err != nil {
		return MemberPtr{}, err
	}
	topic := model.NewTopic(model.PrimaryKey(info.PrimaryKey), info.Name, info.TypeName)

	edges := make([]model.TopicEdge, 0, len(info.Publishers))
	for _, pub := range info.Publishers {
		edges = append(edges, model.TopicEdge{
			EdgeID:         pub.EdgeID,
			AssociatedNode: model.MemberProxy{PrimaryKey: model.PrimaryKey(pub.NodePrimaryKey), IsTopic: false},
		})
	}
	topic.SetPublishers(edges)

	var reqID string
	for _, pub := range edges {
		ch, rid, err := s.client.SubscribeAttribute(ctx, string(pub.AssociatedNode.PrimaryKey), "publishing-rate", true)
		if err != nil {
			s.log.Warnf("DataStore, could not subscribe publishing-rate for edge %s: %s", pub.EdgeID, err)
			continue
		}
		if err := topic.AddAttributeSource("publishing-rate:"+pub.EdgeID, rid, ch); err != nil {
			s.log.Warnf("DataStore, seeding publishing-rate for edge %s: %s", pub.EdgeID, err)
			continue
		}
		reqID = rid
	}

	return s.installTopic(topic, reqID), nil
}

func (s *Store) installTopic(topic *model.Topic, requestID string) MemberPtr {
	s.topicsMu.Lock()
	defer s.topicsMu.Unlock()
	if existing, ok := s.topics[topic.Key()]; ok {
		return newMemberPtr(existing)
	}
	r := &record{member: topic, requestID: requestID}
	s.topics[topic.Key()] = r
	return newMemberPtr(r)
}

// GetNodeByName resolves a node by its display name, performing a linear
// cache scan before falling back to an IPC Search. A Search that
// resolves to an empty key yields an invalid (null) handle.
func (s *Store) GetNodeByName(ctx context.Context, name string) (MemberPtr, error) {
	s.nodesMu.RLock()
	for _, r := range s.nodes {
		if r.member.DisplayName() == name {
			ptr := newMemberPtr(r)
			s.nodesMu.RUnlock()
			return ptr, nil
		}
	}
	s.nodesMu.RUnlock()

	key, err := s.client.Search(ctx, false, name)
	if err != nil {
		return MemberPtr{}, err
	}
	if key == "" {
		return MemberPtr{}, nil
	}
	return s.GetNode(ctx, model.PrimaryKey(key))
}

// GetTopicByName resolves a topic by its display name, mirroring
// GetNodeByName.
func (s *Store) GetTopicByName(ctx context.Context, name string) (MemberPtr, error) {
	s.topicsMu.RLock()
	for _, r := range s.topics {
		if r.member.DisplayName() == name {
			ptr := newMemberPtr(r)
			s.topicsMu.RUnlock()
			return ptr, nil
		}
	}
	s.topicsMu.RUnlock()

	key, err := s.client.Search(ctx, true, name)
	if err != nil {
		return MemberPtr{}, err
	}
	if key == "" {
		return MemberPtr{}, nil
	}
	return s.GetTopic(ctx, model.PrimaryKey(key))
}

// Get dispatches to GetNode or GetTopic based on the proxy's IsTopic tag.
func (s *Store) Get(ctx context.Context, proxy model.MemberProxy) (MemberPtr, error) {
	if proxy.IsTopic {
		return s.GetTopic(ctx, proxy.PrimaryKey)
	}
	return s.GetNode(ctx, proxy.PrimaryKey)
}

// GetFullGraphView issues the fixed topology query, reassembles the
// streamed textual response, and parses it into a GraphView.
func (s *Store) GetFullGraphView(ctx context.Context) (GraphView, error) {
	doc, err := s.client.QueryGraphTopology(ctx)
	if err != nil {
		return GraphView{}, err
	}
	return parseGraphView(doc)
}

// GetCPUUtilisationSource resolves the local host node by name and
// returns its continuous CPU-utilisation attribute channel.
func (s *Store) GetCPUUtilisationSource(ctx context.Context) (ipc.AttributeChannel, error) {
	host, err := os.Hostname()
	if err != nil {
		return nil, err
	}
	key, err := s.client.Search(ctx, false, host)
	if err != nil {
		return nil, err
	}
	ch, _, err := s.client.SubscribeAttribute(ctx, key, "cpu-utilisation", true)
	return ch, err
}

// GetAllMembers resolves every vertex of the full graph view into a
// ref-counted handle, for holistic-mode Watchlist pre-population.
func (s *Store) GetAllMembers(ctx context.Context) ([]MemberPtr, error) {
	view, err := s.GetFullGraphView(ctx)
	if err != nil {
		return nil, err
	}
	ptrs := make([]MemberPtr, 0, len(view.Vertices))
	for _, v := range view.Vertices {
		ptr, err := s.Get(ctx, v.Member)
		if err != nil {
			s.log.Warnf("DataStore, resolving %s for holistic mode: %s", v.Member.PrimaryKey, err)
			continue
		}
		ptrs = append(ptrs, ptr)
	}
	return ptrs, nil
}

// Lookup returns the cached member for a proxy without touching IPC,
// for use by SAG neighbour enumeration where a miss should not trigger a
// new remote fetch.
func (s *Store) Lookup(proxy model.MemberProxy) (model.Member, bool) {
	if proxy.IsTopic {
		s.topicsMu.RLock()
		defer s.topicsMu.RUnlock()
		r, ok := s.topics[proxy.PrimaryKey]
		if !ok {
			return nil, false
		}
		return r.member, true
	}
	s.nodesMu.RLock()
	defer s.nodesMu.RUnlock()
	r, ok := s.nodes[proxy.PrimaryKey]
	if !ok {
		return nil, false
	}
	return r.member, true
}
