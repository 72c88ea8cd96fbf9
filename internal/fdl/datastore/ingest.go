/*-
 * Copyright © 2016-2017, Jörg Pernfuß <code.jpe@gmail.com>
 * Copyright © 2016, 1&1 Internet SE
 * All rights reserved.
 *
 * Use of this source code is governed by a 2-clause BSD license
 * that can be found in the LICENSE file.
 */

package datastore

import (
	"context"
	"time"

	"github.com/rcrowley/go-metrics"

	"github.com/solnx/stream-fdl/internal/fdl/ipc"
	"github.com/solnx/stream-fdl/internal/fdl/model"
)

// Run is the Store's background ingestion loop. Per cycle: evict
// zero-refcount records (sending an Unsubscribe for each), then apply
// every pending update of each of the ten kinds, then sleep the
// remainder of cycleInterval. Eviction precedes update application so
// that an update for a key just evicted this cycle is dropped, per
// spec.md §5's ordering guarantee.
func (s *Store) Run(stop <-chan struct{}, cycleInterval time.Duration) {
	for {
		select {
		case <-stop:
			return
		default:
		}

		start := time.Now()
		metrics.GetOrRegisterMeter(`/datastore/ingest.cycles.per.second`, s.metrics).Mark(1)
		s.evictUnreferenced(context.Background())
		s.applyPendingUpdates()

		if remaining := cycleInterval - time.Since(start); remaining > 0 {
			select {
			case <-stop:
				return
			case <-time.After(remaining):
			}
		}
	}
}

// evictUnreferenced removes every record whose reference counter is zero,
// sending an Unsubscribe IPC request for its request id.
func (s *Store) evictUnreferenced(ctx context.Context) {
	s.nodesMu.Lock()
	var evictedNodes []*record
	for k, r := range s.nodes {
		if !r.counter.NonZero() {
			evictedNodes = append(evictedNodes, r)
			delete(s.nodes, k)
		}
	}
	s.nodesMu.Unlock()

	s.topicsMu.Lock()
	var evictedTopics []*record
	for k, r := range s.topics {
		if !r.counter.NonZero() {
			evictedTopics = append(evictedTopics, r)
			delete(s.topics, k)
		}
	}
	s.topicsMu.Unlock()

	evicted := append(evictedNodes, evictedTopics...)
	if len(evicted) > 0 {
		metrics.GetOrRegisterMeter(`/datastore/evicted.per.second`, s.metrics).Mark(int64(len(evicted)))
	}
	for _, r := range evicted {
		if r.requestID == "" {
			continue
		}
		if err := s.client.Unsubscribe(ctx, r.requestID); err != nil {
			s.log.Warnf("DataStore, unsubscribe failed for evicted record %s: %s", r.member.Key(), err)
		}
	}
}

// applyPendingUpdates polls each update kind non-blocking and applies
// matching updates to the cached member. Updates for unknown keys are
// logged and dropped, never fatal.
func (s *Store) applyPendingUpdates() {
	for _, kind := range ipc.AllUpdateKinds() {
		for _, u := range s.client.Poll(kind) {
			s.applyUpdate(u)
		}
	}
}

func (s *Store) applyUpdate(u ipc.Update) {
	switch u.Kind {
	case ipc.UpdatePublishersTo:
		s.withNode(u.PrimaryKey, func(n *model.Node) {
			peer := model.MemberProxy{PrimaryKey: model.PrimaryKey(u.Peer), IsTopic: true}
			if u.Removed {
				n.RemovePublishesTo(peer.PrimaryKey)
			} else {
				n.AddPublishesTo(peer)
			}
		})
	case ipc.UpdateSubscribersTo:
		s.withNode(u.PrimaryKey, func(n *model.Node) {
			peer := model.MemberProxy{PrimaryKey: model.PrimaryKey(u.Peer), IsTopic: true}
			if u.Removed {
				n.RemoveSubscribesTo(peer.PrimaryKey)
			} else {
				n.AddSubscribesTo(peer)
			}
		})
	case ipc.UpdatePublishersOf:
		s.withTopic(u.PrimaryKey, func(t *model.Topic) {
			if u.Removed {
				t.RemovePublisher(u.EdgeID)
				return
			}
			t.AddPublisher(model.TopicEdge{
				EdgeID:         u.EdgeID,
				AssociatedNode: model.MemberProxy{PrimaryKey: model.PrimaryKey(u.Peer), IsTopic: false},
			})
		})
	case ipc.UpdateSubscribersOf:
		s.withTopic(u.PrimaryKey, func(t *model.Topic) {
			if u.Removed {
				t.RemoveSubscriber(u.EdgeID)
				return
			}
			t.AddSubscriber(model.TopicEdge{
				EdgeID:         u.EdgeID,
				AssociatedNode: model.MemberProxy{PrimaryKey: model.PrimaryKey(u.Peer), IsTopic: false},
			})
		})
	case ipc.UpdateServerFor:
		s.withNode(u.PrimaryKey, func(n *model.Node) {
			n.SetServer(u.ServiceName, model.MemberProxy{PrimaryKey: model.PrimaryKey(u.Peer), IsTopic: false})
		})
	case ipc.UpdateClientOf:
		s.withNode(u.PrimaryKey, func(n *model.Node) {
			peer := model.MemberProxy{PrimaryKey: model.PrimaryKey(u.Peer), IsTopic: false}
			if u.Removed {
				n.RemoveClient(u.ServiceName, peer.PrimaryKey)
			} else {
				n.AddClient(u.ServiceName, peer)
			}
		})
	case ipc.UpdateActionServerFor:
		s.withNode(u.PrimaryKey, func(n *model.Node) {
			n.SetActionServer(u.ServiceName, model.MemberProxy{PrimaryKey: model.PrimaryKey(u.Peer), IsTopic: false})
		})
	case ipc.UpdateActionClientOf:
		s.withNode(u.PrimaryKey, func(n *model.Node) {
			peer := model.MemberProxy{PrimaryKey: model.PrimaryKey(u.Peer), IsTopic: false}
			if u.Removed {
				n.RemoveActionClient(u.ServiceName, peer.PrimaryKey)
			} else {
				n.AddActionClient(u.ServiceName, peer)
			}
		})
	case ipc.UpdateNodeState:
		s.withNode(u.PrimaryKey, func(n *model.Node) {
			if u.Alive != nil {
				n.SetAlive(*u.Alive, time.Now().UTC())
			}
			if u.BootCount != nil {
				n.BootCount = *u.BootCount
			}
			if u.ProcessID != nil {
				n.ProcessID = *u.ProcessID
			}
		})
	case ipc.UpdateTopicPublishers:
		s.withTopic(u.PrimaryKey, func(t *model.Topic) {
			edge := model.TopicEdge{EdgeID: u.EdgeID, AssociatedNode: model.MemberProxy{PrimaryKey: model.PrimaryKey(u.Peer), IsTopic: false}}
			if u.IsSubscribers {
				if u.Removed {
					t.RemoveSubscriber(edge.EdgeID)
				} else {
					t.AddSubscriber(edge)
				}
				return
			}
			if u.Removed {
				t.RemovePublisher(edge.EdgeID)
			} else {
				t.AddPublisher(edge)
			}
		})
	}
}

func (s *Store) withNode(key string, fn func(*model.Node)) {
	s.nodesMu.RLock()
	r, ok := s.nodes[model.PrimaryKey(key)]
	s.nodesMu.RUnlock()
	if !ok {
		s.log.Debugf("DataStore, update for unknown node %s dropped", key)
		return
	}
	node, ok := r.member.(*model.Node)
	if !ok {
		return
	}
	fn(node)
}

func (s *Store) withTopic(key string, fn func(*model.Topic)) {
	s.topicsMu.RLock()
	r, ok := s.topics[model.PrimaryKey(key)]
	s.topicsMu.RUnlock()
	if !ok {
		s.log.Debugf("DataStore, update for unknown topic %s dropped", key)
		return
	}
	topic, ok := r.member.(*model.Topic)
	if !ok {
		return
	}
	fn(topic)
}
