/*-
 * Copyright © 2016-2017, Jörg Pernfuß <code.jpe@gmail.com>
 * Copyright © 2016, 1&1 Internet SE
 * All rights reserved.
 *
 * Use of this source code is governed by a 2-clause BSD license
 * that can be found in the LICENSE file.
 */

// Package model holds the graph member types (Node, Topic) shared by the
// data store, watchlist, fault detection and SAG subsystems.
package model

import (
	"context"
	"sync"
	"time"

	"github.com/solnx/stream-fdl/internal/fdl/ipc"
)

// PrimaryKey is the opaque, stable identifier of a graph member.
type PrimaryKey string

// MemberProxy is an identity-only, non-owning cross-reference to a member.
type MemberProxy struct {
	PrimaryKey PrimaryKey
	IsTopic    bool
}

// Attribute is one inbound numeric/textual feed of a member, backed by an
// IPC attribute channel.
type Attribute struct {
	Descriptor string
	RequestID  string

	mu        sync.Mutex
	channel   ipc.AttributeChannel
	lastValue float64
	hasValue  bool
}

// NewAttribute seeds an attribute with its retained channel and initial
// value (obtained via a blocking receive by the caller).
func NewAttribute(descriptor, requestID string, channel ipc.AttributeChannel, seed float64) *Attribute {
	return &Attribute{
		Descriptor: descriptor,
		RequestID:  requestID,
		channel:    channel,
		lastValue:  seed,
		hasValue:   true,
	}
}

// Drain performs a non-blocking drain of all pending samples, updates the
// cached last value to the most recent numeric sample, and returns it. If
// no sample has arrived, the cached value is returned unchanged.
func (a *Attribute) Drain() float64 {
	samples := a.channel.Drain()
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, s := range samples {
		if s.Kind != ipc.Numerical {
			continue
		}
		a.lastValue = s.Number
		a.hasValue = true
	}
	return a.lastValue
}

// Close releases the underlying channel.
func (a *Attribute) Close() error {
	return a.channel.Close()
}

// Member is implemented by Node and Topic.
type Member interface {
	Key() PrimaryKey
	IsTopic() bool
	DisplayName() string
	Proxy() MemberProxy

	// GetAttributes drains every attribute feed and returns the latest
	// value per descriptor.
	GetAttributes() map[string]float64

	// AddAttributeSource seeds a new attribute with one blocking receive
	// and retains the channel for subsequent non-blocking drains.
	AddAttributeSource(descriptor, requestID string, channel ipc.AttributeChannel) error

	// Attributes exposes the live attribute list (read-only snapshot of
	// pointers; callers must not mutate the slice).
	Attributes() []*Attribute
}

// base holds the fields common to Node and Topic.
type base struct {
	mu         sync.RWMutex
	primaryKey PrimaryKey
	isTopic    bool
	name       string
	attributes []*Attribute
}

func (b *base) Key() PrimaryKey     { return b.primaryKey }
func (b *base) IsTopic() bool       { return b.isTopic }
func (b *base) DisplayName() string { return b.name }
func (b *base) Proxy() MemberProxy {
	return MemberProxy{PrimaryKey: b.primaryKey, IsTopic: b.isTopic}
}

func (b *base) GetAttributes() map[string]float64 {
	b.mu.RLock()
	attrs := make([]*Attribute, len(b.attributes))
	copy(attrs, b.attributes)
	b.mu.RUnlock()

	out := make(map[string]float64, len(attrs))
	for _, a := range attrs {
		out[a.Descriptor] = a.Drain()
	}
	return out
}

func (b *base) AddAttributeSource(descriptor, requestID string, channel ipc.AttributeChannel) error {
	sample, err := channel.Recv(context.Background())
	if err != nil {
		return err
	}
	seed := sample.Number
	attr := NewAttribute(descriptor, requestID, channel, seed)
	b.mu.Lock()
	b.attributes = append(b.attributes, attr)
	b.mu.Unlock()
	return nil
}

func (b *base) Attributes() []*Attribute {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]*Attribute, len(b.attributes))
	copy(out, b.attributes)
	return out
}

// Node is a computing participant: it publishes to topics, subscribes to
// topics, and offers/consumes services and actions.
type Node struct {
	base

	PkgName         string
	Alive           bool
	AliveChangeTime time.Time
	BootCount       uint32
	ProcessID       int

	edgesMu       sync.RWMutex
	PublishesTo   map[PrimaryKey]MemberProxy
	Clients       map[string]map[PrimaryKey]MemberProxy
	ActionClients map[string]map[PrimaryKey]MemberProxy

	SubscribesTo  map[PrimaryKey]MemberProxy
	Servers       map[string]MemberProxy
	ActionServers map[string]MemberProxy
}

// NewNode constructs a Node with initialised edge containers.
func NewNode(key PrimaryKey, name, pkgName string) *Node {
	n := &Node{
		PkgName:       pkgName,
		PublishesTo:   make(map[PrimaryKey]MemberProxy),
		Clients:       make(map[string]map[PrimaryKey]MemberProxy),
		ActionClients: make(map[string]map[PrimaryKey]MemberProxy),
		SubscribesTo:  make(map[PrimaryKey]MemberProxy),
		Servers:       make(map[string]MemberProxy),
		ActionServers: make(map[string]MemberProxy),
	}
	n.primaryKey = key
	n.isTopic = false
	n.name = name
	return n
}

// SetPublishesTo replaces the set of topics this node publishes to.
func (n *Node) SetPublishesTo(topics []MemberProxy) {
	n.edgesMu.Lock()
	defer n.edgesMu.Unlock()
	n.PublishesTo = make(map[PrimaryKey]MemberProxy, len(topics))
	for _, t := range topics {
		n.PublishesTo[t.PrimaryKey] = t
	}
}

// SetSubscribesTo replaces the set of topics this node subscribes to.
func (n *Node) SetSubscribesTo(topics []MemberProxy) {
	n.edgesMu.Lock()
	defer n.edgesMu.Unlock()
	n.SubscribesTo = make(map[PrimaryKey]MemberProxy, len(topics))
	for _, t := range topics {
		n.SubscribesTo[t.PrimaryKey] = t
	}
}

// AddPublishesTo adds a single outgoing publish edge.
func (n *Node) AddPublishesTo(topic MemberProxy) {
	n.edgesMu.Lock()
	defer n.edgesMu.Unlock()
	n.PublishesTo[topic.PrimaryKey] = topic
}

// RemovePublishesTo removes a single outgoing publish edge.
func (n *Node) RemovePublishesTo(topic PrimaryKey) {
	n.edgesMu.Lock()
	defer n.edgesMu.Unlock()
	delete(n.PublishesTo, topic)
}

// AddSubscribesTo adds a single incoming subscribe edge.
func (n *Node) AddSubscribesTo(topic MemberProxy) {
	n.edgesMu.Lock()
	defer n.edgesMu.Unlock()
	n.SubscribesTo[topic.PrimaryKey] = topic
}

// RemoveSubscribesTo removes a single incoming subscribe edge.
func (n *Node) RemoveSubscribesTo(topic PrimaryKey) {
	n.edgesMu.Lock()
	defer n.edgesMu.Unlock()
	delete(n.SubscribesTo, topic)
}

// SetServer records the server proxy for a service this node calls.
func (n *Node) SetServer(service string, server MemberProxy) {
	n.edgesMu.Lock()
	defer n.edgesMu.Unlock()
	n.Servers[service] = server
}

// AddClient adds a client of a service this node serves.
func (n *Node) AddClient(service string, client MemberProxy) {
	n.edgesMu.Lock()
	defer n.edgesMu.Unlock()
	if n.Clients[service] == nil {
		n.Clients[service] = make(map[PrimaryKey]MemberProxy)
	}
	n.Clients[service][client.PrimaryKey] = client
}

// RemoveClient removes a client of a service this node serves.
func (n *Node) RemoveClient(service string, client PrimaryKey) {
	n.edgesMu.Lock()
	defer n.edgesMu.Unlock()
	delete(n.Clients[service], client)
}

// SetActionServer records the action-server proxy for an action this
// node calls.
func (n *Node) SetActionServer(action string, server MemberProxy) {
	n.edgesMu.Lock()
	defer n.edgesMu.Unlock()
	n.ActionServers[action] = server
}

// AddActionClient adds a client of an action this node serves.
func (n *Node) AddActionClient(action string, client MemberProxy) {
	n.edgesMu.Lock()
	defer n.edgesMu.Unlock()
	if n.ActionClients[action] == nil {
		n.ActionClients[action] = make(map[PrimaryKey]MemberProxy)
	}
	n.ActionClients[action][client.PrimaryKey] = client
}

// RemoveActionClient removes a client of an action this node serves.
func (n *Node) RemoveActionClient(action string, client PrimaryKey) {
	n.edgesMu.Lock()
	defer n.edgesMu.Unlock()
	delete(n.ActionClients[action], client)
}

// Snapshot returns copies of the node's edge sets for lock-free reading
// by SAG neighbour enumeration.
func (n *Node) Snapshot() NodeEdges {
	n.edgesMu.RLock()
	defer n.edgesMu.RUnlock()
	e := NodeEdges{
		PublishesTo:   make([]MemberProxy, 0, len(n.PublishesTo)),
		SubscribesTo:  make([]MemberProxy, 0, len(n.SubscribesTo)),
		Servers:       make(map[string]MemberProxy, len(n.Servers)),
		ActionServers: make(map[string]MemberProxy, len(n.ActionServers)),
		Clients:       make(map[string][]MemberProxy, len(n.Clients)),
		ActionClients: make(map[string][]MemberProxy, len(n.ActionClients)),
	}
	for _, p := range n.PublishesTo {
		e.PublishesTo = append(e.PublishesTo, p)
	}
	for _, p := range n.SubscribesTo {
		e.SubscribesTo = append(e.SubscribesTo, p)
	}
	for k, v := range n.Servers {
		e.Servers[k] = v
	}
	for k, v := range n.ActionServers {
		e.ActionServers[k] = v
	}
	for k, set := range n.Clients {
		for _, p := range set {
			e.Clients[k] = append(e.Clients[k], p)
		}
	}
	for k, set := range n.ActionClients {
		for _, p := range set {
			e.ActionClients[k] = append(e.ActionClients[k], p)
		}
	}
	return e
}

// NodeEdges is a point-in-time copy of a node's edge sets.
type NodeEdges struct {
	PublishesTo   []MemberProxy
	SubscribesTo  []MemberProxy
	Servers       map[string]MemberProxy
	ActionServers map[string]MemberProxy
	Clients       map[string][]MemberProxy
	ActionClients map[string][]MemberProxy
}

// SetAlive updates the liveness flag and records the transition time when
// it changes.
func (n *Node) SetAlive(alive bool, at time.Time) {
	n.edgesMu.Lock()
	defer n.edgesMu.Unlock()
	if n.Alive != alive {
		n.Alive = alive
		n.AliveChangeTime = at
	}
}

// Topic is a passive routing participant carrying messages between
// publisher and subscriber nodes.
type Topic struct {
	base

	TypeName string

	edgesMu     sync.RWMutex
	Publishers  map[string]TopicEdge
	Subscribers map[string]TopicEdge
}

// TopicEdge associates a pub/sub edge id with the node on the other end.
type TopicEdge struct {
	EdgeID         string
	AssociatedNode MemberProxy
}

// NewTopic constructs a Topic with initialised edge containers.
func NewTopic(key PrimaryKey, name, typeName string) *Topic {
	t := &Topic{
		TypeName:    typeName,
		Publishers:  make(map[string]TopicEdge),
		Subscribers: make(map[string]TopicEdge),
	}
	t.primaryKey = key
	t.isTopic = true
	t.name = name
	return t
}

// SetPublishers replaces the set of publisher edges.
func (t *Topic) SetPublishers(edges []TopicEdge) {
	t.edgesMu.Lock()
	defer t.edgesMu.Unlock()
	t.Publishers = make(map[string]TopicEdge, len(edges))
	for _, e := range edges {
		t.Publishers[e.EdgeID] = e
	}
}

// SetSubscribers replaces the set of subscriber edges.
func (t *Topic) SetSubscribers(edges []TopicEdge) {
	t.edgesMu.Lock()
	defer t.edgesMu.Unlock()
	t.Subscribers = make(map[string]TopicEdge, len(edges))
	for _, e := range edges {
		t.Subscribers[e.EdgeID] = e
	}
}

// AddPublisher records a single publisher edge.
func (t *Topic) AddPublisher(edge TopicEdge) {
	t.edgesMu.Lock()
	defer t.edgesMu.Unlock()
	t.Publishers[edge.EdgeID] = edge
}

// RemovePublisher drops a single publisher edge.
func (t *Topic) RemovePublisher(edgeID string) {
	t.edgesMu.Lock()
	defer t.edgesMu.Unlock()
	delete(t.Publishers, edgeID)
}

// AddSubscriber records a single subscriber edge.
func (t *Topic) AddSubscriber(edge TopicEdge) {
	t.edgesMu.Lock()
	defer t.edgesMu.Unlock()
	t.Subscribers[edge.EdgeID] = edge
}

// RemoveSubscriber drops a single subscriber edge.
func (t *Topic) RemoveSubscriber(edgeID string) {
	t.edgesMu.Lock()
	defer t.edgesMu.Unlock()
	delete(t.Subscribers, edgeID)
}

// Snapshot returns copies of the topic's edge sets for lock-free reading
// by SAG neighbour enumeration.
func (t *Topic) Snapshot() TopicEdges {
	t.edgesMu.RLock()
	defer t.edgesMu.RUnlock()
	e := TopicEdges{
		Publishers:  make([]TopicEdge, 0, len(t.Publishers)),
		Subscribers: make([]TopicEdge, 0, len(t.Subscribers)),
	}
	for _, v := range t.Publishers {
		e.Publishers = append(e.Publishers, v)
	}
	for _, v := range t.Subscribers {
		e.Subscribers = append(e.Subscribers, v)
	}
	return e
}

// TopicEdges is a point-in-time copy of a topic's edge sets.
type TopicEdges struct {
	Publishers  []TopicEdge
	Subscribers []TopicEdge
}

var (
	_ Member = (*Node)(nil)
	_ Member = (*Topic)(nil)
)
