/*-
 * Copyright © 2016-2017, Jörg Pernfuß <code.jpe@gmail.com>
 * Copyright © 2016, 1&1 Internet SE
 * All rights reserved.
 *
 * Use of this source code is governed by a 2-clause BSD license
 * that can be found in the LICENSE file.
 */

package ipc

import (
	"encoding/json"
	"sync"

	"github.com/Shopify/sarama"
	"github.com/sirupsen/logrus"
	"github.com/wvanbergen/kafka/consumergroup"
	"github.com/wvanbergen/kazoo-go"
)

// UpdateKind enumerates the ten streaming update kinds the data store
// ingests per cycle (spec.md §4.4). The to/of split mirrors the
// incremental single-edge notifications the external service emits
// between the periodic full-list refreshes (TopicPublishers/
// TopicSubscribers); this resolves an ambiguity left open by spec.md's
// prose list (see DESIGN.md).
type UpdateKind int

// Update kinds, one Kafka topic each.
const (
	UpdatePublishersTo UpdateKind = iota
	UpdatePublishersOf
	UpdateSubscribersTo
	UpdateSubscribersOf
	UpdateServerFor
	UpdateClientOf
	UpdateActionServerFor
	UpdateActionClientOf
	UpdateNodeState
	UpdateTopicPublishers
	updateKindCount
)

// TopicSubscribersUpdate is handled alongside TopicPublishers under the
// same full-list-refresh kind (UpdateTopicPublishers), distinguished by
// the IsSubscribers field on the decoded Update — this keeps the
// UpdateKind enum at exactly ten entries per spec.md.

func (k UpdateKind) topicName() string {
	switch k {
	case UpdatePublishersTo:
		return "update.publishers-to"
	case UpdatePublishersOf:
		return "update.publishers-of"
	case UpdateSubscribersTo:
		return "update.subscribers-to"
	case UpdateSubscribersOf:
		return "update.subscribers-of"
	case UpdateServerFor:
		return "update.server-for"
	case UpdateClientOf:
		return "update.client-of"
	case UpdateActionServerFor:
		return "update.action-server-for"
	case UpdateActionClientOf:
		return "update.action-client-of"
	case UpdateNodeState:
		return "update.node-state"
	case UpdateTopicPublishers:
		return "update.topic-pub-sub"
	default:
		return ""
	}
}

// Update is one decoded streaming update message.
type Update struct {
	Kind          UpdateKind
	PrimaryKey    string // member the update applies to
	ServiceName   string // for server/client/action-* kinds
	Peer          string // primary key of the other end of the edge
	Alive         *bool  // for UpdateNodeState
	BootCount     *uint32
	ProcessID     *int
	EdgeID        string // for topic pub/sub edges
	IsSubscribers bool   // UpdateTopicPublishers: false=publishers, true=subscribers
	Removed       bool   // edge/value removal vs. addition
}

type updateQueues struct {
	mu    sync.Mutex
	queue [updateKindCount][]Update
}

func newUpdateQueues() *updateQueues {
	return &updateQueues{}
}

func (q *updateQueues) push(u Update) {
	q.mu.Lock()
	q.queue[u.Kind] = append(q.queue[u.Kind], u)
	q.mu.Unlock()
}

// Poll drains and returns all pending updates of the given kind,
// non-blocking, per spec.md §4.4's ten-kind poll step.
func (c *Client) Poll(kind UpdateKind) []Update {
	c.updates.mu.Lock()
	defer c.updates.mu.Unlock()
	out := c.updates.queue[kind]
	c.updates.queue[kind] = nil
	return out
}

// AllUpdateKinds lists every kind the ingestion loop must poll per cycle.
func AllUpdateKinds() []UpdateKind {
	kinds := make([]UpdateKind, 0, updateKindCount)
	for k := UpdateKind(0); k < updateKindCount; k++ {
		kinds = append(kinds, k)
	}
	return kinds
}

type wireEnvelope struct {
	Kind string `json:"kind"`

	// response correlation
	RequestID string     `json:"requestId,omitempty"`
	NodeInfo  *NodeInfo  `json:"node,omitempty"`
	TopicInfo *TopicInfo `json:"topic,omitempty"`
	MemberKey string     `json:"memberKey,omitempty"`
	Text      string     `json:"text,omitempty"`
	SeqNumber int        `json:"n,omitempty"`
	SeqTotal  int        `json:"total,omitempty"`

	// streaming update fields
	PrimaryKey    string  `json:"primaryKey,omitempty"`
	ServiceName   string  `json:"serviceName,omitempty"`
	Peer          string  `json:"peer,omitempty"`
	Alive         *bool   `json:"alive,omitempty"`
	BootCount     *uint32 `json:"bootCount,omitempty"`
	ProcessID     *int    `json:"processId,omitempty"`
	EdgeID        string  `json:"edgeId,omitempty"`
	IsSubscribers bool    `json:"isSubscribers,omitempty"`
	Removed       bool    `json:"removed,omitempty"`
}

func encodeJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(b)
}

// Run joins the Kafka consumer group covering every response and update
// topic and dispatches each message to either a pending roundTrip
// (responses) or the appropriate update queue (streaming updates),
// exactly the shape of the teacher's main.go consumer loop (select over
// Messages()/Errors(), non-blocking from the ingestion loop's point of
// view since Run operates in its own goroutine and only ever appends to
// buffered queues).
func (c *Client) Run(stop <-chan struct{}) error {
	zkNodes, chroot := kazoo.ParseConnectionString(c.cfg.ZookeeperNode)
	cgConfig := consumergroup.NewConfig()
	cgConfig.Offsets.Initial = sarama.OffsetNewest
	cgConfig.Zookeeper.Chroot = chroot

	topics := []string{"node.response", "topic.response", "search.response", "attr.response", "custom.response"}
	for _, k := range AllUpdateKinds() {
		topics = append(topics, k.topicName())
	}

	group, err := consumergroup.JoinConsumerGroup(c.cfg.ConsumerGroup, topics, zkNodes, cgConfig)
	if err != nil {
		return err
	}
	c.consumer = group

	for {
		select {
		case <-stop:
			return group.Close()
		case err := <-group.Errors():
			logrus.WithField("component", "ipc").Warnf("consumer group error: %s", err)
		case msg, ok := <-group.Messages():
			if !ok {
				return nil
			}
			c.handleMessage(msg)
			group.CommitUpto(msg)
		}
	}
}

func (c *Client) handleMessage(msg *sarama.ConsumerMessage) {
	var env wireEnvelope
	if err := json.Unmarshal(msg.Value, &env); err != nil {
		logrus.WithField("component", "ipc").Warnf("dropping malformed message on %s: %s", msg.Topic, err)
		return
	}

	switch {
	case env.RequestID != "" && (env.NodeInfo != nil || env.TopicInfo != nil || env.MemberKey != "" || env.Text != ""):
		resp := Response{RequestID: env.RequestID, NodeInfo: env.NodeInfo, TopicInfo: env.TopicInfo, MemberKey: env.MemberKey}
		if env.Text != "" {
			resp.Samples = []Sample{{Kind: Textual, Text: env.Text, SeqNumber: env.SeqNumber, SeqTotal: env.SeqTotal}}
		}
		c.deliverResponse(resp)
		return
	}

	kind, ok := kindForTopic(msg.Topic)
	if !ok {
		return
	}
	c.updates.push(Update{
		Kind:          kind,
		PrimaryKey:    env.PrimaryKey,
		ServiceName:   env.ServiceName,
		Peer:          env.Peer,
		Alive:         env.Alive,
		BootCount:     env.BootCount,
		ProcessID:     env.ProcessID,
		EdgeID:        env.EdgeID,
		IsSubscribers: env.IsSubscribers,
		Removed:       env.Removed,
	})
}

func kindForTopic(topic string) (UpdateKind, bool) {
	for k := UpdateKind(0); k < updateKindCount; k++ {
		if k.topicName() == topic {
			return k, true
		}
	}
	return 0, false
}
