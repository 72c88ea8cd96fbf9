/*-
 * Copyright © 2016-2017, Jörg Pernfuß <code.jpe@gmail.com>
 * Copyright © 2016, 1&1 Internet SE
 * All rights reserved.
 *
 * Use of this source code is governed by a 2-clause BSD license
 * that can be found in the LICENSE file.
 */

// Package ipc is the client adapter for the external graph-introspection
// service. Control/update traffic rides Kafka topics (mirroring the
// consumer-group wiring the teacher uses for its metric stream); attribute
// sample feeds ("shared memory channels" in spec terms) ride Redis pub/sub.
package ipc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Shopify/sarama"
	"github.com/go-redis/redis"
	resty "gopkg.in/resty.v1"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/wvanbergen/kafka/consumergroup"
)

// SampleKind tags a frame arriving over an attribute channel.
type SampleKind int

// Sample kinds understood by the attribute feed.
const (
	Numerical SampleKind = iota
	Textual
)

// Sample is one frame of an attribute feed or a streamed textual response.
type Sample struct {
	Kind      SampleKind
	Number    float64
	Text      string
	SeqNumber int // "n" of n/total for streamed textual reassembly
	SeqTotal  int
}

// ErrNoData is returned by a non-blocking receive when nothing is
// currently available. Callers fall back to the last known value.
var ErrNoData = errors.New("ipc: no data available")

// ErrUnknownKey indicates an update referenced a primary key the data
// store has never seen. This is never fatal.
var ErrUnknownKey = errors.New("ipc: unknown primary key")

// AttributeChannel is a shared-memory-style feed of numeric/textual
// samples, consumed non-blocking (Drain) except for the first seeding
// receive (Recv).
type AttributeChannel interface {
	// Drain returns every sample currently buffered, without blocking.
	Drain() []Sample
	// Recv blocks until the next sample arrives or ctx is done.
	Recv(ctx context.Context) (Sample, error)
	Close() error
}

// redisAttributeChannel backs AttributeChannel with a Redis pub/sub
// subscription, generalising the teacher's go-redis client from a plain
// cache connection into a streaming transport.
type redisAttributeChannel struct {
	sub *redis.PubSub
	ch  <-chan *redis.Message
}

func newRedisAttributeChannel(client *redis.Client, channel string) (*redisAttributeChannel, error) {
	sub := client.Subscribe(channel)
	if _, err := sub.Receive(); err != nil {
		return nil, fmt.Errorf("ipc: subscribing to %s: %w", channel, err)
	}
	return &redisAttributeChannel{sub: sub, ch: sub.Channel()}, nil
}

func decodeMessage(payload string) Sample {
	// Wire format: "N:<float>" for numerical samples, "T:<n>/<total>:<text>"
	// for textual reassembly frames. Malformed payloads decode to a
	// zero-valued numerical sample, which an attribute reader records
	// as a reading of 0.
	if len(payload) > 2 && payload[0] == 'N' && payload[1] == ':' {
		var v float64
		if _, err := fmt.Sscanf(payload[2:], "%g", &v); err == nil {
			return Sample{Kind: Numerical, Number: v}
		}
	}
	if len(payload) > 2 && payload[0] == 'T' && payload[1] == ':' {
		var n, total int
		var text string
		if _, err := fmt.Sscanf(payload[2:], "%d/%d:", &n, &total); err == nil {
			idx := indexByte(payload[2:], ':', 0) + 1
			text = payload[2+idx:]
			return Sample{Kind: Textual, Text: text, SeqNumber: n, SeqTotal: total}
		}
	}
	return Sample{Kind: Numerical, Number: 0}
}

func indexByte(s string, c byte, from int) int {
	for i := from; i < len(s); i++ {
		if s[i] == c {
			return i
		}
	}
	return len(s)
}

func (r *redisAttributeChannel) Drain() []Sample {
	var out []Sample
	for {
		select {
		case msg, ok := <-r.ch:
			if !ok {
				return out
			}
			out = append(out, decodeMessage(msg.Payload))
		default:
			return out
		}
	}
}

func (r *redisAttributeChannel) Recv(ctx context.Context) (Sample, error) {
	select {
	case msg, ok := <-r.ch:
		if !ok {
			return Sample{}, ErrNoData
		}
		return decodeMessage(msg.Payload), nil
	case <-doneOf(ctx):
		return Sample{}, ctx.Err()
	}
}

func doneOf(ctx context.Context) <-chan struct{} {
	if ctx == nil {
		return nil
	}
	return ctx.Done()
}

func (r *redisAttributeChannel) Close() error {
	return r.sub.Close()
}

var _ AttributeChannel = (*redisAttributeChannel)(nil)

// Config configures the IPC client's transports and retry behaviour.
type Config struct {
	ProjectID       int
	RetryConnection bool
	RetryAttempts   int
	RetryTimeoutMS  int

	KafkaBrokers  []string
	ZookeeperNode string
	ConsumerGroup string

	RedisAddr     string
	RedisPassword string
	RedisDB       int
}

// Client is the data store's sole outbound IPC surface: requests over
// Kafka, attribute feeds over Redis pub/sub.
type Client struct {
	cfg Config
	log *logrus.Entry

	producer sarama.SyncProducer
	consumer *consumergroup.ConsumerGroup
	redis    *redis.Client
	http     *resty.Client

	mu      sync.Mutex
	pending map[string]chan Response

	updates *updateQueues
}

// Response correlates an inbound reply with its request id.
type Response struct {
	RequestID string
	NodeInfo  *NodeInfo
	TopicInfo *TopicInfo
	MemberKey string // SearchResponse primary key ("" = not found)
	Samples   []Sample
}

// NodeInfo is the wire shape of a NodeResponse.
type NodeInfo struct {
	PrimaryKey string
	Name       string
	PkgName    string
	Alive      bool
	BootCount  uint32
	ProcessID  int
}

// TopicInfo is the wire shape of a TopicResponse.
type TopicInfo struct {
	PrimaryKey string
	Name       string
	TypeName   string
	Publishers []TopicPublisherInfo
}

// TopicPublisherInfo is one publisher edge of a TopicResponse.
type TopicPublisherInfo struct {
	EdgeID         string
	NodePrimaryKey string
}

// New dials the external service, retrying per cfg.RetryAttempts /
// cfg.RetryTimeoutMS. Exhaustion is fatal, matching spec.md §7's IPC
// connection row.
func New(cfg Config) (*Client, error) {
	log := logrus.WithField("component", "ipc")

	c := &Client{
		cfg:     cfg,
		log:     log,
		pending: make(map[string]chan Response),
		updates: newUpdateQueues(),
	}

	var lastErr error
	attempts := cfg.RetryAttempts
	if attempts < 1 {
		attempts = 1
	}
	for attempt := 0; attempt < attempts; attempt++ {
		if err := c.dial(); err != nil {
			lastErr = err
			log.Warnf("ipc connect attempt %d/%d failed: %s", attempt+1, attempts, err)
			if !cfg.RetryConnection {
				break
			}
			time.Sleep(time.Duration(cfg.RetryTimeoutMS) * time.Millisecond)
			continue
		}
		return c, nil
	}
	return nil, fmt.Errorf("ipc: exhausted connection attempts: %w", lastErr)
}

func (c *Client) dial() error {
	sconf := sarama.NewConfig()
	sconf.Producer.Return.Successes = true
	producer, err := sarama.NewSyncProducer(c.cfg.KafkaBrokers, sconf)
	if err != nil {
		return err
	}
	c.producer = producer

	c.redis = redis.NewClient(&redis.Options{
		Addr:     c.cfg.RedisAddr,
		Password: c.cfg.RedisPassword,
		DB:       c.cfg.RedisDB,
	})
	if err := c.redis.Ping().Err(); err != nil {
		return err
	}

	c.http = resty.New().
		SetRedirectPolicy(resty.FlexibleRedirectPolicy(15)).
		SetDisableWarn(true).
		SetRetryCount(c.cfg.RetryAttempts).
		SetRetryWaitTime(time.Duration(c.cfg.RetryTimeoutMS) * time.Millisecond)

	return nil
}

// newRequestID mints a correlation id for outbound requests.
func newRequestID() string {
	return uuid.NewString()
}

// RequestNode issues a NodeRequest and blocks for the first response.
func (c *Client) RequestNode(ctx context.Context, key string) (*NodeInfo, error) {
	resp, err := c.roundTrip(ctx, "node.request", key)
	if err != nil {
		return nil, err
	}
	if resp.NodeInfo == nil {
		return nil, fmt.Errorf("ipc: %w: missing NodeResponse value", ErrProtocolViolation)
	}
	return resp.NodeInfo, nil
}

// RequestTopic issues a TopicRequest and blocks for the first response.
func (c *Client) RequestTopic(ctx context.Context, key string) (*TopicInfo, error) {
	resp, err := c.roundTrip(ctx, "topic.request", key)
	if err != nil {
		return nil, err
	}
	if resp.TopicInfo == nil {
		return nil, fmt.Errorf("ipc: %w: missing TopicResponse value", ErrProtocolViolation)
	}
	return resp.TopicInfo, nil
}

// ErrProtocolViolation marks a fatal, non-optional missing value on a
// blocking IPC receive (spec.md §7 "Protocol" row).
var ErrProtocolViolation = errors.New("protocol violation")

// Search issues a SearchRequest for a NODE or TOPIC by name and returns the
// resolved primary key, or "" if the remote side did not find one.
func (c *Client) Search(ctx context.Context, isTopic bool, name string) (string, error) {
	kind := "node"
	if isTopic {
		kind = "topic"
	}
	resp, err := c.roundTrip(ctx, "search."+kind, name)
	if err != nil {
		return "", err
	}
	return resp.MemberKey, nil
}

// SubscribeAttribute issues a SingleAttributesRequest and opens the
// resulting shared-memory channel.
func (c *Client) SubscribeAttribute(ctx context.Context, primaryKey, attribute string, continuous bool) (AttributeChannel, string, error) {
	reqID := newRequestID()
	topic := "attr." + reqID
	if err := c.publish("attr.request", map[string]any{
		"requestId":  reqID,
		"primaryKey": primaryKey,
		"attribute":  attribute,
		"continuous": continuous,
	}); err != nil {
		return nil, "", err
	}
	ch, err := newRedisAttributeChannel(c.redis, topic)
	if err != nil {
		return nil, "", err
	}
	return ch, reqID, nil
}

// Unsubscribe sends an UnsubscribeRequest for a previously granted
// request id. Failures are logged by the caller and never fatal (spec.md
// §7 "Resource" row).
func (c *Client) Unsubscribe(ctx context.Context, requestID string) error {
	return c.publish("unsubscribe", map[string]any{"id": requestID})
}

// GraphTopologyQuery is the literal query text the external service
// expects for a full-graph-view request. It must be embedded verbatim.
const GraphTopologyQuery = `MATCH (n:Node)
OPTIONAL MATCH (n)-[p:PUBLISHES]->(t:Topic)
OPTIONAL MATCH (t2:Topic)-[s:SUBSCRIBES]->(n)
OPTIONAL MATCH (n)-[send:SENDS]->(n2:Node)
RETURN collect(DISTINCT n) AS active,
       collect(DISTINCT t) AS passive,
       collect(DISTINCT p) AS pub,
       collect(DISTINCT s) AS sub,
       collect(DISTINCT send) AS send`

// QueryGraphTopology issues the fixed topology query and blocks,
// reassembling the streamed Textual frames (number/total framed,
// strictly increasing number) into the raw document.
func (c *Client) QueryGraphTopology(ctx context.Context) ([]byte, error) {
	reqID := newRequestID()
	if err := c.publish("custom.request", map[string]any{
		"requestId": reqID,
		"query":     GraphTopologyQuery,
	}); err != nil {
		return nil, err
	}
	topic := "custom." + reqID
	ch, err := newRedisAttributeChannel(c.redis, topic)
	if err != nil {
		return nil, err
	}
	defer ch.Close()

	return reassembleTopology(ctx, ch)
}

// reassembleTopology blocks on ch for the sequence of Textual frames
// that make up one streamed topology response, concatenating their text
// in arrival order until as many frames as the announced total have
// arrived. Per spec.md §4.4/scenario 6, frame numbers must strictly
// increase; a frame that does not advance past the previous one is a
// reassembly fault, never silently reordered or dropped.
func reassembleTopology(ctx context.Context, ch AttributeChannel) ([]byte, error) {
	var doc []byte
	previous := 0
	received := 0
	for {
		sample, err := ch.Recv(ctx)
		if err != nil {
			return nil, err
		}
		if sample.Kind != Textual {
			continue
		}
		if sample.SeqNumber <= previous {
			return nil, fmt.Errorf("ipc: out-of-order topology frame: previous=%d got=%d", previous, sample.SeqNumber)
		}
		previous = sample.SeqNumber
		received++
		doc = append(doc, []byte(sample.Text)...)
		if received >= sample.SeqTotal {
			break
		}
	}
	return doc, nil
}

func (c *Client) roundTrip(ctx context.Context, kind, payload string) (Response, error) {
	reqID := newRequestID()
	replyCh := make(chan Response, 1)
	c.mu.Lock()
	c.pending[reqID] = replyCh
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, reqID)
		c.mu.Unlock()
	}()

	if err := c.publish(kind, map[string]any{"requestId": reqID, "payload": payload}); err != nil {
		return Response{}, err
	}

	select {
	case resp := <-replyCh:
		return resp, nil
	case <-doneOf(ctx):
		return Response{}, ctx.Err()
	}
}

// deliverResponse is invoked by the background response consumer (wired
// by Run) to hand a decoded Response to whichever roundTrip is waiting on
// it. A response for an id nobody is waiting on is dropped silently.
func (c *Client) deliverResponse(resp Response) {
	c.mu.Lock()
	ch, ok := c.pending[resp.RequestID]
	c.mu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- resp:
	default:
	}
}

func (c *Client) publish(topic string, payload map[string]any) error {
	msg := &sarama.ProducerMessage{
		Topic: topic,
		Value: sarama.StringEncoder(encodeJSON(payload)),
	}
	_, _, err := c.producer.SendMessage(msg)
	return err
}

// Close releases the producer/consumer/redis connections.
func (c *Client) Close() error {
	var firstErr error
	if c.producer != nil {
		if err := c.producer.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if c.consumer != nil {
		if err := c.consumer.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if c.redis != nil {
		if err := c.redis.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
