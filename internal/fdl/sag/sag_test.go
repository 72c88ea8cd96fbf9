/*-
 * Copyright © 2016-2017, Jörg Pernfuß <code.jpe@gmail.com>
 * Copyright © 2016, 1&1 Internet SE
 * All rights reserved.
 *
 * Use of this source code is governed by a 2-clause BSD license
 * that can be found in the LICENSE file.
 */

package sag

import (
	"context"
	"io"
	"testing"

	metrics "github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"

	"github.com/solnx/stream-fdl/internal/fdl/datastore"
	"github.com/solnx/stream-fdl/internal/fdl/ipc"
	"github.com/solnx/stream-fdl/internal/fdl/model"
)

type fakeChannel struct{}

func (fakeChannel) Drain() []ipc.Sample { return nil }
func (fakeChannel) Recv(ctx context.Context) (ipc.Sample, error) {
	return ipc.Sample{Kind: ipc.Numerical, Number: 0}, nil
}
func (fakeChannel) Close() error { return nil }

type fakeIPC struct{}

func (fakeIPC) RequestNode(ctx context.Context, key string) (*ipc.NodeInfo, error) {
	return &ipc.NodeInfo{PrimaryKey: key, Name: "node-" + key, Alive: true}, nil
}
func (fakeIPC) RequestTopic(ctx context.Context, key string) (*ipc.TopicInfo, error) {
	return &ipc.TopicInfo{PrimaryKey: key, Name: "topic-" + key}, nil
}
func (fakeIPC) Search(ctx context.Context, isTopic bool, name string) (string, error) {
	return "", nil
}
func (fakeIPC) SubscribeAttribute(ctx context.Context, primaryKey, attribute string, continuous bool) (ipc.AttributeChannel, string, error) {
	return fakeChannel{}, "req-" + primaryKey, nil
}
func (fakeIPC) Unsubscribe(ctx context.Context, requestID string) error { return nil }
func (fakeIPC) QueryGraphTopology(ctx context.Context) ([]byte, error) {
	return []byte(`{"results":[{"data":[{"row":[{"active":[],"passive":[],"pub":[],"sub":[],"send":[]}]}]}]}`), nil
}
func (fakeIPC) Poll(kind ipc.UpdateKind) []ipc.Update { return nil }

func discardLogger() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

func newTestStore() *datastore.Store {
	return datastore.NewWithClient(fakeIPC{}, discardLogger(), metrics.NewRegistry())
}

// TestAddReturnsFalseOnDuplicate covers the SAG's growth invariant: a
// second Add of an already-present member reports false and releases the
// duplicate handle rather than leaking it.
func TestAddReturnsFalseOnDuplicate(t *testing.T) {
	store := newTestStore()
	ptr1, err := store.GetNode(context.Background(), "n1")
	if err != nil {
		t.Fatalf("GetNode: %v", err)
	}
	ptr2 := ptr1.Clone()

	s := New()
	if !s.Add(ptr1) {
		t.Fatalf("first Add should report true")
	}
	if s.Add(ptr2) {
		t.Fatalf("second Add of the same member should report false")
	}
	if s.Size() != 1 {
		t.Fatalf("Size() = %d, want 1", s.Size())
	}
}

// TestOutgoingFilteredIncomingUnfiltered exercises the asymmetric
// neighbour accessors: Outgoing only reports a successor already present
// in the SAG, Incoming reports every predecessor regardless of membership.
func TestOutgoingFilteredIncomingUnfiltered(t *testing.T) {
	store := newTestStore()
	ctx := context.Background()

	nodePtr, err := store.GetNode(ctx, "node-a")
	if err != nil {
		t.Fatalf("GetNode: %v", err)
	}
	topicPtr, err := store.GetTopic(ctx, "topic-b")
	if err != nil {
		t.Fatalf("GetTopic: %v", err)
	}
	predecessorPtr, err := store.GetTopic(ctx, "topic-c")
	if err != nil {
		t.Fatalf("GetTopic: %v", err)
	}

	node := nodePtr.Member().(*model.Node)
	node.AddPublishesTo(topicPtr.Proxy())
	node.AddSubscribesTo(predecessorPtr.Proxy())

	s := New()
	s.Add(nodePtr)
	// topicPtr is deliberately NOT added: Outgoing must not report it.

	out := s.Outgoing(node)
	if len(out) != 0 {
		t.Fatalf("Outgoing should be filtered to SAG membership, got %v", out)
	}

	s.Add(topicPtr)
	out = s.Outgoing(node)
	if len(out) != 1 || out[0].PrimaryKey != topicPtr.Proxy().PrimaryKey {
		t.Fatalf("Outgoing should report the now-member successor, got %v", out)
	}

	in := s.Incoming(node)
	if len(in) != 1 || in[0].PrimaryKey != predecessorPtr.Proxy().PrimaryKey {
		t.Fatalf("Incoming should report the predecessor even though it is not a SAG member, got %v", in)
	}
}

// TestResetReleasesHandles covers R-style reset semantics: after Reset
// the SAG is empty and a subsequent Add of the same key succeeds again.
func TestResetReleasesHandles(t *testing.T) {
	store := newTestStore()
	ptr, err := store.GetNode(context.Background(), "n9")
	if err != nil {
		t.Fatalf("GetNode: %v", err)
	}

	s := New()
	s.Add(ptr)
	s.Reset()

	if s.Size() != 0 {
		t.Fatalf("Size() after Reset = %d, want 0", s.Size())
	}

	ptr2, err := store.GetNode(context.Background(), "n9")
	if err != nil {
		t.Fatalf("GetNode: %v", err)
	}
	if !s.Add(ptr2) {
		t.Fatalf("Add after Reset should succeed for a previously-reset key")
	}
}
