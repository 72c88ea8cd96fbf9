/*-
 * Copyright © 2016-2017, Jörg Pernfuß <code.jpe@gmail.com>
 * Copyright © 2016, 1&1 Internet SE
 * All rights reserved.
 *
 * Use of this source code is governed by a 2-clause BSD license
 * that can be found in the LICENSE file.
 */

package watchlist

import (
	"context"
	"io"
	"testing"
	"time"

	metrics "github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"

	"github.com/solnx/stream-fdl/internal/fdl/datastore"
	"github.com/solnx/stream-fdl/internal/fdl/ipc"
	"github.com/solnx/stream-fdl/internal/fdl/model"
)

func discardLogger() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

// fakeIPC is a minimal datastore.IPCClient that resolves any node/topic
// request synthetically, without touching Kafka or Redis.
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
	return fakeChannel{}, "req-" + primaryKey + "-" + attribute, nil
}

func (fakeIPC) Unsubscribe(ctx context.Context, requestID string) error { return nil }

func (fakeIPC) QueryGraphTopology(ctx context.Context) ([]byte, error) {
	return []byte(`{"results":[{"data":[{"row":[{"active":[],"passive":[],"pub":[],"sub":[],"send":[]}]}]}]}`), nil
}

func (fakeIPC) Poll(kind ipc.UpdateKind) []ipc.Update { return nil }

type fakeChannel struct{}

func (fakeChannel) Drain() []ipc.Sample { return nil }
func (fakeChannel) Recv(ctx context.Context) (ipc.Sample, error) {
	return ipc.Sample{Kind: ipc.Numerical, Number: 0}, nil
}
func (fakeChannel) Close() error { return nil }

func newTestWatchlist(t *testing.T) (*Watchlist, *datastore.Store) {
	t.Helper()
	store := newFakeStore()
	wl := New(store, []string{"/rosout"}, nil)
	return wl, store
}

// newFakeStore builds a real datastore.Store wired to a minimal fake IPC
// collaborator, so Watchlist tests exercise real Get/cache behaviour.
func newFakeStore() *datastore.Store {
	return datastore.NewWithClient(fakeIPC{}, discardLogger(), metrics.NewRegistry())
}

func TestAddMemberSyncRoundTrip(t *testing.T) {
	wl, _ := newTestWatchlist(t)
	proxy := model.MemberProxy{PrimaryKey: "n1", IsTopic: false}

	if err := wl.AddMemberSync(context.Background(), proxy, Normal); err != nil {
		t.Fatalf("AddMemberSync: %v", err)
	}
	if !wl.Contains(proxy.PrimaryKey) {
		t.Fatalf("expected Contains to be true after AddMemberSync (R1)")
	}

	// R2: re-adding must not change observable membership beyond the
	// first insert.
	if err := wl.AddMemberSync(context.Background(), proxy, Normal); err != nil {
		t.Fatalf("AddMemberSync (second): %v", err)
	}
	if got := len(wl.GetMembers()); got != 1 {
		t.Fatalf("GetMembers length = %d, want 1", got)
	}
}

func TestBlindspotUpgradeMonotonicity(t *testing.T) {
	wl, _ := newTestWatchlist(t)
	proxy := model.MemberProxy{PrimaryKey: "n2", IsTopic: false}

	if err := wl.AddMemberSync(context.Background(), proxy, Blindspot); err != nil {
		t.Fatalf("AddMemberSync: %v", err)
	}
	if err := wl.AddMemberSync(context.Background(), proxy, Normal); err != nil {
		t.Fatalf("AddMemberSync upgrade: %v", err)
	}

	members := wl.GetMembers()
	if len(members) != 1 || members[0].Type != Normal {
		t.Fatalf("expected the Blindspot entry to upgrade to Normal, got %+v", members)
	}

	// P4: once Normal, a later Blindspot re-add must never downgrade it.
	if err := wl.AddMemberSync(context.Background(), proxy, Blindspot); err != nil {
		t.Fatalf("AddMemberSync re-add: %v", err)
	}
	members = wl.GetMembers()
	if members[0].Type != Normal {
		t.Fatalf("Watchlist type regressed to %v, want Normal", members[0].Type)
	}
}

// namedTopicIPC is fakeIPC but resolves every topic to a fixed display
// name, so ignore-set matching (by name, not key) can be exercised.
type namedTopicIPC struct {
	fakeIPC
	topicName string
}

func (n namedTopicIPC) RequestTopic(ctx context.Context, key string) (*ipc.TopicInfo, error) {
	return &ipc.TopicInfo{PrimaryKey: key, Name: n.topicName}, nil
}

func TestIgnoredTopicDropped(t *testing.T) {
	store := datastore.NewWithClient(namedTopicIPC{topicName: "/rosout"}, discardLogger(), metrics.NewRegistry())
	wl := New(store, []string{"/rosout"}, nil)
	proxy := model.MemberProxy{PrimaryKey: "rosout-key", IsTopic: true}

	if err := wl.AddMemberSync(context.Background(), proxy, Blindspot); err != nil {
		t.Fatalf("AddMemberSync: %v", err)
	}
	if wl.Contains(proxy.PrimaryKey) {
		t.Fatalf("ignored topic must not be added to the Watchlist")
	}
}

func TestResetKeepsInitialOnly(t *testing.T) {
	wl, _ := newTestWatchlist(t)
	initial := model.MemberProxy{PrimaryKey: "init", IsTopic: false}
	normal := model.MemberProxy{PrimaryKey: "norm", IsTopic: false}

	if err := wl.AddMemberSync(context.Background(), initial, Initial); err != nil {
		t.Fatalf("AddMemberSync: %v", err)
	}
	if err := wl.AddMemberSync(context.Background(), normal, Normal); err != nil {
		t.Fatalf("AddMemberSync: %v", err)
	}

	wl.Reset()

	if !wl.Contains(initial.PrimaryKey) {
		t.Fatalf("Initial entry must survive reset")
	}
	if wl.Contains(normal.PrimaryKey) {
		t.Fatalf("R3: non-initial entry must not survive reset")
	}
}

func TestRunEmptyInitialListExitsImmediately(t *testing.T) {
	store := newFakeStore()
	wl := New(store, nil, nil)

	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		wl.Run(stop, time.Hour)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("B4: Run with an empty initial-member list must return immediately")
	}
}
