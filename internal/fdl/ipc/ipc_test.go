package ipc

import (
	"context"
	"testing"
)

// sequencedChannel replays a fixed sequence of Textual frames in arrival
// order, regardless of their SeqNumber — used to simulate frames that
// arrive out of order.
type sequencedChannel struct {
	frames []Sample
	i      int
}

func (c *sequencedChannel) Recv(ctx context.Context) (Sample, error) {
	s := c.frames[c.i]
	c.i++
	return s, nil
}
func (c *sequencedChannel) Drain() []Sample { return nil }
func (c *sequencedChannel) Close() error    { return nil }

// TestReassembleTopologyOutOfOrder is scenario 6: frames numbered
// 1/3, 3/3, 2/3 arrive in that order. The third frame does not advance
// past the second (2 <= 3), which must be rejected rather than silently
// reordered or dropped.
func TestReassembleTopologyOutOfOrder(t *testing.T) {
	ch := &sequencedChannel{frames: []Sample{
		{Kind: Textual, SeqNumber: 1, SeqTotal: 3, Text: "a"},
		{Kind: Textual, SeqNumber: 3, SeqTotal: 3, Text: "c"},
		{Kind: Textual, SeqNumber: 2, SeqTotal: 3, Text: "b"},
	}}
	if _, err := reassembleTopology(context.Background(), ch); err == nil {
		t.Fatalf("expected an error for an out-of-order topology frame")
	}
}

// TestReassembleTopologyInOrder is the companion happy path: frames
// arriving 1/3, 2/3, 3/3 concatenate into the full document and return
// once the final frame is seen.
func TestReassembleTopologyInOrder(t *testing.T) {
	ch := &sequencedChannel{frames: []Sample{
		{Kind: Textual, SeqNumber: 1, SeqTotal: 3, Text: "a"},
		{Kind: Textual, SeqNumber: 2, SeqTotal: 3, Text: "b"},
		{Kind: Textual, SeqNumber: 3, SeqTotal: 3, Text: "c"},
	}}
	doc, err := reassembleTopology(context.Background(), ch)
	if err != nil {
		t.Fatalf("reassembleTopology: %v", err)
	}
	if string(doc) != "abc" {
		t.Fatalf("doc = %q, want %q", doc, "abc")
	}
}

func TestDecodeMessageNumerical(t *testing.T) {
	s := decodeMessage("N:42.5")
	if s.Kind != Numerical {
		t.Fatalf("Kind = %v, want Numerical", s.Kind)
	}
	if s.Number != 42.5 {
		t.Fatalf("Number = %v, want 42.5", s.Number)
	}
}

func TestDecodeMessageTextual(t *testing.T) {
	s := decodeMessage("T:2/3:hello")
	if s.Kind != Textual {
		t.Fatalf("Kind = %v, want Textual", s.Kind)
	}
	if s.SeqNumber != 2 || s.SeqTotal != 3 {
		t.Fatalf("SeqNumber/SeqTotal = %d/%d, want 2/3", s.SeqNumber, s.SeqTotal)
	}
	if s.Text != "hello" {
		t.Fatalf("Text = %q, want %q", s.Text, "hello")
	}
}

func TestKindForTopicRoundTrip(t *testing.T) {
	for k := UpdateKind(0); k < updateKindCount; k++ {
		got, ok := kindForTopic(k.topicName())
		if !ok {
			t.Fatalf("kindForTopic(%s) not found", k.topicName())
		}
		if got != k {
			t.Fatalf("kindForTopic(%s) = %v, want %v", k.topicName(), got, k)
		}
	}
}
