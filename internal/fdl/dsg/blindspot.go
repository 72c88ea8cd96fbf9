/*-
 * Copyright © 2016-2017, Jörg Pernfuß <code.jpe@gmail.com>
 * Copyright © 2016, 1&1 Internet SE
 * All rights reserved.
 *
 * Use of this source code is governed by a 2-clause BSD license
 * that can be found in the LICENSE file.
 */

package dsg

import (
	"github.com/solnx/stream-fdl/internal/fdl/datastore"
	"github.com/solnx/stream-fdl/internal/fdl/model"
)

// enumerateBlindspots reports the vertices that are terminal consumers
// of information: true sinks (no outgoing edges) and the members of any
// strongly connected component none of whose edges leave that component
// (a cycle sink). A plain "is this neighbour already visited" DFS check
// is not enough to tell those apart from an ordinary interior vertex of
// a chain, since by the time a vertex's own check runs every vertex
// reachable from it has necessarily been visited already; Tarjan's
// algorithm is used instead to group vertices into strongly connected
// components first, then a component is reported as a blindspot only
// if none of its members has an edge leaving the component (including
// edges that leave the view entirely, which can never be contained).
func enumerateBlindspots(view datastore.GraphView) []model.MemberProxy {
	byKey := make(map[model.PrimaryKey]datastore.GraphVertex, len(view.Vertices))
	for _, v := range view.Vertices {
		byKey[v.Member.PrimaryKey] = v
	}

	t := &tarjan{
		byKey:   byKey,
		index:   make(map[model.PrimaryKey]int),
		lowlink: make(map[model.PrimaryKey]int),
		onStack: make(map[model.PrimaryKey]bool),
		sccID:   make(map[model.PrimaryKey]int),
	}
	for _, v := range view.Vertices {
		key := v.Member.PrimaryKey
		if _, done := t.index[key]; !done {
			t.strongconnect(key)
		}
	}

	escapes := make([]bool, len(t.components))
	for id, comp := range t.components {
		for _, key := range comp {
			for _, out := range byKey[key].Outgoing {
				if sccID, ok := t.sccID[out.PrimaryKey]; !ok || sccID != id {
					escapes[id] = true
					break
				}
			}
			if escapes[id] {
				break
			}
		}
	}

	var blindspots []model.MemberProxy
	for id, comp := range t.components {
		if escapes[id] {
			continue
		}
		for _, key := range comp {
			blindspots = append(blindspots, byKey[key].Member)
		}
	}
	return blindspots
}

// tarjan holds the working state of a single run of Tarjan's strongly
// connected components algorithm over a GraphView.
type tarjan struct {
	byKey   map[model.PrimaryKey]datastore.GraphVertex
	index   map[model.PrimaryKey]int
	lowlink map[model.PrimaryKey]int
	onStack map[model.PrimaryKey]bool
	stack   []model.PrimaryKey
	counter int

	sccID      map[model.PrimaryKey]int
	components [][]model.PrimaryKey
}

func (t *tarjan) strongconnect(v model.PrimaryKey) {
	t.index[v] = t.counter
	t.lowlink[v] = t.counter
	t.counter++
	t.stack = append(t.stack, v)
	t.onStack[v] = true

	for _, out := range t.byKey[v].Outgoing {
		w := out.PrimaryKey
		if _, inView := t.byKey[w]; !inView {
			continue
		}
		if _, visited := t.index[w]; !visited {
			t.strongconnect(w)
			if t.lowlink[w] < t.lowlink[v] {
				t.lowlink[v] = t.lowlink[w]
			}
		} else if t.onStack[w] {
			if t.index[w] < t.lowlink[v] {
				t.lowlink[v] = t.index[w]
			}
		}
	}

	if t.lowlink[v] != t.index[v] {
		return
	}

	id := len(t.components)
	var comp []model.PrimaryKey
	for {
		n := len(t.stack) - 1
		w := t.stack[n]
		t.stack = t.stack[:n]
		t.onStack[w] = false
		t.sccID[w] = id
		comp = append(comp, w)
		if w == v {
			break
		}
	}
	t.components = append(t.components, comp)
}
