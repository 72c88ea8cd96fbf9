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
	"encoding/json"
	"fmt"

	"github.com/solnx/stream-fdl/internal/fdl/model"
)

// GraphView is a snapshot of the full computation graph: every member
// paired with its outgoing neighbours. Built from the topology query's
// active/passive/pub/sub/send arrays.
type GraphView struct {
	Vertices []GraphVertex
}

// GraphVertex is one member plus its outgoing edges, as consumed by
// blindspot enumeration.
type GraphVertex struct {
	Member   model.MemberProxy
	Outgoing []model.MemberProxy
}

type topologyDoc struct {
	Results []struct {
		Data []struct {
			Row []topologyRow `json:"row"`
		} `json:"data"`
	} `json:"results"`
}

type topologyRow struct {
	Active  []topologyNode `json:"active"`
	Passive []topologyNode `json:"passive"`
	Pub     []topologyRel  `json:"pub"`
	Sub     []topologyRel  `json:"sub"`
	Send    []topologyRel  `json:"send"`
}

type topologyNode struct {
	PrimaryKey string `json:"primaryKey"`
}

type topologyRel struct {
	From *topologyNode `json:"from"`
	To   *topologyNode `json:"to"`
	Rel  *struct{}     `json:"rel"`
}

// parseGraphView parses the reassembled topology document into a
// GraphView. results[0].data[0].row[0] carries the five arrays per
// spec.md §4.4. Null rel entries are skipped.
func parseGraphView(doc []byte) (GraphView, error) {
	var parsed topologyDoc
	if err := json.Unmarshal(doc, &parsed); err != nil {
		return GraphView{}, fmt.Errorf("datastore: parsing topology document: %w", err)
	}
	if len(parsed.Results) == 0 || len(parsed.Results[0].Data) == 0 || len(parsed.Results[0].Data[0].Row) == 0 {
		return GraphView{}, fmt.Errorf("datastore: topology document missing results[0].data[0].row[0]")
	}
	row := parsed.Results[0].Data[0].Row[0]

	outgoing := make(map[string][]model.MemberProxy)
	addEdge := func(from model.MemberProxy, to model.MemberProxy) {
		key := edgeOwnerKey(from)
		outgoing[key] = append(outgoing[key], to)
	}

	for _, rel := range row.Pub {
		if rel.Rel == nil || rel.From == nil || rel.To == nil {
			continue
		}
		addEdge(model.MemberProxy{PrimaryKey: model.PrimaryKey(rel.From.PrimaryKey), IsTopic: false},
			model.MemberProxy{PrimaryKey: model.PrimaryKey(rel.To.PrimaryKey), IsTopic: true})
	}
	for _, rel := range row.Sub {
		if rel.Rel == nil || rel.From == nil || rel.To == nil {
			continue
		}
		addEdge(model.MemberProxy{PrimaryKey: model.PrimaryKey(rel.From.PrimaryKey), IsTopic: true},
			model.MemberProxy{PrimaryKey: model.PrimaryKey(rel.To.PrimaryKey), IsTopic: false})
	}
	for _, rel := range row.Send {
		if rel.Rel == nil || rel.From == nil || rel.To == nil {
			continue
		}
		addEdge(model.MemberProxy{PrimaryKey: model.PrimaryKey(rel.From.PrimaryKey), IsTopic: false},
			model.MemberProxy{PrimaryKey: model.PrimaryKey(rel.To.PrimaryKey), IsTopic: false})
	}

	view := GraphView{}
	seen := make(map[string]bool)
	appendVertex := func(proxy model.MemberProxy) {
		key := edgeOwnerKey(proxy)
		if seen[key] {
			return
		}
		seen[key] = true
		view.Vertices = append(view.Vertices, GraphVertex{
			Member:   proxy,
			Outgoing: outgoing[key],
		})
	}
	for _, n := range row.Active {
		appendVertex(model.MemberProxy{PrimaryKey: model.PrimaryKey(n.PrimaryKey), IsTopic: false})
	}
	for _, n := range row.Passive {
		appendVertex(model.MemberProxy{PrimaryKey: model.PrimaryKey(n.PrimaryKey), IsTopic: true})
	}
	return view, nil
}

func edgeOwnerKey(p model.MemberProxy) string {
	if p.IsTopic {
		return "t:" + string(p.PrimaryKey)
	}
	return "n:" + string(p.PrimaryKey)
}
