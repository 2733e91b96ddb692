// Copyright 2024 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package correlate

import "github.com/relaywatch/relaywatch/internal/model"

// Graph is the Correlator's in-memory undirected weighted graph keyed
// by Flow ID (spec.md §4.4). Each correlation pass builds a new Graph
// from the pairs it emits; it is never loaded from the persisted
// Correlation rows.
//
// Connected-component and neighbour queries are hand-rolled per
// spec.md §9's explicit instruction to avoid a heavy graph-library
// dependency; the union-find/adjacency shape below is informed by
// reading (not importing) katalvlaran-lvlath's graph package.
type Graph struct {
	adjacency map[model.FlowID]map[model.FlowID]float64
	parent    map[model.FlowID]model.FlowID
	rank      map[model.FlowID]int
}

// NewGraph builds an empty Graph.
func NewGraph() *Graph {
	return &Graph{
		adjacency: make(map[model.FlowID]map[model.FlowID]float64),
		parent:    make(map[model.FlowID]model.FlowID),
		rank:      make(map[model.FlowID]int),
	}
}

func (g *Graph) ensureNode(id model.FlowID) {
	if _, ok := g.adjacency[id]; !ok {
		g.adjacency[id] = make(map[model.FlowID]float64)
		g.parent[id] = id
		g.rank[id] = 0
	}
}

// AddEdge records an undirected weighted edge between a and b.
func (g *Graph) AddEdge(a, b model.FlowID, weight float64) {
	g.ensureNode(a)
	g.ensureNode(b)
	g.adjacency[a][b] = weight
	g.adjacency[b][a] = weight
	g.union(a, b)
}

// Neighbours returns every Flow ID adjacent to id and the edge weight,
// the Correlator's "neighbours of a given Flow" query.
func (g *Graph) Neighbours(id model.FlowID) map[model.FlowID]float64 {
	out := make(map[model.FlowID]float64, len(g.adjacency[id]))
	for k, v := range g.adjacency[id] {
		out[k] = v
	}
	return out
}

func (g *Graph) find(id model.FlowID) model.FlowID {
	root := id
	for g.parent[root] != root {
		root = g.parent[root]
	}
	// path compression
	for g.parent[id] != root {
		g.parent[id], id = root, g.parent[id]
	}
	return root
}

func (g *Graph) union(a, b model.FlowID) {
	ra, rb := g.find(a), g.find(b)
	if ra == rb {
		return
	}
	switch {
	case g.rank[ra] < g.rank[rb]:
		ra, rb = rb, ra
	case g.rank[ra] == g.rank[rb]:
		g.rank[ra]++
	}
	g.parent[rb] = ra
}

// ConnectedComponents returns every connected component of size ≥ minSize
// (spec.md §4.4's "candidate circuits" query), each as the set of Flow
// IDs it contains.
func (g *Graph) ConnectedComponents(minSize int) [][]model.FlowID {
	groups := make(map[model.FlowID][]model.FlowID)
	for id := range g.adjacency {
		root := g.find(id)
		groups[root] = append(groups[root], id)
	}

	var components [][]model.FlowID
	for _, members := range groups {
		if len(members) >= minSize {
			components = append(components, members)
		}
	}
	return components
}

// NodeCount reports how many distinct Flow IDs appear in the graph.
func (g *Graph) NodeCount() int { return len(g.adjacency) }
