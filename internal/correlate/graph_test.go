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

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/relaywatch/relaywatch/internal/model"
)

func TestGraphNeighbours(t *testing.T) {
	g := NewGraph()
	g.AddEdge(1, 2, 0.5)
	g.AddEdge(1, 3, 0.7)

	n := g.Neighbours(1)
	require.Len(t, n, 2)
	require.Equal(t, 0.5, n[2])
	require.Equal(t, 0.7, n[3])
	require.Empty(t, g.Neighbours(99))
}

func TestGraphConnectedComponents(t *testing.T) {
	g := NewGraph()
	g.AddEdge(1, 2, 0.5)
	g.AddEdge(2, 3, 0.5)
	g.AddEdge(10, 11, 0.5)
	g.ensureNode(20) // isolated single node

	components := g.ConnectedComponents(2)
	require.Len(t, components, 2, "the isolated node forms a component of size 1, below minSize")

	var sizes []int
	for _, c := range components {
		sizes = append(sizes, len(c))
	}
	require.ElementsMatch(t, []int{3, 2}, sizes)
}

func TestGraphConnectedComponentsMinSizeOne(t *testing.T) {
	g := NewGraph()
	g.AddEdge(1, 2, 0.5)
	g.ensureNode(5)

	components := g.ConnectedComponents(1)
	require.Len(t, components, 2)
}

func TestGraphNodeCount(t *testing.T) {
	g := NewGraph()
	require.Equal(t, 0, g.NodeCount())
	g.AddEdge(model.FlowID(1), model.FlowID(2), 1.0)
	require.Equal(t, 2, g.NodeCount())
	g.AddEdge(model.FlowID(2), model.FlowID(3), 1.0)
	require.Equal(t, 3, g.NodeCount())
}
