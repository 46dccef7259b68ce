// Package tracks fuses pairwise 2D feature matches into multi-view tracks,
// where a track collects every observation of one physical 3D point.
package tracks

import (
	"sort"

	"github.com/pkg/errors"
)

// ErrNoTracks is returned when no valid multi-view track can be built from the matches.
var ErrNoTracks = errors.New("no valid multi-view tracks could be built from the matches")

// ViewPair identifies an unordered pair of views with matches between them.
type ViewPair struct {
	A uint32 `json:"a"`
	B uint32 `json:"b"`
}

// FeatureMatch is one correspondence between feature A in the first view of a
// pair and feature B in the second.
type FeatureMatch struct {
	A uint32 `json:"a"`
	B uint32 `json:"b"`
}

// TrackID identifies a track within one build.
type TrackID uint32

// Track maps a view id to the index of the feature observing the track's point
// in that view. A valid track has at least two views and each view appears at
// most once by construction of the map.
type Track map[uint32]uint32

// node is one (view, feature) vertex of the correspondence graph.
type node struct {
	view    uint32
	feature uint32
}

// unionFind is a plain disjoint-set forest over correspondence-graph nodes.
type unionFind struct {
	parent map[node]node
	rank   map[node]int
}

func newUnionFind() *unionFind {
	return &unionFind{
		parent: map[node]node{},
		rank:   map[node]int{},
	}
}

func (uf *unionFind) find(n node) node {
	if _, ok := uf.parent[n]; !ok {
		uf.parent[n] = n
		return n
	}
	root := n
	for uf.parent[root] != root {
		root = uf.parent[root]
	}
	// path compression
	for uf.parent[n] != root {
		n, uf.parent[n] = uf.parent[n], root
	}
	return root
}

func (uf *unionFind) union(a, b node) {
	ra, rb := uf.find(a), uf.find(b)
	if ra == rb {
		return
	}
	if uf.rank[ra] < uf.rank[rb] {
		ra, rb = rb, ra
	}
	uf.parent[rb] = ra
	if uf.rank[ra] == uf.rank[rb] {
		uf.rank[ra]++
	}
}

// Build turns pairwise matches into tracks by taking connected components of
// the correspondence graph. Components where one view contributes more than
// one feature are ambiguous and discarded, as are components spanning fewer
// than two views. Returns ErrNoTracks when nothing valid remains.
func Build(matches map[ViewPair][]FeatureMatch) (map[TrackID]Track, error) {
	uf := newUnionFind()
	for pair, featureMatches := range matches {
		if pair.A == pair.B {
			// self matches carry no multi-view information
			continue
		}
		for _, m := range featureMatches {
			uf.union(node{pair.A, m.A}, node{pair.B, m.B})
		}
	}

	components := map[node][]node{}
	for n := range uf.parent {
		root := uf.find(n)
		components[root] = append(components[root], n)
	}

	// deterministic track ids: order components by their smallest member
	roots := make([]node, 0, len(components))
	for root, members := range components {
		sort.Slice(members, func(i, j int) bool {
			if members[i].view != members[j].view {
				return members[i].view < members[j].view
			}
			return members[i].feature < members[j].feature
		})
		roots = append(roots, root)
	}
	sort.Slice(roots, func(i, j int) bool {
		a, b := components[roots[i]][0], components[roots[j]][0]
		if a.view != b.view {
			return a.view < b.view
		}
		return a.feature < b.feature
	})

	built := map[TrackID]Track{}
	nextID := TrackID(0)
	for _, root := range roots {
		members := components[root]
		track := Track{}
		ambiguous := false
		for _, m := range members {
			if _, seen := track[m.view]; seen {
				// one view observing the same point twice is non-bijective
				ambiguous = true
				break
			}
			track[m.view] = m.feature
		}
		if ambiguous || len(track) < 2 {
			continue
		}
		built[nextID] = track
		nextID++
	}
	if len(built) == 0 {
		return nil, ErrNoTracks
	}
	return built, nil
}
