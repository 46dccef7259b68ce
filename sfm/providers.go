package sfm

import (
	"github.com/golang/geo/r2"

	"github.com/rfabbri/gosfm/tracks"
)

// FeatureSource supplies the detected 2D feature positions of each view,
// index-addressable in detection order. Implementations must return data
// synchronously and stay valid for the whole engine run.
type FeatureSource interface {
	Features(viewID uint32) []r2.Point
}

// OrientationSource is an optional capability of a FeatureSource whose features
// carry a dominant orientation, in radians, per feature. Needed only when the
// orientation match constraint is enabled.
type OrientationSource interface {
	Orientations(viewID uint32) []float64
}

// MatchSource supplies the putative pairwise feature matches between views.
type MatchSource interface {
	Matches() map[tracks.ViewPair][]tracks.FeatureMatch
}

// MatchConstraint selects the multiview filtering applied to putative matches
// before track building.
type MatchConstraint string

const (
	// MatchConstraintNone applies no extra filtering.
	MatchConstraintNone = MatchConstraint("none")
	// MatchConstraintOrientation discards matches whose feature orientation
	// difference disagrees with the pair's dominant rotation.
	MatchConstraintOrientation = MatchConstraint("orientation")
)
