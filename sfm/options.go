package sfm

import (
	"encoding/json"
	"os"

	"github.com/pkg/errors"
	"go.viam.com/utils"

	"github.com/rfabbri/gosfm/triangulate"
)

// Defaults for the engine configuration surface.
const (
	// DefaultMaxSeedRANSACIterations bounds the robust seed estimation,
	// for pairs and trifocal triplets alike.
	DefaultMaxSeedRANSACIterations = 100
	// DefaultMaxResectionRANSACIterations bounds each pose-from-points search.
	DefaultMaxResectionRANSACIterations = 256
	// DefaultProvisionalThreshold is the inlier bound, in pixels, used for a
	// camera before its adaptive threshold has been estimated.
	DefaultProvisionalThreshold = 4.0
	// DefaultMinSeedSharedTracks is the fewest shared tracks a view pair needs
	// to be considered as a seed.
	DefaultMinSeedSharedTracks = 8
	// DefaultMinSeedLandmarks is the fewest triangulated points an accepted
	// seed reconstruction must produce.
	DefaultMinSeedLandmarks = 8
	// DefaultMinResectionTrackCount is the resectability floor: remaining views
	// observing fewer already-triangulated tracks are not candidates.
	DefaultMinResectionTrackCount = 6
	// DefaultMinResectionInliers is the fewest supporting correspondences an
	// accepted resection needs.
	DefaultMinResectionInliers = 6
	// DefaultBundleAdjustmentInterval refines the model every n added views.
	DefaultBundleAdjustmentInterval = 3
	// DefaultDriftMSE triggers an early refinement when the mean squared
	// reprojection error, in squared pixels, exceeds it.
	DefaultDriftMSE = 16.0
	// DefaultHistogramBins sizes the residual histogram.
	DefaultHistogramBins = 20
	// DefaultBAMaxEvaluations caps objective evaluations per refinement.
	DefaultBAMaxEvaluations = 5000
)

// Options is the configuration surface of the reconstruction engine, consumed
// by a thin front end that stays out of this package.
type Options struct {
	MatchConstraint     MatchConstraint `json:"match_constraint"`
	InitialPair         Pair            `json:"initial_pair"`
	InitialTriplet      Triplet         `json:"initial_triplet"`
	TriangulationMethod string          `json:"triangulation_method"`
	ResectionSolver     string          `json:"resection_solver"`

	MaxSeedRANSACIterations      int     `json:"max_seed_ransac_iterations"`
	MaxResectionRANSACIterations int     `json:"max_resection_ransac_iterations"`
	ProvisionalThreshold         float64 `json:"provisional_threshold_px"`
	MinSeedSharedTracks          int     `json:"min_seed_shared_tracks"`
	MinSeedLandmarks             int     `json:"min_seed_landmarks"`
	MinResectionTrackCount       int     `json:"min_resection_track_count"`
	MinResectionInliers          int     `json:"min_resection_inliers"`
	BundleAdjustmentInterval     int     `json:"bundle_adjustment_interval"`
	DriftMSE                     float64 `json:"drift_mse"`
	RefineIntrinsics             bool    `json:"refine_intrinsics"`
	HistogramBins                int     `json:"histogram_bins"`
	BAMaxEvaluations             int     `json:"ba_max_evaluations"`
	RandomSeed                   int64   `json:"random_seed"`
}

// LoadOptions loads engine options from a json file.
func LoadOptions(path string) (*Options, error) {
	var opts Options
	//nolint:gosec
	optsFile, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "error opening JSON file")
	}
	defer utils.UncheckedErrorFunc(optsFile.Close)
	jsonParser := json.NewDecoder(optsFile)
	if err := jsonParser.Decode(&opts); err != nil {
		return nil, errors.Wrap(err, "error parsing JSON options")
	}
	if err := opts.validate(); err != nil {
		return nil, err
	}
	return &opts, nil
}

// fillDefaults replaces zero values with the package defaults.
func (o *Options) fillDefaults() {
	if o.MatchConstraint == "" {
		o.MatchConstraint = MatchConstraintNone
	}
	if o.MaxSeedRANSACIterations <= 0 {
		o.MaxSeedRANSACIterations = DefaultMaxSeedRANSACIterations
	}
	if o.MaxResectionRANSACIterations <= 0 {
		o.MaxResectionRANSACIterations = DefaultMaxResectionRANSACIterations
	}
	if o.ProvisionalThreshold <= 0 {
		o.ProvisionalThreshold = DefaultProvisionalThreshold
	}
	if o.MinSeedSharedTracks <= 0 {
		o.MinSeedSharedTracks = DefaultMinSeedSharedTracks
	}
	if o.MinSeedLandmarks <= 0 {
		o.MinSeedLandmarks = DefaultMinSeedLandmarks
	}
	if o.MinResectionTrackCount <= 0 {
		o.MinResectionTrackCount = DefaultMinResectionTrackCount
	}
	if o.MinResectionInliers <= 0 {
		o.MinResectionInliers = DefaultMinResectionInliers
	}
	if o.BundleAdjustmentInterval <= 0 {
		o.BundleAdjustmentInterval = DefaultBundleAdjustmentInterval
	}
	if o.DriftMSE <= 0 {
		o.DriftMSE = DefaultDriftMSE
	}
	if o.HistogramBins <= 0 {
		o.HistogramBins = DefaultHistogramBins
	}
	if o.BAMaxEvaluations <= 0 {
		o.BAMaxEvaluations = DefaultBAMaxEvaluations
	}
}

// validate rejects unknown enum values.
func (o *Options) validate() error {
	switch o.MatchConstraint {
	case "", MatchConstraintNone, MatchConstraintOrientation:
	default:
		return errors.Errorf("do not know how to parse %q match constraint", o.MatchConstraint)
	}
	if _, err := triangulate.ParseMethod(o.TriangulationMethod); err != nil {
		return err
	}
	if _, err := ParseSolverType(o.ResectionSolver); err != nil {
		return err
	}
	return nil
}
