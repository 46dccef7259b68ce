// Package sfm implements an incremental structure-from-motion core: it turns
// multi-view feature tracks into a metric (up-to-scale) set of camera poses
// and 3D points by seeding from a well-conditioned view pair, growing the
// reconstruction one robustly resected view at a time, and periodically
// re-optimizing the whole model.
package sfm

import (
	"bytes"
	"context"
	"math"
	"math/rand"

	"github.com/aybabtme/uniplot/histogram"
	"github.com/edaniels/golog"
	"github.com/pkg/errors"

	"github.com/rfabbri/gosfm/tracks"
	"github.com/rfabbri/gosfm/triangulate"
)

// State is the lifecycle stage of a reconstruction run.
type State int

// Engine lifecycle states.
const (
	StateEmpty State = iota
	StateTracksBuilt
	StateSeeded
	StateGrowing
	StateDone
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateEmpty:
		return "empty"
	case StateTracksBuilt:
		return "tracks_built"
	case StateSeeded:
		return "seeded"
	case StateGrowing:
		return "growing"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Diagnostics summarizes a finished (or failed) run.
type Diagnostics struct {
	State         State
	ResectedViews int
	PointCount    int
	MSE           float64
	Histogram     histogram.Histogram
	ResidualMin   float64
	ResidualMax   float64
	ResidualMean  float64
}

// DiagnosticsSink receives the final diagnostics of a run. It is entirely
// decoupled from reconstruction logic; a nil sink is valid.
type DiagnosticsSink interface {
	RecordDiagnostics(Diagnostics)
}

// Engine owns the reconstruction state and drives the seed, grow, refine
// loop. It is sequential: one logical control thread owns the state, and any
// internal parallel work is joined before state is mutated. An engine runs
// one reconstruction; create a new one per run.
type Engine struct {
	opts     Options
	features FeatureSource
	matches  MatchSource
	cameras  *CameraRegistry
	logger   golog.Logger
	sink     DiagnosticsSink

	state      State
	tracks     map[tracks.TrackID]tracks.Track
	visibility *tracks.VisibilityHelper
	recon      *ReconstructionState
	rng        *rand.Rand

	initialPair       Pair
	initialPairSet    bool
	initialTriplet    Triplet
	initialTripletSet bool

	resectedOrder []uint32
	diagnostics   *Diagnostics
}

// NewEngine assembles an engine over the given providers and camera registry.
// The providers must stay valid for the lifetime of the engine run.
func NewEngine(
	features FeatureSource,
	matches MatchSource,
	cameras *CameraRegistry,
	opts Options,
	logger golog.Logger,
) (*Engine, error) {
	if features == nil || matches == nil {
		return nil, errors.New("features and matches providers must both be set")
	}
	if cameras == nil {
		return nil, errors.New("camera registry must be set")
	}
	if err := opts.validate(); err != nil {
		return nil, err
	}
	opts.fillDefaults()
	e := &Engine{
		opts:     opts,
		features: features,
		matches:  matches,
		cameras:  cameras,
		logger:   logger,
		state:    StateEmpty,
		//nolint:gosec
		rng: rand.New(rand.NewSource(opts.RandomSeed)),
	}
	if opts.InitialPair.IsSet() {
		e.SetInitialPair(opts.InitialPair)
	}
	if opts.InitialTriplet.IsSet() {
		e.SetInitialTriplet(opts.InitialTriplet)
	}
	return e, nil
}

// SetDiagnosticsSink installs an optional observer for final diagnostics.
func (e *Engine) SetDiagnosticsSink(sink DiagnosticsSink) {
	e.sink = sink
}

// SetInitialPair pins the seed pair, bypassing automatic selection. Presence
// is recorded explicitly so a pair containing view 0 stays usable.
func (e *Engine) SetInitialPair(pair Pair) {
	e.initialPair = pair
	e.initialPairSet = true
}

// SetInitialTriplet pins the seed triplet, bypassing automatic selection.
func (e *Engine) SetInitialTriplet(triplet Triplet) {
	e.initialTriplet = triplet
	e.initialTripletSet = true
}

// HasInitialPair reports whether the stored pair differs from the all-zero
// sentinel, matching the historical configuration-surface semantics.
func (e *Engine) HasInitialPair() bool {
	return e.initialPair.IsSet()
}

// HasInitialTriplet reports whether the stored triplet's third element differs
// from the zero sentinel.
func (e *Engine) HasInitialTriplet() bool {
	return e.initialTriplet.IsSet()
}

// State returns the engine's lifecycle stage.
func (e *Engine) State() State {
	return e.state
}

// Reconstruction returns the reconstruction state. It is owned by the engine;
// callers must treat it as read-only.
func (e *Engine) Reconstruction() *ReconstructionState {
	return e.recon
}

// Diagnostics returns the summary of the last run.
func (e *Engine) Diagnostics() (Diagnostics, error) {
	if e.diagnostics == nil {
		return Diagnostics{}, ErrNotRun
	}
	return *e.diagnostics, nil
}

// Run executes the full reconstruction: track building, seeding, growth with
// periodic refinement, and a final full bundle adjustment with a residual
// report. Per-view failures are skipped; a fatal failure leaves the engine in
// StateFailed with partial diagnostics and returns the failure.
func (e *Engine) Run(ctx context.Context) error {
	if e.state != StateEmpty {
		return errors.Errorf("engine already ran (state %q)", e.state)
	}
	if err := e.initLandmarkTracks(); err != nil {
		return e.fail(err)
	}
	if err := e.seed(ctx); err != nil {
		return e.fail(err)
	}
	e.state = StateGrowing
	if err := e.grow(ctx); err != nil {
		return e.fail(err)
	}
	// final full refinement before the model is handed out
	if err := e.refine(ctx); err != nil {
		return e.fail(err)
	}
	e.state = StateDone
	e.recordDiagnostics(ctx)
	e.logFinalStatistics()
	return nil
}

// fail transitions to the terminal failure state, keeping whatever
// diagnostics can still be computed.
func (e *Engine) fail(err error) error {
	e.state = StateFailed
	e.recordDiagnostics(context.Background())
	e.logger.Errorw("reconstruction failed",
		"error", err,
		"resected_views", len(e.resectedOrder),
	)
	return err
}

// initLandmarkTracks fetches the putative matches, applies the configured
// multiview match constraint, and builds the landmark tracks.
func (e *Engine) initLandmarkTracks() error {
	matches := e.matches.Matches()
	if e.opts.MatchConstraint == MatchConstraintOrientation {
		matches = e.filterMatchesByOrientation(matches)
	}
	built, err := tracks.Build(matches)
	if err != nil {
		return err
	}
	e.tracks = built
	e.visibility = tracks.NewVisibilityHelper(built)
	e.recon = NewReconstructionState(e.visibility.Views())
	e.state = StateTracksBuilt
	e.logger.Infow("landmark tracks built", "tracks", len(built), "views", len(e.recon.Remaining))
	return nil
}

// seed bootstraps the coordinate frame from the pinned or automatically
// selected pair, or from a pinned triplet.
func (e *Engine) seed(ctx context.Context) error {
	if e.initialTripletSet {
		if err := e.seedFromTriplet(); err != nil {
			return err
		}
	} else {
		candidates, err := e.seedCandidates()
		if err != nil {
			return err
		}
		var seedErr error
		seeded := false
		for _, pair := range candidates {
			if seedErr = e.makeInitialReconstruction(pair); seedErr == nil {
				seeded = true
				break
			}
			e.logger.Debugw("seed candidate rejected", "pair_i", pair.I, "pair_j", pair.J, "error", seedErr)
		}
		if !seeded {
			if seedErr == nil {
				seedErr = ErrSeedGeometry
			}
			return seedErr
		}
	}
	e.state = StateSeeded
	e.resectedOrder = append(e.resectedOrder, e.recon.PosedViews()...)
	return nil
}

func (e *Engine) seedCandidates() ([]Pair, error) {
	if e.initialPairSet {
		return []Pair{e.initialPair}, nil
	}
	return e.chooseInitialPair()
}

// seedFromTriplet bootstraps from the first two triplet views and then
// immediately resects the third, so the trifocal seed shares the pair's
// coordinate frame.
func (e *Engine) seedFromTriplet() error {
	t := e.initialTriplet
	if err := e.makeInitialReconstruction(Pair{I: t.I, J: t.J}); err != nil {
		return err
	}
	pose, residuals, err := e.resectView(t.K)
	if err != nil {
		return errors.Wrapf(ErrSeedGeometry, "third seed view %d: %v", t.K, err)
	}
	e.recon.MarkResected(t.K, pose)
	e.updateThreshold(t.K, residuals)
	e.triangulateNewTracks(t.K)
	return nil
}

// grow adds views one robust resection at a time, most promising candidate
// first, until no remaining view clears the resectability floor. The model is
// re-optimized every few added views and whenever the residual drift grows.
func (e *Engine) grow(ctx context.Context) error {
	addedSinceBA := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		candidates := e.FindImagesWithPossibleResection()
		if len(candidates) == 0 {
			// the natural termination signal
			return nil
		}
		resected := false
		for _, view := range candidates {
			pose, residuals, err := e.resectView(view)
			if err != nil {
				// local failure: skip this view for the pass, it may come back
				// once more points exist
				e.logger.Debugw("resection skipped", "view", view, "error", err)
				continue
			}
			e.recon.MarkResected(view, pose)
			e.updateThreshold(view, residuals)
			e.resectedOrder = append(e.resectedOrder, view)
			added := e.triangulateNewTracks(view)
			e.logger.Infow("view resected",
				"view", view,
				"inliers", len(residuals),
				"new_points", added,
				"threshold_px", math.Sqrt(e.recon.Thresholds[view]),
			)
			resected = true
			addedSinceBA++
			break
		}
		if !resected {
			// every candidate failed this pass; more passes cannot help
			return nil
		}
		if addedSinceBA >= e.opts.BundleAdjustmentInterval || e.driftExceeded(ctx) {
			if err := e.refine(ctx); err != nil {
				return err
			}
			addedSinceBA = 0
		}
	}
}

// driftExceeded reports whether the current mean squared residual has drifted
// past the refinement trigger.
func (e *Engine) driftExceeded(ctx context.Context) bool {
	mse, _, err := e.ComputeResidualsHistogram(ctx)
	if err != nil {
		return false
	}
	return mse > e.opts.DriftMSE
}

// refine runs bundle adjustment with rollback: on divergence the pre-BA state
// is restored, per-camera thresholds are tightened, outliers dropped, and the
// refinement retried once. A second divergence is fatal.
func (e *Engine) refine(ctx context.Context) error {
	snapshot := e.recon.Clone()
	err := e.bundleAdjust(ctx)
	if err == nil {
		e.postRefine(ctx)
		return nil
	}
	if !errors.Is(err, ErrBundleAdjustmentDivergence) {
		return err
	}
	e.logger.Warnw("bundle adjustment diverged, retrying with tighter thresholds", "error", err)
	e.recon = snapshot
	for view, thr := range e.recon.Thresholds {
		e.recon.Thresholds[view] = math.Max(thr/4, minAdaptiveThreshold*minAdaptiveThreshold)
	}
	e.removeOutlierObservations()
	if err := e.bundleAdjust(ctx); err != nil {
		e.recon = snapshot
		return err
	}
	e.postRefine(ctx)
	return nil
}

// postRefine prunes observations that ended up over their camera's threshold
// and re-derives every camera's threshold from the refined residuals.
func (e *Engine) postRefine(ctx context.Context) {
	removed := e.removeOutlierObservations()
	if removed > 0 {
		e.logger.Debugw("outlier landmarks removed after refinement", "count", removed)
	}
	perView, err := e.computeResiduals(ctx)
	if err != nil {
		e.logger.Warnw("residual evaluation failed after refinement", "error", err)
		return
	}
	for view, residualsSq := range perView {
		e.updateThreshold(view, residualsSq)
	}
}

// triangulateNewTracks triangulates every track of the freshly posed view
// that is observed by at least two posed views and has no landmark yet.
// Returns the number of new landmarks.
func (e *Engine) triangulateNewTracks(view uint32) int {
	method, _ := triangulate.ParseMethod(e.opts.TriangulationMethod)
	added := 0
	for _, id := range e.visibility.TracksForView(view) {
		if _, ok := e.recon.Landmarks[id]; ok {
			continue
		}
		track := e.tracks[id]
		obs := make([]triangulate.Observation, 0, len(track))
		valid := true
		for v, featIdx := range track {
			pose, ok := e.recon.Poses[v]
			if !ok {
				continue
			}
			model, err := e.cameras.ModelForView(v)
			if err != nil {
				valid = false
				break
			}
			features := e.features.Features(v)
			if int(featIdx) >= len(features) {
				valid = false
				break
			}
			obs = append(obs, triangulate.Observation{
				Rot:        pose.Rotation,
				Trans:      pose.Translation,
				Pixel:      features[featIdx],
				Intrinsics: model.PinholeCameraIntrinsics,
			})
		}
		if !valid || len(obs) < 2 {
			continue
		}
		pt, err := triangulate.Triangulate(obs, method)
		if err != nil {
			// cheirality or conditioning failure is local to the track
			continue
		}
		cloned := make(tracks.Track, len(track))
		for v, f := range track {
			cloned[v] = f
		}
		e.recon.Landmarks[id] = &Landmark{Point: pt, Track: cloned}
		added++
	}
	return added
}

// referenceView is the gauge-fixing camera: the first view ever resected.
func (e *Engine) referenceView() uint32 {
	if len(e.resectedOrder) > 0 {
		return e.resectedOrder[0]
	}
	return e.recon.PosedViews()[0]
}

func (e *Engine) intrinsicIDForView(view uint32) uint32 {
	return e.cameras.viewIntrinsic[view]
}

// recordDiagnostics captures the run summary and forwards it to the sink.
func (e *Engine) recordDiagnostics(ctx context.Context) {
	diag := Diagnostics{
		State:         e.state,
		ResectedViews: len(e.resectedOrder),
	}
	if e.recon != nil {
		diag.ResectedViews = len(e.recon.Poses)
		diag.PointCount = len(e.recon.Landmarks)
		if mse, hist, err := e.ComputeResidualsHistogram(ctx); err == nil {
			diag.MSE = mse
			diag.Histogram = hist
			diag.ResidualMin, diag.ResidualMax, diag.ResidualMean = residualRange(hist, mse)
		}
	}
	e.diagnostics = &diag
	if e.sink != nil {
		e.sink.RecordDiagnostics(diag)
	}
}

func residualRange(hist histogram.Histogram, mse float64) (float64, float64, float64) {
	if len(hist.Buckets) == 0 {
		return 0, 0, 0
	}
	return hist.Buckets[0].Min, hist.Buckets[len(hist.Buckets)-1].Max, math.Sqrt(mse)
}

// logFinalStatistics renders the end-of-run report into the log.
func (e *Engine) logFinalStatistics() {
	if e.diagnostics == nil {
		return
	}
	e.logger.Infow("reconstruction complete",
		"state", e.state.String(),
		"resected_views", e.diagnostics.ResectedViews,
		"points", e.diagnostics.PointCount,
		"mse", e.diagnostics.MSE,
	)
	var buf bytes.Buffer
	if err := histogram.Fprint(&buf, e.diagnostics.Histogram, histogram.Linear(40)); err == nil {
		e.logger.Debugf("residual histogram (px):\n%s", buf.String())
	}
}

// filterMatchesByOrientation keeps, per view pair, only the matches whose
// feature orientation difference votes with the pair's dominant rotation.
// Pairs without orientation data pass through unchanged.
func (e *Engine) filterMatchesByOrientation(
	matches map[tracks.ViewPair][]tracks.FeatureMatch,
) map[tracks.ViewPair][]tracks.FeatureMatch {
	source, ok := e.features.(OrientationSource)
	if !ok {
		e.logger.Warn("orientation constraint enabled but features provider has no orientations; skipping filter")
		return matches
	}
	const bins = 36
	filtered := make(map[tracks.ViewPair][]tracks.FeatureMatch, len(matches))
	for pair, featureMatches := range matches {
		orientA := source.Orientations(pair.A)
		orientB := source.Orientations(pair.B)
		if len(orientA) == 0 || len(orientB) == 0 {
			filtered[pair] = featureMatches
			continue
		}
		votes := make([]int, bins)
		binOf := make([]int, len(featureMatches))
		for i, m := range featureMatches {
			if int(m.A) >= len(orientA) || int(m.B) >= len(orientB) {
				binOf[i] = -1
				continue
			}
			delta := math.Mod(orientB[m.B]-orientA[m.A], 2*math.Pi)
			if delta < 0 {
				delta += 2 * math.Pi
			}
			bin := int(delta / (2 * math.Pi / bins))
			if bin >= bins {
				bin = bins - 1
			}
			binOf[i] = bin
			votes[bin]++
		}
		best := 0
		for b, v := range votes {
			if v > votes[best] {
				best = b
			}
		}
		kept := make([]tracks.FeatureMatch, 0, len(featureMatches))
		for i, m := range featureMatches {
			if binOf[i] < 0 {
				continue
			}
			diff := (binOf[i] - best + bins) % bins
			if diff <= 1 || diff >= bins-1 {
				kept = append(kept, m)
			}
		}
		if len(kept) > 0 {
			filtered[pair] = kept
		}
	}
	return filtered
}
