package sfm

import (
	"math/rand"
	"sort"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"github.com/rfabbri/gosfm/camera"
	"github.com/rfabbri/gosfm/tracks"
	"github.com/rfabbri/gosfm/utils"
)

// SolverType is the name of a resection minimal solver.
type SolverType string

const (
	// SolverDefault resolves to SolverRefinedDLT.
	SolverDefault = SolverType("")
	// SolverDLT keeps the best minimal-sample DLT pose.
	SolverDLT = SolverType("dlt")
	// SolverRefinedDLT refits the DLT pose on the full inlier set of the best sample.
	SolverRefinedDLT = SolverType("refined_dlt")
)

// minResectionSamplePoints is the minimal sample size of the DLT pose solver.
const minResectionSamplePoints = 6

// ParseSolverType validates a configured solver name.
func ParseSolverType(s string) (SolverType, error) {
	switch st := SolverType(s); st {
	case SolverDefault, SolverDLT, SolverRefinedDLT:
		return st, nil
	default:
		return SolverDefault, errors.Errorf("do not know how to parse %q resection solver", s)
	}
}

// correspondence2D3D links an observed pixel in the candidate view with an
// already triangulated point.
type correspondence2D3D struct {
	trackID    tracks.TrackID
	pixel      r2.Point
	normalized r2.Point
	point      r3.Vector
}

// FindImagesWithPossibleResection ranks the remaining views by how many of
// their observed tracks already have a triangulated point, keeping only views
// at or above the resectability floor. An empty result is the natural
// termination signal of the growth loop, not a failure.
func (e *Engine) FindImagesWithPossibleResection() []uint32 {
	type candidate struct {
		view  uint32
		count int
	}
	candidates := make([]candidate, 0, len(e.recon.Remaining))
	for view := range e.recon.Remaining {
		count := 0
		for _, id := range e.visibility.TracksForView(view) {
			if _, ok := e.recon.Landmarks[id]; ok {
				count++
			}
		}
		if count >= e.opts.MinResectionTrackCount {
			candidates = append(candidates, candidate{view, count})
		}
	}
	// richest evidence first; ties broken by view id to keep the order stable
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].count != candidates[j].count {
			return candidates[i].count > candidates[j].count
		}
		return candidates[i].view < candidates[j].view
	})
	out := make([]uint32, len(candidates))
	for i, c := range candidates {
		out[i] = c.view
	}
	return out
}

// resectView robustly estimates the pose of a not-yet-posed view from its
// 2D-3D correspondences. On success it returns the pose together with the
// squared reprojection residuals of the supporting inliers.
func (e *Engine) resectView(view uint32) (*Pose, []float64, error) {
	model, err := e.cameras.ModelForView(view)
	if err != nil {
		return nil, nil, err
	}
	features := e.features.Features(view)

	corrs := make([]correspondence2D3D, 0)
	for _, id := range e.visibility.TracksForView(view) {
		landmark, ok := e.recon.Landmarks[id]
		if !ok {
			continue
		}
		featIdx, ok := landmark.Track[view]
		if !ok || int(featIdx) >= len(features) {
			continue
		}
		px := features[featIdx]
		corrs = append(corrs, correspondence2D3D{
			trackID:    id,
			pixel:      px,
			normalized: model.PixelToNormalized(px),
			point:      landmark.Point,
		})
	}
	minSupport := e.opts.MinResectionInliers
	if minSupport < minResectionSamplePoints {
		minSupport = minResectionSamplePoints
	}
	if len(corrs) < minSupport {
		return nil, nil, errors.Wrapf(ErrResection, "view %d has %d usable correspondences", view, len(corrs))
	}

	thresholdSq := e.recon.ThresholdFor(view, utils.Square(e.opts.ProvisionalThreshold))
	pose, inlierIdx, err := ransacResection(corrs, model, thresholdSq, e.opts.MaxResectionRANSACIterations, minSupport, e.resectionSolver(), e.rng)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "view %d", view)
	}

	residuals := make([]float64, 0, len(inlierIdx))
	for _, i := range inlierIdx {
		errSq, ok := model.ReprojectionErrorSq(pose.Rotation, pose.Translation, corrs[i].point, corrs[i].pixel)
		if ok {
			residuals = append(residuals, errSq)
		}
	}
	return pose, residuals, nil
}

func (e *Engine) resectionSolver() SolverType {
	solver, err := ParseSolverType(e.opts.ResectionSolver)
	if err != nil || solver == SolverDefault {
		return SolverRefinedDLT
	}
	return solver
}

// ransacResection searches for the pose maximizing inlier support under the
// adaptive threshold, bounded by maxIterations minimal samples.
func ransacResection(
	corrs []correspondence2D3D,
	model *camera.PinholeCameraModel,
	thresholdSq float64,
	maxIterations, minInliers int,
	solver SolverType,
	r *rand.Rand,
) (*Pose, []int, error) {
	n := len(corrs)
	var bestPose *Pose
	bestInliers := 0

	sampleNorm := make([]r2.Point, minResectionSamplePoints)
	samplePts := make([]r3.Vector, minResectionSamplePoints)
	for iter := 0; iter < maxIterations; iter++ {
		sample := utils.SampleNDistinct(minResectionSamplePoints, n, r)
		for i, idx := range sample {
			sampleNorm[i] = corrs[idx].normalized
			samplePts[i] = corrs[idx].point
		}
		pose, err := poseFromPointsDLT(sampleNorm, samplePts)
		if err != nil {
			// degenerate sample, try the next one
			continue
		}
		inliers := countResectionInliers(corrs, model, pose, thresholdSq)
		if inliers > bestInliers {
			bestInliers = inliers
			bestPose = pose
		}
	}
	if bestPose == nil || bestInliers < minInliers {
		return nil, nil, errors.Wrapf(ErrResection, "best support %d below floor %d", bestInliers, minInliers)
	}

	inlierIdx := resectionInlierIndices(corrs, model, bestPose, thresholdSq)
	if solver == SolverRefinedDLT {
		refitNorm := make([]r2.Point, 0, len(inlierIdx))
		refitPts := make([]r3.Vector, 0, len(inlierIdx))
		for _, i := range inlierIdx {
			refitNorm = append(refitNorm, corrs[i].normalized)
			refitPts = append(refitPts, corrs[i].point)
		}
		if refined, err := poseFromPointsDLT(refitNorm, refitPts); err == nil {
			if refinedInliers := countResectionInliers(corrs, model, refined, thresholdSq); refinedInliers >= bestInliers {
				bestPose = refined
				inlierIdx = resectionInlierIndices(corrs, model, refined, thresholdSq)
			}
		}
	}
	return bestPose, inlierIdx, nil
}

func countResectionInliers(corrs []correspondence2D3D, model *camera.PinholeCameraModel, pose *Pose, thresholdSq float64) int {
	count := 0
	for i := range corrs {
		errSq, ok := model.ReprojectionErrorSq(pose.Rotation, pose.Translation, corrs[i].point, corrs[i].pixel)
		if ok && errSq < thresholdSq {
			count++
		}
	}
	return count
}

func resectionInlierIndices(corrs []correspondence2D3D, model *camera.PinholeCameraModel, pose *Pose, thresholdSq float64) []int {
	idx := make([]int, 0, len(corrs))
	for i := range corrs {
		errSq, ok := model.ReprojectionErrorSq(pose.Rotation, pose.Translation, corrs[i].point, corrs[i].pixel)
		if ok && errSq < thresholdSq {
			idx = append(idx, i)
		}
	}
	return idx
}

// poseFromPointsDLT recovers a world-to-camera pose from normalized image
// coordinates and their 3D points with the direct linear transform, then
// projects the linear solution onto the rotation manifold.
func poseFromPointsDLT(normalized []r2.Point, points []r3.Vector) (*Pose, error) {
	n := len(normalized)
	if n < minResectionSamplePoints {
		return nil, errors.Errorf("need at least %d correspondences, got %d", minResectionSamplePoints, n)
	}
	a := mat.NewDense(2*n, 12, nil)
	for i := 0; i < n; i++ {
		X, Y, Z := points[i].X, points[i].Y, points[i].Z
		x, y := normalized[i].X, normalized[i].Y
		a.SetRow(2*i, []float64{
			X, Y, Z, 1, 0, 0, 0, 0, -x * X, -x * Y, -x * Z, -x,
		})
		a.SetRow(2*i+1, []float64{
			0, 0, 0, 0, X, Y, Z, 1, -y * X, -y * Y, -y * Z, -y,
		})
	}
	var svd mat.SVD
	if ok := svd.Factorize(a, mat.SVDFull); !ok {
		return nil, errors.New("failed to factorize resection system")
	}
	const rcond = 1e-12
	if svd.Rank(rcond) < 11 {
		return nil, errors.New("rank deficient resection system")
	}
	var V mat.Dense
	svd.VTo(&V)
	p := V.ColView(11)

	proj := mat.NewDense(3, 4, []float64{
		p.AtVec(0), p.AtVec(1), p.AtVec(2), p.AtVec(3),
		p.AtVec(4), p.AtVec(5), p.AtVec(6), p.AtVec(7),
		p.AtVec(8), p.AtVec(9), p.AtVec(10), p.AtVec(11),
	})
	// fix the projective sign so the first point sits in front of the camera
	w := proj.At(2, 0)*points[0].X + proj.At(2, 1)*points[0].Y + proj.At(2, 2)*points[0].Z + proj.At(2, 3)
	if w < 0 {
		proj.Scale(-1, proj)
	}
	m := mat.DenseCopyOf(proj.Slice(0, 3, 0, 3))
	if mat.Det(m) <= 0 {
		return nil, errors.New("reflected or singular resection solution")
	}

	// nearest rotation and the scale that maps M onto it
	var rotSVD mat.SVD
	if ok := rotSVD.Factorize(m, mat.SVDFull); !ok {
		return nil, errors.New("failed to factorize rotation part")
	}
	var u, v mat.Dense
	rotSVD.UTo(&u)
	rotSVD.VTo(&v)
	rot := mat.NewDense(3, 3, nil)
	rot.Mul(&u, v.T())
	singular := rotSVD.Values(nil)
	scale := (singular[0] + singular[1] + singular[2]) / 3
	if scale <= 0 {
		return nil, errors.New("degenerate resection scale")
	}
	trans := r3.Vector{
		X: proj.At(0, 3) / scale,
		Y: proj.At(1, 3) / scale,
		Z: proj.At(2, 3) / scale,
	}
	return &Pose{Rotation: rot, Translation: trans}, nil
}
