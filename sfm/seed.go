package sfm

import (
	"math"

	"github.com/golang/geo/r2"
	"github.com/montanaflynn/stats"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"

	"github.com/rfabbri/gosfm/epipolar"
	"github.com/rfabbri/gosfm/tracks"
	"github.com/rfabbri/gosfm/triangulate"
	"github.com/rfabbri/gosfm/utils"
)

// chooseInitialPair ranks every view pair sharing enough tracks by a baseline
// quality score and returns the candidates best first. The score favors many
// shared tracks with a wide, varied feature displacement, a cheap stand-in for
// the parallax the pair will provide.
func (e *Engine) chooseInitialPair() ([]Pair, error) {
	views := e.visibility.Views()
	candidates := make([]Pair, 0)
	scores := make([]float64, 0)
	for i := 0; i < len(views); i++ {
		for j := i + 1; j < len(views); j++ {
			shared := e.visibility.SharedTracks(views[i], views[j])
			if len(shared) < e.opts.MinSeedSharedTracks {
				continue
			}
			score := e.scoreSeedPair(views[i], views[j], shared)
			if score <= 0 {
				continue
			}
			candidates = append(candidates, Pair{I: views[i], J: views[j]})
			scores = append(scores, score)
		}
	}
	if len(candidates) == 0 {
		return nil, errors.Wrap(ErrSeedSelection, "no view pair shares enough tracks")
	}
	// sort candidates by descending score
	order := make([]int, len(scores))
	negated := make([]float64, len(scores))
	for i, s := range scores {
		negated[i] = -s
	}
	floats.Argsort(negated, order)
	ranked := make([]Pair, len(candidates))
	for i, idx := range order {
		ranked[i] = candidates[idx]
	}
	return ranked, nil
}

// scoreSeedPair combines the shared-track count with the median feature
// displacement between the two views.
func (e *Engine) scoreSeedPair(a, b uint32, shared []tracks.TrackID) float64 {
	featsA := e.features.Features(a)
	featsB := e.features.Features(b)
	displacements := make([]float64, 0, len(shared))
	for _, id := range shared {
		track := e.tracks[id]
		fa, fb := track[a], track[b]
		if int(fa) >= len(featsA) || int(fb) >= len(featsB) {
			continue
		}
		displacements = append(displacements, featsA[fa].Sub(featsB[fb]).Norm())
	}
	if len(displacements) == 0 {
		return 0
	}
	median, err := stats.Median(stats.Float64Data(displacements))
	if err != nil || median <= 0 {
		return 0
	}
	return float64(len(displacements)) * median
}

// makeInitialReconstruction bootstraps the coordinate frame from the seed
// pair: robust relative pose bounded by the configured iteration cap, the
// first camera fixed at {R=I | t=0}, and every shared track triangulated with
// the configured method. Per-camera thresholds are seeded from the inlier
// residuals.
func (e *Engine) makeInitialReconstruction(pair Pair) error {
	if pair.I == pair.J {
		return errors.Wrapf(ErrSeedGeometry, "seed pair (%d,%d) is degenerate", pair.I, pair.J)
	}
	modelI, err := e.cameras.ModelForView(pair.I)
	if err != nil {
		return errors.Wrap(ErrSeedGeometry, err.Error())
	}
	shared := e.visibility.SharedTracks(pair.I, pair.J)
	featsI := e.features.Features(pair.I)
	featsJ := e.features.Features(pair.J)

	ids := make([]tracks.TrackID, 0, len(shared))
	ptsI := make([]r2.Point, 0, len(shared))
	ptsJ := make([]r2.Point, 0, len(shared))
	for _, id := range shared {
		track := e.tracks[id]
		fi, fj := track[pair.I], track[pair.J]
		if int(fi) >= len(featsI) || int(fj) >= len(featsJ) {
			continue
		}
		ids = append(ids, id)
		ptsI = append(ptsI, featsI[fi])
		ptsJ = append(ptsJ, featsJ[fj])
	}
	if len(ids) < e.opts.MinSeedSharedTracks {
		return errors.Wrapf(ErrSeedGeometry, "seed pair (%d,%d) shares only %d usable tracks", pair.I, pair.J, len(ids))
	}

	thresholdSq := utils.Square(e.opts.ProvisionalThreshold)
	result, err := epipolar.EstimateRelativePoseRANSAC(
		ptsI, ptsJ,
		modelI.GetCameraMatrix(),
		thresholdSq,
		e.opts.MaxSeedRANSACIterations,
		e.opts.MinSeedLandmarks,
		e.rng,
	)
	if err != nil {
		return errors.Wrapf(ErrSeedGeometry, "seed pair (%d,%d): %v", pair.I, pair.J, err)
	}

	poseI := NewIdentityPose()
	poseJ := &Pose{
		Rotation:    result.Pose.Rotation,
		Translation: result.Pose.TranslationVector(),
	}

	method, _ := triangulate.ParseMethod(e.opts.TriangulationMethod)
	triangulated := 0
	residualsI := make([]float64, 0, result.NumInliers)
	residualsJ := make([]float64, 0, result.NumInliers)
	modelJ, err := e.cameras.ModelForView(pair.J)
	if err != nil {
		return errors.Wrap(ErrSeedGeometry, err.Error())
	}
	landmarks := map[tracks.TrackID]*Landmark{}
	for i, id := range ids {
		if !result.Inliers[i] {
			continue
		}
		obs := []triangulate.Observation{
			{Rot: poseI.Rotation, Trans: poseI.Translation, Pixel: ptsI[i], Intrinsics: modelI.PinholeCameraIntrinsics},
			{Rot: poseJ.Rotation, Trans: poseJ.Translation, Pixel: ptsJ[i], Intrinsics: modelJ.PinholeCameraIntrinsics},
		}
		pt, err := triangulate.Triangulate(obs, method)
		if err != nil {
			// behind a camera or ill conditioned, drop this track from the seed
			continue
		}
		errI, okI := modelI.ReprojectionErrorSq(poseI.Rotation, poseI.Translation, pt, ptsI[i])
		errJ, okJ := modelJ.ReprojectionErrorSq(poseJ.Rotation, poseJ.Translation, pt, ptsJ[i])
		if !okI || !okJ || errI >= thresholdSq || errJ >= thresholdSq {
			continue
		}
		track := e.tracks[id]
		cloned := make(tracks.Track, len(track))
		for v, f := range track {
			cloned[v] = f
		}
		landmarks[id] = &Landmark{Point: pt, Track: cloned}
		residualsI = append(residualsI, errI)
		residualsJ = append(residualsJ, errJ)
		triangulated++
	}
	if triangulated < e.opts.MinSeedLandmarks {
		return errors.Wrapf(ErrSeedGeometry, "seed pair (%d,%d) produced only %d well-conditioned points", pair.I, pair.J, triangulated)
	}

	e.recon.MarkResected(pair.I, poseI)
	e.recon.MarkResected(pair.J, poseJ)
	for id, lm := range landmarks {
		e.recon.Landmarks[id] = lm
	}
	e.updateThreshold(pair.I, residualsI)
	e.updateThreshold(pair.J, residualsJ)
	e.logger.Infow("seeded reconstruction",
		"pair_i", pair.I,
		"pair_j", pair.J,
		"inliers", result.NumInliers,
		"points", triangulated,
		"threshold_px", math.Sqrt(e.recon.ThresholdFor(pair.J, thresholdSq)),
	)
	return nil
}
