package epipolar

import (
	"math/rand"

	"github.com/golang/geo/r2"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"github.com/rfabbri/gosfm/utils"
)

// RANSACResult holds the robust relative pose estimate together with its support.
type RANSACResult struct {
	Pose        *CamPose
	Fundamental *mat.Dense
	Inliers     []bool
	NumInliers  int
	// Residuals are the squared Sampson distances of the inlier correspondences
	// under the best model, in squared pixels.
	Residuals []float64
}

// EstimateRelativePoseRANSAC robustly estimates the relative pose between two
// views from matched pixel coordinates with a shared camera matrix k.
// A correspondence is an inlier when its squared Sampson distance is below
// thresholdSq. The search is bounded by maxIterations hypotheses; a model needs
// at least minInliers supporting correspondences to be accepted.
func EstimateRelativePoseRANSAC(
	pts1, pts2 []r2.Point,
	k *mat.Dense,
	thresholdSq float64,
	maxIterations, minInliers int,
	r *rand.Rand,
) (*RANSACResult, error) {
	if len(pts1) != len(pts2) {
		return nil, errors.New("the 2 sets of points don't have the same number of elements")
	}
	nPoints := len(pts1)
	if nPoints < MinFundamentalPoints {
		return nil, errors.Errorf("need at least %d correspondences, got %d", MinFundamentalPoints, nPoints)
	}
	if minInliers < MinFundamentalPoints {
		minInliers = MinFundamentalPoints
	}

	var bestF *mat.Dense
	bestInliers := 0

	samplePts1 := make([]r2.Point, MinFundamentalPoints)
	samplePts2 := make([]r2.Point, MinFundamentalPoints)
	for iter := 0; iter < maxIterations; iter++ {
		sample := utils.SampleNDistinct(MinFundamentalPoints, nPoints, r)
		for i, idx := range sample {
			samplePts1[i] = pts1[idx]
			samplePts2[i] = pts2[idx]
		}
		f, err := ComputeFundamentalMatrixAllPoints(samplePts1, samplePts2, true)
		if err != nil {
			// degenerate sample, try the next one
			continue
		}
		currentInliers := 0
		for i := range pts1 {
			if SampsonDistanceSq(f, pts1[i], pts2[i]) < thresholdSq {
				currentInliers++
			}
		}
		if currentInliers > bestInliers {
			bestInliers = currentInliers
			bestF = f
		}
	}
	if bestF == nil || bestInliers < minInliers {
		return nil, errors.Errorf("no model with enough support: best had %d inliers, need %d", bestInliers, minInliers)
	}

	// refit on the full inlier set
	inlierMask := make([]bool, nPoints)
	inPts1 := make([]r2.Point, 0, bestInliers)
	inPts2 := make([]r2.Point, 0, bestInliers)
	for i := range pts1 {
		if SampsonDistanceSq(bestF, pts1[i], pts2[i]) < thresholdSq {
			inlierMask[i] = true
			inPts1 = append(inPts1, pts1[i])
			inPts2 = append(inPts2, pts2[i])
		}
	}
	refitF, err := ComputeFundamentalMatrixAllPoints(inPts1, inPts2, true)
	if err == nil {
		// only adopt the refit if it keeps the support
		refitInliers := 0
		for i := range pts1 {
			if SampsonDistanceSq(refitF, pts1[i], pts2[i]) < thresholdSq {
				refitInliers++
			}
		}
		if refitInliers >= bestInliers {
			bestF = refitF
			bestInliers = refitInliers
			inPts1 = inPts1[:0]
			inPts2 = inPts2[:0]
			for i := range pts1 {
				inlierMask[i] = SampsonDistanceSq(bestF, pts1[i], pts2[i]) < thresholdSq
				if inlierMask[i] {
					inPts1 = append(inPts1, pts1[i])
					inPts2 = append(inPts2, pts2[i])
				}
			}
		}
	}

	essentialMatrix, err := GetEssentialMatrixFromFundamental(k, k, bestF)
	if err != nil {
		return nil, err
	}
	poses, err := GetPossibleCameraPoses(essentialMatrix)
	if err != nil {
		return nil, err
	}
	pts1Normalized, err := normalizeWithCameraMatrix(inPts1, k)
	if err != nil {
		return nil, err
	}
	pts2Normalized, err := normalizeWithCameraMatrix(inPts2, k)
	if err != nil {
		return nil, err
	}
	pose := GetCorrectCameraPose(poses, pts1Normalized, pts2Normalized)

	residuals := make([]float64, 0, bestInliers)
	for i := range pts1 {
		if inlierMask[i] {
			residuals = append(residuals, SampsonDistanceSq(bestF, pts1[i], pts2[i]))
		}
	}

	return &RANSACResult{
		Pose:        NewCamPoseFromMat(pose),
		Fundamental: bestF,
		Inliers:     inlierMask,
		NumInliers:  bestInliers,
		Residuals:   residuals,
	}, nil
}
