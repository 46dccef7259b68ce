package sfm

import (
	"context"
	"math"
	"sort"
	"sync"

	"github.com/aybabtme/uniplot/histogram"
	"github.com/montanaflynn/stats"
	"github.com/pkg/errors"

	"github.com/rfabbri/gosfm/tracks"
	"github.com/rfabbri/gosfm/utils"
)

// minAdaptiveThreshold is the tightest per-camera inlier bound, in pixels,
// so a camera with near-perfect residuals still accepts fresh observations.
const minAdaptiveThreshold = 0.5

// ComputeResidualsHistogram computes the reprojection residual of every
// observation in the current reconstruction and returns the mean squared
// error, in squared pixels, together with a histogram of the per-observation
// pixel residuals.
func (e *Engine) ComputeResidualsHistogram(ctx context.Context) (float64, histogram.Histogram, error) {
	perView, err := e.computeResiduals(ctx)
	if err != nil {
		return 0, histogram.Histogram{}, err
	}
	all := make([]float64, 0)
	sumSq := 0.0
	for _, residualsSq := range perView {
		for _, rSq := range residualsSq {
			if math.IsInf(rSq, 1) {
				// behind-camera observations are pruned elsewhere
				continue
			}
			sumSq += rSq
			all = append(all, math.Sqrt(rSq))
		}
	}
	if len(all) == 0 {
		return 0, histogram.Histogram{}, errors.New("no observations to compute residuals from")
	}
	mse := sumSq / float64(len(all))
	return mse, histogram.Hist(e.opts.HistogramBins, all), nil
}

// computeResiduals evaluates the squared reprojection residuals of all current
// observations, grouped per view. Evaluation is spread over a worker pool and
// fully joined before returning; nothing is mutated.
func (e *Engine) computeResiduals(ctx context.Context) (map[uint32][]float64, error) {
	ids := make([]tracks.TrackID, 0, len(e.recon.Landmarks))
	for id := range e.recon.Landmarks {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	perView := map[uint32][]float64{}
	var merge sync.Mutex
	var evalErr error
	err := utils.GroupWorkParallel(
		ctx,
		len(ids),
		func(groupSize int) {},
		func(groupNum, groupSize, from, to int) (utils.MemberWorkFunc, utils.GroupWorkDoneFunc) {
			local := map[uint32][]float64{}
			var localErr error
			return func(memberNum, workNum int) {
					landmark := e.recon.Landmarks[ids[workNum]]
					for view, featIdx := range landmark.Track {
						pose, ok := e.recon.Poses[view]
						if !ok {
							continue
						}
						model, err := e.cameras.ModelForView(view)
						if err != nil {
							localErr = err
							return
						}
						features := e.features.Features(view)
						if int(featIdx) >= len(features) {
							continue
						}
						errSq, inFront := model.ReprojectionErrorSq(pose.Rotation, pose.Translation, landmark.Point, features[featIdx])
						if !inFront {
							// behind the camera counts as an unbounded residual
							errSq = math.Inf(1)
						}
						local[view] = append(local[view], errSq)
					}
				}, func() {
					merge.Lock()
					defer merge.Unlock()
					for view, residuals := range local {
						perView[view] = append(perView[view], residuals...)
					}
					if localErr != nil && evalErr == nil {
						evalErr = localErr
					}
				}
		},
	)
	if err != nil {
		return nil, err
	}
	if evalErr != nil {
		return nil, evalErr
	}
	return perView, nil
}

// adaptiveThresholdSq derives a camera's inlier bound from the distribution of
// its inlier residuals: the 95th percentile of the pixel residuals, floored so
// the bound stays usable. Input and output are in squared pixels.
func adaptiveThresholdSq(residualsSq []float64, provisionalSq float64) float64 {
	if len(residualsSq) == 0 {
		return provisionalSq
	}
	px := make([]float64, 0, len(residualsSq))
	for _, rSq := range residualsSq {
		if !math.IsInf(rSq, 1) {
			px = append(px, math.Sqrt(rSq))
		}
	}
	if len(px) == 0 {
		return provisionalSq
	}
	p95, err := stats.Percentile(stats.Float64Data(px), 95)
	if err != nil {
		return provisionalSq
	}
	thr := math.Max(p95, minAdaptiveThreshold)
	return thr * thr
}

// updateThreshold re-derives the adaptive threshold of one camera from fresh
// residuals. Thresholds are never inherited from other cameras.
func (e *Engine) updateThreshold(view uint32, residualsSq []float64) {
	e.recon.Thresholds[view] = adaptiveThresholdSq(residualsSq, utils.Square(e.opts.ProvisionalThreshold))
}
