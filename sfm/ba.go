package sfm

import (
	"context"
	"math"
	"sort"

	"github.com/go-nlopt/nlopt"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"gonum.org/v1/gonum/mat"

	"github.com/rfabbri/gosfm/camera"
	"github.com/rfabbri/gosfm/tracks"
)

const (
	baEpsilon       = 1e-12
	baGradientJump  = 1e-8
	baParameterSpan = 1e3
)

// baProblem is the flattened parameterization of one refinement: angle-axis
// rotation plus translation per non-reference camera, one 3-vector per
// landmark, and optionally (fx, ppx, ppy) per intrinsic group.
type baProblem struct {
	refView     uint32
	camViews    []uint32 // posed views excluding the reference, sorted
	landmarkIDs []tracks.TrackID
	intrinsicID []uint32 // refined intrinsic groups, empty unless enabled
	initial     []float64
}

// buildBAProblem flattens the current reconstruction into a parameter vector.
// The reference camera stays fixed to pin the gauge.
func (e *Engine) buildBAProblem() *baProblem {
	p := &baProblem{refView: e.referenceView()}
	for _, v := range e.recon.PosedViews() {
		if v != p.refView {
			p.camViews = append(p.camViews, v)
		}
	}
	p.landmarkIDs = make([]tracks.TrackID, 0, len(e.recon.Landmarks))
	for id := range e.recon.Landmarks {
		p.landmarkIDs = append(p.landmarkIDs, id)
	}
	sort.Slice(p.landmarkIDs, func(i, j int) bool { return p.landmarkIDs[i] < p.landmarkIDs[j] })
	if e.opts.RefineIntrinsics {
		p.intrinsicID = e.cameras.IntrinsicIDs()
	}

	p.initial = make([]float64, 0, 6*len(p.camViews)+3*len(p.landmarkIDs)+3*len(p.intrinsicID))
	for _, v := range p.camViews {
		pose := e.recon.Poses[v]
		aa := rotationToAngleAxis(pose.Rotation)
		p.initial = append(p.initial,
			aa.X, aa.Y, aa.Z,
			pose.Translation.X, pose.Translation.Y, pose.Translation.Z)
	}
	for _, id := range p.landmarkIDs {
		pt := e.recon.Landmarks[id].Point
		p.initial = append(p.initial, pt.X, pt.Y, pt.Z)
	}
	for _, id := range p.intrinsicID {
		intr := e.cameras.Model(id).PinholeCameraIntrinsics
		p.initial = append(p.initial, intr.Fx, intr.Ppx, intr.Ppy)
	}
	return p
}

// decode reads poses, points and intrinsics out of a parameter vector without
// touching shared state. Returned maps are keyed like the reconstruction.
func (p *baProblem) decode(x []float64, e *Engine) (map[uint32]*Pose, map[tracks.TrackID]r3.Vector, map[uint32]*camera.PinholeCameraIntrinsics) {
	poses := make(map[uint32]*Pose, len(p.camViews)+1)
	poses[p.refView] = e.recon.Poses[p.refView]
	i := 0
	for _, v := range p.camViews {
		rot := angleAxisToRotation(r3.Vector{X: x[i], Y: x[i+1], Z: x[i+2]})
		poses[v] = &Pose{
			Rotation:    rot,
			Translation: r3.Vector{X: x[i+3], Y: x[i+4], Z: x[i+5]},
		}
		i += 6
	}
	points := make(map[tracks.TrackID]r3.Vector, len(p.landmarkIDs))
	for _, id := range p.landmarkIDs {
		points[id] = r3.Vector{X: x[i], Y: x[i+1], Z: x[i+2]}
		i += 3
	}
	var intrinsics map[uint32]*camera.PinholeCameraIntrinsics
	if len(p.intrinsicID) > 0 {
		intrinsics = make(map[uint32]*camera.PinholeCameraIntrinsics, len(p.intrinsicID))
		for _, id := range p.intrinsicID {
			base := *e.cameras.Model(id).PinholeCameraIntrinsics
			base.Fx = x[i]
			base.Fy = x[i] * base.Fy / maxNonZero(e.cameras.Model(id).Fx)
			base.Ppx = x[i+1]
			base.Ppy = x[i+2]
			intrinsics[id] = &base
			i += 3
		}
	}
	return poses, points, intrinsics
}

func maxNonZero(v float64) float64 {
	if v == 0 {
		return 1
	}
	return v
}

// cost is the total squared reprojection error of the decoded model.
func (p *baProblem) cost(x []float64, e *Engine) float64 {
	poses, points, intrinsics := p.decode(x, e)
	total := 0.0
	for _, id := range p.landmarkIDs {
		landmark := e.recon.Landmarks[id]
		pt := points[id]
		for view, featIdx := range landmark.Track {
			pose, ok := poses[view]
			if !ok {
				continue
			}
			model, err := e.cameras.ModelForView(view)
			if err != nil {
				continue
			}
			if intrinsics != nil {
				if intr, ok := intrinsics[e.intrinsicIDForView(view)]; ok {
					model = &camera.PinholeCameraModel{PinholeCameraIntrinsics: intr, Distortion: model.Distortion}
				}
			}
			features := e.features.Features(view)
			if int(featIdx) >= len(features) {
				continue
			}
			errSq, inFront := model.ReprojectionErrorSq(pose.Rotation, pose.Translation, pt, features[featIdx])
			if !inFront {
				// a point pushed behind a camera dominates the cost
				total += baParameterSpan
				continue
			}
			total += errSq
		}
	}
	return total
}

// bundleAdjust jointly refines all camera poses, all 3D points, and optionally
// the shared intrinsics, minimizing total squared reprojection error. On
// convergence the reconstruction is rewritten in place; the resected-view set
// never changes. A cost that fails to improve, or a solver failure without
// improvement, reports ErrBundleAdjustmentDivergence.
func (e *Engine) bundleAdjust(ctx context.Context) error {
	problem := e.buildBAProblem()
	dim := len(problem.initial)
	if dim == 0 || len(problem.landmarkIDs) == 0 {
		return nil
	}

	opt, err := nlopt.NewNLopt(nlopt.LD_SLSQP, uint(dim))
	if err != nil {
		return errors.Wrap(err, "nlopt creation error")
	}
	defer opt.Destroy()

	initialCost := problem.cost(problem.initial, e)

	evaluations := 0
	objective := func(x, gradient []float64) float64 {
		select {
		case <-ctx.Done():
			//nolint:errcheck
			opt.ForceStop()
			return 0
		default:
		}
		evaluations++
		cost := problem.cost(x, e)
		if len(gradient) > 0 {
			// forward-difference gradient, mutated in place for nlopt
			xj := make([]float64, len(x))
			copy(xj, x)
			for i := range gradient {
				jump := baGradientJump * math.Max(1, math.Abs(x[i]))
				xj[i] = x[i] + jump
				gradient[i] = (problem.cost(xj, e) - cost) / jump
				xj[i] = x[i]
			}
		}
		return cost
	}

	lower := make([]float64, dim)
	upper := make([]float64, dim)
	for i, v := range problem.initial {
		lower[i] = v - baParameterSpan
		upper[i] = v + baParameterSpan
	}
	err = multierr.Combine(
		opt.SetFtolRel(baEpsilon),
		opt.SetFtolAbs(baEpsilon),
		opt.SetXtolRel(baEpsilon),
		opt.SetLowerBounds(lower),
		opt.SetUpperBounds(upper),
		opt.SetMinObjective(objective),
		opt.SetMaxEval(e.opts.BAMaxEvaluations),
	)
	if err != nil {
		return errors.Wrap(err, "nlopt configuration error")
	}

	solution, finalCost, optErr := opt.Optimize(problem.initial)
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if solution == nil || math.IsNaN(finalCost) || finalCost > initialCost {
		return errors.Wrapf(ErrBundleAdjustmentDivergence,
			"cost %.6g -> %.6g after %d evaluations", initialCost, finalCost, evaluations)
	}
	if optErr != nil && finalCost >= initialCost {
		return errors.Wrapf(ErrBundleAdjustmentDivergence, "solver: %v", optErr)
	}

	// joined and converged, write the refined model back
	poses, points, intrinsics := problem.decode(solution, e)
	for v, pose := range poses {
		e.recon.Poses[v] = pose
	}
	for id, pt := range points {
		e.recon.Landmarks[id].Point = pt
	}
	if intrinsics != nil {
		for id, intr := range intrinsics {
			*e.cameras.Model(id).PinholeCameraIntrinsics = *intr
		}
	}
	e.logger.Debugw("bundle adjustment converged",
		"initial_cost", initialCost,
		"final_cost", finalCost,
		"evaluations", evaluations,
		"parameters", dim,
	)
	return nil
}

// removeOutlierObservations drops observations whose residual exceeds their
// camera's adaptive threshold and landmarks left with fewer than two posed
// observations. Returns the number of removed landmarks.
func (e *Engine) removeOutlierObservations() int {
	removed := 0
	for id, landmark := range e.recon.Landmarks {
		for view, featIdx := range landmark.Track {
			pose, ok := e.recon.Poses[view]
			if !ok {
				continue
			}
			model, err := e.cameras.ModelForView(view)
			if err != nil {
				continue
			}
			features := e.features.Features(view)
			if int(featIdx) >= len(features) {
				continue
			}
			thr := e.recon.ThresholdFor(view, e.opts.ProvisionalThreshold*e.opts.ProvisionalThreshold)
			errSq, inFront := model.ReprojectionErrorSq(pose.Rotation, pose.Translation, landmark.Point, features[featIdx])
			if !inFront || errSq > thr {
				delete(landmark.Track, view)
			}
		}
		posedObs := 0
		for view := range landmark.Track {
			if e.recon.IsPosed(view) {
				posedObs++
			}
		}
		if posedObs < 2 {
			delete(e.recon.Landmarks, id)
			removed++
		}
	}
	return removed
}

// rotationToAngleAxis converts a rotation matrix to its axis-angle vector.
func rotationToAngleAxis(rot *mat.Dense) r3.Vector {
	trace := rot.At(0, 0) + rot.At(1, 1) + rot.At(2, 2)
	cos := math.Max(-1, math.Min(1, (trace-1)/2))
	angle := math.Acos(cos)
	if angle < 1e-12 {
		return r3.Vector{}
	}
	axis := r3.Vector{
		X: rot.At(2, 1) - rot.At(1, 2),
		Y: rot.At(0, 2) - rot.At(2, 0),
		Z: rot.At(1, 0) - rot.At(0, 1),
	}
	norm := axis.Norm()
	if norm < 1e-12 {
		// angle near pi, fall back to the diagonal
		x := math.Sqrt(math.Max(0, (rot.At(0, 0)+1)/2))
		y := math.Sqrt(math.Max(0, (rot.At(1, 1)+1)/2))
		z := math.Sqrt(math.Max(0, (rot.At(2, 2)+1)/2))
		return r3.Vector{X: x, Y: y, Z: z}.Normalize().Mul(angle)
	}
	return axis.Mul(angle / norm)
}

// angleAxisToRotation converts an axis-angle vector to a rotation matrix
// with the Rodrigues formula.
func angleAxisToRotation(aa r3.Vector) *mat.Dense {
	angle := aa.Norm()
	rot := mat.NewDense(3, 3, nil)
	rot.Set(0, 0, 1)
	rot.Set(1, 1, 1)
	rot.Set(2, 2, 1)
	if angle < 1e-12 {
		return rot
	}
	axis := aa.Mul(1 / angle)
	k := mat.NewDense(3, 3, []float64{
		0, -axis.Z, axis.Y,
		axis.Z, 0, -axis.X,
		-axis.Y, axis.X, 0,
	})
	var k2 mat.Dense
	k2.Mul(k, k)
	var term1, term2 mat.Dense
	term1.Scale(math.Sin(angle), k)
	term2.Scale(1-math.Cos(angle), &k2)
	rot.Add(rot, &term1)
	rot.Add(rot, &term2)
	return rot
}
