// Package triangulate computes 3D points from observations in two or more
// posed cameras, with configurable solving methods and rejection of
// cheirality-violating or numerically degenerate configurations.
package triangulate

import (
	"math"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"github.com/rfabbri/gosfm/camera"
)

// Method is the name of a triangulation algorithm.
type Method string

const (
	// MethodDefault resolves to MethodDirectLinear.
	MethodDefault = Method("")
	// MethodDirectLinear is the multi-view direct linear transform.
	MethodDirectLinear = Method("direct_linear")
	// MethodMidpoint is the two-view ray midpoint method.
	MethodMidpoint = Method("midpoint")
	// MethodIterativeLinear is the depth-reweighted direct linear transform.
	MethodIterativeLinear = Method("iterative_linear")
)

// ParseMethod validates a configured method name.
func ParseMethod(s string) (Method, error) {
	switch m := Method(s); m {
	case MethodDefault, MethodDirectLinear, MethodMidpoint, MethodIterativeLinear:
		return m, nil
	default:
		return MethodDefault, errors.Errorf("do not know how to parse %q triangulation method", s)
	}
}

var (
	// ErrNotEnoughViews is returned when fewer than two posed views observe the point.
	ErrNotEnoughViews = errors.New("triangulation needs at least 2 posed views")
	// ErrCheirality is returned when the triangulated point lies behind a contributing camera.
	ErrCheirality = errors.New("triangulated point is behind a camera")
	// ErrDegenerate is returned when the multi-view system is numerically degenerate.
	ErrDegenerate = errors.New("triangulation system is degenerate")
)

// minParallaxDeg is the smallest max-pairwise ray angle accepted before the
// system counts as ill-conditioned.
const minParallaxDeg = 0.5

// Observation is one posed view of the point being triangulated.
type Observation struct {
	Rot        *mat.Dense // world-to-camera rotation
	Trans      r3.Vector  // world-to-camera translation
	Pixel      r2.Point
	Intrinsics *camera.PinholeCameraIntrinsics
}

// projection builds the 3x4 matrix K[R|t] of the observation.
func (o *Observation) projection() *mat.Dense {
	model := camera.PinholeCameraModel{PinholeCameraIntrinsics: o.Intrinsics}
	return model.ProjectionMatrix(o.Rot, o.Trans)
}

// center returns the camera center in world coordinates.
func (o *Observation) center() r3.Vector {
	return camera.CameraCenter(o.Rot, o.Trans)
}

// ray returns the world-frame viewing direction through the observed pixel.
func (o *Observation) ray() r3.Vector {
	d := o.Intrinsics.PixelToRay(o.Pixel)
	// world direction is Rᵀ d
	return r3.Vector{
		X: o.Rot.At(0, 0)*d.X + o.Rot.At(1, 0)*d.Y + o.Rot.At(2, 0)*d.Z,
		Y: o.Rot.At(0, 1)*d.X + o.Rot.At(1, 1)*d.Y + o.Rot.At(2, 1)*d.Z,
		Z: o.Rot.At(0, 2)*d.X + o.Rot.At(1, 2)*d.Y + o.Rot.At(2, 2)*d.Z,
	}.Normalize()
}

// Triangulate computes the 3D position of a point from its observations using
// the given method. The result is rejected on cheirality violation or when the
// observing rays are too close to parallel.
func Triangulate(obs []Observation, method Method) (r3.Vector, error) {
	if len(obs) < 2 {
		return r3.Vector{}, ErrNotEnoughViews
	}
	var pt r3.Vector
	var err error
	switch method {
	case MethodMidpoint:
		pt, err = midpoint(obs)
	case MethodIterativeLinear:
		pt, err = iterativeLinear(obs)
	case MethodDefault, MethodDirectLinear:
		pt, err = directLinear(obs, nil)
	default:
		return r3.Vector{}, errors.Errorf("unknown triangulation method %q", method)
	}
	if err != nil {
		return r3.Vector{}, err
	}
	if ParallaxAngleDeg(obs, pt) < minParallaxDeg {
		return r3.Vector{}, ErrDegenerate
	}
	for i := range obs {
		if depth(&obs[i], pt) <= 0 {
			return r3.Vector{}, ErrCheirality
		}
	}
	return pt, nil
}

// ParallaxAngleDeg returns the maximum pairwise angle, in degrees, between the
// rays from the camera centers to the point pt.
func ParallaxAngleDeg(obs []Observation, pt r3.Vector) float64 {
	maxAngle := 0.0
	for i := range obs {
		ri := pt.Sub(obs[i].center())
		if ri.Norm() == 0 {
			continue
		}
		ri = ri.Normalize()
		for j := i + 1; j < len(obs); j++ {
			rj := pt.Sub(obs[j].center())
			if rj.Norm() == 0 {
				continue
			}
			rj = rj.Normalize()
			cos := math.Max(-1, math.Min(1, ri.Dot(rj)))
			angle := math.Acos(cos) * 180 / math.Pi
			if angle > maxAngle {
				maxAngle = angle
			}
		}
	}
	return maxAngle
}

// depth returns the z coordinate of pt in the camera frame of o.
func depth(o *Observation, pt r3.Vector) float64 {
	return camera.TransformWorldPoint(o.Rot, o.Trans, pt).Z
}

// directLinear solves the homogeneous DLT system; weights, when non-nil, scale
// the two equation rows contributed by each observation.
func directLinear(obs []Observation, weights []float64) (r3.Vector, error) {
	a := mat.NewDense(2*len(obs), 4, nil)
	for i := range obs {
		p := obs[i].projection()
		u, v := obs[i].Pixel.X, obs[i].Pixel.Y
		w := 1.0
		if weights != nil {
			w = weights[i]
		}
		for c := 0; c < 4; c++ {
			a.Set(2*i, c, w*(u*p.At(2, c)-p.At(0, c)))
			a.Set(2*i+1, c, w*(v*p.At(2, c)-p.At(1, c)))
		}
	}
	var svd mat.SVD
	if ok := svd.Factorize(a, mat.SVDFull); !ok {
		return r3.Vector{}, ErrDegenerate
	}
	const rcond = 1e-12
	if svd.Rank(rcond) < 3 {
		return r3.Vector{}, ErrDegenerate
	}
	var V mat.Dense
	svd.VTo(&V)
	h := V.ColView(3)
	if math.Abs(h.AtVec(3)) < 1e-14 {
		return r3.Vector{}, ErrDegenerate
	}
	return r3.Vector{
		X: h.AtVec(0) / h.AtVec(3),
		Y: h.AtVec(1) / h.AtVec(3),
		Z: h.AtVec(2) / h.AtVec(3),
	}, nil
}

// iterativeLinear reweights the DLT rows by the inverse projective depth of the
// previous solution, which pulls the algebraic minimum toward the geometric one.
func iterativeLinear(obs []Observation) (r3.Vector, error) {
	pt, err := directLinear(obs, nil)
	if err != nil {
		return r3.Vector{}, err
	}
	const iterations = 3
	weights := make([]float64, len(obs))
	for it := 0; it < iterations; it++ {
		for i := range obs {
			d := depth(&obs[i], pt)
			if math.Abs(d) < 1e-12 {
				return r3.Vector{}, ErrDegenerate
			}
			weights[i] = 1 / d
		}
		pt, err = directLinear(obs, weights)
		if err != nil {
			return r3.Vector{}, err
		}
	}
	return pt, nil
}

// midpoint returns the point halfway between the two closest points of the
// observation rays. Only defined for exactly two views.
func midpoint(obs []Observation) (r3.Vector, error) {
	if len(obs) != 2 {
		return r3.Vector{}, errors.Wrap(ErrDegenerate, "midpoint method is two-view only")
	}
	c1, c2 := obs[0].center(), obs[1].center()
	d1, d2 := obs[0].ray(), obs[1].ray()

	// solve [d1 -d2][s t]ᵀ = c2 - c1 in the least-squares sense
	w := c2.Sub(c1)
	a := d1.Dot(d1)
	b := d1.Dot(d2)
	c := d2.Dot(d2)
	d := d1.Dot(w)
	e := d2.Dot(w)
	den := a*c - b*b
	if math.Abs(den) < 1e-12 {
		return r3.Vector{}, ErrDegenerate
	}
	s := (d*c - b*e) / den
	t := (a*e - b*d) / den
	p1 := c1.Add(d1.Mul(s))
	p2 := c2.Add(d2.Mul(t))
	return p1.Add(p2).Mul(0.5), nil
}
