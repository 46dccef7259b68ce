package triangulate

import (
	"math"
	"testing"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.viam.com/test"
	"gonum.org/v1/gonum/mat"

	"github.com/rfabbri/gosfm/camera"
)

var testIntrinsics = &camera.PinholeCameraIntrinsics{
	Width: 640, Height: 480, Fx: 800, Fy: 800, Ppx: 320, Ppy: 240,
}

func identityRotation() *mat.Dense {
	return mat.NewDense(3, 3, []float64{1, 0, 0, 0, 1, 0, 0, 0, 1})
}

func rotationY(theta float64) *mat.Dense {
	c, s := math.Cos(theta), math.Sin(theta)
	return mat.NewDense(3, 3, []float64{
		c, 0, s,
		0, 1, 0,
		-s, 0, c,
	})
}

// observe projects the world point pt into a camera at {rot|trans}.
func observe(rot *mat.Dense, trans, pt r3.Vector) Observation {
	inCam := camera.TransformWorldPoint(rot, trans, pt)
	return Observation{
		Rot:        rot,
		Trans:      trans,
		Pixel:      testIntrinsics.PointToPixel(inCam.X, inCam.Y, inCam.Z),
		Intrinsics: testIntrinsics,
	}
}

func TestParseMethod(t *testing.T) {
	m, err := ParseMethod("")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, m, test.ShouldEqual, MethodDefault)
	m, err = ParseMethod("midpoint")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, m, test.ShouldEqual, MethodMidpoint)
	_, err = ParseMethod("voodoo")
	test.That(t, err, test.ShouldNotBeNil)
}

func TestTriangulateNotEnoughViews(t *testing.T) {
	pt := r3.Vector{X: 0.5, Y: 0.2, Z: 5}
	obs := []Observation{observe(identityRotation(), r3.Vector{}, pt)}
	_, err := Triangulate(obs, MethodDirectLinear)
	test.That(t, err, test.ShouldBeError, ErrNotEnoughViews)
}

func TestTriangulateTwoViews(t *testing.T) {
	pt := r3.Vector{X: 0.4, Y: -0.3, Z: 6}
	obs := []Observation{
		observe(identityRotation(), r3.Vector{}, pt),
		observe(rotationY(0.1), r3.Vector{X: -0.8, Y: 0, Z: 0.05}, pt),
	}
	for _, method := range []Method{MethodDirectLinear, MethodMidpoint, MethodIterativeLinear} {
		got, err := Triangulate(obs, method)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, got.X, test.ShouldAlmostEqual, pt.X, 1e-6)
		test.That(t, got.Y, test.ShouldAlmostEqual, pt.Y, 1e-6)
		test.That(t, got.Z, test.ShouldAlmostEqual, pt.Z, 1e-6)
	}
}

func TestTriangulateThreeViews(t *testing.T) {
	pt := r3.Vector{X: -0.7, Y: 0.5, Z: 8}
	obs := []Observation{
		observe(identityRotation(), r3.Vector{}, pt),
		observe(rotationY(0.1), r3.Vector{X: -1, Y: 0, Z: 0}, pt),
		observe(rotationY(-0.1), r3.Vector{X: 1, Y: 0.1, Z: 0}, pt),
	}
	got, err := Triangulate(obs, MethodDirectLinear)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, got.X, test.ShouldAlmostEqual, pt.X, 1e-6)
	test.That(t, got.Y, test.ShouldAlmostEqual, pt.Y, 1e-6)
	test.That(t, got.Z, test.ShouldAlmostEqual, pt.Z, 1e-6)

	// a third consistent view keeps the solution stable
	two, err := Triangulate(obs[:2], MethodDirectLinear)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, got.Sub(two).Norm(), test.ShouldBeLessThan, 1e-6)
}

func TestTriangulateMidpointIsTwoViewOnly(t *testing.T) {
	pt := r3.Vector{X: 0, Y: 0, Z: 5}
	obs := []Observation{
		observe(identityRotation(), r3.Vector{}, pt),
		observe(rotationY(0.1), r3.Vector{X: -1, Y: 0, Z: 0}, pt),
		observe(rotationY(-0.1), r3.Vector{X: 1, Y: 0, Z: 0}, pt),
	}
	_, err := Triangulate(obs, MethodMidpoint)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, errors.Is(err, ErrDegenerate), test.ShouldBeTrue)
}

func TestTriangulateRejectsNoParallax(t *testing.T) {
	// two cameras at the same center observe the point along the same ray
	pt := r3.Vector{X: 0.1, Y: 0.1, Z: 4}
	obs := []Observation{
		observe(identityRotation(), r3.Vector{}, pt),
		observe(identityRotation(), r3.Vector{}, pt),
	}
	_, err := Triangulate(obs, MethodDirectLinear)
	test.That(t, err, test.ShouldNotBeNil)
}

func TestTriangulateRejectsBehindCamera(t *testing.T) {
	// both observations are consistent with a point behind the cameras
	pt := r3.Vector{X: 0.2, Y: 0, Z: -5}
	obs := []Observation{
		observe(identityRotation(), r3.Vector{}, pt),
		observe(identityRotation(), r3.Vector{X: -1, Y: 0, Z: 0}, pt),
	}
	_, err := Triangulate(obs, MethodDirectLinear)
	test.That(t, err, test.ShouldBeError, ErrCheirality)
}

func TestParallaxAngle(t *testing.T) {
	pt := r3.Vector{X: 0, Y: 0, Z: 5}
	obs := []Observation{
		observe(identityRotation(), r3.Vector{}, pt),
		observe(identityRotation(), r3.Vector{X: -5, Y: 0, Z: 0}, pt),
	}
	// centers at origin and (5,0,0), point at (0,0,5): a 45 degree separation
	angle := ParallaxAngleDeg(obs, pt)
	test.That(t, angle, test.ShouldAlmostEqual, 45, 1e-9)
}

func TestTriangulateUnknownMethod(t *testing.T) {
	pt := r3.Vector{X: 0, Y: 0, Z: 5}
	obs := []Observation{
		observe(identityRotation(), r3.Vector{}, pt),
		observe(rotationY(0.1), r3.Vector{X: -1, Y: 0, Z: 0}, pt),
	}
	_, err := Triangulate(obs, Method("squint"))
	test.That(t, err, test.ShouldNotBeNil)
}
