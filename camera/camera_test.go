package camera

import (
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"go.viam.com/test"
	"gonum.org/v1/gonum/mat"
)

func TestIntrinsicsCheckValid(t *testing.T) {
	good := &PinholeCameraIntrinsics{Width: 1280, Height: 720, Fx: 900, Fy: 900, Ppx: 640, Ppy: 360}
	test.That(t, good.CheckValid(), test.ShouldBeNil)

	var nilIntrinsics *PinholeCameraIntrinsics
	test.That(t, nilIntrinsics.CheckValid(), test.ShouldNotBeNil)

	noSize := &PinholeCameraIntrinsics{Fx: 900, Fy: 900}
	test.That(t, noSize.CheckValid(), test.ShouldNotBeNil)

	badFocal := &PinholeCameraIntrinsics{Width: 1280, Height: 720, Fx: 0, Fy: 900}
	test.That(t, badFocal.CheckValid(), test.ShouldNotBeNil)
}

func TestIntrinsicsFromJSONFile(t *testing.T) {
	jsonData := `{
		"width_px": 1280,
		"height_px": 720,
		"fx": 900.5,
		"fy": 900.5,
		"ppx": 648.1,
		"ppy": 367.7
	}`
	path := filepath.Join(t.TempDir(), "intrinsics.json")
	test.That(t, os.WriteFile(path, []byte(jsonData), 0o640), test.ShouldBeNil)

	intrinsics, err := NewPinholeCameraIntrinsicsFromJSONFile(path)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, intrinsics.Width, test.ShouldEqual, 1280)
	test.That(t, intrinsics.Height, test.ShouldEqual, 720)
	test.That(t, intrinsics.Fx, test.ShouldEqual, 900.5)
	test.That(t, intrinsics.Ppy, test.ShouldEqual, 367.7)

	_, err = NewPinholeCameraIntrinsicsFromJSONFile(filepath.Join(t.TempDir(), "nope.json"))
	test.That(t, err, test.ShouldNotBeNil)
}

func TestPixelProjectionRoundTrip(t *testing.T) {
	intrinsics := &PinholeCameraIntrinsics{Width: 1280, Height: 720, Fx: 900, Fy: 880, Ppx: 640, Ppy: 360}

	px := intrinsics.PointToPixel(0.5, -0.25, 2.0)
	normalized := intrinsics.PixelToNormalized(px)
	test.That(t, normalized.X, test.ShouldAlmostEqual, 0.25, 1e-12)
	test.That(t, normalized.Y, test.ShouldAlmostEqual, -0.125, 1e-12)

	ray := intrinsics.PixelToRay(px)
	test.That(t, ray.Z, test.ShouldEqual, 1)
	test.That(t, ray.X, test.ShouldAlmostEqual, 0.25, 1e-12)

	// zero depth lands outside the image
	behind := intrinsics.PointToPixel(1, 1, 0)
	test.That(t, behind, test.ShouldResemble, r2.Point{X: -1, Y: -1})
}

func TestCameraMatrix(t *testing.T) {
	intrinsics := &PinholeCameraIntrinsics{Width: 100, Height: 100, Fx: 10, Fy: 20, Ppx: 30, Ppy: 40}
	k := intrinsics.GetCameraMatrix()
	test.That(t, k.At(0, 0), test.ShouldEqual, 10)
	test.That(t, k.At(1, 1), test.ShouldEqual, 20)
	test.That(t, k.At(0, 2), test.ShouldEqual, 30)
	test.That(t, k.At(1, 2), test.ShouldEqual, 40)
	test.That(t, k.At(2, 2), test.ShouldEqual, 1)
	test.That(t, k.At(1, 0), test.ShouldEqual, 0)

	var nilIntrinsics *PinholeCameraIntrinsics
	test.That(t, nilIntrinsics.GetCameraMatrix(), test.ShouldBeNil)
}

func TestBrownConrady(t *testing.T) {
	identity, err := NewBrownConrady(nil)
	test.That(t, err, test.ShouldBeNil)
	x, y := identity.Transform(0.3, -0.2)
	test.That(t, x, test.ShouldAlmostEqual, 0.3, 1e-12)
	test.That(t, y, test.ShouldAlmostEqual, -0.2, 1e-12)
	test.That(t, identity.ModelType(), test.ShouldEqual, BrownConradyDistortionType)

	barrel, err := NewBrownConrady([]float64{-0.1, 0, 0, 0, 0})
	test.That(t, err, test.ShouldBeNil)
	x, y = barrel.Transform(0.5, 0)
	// negative k1 pulls points toward the center
	test.That(t, x, test.ShouldBeLessThan, 0.5)
	test.That(t, y, test.ShouldAlmostEqual, 0, 1e-12)
	r := math.Hypot(0.5, 0)
	test.That(t, x, test.ShouldAlmostEqual, 0.5*(1-0.1*r*r), 1e-12)

	_, err = NewBrownConrady([]float64{1, 2, 3, 4, 5, 6})
	test.That(t, err, test.ShouldNotBeNil)
}

func TestNewDistorter(t *testing.T) {
	d, err := NewDistorter(NoDistortionType, nil)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, d.ModelType(), test.ShouldEqual, NoDistortionType)
	test.That(t, d.Parameters(), test.ShouldResemble, []float64{})

	_, err = NewDistorter(DistortionType("fisheye"), nil)
	test.That(t, err, test.ShouldNotBeNil)

	test.That(t, ResolveDistortionType(UnknownDistortionType, NoDistortionType), test.ShouldEqual, NoDistortionType)
	test.That(t, ResolveDistortionType("", BrownConradyDistortionType), test.ShouldEqual, BrownConradyDistortionType)
	test.That(t, ResolveDistortionType(BrownConradyDistortionType, NoDistortionType), test.ShouldEqual, BrownConradyDistortionType)
}

func TestPinholeCameraModelProjection(t *testing.T) {
	intrinsics := &PinholeCameraIntrinsics{Width: 1280, Height: 720, Fx: 900, Fy: 900, Ppx: 640, Ppy: 360}
	model, err := NewPinholeCameraModel(intrinsics, nil)
	test.That(t, err, test.ShouldBeNil)

	rot := mat.NewDense(3, 3, []float64{1, 0, 0, 0, 1, 0, 0, 0, 1})
	trans := r3.Vector{X: 0, Y: 0, Z: 0}

	pt := r3.Vector{X: 1, Y: -0.5, Z: 4}
	px, err := model.ProjectToPixel(rot, trans, pt)
	test.That(t, err, test.ShouldBeNil)
	expected := intrinsics.PointToPixel(pt.X, pt.Y, pt.Z)
	test.That(t, px.X, test.ShouldAlmostEqual, expected.X, 1e-12)
	test.That(t, px.Y, test.ShouldAlmostEqual, expected.Y, 1e-12)

	errSq, ok := model.ReprojectionErrorSq(rot, trans, pt, expected)
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, errSq, test.ShouldAlmostEqual, 0, 1e-12)

	_, err = model.ProjectToPixel(rot, trans, r3.Vector{X: 1, Y: 1, Z: -2})
	test.That(t, err, test.ShouldNotBeNil)
	_, ok = model.ReprojectionErrorSq(rot, trans, r3.Vector{X: 1, Y: 1, Z: -2}, expected)
	test.That(t, ok, test.ShouldBeFalse)
}

func TestCameraCenter(t *testing.T) {
	// a camera translated along +X looking down +Z
	rot := mat.NewDense(3, 3, []float64{1, 0, 0, 0, 1, 0, 0, 0, 1})
	trans := r3.Vector{X: -2, Y: 0, Z: 0}
	center := CameraCenter(rot, trans)
	test.That(t, center.X, test.ShouldAlmostEqual, 2, 1e-12)
	test.That(t, center.Y, test.ShouldAlmostEqual, 0, 1e-12)
	test.That(t, center.Z, test.ShouldAlmostEqual, 0, 1e-12)
}

func TestProjectionMatrix(t *testing.T) {
	intrinsics := &PinholeCameraIntrinsics{Width: 1280, Height: 720, Fx: 900, Fy: 900, Ppx: 640, Ppy: 360}
	model, err := NewPinholeCameraModel(intrinsics, nil)
	test.That(t, err, test.ShouldBeNil)

	rot := mat.NewDense(3, 3, []float64{0, -1, 0, 1, 0, 0, 0, 0, 1})
	trans := r3.Vector{X: 1, Y: 2, Z: 3}
	proj := model.ProjectionMatrix(rot, trans)
	rows, cols := proj.Dims()
	test.That(t, rows, test.ShouldEqual, 3)
	test.That(t, cols, test.ShouldEqual, 4)

	// projecting a homogeneous world point through P matches the model
	pt := r3.Vector{X: 0.4, Y: -0.8, Z: 2}
	homog := mat.NewVecDense(4, []float64{pt.X, pt.Y, pt.Z, 1})
	out := mat.NewVecDense(3, nil)
	out.MulVec(proj, homog)
	px, err := model.ProjectToPixel(rot, trans, pt)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, out.AtVec(0)/out.AtVec(2), test.ShouldAlmostEqual, px.X, 1e-9)
	test.That(t, out.AtVec(1)/out.AtVec(2), test.ShouldAlmostEqual, px.Y, 1e-9)
}
