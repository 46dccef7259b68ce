package epipolar

import (
	"math"
	"math/rand"
	"testing"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"go.viam.com/test"
	"gonum.org/v1/gonum/mat"
)

// testCameraMatrix is a plausible 640x480 pinhole camera.
func testCameraMatrix() *mat.Dense {
	return mat.NewDense(3, 3, []float64{
		800, 0, 320,
		0, 800, 240,
		0, 0, 1,
	})
}

func rotationY(theta float64) *mat.Dense {
	c, s := math.Cos(theta), math.Sin(theta)
	return mat.NewDense(3, 3, []float64{
		c, 0, s,
		0, 1, 0,
		-s, 0, c,
	})
}

// makeTwoViewScene projects random 3D points through two cameras: the first at
// the origin, the second at the world-to-camera pose {rot|trans}.
func makeTwoViewScene(nPoints int, rot *mat.Dense, trans r3.Vector, r *rand.Rand) ([]r2.Point, []r2.Point) {
	k := testCameraMatrix()
	fx, fy := k.At(0, 0), k.At(1, 1)
	ppx, ppy := k.At(0, 2), k.At(1, 2)
	pts1 := make([]r2.Point, 0, nPoints)
	pts2 := make([]r2.Point, 0, nPoints)
	for len(pts1) < nPoints {
		pt := r3.Vector{
			X: r.Float64()*4 - 2,
			Y: r.Float64()*4 - 2,
			Z: r.Float64()*4 + 4,
		}
		inSecond := r3.Vector{
			X: rot.At(0, 0)*pt.X + rot.At(0, 1)*pt.Y + rot.At(0, 2)*pt.Z + trans.X,
			Y: rot.At(1, 0)*pt.X + rot.At(1, 1)*pt.Y + rot.At(1, 2)*pt.Z + trans.Y,
			Z: rot.At(2, 0)*pt.X + rot.At(2, 1)*pt.Y + rot.At(2, 2)*pt.Z + trans.Z,
		}
		if inSecond.Z <= 0.1 {
			continue
		}
		pts1 = append(pts1, r2.Point{X: (pt.X/pt.Z)*fx + ppx, Y: (pt.Y/pt.Z)*fy + ppy})
		pts2 = append(pts2, r2.Point{X: (inSecond.X/inSecond.Z)*fx + ppx, Y: (inSecond.Y/inSecond.Z)*fy + ppy})
	}
	return pts1, pts2
}

func TestConvert2DPointsToHomogeneousPoints(t *testing.T) {
	pts := []r2.Point{{X: 1, Y: 2}, {X: -3, Y: 4.5}}
	homog := Convert2DPointsToHomogeneousPoints(pts)
	test.That(t, len(homog), test.ShouldEqual, 2)
	test.That(t, homog[0], test.ShouldResemble, r3.Vector{X: 1, Y: 2, Z: 1})
	test.That(t, homog[1], test.ShouldResemble, r3.Vector{X: -3, Y: 4.5, Z: 1})
}

func TestFundamentalMatrixEpipolarConstraint(t *testing.T) {
	r := rand.New(rand.NewSource(42))
	rot := rotationY(0.15)
	trans := r3.Vector{X: -0.6, Y: 0.05, Z: 0.1}
	pts1, pts2 := makeTwoViewScene(40, rot, trans, r)

	f, err := ComputeFundamentalMatrixAllPoints(pts1, pts2, true)
	test.That(t, err, test.ShouldBeNil)
	for i := range pts1 {
		test.That(t, SampsonDistanceSq(f, pts1[i], pts2[i]), test.ShouldBeLessThan, 1e-6)
	}
	// a deliberately shuffled correspondence violates the constraint
	test.That(t, SampsonDistanceSq(f, pts1[0], pts2[1]), test.ShouldBeGreaterThan, 1.0)
}

func TestFundamentalMatrixBadInput(t *testing.T) {
	pts := make([]r2.Point, 8)
	_, err := ComputeFundamentalMatrixAllPoints(pts, pts[:5], true)
	test.That(t, err, test.ShouldNotBeNil)
	_, err = ComputeFundamentalMatrixAllPoints(pts[:5], pts[:5], true)
	test.That(t, err, test.ShouldNotBeNil)
}

func TestEstimateRelativePoseAllPoints(t *testing.T) {
	r := rand.New(rand.NewSource(7))
	rot := rotationY(0.2)
	trans := r3.Vector{X: -0.8, Y: 0.1, Z: 0.05}
	pts1, pts2 := makeTwoViewScene(60, rot, trans, r)

	pose, err := EstimateRelativePoseAllPoints(pts1, pts2, testCameraMatrix())
	test.That(t, err, test.ShouldBeNil)

	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			test.That(t, pose.Rotation.At(i, j), test.ShouldAlmostEqual, rot.At(i, j), 1e-3)
		}
	}
	// translation is recovered up to scale; compare directions
	estT := pose.TranslationVector().Normalize()
	trueT := trans.Normalize()
	test.That(t, estT.Dot(trueT), test.ShouldBeGreaterThan, 0.999)
}

func TestEstimateRelativePoseRANSAC(t *testing.T) {
	r := rand.New(rand.NewSource(11))
	rot := rotationY(0.18)
	trans := r3.Vector{X: -0.7, Y: 0.0, Z: 0.08}
	pts1, pts2 := makeTwoViewScene(50, rot, trans, r)

	// corrupt a fifth of the correspondences
	nOutliers := 10
	for i := 0; i < nOutliers; i++ {
		pts2[i] = r2.Point{X: r.Float64() * 640, Y: r.Float64() * 480}
	}

	result, err := EstimateRelativePoseRANSAC(pts1, pts2, testCameraMatrix(), 1.0, 200, 20, r)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, result.NumInliers, test.ShouldBeGreaterThanOrEqualTo, 40)
	test.That(t, len(result.Residuals), test.ShouldEqual, result.NumInliers)

	inMask := 0
	for _, in := range result.Inliers {
		if in {
			inMask++
		}
	}
	test.That(t, inMask, test.ShouldEqual, result.NumInliers)

	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			test.That(t, result.Pose.Rotation.At(i, j), test.ShouldAlmostEqual, rot.At(i, j), 1e-2)
		}
	}
	estT := result.Pose.TranslationVector().Normalize()
	test.That(t, estT.Dot(trans.Normalize()), test.ShouldBeGreaterThan, 0.99)
	for _, res := range result.Residuals {
		test.That(t, res, test.ShouldBeLessThan, 1.0)
	}
}

func TestEstimateRelativePoseRANSACTooFewPoints(t *testing.T) {
	r := rand.New(rand.NewSource(1))
	pts := make([]r2.Point, 5)
	_, err := EstimateRelativePoseRANSAC(pts, pts, testCameraMatrix(), 1.0, 10, 8, r)
	test.That(t, err, test.ShouldNotBeNil)
}

func TestEssentialFromFundamentalIsRankTwo(t *testing.T) {
	r := rand.New(rand.NewSource(3))
	rot := rotationY(0.1)
	trans := r3.Vector{X: -0.5, Y: 0.02, Z: 0.0}
	pts1, pts2 := makeTwoViewScene(30, rot, trans, r)
	k := testCameraMatrix()

	f, err := ComputeFundamentalMatrixAllPoints(pts1, pts2, true)
	test.That(t, err, test.ShouldBeNil)
	e, err := GetEssentialMatrixFromFundamental(k, k, f)
	test.That(t, err, test.ShouldBeNil)

	var svd mat.SVD
	test.That(t, svd.Factorize(e, mat.SVDThin), test.ShouldBeTrue)
	values := svd.Values(nil)
	// two equal singular values and a zero one
	test.That(t, values[2], test.ShouldAlmostEqual, 0, 1e-9*values[0])
	test.That(t, values[1]/values[0], test.ShouldBeGreaterThan, 0.99)
}

func TestDecomposeEssentialMatrixRotationsAreValid(t *testing.T) {
	r := rand.New(rand.NewSource(9))
	rot := rotationY(0.25)
	trans := r3.Vector{X: -0.9, Y: 0.1, Z: 0.1}
	pts1, pts2 := makeTwoViewScene(30, rot, trans, r)
	k := testCameraMatrix()

	f, err := ComputeFundamentalMatrixAllPoints(pts1, pts2, true)
	test.That(t, err, test.ShouldBeNil)
	e, err := GetEssentialMatrixFromFundamental(k, k, f)
	test.That(t, err, test.ShouldBeNil)
	r1, r2Mat, tVec, err := DecomposeEssentialMatrix(e)
	test.That(t, err, test.ShouldBeNil)

	test.That(t, mat.Det(r1), test.ShouldAlmostEqual, 1, 1e-9)
	test.That(t, mat.Det(r2Mat), test.ShouldAlmostEqual, 1, 1e-9)
	norm := math.Hypot(math.Hypot(tVec.At(0, 0), tVec.At(1, 0)), tVec.At(2, 0))
	test.That(t, norm, test.ShouldAlmostEqual, 1, 1e-9)
}

func TestGetCorrectCameraPosePicksCheiralSolution(t *testing.T) {
	r := rand.New(rand.NewSource(5))
	rot := rotationY(0.12)
	trans := r3.Vector{X: -0.6, Y: 0.0, Z: 0.05}
	pts1, pts2 := makeTwoViewScene(40, rot, trans, r)
	k := testCameraMatrix()

	f, err := ComputeFundamentalMatrixAllPoints(pts1, pts2, true)
	test.That(t, err, test.ShouldBeNil)
	e, err := GetEssentialMatrixFromFundamental(k, k, f)
	test.That(t, err, test.ShouldBeNil)
	poses, err := GetPossibleCameraPoses(e)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, len(poses), test.ShouldEqual, 4)

	pts1n, err := normalizeWithCameraMatrix(pts1, k)
	test.That(t, err, test.ShouldBeNil)
	pts2n, err := normalizeWithCameraMatrix(pts2, k)
	test.That(t, err, test.ShouldBeNil)

	best := GetCorrectCameraPose(poses, pts1n, pts2n)
	nPos, _ := GetNumberPositiveDepth(best, pts1n, pts2n)
	test.That(t, nPos, test.ShouldEqual, len(pts1))

	// the winner must dominate every other candidate
	for _, pose := range poses {
		n, _ := GetNumberPositiveDepth(pose, pts1n, pts2n)
		test.That(t, n, test.ShouldBeLessThanOrEqualTo, nPos)
	}
}

func TestLinearTriangulationRecoversDepth(t *testing.T) {
	// a single known point seen by two normalized cameras
	rot := rotationY(0.1)
	trans := r3.Vector{X: -0.5, Y: 0, Z: 0}
	pt := r3.Vector{X: 0.3, Y: -0.2, Z: 5}
	inSecond := r3.Vector{
		X: rot.At(0, 0)*pt.X + rot.At(0, 2)*pt.Z + trans.X,
		Y: pt.Y,
		Z: rot.At(2, 0)*pt.X + rot.At(2, 2)*pt.Z,
	}
	p1 := r3.Vector{X: pt.X / pt.Z, Y: pt.Y / pt.Z, Z: 1}
	p2 := r3.Vector{X: inSecond.X / inSecond.Z, Y: inSecond.Y / inSecond.Z, Z: 1}

	pose := mat.NewDense(3, 4, []float64{
		rot.At(0, 0), rot.At(0, 1), rot.At(0, 2), trans.X,
		rot.At(1, 0), rot.At(1, 1), rot.At(1, 2), trans.Y,
		rot.At(2, 0), rot.At(2, 1), rot.At(2, 2), trans.Z,
	})
	pts3d, err := GetLinearTriangulatedPoints(pose, []r3.Vector{p1}, []r3.Vector{p2})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, pts3d[0].X, test.ShouldAlmostEqual, pt.X, 1e-6)
	test.That(t, pts3d[0].Y, test.ShouldAlmostEqual, pt.Y, 1e-6)
	test.That(t, pts3d[0].Z, test.ShouldAlmostEqual, pt.Z, 1e-6)
}
