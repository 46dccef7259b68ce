package epipolar

import (
	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// CamPose stores the 3x4 pose matrix as well as the 3D Rotation and Translation matrices.
type CamPose struct {
	PoseMat     *mat.Dense
	Rotation    *mat.Dense
	Translation *mat.Dense
}

// NewCamPoseFromMat creates a pointer to a Camera pose from a 3x4 pose dense matrix.
func NewCamPoseFromMat(pose *mat.Dense) *CamPose {
	U3 := pose.ColView(3)
	t := mat.NewDense(3, 1, []float64{U3.AtVec(0), U3.AtVec(1), U3.AtVec(2)})
	rot := mat.NewDense(3, 3, nil)
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			rot.Set(i, j, pose.At(i, j))
		}
	}
	return &CamPose{
		PoseMat:     pose,
		Rotation:    rot,
		Translation: t,
	}
}

// TranslationVector returns the translation part of the pose as an r3.Vector.
func (cp *CamPose) TranslationVector() r3.Vector {
	return r3.Vector{
		X: cp.Translation.At(0, 0),
		Y: cp.Translation.At(1, 0),
		Z: cp.Translation.At(2, 0),
	}
}

// adjustPoseSign adjusts the sign of a pose.
func adjustPoseSign(pose *mat.Dense) *mat.Dense {
	// take 3x3 sub-matrix
	subPose := pose.Slice(0, 3, 0, 3)

	// if determinant is negative, scale by -1
	if m := mat.DenseCopyOf(subPose); mat.Det(m) < 0 {
		pose.Scale(-1, pose)
	}
	return pose
}

// GetPossibleCameraPoses computes all 4 possible poses from the essential matrix.
func GetPossibleCameraPoses(essMat *mat.Dense) ([]*mat.Dense, error) {
	R1, R2, t, err := DecomposeEssentialMatrix(essMat)
	if err != nil {
		return nil, err
	}
	var tOpp mat.Dense
	tOpp.Scale(-1, t)
	poses := make([]mat.Dense, 4)
	poses[0].Augment(R1, t)
	poses[1].Augment(R1, &tOpp)
	poses[2].Augment(R2, t)
	poses[3].Augment(R2, &tOpp)
	// adjust sign of poses
	posesOut := make([]*mat.Dense, 4)
	for i := range poses {
		posesOut[i] = mat.DenseCopyOf(adjustPoseSign(&poses[i]))
	}

	return posesOut, nil
}

// getCrossProductMatFromPoint returns the cross product with point p matrix.
func getCrossProductMatFromPoint(p r3.Vector) *mat.Dense {
	cross := mat.NewDense(3, 3, nil)
	cross.Set(0, 1, -p.Z)
	cross.Set(0, 2, p.Y)
	cross.Set(1, 0, p.Z)
	cross.Set(1, 2, -p.X)
	cross.Set(2, 0, -p.Y)
	cross.Set(2, 1, p.X)
	return cross
}

// GetLinearTriangulatedPoints computes triangulated 3D points with the linear method,
// with the first camera at {R=I|t=0} and the second at pose.
func GetLinearTriangulatedPoints(pose *mat.Dense, pts1, pts2 []r3.Vector) ([]r3.Vector, error) {
	// set identity pose for pts1
	P := mat.NewDense(3, 4, nil)
	P.Set(0, 0, 1)
	P.Set(1, 1, 1)
	P.Set(2, 2, 1)
	// copy pose for pts2
	Pdash := mat.DenseCopyOf(pose)
	nPoints := len(pts1)
	pts3d := make([]r3.Vector, nPoints)
	for i := range pts1 {
		p1 := pts1[i]
		p2 := pts2[i]
		p1Cross := getCrossProductMatFromPoint(p1)
		p2Cross := getCrossProductMatFromPoint(p2)
		p1CrossP := mat.NewDense(3, 4, nil)
		p1CrossP.Mul(p1Cross, P)
		p2CrossPdash := mat.NewDense(3, 4, nil)
		p2CrossPdash.Mul(p2Cross, Pdash)
		var A mat.Dense
		A.Stack(p1CrossP, p2CrossPdash)

		var svd mat.SVD
		ok := svd.Factorize(&A, mat.SVDFull)
		if !ok {
			return nil, errors.New("failed to factorize A")
		}
		// Determine the rank of the A matrix with a near zero condition threshold.
		const rcond = 1e-15
		rank := svd.Rank(rcond)
		if rank == 0 {
			return nil, errors.New("zero rank system")
		}
		var V mat.Dense
		svd.VTo(&V)
		// the homogeneous solution is the singular vector of the smallest
		// singular value, the last column of V
		pt3d := V.ColView(3)
		pts3d[i] = r3.Vector{
			X: pt3d.At(0, 0) / pt3d.At(3, 0),
			Y: pt3d.At(1, 0) / pt3d.At(3, 0),
			Z: pt3d.At(2, 0) / pt3d.At(3, 0),
		}
	}

	return pts3d, nil
}

// GetNumberPositiveDepth computes the number of triangulated points with positive
// depth in both the reference camera and the camera at pose.
func GetNumberPositiveDepth(pose *mat.Dense, pts1, pts2 []r3.Vector) (int, *mat.Dense) {
	// get vectors from pose that are necessary to check if depth is positive
	rot3 := r3.Vector{X: pose.At(2, 0), Y: pose.At(2, 1), Z: pose.At(2, 2)}
	c := r3.Vector{X: pose.At(0, 3), Y: pose.At(1, 3), Z: pose.At(2, 3)}

	pts3D, err := GetLinearTriangulatedPoints(pose, pts1, pts2)
	if err != nil {
		return 0, nil
	}

	nPositiveDepth := 0
	for _, pt := range pts3D {
		if pt.Z > 0 && rot3.Dot(pt.Sub(c)) > 0 {
			nPositiveDepth++
		}
	}
	return nPositiveDepth, pose
}

// GetCorrectCameraPose returns the best pose, which is the pose with the most positive depth values.
func GetCorrectCameraPose(poses []*mat.Dense, pts1, pts2 []r3.Vector) *mat.Dense {
	maxNumPosDepth := 0
	correctPose := poses[0]
	for _, pose := range poses {
		nPosDepth, betterPoseApprox := GetNumberPositiveDepth(pose, pts1, pts2)
		if nPosDepth > maxNumPosDepth {
			maxNumPosDepth = nPosDepth
			correctPose = mat.DenseCopyOf(betterPoseApprox)
		}
	}
	return correctPose
}

// EstimateRelativePoseAllPoints estimates the pose of the camera of the second
// set of points with respect to the camera of the first set, fitting all given
// correspondences. pts1 and pts2 are matched pixel coordinates of two views of
// the same scene, and k is the shared camera matrix.
func EstimateRelativePoseAllPoints(pts1, pts2 []r2.Point, k *mat.Dense) (*CamPose, error) {
	if len(pts1) != len(pts2) {
		return nil, errors.New("the 2 sets of points don't have the same number of elements")
	}
	fundamentalMatrix, err := ComputeFundamentalMatrixAllPoints(pts1, pts2, true)
	if err != nil {
		return nil, err
	}

	essentialMatrix, err := GetEssentialMatrixFromFundamental(k, k, fundamentalMatrix)
	if err != nil {
		return nil, err
	}
	poses, err := GetPossibleCameraPoses(essentialMatrix)
	if err != nil {
		return nil, err
	}
	pts1Normalized, err := normalizeWithCameraMatrix(pts1, k)
	if err != nil {
		return nil, err
	}
	pts2Normalized, err := normalizeWithCameraMatrix(pts2, k)
	if err != nil {
		return nil, err
	}
	pose := GetCorrectCameraPose(poses, pts1Normalized, pts2Normalized)
	return NewCamPoseFromMat(pose), nil
}

// normalizeWithCameraMatrix maps pixel coordinates to homogeneous normalized
// image coordinates with the camera matrix k.
func normalizeWithCameraMatrix(pts []r2.Point, k *mat.Dense) ([]r3.Vector, error) {
	fx, fy := k.At(0, 0), k.At(1, 1)
	ppx, ppy := k.At(0, 2), k.At(1, 2)
	if fx == 0 || fy == 0 {
		return nil, errors.New("camera matrix has zero focal length")
	}
	out := make([]r3.Vector, len(pts))
	for i, pt := range pts {
		out[i] = r3.Vector{
			X: (pt.X - ppx) / fx,
			Y: (pt.Y - ppy) / fy,
			Z: 1,
		}
	}
	return out, nil
}
