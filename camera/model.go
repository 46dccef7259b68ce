package camera

import (
	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// PinholeCameraModel is the model of a pinhole camera.
type PinholeCameraModel struct {
	*PinholeCameraIntrinsics `json:"intrinsic_parameters"`
	Distortion               Distorter `json:"distortion"`
}

// NewPinholeCameraModel returns a model with the given intrinsics and an optional
// distortion; a nil distorter means an ideal pinhole.
func NewPinholeCameraModel(intrinsics *PinholeCameraIntrinsics, distortion Distorter) (*PinholeCameraModel, error) {
	if err := intrinsics.CheckValid(); err != nil {
		return nil, err
	}
	if distortion != nil {
		if err := distortion.CheckValid(); err != nil {
			return nil, err
		}
	}
	return &PinholeCameraModel{intrinsics, distortion}, nil
}

// TransformWorldPoint maps a world point into the camera frame of the pose {rot|trans}.
func TransformWorldPoint(rot *mat.Dense, trans, pt r3.Vector) r3.Vector {
	return r3.Vector{
		X: rot.At(0, 0)*pt.X + rot.At(0, 1)*pt.Y + rot.At(0, 2)*pt.Z + trans.X,
		Y: rot.At(1, 0)*pt.X + rot.At(1, 1)*pt.Y + rot.At(1, 2)*pt.Z + trans.Y,
		Z: rot.At(2, 0)*pt.X + rot.At(2, 1)*pt.Y + rot.At(2, 2)*pt.Z + trans.Z,
	}
}

// CameraCenter returns the world position of a camera with pose {rot|trans},
// the point -Rᵀt.
func CameraCenter(rot *mat.Dense, trans r3.Vector) r3.Vector {
	return r3.Vector{
		X: -(rot.At(0, 0)*trans.X + rot.At(1, 0)*trans.Y + rot.At(2, 0)*trans.Z),
		Y: -(rot.At(0, 1)*trans.X + rot.At(1, 1)*trans.Y + rot.At(2, 1)*trans.Z),
		Z: -(rot.At(0, 2)*trans.X + rot.At(1, 2)*trans.Y + rot.At(2, 2)*trans.Z),
	}
}

// ProjectToPixel projects a world point through the camera with pose {rot|trans}
// onto the image plane, applying the distortion model if one is set.
// It errors when the point sits at or behind the camera plane.
func (model *PinholeCameraModel) ProjectToPixel(rot *mat.Dense, trans, pt r3.Vector) (r2.Point, error) {
	inCam := TransformWorldPoint(rot, trans, pt)
	if inCam.Z <= 0 {
		return r2.Point{}, errors.New("point does not project in front of the camera")
	}
	x := inCam.X / inCam.Z
	y := inCam.Y / inCam.Z
	if model.Distortion != nil {
		x, y = model.Distortion.Transform(x, y)
	}
	return r2.Point{
		X: x*model.Fx + model.Ppx,
		Y: y*model.Fy + model.Ppy,
	}, nil
}

// ReprojectionErrorSq returns the squared pixel distance between the projection
// of a world point and its observed position. Points that do not project in
// front of the camera yield an infinite-like large error via the returned bool.
func (model *PinholeCameraModel) ReprojectionErrorSq(rot *mat.Dense, trans, pt r3.Vector, observed r2.Point) (float64, bool) {
	projected, err := model.ProjectToPixel(rot, trans, pt)
	if err != nil {
		return 0, false
	}
	dx := projected.X - observed.X
	dy := projected.Y - observed.Y
	return dx*dx + dy*dy, true
}

// ProjectionMatrix builds the 3x4 projection matrix K[R|t] for the pose {rot|trans}.
func (model *PinholeCameraModel) ProjectionMatrix(rot *mat.Dense, trans r3.Vector) *mat.Dense {
	rt := mat.NewDense(3, 4, nil)
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			rt.Set(i, j, rot.At(i, j))
		}
	}
	rt.Set(0, 3, trans.X)
	rt.Set(1, 3, trans.Y)
	rt.Set(2, 3, trans.Z)
	proj := mat.NewDense(3, 4, nil)
	proj.Mul(model.GetCameraMatrix(), rt)
	return proj
}
