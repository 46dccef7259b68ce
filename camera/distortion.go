package camera

import "github.com/pkg/errors"

// DistortionType is the name of the distortion model.
type DistortionType string

const (
	// UnknownDistortionType marks a camera whose lens model could not be deduced
	// from upstream metadata; it is resolved to a configured default model.
	UnknownDistortionType = DistortionType("unknown")
	// NoDistortionType is for ideal pinhole cameras without lens distortion.
	NoDistortionType = DistortionType("none")
	// BrownConradyDistortionType is for simple lenses of narrow field easily modeled as a pinhole camera.
	BrownConradyDistortionType = DistortionType("brown_conrady")
)

// Distorter defines a transform from undistorted normalized image coordinates
// to distorted ones according to the model.
type Distorter interface {
	ModelType() DistortionType
	CheckValid() error
	Parameters() []float64
	Transform(x, y float64) (float64, float64)
}

// InvalidDistortionError is used when the distortion_parameters are invalid.
func InvalidDistortionError(msg string) error {
	return errors.Wrapf(errors.New("invalid distortion_parameters"), msg)
}

// NewDistorter returns a Distorter given a valid DistortionType and its parameters.
func NewDistorter(distortionType DistortionType, parameters []float64) (Distorter, error) {
	switch distortionType {
	case BrownConradyDistortionType:
		return NewBrownConrady(parameters)
	case NoDistortionType:
		return &NoDistortion{}, nil
	default:
		return nil, errors.Errorf("do not know how to parse %q distortion model", distortionType)
	}
}

// ResolveDistortionType replaces an unknown lens model with the configured
// fallback so every camera ends up with a concrete model.
func ResolveDistortionType(declared, fallback DistortionType) DistortionType {
	if declared == UnknownDistortionType || declared == "" {
		return fallback
	}
	return declared
}

// NoDistortion is the identity lens model.
type NoDistortion struct{}

// ModelType returns the type of distortion model.
func (n *NoDistortion) ModelType() DistortionType { return NoDistortionType }

// CheckValid checks if the fields for NoDistortion have valid inputs.
func (n *NoDistortion) CheckValid() error { return nil }

// Parameters returns the parameters of the distortion model as a list of floats.
func (n *NoDistortion) Parameters() []float64 { return []float64{} }

// Transform is the identity transform.
func (n *NoDistortion) Transform(x, y float64) (float64, float64) { return x, y }
