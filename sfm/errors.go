package sfm

import "github.com/pkg/errors"

var (
	// ErrSeedSelection is returned when no view pair meets the overlap and
	// baseline criteria needed to bootstrap a reconstruction.
	ErrSeedSelection = errors.New("no seed candidate meets the overlap and baseline criteria")
	// ErrSeedGeometry is returned when robust relative pose estimation fails on
	// every viable seed candidate.
	ErrSeedGeometry = errors.New("robust seed geometry estimation failed")
	// ErrResection is returned when a candidate view has too few or degenerate
	// 2D-3D inliers to recover its pose. It is local to one view and one pass.
	ErrResection = errors.New("not enough 2D-3D inliers to resect view")
	// ErrBundleAdjustmentDivergence is returned when the refinement solver fails
	// to converge or detects a degenerate system.
	ErrBundleAdjustmentDivergence = errors.New("bundle adjustment diverged")
	// ErrNotRun is returned when diagnostics are requested before a run.
	ErrNotRun = errors.New("engine has not produced a reconstruction yet")
)
