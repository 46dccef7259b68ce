package sfm

import (
	"sort"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"github.com/rfabbri/gosfm/camera"
	"github.com/rfabbri/gosfm/tracks"
)

// Pose is a world-to-camera rigid transform.
type Pose struct {
	Rotation    *mat.Dense // 3x3
	Translation r3.Vector
}

// NewIdentityPose returns the reference pose {R=I | t=0}.
func NewIdentityPose() *Pose {
	rot := mat.NewDense(3, 3, nil)
	rot.Set(0, 0, 1)
	rot.Set(1, 1, 1)
	rot.Set(2, 2, 1)
	return &Pose{Rotation: rot}
}

// Clone returns a deep copy of the pose.
func (p *Pose) Clone() *Pose {
	return &Pose{
		Rotation:    mat.DenseCopyOf(p.Rotation),
		Translation: p.Translation,
	}
}

// Landmark is a triangulated track: a 3D point plus the per-view feature
// observations it was reconstructed from.
type Landmark struct {
	Point r3.Vector
	Track tracks.Track
}

// Clone returns a deep copy of the landmark.
func (l *Landmark) Clone() *Landmark {
	track := make(tracks.Track, len(l.Track))
	for view, feature := range l.Track {
		track[view] = feature
	}
	return &Landmark{Point: l.Point, Track: track}
}

// ReconstructionState aggregates the posed views, triangulated landmarks,
// adaptive per-camera thresholds and the not-yet-resected view set. It is
// owned exclusively by the engine; components receive it per call and must
// not retain it.
type ReconstructionState struct {
	// Poses maps a resected view id to its world-to-camera pose.
	Poses map[uint32]*Pose
	// Landmarks maps a track id to its triangulated landmark.
	Landmarks map[tracks.TrackID]*Landmark
	// Thresholds maps a view id to its adaptive squared inlier bound, in
	// squared pixels. Always positive, re-derived per camera, never inherited.
	Thresholds map[uint32]float64
	// Remaining is the set of view ids not yet resected. It only shrinks.
	Remaining map[uint32]struct{}
}

// NewReconstructionState returns an empty state where every given view is
// still to be resected.
func NewReconstructionState(views []uint32) *ReconstructionState {
	remaining := make(map[uint32]struct{}, len(views))
	for _, v := range views {
		remaining[v] = struct{}{}
	}
	return &ReconstructionState{
		Poses:      map[uint32]*Pose{},
		Landmarks:  map[tracks.TrackID]*Landmark{},
		Thresholds: map[uint32]float64{},
		Remaining:  remaining,
	}
}

// Clone returns a deep copy, used to snapshot the state before refinement.
func (s *ReconstructionState) Clone() *ReconstructionState {
	out := &ReconstructionState{
		Poses:      make(map[uint32]*Pose, len(s.Poses)),
		Landmarks:  make(map[tracks.TrackID]*Landmark, len(s.Landmarks)),
		Thresholds: make(map[uint32]float64, len(s.Thresholds)),
		Remaining:  make(map[uint32]struct{}, len(s.Remaining)),
	}
	for v, p := range s.Poses {
		out.Poses[v] = p.Clone()
	}
	for id, l := range s.Landmarks {
		out.Landmarks[id] = l.Clone()
	}
	for v, thr := range s.Thresholds {
		out.Thresholds[v] = thr
	}
	for v := range s.Remaining {
		out.Remaining[v] = struct{}{}
	}
	return out
}

// IsPosed reports whether the view has been resected.
func (s *ReconstructionState) IsPosed(view uint32) bool {
	_, ok := s.Poses[view]
	return ok
}

// MarkResected records the pose of a view and removes it from the remaining
// set. A view never moves back.
func (s *ReconstructionState) MarkResected(view uint32, pose *Pose) {
	s.Poses[view] = pose
	delete(s.Remaining, view)
}

// PosedViews returns the sorted ids of all resected views.
func (s *ReconstructionState) PosedViews() []uint32 {
	views := make([]uint32, 0, len(s.Poses))
	for v := range s.Poses {
		views = append(views, v)
	}
	sort.Slice(views, func(i, j int) bool { return views[i] < views[j] })
	return views
}

// ThresholdFor returns the adaptive squared threshold of a view, falling back
// to the provisional default when the camera has none yet.
func (s *ReconstructionState) ThresholdFor(view uint32, provisionalSq float64) float64 {
	if thr, ok := s.Thresholds[view]; ok {
		return thr
	}
	return provisionalSq
}

// CameraRegistry resolves each view to its (possibly shared) camera model.
type CameraRegistry struct {
	models        map[uint32]*camera.PinholeCameraModel // per intrinsic id
	viewIntrinsic map[uint32]uint32                     // view id -> intrinsic id
}

// IntrinsicConfig describes one intrinsic group before resolution.
type IntrinsicConfig struct {
	Intrinsics       *camera.PinholeCameraIntrinsics `json:"intrinsic_parameters"`
	DistortionType   camera.DistortionType           `json:"distortion_type"`
	DistortionParams []float64                       `json:"distortion_parameters"`
}

// NewCameraRegistry builds camera models for each intrinsic group, resolving
// an unknown distortion type to the given default model.
func NewCameraRegistry(
	intrinsics map[uint32]*IntrinsicConfig,
	viewIntrinsic map[uint32]uint32,
	defaultDistortion camera.DistortionType,
) (*CameraRegistry, error) {
	models := make(map[uint32]*camera.PinholeCameraModel, len(intrinsics))
	for id, cfg := range intrinsics {
		resolved := camera.ResolveDistortionType(cfg.DistortionType, defaultDistortion)
		distorter, err := camera.NewDistorter(resolved, cfg.DistortionParams)
		if err != nil {
			return nil, errors.Wrapf(err, "intrinsic group %d", id)
		}
		model, err := camera.NewPinholeCameraModel(cfg.Intrinsics, distorter)
		if err != nil {
			return nil, errors.Wrapf(err, "intrinsic group %d", id)
		}
		models[id] = model
	}
	for view, id := range viewIntrinsic {
		if _, ok := models[id]; !ok {
			return nil, errors.Errorf("view %d references unknown intrinsic group %d", view, id)
		}
	}
	return &CameraRegistry{models: models, viewIntrinsic: viewIntrinsic}, nil
}

// ModelForView returns the camera model of the given view.
func (r *CameraRegistry) ModelForView(view uint32) (*camera.PinholeCameraModel, error) {
	id, ok := r.viewIntrinsic[view]
	if !ok {
		return nil, errors.Errorf("view %d has no intrinsic group", view)
	}
	return r.models[id], nil
}

// IntrinsicIDs returns the sorted intrinsic group ids.
func (r *CameraRegistry) IntrinsicIDs() []uint32 {
	ids := make([]uint32, 0, len(r.models))
	for id := range r.models {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Model returns the camera model of an intrinsic group.
func (r *CameraRegistry) Model(id uint32) *camera.PinholeCameraModel {
	return r.models[id]
}

// Views returns the sorted ids of all registered views.
func (r *CameraRegistry) Views() []uint32 {
	views := make([]uint32, 0, len(r.viewIntrinsic))
	for v := range r.viewIntrinsic {
		views = append(views, v)
	}
	sort.Slice(views, func(i, j int) bool { return views[i] < views[j] })
	return views
}
