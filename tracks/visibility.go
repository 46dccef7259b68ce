package tracks

import "sort"

// VisibilityHelper indexes which tracks each view participates in, to quickly
// find the tracks shared among arbitrary view sets.
type VisibilityHelper struct {
	perView map[uint32]map[TrackID]struct{}
}

// NewVisibilityHelper builds the per-view track index.
func NewVisibilityHelper(built map[TrackID]Track) *VisibilityHelper {
	perView := map[uint32]map[TrackID]struct{}{}
	for id, track := range built {
		for view := range track {
			if perView[view] == nil {
				perView[view] = map[TrackID]struct{}{}
			}
			perView[view][id] = struct{}{}
		}
	}
	return &VisibilityHelper{perView: perView}
}

// Views returns the sorted ids of all views observing at least one track.
func (vh *VisibilityHelper) Views() []uint32 {
	views := make([]uint32, 0, len(vh.perView))
	for view := range vh.perView {
		views = append(views, view)
	}
	sort.Slice(views, func(i, j int) bool { return views[i] < views[j] })
	return views
}

// TracksForView returns the sorted track ids observed by the given view.
func (vh *VisibilityHelper) TracksForView(view uint32) []TrackID {
	return sortedIDs(vh.perView[view])
}

// SharedTracks returns the sorted ids of tracks observed by every given view.
func (vh *VisibilityHelper) SharedTracks(views ...uint32) []TrackID {
	if len(views) == 0 {
		return nil
	}
	// start from the smallest set
	smallest := vh.perView[views[0]]
	for _, v := range views[1:] {
		if len(vh.perView[v]) < len(smallest) {
			smallest = vh.perView[v]
		}
	}
	shared := map[TrackID]struct{}{}
	for id := range smallest {
		inAll := true
		for _, v := range views {
			if _, ok := vh.perView[v][id]; !ok {
				inAll = false
				break
			}
		}
		if inAll {
			shared[id] = struct{}{}
		}
	}
	return sortedIDs(shared)
}

func sortedIDs(set map[TrackID]struct{}) []TrackID {
	ids := make([]TrackID, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
