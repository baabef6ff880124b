package loader

import "time"

// CameraStatus describes one tracked camera in a status snapshot.
type CameraStatus struct {
	ID         string  `json:"id"`
	Lat        float64 `json:"lat"`
	Lon        float64 `json:"lon"`
	Alt        float64 `json:"alt"`
	Cascades   int     `json:"cascades"`
	SizeOffset float64 `json:"size_offset"`
}

// Status is a point-in-time snapshot of the loader state, built on the
// scheduler loop and safe to serialize afterwards.
type Status struct {
	ActiveScopes  int            `json:"active_scopes"`
	PendingLoads  int            `json:"pending_loads"`
	Entities      int            `json:"entities"`
	ScopesByState map[string]int `json:"scopes_by_state"`
	Cameras       []CameraStatus `json:"cameras"`
}

// Snapshot builds a status snapshot. Runs on the scheduler loop.
func (l *Loader) Snapshot() Status {
	status := Status{
		ActiveScopes:  len(l.scopes),
		PendingLoads:  len(l.pending),
		Entities:      l.StreamingContext.Entities.Len(),
		ScopesByState: make(map[string]int),
	}

	for _, s := range l.scopes {
		status.ScopesByState[s.State().String()]++
	}

	now := time.Now()
	for _, t := range l.trackers {
		c := t.CenterCoordinate()
		status.Cameras = append(status.Cameras, CameraStatus{
			ID:         t.ID(),
			Lat:        c.Lat,
			Lon:        c.Lon,
			Alt:        c.Alt,
			Cascades:   len(t.Descriptors()),
			SizeOffset: t.DynamicSizeOffset(now),
		})
	}
	return status
}
