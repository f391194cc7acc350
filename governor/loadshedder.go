package governor

// LoadShedder decides whether a queue should accept more work at its
// current depth, shedding the least important traffic first: Background
// drops first, then Normal, as depth thresholds are exceeded; Critical
// and High are never shed.
//
// Class is an ordinal importance, 0 being most important; the caller
// maps its own priority scheme onto it (package mesh passes its
// Priority values directly).
type LoadShedder struct {
	// NormalDepth and BackgroundDepth are the per-lane depths past
	// which class-2 and class-3 traffic respectively is shed. A zero
	// threshold disables shedding for that class.
	NormalDepth     int
	BackgroundDepth int
}

// NewLoadShedder returns a shedder with the given per-class depth
// thresholds.
func NewLoadShedder(normalDepth, backgroundDepth int) *LoadShedder {
	return &LoadShedder{NormalDepth: normalDepth, BackgroundDepth: backgroundDepth}
}

// Admit reports whether work of the given class may be enqueued when
// its queue already holds depth items.
func (s *LoadShedder) Admit(class, depth int) bool {
	switch {
	case class >= 3 && s.BackgroundDepth > 0 && depth >= s.BackgroundDepth:
		return false
	case class == 2 && s.NormalDepth > 0 && depth >= s.NormalDepth:
		return false
	default:
		return true
	}
}
