package ussync

// Progress is one progress event from a long-running operation. Kind names
// the phase ("categories", "updates", "download", "reindex", "copy"); Total
// may be zero when the extent is unknown up front.
type Progress struct {
	Kind    string
	Current int
	Total   int
}

// ProgressFunc receives progress events. Implementations must be fast and
// must not block; they are called inline from the operation's loop. A nil
// ProgressFunc is always acceptable.
type ProgressFunc func(Progress)

// Report emits an event if the callback is non-nil.
func (f ProgressFunc) Report(kind string, current, total int) {
	if f != nil {
		f(Progress{Kind: kind, Current: current, Total: total})
	}
}
