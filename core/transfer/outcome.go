package transfer

import (
	"soundsync/model"
)

// Status classifies how a download ended.
type Status int

const (
	Done Status = iota
	NotFound
	Failed
	Cancelled
)

func (s Status) String() string {
	switch s {
	case Done:
		return "done"
	case NotFound:
		return "not_found"
	case Failed:
		return "failed"
	case Cancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Outcome is the result of one download. Sound carries the updated record
// when Status is Done and the input record otherwise.
type Outcome struct {
	Status     Status
	Sound      model.Sound
	HTTPStatus int
	Bytes      int64
	Err        error
}

// ProgressSink receives download progress in percent.
type ProgressSink interface {
	OnProgress(sound model.Sound, percent int)
}

// ProgressFunc adapts a function to ProgressSink.
type ProgressFunc func(sound model.Sound, percent int)

func (f ProgressFunc) OnProgress(sound model.Sound, percent int) {
	f(sound, percent)
}

type nopSink struct{}

func (nopSink) OnProgress(model.Sound, int) {}
