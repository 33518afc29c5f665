package youtube

// State is the lifecycle state of an UploadSession.
type State int

const (
	StateNotStarted State = iota
	StateInitiationStarted
	StateInitiationComplete
	StateMediaInProgress
	StateMediaComplete
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateNotStarted:
		return "NOT_STARTED"
	case StateInitiationStarted:
		return "INITIATION_STARTED"
	case StateInitiationComplete:
		return "INITIATION_COMPLETE"
	case StateMediaInProgress:
		return "MEDIA_IN_PROGRESS"
	case StateMediaComplete:
		return "MEDIA_COMPLETE"
	case StateFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// Terminal reports whether no further transition can happen without a new
// initiation.
func (s State) Terminal() bool {
	return s == StateMediaComplete || s == StateFailed
}

// ProgressEvent is a snapshot delivered to a ProgressListener.
type ProgressEvent struct {
	State          State
	BytesConfirmed int64
	// TotalSize is SizeUnknown until a streaming source is exhausted.
	TotalSize int64
}

// Fraction returns the confirmed share of the payload in [0, 1], or 0
// while the size is unknown.
func (e ProgressEvent) Fraction() float64 {
	switch {
	case e.State == StateMediaComplete:
		return 1
	case e.TotalSize <= 0:
		return 0
	}
	return float64(e.BytesConfirmed) / float64(e.TotalSize)
}

// ProgressListener observes an UploadSession. OnProgress is called
// synchronously on the goroutine running the session, in transition order.
type ProgressListener interface {
	OnProgress(ProgressEvent)
}

// ProgressFunc adapts a function to ProgressListener.
type ProgressFunc func(ProgressEvent)

func (f ProgressFunc) OnProgress(e ProgressEvent) { f(e) }

// MultiListener fans events out to several listeners in order.
type MultiListener []ProgressListener

func (m MultiListener) OnProgress(e ProgressEvent) {
	for _, l := range m {
		if l != nil {
			l.OnProgress(e)
		}
	}
}
