package job

// Outcome is how a dispatched job ended, as seen by the process that
// dispatched it
type Outcome int

const (
	OutcomeUnknown Outcome = iota
	OutcomePerformed
	OutcomeSkipped
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomePerformed:
		return "performed"
	case OutcomeSkipped:
		return "skipped"
	case OutcomeFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// MarshalText encodes the outcome by name
func (o Outcome) MarshalText() ([]byte, error) {
	return []byte(o.String()), nil
}

// UnmarshalText decodes a name written by MarshalText. Unknown names
// decode to OutcomeUnknown.
func (o *Outcome) UnmarshalText(text []byte) error {
	switch string(text) {
	case "performed":
		*o = OutcomePerformed
	case "skipped":
		*o = OutcomeSkipped
	case "failed":
		*o = OutcomeFailed
	default:
		*o = OutcomeUnknown
	}
	return nil
}

// SetOutcome records how the job ended. exception names the failure kind
// and is ignored for anything but OutcomeFailed.
func (j *Job) SetOutcome(o Outcome, exception string) {
	if o != OutcomeFailed {
		exception = ""
	}
	j.outcome = o
	j.exception = exception
}

// Outcome returns how the job ended and, for failures, the exception kind
func (j *Job) Outcome() (Outcome, string) {
	return j.outcome, j.exception
}
