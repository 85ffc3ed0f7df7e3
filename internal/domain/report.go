package domain

// Outcome tags reported per ticket.
const (
	OutcomePRCreated          = "pr_created_moved_to_in_review"
	OutcomePRReused           = "pr_reused_moved_to_in_review"
	OutcomeValidationFailed   = "validation_failed_moved_to_in_review"
	OutcomeRunInFlight        = "skipped_run_in_flight"
	OutcomeFailedCompensated  = "failed_moved_to_in_review"
	OutcomeCompensationFailed = "failed_compensation_failed"
	OutcomeLockLost           = "failed_lock_lost"
	OutcomeFailed             = "failed"
)

const (
	ModeSingle = "single"
	ModeBatch  = "batch"
)

type TicketResult struct {
	Key               string `json:"key"`
	Outcome           string `json:"outcome"`
	RunID             string `json:"run_id,omitempty"`
	Reason            string `json:"reason,omitempty"`
	PRURL             string `json:"pr_url,omitempty"`
	FingerprintShort  string `json:"fingerprint_short,omitempty"`
	Error             string `json:"error,omitempty"`
	CompensationError string `json:"compensation_error,omitempty"`
}

// Report aggregates one scan pass.
type Report struct {
	RunTimestamp string         `json:"run_timestamp"`
	Mode         string         `json:"mode" enum:"single,batch"`
	Scanned      int            `json:"scanned"`
	Processed    int            `json:"processed"`
	Skipped      int            `json:"skipped"`
	Failed       int            `json:"failed"`
	Results      []TicketResult `json:"results"`
}

// Add records r and bumps the counter its outcome belongs to.
func (rep *Report) Add(r TicketResult) {
	rep.Results = append(rep.Results, r)
	switch r.Outcome {
	case OutcomePRCreated, OutcomePRReused:
		rep.Processed++
	case OutcomeValidationFailed, OutcomeRunInFlight:
		rep.Skipped++
	default:
		rep.Failed++
	}
}
