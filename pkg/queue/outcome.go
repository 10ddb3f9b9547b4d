package queue

// disposition tags how a handler finished. Carried as data rather than
// inferred from error types so the transient/permanent decision is explicit
// and testable.
type disposition int

const (
	dispositionSuccess disposition = iota
	dispositionRetry
	dispositionTerminal
)

// Outcome is the tagged result a handler returns to the queue.
type Outcome struct {
	kind   disposition
	result string
	err    error
}

// Completed reports success. The result string becomes visible on status
// queries (e.g. "confirmed", "no confirmed votes").
func Completed(result string) Outcome {
	return Outcome{kind: dispositionSuccess, result: result}
}

// Retryable reports a transient failure: the queue schedules another attempt
// per the job's backoff policy until max attempts are exhausted.
func Retryable(err error) Outcome {
	return Outcome{kind: dispositionRetry, err: err}
}

// Terminal reports a permanent failure: the job fails immediately without
// consuming further attempts.
func Terminal(err error) Outcome {
	return Outcome{kind: dispositionTerminal, err: err}
}

// Err returns the failure carried by a retryable or terminal outcome.
func (o Outcome) Err() error { return o.err }

// IsSuccess reports a completed outcome.
func (o Outcome) IsSuccess() bool { return o.kind == dispositionSuccess }

// IsRetry reports a retryable outcome.
func (o Outcome) IsRetry() bool { return o.kind == dispositionRetry }

// IsTerminal reports a permanent-failure outcome.
func (o Outcome) IsTerminal() bool { return o.kind == dispositionTerminal }

func (o Outcome) errReason() string {
	if o.err == nil {
		return ""
	}
	return o.err.Error()
}
