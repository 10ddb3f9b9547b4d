package ledger

import (
	"context"
	"fmt"
	"sync"
)

// MemLedger is a deterministic in-memory Client for tests. Failures are
// scripted per call: each Submit/AwaitInclusion/Aggregate pops the next
// scripted error for its phase, succeeding once the script runs dry.
type MemLedger struct {
	mu sync.Mutex

	nextTx     int
	submitErrs []error
	awaitErrs  []error
	aggErrs    []error

	// submitted records every accepted submission by tx reference.
	submitted map[string]SubmitInput

	// aggregations records every tally request by proposal reference.
	aggregations map[string][]string
}

// NewMemLedger returns an empty in-memory ledger.
func NewMemLedger() *MemLedger {
	return &MemLedger{
		submitted:    map[string]SubmitInput{},
		aggregations: map[string][]string{},
	}
}

// ScriptSubmit queues errors returned by upcoming Submit calls, in order.
func (m *MemLedger) ScriptSubmit(errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.submitErrs = append(m.submitErrs, errs...)
}

// ScriptAwait queues errors returned by upcoming AwaitInclusion calls.
func (m *MemLedger) ScriptAwait(errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.awaitErrs = append(m.awaitErrs, errs...)
}

// ScriptAggregate queues errors returned by upcoming Aggregate calls.
func (m *MemLedger) ScriptAggregate(errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.aggErrs = append(m.aggErrs, errs...)
}

func pop(errs *[]error) error {
	if len(*errs) == 0 {
		return nil
	}
	err := (*errs)[0]
	*errs = (*errs)[1:]
	return err
}

func (m *MemLedger) Submit(ctx context.Context, in SubmitInput) (*Receipt, error) {
	if err := ctx.Err(); err != nil {
		return nil, NewTransientError("context done", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := pop(&m.submitErrs); err != nil {
		return nil, err
	}
	m.nextTx++
	txRef := fmt.Sprintf("memtx-%d", m.nextTx)
	m.submitted[txRef] = in
	return &Receipt{TxRef: txRef}, nil
}

func (m *MemLedger) AwaitInclusion(ctx context.Context, txRef string) (*Receipt, error) {
	if err := ctx.Err(); err != nil {
		return nil, NewTransientError("context done", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := pop(&m.awaitErrs); err != nil {
		return nil, err
	}
	if _, ok := m.submitted[txRef]; !ok {
		return nil, NewTransientError("unknown transaction", nil)
	}
	return &Receipt{TxRef: txRef, BlockRef: "memblock-" + txRef}, nil
}

func (m *MemLedger) Aggregate(ctx context.Context, proposalRef string, handles []string) (*AggregateReceipt, error) {
	if err := ctx.Err(); err != nil {
		return nil, NewTransientError("context done", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := pop(&m.aggErrs); err != nil {
		return nil, err
	}
	m.aggregations[proposalRef] = append([]string(nil), handles...)
	m.nextTx++
	return &AggregateReceipt{
		TallyHandle: TallyHandleFor(handles),
		TxRef:       fmt.Sprintf("memtx-%d", m.nextTx),
	}, nil
}

// SubmitCount returns how many submissions the ledger accepted.
func (m *MemLedger) SubmitCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.submitted)
}

// Aggregations returns the handles aggregated for a proposal, or nil.
func (m *MemLedger) Aggregations(proposalRef string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.aggregations[proposalRef]
}

var _ Client = (*MemLedger)(nil)
