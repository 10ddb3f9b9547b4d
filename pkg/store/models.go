package store

import "time"

// VoteStatus is the lifecycle state of a vote record. Only two transitions
// exist: pending -> confirmed and pending -> failed. Both terminal states are
// final.
type VoteStatus string

const (
	VotePending   VoteStatus = "pending"
	VoteConfirmed VoteStatus = "confirmed"
	VoteFailed    VoteStatus = "failed"
)

// VoteRecord is one vote attempt. At most one record exists per
// (proposal, subject), enforced by ux_vote_proposal_subject regardless of how
// many concurrent submissions race for it.
type VoteRecord struct {
	ID string `gorm:"type:TEXT;primaryKey"`

	ProposalID string `gorm:"type:TEXT;not null;uniqueIndex:ux_vote_proposal_subject,priority:1;index"`
	SubjectID  string `gorm:"type:TEXT;not null;uniqueIndex:ux_vote_proposal_subject,priority:2"`

	// CiphertextRef is the opaque handle of the client-encrypted ballot.
	// Empty only on the compatibility path where the encryptor service is
	// asked for registered input handles at submission time.
	CiphertextRef string `gorm:"type:TEXT"`
	Proof         []byte

	// Weight is stored as submitted. Zero is a valid weight, so no default is
	// applied here.
	Weight uint64 `gorm:"not null"`

	Status VoteStatus `gorm:"type:TEXT;not null;index"`

	LedgerTxRef    *string `gorm:"type:TEXT"`
	LedgerBlockRef *string `gorm:"type:TEXT"`
	ErrorDetail    *string `gorm:"type:TEXT"`

	// IdempotencyToken reserves the client-supplied retry token. The sparse
	// unique index (sqlite ignores NULLs in unique indexes) makes the
	// reservation atomic with record creation.
	IdempotencyToken *string `gorm:"type:TEXT;uniqueIndex:ux_vote_idem_token"`

	// JobID is the submission job attached to this record. The id is minted
	// before the record is created and written in the same insert, so an
	// idempotent replay always returns the original job reference.
	JobID string `gorm:"type:TEXT"`

	CreatedAt   time.Time
	ConfirmedAt *time.Time
	FailedAt    *time.Time
}

func (VoteRecord) TableName() string { return "vote_records" }

// Proposal carries the slice of proposal state this pipeline consumes: the
// open flag, the confirmed-vote counter and the tally result handles.
type Proposal struct {
	ID string `gorm:"type:TEXT;primaryKey"`

	// LedgerRef is the proposal's identity on the external ledger.
	LedgerRef string `gorm:"type:TEXT;not null"`

	Open bool `gorm:"not null"`

	// VoteCount reflects confirmed vote records only; it is incremented in
	// the same transaction as the pending -> confirmed transition.
	VoteCount uint64 `gorm:"not null;default:0"`

	TallyHandle *string `gorm:"type:TEXT"`
	TallyTxRef  *string `gorm:"type:TEXT"`

	CreatedAt time.Time
	ClosedAt  *time.Time
}

func (Proposal) TableName() string { return "proposals" }

// MigrateModels is the full schema managed by this store.
var MigrateModels = []any{
	&VoteRecord{},
	&Proposal{},
}
