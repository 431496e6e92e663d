package domain

import "time"

// Batch is a shareable content grouping purchased by one or more users.
// ExternalID is the upstream provider's batch identifier.
type Batch struct {
	ID         int64
	ExternalID string
	Name       string
	Thumbnail  string
	Active     bool
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// EnrolledToken is a per-(batch, owner) record of a provider credential.
// At most one entry exists per (BatchID, OwnerID). The same
// (OwnerID, RefreshToken) pair may appear on many batches at once; fan-out
// updates always match on that pair, never on storage position.
type EnrolledToken struct {
	BatchID       int64
	OwnerID       int64
	AccessToken   string
	RefreshToken  string
	Valid         bool
	CorrelationID string
	FailureCount  int
	UpdatedAt     time.Time
}

// Credential is an upstream access/refresh pair together with the
// correlation id it was obtained under.
type Credential struct {
	AccessToken   string
	RefreshToken  string
	CorrelationID string
}
