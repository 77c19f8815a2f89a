package consent

import "time"

// Status enumerates the consent lifecycle states. Transitions are monotonic:
// PENDING -> ACTIVE -> REVOKED, with PENDING -> REVOKED allowed for
// agreements abandoned before activation. No transition returns to PENDING.
type Status string

const (
	StatusPending Status = "PENDING"
	StatusActive  Status = "ACTIVE"
	StatusRevoked Status = "REVOKED"
)

// Consent mirrors the consents table columns touched by the service.
// Exactly one of PartnerID or PairCode is set while the agreement is open
// for pairing; the claim transition sets one and clears the other in a
// single conditional update.
type Consent struct {
	ID                 string
	InitiatorID        string
	PartnerID          *string
	Title              string
	Description        string
	ValidFrom          *time.Time
	ValidTo            *time.Time
	Status             Status
	LedgerID           *string
	LastTxRef          *string
	PairCode           *string
	InitiatorConfirmed bool
	PartnerConfirmed   bool
	CreatedAt          time.Time
	ConfirmedAt        *time.Time
}

// IsParticipant reports whether userID is one of the two parties.
func (c Consent) IsParticipant(userID string) bool {
	if userID == "" {
		return false
	}
	if c.InitiatorID == userID {
		return true
	}
	return c.PartnerID != nil && *c.PartnerID == userID
}

// Timeline event types appended on committed transitions.
const (
	EventConsentCreated   = "CONSENT_CREATED"
	EventPartnerJoined    = "PARTNER_JOINED"
	EventConsentConfirmed = "CONSENT_CONFIRMED"
	EventConsentActivated = "CONSENT_ACTIVATED"
	EventConsentRevoked   = "CONSENT_REVOKED"
)

// Outbox topics published alongside lifecycle transitions.
const (
	OutboxTopicConsentCreated   = "consent.created"
	OutboxTopicConsentClaimed   = "consent.claimed"
	OutboxTopicConsentActivated = "consent.activated"
	OutboxTopicConsentRevoked   = "consent.revoked"
)
