package consent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

var (
	// ErrValidation signals bad input shape; the caller can fix and retry.
	ErrValidation = errors.New("consent: validation failed")
	// ErrForbidden signals the acting user is not a participant of the consent.
	ErrForbidden = errors.New("consent: actor is not a participant")
	// ErrInvalidOperation signals a state-machine precondition violation:
	// self-pairing, already-claimed, already-revoked.
	ErrInvalidOperation = errors.New("consent: operation not allowed in current state")
	// ErrLedger signals the external ledger submission failed; local state is
	// left in the documented intermediate form and the call may be retried.
	ErrLedger = errors.New("consent: ledger submission failed")
	// ErrInternal signals an invariant violation, such as a participant with
	// no resolvable ledger address.
	ErrInternal = errors.New("consent: internal error")
)

// LedgerGateway submits consent anchoring operations to the external chain.
// Calls are fail-fast with no internal retries; idempotent re-invocation is
// the caller's recovery path.
type LedgerGateway interface {
	SubmitCreate(ctx context.Context, consentID, partyA, partyB string) (txRef string, err error)
	SubmitRevoke(ctx context.Context, ledgerID string) (txRef string, err error)
}

// IdentityDirectory resolves participants to users and ledger addresses.
type IdentityDirectory interface {
	// FindUserByEmail returns the user id for a registered email, or
	// ok=false when no such user exists.
	FindUserByEmail(ctx context.Context, email string) (userID string, ok bool, err error)
	// ResolveAddress returns the external ledger address for a user.
	ResolveAddress(ctx context.Context, userID string) (string, error)
}

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Service owns the consent lifecycle state machine: pairing, the
// dual-confirmation gate, and the two-phase activation that anchors the
// agreement on the ledger. It is the sole writer of status, ledger_id, and
// confirmed_at.
type Service struct {
	pool        TxBeginner
	repo        Repository
	ledger      LedgerGateway
	directory   IdentityDirectory
	timeline    TimelineWriter
	outbox      OutboxWriter
	idGenerator func() string
}

func NewService(pool TxBeginner, repo Repository, ledger LedgerGateway, directory IdentityDirectory, timeline TimelineWriter, outbox OutboxWriter) *Service {
	return &Service{
		pool:        pool,
		repo:        repo,
		ledger:      ledger,
		directory:   directory,
		timeline:    timeline,
		outbox:      outbox,
		idGenerator: func() string { return uuid.NewString() },
	}
}

func (s *Service) WithIDGenerator(gen func() string) *Service {
	s.idGenerator = gen
	return s
}

// CreateParams carries the caller-supplied fields for a new consent.
// ValidFrom/ValidTo are opaque bounds; the engine does not validate them
// against each other.
type CreateParams struct {
	Title        string
	Description  string
	ValidFrom    *time.Time
	ValidTo      *time.Time
	PartnerEmail string
}

// Create registers a new PENDING consent. When PartnerEmail resolves to an
// existing user the partner slot is filled immediately (direct pairing);
// otherwise a fresh pairing code is generated in the canonical grouped form.
func (s *Service) Create(ctx context.Context, actorID string, params CreateParams) (Consent, error) {
	if actorID == "" {
		return Consent{}, fmt.Errorf("%w: missing actor id", ErrValidation)
	}
	title := strings.TrimSpace(params.Title)
	description := strings.TrimSpace(params.Description)
	if title == "" || description == "" {
		return Consent{}, fmt.Errorf("%w: title and description are required", ErrValidation)
	}

	c := Consent{
		ID:          s.idGenerator(),
		InitiatorID: actorID,
		Title:       title,
		Description: description,
		ValidFrom:   params.ValidFrom,
		ValidTo:     params.ValidTo,
		Status:      StatusPending,
	}

	if email := strings.TrimSpace(params.PartnerEmail); email != "" {
		partnerID, ok, err := s.directory.FindUserByEmail(ctx, email)
		if err != nil {
			return Consent{}, fmt.Errorf("consent: lookup partner: %w", err)
		}
		if ok {
			if partnerID == actorID {
				return Consent{}, fmt.Errorf("%w: initiator cannot be their own partner", ErrInvalidOperation)
			}
			c.PartnerID = &partnerID
		}
	}
	if c.PartnerID == nil {
		code := NormalizePairCode(s.idGenerator())
		c.PairCode = &code
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Consent{}, fmt.Errorf("consent: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	created, err := s.repo.Insert(ctx, tx, c)
	if err != nil {
		return Consent{}, err
	}

	if s.timeline != nil {
		payload := map[string]any{
			"title":          created.Title,
			"direct_pairing": created.PartnerID != nil,
		}
		if err := s.timeline.Append(ctx, tx, created.ID, EventConsentCreated, actorID, payload); err != nil {
			return Consent{}, err
		}
	}
	if s.outbox != nil {
		payload := map[string]any{
			"consent_id":   created.ID,
			"initiator_id": created.InitiatorID,
		}
		if err := s.outbox.Enqueue(ctx, tx, OutboxTopicConsentCreated, payload); err != nil {
			return Consent{}, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return Consent{}, fmt.Errorf("consent: commit create: %w", err)
	}
	return created, nil
}

// Claim fills the open partner slot identified by a pairing code. The slot
// is claimed with a single conditional update so that concurrent claimants
// cannot both succeed.
func (s *Service) Claim(ctx context.Context, actorID, pairCode string) (Consent, error) {
	if actorID == "" {
		return Consent{}, fmt.Errorf("%w: missing actor id", ErrValidation)
	}
	code := NormalizePairCode(pairCode)
	if code == "" {
		return Consent{}, fmt.Errorf("%w: pairing code is required", ErrValidation)
	}

	c, err := s.repo.GetByPairCode(ctx, code)
	if err != nil {
		return Consent{}, err
	}
	if c.InitiatorID == actorID {
		return Consent{}, fmt.Errorf("%w: initiator cannot claim their own pairing code", ErrInvalidOperation)
	}
	if c.PartnerID != nil {
		return Consent{}, fmt.Errorf("%w: consent already has a partner", ErrInvalidOperation)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Consent{}, fmt.Errorf("consent: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	claimed, err := s.repo.ClaimPartner(ctx, tx, c.ID, actorID)
	if err != nil {
		if errors.Is(err, ErrPartnerTaken) {
			return Consent{}, fmt.Errorf("%w: consent already has a partner", ErrInvalidOperation)
		}
		return Consent{}, err
	}

	if s.timeline != nil {
		if err := s.timeline.Append(ctx, tx, claimed.ID, EventPartnerJoined, actorID, map[string]any{"partner_id": actorID}); err != nil {
			return Consent{}, err
		}
	}
	if s.outbox != nil {
		payload := map[string]any{
			"consent_id": claimed.ID,
			"partner_id": actorID,
		}
		if err := s.outbox.Enqueue(ctx, tx, OutboxTopicConsentClaimed, payload); err != nil {
			return Consent{}, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return Consent{}, fmt.Errorf("consent: commit claim: %w", err)
	}
	return claimed, nil
}

// Confirm records the acting participant's confirmation. Confirming twice
// as the same participant is a no-op. When both flags are set and a partner
// is paired, the activation transition runs: flags stay committed, the
// ledger create is submitted, then the status commit is attempted as a
// second conditional update. A ledger failure leaves the consent PENDING
// with both flags durable, so any participant's retried Confirm re-attempts
// only the activation.
func (s *Service) Confirm(ctx context.Context, actorID, consentID string) (Consent, error) {
	if actorID == "" || consentID == "" {
		return Consent{}, fmt.Errorf("%w: actor id and consent id are required", ErrValidation)
	}

	c, err := s.repo.Get(ctx, consentID)
	if err != nil {
		return Consent{}, err
	}
	if !c.IsParticipant(actorID) {
		return Consent{}, ErrForbidden
	}
	byInitiator := c.InitiatorID == actorID

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Consent{}, fmt.Errorf("consent: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	updated, changed, err := s.repo.MarkConfirmed(ctx, tx, c.ID, byInitiator)
	if err != nil {
		return Consent{}, err
	}
	if changed && s.timeline != nil {
		role := "partner"
		if byInitiator {
			role = "initiator"
		}
		if err := s.timeline.Append(ctx, tx, updated.ID, EventConsentConfirmed, actorID, map[string]any{"role": role}); err != nil {
			return Consent{}, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return Consent{}, fmt.Errorf("consent: commit confirm: %w", err)
	}

	if !activationDue(updated) {
		return updated, nil
	}
	return s.activate(ctx, actorID, updated)
}

// activationDue is the dual-confirmation gate.
func activationDue(c Consent) bool {
	return c.Status == StatusPending &&
		c.InitiatorConfirmed &&
		c.PartnerConfirmed &&
		c.PartnerID != nil
}

// activate performs the PENDING -> ACTIVE transition: resolve both party
// addresses, submit the ledger create, then commit the status flip guarded
// on "status still PENDING". The ledger call never runs inside a store
// transaction. At most one racing caller wins the commit; the loser
// observes ACTIVE and treats its own submission as redundant.
func (s *Service) activate(ctx context.Context, actorID string, c Consent) (Consent, error) {
	initiatorAddr, err := s.directory.ResolveAddress(ctx, c.InitiatorID)
	if err != nil {
		return Consent{}, fmt.Errorf("%w: resolve initiator address: %w", ErrInternal, err)
	}
	partnerAddr, err := s.directory.ResolveAddress(ctx, *c.PartnerID)
	if err != nil {
		return Consent{}, fmt.Errorf("%w: resolve partner address: %w", ErrInternal, err)
	}

	// Freshness check: a concurrent Confirm may have activated already, in
	// which case this submission would be a duplicate.
	current, err := s.repo.Get(ctx, c.ID)
	if err != nil {
		return Consent{}, err
	}
	if current.Status != StatusPending {
		return current, nil
	}

	txRef, err := s.ledger.SubmitCreate(ctx, c.ID, initiatorAddr, partnerAddr)
	if err != nil {
		return Consent{}, fmt.Errorf("%w: submit create: %w", ErrLedger, err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Consent{}, fmt.Errorf("consent: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	activated, err := s.repo.Activate(ctx, tx, c.ID, c.ID, txRef)
	if err != nil {
		if errors.Is(err, ErrNotPending) {
			// Lost the commit race; the ledger tolerates the duplicate create.
			return s.repo.Get(ctx, c.ID)
		}
		return Consent{}, err
	}

	if s.timeline != nil {
		payload := map[string]any{
			"ledger_id": c.ID,
			"tx_ref":    txRef,
		}
		if err := s.timeline.Append(ctx, tx, activated.ID, EventConsentActivated, actorID, payload); err != nil {
			return Consent{}, err
		}
	}
	if s.outbox != nil {
		payload := map[string]any{
			"consent_id": activated.ID,
			"tx_ref":     txRef,
		}
		if err := s.outbox.Enqueue(ctx, tx, OutboxTopicConsentActivated, payload); err != nil {
			return Consent{}, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return Consent{}, fmt.Errorf("consent: commit activation: %w", err)
	}
	return activated, nil
}

// Revoke transitions the consent to REVOKED. When the consent was anchored,
// the ledger revoke is submitted first and a failure leaves local state
// untouched, so the record never silently diverges from the chain.
func (s *Service) Revoke(ctx context.Context, actorID, consentID string) (Consent, error) {
	if actorID == "" || consentID == "" {
		return Consent{}, fmt.Errorf("%w: actor id and consent id are required", ErrValidation)
	}

	c, err := s.repo.Get(ctx, consentID)
	if err != nil {
		return Consent{}, err
	}
	if !c.IsParticipant(actorID) {
		return Consent{}, ErrForbidden
	}
	if c.Status == StatusRevoked {
		return Consent{}, fmt.Errorf("%w: consent already revoked", ErrInvalidOperation)
	}

	var txRef *string
	if c.LedgerID != nil {
		ref, err := s.ledger.SubmitRevoke(ctx, *c.LedgerID)
		if err != nil {
			return Consent{}, fmt.Errorf("%w: submit revoke: %w", ErrLedger, err)
		}
		if ref != "" {
			txRef = &ref
		}
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Consent{}, fmt.Errorf("consent: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	revoked, err := s.repo.MarkRevoked(ctx, tx, c.ID, txRef)
	if err != nil {
		if errors.Is(err, ErrAlreadyRevoked) {
			return Consent{}, fmt.Errorf("%w: consent already revoked", ErrInvalidOperation)
		}
		return Consent{}, err
	}

	if s.timeline != nil {
		payload := map[string]any{"previous_status": string(c.Status)}
		if err := s.timeline.Append(ctx, tx, revoked.ID, EventConsentRevoked, actorID, payload); err != nil {
			return Consent{}, err
		}
	}
	if s.outbox != nil {
		payload := map[string]any{"consent_id": revoked.ID}
		if txRef != nil {
			payload["tx_ref"] = *txRef
		}
		if err := s.outbox.Enqueue(ctx, tx, OutboxTopicConsentRevoked, payload); err != nil {
			return Consent{}, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return Consent{}, fmt.Errorf("consent: commit revoke: %w", err)
	}
	return revoked, nil
}

// List returns every consent the actor participates in, newest first.
func (s *Service) List(ctx context.Context, actorID string) ([]Consent, error) {
	if actorID == "" {
		return nil, fmt.Errorf("%w: missing actor id", ErrValidation)
	}
	return s.repo.ListForParticipant(ctx, actorID)
}

// Get returns a single consent, gated on participation.
func (s *Service) Get(ctx context.Context, actorID, consentID string) (Consent, error) {
	if actorID == "" || consentID == "" {
		return Consent{}, fmt.Errorf("%w: actor id and consent id are required", ErrValidation)
	}
	c, err := s.repo.Get(ctx, consentID)
	if err != nil {
		return Consent{}, err
	}
	if !c.IsParticipant(actorID) {
		return Consent{}, ErrForbidden
	}
	return c, nil
}
