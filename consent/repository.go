package consent

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrNotFound is returned when no consent row exists for the identifier
	// or pairing code.
	ErrNotFound = errors.New("consent: not found")
	// ErrPartnerTaken signals the claim guard found the partner slot already
	// filled by a concurrent claimant.
	ErrPartnerTaken = errors.New("consent: partner slot already claimed")
	// ErrNotPending signals the activation guard found the consent no longer
	// in PENDING; a concurrent activation already committed.
	ErrNotPending = errors.New("consent: no longer pending")
	// ErrAlreadyRevoked signals the revoke guard found the consent already
	// REVOKED.
	ErrAlreadyRevoked = errors.New("consent: already revoked")
	// ErrDuplicatePairCode signals a pairing-code uniqueness collision on
	// insert.
	ErrDuplicatePairCode = errors.New("consent: pairing code already in use")
)

// Repository defines the data access required by the lifecycle service.
// Every state transition is an explicit conditional update encoding its own
// precondition, so concurrent callers race on the database row rather than
// on stale in-process reads.
type Repository interface {
	Insert(ctx context.Context, tx pgx.Tx, c Consent) (Consent, error)
	Get(ctx context.Context, id string) (Consent, error)
	GetByPairCode(ctx context.Context, code string) (Consent, error)
	// ClaimPartner fills the partner slot and clears the pairing code in a
	// single update guarded on "partner_id IS NULL". Returns ErrPartnerTaken
	// when the guard fails.
	ClaimPartner(ctx context.Context, tx pgx.Tx, id, partnerID string) (Consent, error)
	// MarkConfirmed sets the acting participant's confirmation flag. The
	// returned bool reports whether the flag transitioned; a repeat confirm
	// is a no-op, not an error.
	MarkConfirmed(ctx context.Context, tx pgx.Tx, id string, byInitiator bool) (Consent, bool, error)
	// Activate commits the PENDING -> ACTIVE transition, guarded on
	// "status = 'PENDING'". Returns ErrNotPending when a concurrent
	// activation won the race.
	Activate(ctx context.Context, tx pgx.Tx, id, ledgerID, txRef string) (Consent, error)
	// MarkRevoked commits the transition to REVOKED, guarded on
	// "status <> 'REVOKED'". txRef, when non-nil, records the revoke
	// transaction handle.
	MarkRevoked(ctx context.Context, tx pgx.Tx, id string, txRef *string) (Consent, error)
	ListForParticipant(ctx context.Context, userID string) ([]Consent, error)
}

// PGRepository implements Repository backed by PostgreSQL.
type PGRepository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

const consentColumns = `id, initiator_id, partner_id, title, description, valid_from, valid_to,
       status, ledger_id, last_tx_ref, pair_code, initiator_confirmed, partner_confirmed,
       created_at, confirmed_at`

func (r *PGRepository) Insert(ctx context.Context, tx pgx.Tx, c Consent) (Consent, error) {
	const insertSQL = `
INSERT INTO consents (id, initiator_id, partner_id, title, description, valid_from, valid_to, status, pair_code)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
RETURNING ` + consentColumns

	row := tx.QueryRow(ctx, insertSQL,
		c.ID,
		c.InitiatorID,
		c.PartnerID,
		c.Title,
		c.Description,
		c.ValidFrom,
		c.ValidTo,
		c.Status,
		c.PairCode,
	)

	created, err := scanConsent(row)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Consent{}, ErrDuplicatePairCode
		}
		return Consent{}, fmt.Errorf("consent: insert: %w", err)
	}
	return created, nil
}

func (r *PGRepository) Get(ctx context.Context, id string) (Consent, error) {
	const selectSQL = `SELECT ` + consentColumns + ` FROM consents WHERE id = $1`

	c, err := scanConsent(r.pool.QueryRow(ctx, selectSQL, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Consent{}, ErrNotFound
		}
		return Consent{}, fmt.Errorf("consent: get: %w", err)
	}
	return c, nil
}

func (r *PGRepository) GetByPairCode(ctx context.Context, code string) (Consent, error) {
	const selectSQL = `SELECT ` + consentColumns + ` FROM consents WHERE pair_code = $1`

	c, err := scanConsent(r.pool.QueryRow(ctx, selectSQL, code))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Consent{}, ErrNotFound
		}
		return Consent{}, fmt.Errorf("consent: get by pair code: %w", err)
	}
	return c, nil
}

func (r *PGRepository) ClaimPartner(ctx context.Context, tx pgx.Tx, id, partnerID string) (Consent, error) {
	const updateSQL = `
UPDATE consents
SET partner_id = $2,
    pair_code = NULL
WHERE id = $1
  AND partner_id IS NULL
RETURNING ` + consentColumns

	c, err := scanConsent(tx.QueryRow(ctx, updateSQL, id, partnerID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Consent{}, r.missOrTaken(ctx, tx, id)
		}
		return Consent{}, fmt.Errorf("consent: claim partner: %w", err)
	}
	return c, nil
}

func (r *PGRepository) MarkConfirmed(ctx context.Context, tx pgx.Tx, id string, byInitiator bool) (Consent, bool, error) {
	updateSQL := `
UPDATE consents
SET partner_confirmed = TRUE
WHERE id = $1
  AND partner_confirmed = FALSE
RETURNING ` + consentColumns
	if byInitiator {
		updateSQL = `
UPDATE consents
SET initiator_confirmed = TRUE
WHERE id = $1
  AND initiator_confirmed = FALSE
RETURNING ` + consentColumns
	}

	c, err := scanConsent(tx.QueryRow(ctx, updateSQL, id))
	if err == nil {
		return c, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Consent{}, false, fmt.Errorf("consent: mark confirmed: %w", err)
	}

	// Flag was already set; re-read so the caller still sees current state.
	current, err := scanConsent(tx.QueryRow(ctx, `SELECT `+consentColumns+` FROM consents WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Consent{}, false, ErrNotFound
		}
		return Consent{}, false, fmt.Errorf("consent: reload after confirm: %w", err)
	}
	return current, false, nil
}

func (r *PGRepository) Activate(ctx context.Context, tx pgx.Tx, id, ledgerID, txRef string) (Consent, error) {
	const updateSQL = `
UPDATE consents
SET status = 'ACTIVE',
    ledger_id = $2,
    last_tx_ref = $3,
    confirmed_at = now()
WHERE id = $1
  AND status = 'PENDING'
  AND initiator_confirmed
  AND partner_confirmed
  AND partner_id IS NOT NULL
RETURNING ` + consentColumns

	c, err := scanConsent(tx.QueryRow(ctx, updateSQL, id, ledgerID, txRef))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Consent{}, ErrNotPending
		}
		return Consent{}, fmt.Errorf("consent: activate: %w", err)
	}
	return c, nil
}

func (r *PGRepository) MarkRevoked(ctx context.Context, tx pgx.Tx, id string, txRef *string) (Consent, error) {
	const updateSQL = `
UPDATE consents
SET status = 'REVOKED',
    last_tx_ref = COALESCE($2, last_tx_ref)
WHERE id = $1
  AND status <> 'REVOKED'
RETURNING ` + consentColumns

	c, err := scanConsent(tx.QueryRow(ctx, updateSQL, id, txRef))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Consent{}, ErrAlreadyRevoked
		}
		return Consent{}, fmt.Errorf("consent: mark revoked: %w", err)
	}
	return c, nil
}

func (r *PGRepository) ListForParticipant(ctx context.Context, userID string) ([]Consent, error) {
	const listSQL = `
SELECT ` + consentColumns + `
FROM consents
WHERE initiator_id = $1 OR partner_id = $1
ORDER BY created_at DESC, id DESC`

	rows, err := r.pool.Query(ctx, listSQL, userID)
	if err != nil {
		return nil, fmt.Errorf("consent: list for participant: %w", err)
	}
	defer rows.Close()

	list := []Consent{}
	for rows.Next() {
		c, err := scanConsent(rows)
		if err != nil {
			return nil, fmt.Errorf("consent: scan list row: %w", err)
		}
		list = append(list, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("consent: list rows: %w", err)
	}
	return list, nil
}

// missOrTaken distinguishes a missing row from a claim guard failure.
func (r *PGRepository) missOrTaken(ctx context.Context, tx pgx.Tx, id string) error {
	var exists bool
	if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM consents WHERE id = $1)`, id).Scan(&exists); err != nil {
		return fmt.Errorf("consent: check claim miss: %w", err)
	}
	if !exists {
		return ErrNotFound
	}
	return ErrPartnerTaken
}

func scanConsent(row pgx.Row) (Consent, error) {
	var c Consent
	return c, row.Scan(
		&c.ID,
		&c.InitiatorID,
		&c.PartnerID,
		&c.Title,
		&c.Description,
		&c.ValidFrom,
		&c.ValidTo,
		&c.Status,
		&c.LedgerID,
		&c.LastTxRef,
		&c.PairCode,
		&c.InitiatorConfirmed,
		&c.PartnerConfirmed,
		&c.CreatedAt,
		&c.ConfirmedAt,
	)
}
