// Package actors contains the concurrent workloads driven by the stress
// harness. Each actor loops until the shared stop channel closes, calling
// into the consent service the way a real client would and tolerating only
// the sentinel errors a contended lifecycle is allowed to produce.
package actors

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"consentflow/consent"
)

// Stats aggregates counters across all actors.
type Stats struct {
	Creates     atomic.Int64
	ClaimWins   atomic.Int64
	ClaimLosses atomic.Int64
	Confirms    atomic.Int64
	Activations atomic.Int64
	Revokes     atomic.Int64
	LedgerFails atomic.Int64
	Reads       atomic.Int64
}

func (s *Stats) String() string {
	return fmt.Sprintf("creates=%d claim_wins=%d claim_losses=%d confirms=%d activations=%d revokes=%d ledger_fails=%d reads=%d",
		s.Creates.Load(), s.ClaimWins.Load(), s.ClaimLosses.Load(),
		s.Confirms.Load(), s.Activations.Load(), s.Revokes.Load(), s.LedgerFails.Load(), s.Reads.Load())
}

// Board is the shared scratchpad actors use to find work: open pairing codes
// posted by creators and consent ids posted by anyone who touched one.
// Codes are deliberately not removed on read so that claimers race.
type Board struct {
	mu    sync.Mutex
	codes []string
	ids   []string
}

func NewBoard() *Board { return &Board{} }

func (b *Board) PostCode(code string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.codes = append(b.codes, code)
	if len(b.codes) > 256 {
		b.codes = b.codes[len(b.codes)-256:]
	}
}

func (b *Board) RandomCode(rng *rand.Rand) (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.codes) == 0 {
		return "", false
	}
	return b.codes[rng.Intn(len(b.codes))], true
}

func (b *Board) PostConsent(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ids = append(b.ids, id)
	if len(b.ids) > 1024 {
		b.ids = b.ids[len(b.ids)-1024:]
	}
}

func (b *Board) RandomConsent(rng *rand.Rand) (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.ids) == 0 {
		return "", false
	}
	return b.ids[rng.Intn(len(b.ids))], true
}

// Creator opens consents as initiatorID. Roughly half get a partner email so
// that direct pairing and code pairing are both exercised.
func Creator(ctx context.Context, stop <-chan struct{}, svc *consent.Service, board *Board, initiatorID string, partnerEmails []string, rng *rand.Rand, stats *Stats) error {
	seq := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		seq++
		params := consent.CreateParams{
			Title:       fmt.Sprintf("stress consent %d", seq),
			Description: "generated by the stress harness",
		}
		if len(partnerEmails) > 0 && rng.Intn(2) == 0 {
			params.PartnerEmail = partnerEmails[rng.Intn(len(partnerEmails))]
		}

		c, err := svc.Create(ctx, initiatorID, params)
		if err != nil {
			if benign(err, consent.ErrInvalidOperation) {
				continue
			}
			return fmt.Errorf("creator: %w", err)
		}
		stats.Creates.Add(1)
		board.PostConsent(c.ID)
		if c.PairCode != nil {
			board.PostCode(*c.PairCode)
		}

		sleepJitter(ctx, rng, 20*time.Millisecond)
	}
}

// Claimer grabs a random posted code and tries to claim it. Losing a race or
// hitting a consumed code is expected; anything else fails the run.
func Claimer(ctx context.Context, stop <-chan struct{}, svc *consent.Service, board *Board, claimantID string, rng *rand.Rand, stats *Stats) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		code, ok := board.RandomCode(rng)
		if !ok {
			sleepJitter(ctx, rng, 10*time.Millisecond)
			continue
		}

		c, err := svc.Claim(ctx, claimantID, code)
		switch {
		case err == nil:
			stats.ClaimWins.Add(1)
			board.PostConsent(c.ID)
		case benign(err, consent.ErrNotFound, consent.ErrInvalidOperation, consent.ErrValidation):
			stats.ClaimLosses.Add(1)
		default:
			return fmt.Errorf("claimer: %w", err)
		}

		sleepJitter(ctx, rng, 10*time.Millisecond)
	}
}

// Confirmer picks a random consent and a random user and confirms. Ledger
// flakes are counted but tolerated since activation retries on the next
// confirmation attempt.
func Confirmer(ctx context.Context, stop <-chan struct{}, svc *consent.Service, board *Board, userIDs []string, rng *rand.Rand, stats *Stats) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		id, ok := board.RandomConsent(rng)
		if !ok {
			sleepJitter(ctx, rng, 10*time.Millisecond)
			continue
		}
		userID := userIDs[rng.Intn(len(userIDs))]

		c, err := svc.Confirm(ctx, userID, id)
		switch {
		case err == nil:
			stats.Confirms.Add(1)
			if c.Status == consent.StatusActive {
				stats.Activations.Add(1)
			}
		case errors.Is(err, consent.ErrLedger):
			stats.LedgerFails.Add(1)
		case benign(err, consent.ErrForbidden, consent.ErrInvalidOperation, consent.ErrNotFound):
		default:
			return fmt.Errorf("confirmer: %w", err)
		}

		sleepJitter(ctx, rng, 15*time.Millisecond)
	}
}

// Revoker occasionally revokes a random consent.
func Revoker(ctx context.Context, stop <-chan struct{}, svc *consent.Service, board *Board, userIDs []string, rng *rand.Rand, stats *Stats) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		id, ok := board.RandomConsent(rng)
		if !ok || rng.Intn(4) != 0 {
			sleepJitter(ctx, rng, 25*time.Millisecond)
			continue
		}
		userID := userIDs[rng.Intn(len(userIDs))]

		_, err := svc.Revoke(ctx, userID, id)
		switch {
		case err == nil:
			stats.Revokes.Add(1)
		case errors.Is(err, consent.ErrLedger):
			stats.LedgerFails.Add(1)
		case benign(err, consent.ErrForbidden, consent.ErrInvalidOperation, consent.ErrNotFound):
		default:
			return fmt.Errorf("revoker: %w", err)
		}

		sleepJitter(ctx, rng, 25*time.Millisecond)
	}
}

// Reader hammers the read paths.
func Reader(ctx context.Context, stop <-chan struct{}, svc *consent.Service, board *Board, userIDs []string, rng *rand.Rand, stats *Stats) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		userID := userIDs[rng.Intn(len(userIDs))]
		if id, ok := board.RandomConsent(rng); ok && rng.Intn(2) == 0 {
			if _, err := svc.Get(ctx, userID, id); err != nil && !benign(err, consent.ErrForbidden, consent.ErrNotFound) {
				return fmt.Errorf("reader get: %w", err)
			}
		} else {
			if _, err := svc.List(ctx, userID); err != nil {
				return fmt.Errorf("reader list: %w", err)
			}
		}
		stats.Reads.Add(1)

		sleepJitter(ctx, rng, 10*time.Millisecond)
	}
}

func benign(err error, sentinels ...error) bool {
	for _, s := range sentinels {
		if errors.Is(err, s) {
			return true
		}
	}
	// Chaos kills backends mid-statement; treat cancelled work as benign too.
	return errors.Is(err, context.Canceled)
}

func sleepJitter(ctx context.Context, rng *rand.Rand, max time.Duration) {
	d := time.Duration(rng.Int63n(int64(max) + 1))
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
