// Package chaos injects the two failure modes the consent engine must
// survive: database backends dying mid-transaction and the external ledger
// relayer rejecting submissions.
package chaos

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// TerminateRandomBackend periodically kills a random backend of the target
// database, simulating connection loss under load. Runs until ctx is done or
// stop closes.
func TerminateRandomBackend(ctx context.Context, stop <-chan struct{}, pool *pgxpool.Pool) error {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		case <-ticker.C:
			if rand.Intn(5) != 0 {
				continue
			}
			// Pick one of our own backends, never the current one.
			_, err := pool.Exec(ctx, `
				SELECT pg_terminate_backend(pid)
				FROM pg_stat_activity
				WHERE datname = current_database()
				  AND pid <> pg_backend_pid()
				ORDER BY random()
				LIMIT 1`)
			if err != nil {
				// The victim may have been our own connection.
				continue
			}
		}
	}
}

// FlakyGateway is an in-process ledger gateway that fails a configurable
// fraction of submissions and otherwise returns deterministic fake tx refs.
// It records every accepted create so the harness can cross-check anchoring.
type FlakyGateway struct {
	mu       sync.Mutex
	rng      *rand.Rand
	failRate float64 // 0..1

	creates  map[string]int // consent id -> accepted create submissions
	revokes  map[string]int // ledger id -> accepted revoke submissions
	failures int
	seq      int
}

func NewFlakyGateway(seed int64, failRate float64) *FlakyGateway {
	return &FlakyGateway{
		rng:      rand.New(rand.NewSource(seed)),
		failRate: failRate,
		creates:  make(map[string]int),
		revokes:  make(map[string]int),
	}
}

func (g *FlakyGateway) SubmitCreate(ctx context.Context, consentID, partyA, partyB string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.rng.Float64() < g.failRate {
		g.failures++
		return "", fmt.Errorf("relayer unavailable")
	}
	g.creates[consentID]++
	g.seq++
	return fmt.Sprintf("0x%064x", g.seq), nil
}

func (g *FlakyGateway) SubmitRevoke(ctx context.Context, ledgerID string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.rng.Float64() < g.failRate {
		g.failures++
		return "", fmt.Errorf("relayer unavailable")
	}
	g.revokes[ledgerID]++
	g.seq++
	return fmt.Sprintf("0x%064x", g.seq), nil
}

// Failures reports how many submissions were rejected.
func (g *FlakyGateway) Failures() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.failures
}

// AcceptedCreates reports how many consents had at least one accepted create.
func (g *FlakyGateway) AcceptedCreates() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.creates)
}
