package spaceconfig

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rjcorwin/mew-gateway/internal/pattern"
)

// DynamicLoader polls a Postgres-backed participant table on an interval
// and pushes refreshed configs into an Authenticator, letting operators
// add/revoke participants without restarting the gateway (SPEC_FULL.md §6
// "Space configuration source").
//
// Expected schema (operator-managed, not migrated by this package):
//
//	CREATE TABLE mew_participants (
//	  space_id      text NOT NULL,
//	  participant_id text NOT NULL,
//	  tokens        text[] NOT NULL DEFAULT '{}',
//	  token_hashes  text[] NOT NULL DEFAULT '{}',
//	  capabilities  jsonb NOT NULL,
//	  type          text,
//	  auto_start    boolean NOT NULL DEFAULT false,
//	  PRIMARY KEY (space_id, participant_id)
//	);
type DynamicLoader struct {
	pool    *pgxpool.Pool
	spaceID string
	auth    *Authenticator
	log     *slog.Logger
}

// NewDynamicLoader constructs a DynamicLoader bound to one space's rows.
func NewDynamicLoader(pool *pgxpool.Pool, spaceID string, auth *Authenticator, log *slog.Logger) *DynamicLoader {
	return &DynamicLoader{pool: pool, spaceID: spaceID, auth: auth, log: log}
}

// Poll performs one fetch-and-apply cycle, useful both for the initial
// synchronous load at startup and for each tick of Run's ticker.
func (l *DynamicLoader) Poll(ctx context.Context) error {
	rows, err := l.pool.Query(ctx, `
		SELECT participant_id, tokens, token_hashes, capabilities, type, auto_start
		FROM mew_participants
		WHERE space_id = $1`, l.spaceID)
	if err != nil {
		return fmt.Errorf("spaceconfig: postgres query: %w", err)
	}
	defer rows.Close()

	participants := make(map[string]Participant)
	for rows.Next() {
		var (
			id, typ        string
			tokens, hashes []string
			capsJSON       []byte
			autoStart      bool
		)
		if err := rows.Scan(&id, &tokens, &hashes, &capsJSON, &typ, &autoStart); err != nil {
			return fmt.Errorf("spaceconfig: postgres scan: %w", err)
		}

		var caps []pattern.Capability
		if err := json.Unmarshal(capsJSON, &caps); err != nil {
			return fmt.Errorf("spaceconfig: participant %q: invalid capabilities jsonb: %w", id, err)
		}
		for _, c := range caps {
			if _, err := pattern.Compile(c); err != nil {
				return fmt.Errorf("spaceconfig: participant %q: %w", id, err)
			}
		}

		participants[id] = Participant{
			ID:           id,
			Tokens:       tokens,
			TokenHashes:  hashes,
			Capabilities: caps,
			Type:         ParticipantType(typ),
			AutoStart:    autoStart,
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("spaceconfig: postgres rows: %w", err)
	}

	l.auth.SetConfig(Config{SpaceID: l.spaceID, Participants: participants})
	return nil
}

// Run polls on interval until ctx is cancelled, logging (but not dying on)
// transient query failures so a blip in the database does not tear down
// live connections still authenticated against the last-good table.
func (l *DynamicLoader) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := l.Poll(ctx); err != nil {
				l.log.Error("spaceconfig.postgres.poll.fail", "err", err)
			}
		}
	}
}
