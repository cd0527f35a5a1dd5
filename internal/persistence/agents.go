package persistence

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/basket/agentrelay/internal/relay"
)

// --- Agent Directory ---

const agentColumns = `id, name, description, registered_at, last_seen_at`

// RegisterAgent registers an agent by name, or reconnects an existing
// one. Name reuse is an idempotent upsert, never a conflict: the existing
// agent is returned with its description updated and last_seen_at
// refreshed. last_seen_at never moves backward even under concurrent
// registrations (monotonic max, enforced in SQL). The bool result
// reports whether the name was newly created by this call.
func (s *Store) RegisterAgent(ctx context.Context, params relay.RegisterAgent) (relay.Agent, bool, error) {
	name := strings.TrimSpace(params.Name)
	if name == "" {
		return relay.Agent{}, false, relay.InvalidInputf("agent name must be non-empty")
	}

	id := uuid.NewString()
	ts := now()
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO agents (id, name, description, registered_at, last_seen_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(name) DO UPDATE SET
				description = excluded.description,
				last_seen_at = MAX(last_seen_at, excluded.last_seen_at);
		`, id, name, params.Description, ts, ts)
		return err
	})
	if err != nil {
		return relay.Agent{}, false, relay.StoreErr("register agent", err)
	}
	agent, err := s.GetAgentByName(ctx, name)
	if err != nil {
		return relay.Agent{}, false, err
	}
	// The generated id survives only when the insert won; on an upsert
	// the existing row keeps its id.
	return agent, agent.ID == id, nil
}

// GetAgentByName resolves an agent by its unique name.
func (s *Store) GetAgentByName(ctx context.Context, name string) (relay.Agent, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+agentColumns+` FROM agents WHERE name = ?;
	`, name)
	agent, err := scanAgent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return relay.Agent{}, relay.NotFoundf("agent %q not found", name)
	}
	if err != nil {
		return relay.Agent{}, relay.StoreErr("get agent by name", err)
	}
	return agent, nil
}

// GetAgentByID resolves an agent by id.
func (s *Store) GetAgentByID(ctx context.Context, id string) (relay.Agent, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+agentColumns+` FROM agents WHERE id = ?;
	`, id)
	agent, err := scanAgent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return relay.Agent{}, relay.NotFoundf("agent id %q not found", id)
	}
	if err != nil {
		return relay.Agent{}, relay.StoreErr("get agent by id", err)
	}
	return agent, nil
}

// ListAgents returns all agents in stable order: registered_at ascending,
// ties broken by id, so repeated calls with no intervening registrations
// are deterministic.
func (s *Store) ListAgents(ctx context.Context) ([]relay.Agent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+agentColumns+` FROM agents ORDER BY registered_at ASC, id ASC;
	`)
	if err != nil {
		return nil, relay.StoreErr("list agents", err)
	}
	defer rows.Close()

	var out []relay.Agent
	for rows.Next() {
		agent, err := scanAgent(rows)
		if err != nil {
			return nil, relay.StoreErr("scan agent", err)
		}
		out = append(out, agent)
	}
	if err := rows.Err(); err != nil {
		return nil, relay.StoreErr("iterate agents", err)
	}
	return out, nil
}

// TouchAgent advances last_seen_at to max(current, now). The conditional
// write keeps the timestamp monotonic when two callers race; it never
// fails for a known id.
func (s *Store) TouchAgent(ctx context.Context, id string) error {
	var res sql.Result
	err := retryOnBusy(ctx, 5, func() error {
		var execErr error
		res, execErr = s.db.ExecContext(ctx, `
			UPDATE agents SET last_seen_at = MAX(last_seen_at, ?) WHERE id = ?;
		`, now(), id)
		return execErr
	})
	if err != nil {
		return relay.StoreErr("touch agent", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return relay.StoreErr("touch agent: rows affected", err)
	}
	if n == 0 {
		return relay.NotFoundf("agent id %q not found", id)
	}
	return nil
}

// CountAgentsSeenSince reports how many agents have been seen since the
// given instant. Informational only; used by the liveness snapshot.
func (s *Store) CountAgentsSeenSince(ctx context.Context, since time.Time) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM agents WHERE last_seen_at >= ?;
	`, since.UTC()).Scan(&count); err != nil {
		return 0, relay.StoreErr("count agents seen since", err)
	}
	return count, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAgent(row rowScanner) (relay.Agent, error) {
	var a relay.Agent
	if err := row.Scan(&a.ID, &a.Name, &a.Description, &a.RegisteredAt, &a.LastSeenAt); err != nil {
		return relay.Agent{}, err
	}
	return a, nil
}
