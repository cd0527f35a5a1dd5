package persistence_test

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/basket/agentrelay/internal/persistence"
	"github.com/basket/agentrelay/internal/relay"
)

func openTestStore(t *testing.T) *persistence.Store {
	t.Helper()
	dir := t.TempDir()
	store, err := persistence.Open(filepath.Join(dir, "relay.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func registerTestAgent(t *testing.T, store *persistence.Store, name string) relay.Agent {
	t.Helper()
	agent, _, err := store.RegisterAgent(context.Background(), relay.RegisterAgent{
		Name:        name,
		Description: name + " description",
	})
	if err != nil {
		t.Fatalf("register %s: %v", name, err)
	}
	return agent
}

func TestRegisterAgent(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	agent, created, err := store.RegisterAgent(ctx, relay.RegisterAgent{
		Name:        "researcher",
		Description: "web research",
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if !created {
		t.Fatal("first registration should report created")
	}
	if agent.ID == "" {
		t.Fatal("agent ID not assigned")
	}
	if agent.RegisteredAt.IsZero() || agent.LastSeenAt.IsZero() {
		t.Fatal("timestamps not set")
	}
}

func TestRegisterAgentIdempotent(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	first, _, err := store.RegisterAgent(ctx, relay.RegisterAgent{Name: "researcher", Description: "v1"})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	second, created, err := store.RegisterAgent(ctx, relay.RegisterAgent{Name: "researcher", Description: "v2"})
	if err != nil {
		t.Fatalf("re-register: %v", err)
	}
	if created {
		t.Fatal("re-registration must not report created")
	}
	if second.ID != first.ID {
		t.Fatalf("re-registration changed ID: %s -> %s", first.ID, second.ID)
	}
	if second.Description != "v2" {
		t.Fatalf("description = %q, want refreshed %q", second.Description, "v2")
	}
	if second.RegisteredAt != first.RegisteredAt {
		t.Fatal("re-registration must not change registered_at")
	}

	agents, err := store.ListAgents(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(agents) != 1 {
		t.Fatalf("got %d agents, want 1", len(agents))
	}
}

func TestRegisterAgentEmptyName(t *testing.T) {
	store := openTestStore(t)
	for _, name := range []string{"", "   "} {
		_, _, err := store.RegisterAgent(context.Background(), relay.RegisterAgent{Name: name})
		if !relay.IsKind(err, relay.KindInvalidInput) {
			t.Fatalf("name %q: err = %v, want InvalidInput", name, err)
		}
	}
}

func TestTouchAgentMonotonic(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	agent := registerTestAgent(t, store, "researcher")

	if err := store.TouchAgent(ctx, agent.ID); err != nil {
		t.Fatalf("touch: %v", err)
	}
	after, err := store.GetAgentByID(ctx, agent.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if after.LastSeenAt.Before(agent.LastSeenAt) {
		t.Fatal("last_seen_at moved backwards")
	}
}

func TestTouchAgentNotFound(t *testing.T) {
	store := openTestStore(t)
	err := store.TouchAgent(context.Background(), "no-such-id")
	if !relay.IsKind(err, relay.KindNotFound) {
		t.Fatalf("err = %v, want NotFound", err)
	}
}

func TestGetAgentByName(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	registerTestAgent(t, store, "researcher")

	agent, err := store.GetAgentByName(ctx, "researcher")
	if err != nil {
		t.Fatalf("get by name: %v", err)
	}
	if agent.Name != "researcher" {
		t.Fatalf("name = %q", agent.Name)
	}

	if _, err := store.GetAgentByName(ctx, "ghost"); !relay.IsKind(err, relay.KindNotFound) {
		t.Fatalf("unknown name: err = %v, want NotFound", err)
	}
}

func TestListAgentsOrder(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	for _, name := range []string{"alpha", "beta", "gamma"} {
		registerTestAgent(t, store, name)
	}

	agents, err := store.ListAgents(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(agents) != 3 {
		t.Fatalf("got %d agents, want 3", len(agents))
	}
	for i := 1; i < len(agents); i++ {
		if agents[i].RegisteredAt.Before(agents[i-1].RegisteredAt) {
			t.Fatal("agents not in registration order")
		}
	}
}

func TestCountAgentsSeenSince(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	registerTestAgent(t, store, "researcher")
	registerTestAgent(t, store, "writer")

	recent, err := store.CountAgentsSeenSince(ctx, time.Now().UTC().Add(-time.Minute))
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if recent != 2 {
		t.Fatalf("recent = %d, want 2", recent)
	}

	none, err := store.CountAgentsSeenSince(ctx, time.Now().UTC().Add(time.Hour))
	if err != nil {
		t.Fatalf("count future: %v", err)
	}
	if none != 0 {
		t.Fatalf("future window = %d, want 0", none)
	}
}

func TestRegisterAgentConcurrentUpsert(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	const callers = 8
	type outcome struct {
		agent   relay.Agent
		created bool
	}
	var wg sync.WaitGroup
	results := make(chan outcome, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			agent, created, err := store.RegisterAgent(ctx, relay.RegisterAgent{
				Name:        "racer",
				Description: "concurrent registration",
			})
			if err != nil {
				t.Errorf("register: %v", err)
				return
			}
			results <- outcome{agent, created}
		}()
	}
	wg.Wait()
	close(results)

	creations := 0
	var id string
	var maxSeen time.Time
	for o := range results {
		if o.created {
			creations++
		}
		if id == "" {
			id = o.agent.ID
		} else if o.agent.ID != id {
			t.Fatalf("concurrent registrations produced ids %q and %q", id, o.agent.ID)
		}
		if o.agent.LastSeenAt.After(maxSeen) {
			maxSeen = o.agent.LastSeenAt
		}
	}
	if creations != 1 {
		t.Fatalf("%d calls reported created, want exactly 1", creations)
	}

	final, err := store.GetAgentByName(ctx, "racer")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if final.LastSeenAt.Before(maxSeen) {
		t.Fatalf("last_seen_at moved backward: final %v, observed %v", final.LastSeenAt, maxSeen)
	}
}
