package triage

import (
	"context"
	"fmt"
	"sync/atomic"
)

// Assigner picks the agent a ticket is handed to. An empty id with a nil
// error means no agent is available.
type Assigner interface {
	Assign(ctx context.Context, t *Ticket) (string, error)
}

// Assignment policy names accepted by NewAssigner.
const (
	AssignFirstAvailable = "first"
	AssignRoundRobin     = "round-robin"
	AssignLeastLoaded    = "least-loaded"
)

// NewAssigner returns the named assignment policy over store.
func NewAssigner(policy string, store Store) (Assigner, error) {
	switch policy {
	case "", AssignFirstAvailable:
		return &FirstAvailable{users: store}, nil
	case AssignRoundRobin:
		return &RoundRobin{users: store}, nil
	case AssignLeastLoaded:
		return &LeastLoaded{users: store, tickets: store}, nil
	default:
		return nil, fmt.Errorf("unknown assignment policy %q", policy)
	}
}

// FirstAvailable assigns the first active agent account, with no load awareness.
type FirstAvailable struct {
	users UserDirectory
}

// Assign implements Assigner.
func (a *FirstAvailable) Assign(ctx context.Context, _ *Ticket) (string, error) {
	agents, err := a.users.ListUsersByRole(ctx, RoleAgent)
	if err != nil {
		return "", fmt.Errorf("list agents: %w", err)
	}
	if len(agents) == 0 {
		return "", nil
	}
	return agents[0].ID, nil
}

// RoundRobin cycles through active agents in directory order.
type RoundRobin struct {
	users UserDirectory
	next  atomic.Uint64
}

// Assign implements Assigner.
func (a *RoundRobin) Assign(ctx context.Context, _ *Ticket) (string, error) {
	agents, err := a.users.ListUsersByRole(ctx, RoleAgent)
	if err != nil {
		return "", fmt.Errorf("list agents: %w", err)
	}
	if len(agents) == 0 {
		return "", nil
	}
	i := a.next.Add(1) - 1
	return agents[i%uint64(len(agents))].ID, nil
}

// LeastLoaded assigns the agent with the fewest tickets waiting on a human.
// Ties go to the earlier agent in directory order.
type LeastLoaded struct {
	users   UserDirectory
	tickets TicketStore
}

// Assign implements Assigner.
func (a *LeastLoaded) Assign(ctx context.Context, _ *Ticket) (string, error) {
	agents, err := a.users.ListUsersByRole(ctx, RoleAgent)
	if err != nil {
		return "", fmt.Errorf("list agents: %w", err)
	}

	best, bestLoad := "", -1
	for _, u := range agents {
		n, err := a.tickets.CountAssigned(ctx, u.ID)
		if err != nil {
			return "", fmt.Errorf("count assigned for %s: %w", u.ID, err)
		}
		if bestLoad < 0 || n < bestLoad {
			best, bestLoad = u.ID, n
		}
	}
	return best, nil
}
