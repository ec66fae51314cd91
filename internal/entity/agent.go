package entity

import (
	"fmt"
	"sort"
)

// Agent record field names. Agents are registry entries for writers
// (human or automated) that participate in the store. Presence state is
// modeled as ordinary entities so it merges like everything else; the
// coarse heartbeat cadence is deliberate, to keep frequent local state
// from turning into constant distribution-branch contention.
const (
	AgentFieldStatus       = "status"
	AgentFieldHeartbeat    = "heartbeat"
	AgentFieldWorkingSet   = "working_set"
	AgentFieldReservations = "reservations"
)

// Agent statuses.
const (
	AgentIdle    = "idle"
	AgentRunning = "running"
	AgentStuck   = "stuck"
	AgentStopped = "stopped"
)

var agentStatuses = map[string]bool{
	AgentIdle:    true,
	AgentRunning: true,
	AgentStuck:   true,
	AgentStopped: true,
}

func init() {
	Register(&Collection{
		Type: "ag",
		Dir:  "agents",
		Rules: map[string]FieldRule{
			AgentFieldStatus:     {Strategy: StrategyLWW},
			AgentFieldHeartbeat:  {Strategy: StrategyLWW},
			AgentFieldWorkingSet: {Strategy: StrategyUnion},
			// Reservations are advisory path claims, not leases; merged by
			// path so two agents reserving different paths both survive.
			AgentFieldReservations: {Strategy: StrategyMergeByID, MergeKey: "path"},
		},
		DefaultRule:   FieldRule{Strategy: StrategyLWWAttic},
		ValidateFunc:  validateAgent,
		NormalizeFunc: normalizeAgent,
	})
}

func validateAgent(f Fields) error {
	if s := f.String(AgentFieldStatus); s != "" && !agentStatuses[s] {
		return fmt.Errorf("invalid agent status: %q", s)
	}
	if err := requireArray(f, AgentFieldWorkingSet); err != nil {
		return err
	}
	if err := requireArray(f, AgentFieldReservations); err != nil {
		return err
	}
	for _, r := range f.Objects(AgentFieldReservations) {
		if r["path"] == nil || r["path"] == "" {
			return fmt.Errorf("reservation missing path")
		}
	}
	return nil
}

func normalizeAgent(f Fields) {
	if ws := f.Strings(AgentFieldWorkingSet); ws != nil {
		f[AgentFieldWorkingSet] = sortedSet(ws)
	}
	res := f.Objects(AgentFieldReservations)
	if res == nil {
		return
	}
	sort.SliceStable(res, func(i, j int) bool {
		pi, _ := res[i]["path"].(string)
		pj, _ := res[j]["path"].(string)
		return pi < pj
	})
	out := make([]any, len(res))
	for i, r := range res {
		out[i] = r
	}
	f[AgentFieldReservations] = out
}
