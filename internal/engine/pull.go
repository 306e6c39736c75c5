package engine

import (
	"context"
	"encoding/json"
	"errors"
	"sort"

	"agentflow/internal/domain"
	"agentflow/internal/events"
	"agentflow/internal/repo"
)

// PulledUpdates is what a starting session receives: the agent's open tasks,
// messages that accumulated since its last stopped session, and any role
// changes made while it was away.
type PulledUpdates struct {
	Tasks      []domain.Task  `json:"tasks"`
	Messages   []domain.Event `json:"messages"`
	RoleDeltas RoleDeltas     `json:"role_deltas"`
	Warning    string         `json:"warning,omitempty"`
}

// RoleDeltas describes capability and setting changes since the agent's
// previous capability snapshot.
type RoleDeltas struct {
	AddedCapabilities   []string `json:"added_capabilities,omitempty"`
	RemovedCapabilities []string `json:"removed_capabilities,omitempty"`
	ChangedSettings     []string `json:"changed_settings,omitempty"`
}

func (e Engine) pullUpdates(ctx context.Context, a domain.Agent) (PulledUpdates, error) {
	var pulled PulledUpdates

	tasks, err := e.Repo.BacklogTasks(ctx, a.ProjectID, a.ID)
	if err != nil {
		return pulled, err
	}
	pulled.Tasks = tasks

	// Messages are scoped to the gap since the last stopped session. A first
	// session sees everything since the agent was registered.
	afterTS := a.CreatedAt
	last, err := e.Repo.LastStoppedSession(ctx, a.ID)
	switch {
	case err == nil && last.StoppedAt != nil:
		afterTS = *last.StoppedAt
	case err != nil && !errors.Is(err, repo.ErrNotFound):
		return pulled, err
	}
	msgs, err := e.Repo.AgentMessages(ctx, a.ID, afterTS, events.SessionInternalTypes(), e.Config.Session.PullPageSize)
	if err != nil {
		return pulled, err
	}
	pulled.Messages = msgs

	deltas, err := e.roleDeltas(ctx, a)
	if err != nil {
		return pulled, err
	}
	pulled.RoleDeltas = deltas
	return pulled, nil
}

// roleDeltas diffs the agent's live capabilities and settings against the
// snapshot frozen at its last session stop. No snapshot means no deltas.
func (e Engine) roleDeltas(ctx context.Context, a domain.Agent) (RoleDeltas, error) {
	var d RoleDeltas
	snap, err := e.Repo.LatestCapabilitySnapshot(ctx, a.ID)
	if errors.Is(err, repo.ErrNotFound) {
		return d, nil
	}
	if err != nil {
		return d, err
	}

	prevCaps := decodeStringList(snap.CapabilitiesJSON)
	curCaps := decodeStringList(a.CapabilitiesJSON)
	d.AddedCapabilities = difference(curCaps, prevCaps)
	d.RemovedCapabilities = difference(prevCaps, curCaps)

	prevSettings := decodeStringMap(snap.SettingsJSON)
	curSettings := decodeStringMap(a.SettingsJSON)
	d.ChangedSettings = changedKeys(prevSettings, curSettings)
	return d, nil
}

func decodeStringList(raw string) []string {
	if raw == "" {
		return nil
	}
	var out []string
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil
	}
	return out
}

func decodeStringMap(raw string) map[string]any {
	if raw == "" {
		return nil
	}
	out := map[string]any{}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil
	}
	return out
}

// difference returns the members of a that are absent from b, sorted.
func difference(a, b []string) []string {
	seen := make(map[string]bool, len(b))
	for _, s := range b {
		seen[s] = true
	}
	var out []string
	for _, s := range a {
		if !seen[s] {
			out = append(out, s)
		}
	}
	sort.Strings(out)
	return out
}

// changedKeys returns keys added, removed, or whose value differs, sorted.
func changedKeys(prev, cur map[string]any) []string {
	keys := map[string]bool{}
	for k, v := range cur {
		pv, ok := prev[k]
		if !ok || !sameJSONValue(pv, v) {
			keys[k] = true
		}
	}
	for k := range prev {
		if _, ok := cur[k]; !ok {
			keys[k] = true
		}
	}
	var out []string
	for k := range keys {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func sameJSONValue(a, b any) bool {
	ab, err := json.Marshal(a)
	if err != nil {
		return false
	}
	bb, err := json.Marshal(b)
	if err != nil {
		return false
	}
	return string(ab) == string(bb)
}
