package events

import (
	"encoding/json"
	"fmt"
	"sort"

	"fleetline/internal/domain"
)

// Snapshot extracts the "state" object recorded with an event.
func Snapshot(evt domain.DomainEvent) (json.RawMessage, bool, error) {
	var p struct {
		State json.RawMessage `json:"state"`
	}
	if err := json.Unmarshal([]byte(evt.Payload), &p); err != nil {
		return nil, false, fmt.Errorf("event %s payload: %w", evt.ID, err)
	}
	if len(p.State) == 0 || string(p.State) == "null" {
		return nil, false, nil
	}
	return p.State, true, nil
}

// Replay rebuilds an aggregate from its events by applying each recorded
// snapshot in version order.
func Replay[T any](evts []domain.DomainEvent) (T, error) {
	return ReplayUntil[T](evts, 0)
}

// ReplayUntil rebuilds the aggregate as it was at version (inclusive). A zero
// version replays everything.
func ReplayUntil[T any](evts []domain.DomainEvent, version int) (T, error) {
	var out T
	ordered := append([]domain.DomainEvent(nil), evts...)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Version < ordered[j].Version })
	applied := 0
	aggregateID := ""
	for i, evt := range ordered {
		if version > 0 && evt.Version > version {
			break
		}
		if i == 0 {
			aggregateID = evt.AggregateID
		} else if evt.AggregateID != aggregateID {
			return out, domain.Invalid("events", "mixed aggregates %s and %s", aggregateID, evt.AggregateID)
		}
		if i > 0 && evt.Version == ordered[i-1].Version {
			return out, fmt.Errorf("aggregate %s version %d recorded twice: %w", evt.AggregateID, evt.Version, domain.ErrConcurrency)
		}
		state, ok, err := Snapshot(evt)
		if err != nil {
			return out, err
		}
		if !ok {
			continue
		}
		// Snapshots are complete, so each one replaces the previous state.
		var next T
		if err := json.Unmarshal(state, &next); err != nil {
			return out, fmt.Errorf("event %s state: %w", evt.ID, err)
		}
		out = next
		applied++
	}
	if applied == 0 {
		return out, fmt.Errorf("no state recorded: %w", domain.ErrNotFound)
	}
	return out, nil
}
