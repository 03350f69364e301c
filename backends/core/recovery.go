package core

import (
	"context"

	"github.com/maouw/cloudknot/api"
)

// Presence describes how a derived name relates to the persisted knot.
type Presence string

const (
	// PresenceTracked: recorded and present in the cloud.
	PresenceTracked Presence = "tracked"
	// PresenceUntracked: present in the cloud but not recorded.
	PresenceUntracked Presence = "untracked"
	// PresenceMissing: recorded but gone from the cloud.
	PresenceMissing Presence = "missing"
	// PresenceAbsent: neither recorded nor present.
	PresenceAbsent Presence = "absent"
	// PresenceExternal: supplied by the user, not looked up by name.
	PresenceExternal Presence = "external"
)

// InventoryEntry is one kind's row in an inventory.
type InventoryEntry struct {
	Kind       api.Kind
	Name       string
	Identifier string
	Owned      bool
	Presence   Presence
}

// Inventory compares what the store believes about group with what the
// control plane reports for every derived name. Nothing is modified.
func Inventory(ctx context.Context, client *Client, store Store, group string) ([]InventoryEntry, error) {
	if err := ValidateGroup(group); err != nil {
		return nil, err
	}
	knot, ok, err := store.Load(group)
	if err != nil {
		return nil, err
	}
	if !ok {
		knot = &api.Knot{Group: group}
	}
	names := Names(group)
	out := make([]InventoryEntry, 0, len(api.Kinds))
	for _, kind := range NewGraph().Order() {
		name := names[kind]
		rec, recorded := knot.Record(kind)
		if recorded && rec.External {
			out = append(out, InventoryEntry{Kind: kind, Name: rec.Name, Identifier: rec.Identifier, Presence: PresenceExternal})
			continue
		}
		res, found, err := client.Describe(ctx, kind, name)
		if err != nil {
			return out, err
		}
		e := InventoryEntry{Kind: kind, Name: name, Identifier: res.Identifier, Owned: rec.Owned}
		switch {
		case recorded && found:
			e.Presence = PresenceTracked
		case recorded:
			e.Presence = PresenceMissing
			e.Identifier = rec.Identifier
		case found:
			e.Presence = PresenceUntracked
		default:
			e.Presence = PresenceAbsent
		}
		out = append(out, e)
	}
	return out, nil
}
