package admitgate

import "fmt"

// Tier is the minimum identity class an operation requires.
type Tier string

const (
	TierFree    Tier = "free"    // available to anonymous identities
	TierAccount Tier = "account" // requires an authenticated account
)

// CostEntry prices a single operation.
type CostEntry struct {
	Points int64
	Tier   Tier
}

// CostTable is the static operation → cost mapping, loaded at startup.
// Lookups are read-only and safe for concurrent use.
type CostTable struct {
	entries map[string]CostEntry
}

// NewCostTable builds a cost table from the given entries.
func NewCostTable(entries map[string]CostEntry) (*CostTable, error) {
	t := &CostTable{entries: make(map[string]CostEntry, len(entries))}
	for id, e := range entries {
		if id == "" {
			return nil, fmt.Errorf("admitgate: cost table: empty operation id")
		}
		if e.Points < 0 {
			return nil, fmt.Errorf("admitgate: cost table: operation %q has negative cost", id)
		}
		if e.Tier != TierFree && e.Tier != TierAccount {
			return nil, fmt.Errorf("admitgate: cost table: operation %q has invalid tier %q", id, e.Tier)
		}
		t.entries[id] = e
	}
	return t, nil
}

// Cost looks up the price of an operation. Unrecognized operations are
// rejected here, before any quota or ledger work happens.
func (t *CostTable) Cost(operationID string) (CostEntry, error) {
	e, ok := t.entries[operationID]
	if !ok {
		return CostEntry{}, &RejectionError{Err: ErrUnknownOperation, Operation: operationID}
	}
	return e, nil
}

// Operations returns the known operation ids, for diagnostics.
func (t *CostTable) Operations() []string {
	ids := make([]string, 0, len(t.entries))
	for id := range t.entries {
		ids = append(ids, id)
	}
	return ids
}
