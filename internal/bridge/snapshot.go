// Package bridge owns the SmartBridge session lifecycle and the entity
// resolution used to turn free-form identifiers into concrete device or
// scene records.
package bridge

// Record is one device or scene as reported by the hub. Fields beyond
// ID and Name are populated for devices only. String fields use "" for
// absent; numeric fields use nil. The hub reports optional attributes
// and they pass through untouched.
type Record struct {
	ID           string
	Name         string
	Type         string
	Zone         string
	CurrentState *int
	FanSpeed     *string
	Model        string
	Serial       *int64
}

// Snapshot is a point-in-time read of all devices or all scenes known
// to the hub, in the hub's enumeration order. Snapshots are value-like:
// fetched fresh per tool call, never cached or mutated in place.
type Snapshot []Record

// Get returns the record with the given ID, byte-exact.
func (s Snapshot) Get(id string) (Record, bool) {
	for _, r := range s {
		if r.ID == id {
			return r, true
		}
	}
	return Record{}, false
}
