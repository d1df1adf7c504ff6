package querycache

import (
	"time"
)

// Key identifies one cached resource. ID is empty for singleton resources such as "schema"
// and set for parameterized ones such as ("ingestion-status", jobID).
type Key struct {
	Name string
	ID   string
}

// NewKey returns the key of a singleton resource.
func NewKey(name string) Key {
	return Key{Name: name}
}

// NewKeyWithID returns the key of a parameterized resource.
func NewKeyWithID(name, id string) Key {
	return Key{Name: name, ID: id}
}

// String renders the key as "name" or "name/id".
func (k Key) String() string {
	if k.ID == "" {
		return k.Name
	}
	return k.Name + "/" + k.ID
}

// matches reports whether k selects other: exact match, or every key sharing k.Name when k.ID is empty.
func (k Key) matches(other Key) bool {
	if k.ID == "" {
		return k.Name == other.Name
	}
	return k == other
}

// Status is the state of a cache entry.
type Status int

const (
	StatusIdle Status = iota
	StatusLoading
	StatusSuccess
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusLoading:
		return "loading"
	case StatusSuccess:
		return "success"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

// MarshalText renders the status by name.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Entry is a snapshot of one cached resource.
//
// Value holds the last successfully loaded value and survives invalidation and errors so
// consumers can keep displaying it. Err is set only while Status is StatusError.
type Entry struct {
	Key         Key       `json:"key"`
	Status      Status    `json:"status"`
	Value       any       `json:"value,omitempty"`
	Err         error     `json:"-"`
	LastUpdated time.Time `json:"last_updated"`
	Version     int64     `json:"version"`
	// Stale is set by invalidation and hydration and cleared by the next successful load.
	Stale bool `json:"stale"`
}

// HasValue reports whether a value has ever been loaded or hydrated.
func (e Entry) HasValue() bool {
	return e.Value != nil
}

// ValueAs returns the entry value asserted to T.
func ValueAs[T any](e Entry) (T, bool) {
	v, ok := e.Value.(T)
	return v, ok
}
