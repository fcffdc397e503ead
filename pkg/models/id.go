package models

import "github.com/oklog/ulid/v2"

// NewID returns a new time-sortable ULID string. Runs, steps, ledger
// entries and usage events use these so "lowest id" means "oldest".
func NewID() string {
	return ulid.Make().String()
}
