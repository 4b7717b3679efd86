package model

import "github.com/oklog/ulid/v2"

// NewID returns a fresh ULID string. Work units and jobs share this ID
// space; the timestamp prefix keeps records sortable by submission order.
func NewID() string {
	return ulid.Make().String()
}
