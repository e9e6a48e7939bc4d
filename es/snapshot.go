package es

import "time"

// Snapshot is a materialized aggregate state covering events
// 0..UntilVersion inclusive. The snapshot store persists it; the
// document's SnapshotRef list advertises it to readers.
//
// A snapshot is an optimization, never an authority: the read path
// ignores any snapshot whose UntilVersion exceeds what the event log
// actually confirms.
type Snapshot struct {
	UntilVersion int64     `json:"untilVersion"`
	Name         string    `json:"name,omitempty"`
	State        []byte    `json:"state"`
	TakenAt      time.Time `json:"takenAt"`
}
