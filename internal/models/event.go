package models

import "time"

// Event represents a calendar event ready to be handed to a sink.
// This is an internal representation, independent of any specific calendar provider.
type Event struct {
	UID             string    // Stable identifier derived from the dedup key
	Title           string    // Summary or title of the event
	Description     string    // Detailed description of the event
	Location        string    // Location of the event, if one was extracted
	StartTime       time.Time // Start time of the event (zone-aware)
	EndTime         time.Time // End time of the event (zone-aware)
	ReminderMinutes []int     // Reminder offsets before StartTime, in minutes
	SourceTag       string    // Dedup key of the candidate the event was built from
}

// ResolvedEvent is a schedule candidate with an absolute time range.
// Its lifecycle ends when it is handed to a calendar sink.
type ResolvedEvent struct {
	Candidate ScheduleCandidate
	StartTime time.Time
	EndTime   time.Time
	DedupKey  string
	Event     *Event
}
