package models

import "time"

// Channel identifies a chat channel the message source can read.
type Channel struct {
	ID        string
	Name      string
	GuildID   string
	GuildName string
}

// RawMessage is a single chat message as delivered by the message source.
// It is immutable once ingested.
type RawMessage struct {
	ID          string
	AuthorID    string
	AuthorName  string
	ChannelID   string
	ChannelName string
	Text        string
	AuthoredAt  time.Time
}

// ContextGroup is a burst of temporally adjacent messages from one author in
// one channel, merged into a single semantic unit.
type ContextGroup struct {
	ID                      string
	AuthorID                string
	AuthorName              string
	ChannelID               string
	ChannelName             string
	MemberMessageIDs        []string
	CombinedText            string
	RepresentativeTimestamp time.Time
	MessageCount            int
}

// Signal is one relevance token matched by the scorer.
type Signal struct {
	Tier  string
	Token string
}

// ScoredCandidate is a context group that passed the relevance scorer.
type ScoredCandidate struct {
	Group   ContextGroup
	Score   int
	Signals []Signal
	Reasons []string
}
