// Package grouper merges bursts of short chat messages from one author into
// context groups so that later stages see complete thoughts.
package grouper

import (
	"sort"
	"strings"
	"time"

	"chatcal/internal/models"
)

// Trigger decides whether a message may start a group.
type Trigger interface {
	HasSignal(text string) bool
}

// TriggerFunc adapts a function to Trigger.
type TriggerFunc func(text string) bool

// HasSignal calls f(text).
func (f TriggerFunc) HasSignal(text string) bool { return f(text) }

// Options controls grouping.
type Options struct {
	// Window is the largest gap allowed between consecutive members.
	Window time.Duration
	// MaxMembers caps the number of messages in one group.
	MaxMembers int
}

type partitionKey struct {
	channelID string
	authorID  string
}

// Group builds context groups from raw messages.
//
// Messages are visited in time order. A message containing a trigger signal
// starts a group, which then absorbs the same author's following messages in
// the same channel while each is within Window of the previous member, up to
// MaxMembers. A message belongs to at most one group. Messages that never
// trigger and never follow a trigger are dropped.
func Group(messages []models.RawMessage, opts Options, trigger Trigger) []models.ContextGroup {
	if len(messages) == 0 {
		return nil
	}
	if opts.MaxMembers <= 0 {
		opts.MaxMembers = 1
	}

	sorted := make([]models.RawMessage, len(messages))
	copy(sorted, messages)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].AuthoredAt.Equal(sorted[j].AuthoredAt) {
			return sorted[i].ID < sorted[j].ID
		}
		return sorted[i].AuthoredAt.Before(sorted[j].AuthoredAt)
	})

	// Per-author streams, each already in time order.
	streams := make(map[partitionKey][]int)
	position := make([]int, len(sorted))
	for i, m := range sorted {
		key := partitionKey{channelID: m.ChannelID, authorID: m.AuthorID}
		position[i] = len(streams[key])
		streams[key] = append(streams[key], i)
	}

	processed := make([]bool, len(sorted))
	var groups []models.ContextGroup

	for i, head := range sorted {
		if processed[i] || !trigger.HasSignal(head.Text) {
			continue
		}

		members := []int{i}
		processed[i] = true

		stream := streams[partitionKey{channelID: head.ChannelID, authorID: head.AuthorID}]
		prev := head.AuthoredAt
		for _, idx := range stream[position[i]+1:] {
			if len(members) >= opts.MaxMembers || processed[idx] {
				break
			}
			next := sorted[idx]
			if next.AuthoredAt.Sub(prev) > opts.Window {
				break
			}
			members = append(members, idx)
			processed[idx] = true
			prev = next.AuthoredAt
		}

		groups = append(groups, build(sorted, members))
	}
	return groups
}

func build(sorted []models.RawMessage, members []int) models.ContextGroup {
	head := sorted[members[0]]
	ids := make([]string, 0, len(members))
	texts := make([]string, 0, len(members))
	for _, idx := range members {
		ids = append(ids, sorted[idx].ID)
		texts = append(texts, sorted[idx].Text)
	}

	return models.ContextGroup{
		ID:                      "grp-" + head.ID,
		AuthorID:                head.AuthorID,
		AuthorName:              head.AuthorName,
		ChannelID:               head.ChannelID,
		ChannelName:             head.ChannelName,
		MemberMessageIDs:        ids,
		CombinedText:            strings.Join(texts, " "),
		RepresentativeTimestamp: head.AuthoredAt,
		MessageCount:            len(members),
	}
}
