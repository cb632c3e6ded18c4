package grouper

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatcal/internal/models"
)

var base = time.Date(2025, 6, 3, 15, 0, 0, 0, time.UTC)

var keywordTrigger = TriggerFunc(func(text string) bool {
	return strings.Contains(text, "합주") || strings.Contains(text, "리허설")
})

func msg(id, author, channel string, offset time.Duration, text string) models.RawMessage {
	return models.RawMessage{
		ID:         id,
		AuthorID:   author,
		AuthorName: "name-" + author,
		ChannelID:  channel,
		Text:       text,
		AuthoredAt: base.Add(offset),
	}
}

func defaultOpts() Options {
	return Options{Window: 5 * time.Minute, MaxMembers: 5}
}

func TestGroupMergesBurst(t *testing.T) {
	messages := []models.RawMessage{
		msg("1", "a", "c", 0, "아"),
		msg("2", "a", "c", time.Minute, "오늘 합주"),
		msg("3", "a", "c", 2*time.Minute, "8시"),
		msg("4", "a", "c", 3*time.Minute, "연습실에서"),
	}

	groups := Group(messages, defaultOpts(), keywordTrigger)

	require.Len(t, groups, 1)
	g := groups[0]
	assert.Equal(t, "grp-2", g.ID)
	assert.Equal(t, []string{"2", "3", "4"}, g.MemberMessageIDs)
	assert.Equal(t, "오늘 합주 8시 연습실에서", g.CombinedText)
	assert.Equal(t, 3, g.MessageCount)
	assert.Equal(t, base.Add(time.Minute), g.RepresentativeTimestamp)
	assert.Equal(t, "name-a", g.AuthorName)
}

func TestGroupStopsAtFirstGapPastWindow(t *testing.T) {
	messages := []models.RawMessage{
		msg("1", "a", "c", 0, "합주"),
		msg("2", "a", "c", 4*time.Minute, "언제"),
		msg("3", "a", "c", 10*time.Minute, "8시"),
		msg("4", "a", "c", 11*time.Minute, "어때"),
	}

	groups := Group(messages, defaultOpts(), keywordTrigger)

	require.Len(t, groups, 1)
	assert.Equal(t, []string{"1", "2"}, groups[0].MemberMessageIDs)
}

func TestGroupWindowIsMeasuredFromPreviousMember(t *testing.T) {
	messages := []models.RawMessage{
		msg("1", "a", "c", 0, "합주"),
		msg("2", "a", "c", 4*time.Minute, "언제"),
		msg("3", "a", "c", 8*time.Minute, "8시"),
	}

	groups := Group(messages, defaultOpts(), keywordTrigger)

	require.Len(t, groups, 1)
	assert.Equal(t, 3, groups[0].MessageCount)
}

func TestGroupExactWindowIsInclusive(t *testing.T) {
	messages := []models.RawMessage{
		msg("1", "a", "c", 0, "합주"),
		msg("2", "a", "c", 5*time.Minute, "8시"),
	}

	groups := Group(messages, defaultOpts(), keywordTrigger)

	require.Len(t, groups, 1)
	assert.Equal(t, 2, groups[0].MessageCount)
}

func TestGroupRespectsMaxMembers(t *testing.T) {
	var messages []models.RawMessage
	for i := 0; i < 7; i++ {
		messages = append(messages, msg(fmt.Sprint(i), "a", "c", time.Duration(i)*time.Minute, "합주"))
	}

	groups := Group(messages, Options{Window: 5 * time.Minute, MaxMembers: 5}, keywordTrigger)

	require.Len(t, groups, 2)
	assert.Equal(t, 5, groups[0].MessageCount)
	assert.Equal(t, []string{"5", "6"}, groups[1].MemberMessageIDs)
}

func TestGroupSeparatesAuthorsAndChannels(t *testing.T) {
	messages := []models.RawMessage{
		msg("1", "a", "c", 0, "합주"),
		msg("2", "b", "c", 30*time.Second, "좋아요"),
		msg("3", "a", "d", time.Minute, "다른 채널"),
		msg("4", "a", "c", 2*time.Minute, "8시"),
	}

	groups := Group(messages, defaultOpts(), keywordTrigger)

	require.Len(t, groups, 1)
	assert.Equal(t, []string{"1", "4"}, groups[0].MemberMessageIDs)
}

func TestGroupDropsMessagesWithoutTrigger(t *testing.T) {
	messages := []models.RawMessage{
		msg("1", "a", "c", 0, "ㅋㅋㅋ"),
		msg("2", "b", "c", time.Minute, "배고파"),
	}

	assert.Empty(t, Group(messages, defaultOpts(), keywordTrigger))
}

func TestGroupSortsUnorderedInput(t *testing.T) {
	messages := []models.RawMessage{
		msg("3", "a", "c", 2*time.Minute, "연습실"),
		msg("1", "a", "c", 0, "리허설"),
		msg("2", "a", "c", time.Minute, "7시"),
	}

	groups := Group(messages, defaultOpts(), keywordTrigger)

	require.Len(t, groups, 1)
	assert.Equal(t, "리허설 7시 연습실", groups[0].CombinedText)
}

func TestGroupMessageJoinsAtMostOneGroup(t *testing.T) {
	messages := []models.RawMessage{
		msg("1", "a", "c", 0, "합주"),
		msg("2", "a", "c", time.Minute, "리허설도"),
		msg("3", "a", "c", 20*time.Minute, "합주 다시"),
	}

	groups := Group(messages, defaultOpts(), keywordTrigger)

	seen := map[string]int{}
	for _, g := range groups {
		for _, id := range g.MemberMessageIDs {
			seen[id]++
		}
	}
	for id, n := range seen {
		assert.Equal(t, 1, n, "message %s", id)
	}
	require.Len(t, groups, 2)
}

func TestGroupInvariants(t *testing.T) {
	var messages []models.RawMessage
	texts := []string{"합주", "음", "8시", "리허설", "ㅋㅋ", "언제"}
	for i := 0; i < 40; i++ {
		author := []string{"a", "b", "c"}[i%3]
		channel := []string{"x", "y"}[i%2]
		offset := time.Duration(i*97%53) * time.Minute
		messages = append(messages, msg(fmt.Sprint(i), author, channel, offset, texts[i%len(texts)]))
	}
	byID := map[string]models.RawMessage{}
	for _, m := range messages {
		byID[m.ID] = m
	}

	opts := defaultOpts()
	for _, g := range Group(messages, opts, keywordTrigger) {
		assert.LessOrEqual(t, g.MessageCount, opts.MaxMembers)
		for i, id := range g.MemberMessageIDs {
			m := byID[id]
			assert.Equal(t, g.AuthorID, m.AuthorID)
			assert.Equal(t, g.ChannelID, m.ChannelID)
			if i > 0 {
				prev := byID[g.MemberMessageIDs[i-1]]
				gap := m.AuthoredAt.Sub(prev.AuthoredAt)
				assert.GreaterOrEqual(t, gap, time.Duration(0))
				assert.LessOrEqual(t, gap, opts.Window)
			}
		}
	}
}

func TestGroupEmpty(t *testing.T) {
	assert.Nil(t, Group(nil, defaultOpts(), keywordTrigger))
}
