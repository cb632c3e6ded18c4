package materializer

import (
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatcal/internal/models"
	"chatcal/internal/rules"
	"chatcal/internal/temporal"
)

var kst = time.FixedZone("KST", 9*60*60)

func newMaterializer() *Materializer {
	resolver := temporal.New(temporal.OptionsFromRules(rules.Default().Temporal, kst))
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(logger, resolver, OptionsFromRules(rules.Default().Events))
}

func candidate() models.ScheduleCandidate {
	return models.ScheduleCandidate{
		SourceGroupID: "grp-1",
		Content:       "오늘 합주 8시 연습실",
		AuthorID:      "u1",
		Author:        "민수",
		Channel:       "합주방",
		AuthoredAt:    time.Date(2025, 6, 3, 15, 0, 0, 0, kst),
		ScheduleType:  models.ScheduleTypeJam,
		Confidence:    0.92,
		WhenText:      "오늘 8시",
		WhatText:      "합주",
		WhereText:     "연습실",
		Reason:        "구체적인 합주 시간",
		MessageCount:  2,
	}
}

func TestMaterializeEmitsEvent(t *testing.T) {
	m := newMaterializer()

	out := m.Materialize(candidate())

	require.Equal(t, Emitted, out.Kind)
	require.NoError(t, out.Err)
	ev := out.Event
	assert.True(t, time.Date(2025, 6, 3, 20, 0, 0, 0, kst).Equal(ev.StartTime))
	assert.Equal(t, time.Hour, ev.EndTime.Sub(ev.StartTime))
	assert.Equal(t, out.DedupKey, ev.DedupKey)

	require.NotNil(t, ev.Event)
	assert.Equal(t, "[합주] 합주", ev.Event.Title)
	assert.Equal(t, "연습실", ev.Event.Location)
	assert.Equal(t, []int{30}, ev.Event.ReminderMinutes)
	assert.Equal(t, out.DedupKey, ev.Event.SourceTag)
	assert.Contains(t, ev.Event.Description, "오늘 합주 8시 연습실")
	assert.Contains(t, ev.Event.Description, "작성자: 민수")
	assert.Contains(t, ev.Event.Description, "채널: 합주방")
	assert.Contains(t, ev.Event.Description, "신뢰도: 0.92")
	assert.Contains(t, ev.Event.Description, "맥락 그룹: 2개 메시지")
}

func TestMaterializeSuppressesDuplicates(t *testing.T) {
	m := newMaterializer()

	first := m.Materialize(candidate())
	second := m.Materialize(candidate())

	assert.Equal(t, Emitted, first.Kind)
	assert.Equal(t, Duplicate, second.Kind)
	assert.Equal(t, first.DedupKey, second.DedupKey)
}

func TestMaterializeSeenSetIsPerInstance(t *testing.T) {
	assert.Equal(t, Emitted, newMaterializer().Materialize(candidate()).Kind)
	assert.Equal(t, Emitted, newMaterializer().Materialize(candidate()).Kind)
}

func TestMaterializeDistinguishesAuthorAndTime(t *testing.T) {
	m := newMaterializer()
	base := candidate()

	otherAuthor := candidate()
	otherAuthor.AuthorID = "u2"
	later := candidate()
	later.AuthoredAt = base.AuthoredAt.Add(time.Minute)

	assert.Equal(t, Emitted, m.Materialize(base).Kind)
	assert.Equal(t, Emitted, m.Materialize(otherAuthor).Kind)
	assert.Equal(t, Emitted, m.Materialize(later).Kind)
}

func TestMaterializeUnresolved(t *testing.T) {
	m := newMaterializer()
	c := candidate()
	c.WhenText = "2월 30일"

	out := m.Materialize(c)

	assert.Equal(t, Unresolved, out.Kind)
	assert.Nil(t, out.Event)
	var resErr *temporal.ResolutionError
	assert.True(t, errors.As(out.Err, &resErr))
}

func TestMaterializeGenericTitle(t *testing.T) {
	m := newMaterializer()
	c := candidate()
	c.WhatText = "  "
	c.ScheduleType = models.ScheduleTypeMeeting

	out := m.Materialize(c)

	require.Equal(t, Emitted, out.Kind)
	assert.Equal(t, "[회의] 일정", out.Event.Event.Title)
}

func TestDedupKeyUsesLeadingContent(t *testing.T) {
	at := time.Date(2025, 6, 3, 15, 0, 0, 0, time.UTC)
	prefix := strings.Repeat("합", 50)

	a := DedupKey(prefix+"주 8시", "u1", at, 50)
	b := DedupKey(prefix+" 다른 꼬리", "u1", at, 50)
	c := DedupKey(prefix, "u1", at.In(kst), 50)

	assert.Equal(t, a, b)
	assert.Equal(t, a, c)
	assert.Len(t, a, 64)
	assert.NotEqual(t, a, DedupKey(prefix, "u2", at, 50))
}

func TestEventUIDIsDeterministic(t *testing.T) {
	a := newMaterializer().Materialize(candidate())
	b := newMaterializer().Materialize(candidate())

	assert.Equal(t, a.Event.Event.UID, b.Event.Event.UID)
	assert.NotEmpty(t, a.Event.Event.UID)
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "emitted", Emitted.String())
	assert.Equal(t, "duplicate", Duplicate.String())
	assert.Equal(t, "unresolved", Unresolved.String())
}
