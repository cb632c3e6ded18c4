package models

import (
	"strings"
	"time"
)

// ScheduleType is the kind of activity the oracle assigned to a candidate.
type ScheduleType string

const (
	ScheduleTypeJam       ScheduleType = "합주"
	ScheduleTypeRehearsal ScheduleType = "리허설"
	ScheduleTypePractice  ScheduleType = "연습"
	ScheduleTypeConcert   ScheduleType = "공연"
	ScheduleTypeMeeting   ScheduleType = "회의"
	ScheduleTypeGathering ScheduleType = "모임"
	ScheduleTypeOther     ScheduleType = "기타"
)

// ScheduleTypes lists every known schedule type in prompt order.
var ScheduleTypes = []ScheduleType{
	ScheduleTypeJam,
	ScheduleTypeRehearsal,
	ScheduleTypePractice,
	ScheduleTypeConcert,
	ScheduleTypeMeeting,
	ScheduleTypeGathering,
	ScheduleTypeOther,
}

// ParseScheduleType maps an oracle label to a ScheduleType.
// Unknown or empty labels become ScheduleTypeOther.
func ParseScheduleType(s string) ScheduleType {
	s = strings.TrimSpace(s)
	for _, t := range ScheduleTypes {
		if s == string(t) {
			return t
		}
	}
	return ScheduleTypeOther
}

// ScheduleCandidate is the oracle's verdict that a context group describes a
// schedule. There is at most one per context group.
type ScheduleCandidate struct {
	SourceGroupID string
	Content       string
	AuthorID      string
	Author        string
	Channel       string
	AuthoredAt    time.Time
	ScheduleType  ScheduleType
	Confidence    float64
	WhenText      string
	WhatText      string
	WhereText     string
	Reason        string
	MessageCount  int
}
