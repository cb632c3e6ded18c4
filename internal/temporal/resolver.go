// Package temporal resolves colloquial Korean time expressions ("오늘 8시",
// "다음주 화요일", "내일 2시 반") into absolute start/end times relative to
// the moment the message was written.
package temporal

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"chatcal/internal/rules"
)

// EarlyMorningPolicy controls how relative-day words are read when a message
// was written in the early-morning band.
type EarlyMorningPolicy string

const (
	// PullBack treats the early-morning band as the tail of the previous day:
	// "내일" resolves to the authored calendar date, "모레" to the date after.
	// "오늘" is unchanged.
	PullBack EarlyMorningPolicy = "pull_back"
	// Literal applies the fixed offsets regardless of the hour.
	Literal EarlyMorningPolicy = "literal"
)

// DateRule names the rule that produced the date.
type DateRule string

const (
	DateExplicit DateRule = "explicit_date"
	DateRelative DateRule = "relative_day"
	DateWeekday  DateRule = "weekday"
	DateNextWeek DateRule = "next_week"
	DateFallback DateRule = "fallback"
)

// ClockRule names the rule that produced the time of day.
type ClockRule string

const (
	ClockHourMinute ClockRule = "hour_minute"
	ClockColon      ClockRule = "colon"
	ClockAM         ClockRule = "am"
	ClockPM         ClockRule = "pm"
	ClockBareHour   ClockRule = "bare_hour"
	ClockDefault    ClockRule = "default"
)

// ResolutionError reports a time expression that does not name a valid
// calendar date or clock time. The candidate must be surfaced as unresolved.
type ResolutionError struct {
	WhenText string
	Reason   string
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("cannot resolve %q: %s", e.WhenText, e.Reason)
}

// Options configures a Resolver.
type Options struct {
	// Location is the zone results are expressed in. Nil keeps authoredAt's zone.
	Location      *time.Location
	DefaultHour   int
	DefaultMinute int
	Duration      time.Duration
	// EarlyMorningEnd is the exclusive end hour of the band starting at 00:00.
	EarlyMorningEnd int
	EarlyMorning    EarlyMorningPolicy
	NextWeekAnchor  time.Weekday
}

// OptionsFromRules converts the temporal tuning section into Options.
func OptionsFromRules(t rules.Temporal, loc *time.Location) Options {
	anchor, _ := rules.ParseWeekday(t.NextWeekAnchor)
	return Options{
		Location:        loc,
		DefaultHour:     t.DefaultHour,
		DefaultMinute:   t.DefaultMinute,
		Duration:        time.Duration(t.DurationMinutes) * time.Minute,
		EarlyMorningEnd: t.EarlyMorningEndHour,
		EarlyMorning:    EarlyMorningPolicy(t.EarlyMorningPolicy),
		NextWeekAnchor:  anchor,
	}
}

// Resolution is a resolved time range together with the rules that fired.
type Resolution struct {
	Start     time.Time
	End       time.Time
	DateRule  DateRule
	ClockRule ClockRule
	// EarlyMorningShift is true when the early-morning policy moved the date.
	EarlyMorningShift bool
}

// Resolver maps free-text time expressions to absolute time ranges.
// It holds no mutable state and is safe for concurrent use.
type Resolver struct {
	opts Options
}

// New returns a Resolver. Zero durations default to one hour.
func New(opts Options) *Resolver {
	if opts.Duration <= 0 {
		opts.Duration = time.Hour
	}
	if opts.EarlyMorning == "" {
		opts.EarlyMorning = PullBack
	}
	return &Resolver{opts: opts}
}

// Resolve returns the start and end of the event described by whenText,
// interpreted relative to authoredAt.
func (r *Resolver) Resolve(whenText string, authoredAt time.Time) (time.Time, time.Time, error) {
	res, err := r.Explain(whenText, authoredAt)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	return res.Start, res.End, nil
}

// Explain is Resolve with the matched rules reported.
func (r *Resolver) Explain(whenText string, authoredAt time.Time) (Resolution, error) {
	if r.opts.Location != nil {
		authoredAt = authoredAt.In(r.opts.Location)
	}
	text := strings.ToLower(strings.TrimSpace(whenText))

	var res Resolution
	date, rule, shifted, err := r.resolveDate(text, authoredAt)
	if err != nil {
		return Resolution{}, &ResolutionError{WhenText: whenText, Reason: err.Error()}
	}
	res.DateRule = rule
	res.EarlyMorningShift = shifted

	hour, minute, clock, err := r.resolveClock(text)
	if err != nil {
		return Resolution{}, &ResolutionError{WhenText: whenText, Reason: err.Error()}
	}
	res.ClockRule = clock
	// "밤 12시" is the midnight that ends the named day.
	if hour == 0 && lateNightRe.MatchString(text) {
		date = date.AddDate(0, 0, 1)
	}

	res.Start = time.Date(date.Year(), date.Month(), date.Day(), hour, minute, 0, 0, authoredAt.Location())
	res.End = res.Start.Add(r.opts.Duration)
	return res, nil
}

var (
	monthDayRe = regexp.MustCompile(`(\d{1,2})\s*월\s*(\d{1,2})\s*일`)
	slashDayRe = regexp.MustCompile(`(?:^|[^\d/])(\d{1,2})/(\d{1,2})(?:$|[^\d/])`)
	nextWeekRe = regexp.MustCompile(`(다음\s*주|담주|차주)`)
)

// relativeDays maps each relative-day word to its fixed offset from the
// authored date. Longer words come first so that "내일모레" is not read as "내일".
var relativeDays = []struct {
	word   string
	offset int
}{
	{"내일모레", 2},
	{"낼모레", 2},
	{"낼모래", 2},
	{"모레", 2},
	{"글피", 3},
	{"오늘", 0},
	{"금일", 0},
	{"내일", 1},
	{"낼", 1},
}

var weekdayNames = []struct {
	prefix string
	day    time.Weekday
}{
	{"월", time.Monday},
	{"화", time.Tuesday},
	{"수", time.Wednesday},
	{"목", time.Thursday},
	{"금", time.Friday},
	{"토", time.Saturday},
	{"일", time.Sunday},
}

func (r *Resolver) resolveDate(text string, authoredAt time.Time) (time.Time, DateRule, bool, error) {
	day := time.Date(authoredAt.Year(), authoredAt.Month(), authoredAt.Day(), 0, 0, 0, 0, authoredAt.Location())

	if m := monthDayRe.FindStringSubmatch(text); m != nil {
		d, err := calendarDate(authoredAt.Year(), m[1], m[2], authoredAt.Location())
		return d, DateExplicit, false, err
	}
	if m := slashDayRe.FindStringSubmatch(text); m != nil {
		d, err := calendarDate(authoredAt.Year(), m[1], m[2], authoredAt.Location())
		return d, DateExplicit, false, err
	}

	if offset, ok := relativeOffset(text); ok {
		shifted := false
		if r.opts.EarlyMorning == PullBack && offset > 0 && authoredAt.Hour() < r.opts.EarlyMorningEnd {
			offset--
			shifted = true
		}
		return day.AddDate(0, 0, offset), DateRelative, shifted, nil
	}

	nextWeek := nextWeekRe.MatchString(text)
	if wd, ok := findWeekday(text); ok {
		if nextWeek {
			start := r.nextWeekStart(day)
			return start.AddDate(0, 0, (int(wd)-int(start.Weekday())+7)%7), DateWeekday, false, nil
		}
		ahead := (int(wd) - int(day.Weekday()) + 7) % 7
		if ahead == 0 {
			ahead = 7
		}
		return day.AddDate(0, 0, ahead), DateWeekday, false, nil
	}

	if nextWeek {
		return r.nextWeekStart(day), DateNextWeek, false, nil
	}

	return day.AddDate(0, 0, 1), DateFallback, false, nil
}

// nextWeekStart returns the first anchor weekday strictly after day.
func (r *Resolver) nextWeekStart(day time.Time) time.Time {
	ahead := (int(r.opts.NextWeekAnchor) - int(day.Weekday()) + 7) % 7
	if ahead == 0 {
		ahead = 7
	}
	return day.AddDate(0, 0, ahead)
}

func calendarDate(year int, monthStr, dayStr string, loc *time.Location) (time.Time, error) {
	month, _ := strconv.Atoi(monthStr)
	day, _ := strconv.Atoi(dayStr)
	if month < 1 || month > 12 {
		return time.Time{}, fmt.Errorf("month %d out of range", month)
	}
	d := time.Date(year, time.Month(month), day, 0, 0, 0, 0, loc)
	if day < 1 || d.Month() != time.Month(month) {
		return time.Time{}, fmt.Errorf("%d월 has no day %d", month, day)
	}
	return d, nil
}

func relativeOffset(text string) (int, bool) {
	for _, rd := range relativeDays {
		if containsWord(text, rd.word) {
			return rd.offset, true
		}
	}
	return 0, false
}

// containsWord reports whether word occurs in text. Single-syllable words
// must not be glued to a preceding letter ("보낼게" is not "낼").
func containsWord(text, word string) bool {
	if utf8.RuneCountInString(word) > 1 {
		return strings.Contains(text, word)
	}
	for i := 0; ; {
		j := strings.Index(text[i:], word)
		if j < 0 {
			return false
		}
		at := i + j
		prev, _ := utf8.DecodeLastRuneInString(text[:at])
		if at == 0 || !unicode.IsLetter(prev) {
			return true
		}
		i = at + len(word)
	}
}

func findWeekday(text string) (time.Weekday, bool) {
	for _, suffix := range []string{"요일", "욜", "요"} {
		for _, w := range weekdayNames {
			if strings.Contains(text, w.prefix+suffix) {
				return w.day, true
			}
		}
	}
	return time.Sunday, false
}

var (
	hourMinuteRe = regexp.MustCompile(`(\d{1,2})\s*시\s*(?:(\d{1,2})\s*분|(반))`)
	colonRe      = regexp.MustCompile(`(\d{1,2}):(\d{2})`)
	amRe         = regexp.MustCompile(`(?:(?:오전|아침|새벽)\s*(\d{1,2})\s*시?|(\d{1,2})\s*a\.?m\b)`)
	pmRe         = regexp.MustCompile(`(?:(오후|저녁|밤)\s*(\d{1,2})\s*시?|(\d{1,2})\s*p\.?m\b)`)
	bareHourRe   = regexp.MustCompile(`(\d{1,2})\s*시`)
	morningRe    = regexp.MustCompile(`(오전|아침|새벽|morning|\bam\b)`)
	lateNightRe  = regexp.MustCompile(`밤\s*12\s*(?:시|:)`)
)

var (
	pmPrefixes = []string{"오후", "저녁", "밤"}
	amPrefixes = []string{"오전", "아침", "새벽"}
)

func (r *Resolver) resolveClock(text string) (int, int, ClockRule, error) {
	if loc := hourMinuteRe.FindStringSubmatchIndex(text); loc != nil {
		hour := atoiSpan(text, loc[2], loc[3])
		minute := 30
		if loc[4] >= 0 {
			minute = atoiSpan(text, loc[4], loc[5])
		}
		hour = applyQualifier(text, loc[0], loc[1], hour)
		return checkClock(hour, minute, ClockHourMinute)
	}

	if loc := colonRe.FindStringSubmatchIndex(text); loc != nil {
		hour := atoiSpan(text, loc[2], loc[3])
		minute := atoiSpan(text, loc[4], loc[5])
		hour = applyQualifier(text, loc[0], loc[1], hour)
		return checkClock(hour, minute, ClockColon)
	}

	if m := amRe.FindStringSubmatch(text); m != nil {
		hour, _ := strconv.Atoi(firstNonEmpty(m[1], m[2]))
		if hour == 12 {
			hour = 0
		}
		return checkClock(hour, 0, ClockAM)
	}

	if m := pmRe.FindStringSubmatch(text); m != nil {
		hour, _ := strconv.Atoi(firstNonEmpty(m[2], m[3]))
		if hour == 12 && m[1] == "밤" {
			return checkClock(0, 0, ClockPM)
		}
		if hour > 12 {
			return checkClock(hour, 0, ClockPM)
		}
		return checkClock(hour%12+12, 0, ClockPM)
	}

	for _, loc := range bareHourRe.FindAllStringSubmatchIndex(text, -1) {
		// "3시간" is a duration, not a clock time.
		if strings.HasPrefix(text[loc[1]:], "간") {
			continue
		}
		hour := atoiSpan(text, loc[2], loc[3])
		if hour >= 7 && hour <= 11 && !morningRe.MatchString(text) {
			hour += 12
		}
		return checkClock(hour, 0, ClockBareHour)
	}

	return r.opts.DefaultHour, r.opts.DefaultMinute, ClockDefault, nil
}

// applyQualifier adds 12 to an hour-of-12 that sits right after a PM word or
// right before "pm", and maps 12 after an AM word or 밤 to midnight.
func applyQualifier(text string, start, end, hour int) int {
	before := strings.TrimRightFunc(text[:start], unicode.IsSpace)
	after := strings.TrimLeftFunc(text[end:], unicode.IsSpace)
	pm := strings.HasPrefix(after, "pm") || strings.HasPrefix(after, "p.m")
	am := strings.HasPrefix(after, "am") || strings.HasPrefix(after, "a.m")
	for _, p := range pmPrefixes {
		pm = pm || strings.HasSuffix(before, p)
	}
	for _, p := range amPrefixes {
		am = am || strings.HasSuffix(before, p)
	}
	switch {
	case hour == 12 && strings.HasSuffix(before, "밤"):
		return 0
	case pm && hour < 12:
		return hour + 12
	case am && hour == 12:
		return 0
	}
	return hour
}

func checkClock(hour, minute int, rule ClockRule) (int, int, ClockRule, error) {
	if hour < 0 || hour > 23 {
		return 0, 0, rule, fmt.Errorf("hour %d out of range", hour)
	}
	if minute < 0 || minute > 59 {
		return 0, 0, rule, fmt.Errorf("minute %d out of range", minute)
	}
	return hour, minute, rule, nil
}

func atoiSpan(s string, start, end int) int {
	n, _ := strconv.Atoi(s[start:end])
	return n
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
