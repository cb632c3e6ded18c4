package classifier

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatcal/internal/models"
	"chatcal/internal/rules"
)

type fakeOracle struct {
	replies []string
	errs    []error
	prompts []string
	onCall  func(n int)
}

func (f *fakeOracle) Complete(_ context.Context, _, prompt string) (string, error) {
	n := len(f.prompts)
	f.prompts = append(f.prompts, prompt)
	if f.onCall != nil {
		f.onCall(n)
	}
	if n < len(f.errs) && f.errs[n] != nil {
		return "", f.errs[n]
	}
	if n < len(f.replies) {
		return f.replies[n], nil
	}
	return `{"schedules":[],"non_schedules":[]}`, nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func candidate(id, text string) models.ScoredCandidate {
	return models.ScoredCandidate{
		Group: models.ContextGroup{
			ID:                      id,
			AuthorID:                "u1",
			AuthorName:              "민수",
			ChannelID:               "c1",
			ChannelName:             "합주방",
			CombinedText:            text,
			RepresentativeTimestamp: time.Date(2025, 6, 3, 15, 0, 0, 0, time.UTC),
			MessageCount:            1,
		},
		Score:   15,
		Signals: []models.Signal{{Tier: "core_schedule", Token: "합주"}},
	}
}

func schedule(id string, confidence float64) string {
	return fmt.Sprintf(`{"message_id":%q,"schedule_type":"합주","confidence":%v,`+
		`"extracted_info":{"when":"오늘 8시","what":"합주","where":"연습실"},"reason":"합주 일정"}`, id, confidence)
}

func reply(schedules ...string) string {
	return `{"schedules":[` + strings.Join(schedules, ",") + `],"non_schedules":[]}`
}

func newOrchestrator(t *testing.T, oracle Oracle, mutate func(*Options)) *Orchestrator {
	t.Helper()
	opts, err := OptionsFromRules(rules.Default().Classification, time.UTC)
	require.NoError(t, err)
	opts.BatchDelay = 0
	opts.Now = func() time.Time { return time.Date(2025, 6, 3, 16, 0, 0, 0, time.UTC) }
	if mutate != nil {
		mutate(&opts)
	}
	return New(discardLogger(), oracle, opts)
}

func TestClassifyAcceptsConfidentSchedule(t *testing.T) {
	oracle := &fakeOracle{replies: []string{reply(schedule("grp-1", 0.95))}}
	o := newOrchestrator(t, oracle, nil)

	res, err := o.Classify(context.Background(), []models.ScoredCandidate{candidate("grp-1", "오늘 합주 8시 연습실")})
	require.NoError(t, err)

	require.Len(t, res.Schedules, 1)
	sc := res.Schedules[0]
	assert.Equal(t, "grp-1", sc.SourceGroupID)
	assert.Equal(t, "오늘 합주 8시 연습실", sc.Content)
	assert.Equal(t, models.ScheduleTypeJam, sc.ScheduleType)
	assert.Equal(t, "오늘 8시", sc.WhenText)
	assert.Equal(t, "연습실", sc.WhereText)
	assert.Equal(t, "민수", sc.Author)
	assert.Equal(t, "합주방", sc.Channel)
	assert.InDelta(t, 0.95, sc.Confidence, 1e-9)
	assert.Empty(t, res.Rejected)
	assert.Equal(t, 1, res.Batches)
}

func TestClassifyConfidenceGate(t *testing.T) {
	tests := []struct {
		confidence float64
		accepted   bool
	}{
		{0.69, false},
		{0.7, true},
		{1.0, true},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.confidence), func(t *testing.T) {
			oracle := &fakeOracle{replies: []string{reply(schedule("grp-1", tt.confidence))}}
			res, err := newOrchestrator(t, oracle, nil).Classify(context.Background(),
				[]models.ScoredCandidate{candidate("grp-1", "내일 합주 7시")})
			require.NoError(t, err)

			if tt.accepted {
				assert.Len(t, res.Schedules, 1)
				return
			}
			assert.Empty(t, res.Schedules)
			require.Len(t, res.Rejected, 1)
			assert.Contains(t, res.Rejected[0].Reason, "below threshold 0.70")
		})
	}
}

func TestClassifyRejectsConfidenceOutsideUnitRange(t *testing.T) {
	tests := []struct {
		raw    string
		reason string
	}{
		{`"NaN"`, "confidence NaN outside [0,1]"},
		{`"+Inf"`, "confidence +Inf outside [0,1]"},
		{`95`, "confidence 95 outside [0,1]"},
		{`-1`, "confidence -1 outside [0,1]"},
		{`1.01`, "confidence 1.01 outside [0,1]"},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			item := fmt.Sprintf(`{"message_id":"grp-1","schedule_type":"합주","confidence":%s,`+
				`"extracted_info":{"when":"오늘 8시","what":"합주"},"reason":"합주 일정"}`, tt.raw)
			oracle := &fakeOracle{replies: []string{reply(item)}}

			res, err := newOrchestrator(t, oracle, nil).Classify(context.Background(),
				[]models.ScoredCandidate{candidate("grp-1", "오늘 합주 8시")})
			require.NoError(t, err)

			assert.Empty(t, res.Schedules)
			require.Len(t, res.Rejected, 1)
			assert.Equal(t, tt.reason, res.Rejected[0].Reason)
		})
	}
}

func TestOptionsFromRules(t *testing.T) {
	c := rules.Default().Classification
	c.BatchDelayMillis = 250

	opts, err := OptionsFromRules(c, time.UTC)
	require.NoError(t, err)
	assert.Equal(t, 250*time.Millisecond, opts.BatchDelay)
	assert.Len(t, opts.Exclusions, len(c.Exclusions))

	c.Exclusions = []string{"("}
	_, err = OptionsFromRules(c, time.UTC)
	assert.Error(t, err)
}

func TestClassifyExclusionPassRejectsKnownFalsePositives(t *testing.T) {
	tests := []string{
		"감사합니다~",
		"3시간 정도 걸려요",
		"합주 끝나고 치킨 배달 시킬까",
		"그 다음에 세팅하는 방법은 이렇게",
	}
	for _, text := range tests {
		t.Run(text, func(t *testing.T) {
			oracle := &fakeOracle{replies: []string{reply(schedule("grp-1", 0.99))}}
			res, err := newOrchestrator(t, oracle, nil).Classify(context.Background(),
				[]models.ScoredCandidate{candidate("grp-1", text)})
			require.NoError(t, err)

			assert.Empty(t, res.Schedules)
			require.Len(t, res.Rejected, 1)
			assert.Contains(t, res.Rejected[0].Reason, "matched exclusion")
		})
	}
}

func TestClassifyBatchesSequentiallyInInputOrder(t *testing.T) {
	var candidates []models.ScoredCandidate
	for i := 0; i < 23; i++ {
		candidates = append(candidates, candidate(fmt.Sprintf("grp-%02d", i), "합주 8시"))
	}
	oracle := &fakeOracle{}
	res, err := newOrchestrator(t, oracle, nil).Classify(context.Background(), candidates)
	require.NoError(t, err)

	assert.Equal(t, 3, res.Batches)
	require.Len(t, oracle.prompts, 3)
	assert.Contains(t, oracle.prompts[0], "ID: grp-00")
	assert.Contains(t, oracle.prompts[0], "ID: grp-09")
	assert.NotContains(t, oracle.prompts[0], "ID: grp-10")
	assert.Contains(t, oracle.prompts[2], "ID: grp-22")
	assert.Len(t, res.Rejected, 23)
}

func TestClassifySkipsFailedBatch(t *testing.T) {
	var candidates []models.ScoredCandidate
	for i := 0; i < 15; i++ {
		candidates = append(candidates, candidate(fmt.Sprintf("grp-%02d", i), "합주 8시"))
	}
	oracle := &fakeOracle{
		errs:    []error{errors.New("connection reset")},
		replies: []string{"", reply(schedule("grp-12", 0.9))},
	}
	res, err := newOrchestrator(t, oracle, nil).Classify(context.Background(), candidates)
	require.NoError(t, err)

	assert.Equal(t, 2, res.Batches)
	assert.Equal(t, 1, res.FailedBatches)
	require.Len(t, res.Schedules, 1)
	assert.Equal(t, "grp-12", res.Schedules[0].SourceGroupID)
	assert.Len(t, oracle.prompts, 2)
}

func TestClassifyMalformedResponseSkipsBatch(t *testing.T) {
	oracle := &fakeOracle{replies: []string{"죄송하지만 분류할 수 없습니다."}}
	res, err := newOrchestrator(t, oracle, nil).Classify(context.Background(),
		[]models.ScoredCandidate{candidate("grp-1", "합주 8시")})
	require.NoError(t, err)

	assert.Equal(t, 1, res.FailedBatches)
	assert.Empty(t, res.Schedules)
	require.Len(t, res.Rejected, 1)
	assert.Contains(t, res.Rejected[0].Reason, "malformed oracle response")
}

func TestClassifyUnknownAndDuplicateIDs(t *testing.T) {
	oracle := &fakeOracle{replies: []string{reply(
		schedule("grp-1", 0.9),
		schedule("grp-1", 0.8),
		schedule("grp-404", 0.9),
	)}}
	res, err := newOrchestrator(t, oracle, nil).Classify(context.Background(),
		[]models.ScoredCandidate{candidate("grp-1", "합주 8시")})
	require.NoError(t, err)

	require.Len(t, res.Schedules, 1)
	assert.InDelta(t, 0.9, res.Schedules[0].Confidence, 1e-9)

	reasons := map[string]string{}
	for _, r := range res.Rejected {
		reasons[r.Candidate.Group.ID] = r.Reason
	}
	assert.Equal(t, "duplicate classification", reasons["grp-1"])
	assert.Equal(t, "unknown message id", reasons["grp-404"])
}

func TestClassifyRecordsNonScheduleReasons(t *testing.T) {
	oracle := &fakeOracle{replies: []string{
		`{"schedules":[],"non_schedules":[{"message_id":"grp-1","content":"합주 어땠어","reason":"과거 후기"}]}`,
	}}
	res, err := newOrchestrator(t, oracle, nil).Classify(context.Background(),
		[]models.ScoredCandidate{candidate("grp-1", "합주 어땠어")})
	require.NoError(t, err)

	require.Len(t, res.NonSchedules, 1)
	assert.Equal(t, "과거 후기", res.NonSchedules[0].Reason)
	require.Len(t, res.Rejected, 1)
	assert.Equal(t, "oracle: 과거 후기", res.Rejected[0].Reason)
}

func TestClassifyCancellationReturnsPartialResult(t *testing.T) {
	var candidates []models.ScoredCandidate
	for i := 0; i < 30; i++ {
		candidates = append(candidates, candidate(fmt.Sprintf("grp-%02d", i), "합주 8시"))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	oracle := &fakeOracle{replies: []string{reply(schedule("grp-03", 0.9))}}
	oracle.onCall = func(n int) {
		if n == 0 {
			cancel()
		}
	}

	res, err := newOrchestrator(t, oracle, nil).Classify(ctx, candidates)
	require.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, res)
	assert.Equal(t, 1, res.Batches)
	require.Len(t, res.Schedules, 1)
	assert.Equal(t, "grp-03", res.Schedules[0].SourceGroupID)
}

func TestClassifyEnforcesBatchDelay(t *testing.T) {
	var candidates []models.ScoredCandidate
	for i := 0; i < 3; i++ {
		candidates = append(candidates, candidate(fmt.Sprintf("grp-%d", i), "합주 8시"))
	}
	oracle := &fakeOracle{}
	o := newOrchestrator(t, oracle, func(opts *Options) {
		opts.BatchSize = 1
		opts.BatchDelay = 30 * time.Millisecond
	})

	start := time.Now()
	res, err := o.Classify(context.Background(), candidates)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Batches)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestClassifyEmpty(t *testing.T) {
	oracle := &fakeOracle{}
	res, err := newOrchestrator(t, oracle, nil).Classify(context.Background(), nil)
	require.NoError(t, err)
	assert.Zero(t, res.Batches)
	assert.Empty(t, oracle.prompts)
}

func TestBuildPrompt(t *testing.T) {
	c := candidate("grp-7", "오늘 합주 8시")
	c.Group.MessageCount = 3
	now := time.Date(2025, 6, 3, 16, 0, 0, 0, time.UTC)

	prompt := BuildPrompt(now, []models.ScoredCandidate{c})

	assert.Contains(t, prompt, "2025년 06월 03일 16시 00분")
	assert.Contains(t, prompt, "ID: grp-7")
	assert.Contains(t, prompt, `내용: "오늘 합주 8시"`)
	assert.Contains(t, prompt, "작성자: 민수")
	assert.Contains(t, prompt, "키워드: [합주]")
	assert.Contains(t, prompt, "[맥락그룹: 3개 메시지]")
	assert.Contains(t, prompt, "합주|리허설|연습|공연|회의|모임|기타")
}
