package classifier

import (
	"fmt"
	"strings"
	"time"

	"chatcal/internal/models"
)

// SystemPrompt is sent as the system message of every oracle call.
const SystemPrompt = "당신은 정확한 일정 분류 전문가입니다. 한국어 메시지를 분석하여 JSON 형식으로만 응답해주세요."

const rubric = `당신은 음악 동아리 Discord 메시지에서 일정을 분류하는 전문 AI입니다.

**현재 시간**: %s

**동아리 특성**:
- 합주, 리허설, 공연 준비가 주요 활동
- 연습실, 스튜디오에서 활동
- 멤버들이 끊어서 채팅하는 경우가 많아 맥락 그룹으로 합쳐서 제공

**분류 기준**:
일정으로 분류해야 할 것들:
- 합주, 리허설, 연습 일정 (예: "오늘합주는8시", "리허설 언제")
- 공연, 콘서트 준비 관련 (예: "공연 준비 모임", "콘서트 세팅")
- 회의, 모임 약속 (예: "회의 언제 할까", "밴드 회의")
- 구체적 시간/날짜 제안 (예: "3시에 연습실", "월요일 스튜디오")

일정이 아닌 것들:
- 일반 잡담 (예: "아침밥 뭐 먹을까", "게임 어때요")
- 과거 활동 후기 (예: "어제 연습 어땠어")
- 단순 대답/질문 (예: "네 가능해요", "괜찮은 거 같나요?")
- 소요 시간만 말하는 것 (예: "30분 정도 걸려요")
- 개인적 계획 공유 (예: "오늘 헬스장 가야지")

**맥락 그룹 처리**:
- 여러 메시지가 합쳐진 경우 전체 맥락을 고려하여 판단
- 끊어진 메시지들이 합쳐져서 완전한 일정 제안이 된 경우 일정으로 분류

다음 메시지들을 분석해서 아래 JSON 형식으로만 답변해주세요:

{
  "schedules": [
    {
      "message_id": "메시지ID",
      "content": "전체 메시지 내용",
      "author": "작성자",
      "channel": "채널명",
      "created_at": "작성시간",
      "schedule_type": "%s",
      "confidence": 0.95,
      "extracted_info": {
        "when": "언제 (예: 오늘 8시, 내일 오후)",
        "what": "무엇을 (예: 합주, 리허설, 회의)",
        "where": "어디서 (예: 연습실, 스튜디오)"
      },
      "reason": "일정으로 분류한 이유"
    }
  ],
  "non_schedules": [
    {"message_id": "메시지ID", "content": "메시지 내용", "reason": "일정이 아닌 이유"}
  ]
}

**분석할 메시지들**:
`

// BuildPrompt renders the oracle request for one batch.
func BuildPrompt(now time.Time, batch []models.ScoredCandidate) string {
	types := make([]string, len(models.ScheduleTypes))
	for i, t := range models.ScheduleTypes {
		types[i] = string(t)
	}

	var b strings.Builder
	fmt.Fprintf(&b, rubric, now.Format("2006년 01월 02일 15시 04분 (MST)"), strings.Join(types, "|"))

	for i, c := range batch {
		g := c.Group
		keywords := make([]string, len(c.Signals))
		for j, s := range c.Signals {
			keywords[j] = s.Token
		}
		context := ""
		if g.MessageCount > 1 {
			context = fmt.Sprintf("[맥락그룹: %d개 메시지]", g.MessageCount)
		}

		fmt.Fprintf(&b, "\n%d. ID: %s\n", i+1, g.ID)
		fmt.Fprintf(&b, "   내용: %q\n", g.CombinedText)
		fmt.Fprintf(&b, "   작성자: %s\n", displayName(g.AuthorName, g.AuthorID))
		fmt.Fprintf(&b, "   채널: %s\n", displayName(g.ChannelName, g.ChannelID))
		fmt.Fprintf(&b, "   시간: %s\n", g.RepresentativeTimestamp.In(now.Location()).Format("2006-01-02 15:04"))
		fmt.Fprintf(&b, "   키워드: [%s]\n", strings.Join(keywords, ", "))
		if context != "" {
			fmt.Fprintf(&b, "   맥락: %s\n", context)
		}
	}
	return b.String()
}

func displayName(name, id string) string {
	if strings.TrimSpace(name) != "" {
		return name
	}
	return id
}
