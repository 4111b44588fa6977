package session

import "time"

// Canned outbound texts.
const (
	TextScheduledCall = "정시 대화 시간입니다! 대화를 시작하시겠어요?"
	TextStartNow      = "안녕하세요! 정시 대화 시간이에요. 오늘 하루는 어떻게 보내셨나요?"
	TextSnooze        = "10분 후에 다시 알려드릴게요."
	TextSkip          = "오늘은 대화를 건너뛰겠습니다. 내일 또 뵐게요!"
	TextUnsupported   = "지원하지 않는 요청이에요."
	TextApology       = "죄송합니다. 잠시 문제가 있었어요. 다시 말씀해 주세요."
	TextSlowDown      = "조금 천천히 말씀해 주세요. 잠시 후에 다시 들을게요."
)

// Transcript line prefixes.
const (
	SpeakerAI   = "AI: "
	SpeakerUser = "사용자: "
)

type Config struct {
	ProcessTimeout    time.Duration
	FlushTimeout      time.Duration
	WriteTimeout      time.Duration
	MaxTurnsPerMinute int // 0 disables the limiter
	EventBuffer       int
}

func (c Config) withDefaults() Config {
	if c.ProcessTimeout <= 0 {
		c.ProcessTimeout = 60 * time.Second
	}
	if c.FlushTimeout <= 0 {
		c.FlushTimeout = 10 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = 8
	}
	return c
}
