package collab

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"go.yaml.in/yaml/v3"

	logx "tripot/pkg/logx"
)

// DefaultGreeting is used when no prompt file yields a start question.
const DefaultGreeting = "안녕하세요! 오늘은 어떤 하루를 보내고 계신가요?"

// FilePrompter reads main_chat_prompt.start_question from the first
// candidate file that exists. JSON and YAML are both accepted.
type FilePrompter struct {
	Paths []string
	Log   logx.Logger
}

type promptFile struct {
	MainChatPrompt struct {
		StartQuestion string `yaml:"start_question"`
	} `yaml:"main_chat_prompt"`
}

// Greeting only errors when every candidate failed for a reason other than
// being absent; callers fall back to DefaultGreeting either way.
func (p FilePrompter) Greeting(ctx context.Context) (string, error) {
	var errs []error
	for _, path := range p.Paths {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		b, err := os.ReadFile(path)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			errs = append(errs, err)
			continue
		}
		// YAML is a superset of JSON, so one decoder serves both.
		var pf promptFile
		if err := yaml.Unmarshal(b, &pf); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", path, err))
			continue
		}
		q := strings.TrimSpace(pf.MainChatPrompt.StartQuestion)
		if q == "" {
			q = "안녕하세요!"
		}
		p.Log.Debug("greeting loaded", logx.String("path", path))
		return q, nil
	}
	if len(errs) > 0 {
		return DefaultGreeting, errors.Join(errs...)
	}
	return DefaultGreeting, nil
}

// StaticPrompter always returns the same greeting.
type StaticPrompter string

func (s StaticPrompter) Greeting(context.Context) (string, error) { return string(s), nil }
