package oracle

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/cloudwego/eino/schema"

	"github.com/atmx/goal-market/internal/model"
)

var taskTag = regexp.MustCompile(`(?s)<task>(.*?)</task>`)

// PlanTasks asks the chat model for concrete steps toward the goal, one per
// <task></task> tag.
func (o *LLMOracle) PlanTasks(ctx context.Context, g model.Goal, updates []model.Update, n int) ([]string, error) {
	instruction := fmt.Sprintf("Break the goal into at most %d concrete tasks the user can finish today, "+
		"building on the progress so far. Reply with one <task>...</task> tag per task and nothing else.", n)

	msgs := []*schema.Message{
		schema.SystemMessage("You are a pragmatic coach who turns long-term goals into small daily steps."),
		schema.UserMessage(goalContext(g, updates) + "\n" + instruction),
	}

	resp, err := o.chat.Generate(ctx, msgs)
	if err != nil {
		return nil, classify(ctx, err)
	}
	return parseTasks(resp.Content, n)
}

func parseTasks(text string, n int) ([]string, error) {
	var tasks []string
	for _, m := range taskTag.FindAllStringSubmatch(text, -1) {
		if t := strings.TrimSpace(m[1]); t != "" {
			tasks = append(tasks, t)
		}
		if len(tasks) == n {
			break
		}
	}
	if len(tasks) == 0 {
		return nil, fmt.Errorf("%w: no <task> tags", ErrMalformedResponse)
	}
	return tasks, nil
}
