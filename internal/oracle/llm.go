package oracle

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/cloudwego/eino-ext/components/model/openai"
	einomodel "github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/shopspring/decimal"

	"github.com/atmx/goal-market/internal/config"
	"github.com/atmx/goal-market/internal/model"
)

const dateLayout = "2006-01-02"

var (
	buyTag  = regexp.MustCompile(`(?s)<buy>\s*([0-9]+(?:\.[0-9]+)?)\s*</buy>`)
	sellTag = regexp.MustCompile(`(?s)<sell>\s*([0-9]+(?:\.[0-9]+)?)\s*</sell>`)
)

// NewOpenAIChatModel builds an OpenAI-compatible chat model. The default
// base URL points at OpenRouter.
func NewOpenAIChatModel(ctx context.Context, cfg *config.Config) (*openai.ChatModel, error) {
	maxTokens := 2048
	return openai.NewChatModel(ctx, &openai.ChatModelConfig{
		BaseURL:   cfg.OracleBaseURL,
		APIKey:    cfg.OracleAPIKey,
		Model:     cfg.OracleModel,
		MaxTokens: &maxTokens,
	})
}

// LLMOracle prompts a chat model as the agent. Quotes are read from
// <buy>X</buy> and <sell>Y</sell> tags in the reply.
type LLMOracle struct {
	chat einomodel.BaseChatModel
}

func NewLLMOracle(chat einomodel.BaseChatModel) *LLMOracle {
	return &LLMOracle{chat: chat}
}

func (o *LLMOracle) GenerateMessage(ctx context.Context, req MessageRequest) (string, error) {
	var instruction string
	switch req.Role {
	case RoleThesis:
		instruction = "Write your independent opening thesis on whether this goal will be achieved by its target date. " +
			"You have not seen any other analyst's view. Be specific about the evidence in the updates. Keep it under 200 words."
	default:
		instruction = fmt.Sprintf("This is debate round %d. Respond to the other analysts' arguments above: "+
			"say where you agree, where you disagree and why, and whether your estimate moved. Keep it under 200 words.", req.Round)
	}

	msgs := []*schema.Message{
		schema.SystemMessage(systemPrompt(req.Agent)),
		schema.UserMessage(goalContext(req.Goal, req.Updates) + formatTranscript(req.Transcript) + "\n" + instruction),
	}

	resp, err := o.chat.Generate(ctx, msgs)
	if err != nil {
		return "", classify(ctx, err)
	}
	content := strings.TrimSpace(resp.Content)
	if content == "" {
		return "", fmt.Errorf("%w: empty message", ErrMalformedResponse)
	}
	return content, nil
}

func (o *LLMOracle) GenerateSpread(ctx context.Context, req SpreadRequest) (Quote, error) {
	instruction := fmt.Sprintf("The debate is closed. Quote one contract that pays %s if the goal is achieved by the target date and 0 otherwise.\n"+
		"Give the highest price you would pay to buy it and the lowest price you would accept to sell it, both between 0 and %s.\n"+
		"Reply with ONLY these XML tags: <buy>X.XX</buy><sell>Y.YY</sell>",
		req.Goal.PayoutAmount.String(), req.Goal.PayoutAmount.String())

	msgs := []*schema.Message{
		schema.SystemMessage(systemPrompt(req.Agent)),
		schema.UserMessage(goalContext(req.Goal, req.Updates) + formatTranscript(req.Transcript) + "\n" + instruction),
	}

	resp, err := o.chat.Generate(ctx, msgs)
	if err != nil {
		return Quote{}, classify(ctx, err)
	}
	return parseQuote(resp.Content)
}

func parseQuote(text string) (Quote, error) {
	buy := buyTag.FindStringSubmatch(text)
	sell := sellTag.FindStringSubmatch(text)
	if buy == nil || sell == nil {
		return Quote{}, fmt.Errorf("%w: missing <buy>/<sell> tags", ErrMalformedResponse)
	}
	b, err := decimal.NewFromString(buy[1])
	if err != nil {
		return Quote{}, fmt.Errorf("%w: buy price %q", ErrMalformedResponse, buy[1])
	}
	s, err := decimal.NewFromString(sell[1])
	if err != nil {
		return Quote{}, fmt.Errorf("%w: sell price %q", ErrMalformedResponse, sell[1])
	}
	return Quote{Buy: b, Sell: s}, nil
}

func systemPrompt(agent model.Agent) string {
	return fmt.Sprintf("You are %s, an independent analyst trading in a prediction market on personal goals. "+
		"You profit by pricing the probability of success accurately. Argue from evidence, not from optimism.", agent.Name)
}

func goalContext(g model.Goal, updates []model.Update) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Goal: %s\nTarget date: %s\n", g.Description, g.TargetDate.Format(dateLayout))
	if len(updates) == 0 {
		b.WriteString("No progress updates yet.\n")
	} else {
		b.WriteString("Progress updates:\n")
		for _, u := range updates {
			fmt.Fprintf(&b, "- [%s] %s\n", u.EffectiveDate.Format(dateLayout), u.Content)
		}
	}
	return b.String()
}

func formatTranscript(transcript []model.DebateMessage) string {
	if len(transcript) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("\nDebate so far:\n")
	for _, m := range transcript {
		fmt.Fprintf(&b, "[round %d] %s: %s\n", m.Round, m.AgentName, m.Content)
	}
	return b.String()
}
