package assistant

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/hitoshi/workshopwizard/internal/model"
)

// DefaultHistoryLimit はSparkyに送る直近の会話履歴の件数。
const DefaultHistoryLimit = 20

// ChatCompleter はメッセージ列から応答を生成する。*Clientが実装する。
type ChatCompleter interface {
	Chat(ctx context.Context, messages []Message, model string) (string, error)
}

// stepGuide は各ステップの名前とSparkyへの指示。
var stepGuide = map[int]struct {
	Title string
	Focus string
}{
	0:  {"Introduction", "Explain how the ten-step workshop works and what the user will have at the end."},
	1:  {"Big Idea", "Help the user state their product idea in one or two sentences and name who it is for."},
	2:  {"Underlying Goal", "Help the user articulate the business goal behind the idea and the constraints they work under."},
	3:  {"Trigger Events", "Help the user list concrete events that make a customer start looking for a solution."},
	4:  {"Jobs to be Done", "Help the user list the jobs customers are trying to get done and pick the most important ones."},
	5:  {"Target Buyers", "Help the user identify specific buyer segments and select the most promising ones."},
	6:  {"Pains", "For each selected buyer, help the user describe painful problems and rate their intensity."},
	7:  {"Problems", "Help the user narrow the pains down to the problems worth solving first."},
	8:  {"Market Evaluation", "Help the user score each candidate market on size, urgency, accessibility, willingness to pay and competitive gap, then choose one."},
	9:  {"Value Proposition", "Help the user write a unique value, the pain it solves, the target outcome and a differentiator."},
	10: {"Pricing Strategy", "Help the user choose a pricing model that fits the selected market and value proposition."},
}

// StepTitle はステップ名を返す。範囲外の場合は空文字を返す。
func StepTitle(step int) string {
	return stepGuide[step].Title
}

// StepKey はchatHistoryのキーを返す（例: "step-3"）。
func StepKey(step int) string {
	return fmt.Sprintf("step-%d", step)
}

// Sparky はワークショップのステップごとに助言するアシスタント。
type Sparky struct {
	client       ChatCompleter
	model        string
	logger       *slog.Logger
	historyLimit int
}

// NewSparky は新しいSparkyを生成する。
func NewSparky(client ChatCompleter, model string, logger *slog.Logger) *Sparky {
	return &Sparky{
		client:       client,
		model:        model,
		logger:       logger,
		historyLimit: DefaultHistoryLimit,
	}
}

// Reply はステップの文脈と会話履歴を踏まえてユーザーのメッセージに応答する。
func (s *Sparky) Reply(ctx context.Context, step int, data model.WorkshopData, history []model.ChatMessage, userMessage string) (string, error) {
	messages := []Message{{Role: "system", Content: SystemPrompt(step, data)}}

	if len(history) > s.historyLimit {
		history = history[len(history)-s.historyLimit:]
	}
	for _, m := range history {
		if m.Role != "user" && m.Role != "assistant" {
			continue
		}
		messages = append(messages, Message{Role: m.Role, Content: m.Content})
	}
	messages = append(messages, Message{Role: "user", Content: userMessage})

	reply, err := s.client.Chat(ctx, messages, s.model)
	if err != nil {
		s.logger.Warn("sparky reply failed",
			slog.Int("step", step),
			slog.String("error", err.Error()),
		)
		return "", err
	}
	return reply, nil
}

// SystemPrompt はステップ向けのシステムプロンプトを組み立てる。
// これまでのステップの回答を要約して含める。
func SystemPrompt(step int, data model.WorkshopData) string {
	var b strings.Builder

	b.WriteString("You are Sparky, a friendly and practical business strategy coach guiding a founder through a ten-step workshop.\n")
	b.WriteString("Keep answers short, concrete and encouraging. Ask at most one question at a time. Do not fill in the workshop for the user.\n\n")

	if g, ok := stepGuide[step]; ok {
		fmt.Fprintf(&b, "Current step: %d - %s.\n%s\n", step, g.Title, g.Focus)
	}

	if summary := workshopContext(step, data); summary != "" {
		b.WriteString("\nWhat the user has written so far:\n")
		b.WriteString(summary)
	}

	return b.String()
}

// workshopContext は現在のステップまでの入力済みの回答を箇条書きにする。
func workshopContext(step int, d model.WorkshopData) string {
	var lines []string
	add := func(label, value string) {
		if v := strings.TrimSpace(value); v != "" {
			lines = append(lines, fmt.Sprintf("- %s: %s", label, v))
		}
	}

	if step >= 1 {
		add("Big idea", d.BigIdea.Description)
		add("Target customers", d.BigIdea.TargetCustomers)
	}
	if step >= 2 {
		add("Business goal", d.UnderlyingGoal.BusinessGoal)
		add("Constraints", d.UnderlyingGoal.Constraints)
	}
	if step >= 3 {
		for _, e := range d.TriggerEvents {
			add("Trigger event", e.Description)
		}
	}
	if step >= 4 {
		for _, j := range d.Jobs {
			if j.Selected {
				add("Selected job", j.Description)
			}
		}
	}
	if step >= 5 {
		for _, buyer := range d.TargetBuyers {
			if buyer.Selected {
				add("Selected buyer", buyer.Description)
			}
		}
	}
	if step >= 6 {
		for _, p := range d.Pains {
			add("Pain", p.Description)
		}
	}
	if step >= 7 {
		for _, p := range d.Problems {
			if p.Selected {
				add("Selected problem", p.Description)
			}
		}
	}
	if step >= 8 {
		for _, m := range d.Markets {
			if m.Selected {
				add("Selected market", m.Name)
			}
		}
	}
	if step >= 9 {
		add("Unique value", d.ValueProposition.UniqueValue)
		add("Differentiator", d.ValueProposition.Differentiator)
	}
	if step >= 10 {
		add("Pricing strategy", d.PricingStrategy)
	}
	for _, s := range d.URLSummaries {
		add("Reference "+s.URL, s.Summary)
	}

	if len(lines) == 0 {
		return ""
	}
	return strings.Join(lines, "\n") + "\n"
}
