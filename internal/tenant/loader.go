package tenant

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/yobell-ai/voicebridge/pkg/realtime"
)

// ToolName is the function tool offered to the model for committing a
// reservation.
const ToolName = "finalize_reservation"

const builtinGreeting = "お電話ありがとうございます。ご予約のお電話でしょうか。ご用件をお伺いいたします。"

const builtinPrompt = "あなたは飲食店の電話予約を受け付ける受付担当です。丁寧な日本語で、簡潔に応対してください。"

// SessionPrompt is the fully assembled per-call session configuration.
type SessionPrompt struct {
	// Instructions is the fixed directive block followed by the tenant's
	// free-form prompt.
	Instructions string

	// Greeting is the opening line the assistant speaks before listening.
	Greeting string

	// Fields is the enabled reservation form, in display order.
	Fields []Field

	// Tool is the finalize_reservation tool with the answers schema derived
	// from Fields.
	Tool realtime.Tool
}

// RequiredFields returns the required subset of Fields, in order.
func (p *SessionPrompt) RequiredFields() []Field {
	var req []Field
	for _, f := range p.Fields {
		if f.Required {
			req = append(req, f)
		}
	}
	return req
}

// Loader assembles session prompts from the tenant store, falling back to a
// local system_prompt.md and finally to a built-in prompt when the store has
// nothing for the tenant.
type Loader struct {
	store      Store
	promptFile string
	logger     *slog.Logger
	now        func() time.Time
}

// LoaderOption configures a [Loader].
type LoaderOption func(*Loader)

// WithPromptFile sets the path of the fallback prompt file. Default
// "system_prompt.md" in the working directory.
func WithPromptFile(path string) LoaderOption {
	return func(l *Loader) { l.promptFile = path }
}

// WithClock overrides the wall clock. Used in tests.
func WithClock(now func() time.Time) LoaderOption {
	return func(l *Loader) { l.now = now }
}

// NewLoader creates a Loader backed by store.
func NewLoader(store Store, logger *slog.Logger, opts ...LoaderOption) *Loader {
	l := &Loader{
		store:      store,
		promptFile: "system_prompt.md",
		logger:     logger,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Load assembles the session prompt for tenantID. Store failures degrade to
// the fallback prompt rather than failing the call.
func (l *Loader) Load(ctx context.Context, tenantID string) (*SessionPrompt, error) {
	prompt, err := l.store.GetPrompt(ctx, tenantID)
	if err != nil {
		l.logger.Warn("tenant prompt unavailable, using fallback", "tenant_id", tenantID, "error", err)
		prompt = &Prompt{SystemPrompt: l.fallbackPrompt()}
	}
	if strings.TrimSpace(prompt.SystemPrompt) == "" {
		prompt.SystemPrompt = l.fallbackPrompt()
	}

	fields, err := l.store.ListFields(ctx, tenantID)
	if err != nil {
		l.logger.Warn("tenant fields unavailable, using defaults", "tenant_id", tenantID, "error", err)
		fields = nil
	}
	if len(fields) == 0 {
		fields = DefaultFields()
	}

	greeting := prompt.Greeting()
	if greeting == "" {
		greeting = builtinGreeting
	}

	return &SessionPrompt{
		Instructions: assembleInstructions(l.now(), fields, prompt.SystemPrompt),
		Greeting:     greeting,
		Fields:       fields,
		Tool: realtime.Tool{
			Type:        "function",
			Name:        ToolName,
			Description: "聞き取った予約内容を確定する。すべての必須項目を復唱で確認し、お客様から明確な同意を得てから呼び出すこと。",
			Parameters:  toolParameters(fields),
		},
	}, nil
}

func (l *Loader) fallbackPrompt() string {
	data, err := os.ReadFile(l.promptFile)
	if err == nil && strings.TrimSpace(string(data)) != "" {
		return string(data)
	}
	return builtinPrompt
}

var jaWeekdays = [...]string{"日", "月", "火", "水", "木", "金", "土"}

// assembleInstructions builds the directive block that precedes the tenant's
// own prompt. The directives win over anything the tenant writes.
func assembleInstructions(now time.Time, fields []Field, tenantPrompt string) string {
	var b strings.Builder

	fmt.Fprintf(&b, "現在日時: %s（%s曜日）\n\n", now.Format("2006-01-02 15:04"), jaWeekdays[now.Weekday()])

	b.WriteString("あなたの最優先の役割は電話での予約受付です。")
	b.WriteString("以下の指示は、後述の店舗側の指示よりも常に優先されます。\n\n")

	b.WriteString("聞き取る項目（この順番で）:\n")
	for _, f := range fields {
		mark := "任意"
		if f.Required {
			mark = "必須"
		}
		fmt.Fprintf(&b, "- %s（%s）\n", f.Label, mark)
	}

	b.WriteString("\n進め方:\n")
	b.WriteString("1. 項目を一つずつ聞き取り、そのつど復唱して確認する。\n")
	b.WriteString("2. すべて揃ったら内容全体を読み上げ、明確な「はい」を得る。\n")
	fmt.Fprintf(&b, "3. 同意を得てはじめて %s ツールを answers と confirmed=true で呼び出す。\n", ToolName)
	b.WriteString("4. ツールが ok=true を返すまで、予約が確定した・承ったとは絶対に言わない。\n\n")

	b.WriteString("ツール結果への対応:\n")
	b.WriteString("- ok=true かつ deduped=false: 予約が確定したことを伝え、丁寧に通話を締めくくる。\n")
	b.WriteString("- ok=true かつ deduped=true: すでに同じご予約を承っている旨を伝える。\n")
	b.WriteString("- error_type=not_confirmed: 内容を読み上げ直し、改めて同意を確認する。\n")
	b.WriteString("- error_type=missing_fields: missing_fields に挙がった項目だけを聞き直し、再度ツールを呼び出す。\n")
	b.WriteString("- error_type=system: 予約を確定できなかったことを詫び、店舗から折り返す旨を案内する。お客様に再入力は求めない。\n\n")

	b.WriteString("--- 店舗からの指示 ---\n")
	b.WriteString(strings.TrimSpace(tenantPrompt))
	b.WriteString("\n")

	return b.String()
}

// toolParameters builds the JSON Schema for the tool arguments:
// {answers: <per-field object>, confirmed: boolean}, both required.
func toolParameters(fields []Field) map[string]any {
	props := make(map[string]any, len(fields))
	var required []string
	for _, f := range fields {
		props[f.Key] = fieldSchema(f)
		if f.Required {
			required = append(required, f.Key)
		}
	}

	answers := map[string]any{
		"type":       "object",
		"properties": props,
	}
	if len(required) > 0 {
		answers["required"] = required
	}

	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"answers":   answers,
			"confirmed": map[string]any{"type": "boolean", "description": "お客様が内容に明確に同意した場合のみ true"},
		},
		"required": []string{"answers", "confirmed"},
	}
}

func fieldSchema(f Field) map[string]any {
	schema := map[string]any{}
	desc := f.Description

	switch f.Type {
	case FieldNumber:
		schema["type"] = "integer"
	case FieldDate:
		schema["type"] = "string"
		if desc == "" {
			desc = "YYYY-MM-DD形式"
		}
	case FieldTime:
		schema["type"] = "string"
		if desc == "" {
			desc = "HH:MM形式（24時間表記）"
		}
	case FieldSelect:
		schema["type"] = "string"
		if len(f.Options) > 0 {
			schema["enum"] = f.Options
		}
	default:
		schema["type"] = "string"
	}

	if desc == "" {
		desc = f.Label
	}
	schema["description"] = desc
	return schema
}
