package tenant_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/yobell-ai/voicebridge/internal/tenant"
)

// fakeStore returns canned rows, or errors when err is set.
type fakeStore struct {
	prompt *tenant.Prompt
	fields []tenant.Field
	err    error
}

func (s *fakeStore) GetPrompt(context.Context, string) (*tenant.Prompt, error) {
	if s.err != nil {
		return nil, s.err
	}
	if s.prompt == nil {
		return nil, tenant.ErrNotFound
	}
	return s.prompt, nil
}

func (s *fakeStore) ListFields(context.Context, string) ([]tenant.Field, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.fields, nil
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func fixedClock() func() time.Time {
	loc := time.FixedZone("JST", 9*3600)
	return func() time.Time { return time.Date(2026, 8, 25, 14, 30, 0, 0, loc) }
}

func TestLoad_AssemblesInstructions(t *testing.T) {
	t.Parallel()

	store := &fakeStore{
		prompt: &tenant.Prompt{
			SystemPrompt: "当店は水曜定休です。",
			Metadata:     map[string]string{"greeting_message": "やあ、こんにちは！"},
		},
		fields: []tenant.Field{
			{Key: "customer_name", Label: "お名前", Type: tenant.FieldText, Required: true},
			{Key: "seat_type", Label: "お席の希望", Type: tenant.FieldSelect, Options: []string{"カウンター", "テーブル"}},
		},
	}
	l := tenant.NewLoader(store, discard(), tenant.WithClock(fixedClock()))

	p, err := l.Load(context.Background(), "t-001")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if p.Greeting != "やあ、こんにちは！" {
		t.Errorf("greeting = %q", p.Greeting)
	}
	for _, want := range []string{
		"2026-08-25 14:30",
		"火曜日",
		"お名前（必須）",
		"お席の希望（任意）",
		"finalize_reservation",
		"当店は水曜定休です。",
	} {
		if !strings.Contains(p.Instructions, want) {
			t.Errorf("instructions missing %q", want)
		}
	}
	// Tenant content comes after the directive block.
	if strings.Index(p.Instructions, "店舗からの指示") > strings.Index(p.Instructions, "当店は水曜定休です。") {
		t.Error("tenant prompt should follow the directive header")
	}
}

func TestLoad_ToolSchema(t *testing.T) {
	t.Parallel()

	store := &fakeStore{
		prompt: &tenant.Prompt{SystemPrompt: "x"},
		fields: []tenant.Field{
			{Key: "customer_name", Label: "お名前", Type: tenant.FieldText, Required: true},
			{Key: "party_size", Label: "人数", Type: tenant.FieldNumber, Required: true},
			{Key: "requested_date", Label: "ご希望日", Type: tenant.FieldDate, Required: true},
			{Key: "requested_time", Label: "ご希望時間", Type: tenant.FieldTime},
			{Key: "course", Label: "コース", Type: tenant.FieldSelect, Options: []string{"A", "B"}},
		},
	}
	l := tenant.NewLoader(store, discard(), tenant.WithClock(fixedClock()))

	p, err := l.Load(context.Background(), "t-001")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if p.Tool.Type != "function" || p.Tool.Name != "finalize_reservation" {
		t.Fatalf("tool = %+v", p.Tool)
	}

	params := p.Tool.Parameters
	topReq, _ := params["required"].([]string)
	if len(topReq) != 2 || topReq[0] != "answers" || topReq[1] != "confirmed" {
		t.Errorf("top-level required = %v", topReq)
	}

	answers := params["properties"].(map[string]any)["answers"].(map[string]any)
	props := answers["properties"].(map[string]any)

	if props["party_size"].(map[string]any)["type"] != "integer" {
		t.Error("number field should map to integer")
	}
	if d := props["requested_date"].(map[string]any)["description"].(string); !strings.Contains(d, "YYYY-MM-DD") {
		t.Errorf("date description = %q", d)
	}
	if d := props["requested_time"].(map[string]any)["description"].(string); !strings.Contains(d, "HH:MM") {
		t.Errorf("time description = %q", d)
	}
	enum := props["course"].(map[string]any)["enum"].([]string)
	if len(enum) != 2 || enum[0] != "A" {
		t.Errorf("select enum = %v", enum)
	}

	req := answers["required"].([]string)
	if len(req) != 3 {
		t.Errorf("answers required = %v", req)
	}
}

func TestLoad_FallbacksWhenStoreFails(t *testing.T) {
	t.Parallel()

	store := &fakeStore{err: errors.New("connection refused")}
	l := tenant.NewLoader(store, discard(),
		tenant.WithClock(fixedClock()),
		tenant.WithPromptFile("does-not-exist.md"))

	p, err := l.Load(context.Background(), "t-001")
	if err != nil {
		t.Fatalf("Load should degrade, not fail: %v", err)
	}
	if p.Greeting == "" {
		t.Error("builtin greeting expected")
	}
	if len(p.Fields) != 4 {
		t.Fatalf("default fields = %d, want 4", len(p.Fields))
	}
	for _, f := range p.Fields {
		if !f.Required {
			t.Errorf("default field %q should be required", f.Key)
		}
	}
	if len(p.RequiredFields()) != 4 {
		t.Errorf("RequiredFields = %d", len(p.RequiredFields()))
	}
}

func TestLoad_PromptFileFallback(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := dir + "/system_prompt.md"
	if err := writeFile(path, "ファイルからのプロンプトです。"); err != nil {
		t.Fatal(err)
	}

	store := &fakeStore{} // prompt row missing
	l := tenant.NewLoader(store, discard(),
		tenant.WithClock(fixedClock()),
		tenant.WithPromptFile(path))

	p, err := l.Load(context.Background(), "t-001")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !strings.Contains(p.Instructions, "ファイルからのプロンプトです。") {
		t.Error("file fallback prompt should be included")
	}
}

func writeFile(path, content string) error {
	return os.WriteFile(path, []byte(content), 0o644)
}
