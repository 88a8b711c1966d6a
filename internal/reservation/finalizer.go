package reservation

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/yobell-ai/voicebridge/internal/tenant"
)

var (
	dateRe = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)
	timeRe = regexp.MustCompile(`^\d{2}:\d{2}$`)

	nonDigits = regexp.MustCompile(`\D`)
)

// CallInfo identifies the call a finalize_reservation invocation belongs to.
type CallInfo struct {
	TenantID     string
	CallID       string
	CallerNumber string
}

// Finalizer validates tool arguments, persists the reservation, and fires
// the notification hand-off. One Finalizer is shared across calls.
type Finalizer struct {
	store         Store
	notifier      Notifier
	logger        *slog.Logger
	newID         func() string
	notifyTimeout time.Duration

	notifyWG sync.WaitGroup
}

// FinalizerOption configures a [Finalizer].
type FinalizerOption func(*Finalizer)

// WithIDGenerator overrides reservation id generation. Used in tests.
func WithIDGenerator(gen func() string) FinalizerOption {
	return func(f *Finalizer) { f.newID = gen }
}

// WithNotifyTimeout bounds each asynchronous notification attempt.
func WithNotifyTimeout(d time.Duration) FinalizerOption {
	return func(f *Finalizer) { f.notifyTimeout = d }
}

// NewFinalizer creates a Finalizer.
func NewFinalizer(store Store, notifier Notifier, logger *slog.Logger, opts ...FinalizerOption) *Finalizer {
	f := &Finalizer{
		store:         store,
		notifier:      notifier,
		logger:        logger,
		newID:         uuid.NewString,
		notifyTimeout: 10 * time.Second,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Wait blocks until all in-flight notification hand-offs finish. Called
// during graceful shutdown.
func (f *Finalizer) Wait() {
	f.notifyWG.Wait()
}

// Finalize handles one finalize_reservation invocation. rawArgs is the
// model's argument string, passed through opaque. The returned [Result] is
// always sendable; failures map to the error taxonomy rather than Go errors.
func (f *Finalizer) Finalize(ctx context.Context, call CallInfo, fields []tenant.Field, rawArgs string) Result {
	var payload struct {
		Answers   json.RawMessage `json:"answers"`
		Confirmed any             `json:"confirmed"`
	}
	if err := json.Unmarshal([]byte(rawArgs), &payload); err != nil {
		return ResultSystemError(CodeParseError)
	}

	// Zero required fields is a tenant configuration bug, never user error.
	hasRequired := false
	for _, fld := range fields {
		if fld.Required {
			hasRequired = true
			break
		}
	}
	if !hasRequired {
		f.logger.Error("tenant has no required reservation fields", "tenant_id", call.TenantID)
		return ResultSystemError(CodeNoRequiredFields)
	}

	var answers map[string]any
	if len(payload.Answers) == 0 || json.Unmarshal(payload.Answers, &answers) != nil || answers == nil {
		return ResultSystemError(CodeInvalidAnswersFormat)
	}

	confirmed, ok := payload.Confirmed.(bool)
	if !ok || !confirmed {
		return ResultNotConfirmed()
	}

	var missing []string
	for _, fld := range fields {
		value, hint, valid := coerce(fld, answers[fld.Key])
		if valid {
			answers[fld.Key] = value
			continue
		}
		delete(answers, fld.Key)
		if fld.Required {
			missing = append(missing, fld.Label+hint)
		}
	}
	if len(missing) > 0 {
		return ResultMissingFields(missing)
	}

	req := &Request{
		ID:            f.newID(),
		TenantID:      call.TenantID,
		CallID:        call.CallID,
		CustomerPhone: call.CallerNumber,
		Answers:       answers,
		Status:        "pending",
		Source:        "tool",
	}
	if name, ok := answers[tenant.KeyCustomerName].(string); ok {
		req.CustomerName = name
	}
	if size, ok := answers[tenant.KeyPartySize].(int); ok {
		req.PartySize = size
	}
	if date, ok := answers[tenant.KeyRequestedDate].(string); ok {
		req.RequestedDate = date
	}
	if t, ok := answers[tenant.KeyRequestedTime].(string); ok {
		req.RequestedTime = t
	}

	if err := f.store.Create(ctx, req); err != nil {
		if errors.Is(err, ErrDuplicateCall) {
			// A concurrent duplicate already committed and notified.
			return ResultDeduped()
		}
		f.logger.Error("reservation insert failed", "call_id", call.CallID, "error", err)
		return ResultSystemError(CodeDBInsertFailed)
	}

	f.notifyWG.Add(1)
	go func() {
		defer f.notifyWG.Done()
		nctx, cancel := context.WithTimeout(context.Background(), f.notifyTimeout)
		defer cancel()
		if err := f.notifier.NotifyCreated(nctx, req); err != nil {
			f.logger.Error("reservation notification failed",
				"reservation_id", req.ID, "call_id", call.CallID, "error", err)
		}
	}()

	return ResultOK(req.ID)
}

// coerce validates and normalises one answer value. It returns the value to
// store, a format hint appended to the field label on rejection, and whether
// the value is usable. The hint is reserved for values that are present but
// malformed; an absent or null answer is reported with the bare label.
func coerce(fld tenant.Field, v any) (any, string, bool) {
	if v == nil {
		return nil, "", false
	}
	switch fld.Type {
	case tenant.FieldNumber:
		digits := nonDigits.ReplaceAllString(stringify(v), "")
		if digits == "" {
			return nil, "（数字）", false
		}
		n, err := strconv.Atoi(digits)
		if err != nil {
			return nil, "（数字）", false
		}
		return n, "", true

	case tenant.FieldDate:
		s, ok := v.(string)
		if !ok || !dateRe.MatchString(s) {
			return nil, "（YYYY-MM-DD形式）", false
		}
		return s, "", true

	case tenant.FieldTime:
		s, ok := v.(string)
		if !ok || !timeRe.MatchString(s) {
			return nil, "（HH:MM形式）", false
		}
		return s, "", true

	default: // text, select
		s := strings.TrimSpace(stringify(v))
		if s == "" {
			return nil, "", false
		}
		return s, "", true
	}
}

// stringify renders the JSON scalar forms a model may hand us. Containers
// and null become "", which reads as missing.
func stringify(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(s)
	default:
		return ""
	}
}
