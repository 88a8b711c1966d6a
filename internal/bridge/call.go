package bridge

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/yobell-ai/voicebridge/internal/calllog"
	"github.com/yobell-ai/voicebridge/internal/reservation"
	"github.com/yobell-ai/voicebridge/internal/telephony"
	"github.com/yobell-ai/voicebridge/internal/tenant"
	"github.com/yobell-ai/voicebridge/pkg/audio"
	"github.com/yobell-ai/voicebridge/pkg/realtime"
)

const (
	defaultSessionReadyTimeout = 3 * time.Second
	defaultShutdownTimeout     = 10 * time.Second

	// speakingFailsafeTimeout bounds the wait for the first audio delta
	// after a response.create. A stuck response gets one bare retry.
	speakingFailsafeTimeout = 5 * time.Second

	inboxSize = 256
)

// ErrSessionReadyTimeout ends a call whose session.updated never arrived.
var ErrSessionReadyTimeout = errors.New("bridge: session.updated not received within deadline")

// ModelSession is the slice of the realtime client the bridge drives.
// *realtime.Client satisfies it.
type ModelSession interface {
	UpdateSession(ctx context.Context, params realtime.SessionParams) error
	CreateResponse(ctx context.Context, instructions string) error
	AppendAudio(ctx context.Context, payload string) error
	TruncateItem(ctx context.Context, itemID string, audioEndMs int) error
	SendToolOutput(ctx context.Context, callID, output string) error
	CancelResponse(ctx context.Context) error
	Events() <-chan *realtime.Event
	Err() error
	Close() error
}

// Carrier is the outbound half of the carrier connection.
// *telephony.Adapter satisfies it.
type Carrier interface {
	SendMedia(ctx context.Context, payload string) error
	SendClear(ctx context.Context) error
	SendMark(ctx context.Context, name string) error
}

// Finalizer commits reservations from finalize_reservation tool calls.
type Finalizer interface {
	Finalize(ctx context.Context, call reservation.CallInfo, fields []tenant.Field, rawArgs string) reservation.Result
}

// ReservationLinker points a call's reservation at its call log at call end.
type ReservationLinker interface {
	LinkCallLog(ctx context.Context, callID, callLogID string) (bool, error)
}

// TranscriptEntry is one turn of the call transcript.
type TranscriptEntry struct {
	Role string // "user" or "assistant"
	Text string
	At   time.Time
}

// Summarizer produces the end-of-call transcript summary.
type Summarizer interface {
	Summarize(ctx context.Context, transcript []TranscriptEntry) (string, error)
}

// Metrics receives the bridge's measurements.
type Metrics interface {
	CallStarted()
	CallEnded(duration time.Duration, reason string)
	SessionReady(d time.Duration)
	BargeIn(outcome string)
	ToolCall(status string)
	AudioBytes(direction string, n int)
}

// NopMetrics discards all measurements.
type NopMetrics struct{}

var _ Metrics = NopMetrics{}

func (NopMetrics) CallStarted() {}

func (NopMetrics) CallEnded(time.Duration, string) {}

func (NopMetrics) SessionReady(time.Duration) {}

func (NopMetrics) BargeIn(string) {}

func (NopMetrics) ToolCall(string) {}

func (NopMetrics) AudioBytes(string, int) {}

// Config carries everything a single call needs.
type Config struct {
	StreamID     string
	CallID       string
	TenantID     string
	CallerNumber string
	CalleeNumber string

	Prompt *tenant.SessionPrompt
	Voice  string

	VADThreshold float64
	VADSilenceMs int
	DebounceMs   int
	MinRemainMs  int
	SmartCancel  bool

	// Base64Passthrough forwards caller audio untouched. When off, each
	// frame is decoded and re-encoded so payload corruption surfaces here
	// instead of at the model.
	Base64Passthrough bool

	TimingSummaryInterval time.Duration
	SessionReadyTimeout   time.Duration
	ShutdownTimeout       time.Duration

	Logger  *slog.Logger
	Log     *calllog.Writer // nil disables call logging
	Metrics Metrics         // nil disables metrics
}

// Call owns the lifecycle of one call. All per-call state is touched only by
// the [Call.Run] goroutine; the carrier handler feeds it via [Call.Deliver].
type Call struct {
	cfg        Config
	session    ModelSession
	carrier    Carrier
	finalizer  Finalizer
	linker     ReservationLinker
	summarizer Summarizer
	logger     *slog.Logger
	metrics    Metrics

	tracker *PlaybackTracker
	bargein *BargeInController

	inbox     chan *telephony.Envelope
	done      chan struct{}
	closeOnce sync.Once

	// run-loop state
	phase           Phase
	sessionReady    bool
	greetingDone    bool
	greetingSentMs  int
	normalSent      bool
	awaitingAudio   bool
	failsafeUsed    bool
	reservationMade bool
	transcript      []TranscriptEntry
	endReason       string

	startedAt    time.Time
	readyAt      time.Time
	firstAudioAt time.Time
	firstTextAt  time.Time
	bytesIn      int64
	bytesOut     int64

	readyTimer    *time.Timer
	debounceTimer *time.Timer
	failsafeTimer *time.Timer
}

// New wires a Call. summarizer may be nil.
func New(cfg Config, session ModelSession, carrier Carrier, finalizer Finalizer, linker ReservationLinker, summarizer Summarizer) *Call {
	if cfg.SessionReadyTimeout <= 0 {
		cfg.SessionReadyTimeout = defaultSessionReadyTimeout
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = defaultShutdownTimeout
	}
	if cfg.TimingSummaryInterval <= 0 {
		cfg.TimingSummaryInterval = 5 * time.Second
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = NopMetrics{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("stream_id", cfg.StreamID, "call_id", cfg.CallID, "tenant_id", cfg.TenantID)

	return &Call{
		cfg:        cfg,
		session:    session,
		carrier:    carrier,
		finalizer:  finalizer,
		linker:     linker,
		summarizer: summarizer,
		logger:     logger,
		metrics:    metrics,
		tracker:    NewPlaybackTracker(),
		bargein: &BargeInController{
			DebounceMs:  cfg.DebounceMs,
			MinRemainMs: cfg.MinRemainMs,
			SmartCancel: cfg.SmartCancel,
		},
		inbox: make(chan *telephony.Envelope, inboxSize),
		done:  make(chan struct{}),
	}
}

// Deliver hands a decoded carrier envelope to the run loop. It drops the
// envelope once the call has shut down.
func (c *Call) Deliver(env *telephony.Envelope) {
	select {
	case c.inbox <- env:
	case <-c.done:
	}
}

// Done closes when the call has fully shut down.
func (c *Call) Done() <-chan struct{} { return c.done }

// Run drives the call to completion. It returns nil on a normal carrier
// stop. Shutdown work (summary, linkage, log closure) always runs, exactly
// once.
func (c *Call) Run(ctx context.Context) error {
	c.startedAt = time.Now()
	c.metrics.CallStarted()
	c.logEvent(calllog.EventStart, map[string]any{
		"tenantId":     c.cfg.TenantID,
		"callerNumber": c.cfg.CallerNumber,
		"calleeNumber": c.cfg.CalleeNumber,
	})
	c.logEvent(calllog.EventModelWSOpen, nil)
	defer c.shutdown()

	if err := c.sendSessionUpdate(ctx, PhaseGreeting); err != nil {
		c.endReason = "session_update_failed"
		return err
	}

	c.readyTimer = time.NewTimer(c.cfg.SessionReadyTimeout)
	defer c.readyTimer.Stop()
	c.debounceTimer = newStoppedTimer()
	defer c.debounceTimer.Stop()
	c.failsafeTimer = newStoppedTimer()
	defer c.failsafeTimer.Stop()

	summaryTick := time.NewTicker(c.cfg.TimingSummaryInterval)
	defer summaryTick.Stop()

	for {
		select {
		case <-ctx.Done():
			c.endReason = "context_cancelled"
			return ctx.Err()

		case <-c.readyTimer.C:
			if c.sessionReady {
				continue
			}
			c.logEvent(calllog.EventSessionUpdateTimeout, nil)
			c.logger.Error("session.updated not received in time")
			c.endReason = "session_ready_timeout"
			return ErrSessionReadyTimeout

		case <-c.debounceTimer.C:
			c.confirmBargeIn(ctx)

		case <-c.failsafeTimer.C:
			c.fireSpeakingFailsafe(ctx)

		case <-summaryTick.C:
			c.logEvent(calllog.EventTimingSummary, map[string]any{
				"phase":    c.phase.String(),
				"sentMs":   c.tracker.SentMs(),
				"playedMs": c.tracker.PlayedMs(),
				"bytesIn":  c.bytesIn,
				"bytesOut": c.bytesOut,
			})

		case env := <-c.inbox:
			stop, err := c.onCarrierEnvelope(ctx, env)
			if err != nil {
				c.endReason = "carrier_error"
				return err
			}
			if stop {
				c.endReason = "carrier_stop"
				return nil
			}

		case ev, ok := <-c.session.Events():
			if !ok {
				err := c.session.Err()
				if err != nil {
					c.logEvent(calllog.EventModelWSError, map[string]any{"error": err.Error()})
				} else {
					c.logEvent(calllog.EventModelWSClose, nil)
				}
				c.endReason = "model_socket_closed"
				if err != nil {
					return fmt.Errorf("bridge: model socket: %w", err)
				}
				return nil
			}
			done, err := c.onModelEvent(ctx, ev)
			if err != nil {
				c.endReason = "model_error"
				return err
			}
			if done {
				return nil
			}
		}
	}
}

// ── Carrier side ──────────────────────────────────────────────────────────────

func (c *Call) onCarrierEnvelope(ctx context.Context, env *telephony.Envelope) (stop bool, err error) {
	switch env.Event {
	case telephony.EventMedia:
		if env.Media == nil {
			return false, nil
		}
		payload := env.Media.Payload
		if !c.cfg.Base64Passthrough {
			raw, err := base64.StdEncoding.DecodeString(payload)
			if err != nil {
				c.logger.Warn("dropping undecodable media frame", "error", err)
				return false, nil
			}
			payload = base64.StdEncoding.EncodeToString(raw)
		}
		n := audio.DecodedLen(payload)
		if c.bytesIn == 0 {
			c.logEvent(calllog.EventCarrierMedia, map[string]any{"firstBytes": n})
		}
		c.bytesIn += int64(n)
		c.metrics.AudioBytes("in", n)
		if err := c.session.AppendAudio(ctx, payload); err != nil {
			return false, fmt.Errorf("bridge: forward caller audio: %w", err)
		}

	case telephony.EventMark:
		if env.Mark == nil {
			return false, nil
		}
		if c.tracker.AckMark(env.Mark.Name) {
			c.maybeEnterNormal(ctx)
		}

	case telephony.EventStop:
		return true, nil

	case telephony.EventConnected, telephony.EventStart:
		// connected is informational; start was consumed before the call
		// was constructed.

	default:
		c.logger.Debug("unhandled carrier event", "event", env.Event)
	}
	return false, nil
}

// ── Model side ────────────────────────────────────────────────────────────────

func (c *Call) onModelEvent(ctx context.Context, ev *realtime.Event) (done bool, err error) {
	switch ev.Type {
	case realtime.EventSessionUpdated:
		c.logEvent(calllog.EventSessionUpdated, nil)
		if c.sessionReady {
			return false, nil
		}
		c.sessionReady = true
		c.readyAt = time.Now()
		stopTimer(c.readyTimer)
		c.metrics.SessionReady(c.readyAt.Sub(c.startedAt))
		if err := c.session.CreateResponse(ctx, greetingInstruction(c.cfg.Prompt.Greeting)); err != nil {
			return false, fmt.Errorf("bridge: greeting response: %w", err)
		}
		c.logEvent(calllog.EventResponseCreateSent, map[string]any{"phase": "greeting"})
		c.armFailsafe()

	case realtime.EventOutputItemAdded:
		if ev.Item != nil && ev.Item.Type == "message" && ev.Item.Role == "assistant" {
			c.tracker.BeginUtterance(ev.Item.ID)
		}

	case realtime.EventAudioDelta, realtime.EventOutputAudioDelta:
		if err := c.onAudioDelta(ctx, ev.Delta); err != nil {
			return false, err
		}

	case realtime.EventResponseDone:
		if err := c.onResponseDone(ctx, ev.Response); err != nil {
			return false, err
		}

	case realtime.EventInputTranscriptCompleted:
		text := strings.TrimSpace(ev.Transcript)
		if text == "" {
			return false, nil
		}
		if c.firstTextAt.IsZero() {
			c.firstTextAt = time.Now()
		}
		c.transcript = append(c.transcript, TranscriptEntry{Role: "user", Text: text, At: time.Now()})
		c.logEvent(calllog.EventUserUtterance, map[string]any{"text": text})

	case realtime.EventSpeechStarted:
		c.logEvent(calllog.EventVAD, map[string]any{"type": "speech_started"})
		decision := c.bargein.SpeechStarted(c.phase, c.tracker.RemainingMs())
		if decision == BargeInArm {
			resetTimer(c.debounceTimer, time.Duration(c.cfg.DebounceMs)*time.Millisecond)
		} else {
			c.logEvent(calllog.EventBargeInIgnored, map[string]any{"reason": decision.Reason()})
			c.metrics.BargeIn("ignored_" + decision.Reason())
		}

	case realtime.EventSpeechStopped:
		c.logEvent(calllog.EventVAD, map[string]any{"type": "speech_stopped"})
		if c.bargein.SpeechStopped() {
			stopTimer(c.debounceTimer)
			c.logEvent(calllog.EventBargeInCancelled, map[string]any{"reason": "speech_stopped_before_debounce"})
			c.metrics.BargeIn("cancelled")
		}

	case realtime.EventError:
		return c.onServerError(ev.Error)

	default:
		c.logger.Debug("unhandled model event", "type", ev.Type)
	}
	return false, nil
}

func (c *Call) onAudioDelta(ctx context.Context, delta string) error {
	n := audio.DecodedLen(delta)
	c.bytesOut += int64(n)
	c.metrics.AudioBytes("out", n)
	if c.awaitingAudio {
		c.awaitingAudio = false
		stopTimer(c.failsafeTimer)
	}
	if c.firstAudioAt.IsZero() {
		c.firstAudioAt = time.Now()
		c.logEvent(calllog.EventAudioDelta, map[string]any{"firstBytes": n})
	}

	if err := c.carrier.SendMedia(ctx, delta); err != nil {
		return fmt.Errorf("bridge: forward assistant audio: %w", err)
	}
	if mark := c.tracker.AddAudio(audio.DurationMs(n)); mark != "" {
		if err := c.carrier.SendMark(ctx, mark); err != nil {
			return fmt.Errorf("bridge: send mark: %w", err)
		}
	}
	return nil
}

func (c *Call) onResponseDone(ctx context.Context, resp *realtime.ResponseDone) error {
	if resp == nil {
		return nil
	}
	for _, item := range resp.Output {
		if item.Type != "message" || item.Role != "assistant" {
			continue
		}
		text := item.AssistantText()
		if text == "" {
			continue
		}
		c.transcript = append(c.transcript, TranscriptEntry{Role: "assistant", Text: text, At: time.Now()})
		c.logEvent(calllog.EventAssistantResponse, map[string]any{"text": text})
	}

	if c.phase == PhaseGreeting && !c.greetingDone {
		c.greetingDone = true
		c.greetingSentMs = c.tracker.SentMs()
		c.maybeEnterNormal(ctx)
	}

	for _, fc := range resp.FunctionCalls() {
		if err := c.onToolCall(ctx, fc); err != nil {
			return err
		}
	}
	return nil
}

func (c *Call) onToolCall(ctx context.Context, fc realtime.OutputItem) error {
	if fc.Name != tenant.ToolName {
		c.logger.Warn("unknown tool call", "name", fc.Name)
		return nil
	}

	info := reservation.CallInfo{
		TenantID:     c.cfg.TenantID,
		CallID:       c.cfg.CallID,
		CallerNumber: c.cfg.CallerNumber,
	}
	result := c.finalizer.Finalize(ctx, info, c.cfg.Prompt.Fields, fc.Arguments)

	c.logEvent(calllog.EventToolCall, map[string]any{
		"name":       fc.Name,
		"toolCallId": fc.CallID,
		"arguments":  fc.Arguments,
		"result":     json.RawMessage(result.Wire()),
	})
	switch {
	case result.OK && result.Deduped:
		c.reservationMade = true
		c.metrics.ToolCall("deduped")
	case result.OK:
		c.reservationMade = true
		c.metrics.ToolCall("ok")
	default:
		c.metrics.ToolCall(result.ErrorType)
	}

	if err := c.session.SendToolOutput(ctx, fc.CallID, result.Wire()); err != nil {
		return fmt.Errorf("bridge: tool output: %w", err)
	}
	c.logEvent(calllog.EventResponseCreateSent, map[string]any{"phase": c.phase.String(), "trigger": "tool"})
	c.armFailsafe()
	return nil
}

func (c *Call) onServerError(serr *realtime.ServerError) (done bool, err error) {
	if serr == nil {
		return false, nil
	}
	switch {
	case serr.Benign():
		c.logger.Debug("benign model error", "code", serr.Code)
	case serr.Budget():
		c.logEvent(calllog.EventRealtimeError, map[string]any{"code": serr.Code, "budget": true, "message": serr.Message})
		c.logger.Error("model budget error, ending call", "code", serr.Code, "message", serr.Message)
		c.endReason = "budget_error"
		return true, nil
	default:
		c.logEvent(calllog.EventRealtimeError, map[string]any{"code": serr.Code, "message": serr.Message})
		c.logger.Warn("model error", "code", serr.Code, "message", serr.Message)
	}
	return false, nil
}

// ── Phase & barge-in ──────────────────────────────────────────────────────────

// maybeEnterNormal sends session.update(normal) once the greeting has
// provably reached 90% playback. Sent at most once per call.
func (c *Call) maybeEnterNormal(ctx context.Context) {
	if c.phase != PhaseGreeting || !c.greetingDone || c.normalSent {
		return
	}
	if c.tracker.PlayedMs()*10 < c.greetingSentMs*9 {
		return
	}
	c.normalSent = true
	c.phase = PhaseNormal
	if err := c.sendSessionUpdate(ctx, PhaseNormal); err != nil {
		c.logger.Error("normal-phase session.update failed", "error", err)
	}
}

func (c *Call) confirmBargeIn(ctx context.Context) {
	if !c.bargein.TimerFired() {
		return
	}
	audioEndMs := c.tracker.BeginClearing()
	itemID := c.tracker.ItemID()

	if err := c.carrier.SendClear(ctx); err != nil {
		c.logger.Error("clear failed", "error", err)
	}
	if err := c.session.TruncateItem(ctx, itemID, audioEndMs); err != nil {
		c.logger.Error("truncate failed", "error", err)
	}
	// May race a finished response; the resulting error is benign.
	if err := c.session.CancelResponse(ctx); err != nil {
		c.logger.Error("response cancel failed", "error", err)
	}

	c.logEvent(calllog.EventBargeInConfirmed, map[string]any{"itemId": itemID, "audioEndMs": audioEndMs})
	c.metrics.BargeIn("confirmed")
}

func (c *Call) sendSessionUpdate(ctx context.Context, phase Phase) error {
	normal := phase == PhaseNormal
	params := realtime.SessionParams{
		Instructions: c.cfg.Prompt.Instructions,
		Voice:        c.cfg.Voice,
		TurnDetection: &realtime.TurnDetection{
			Type:              "server_vad",
			Threshold:         c.cfg.VADThreshold,
			SilenceDurationMs: c.cfg.VADSilenceMs,
			CreateResponse:    normal,
			InterruptResponse: normal,
		},
		InputAudioTranscription: &realtime.Transcription{Model: "whisper-1"},
		Tools:                   []realtime.Tool{c.cfg.Prompt.Tool},
		ToolChoice:              "auto",
	}
	if err := c.session.UpdateSession(ctx, params); err != nil {
		return fmt.Errorf("bridge: session.update(%s): %w", phase, err)
	}
	c.logEvent(calllog.EventSessionUpdateSent, map[string]any{"phase": phase.String()})
	return nil
}

// ── Failsafe & shutdown ───────────────────────────────────────────────────────

func (c *Call) armFailsafe() {
	c.awaitingAudio = true
	resetTimer(c.failsafeTimer, speakingFailsafeTimeout)
}

// fireSpeakingFailsafe retries a response that produced no audio. One retry
// per call; a model this stuck will not recover from more.
func (c *Call) fireSpeakingFailsafe(ctx context.Context) {
	if !c.awaitingAudio || c.failsafeUsed {
		return
	}
	c.failsafeUsed = true
	c.logEvent(calllog.EventSpeakingFailsafe, nil)
	c.logger.Warn("no audio after response.create, retrying once")
	if err := c.session.CreateResponse(ctx, ""); err != nil {
		c.logger.Error("failsafe response.create failed", "error", err)
	}
}

func (c *Call) shutdown() {
	c.closeOnce.Do(func() {
		close(c.done)
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.ShutdownTimeout)
		defer cancel()

		_ = c.session.Close()

		var summary string
		if c.summarizer != nil && len(c.transcript) > 0 {
			s, err := c.summarizer.Summarize(ctx, c.transcript)
			if err != nil {
				c.logger.Error("transcript summary failed", "error", err)
			} else {
				summary = s
			}
		}

		if c.linker != nil {
			linked, err := c.linker.LinkCallLog(ctx, c.cfg.CallID, c.cfg.CallID)
			switch {
			case err != nil:
				c.logger.Error("call log linkage failed", "error", err)
			case !linked:
				c.logEvent(calllog.EventReservationNotCreated, nil)
			}
		}

		duration := time.Since(c.startedAt)
		stopFields := map[string]any{
			"reason":      c.endReason,
			"phase":       c.phase.String(),
			"durationMs":  duration.Milliseconds(),
			"bytesIn":     c.bytesIn,
			"bytesOut":    c.bytesOut,
			"reservation": c.reservationMade,
		}
		if summary != "" {
			stopFields["summary"] = summary
		}
		if !c.readyAt.IsZero() {
			stopFields["sessionReadyMs"] = c.readyAt.Sub(c.startedAt).Milliseconds()
		}
		if !c.firstAudioAt.IsZero() {
			stopFields["firstAudioMs"] = c.firstAudioAt.Sub(c.startedAt).Milliseconds()
		}
		if !c.firstTextAt.IsZero() {
			stopFields["firstTextMs"] = c.firstTextAt.Sub(c.startedAt).Milliseconds()
		}
		c.logEvent(calllog.EventStop, stopFields)
		if c.cfg.Log != nil {
			if err := c.cfg.Log.Close(); err != nil {
				c.logger.Error("call log close failed", "error", err)
			}
		}

		c.metrics.CallEnded(duration, c.endReason)
		c.logger.Info("call finished", "reason", c.endReason, "duration_ms", duration.Milliseconds(), "reservation", c.reservationMade)
	})
}

// Transcript returns the accumulated transcript. Only safe after Done.
func (c *Call) Transcript() []TranscriptEntry { return c.transcript }

func (c *Call) logEvent(event string, fields map[string]any) {
	if c.cfg.Log == nil {
		return
	}
	if err := c.cfg.Log.Write(event, fields); err != nil && !errors.Is(err, calllog.ErrClosed) {
		c.logger.Error("call log write failed", "event", event, "error", err)
	}
}

func greetingInstruction(greeting string) string {
	return "次の挨拶文を一字一句そのまま読み上げてください。\n" + greeting
}

// newStoppedTimer returns a timer that will not fire until reset.
func newStoppedTimer() *time.Timer {
	t := time.NewTimer(time.Hour)
	stopTimer(t)
	return t
}

func stopTimer(t *time.Timer) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
}

func resetTimer(t *time.Timer, d time.Duration) {
	stopTimer(t)
	t.Reset(d)
}
