package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/yobell-ai/voicebridge/internal/bridge"
	"github.com/yobell-ai/voicebridge/internal/calllog"
	"github.com/yobell-ai/voicebridge/internal/observe"
	"github.com/yobell-ai/voicebridge/internal/telephony"
	"github.com/yobell-ai/voicebridge/internal/tenant"
	"github.com/yobell-ai/voicebridge/pkg/realtime"
)

// setupTimeout bounds the concurrent tenant-prompt load and model dial that
// run when the start event arrives. The caller hears silence during setup, so
// this stays short.
const setupTimeout = 5 * time.Second

// handleMediaStream accepts one carrier WebSocket and bridges it to a model
// session. The connection starts anonymous: identity arrives with the start
// event, which triggers call construction. Envelopes before start are
// dropped.
func (a *App) handleMediaStream(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		a.logger.Warn("websocket accept failed", "error", err)
		return
	}
	defer conn.Close(websocket.StatusInternalError, "stream ended")

	ctx := r.Context()
	adapter := telephony.NewAdapter(conn)

	var (
		call      *bridge.Call
		streamSid string
		stopSeen  bool
	)
	// cancelCall force-ends the bridge when the socket dies without a stop
	// event.
	var cancelCall context.CancelFunc

	defer func() {
		if call == nil {
			return
		}
		if !stopSeen && cancelCall != nil {
			cancelCall()
		}
		<-call.Done()
		a.calls.remove(streamSid)
	}()

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			status := websocket.CloseStatus(err)
			if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway {
				return
			}
			if !errors.Is(err, context.Canceled) {
				a.logger.Debug("carrier socket read ended", "stream_id", streamSid, "error", err)
			}
			return
		}

		env, err := telephony.Decode(data)
		if err != nil {
			a.logger.Warn("bad carrier frame", "stream_id", streamSid, "error", err)
			continue
		}

		switch env.Event {
		case telephony.EventConnected:
			a.logger.Debug("carrier connected")

		case telephony.EventStart:
			if call != nil {
				a.logger.Warn("duplicate start event", "stream_id", streamSid)
				continue
			}
			if env.Start == nil {
				a.logger.Warn("start event without payload")
				continue
			}
			call, cancelCall, err = a.startCall(ctx, adapter, env.Start)
			if err != nil {
				a.logger.Error("call setup failed", "stream_id", env.Start.StreamSid, "error", err)
				conn.Close(websocket.StatusInternalError, "setup failed")
				return
			}
			streamSid = env.Start.StreamSid

		case telephony.EventMedia, telephony.EventMark:
			if call != nil {
				call.Deliver(env)
			}

		case telephony.EventStop:
			if call != nil {
				stopSeen = true
				call.Deliver(env)
			}
			conn.Close(websocket.StatusNormalClosure, "call ended")
			return

		default:
			a.logger.Debug("unhandled carrier event", "event", env.Event)
		}
	}
}

// startCall builds and launches the bridge for one call: the tenant prompt
// and the model session load concurrently, then the call goroutine takes
// over. The returned cancel func force-ends the call if the carrier socket
// dies without a stop event.
func (a *App) startCall(ctx context.Context, adapter *telephony.Adapter, start *telephony.StartPayload) (*bridge.Call, context.CancelFunc, error) {
	adapter.Bind(start.StreamSid)

	setupCtx, cancel := context.WithTimeout(ctx, setupTimeout)
	defer cancel()

	var (
		prompt  *tenant.SessionPrompt
		session bridge.ModelSession
	)
	g, gctx := errgroup.WithContext(setupCtx)
	g.Go(func() error {
		p, err := a.tenants.Load(gctx, start.TenantID())
		if err != nil {
			return fmt.Errorf("load tenant prompt: %w", err)
		}
		prompt = p
		return nil
	})
	g.Go(func() error {
		s, err := a.dial(gctx, realtime.DialConfig{
			URL:    a.cfg.Realtime.URL,
			APIKey: a.cfg.Realtime.APIKey,
			Model:  a.cfg.Realtime.Model,
		})
		if err != nil {
			return fmt.Errorf("dial model: %w", err)
		}
		session = s
		return nil
	})
	if err := g.Wait(); err != nil {
		if session != nil {
			_ = session.Close()
		}
		return nil, nil, err
	}

	var log *calllog.Writer
	if a.cfg.CallLog.Dir != "" {
		log = calllog.New(a.cfg.CallLog.Dir, start.StreamSid, start.CallSid)
	}

	// The call runs past the upgrade request: its context derives from
	// Background, and its span links back to the upgrade span instead of
	// parenting under it.
	runCtx, cancelRun := context.WithCancel(context.Background())
	runCtx, span := observe.StartCallSpan(runCtx, trace.SpanContextFromContext(ctx),
		start.StreamSid, start.CallSid, start.TenantID())

	feat := &a.cfg.Features
	call := bridge.New(bridge.Config{
		StreamID:     start.StreamSid,
		CallID:       start.CallSid,
		TenantID:     start.TenantID(),
		CallerNumber: start.CallerNumber(),
		CalleeNumber: start.CalleeNumber(),

		Prompt: prompt,
		Voice:  a.cfg.Realtime.Voice,

		VADThreshold: feat.VADThreshold,
		VADSilenceMs: feat.VADSilenceMs,
		DebounceMs:   feat.BargeInDebounceMs,
		MinRemainMs:  feat.BargeInMinRemainMs,
		SmartCancel:  feat.SmartCancelOn(),

		Base64Passthrough: feat.Base64PassthroughOn(),

		TimingSummaryInterval: time.Duration(feat.TimingSummaryMs) * time.Millisecond,

		Logger:  observe.CallLogger(runCtx, a.logger),
		Log:     log,
		Metrics: a.callMetrics,
	}, session, adapter, a.finalizer, a.resStore, a.summarizer)

	if !a.calls.add(start.StreamSid, call) {
		span.End()
		cancelRun()
		_ = session.Close()
		return nil, nil, fmt.Errorf("stream %s already active", start.StreamSid)
	}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer span.End()
		defer cancelRun()
		if err := call.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			span.RecordError(err)
			a.logger.Error("call ended with error",
				slog.String("stream_id", start.StreamSid),
				slog.String("call_id", start.CallSid),
				slog.Any("error", err),
			)
		}
	}()

	return call, cancelRun, nil
}
