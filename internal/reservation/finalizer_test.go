package reservation_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/yobell-ai/voicebridge/internal/reservation"
	"github.com/yobell-ai/voicebridge/internal/tenant"
)

// memStore is an in-memory Store enforcing the unique call_id constraint.
type memStore struct {
	mu      sync.Mutex
	rows    map[string]*reservation.Request // call_id → row
	failAll bool
}

func newMemStore() *memStore {
	return &memStore{rows: make(map[string]*reservation.Request)}
}

func (s *memStore) Create(_ context.Context, req *reservation.Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failAll {
		return context.DeadlineExceeded
	}
	if _, exists := s.rows[req.CallID]; exists {
		return reservation.ErrDuplicateCall
	}
	clone := *req
	s.rows[req.CallID] = &clone
	return nil
}

func (s *memStore) LinkCallLog(_ context.Context, callID, callLogID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[callID]
	if !ok {
		return false, nil
	}
	row.CallLogID = callLogID
	return true, nil
}

func (s *memStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rows)
}

// countNotifier counts NotifyCreated invocations.
type countNotifier struct {
	mu   sync.Mutex
	seen []*reservation.Request
}

func (n *countNotifier) NotifyCreated(_ context.Context, req *reservation.Request) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.seen = append(n.seen, req)
	return nil
}

func (n *countNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.seen)
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func defaultCall() reservation.CallInfo {
	return reservation.CallInfo{TenantID: "T1", CallID: "C1", CallerNumber: "+818012345678"}
}

func newFinalizer(store reservation.Store, notifier reservation.Notifier) *reservation.Finalizer {
	return reservation.NewFinalizer(store, notifier, discard(),
		reservation.WithIDGenerator(func() string { return "res-fixed-id" }))
}

func TestFinalize_HappyPath(t *testing.T) {
	t.Parallel()

	store := newMemStore()
	notifier := &countNotifier{}
	f := newFinalizer(store, notifier)

	args := `{"answers":{"customer_name":"田中","party_size":2,"requested_date":"2025-12-20","requested_time":"19:00"},"confirmed":true}`
	res := f.Finalize(context.Background(), defaultCall(), tenant.DefaultFields(), args)
	f.Wait()

	if !res.OK || res.Deduped || res.ReservationID != "res-fixed-id" {
		t.Fatalf("result = %+v", res)
	}
	if store.count() != 1 {
		t.Fatalf("rows = %d, want 1", store.count())
	}
	row := store.rows["C1"]
	if row.CustomerName != "田中" || row.PartySize != 2 {
		t.Errorf("row = %+v", row)
	}
	if row.RequestedDate != "2025-12-20" || row.RequestedTime != "19:00" {
		t.Errorf("date/time = %q / %q", row.RequestedDate, row.RequestedTime)
	}
	if row.Status != "pending" || row.Source != "tool" {
		t.Errorf("status/source = %q / %q", row.Status, row.Source)
	}
	if row.CustomerPhone != "+818012345678" {
		t.Errorf("phone = %q", row.CustomerPhone)
	}
	if notifier.count() != 1 {
		t.Errorf("notifications = %d, want 1", notifier.count())
	}

	wire := res.Wire()
	if !strings.Contains(wire, `"ok":true`) || !strings.Contains(wire, `"deduped":false`) {
		t.Errorf("wire = %s", wire)
	}
}

func TestFinalize_NotConfirmed(t *testing.T) {
	t.Parallel()

	store := newMemStore()
	f := newFinalizer(store, &countNotifier{})

	for _, confirmed := range []string{"false", `"true"`, "1", "null"} {
		args := `{"answers":{"customer_name":"田中","party_size":2,"requested_date":"2025-12-20","requested_time":"19:00"},"confirmed":` + confirmed + `}`
		res := f.Finalize(context.Background(), defaultCall(), tenant.DefaultFields(), args)
		if res.OK || res.ErrorType != reservation.ErrTypeNotConfirmed {
			t.Errorf("confirmed=%s: result = %+v", confirmed, res)
		}
	}
	if store.count() != 0 {
		t.Errorf("rows = %d, want 0", store.count())
	}
}

func TestFinalize_MissingField(t *testing.T) {
	t.Parallel()

	f := newFinalizer(newMemStore(), &countNotifier{})

	// Absent and explicitly-null answers read the same: the bare label, with
	// no format hint.
	cases := []struct {
		name string
		args string
	}{
		{"absent", `{"answers":{"customer_name":"田中","party_size":2,"requested_date":"2025-12-20"},"confirmed":true}`},
		{"null", `{"answers":{"customer_name":"田中","party_size":2,"requested_date":"2025-12-20","requested_time":null},"confirmed":true}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res := f.Finalize(context.Background(), defaultCall(), tenant.DefaultFields(), tc.args)

			if res.OK || res.ErrorType != reservation.ErrTypeMissingFields {
				t.Fatalf("result = %+v", res)
			}
			if len(res.MissingFields) != 1 || res.MissingFields[0] != "ご希望時間" {
				t.Errorf("missing = %v, want exactly [ご希望時間]", res.MissingFields)
			}
		})
	}
}

func TestFinalize_FormatHints(t *testing.T) {
	t.Parallel()

	f := newFinalizer(newMemStore(), &countNotifier{})

	args := `{"answers":{"customer_name":"  ","party_size":"二名","requested_date":"12/20","requested_time":"7pm"},"confirmed":true}`
	res := f.Finalize(context.Background(), defaultCall(), tenant.DefaultFields(), args)

	if res.ErrorType != reservation.ErrTypeMissingFields || len(res.MissingFields) != 4 {
		t.Fatalf("result = %+v", res)
	}
	joined := strings.Join(res.MissingFields, " ")
	for _, hint := range []string{"YYYY-MM-DD", "HH:MM"} {
		if !strings.Contains(joined, hint) {
			t.Errorf("missing fields lack %q hint: %v", hint, res.MissingFields)
		}
	}
}

func TestFinalize_NumberCoercion(t *testing.T) {
	t.Parallel()

	store := newMemStore()
	f := newFinalizer(store, &countNotifier{})

	// Digit stripping: "4名様" → 4.
	args := `{"answers":{"customer_name":"佐藤","party_size":"4名様","requested_date":"2026-01-02","requested_time":"18:30"},"confirmed":true}`
	res := f.Finalize(context.Background(), defaultCall(), tenant.DefaultFields(), args)
	f.Wait()

	if !res.OK {
		t.Fatalf("result = %+v", res)
	}
	if got := store.rows["C1"].PartySize; got != 4 {
		t.Errorf("party_size = %d, want 4", got)
	}
	if got := store.rows["C1"].Answers["party_size"]; got != 4 {
		t.Errorf("answers.party_size = %v (%T), want int 4", got, got)
	}
}

func TestFinalize_ParseAndStructuralErrors(t *testing.T) {
	t.Parallel()

	f := newFinalizer(newMemStore(), &countNotifier{})
	call := defaultCall()
	fields := tenant.DefaultFields()

	cases := []struct {
		name string
		args string
		code string
	}{
		{"malformed json", `{answers`, reservation.CodeParseError},
		{"answers array", `{"answers":[1,2],"confirmed":true}`, reservation.CodeInvalidAnswersFormat},
		{"answers null", `{"answers":null,"confirmed":true}`, reservation.CodeInvalidAnswersFormat},
		{"answers absent", `{"confirmed":true}`, reservation.CodeInvalidAnswersFormat},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res := f.Finalize(context.Background(), call, fields, tc.args)
			if res.OK || res.ErrorType != reservation.ErrTypeSystem || res.ErrorCode != tc.code {
				t.Errorf("result = %+v, want code %s", res, tc.code)
			}
		})
	}
}

func TestFinalize_NoRequiredFieldsGuard(t *testing.T) {
	t.Parallel()

	f := newFinalizer(newMemStore(), &countNotifier{})
	fields := []tenant.Field{{Key: "note", Label: "備考", Type: tenant.FieldText}}

	res := f.Finalize(context.Background(), defaultCall(), fields, `{"answers":{},"confirmed":true}`)
	if res.ErrorCode != reservation.CodeNoRequiredFields {
		t.Errorf("result = %+v", res)
	}
}

func TestFinalize_DuplicateRace(t *testing.T) {
	t.Parallel()

	store := newMemStore()
	notifier := &countNotifier{}
	f := newFinalizer(store, notifier)
	args := `{"answers":{"customer_name":"田中","party_size":2,"requested_date":"2025-12-20","requested_time":"19:00"},"confirmed":true}`

	var wg sync.WaitGroup
	results := make([]reservation.Result, 2)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = f.Finalize(context.Background(), defaultCall(), tenant.DefaultFields(), args)
		}()
	}
	wg.Wait()
	f.Wait()

	if store.count() != 1 {
		t.Fatalf("rows = %d, want 1", store.count())
	}
	fresh, deduped := 0, 0
	for _, res := range results {
		if !res.OK {
			t.Fatalf("result = %+v", res)
		}
		if res.Deduped {
			deduped++
		} else {
			fresh++
		}
	}
	if fresh != 1 || deduped != 1 {
		t.Errorf("fresh=%d deduped=%d, want 1/1", fresh, deduped)
	}
	if notifier.count() != 1 {
		t.Errorf("notifications = %d, want exactly 1", notifier.count())
	}
}

func TestFinalize_DBInsertFailed(t *testing.T) {
	t.Parallel()

	store := newMemStore()
	store.failAll = true
	notifier := &countNotifier{}
	f := newFinalizer(store, notifier)

	args := `{"answers":{"customer_name":"田中","party_size":2,"requested_date":"2025-12-20","requested_time":"19:00"},"confirmed":true}`
	res := f.Finalize(context.Background(), defaultCall(), tenant.DefaultFields(), args)

	if res.OK || res.ErrorCode != reservation.CodeDBInsertFailed {
		t.Errorf("result = %+v", res)
	}
	if notifier.count() != 0 {
		t.Error("failed insert must not notify")
	}
}

func TestResult_WireShapes(t *testing.T) {
	t.Parallel()

	cases := []struct {
		res  reservation.Result
		want map[string]any
	}{
		{reservation.ResultOK("r1"), map[string]any{"ok": true, "reservation_id": "r1", "deduped": false}},
		{reservation.ResultDeduped(), map[string]any{"ok": true, "deduped": true}},
		{reservation.ResultNotConfirmed(), map[string]any{"ok": false, "error_type": "not_confirmed"}},
		{reservation.ResultSystemError(reservation.CodeParseError), map[string]any{"ok": false, "error_type": "system", "error_code": "PARSE_ERROR"}},
	}
	for _, tc := range cases {
		var got map[string]any
		if err := json.Unmarshal([]byte(tc.res.Wire()), &got); err != nil {
			t.Fatalf("wire not JSON: %v", err)
		}
		if len(got) != len(tc.want) {
			t.Errorf("wire keys = %v, want %v", got, tc.want)
			continue
		}
		for k, v := range tc.want {
			if got[k] != v {
				t.Errorf("wire[%q] = %v, want %v", k, got[k], v)
			}
		}
	}
}
