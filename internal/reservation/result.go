// Package reservation validates, persists, and announces reservations
// committed through the finalize_reservation tool.
package reservation

import "encoding/json"

// Error taxonomy returned to the model. error_type selects the conversational
// branch; error_code distinguishes system failures for operators.
const (
	ErrTypeSystem        = "system"
	ErrTypeNotConfirmed  = "not_confirmed"
	ErrTypeMissingFields = "missing_fields"

	CodeParseError           = "PARSE_ERROR"
	CodeNoRequiredFields     = "NO_REQUIRED_FIELDS"
	CodeInvalidAnswersFormat = "INVALID_ANSWERS_FORMAT"
	CodeDBInsertFailed       = "DB_INSERT_FAILED"
)

// Result is the tool output handed back to the model. Exactly one of the
// constructor helpers below builds each branch; the wire shape differs
// between success and failure, so marshalling is customised.
type Result struct {
	OK            bool
	ReservationID string
	Deduped       bool
	ErrorType     string
	ErrorCode     string
	MissingFields []string
}

// ResultOK reports a fresh successful insert.
func ResultOK(id string) Result {
	return Result{OK: true, ReservationID: id}
}

// ResultDeduped reports that a reservation for this call already existed.
func ResultDeduped() Result {
	return Result{OK: true, Deduped: true}
}

// ResultNotConfirmed asks the model to re-confirm with the caller.
func ResultNotConfirmed() Result {
	return Result{OK: false, ErrorType: ErrTypeNotConfirmed}
}

// ResultMissingFields lists the field labels the model must re-collect.
func ResultMissingFields(labels []string) Result {
	return Result{OK: false, ErrorType: ErrTypeMissingFields, MissingFields: labels}
}

// ResultSystemError reports an unrecoverable failure; the model apologises
// and does not ask the caller to retry.
func ResultSystemError(code string) Result {
	return Result{OK: false, ErrorType: ErrTypeSystem, ErrorCode: code}
}

// MarshalJSON emits the tool-facing wire shape:
//
//	{"ok":true,"reservation_id":"…","deduped":false}
//	{"ok":false,"error_type":"missing_fields","missing_fields":["…"]}
func (r Result) MarshalJSON() ([]byte, error) {
	m := map[string]any{"ok": r.OK}
	if r.OK {
		m["deduped"] = r.Deduped
		if r.ReservationID != "" {
			m["reservation_id"] = r.ReservationID
		}
	} else {
		m["error_type"] = r.ErrorType
		if r.ErrorCode != "" {
			m["error_code"] = r.ErrorCode
		}
		if len(r.MissingFields) > 0 {
			m["missing_fields"] = r.MissingFields
		}
	}
	return json.Marshal(m)
}

// Wire returns the JSON-stringified result sent as function_call_output.
func (r Result) Wire() string {
	data, err := json.Marshal(r)
	if err != nil {
		// Result only contains marshal-safe types.
		return `{"ok":false,"error_type":"system","error_code":"PARSE_ERROR"}`
	}
	return string(data)
}
