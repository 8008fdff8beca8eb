// Package types provides core data types for the Trust Doors event log.
package types

import (
	"encoding/json"
	"sort"
)

// Canonical event row field names.
const (
	FieldSessionID     = "session_id"
	FieldParticipantID = "participant_id"
	FieldRowID         = "row_id"
	FieldSeq           = "ts_seq"
	FieldEventType     = "event_type"
	FieldTrialType     = "trial_type"
	FieldClientTime    = "ts_client"
	FieldAppVersion    = "app_version"
	FieldUserAgent     = "user_agent"
	FieldDeviceType    = "device_type"
	FieldBrowserName   = "browser_name"
	FieldBrowserMajor  = "browser_major"
	FieldResponse      = "response"
	FieldFollowed      = "followed"
	FieldRTms          = "rt_ms"
	FieldRiskKey       = "risk_key"
	FieldRiskValue     = "risk_value"
	FieldQAPairs       = "qa_pairs"
	FieldScore         = "questionnaire_score"
)

// RawResult is a trial-result record as produced by the experiment timeline.
// Its shape varies by trial type.
type RawResult map[string]any

// Row is a normalized event row: a flat mapping of field name to a
// primitive or JSON-encoded value.
type Row map[string]any

// EventType returns the row's canonical event classification.
func (r Row) EventType() string {
	s, _ := r[FieldEventType].(string)
	return s
}

// SessionID returns the row's session identifier.
func (r Row) SessionID() string {
	s, _ := r[FieldSessionID].(string)
	return s
}

// ParticipantID returns the row's participant identifier.
func (r Row) ParticipantID() string {
	s, _ := r[FieldParticipantID].(string)
	return s
}

// RowID returns the row identifier, empty when no sequence was stamped.
func (r Row) RowID() string {
	s, _ := r[FieldRowID].(string)
	return s
}

// Clone returns a shallow copy of the row.
func (r Row) Clone() Row {
	out := make(Row, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Keys returns the row's field names in sorted order.
func (r Row) Keys() []string {
	keys := make([]string, 0, len(r))
	for k := range r {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Batch is the wire envelope for a group of rows: {"rows": [...]}.
type Batch struct {
	Rows []Row `json:"rows"`
}

// EncodeBatch serializes rows into the wire envelope.
func EncodeBatch(rows []Row) ([]byte, error) {
	if rows == nil {
		rows = []Row{}
	}
	return json.Marshal(Batch{Rows: rows})
}

// DecodeBatch parses a wire envelope.
func DecodeBatch(data []byte) ([]Row, error) {
	var b Batch
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, err
	}
	return b.Rows, nil
}
