// Package normalize converts raw trial-result records into canonical event
// rows. It performs no I/O; the only side effects are on the session it is
// bound to (row sequence and user-agent-once).
package normalize

import (
	"fmt"
	"log/slog"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/trustdoors/trustdoors/internal/session"
	"github.com/trustdoors/trustdoors/pkg/types"
)

// ClientTimeLayout is the layout of ts_client.
const ClientTimeLayout = "2006-01-02T15:04:05.000Z07:00"

// DefaultScaleMax is the assumed top of a questionnaire rating scale.
const DefaultScaleMax = 7.0

// ignoredTrialTypes are pure instructional or transition screens.
var ignoredTrialTypes = map[string]struct{}{
	"instructions":           {},
	"fade_transition":        {},
	"html-keyboard-response": {},
	"preload":                {},
	"fullscreen":             {},
	"call-function":          {},
	"loading":                {},
	"transition":             {},
	"fixation":               {},
}

var questionnaireTags = map[string]string{
	"questionnaire":            types.EventQuestionnaire,
	"survey":                   types.EventQuestionnaire,
	"survey-likert":            types.EventQuestionnaire,
	"survey-multi-choice":      types.EventQuestionnaire,
	"survey-text":              types.EventQuestionnaire,
	"demographics":             types.EventDemographics,
	"post_questionnaire":       types.EventQuestionnairePost,
	"ati_questionnaire":        types.EventQuestionnaireATI,
	"propensity_questionnaire": types.EventQuestionnairePropensity,
}

var groundTruthFields = []string{"ground_truth", "correct_door", "truth", "gt"}

var assetFields = map[string]struct{}{
	"image":      {},
	"stimulus":   {},
	"door_image": {},
	"avatar":     {},
	"asset":      {},
}

// Normalizer builds event rows for one session.
type Normalizer struct {
	session *session.Session
	device  Device
	now     func() time.Time
	logger  *slog.Logger
}

// Option configures a Normalizer.
type Option func(*Normalizer)

// WithClock overrides the clock used for ts_client.
func WithClock(now func() time.Time) Option {
	return func(n *Normalizer) { n.now = now }
}

// WithLogger sets the diagnostic logger.
func WithLogger(l *slog.Logger) Option {
	return func(n *Normalizer) { n.logger = l }
}

// New creates a normalizer bound to a session.
func New(sess *session.Session, opts ...Option) *Normalizer {
	n := &Normalizer{
		session: sess,
		device:  ClassifyUserAgent(sess.UserAgent()),
		now:     time.Now,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(n)
	}
	n.logger = n.logger.With("component", "normalize")
	return n
}

// Normalize converts a slice of raw results, dropping records that are
// filtered out or cannot be classified.
func (n *Normalizer) Normalize(raws []types.RawResult) []types.Row {
	rows := make([]types.Row, 0, len(raws))
	for _, raw := range raws {
		if row, ok := n.NormalizeOne(raw); ok {
			rows = append(rows, row)
		}
	}
	return rows
}

// NormalizeOne converts a single raw result. ok is false when the record is
// dropped. It never panics.
func (n *Normalizer) NormalizeOne(raw types.RawResult) (row types.Row, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			n.logger.Warn("dropping record that failed to normalize", "panic", fmt.Sprint(r))
			row, ok = nil, false
		}
	}()

	if raw == nil {
		return nil, false
	}

	trialType := stringField(raw, types.FieldTrialType)
	if _, ignored := ignoredTrialTypes[trialType]; ignored {
		return nil, false
	}
	if truthy(raw["is_demo"]) || truthy(raw["demo"]) {
		return nil, false
	}

	eventType := ResolveEventType(raw)
	if !types.IsAllowedEvent(eventType) {
		n.logger.Debug("dropping record outside allow-list", "event_type", eventType, "trial_type", trialType)
		return nil, false
	}

	row = make(types.Row, len(raw)+12)
	for k, v := range raw {
		row[k] = flatten(v)
	}
	stripAssetPaths(raw, row)

	row[types.FieldEventType] = eventType
	row[types.FieldTrialType] = trialType
	row[types.FieldSessionID] = n.session.ID()
	row[types.FieldParticipantID] = n.session.ParticipantID()
	if v := n.session.AppVersion(); v != "" {
		row[types.FieldAppVersion] = v
	}

	seq := n.session.NextSeq()
	row[types.FieldSeq] = seq
	row[types.FieldRowID] = n.session.RowID(seq)
	row[types.FieldClientTime] = n.now().UTC().Format(ClientTimeLayout)

	deriveReactionTime(raw, row)
	followed := deriveFollowed(raw, row)
	deriveRisk(raw, row)
	var score *float64
	if types.IsQuestionnaireEvent(eventType) || present(raw, "answers") {
		score = deriveQuestionnaire(raw, row)
	}
	deriveResponse(eventType, raw, row, followed, score)

	row[types.FieldDeviceType] = n.device.Type
	row[types.FieldBrowserName] = n.device.BrowserName
	row[types.FieldBrowserMajor] = n.device.BrowserMajor
	if n.session.UserAgent() != "" && n.session.ClaimUserAgent() {
		row[types.FieldUserAgent] = n.session.UserAgent()
	} else {
		row[types.FieldUserAgent] = nil
	}

	return row, true
}

// ResolveEventType classifies a raw record. Explicitly stamped types win;
// otherwise the type is inferred from the record's shape.
func ResolveEventType(raw types.RawResult) string {
	if et := stringField(raw, types.FieldEventType); et != "" {
		return et
	}

	trialType := stringField(raw, types.FieldTrialType)
	if trialType == types.EventDoorTrial || present(raw, groundTruthFields...) {
		return types.EventDoorTrial
	}

	switch trialType {
	case "trust_probe":
		return types.EventTrustProbeMid
	case "reviews_set":
		return types.EventReputationItem
	case "reputation_probe":
		return types.EventReputationProbe
	}
	if et, ok := questionnaireTags[trialType]; ok {
		return et
	}
	if present(raw, "questionnaire_score", "score_percent", "answers", "responses") {
		return types.EventQuestionnaire
	}
	return trialType
}

func deriveReactionTime(raw types.RawResult, row types.Row) {
	if present(raw, types.FieldRTms) {
		return
	}
	if s, ok := toFloat(raw["rt_s"]); ok {
		row[types.FieldRTms] = int64(round(s*1000, 0))
		return
	}
	if ms, ok := toFloat(raw["rt"]); ok {
		row[types.FieldRTms] = int64(round(ms, 0))
	}
}

// deriveFollowed returns the followed flag, nil when it cannot be determined.
func deriveFollowed(raw types.RawResult, row types.Row) *bool {
	if b, ok := toBool(raw[types.FieldFollowed]); ok {
		row[types.FieldFollowed] = b
		return &b
	}
	if !present(raw, "choice") || !present(raw, "suggestion") {
		return nil
	}
	f := toText(raw["choice"]) == toText(raw["suggestion"])
	row[types.FieldFollowed] = f
	return &f
}

func deriveCorrect(raw types.RawResult) *bool {
	if b, ok := toBool(raw["correct"]); ok {
		return &b
	}
	if !present(raw, "choice") {
		return nil
	}
	for _, k := range groundTruthFields {
		if v, ok := raw[k]; ok && v != nil {
			c := toText(raw["choice"]) == toText(v)
			return &c
		}
	}
	return nil
}

func deriveRisk(raw types.RawResult, row types.Row) {
	if present(raw, types.FieldRiskKey) || present(raw, types.FieldRiskValue) {
		if v, ok := raw[types.FieldRiskKey]; ok {
			row[types.FieldRiskKey] = flatten(v)
		}
		if v, ok := raw[types.FieldRiskValue]; ok {
			row[types.FieldRiskValue] = flatten(v)
		}
		return
	}

	override, ok := asObject(raw["risk_override"])
	if !ok {
		return
	}
	for _, pair := range [][2]string{{"risk_key", "risk_value"}, {"key", "value"}} {
		k, hasKey := override[pair[0]]
		v, hasValue := override[pair[1]]
		if hasKey || hasValue {
			row[types.FieldRiskKey] = flatten(k)
			row[types.FieldRiskValue] = flatten(v)
			return
		}
	}
}

// deriveQuestionnaire extracts answer pairs and a percent score. It returns
// the score, nil when none is available.
func deriveQuestionnaire(raw types.RawResult, row types.Row) *float64 {
	answers, ok := asObject(raw["answers"])
	if !ok {
		answers, ok = asObject(raw["response"])
	}
	if !ok {
		if s, has := toFloat(raw[types.FieldScore]); has {
			row[types.FieldScore] = s
			return &s
		}
		if s, has := toFloat(raw["score_percent"]); has {
			return &s
		}
		return nil
	}

	qids := make([]string, 0, len(answers))
	for qid := range answers {
		qids = append(qids, qid)
	}
	sort.Strings(qids)

	pairs := make([][2]any, 0, len(qids))
	var sum float64
	var numeric int
	for _, qid := range qids {
		answer := answers[qid]
		pairs = append(pairs, [2]any{qid, answer})
		if f, ok := toFloat(answer); ok {
			sum += f
			numeric++
		}
	}
	row[types.FieldQAPairs] = jsonText(pairs)

	if numeric == 0 {
		return nil
	}
	scaleMax := DefaultScaleMax
	if m, ok := toFloat(raw["scale_max"]); ok && m > 0 {
		scaleMax = m
	}
	score := round(sum/float64(numeric)/scaleMax*100, 2)
	row[types.FieldScore] = score
	return &score
}

func deriveResponse(eventType string, raw types.RawResult, row types.Row, followed *bool, score *float64) {
	switch {
	case eventType == types.EventDoorTrial:
		row[types.FieldResponse] = jsonText(struct {
			Followed *bool `json:"followed"`
			Correct  *bool `json:"correct"`
		}{followed, deriveCorrect(raw)})

	case types.IsProbeEvent(eventType):
		for _, k := range []string{"value", "response", "rating", "slider"} {
			if f, ok := toFloat(raw[k]); ok {
				row[types.FieldResponse] = f
				return
			}
		}

	case types.IsQuestionnaireEvent(eventType):
		if score != nil {
			row[types.FieldResponse] = *score
			return
		}
		if v, ok := raw["responses"]; ok {
			row[types.FieldResponse] = flatten(v)
		}
	}
}

func isAssetField(key string) bool {
	if _, ok := assetFields[key]; ok {
		return true
	}
	return strings.HasSuffix(key, "_img") || strings.HasSuffix(key, "_image")
}

func stripAssetPaths(raw types.RawResult, row types.Row) {
	for k, v := range raw {
		if !isAssetField(k) {
			continue
		}
		switch t := v.(type) {
		case string:
			row[k] = BaseFilename(t)
		case []any:
			out := make([]any, len(t))
			for i, item := range t {
				if s, ok := item.(string); ok {
					out[i] = BaseFilename(s)
				} else {
					out[i] = item
				}
			}
			row[k] = jsonText(out)
		}
	}
}

// BaseFilename reduces an asset reference to its bare filename. Markup is
// returned unchanged.
func BaseFilename(ref string) string {
	if strings.ContainsAny(ref, "<>") {
		return ref
	}
	if i := strings.IndexAny(ref, "?#"); i >= 0 {
		ref = ref[:i]
	}
	ref = strings.ReplaceAll(ref, `\`, "/")
	if !strings.Contains(ref, "/") {
		return ref
	}
	return path.Base(ref)
}
