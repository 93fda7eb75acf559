// Package feedback implements the append-only feedback log and its rolling
// per-target summaries.
package feedback

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/autonomy-core/internal/observability"
	"github.com/haasonsaas/autonomy-core/internal/persist"
	"github.com/haasonsaas/autonomy-core/pkg/autonomy"
)

// Category buckets a FeedbackEntry for aggregation and metrics. It is a
// quality dimension ("what aspect of the system is being judged"), distinct
// from FeedbackEntry.TargetType ("what kind of thing is being judged").  A
// caller selects one by setting entry.Metadata["category"]; entries that
// omit it, or name something outside this list, fall into
// categoryUnspecified rather than being misfiled under a recognized one.
type Category string

const (
	CategoryResponseQuality  Category = "response_quality"
	CategoryReasoningQuality Category = "reasoning_quality"
	CategoryHallucination    Category = "hallucination"
	CategoryToolUsage        Category = "tool_usage"
	CategoryTaskCompletion   Category = "task_completion"
	CategoryPerformance      Category = "performance"

	categoryUnspecified Category = "unspecified"
)

// categoryFor extracts the recognized Category from an entry's metadata, or
// categoryUnspecified if it's absent or unrecognized.
func categoryFor(entry *autonomy.FeedbackEntry) Category {
	raw, ok := entry.Metadata["category"]
	if !ok {
		return categoryUnspecified
	}
	s, ok := raw.(string)
	if !ok {
		return categoryUnspecified
	}
	switch c := Category(s); c {
	case CategoryResponseQuality, CategoryReasoningQuality, CategoryHallucination,
		CategoryToolUsage, CategoryTaskCompletion, CategoryPerformance:
		return c
	default:
		return categoryUnspecified
	}
}

// sampleRingCapacity bounds the latency/token sample rings kept per
// category so long-running processes don't grow these unboundedly.
const sampleRingCapacity = 1000

type snapshot struct {
	Entries   []*autonomy.FeedbackEntry            `json:"entries"`
	Summaries map[string]*autonomy.FeedbackSummary `json:"summaries"`
	Samples   map[Category]*ring                   `json:"samples"`
	Counters  map[Category]*categoryMetrics        `json:"counters"`
	Timestamp time.Time                            `json:"timestamp"`
}

// categoryMetrics accumulates the raw per-category counters that
// DerivedMetrics computes rates from on read. Every field is folded once by
// Append; none of them is ever read back down, only up.
type categoryMetrics struct {
	Count             int     `json:"count"`
	Sum               float64 `json:"sum"`
	HighQualityCount  int     `json:"high_quality_count"`
	InvalidStepsCount int     `json:"invalid_steps_count"`
	DetectedCount     int     `json:"detected_count"`
	SeveritySum       float64 `json:"severity_sum"`
	AppropriateCount  int     `json:"appropriate_count"`
	SuccessfulCount   int     `json:"successful_count"`
	FailedCount       int     `json:"failed_count"`
}

// DerivedMetrics is the read surface over one category's categoryMetrics:
// the percentages a caller actually wants, computed fresh rather than kept
// in sync on every write. Only the fields meaningful for the category they
// came from are populated; the rest are left at zero.
type DerivedMetrics struct {
	Count int `json:"count"`

	AverageScore          float64 `json:"average_score,omitempty"`
	HighQualityPercentage float64 `json:"high_quality_percentage,omitempty"`
	InvalidStepsRate      float64 `json:"invalid_steps_rate,omitempty"`

	DetectionRate   float64 `json:"detection_rate,omitempty"`
	AverageSeverity float64 `json:"average_severity,omitempty"`

	AppropriateUsageRate float64 `json:"appropriate_usage_rate,omitempty"`
	SuccessRate          float64 `json:"success_rate,omitempty"`
	FailureRate          float64 `json:"failure_rate,omitempty"`
}

// deriveCategory computes DerivedMetrics from a category's raw counters, or
// reports ok=false if nothing has been recorded for it yet (mirroring the
// source's "if count > 0" guard per category).
func deriveCategory(category Category, m categoryMetrics) (DerivedMetrics, bool) {
	if m.Count == 0 {
		return DerivedMetrics{}, false
	}
	out := DerivedMetrics{Count: m.Count}
	switch category {
	case CategoryResponseQuality:
		out.AverageScore = m.Sum / float64(m.Count)
		out.HighQualityPercentage = percent(m.HighQualityCount, m.Count)
	case CategoryReasoningQuality:
		out.AverageScore = m.Sum / float64(m.Count)
		out.HighQualityPercentage = percent(m.HighQualityCount, m.Count)
		out.InvalidStepsRate = percent(m.InvalidStepsCount, m.Count)
	case CategoryHallucination:
		out.DetectionRate = percent(m.DetectedCount, m.Count)
		out.AverageSeverity = m.SeveritySum / float64(max(1, m.DetectedCount))
	case CategoryToolUsage:
		out.AppropriateUsageRate = percent(m.AppropriateCount, m.Count)
		out.SuccessRate = percent(m.SuccessfulCount, max(1, m.AppropriateCount))
		out.FailureRate = percent(m.FailedCount, max(1, m.AppropriateCount))
	case CategoryTaskCompletion:
		out.SuccessRate = percent(m.SuccessfulCount, m.Count)
		out.FailureRate = percent(m.FailedCount, m.Count)
	}
	return out, true
}

func percent(n, d int) float64 {
	if d == 0 {
		return 0
	}
	return float64(n) / float64(d) * 100
}

// severityScores maps the FeedbackSeverity enum (spec.md §4.8) onto the
// same numeric scale the source uses for a severity-less detection.
var severityScores = map[string]float64{
	"low":      0.25,
	"medium":   0.5,
	"high":     0.75,
	"critical": 1.0,
}

// severityFlag extracts a hallucination's severity from entry metadata: a
// numeric value is used as-is, a recognized string enum is mapped through
// severityScores, and anything absent or unrecognized defaults to medium.
func severityFlag(meta map[string]any) float64 {
	const defaultSeverity = 0.5
	v, ok := meta["severity"]
	if !ok {
		return defaultSeverity
	}
	switch s := v.(type) {
	case float64:
		return s
	case float32:
		return float64(s)
	case int:
		return float64(s)
	case string:
		if score, ok := severityScores[s]; ok {
			return score
		}
	}
	return defaultSeverity
}

// boolFlag reads a bool out of entry metadata, defaulting when absent or of
// the wrong type.
func boolFlag(meta map[string]any, key string, def bool) bool {
	v, ok := meta[key]
	if !ok {
		return def
	}
	b, ok := v.(bool)
	if !ok {
		return def
	}
	return b
}

// hasInvalidSteps reports whether metadata carries a non-empty
// "invalid_steps" list, in either its native []string form or the []any
// shape a JSON round trip produces.
func hasInvalidSteps(meta map[string]any) bool {
	switch v := meta["invalid_steps"].(type) {
	case []string:
		return len(v) > 0
	case []any:
		return len(v) > 0
	default:
		return false
	}
}

// ring is a fixed-capacity circular buffer of float64 samples, used to keep
// a bounded recent-latency/token history per category without unbounded
// growth.
type ring struct {
	Values []float64 `json:"values"`
	Next   int       `json:"next"`
	Full   bool      `json:"full"`
}

func newRing() *ring {
	return &ring{Values: make([]float64, sampleRingCapacity)}
}

func (r *ring) add(v float64) {
	r.Values[r.Next] = v
	r.Next = (r.Next + 1) % sampleRingCapacity
	if r.Next == 0 {
		r.Full = true
	}
}

func (r *ring) snapshot() []float64 {
	if !r.Full {
		out := make([]float64, r.Next)
		copy(out, r.Values[:r.Next])
		return out
	}
	out := make([]float64, sampleRingCapacity)
	copy(out, r.Values[r.Next:])
	copy(out[sampleRingCapacity-r.Next:], r.Values[:r.Next])
	return out
}

// Sink is the append-only feedback log: every Append call records an entry
// and folds it into the running summary for its target, plus a bounded
// sample ring when Content carries a numeric measurement for a known
// category.
type Sink struct {
	mu        sync.Mutex
	entries   []*autonomy.FeedbackEntry
	byID      map[string]*autonomy.FeedbackEntry
	summaries map[string]*autonomy.FeedbackSummary
	samples   map[Category]*ring
	counters  map[Category]*categoryMetrics

	path    string
	logger  *slog.Logger
	metrics *observability.Metrics
	now     func() time.Time
}

// New creates a Sink. If dir is non-empty, entries persist to
// <dir>/feedback.json.
func New(dir string, logger *slog.Logger, metrics *observability.Metrics) (*Sink, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Sink{
		byID:      make(map[string]*autonomy.FeedbackEntry),
		summaries: make(map[string]*autonomy.FeedbackSummary),
		samples:   make(map[Category]*ring),
		counters:  make(map[Category]*categoryMetrics),
		logger:    logger.With("component", "feedback"),
		metrics:   metrics,
		now:       time.Now,
	}
	if dir != "" {
		s.path = filepath.Join(dir, "feedback.json")
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Sink) load() error {
	if s.path == "" {
		return nil
	}
	var snap snapshot
	if err := persist.LoadJSON(s.path, &snap); err != nil {
		s.logger.Warn("feedback snapshot failed to load, starting empty", "error", err)
		return nil
	}
	for _, e := range snap.Entries {
		s.entries = append(s.entries, e)
		s.byID[e.ID] = e
	}
	for target, sum := range snap.Summaries {
		s.summaries[target] = sum
	}
	for cat, r := range snap.Samples {
		s.samples[cat] = r
	}
	for cat, c := range snap.Counters {
		s.counters[cat] = c
	}
	return nil
}

func (s *Sink) save() error {
	s.mu.Lock()
	snap := snapshot{
		Entries:   append([]*autonomy.FeedbackEntry(nil), s.entries...),
		Summaries: make(map[string]*autonomy.FeedbackSummary, len(s.summaries)),
		Samples:   make(map[Category]*ring, len(s.samples)),
		Counters:  make(map[Category]*categoryMetrics, len(s.counters)),
		Timestamp: s.now(),
	}
	for target, sum := range s.summaries {
		snap.Summaries[target] = sum
	}
	for cat, r := range s.samples {
		snap.Samples[cat] = r
	}
	for cat, c := range s.counters {
		clone := *c
		snap.Counters[cat] = &clone
	}
	s.mu.Unlock()

	if s.path == "" {
		return nil
	}
	if err := persist.SaveJSON(s.path, snap); err != nil {
		if s.metrics != nil {
			s.metrics.RecordPersistenceError("feedback")
		}
		return fmt.Errorf("%w: %v", autonomy.ErrPersistence, err)
	}
	return nil
}

// summaryKey identifies one target's rolling summary.
func summaryKey(targetType, targetID string) string {
	return targetType + ":" + targetID
}

// Append records a new feedback entry, folds it into the target's summary,
// and (for a numeric Content on a recognized Category) records it in that
// category's bounded sample ring.
func (s *Sink) Append(entry *autonomy.FeedbackEntry) (*autonomy.FeedbackEntry, error) {
	if entry.TargetID == "" {
		return nil, fmt.Errorf("%w: feedback target_id must not be empty", autonomy.ErrInvalidArgument)
	}
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = s.now()
	}

	s.mu.Lock()
	s.entries = append(s.entries, entry)
	s.byID[entry.ID] = entry

	key := summaryKey(entry.TargetType, entry.TargetID)
	sum, ok := s.summaries[key]
	if !ok {
		sum = &autonomy.FeedbackSummary{TargetID: entry.TargetID, TargetType: entry.TargetType}
		s.summaries[key] = sum
	}
	sum.Apply(entry)

	var (
		hasRating bool
		rating    float64
		category  = categoryFor(entry)
	)
	if entry.Kind == autonomy.FeedbackRating {
		if v, ok := numericContent(entry.Content); ok {
			hasRating = true
			rating = v
			r, exists := s.samples[category]
			if !exists {
				r = newRing()
				s.samples[category] = r
			}
			r.add(v)
		}
	}

	counters, ok := s.counters[category]
	if !ok {
		counters = &categoryMetrics{}
		s.counters[category] = counters
	}
	applyCounters(counters, category, entry, hasRating, rating)
	derived, hasDerived := deriveCategory(category, *counters)
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.RecordFeedback(string(category), string(entry.Kind), rating, hasRating)
		if hasDerived {
			recordDerived(s.metrics, category, derived)
		}
	}

	if err := s.save(); err != nil {
		return nil, err
	}
	return entry, nil
}

// applyCounters folds one entry into its category's raw counters, mirroring
// feedback_logger.py's per-category log_* methods. Callers must hold s.mu.
func applyCounters(c *categoryMetrics, category Category, entry *autonomy.FeedbackEntry, hasRating bool, rating float64) {
	meta := entry.Metadata
	c.Count++

	switch category {
	case CategoryResponseQuality, CategoryReasoningQuality:
		if hasRating {
			c.Sum += rating
		}
		if boolFlag(meta, "is_high_quality", false) {
			c.HighQualityCount++
		}
		if category == CategoryReasoningQuality && hasInvalidSteps(meta) {
			c.InvalidStepsCount++
		}
	case CategoryHallucination:
		if boolFlag(meta, "hallucination_detected", false) {
			c.DetectedCount++
			c.SeveritySum += severityFlag(meta)
		}
	case CategoryToolUsage:
		if boolFlag(meta, "is_appropriate", false) {
			c.AppropriateCount++
			if boolFlag(meta, "is_successful", false) {
				c.SuccessfulCount++
			} else {
				c.FailedCount++
			}
		}
	case CategoryTaskCompletion:
		if boolFlag(meta, "is_successful", false) {
			c.SuccessfulCount++
		} else {
			c.FailedCount++
		}
	}
}

func recordDerived(metrics *observability.Metrics, category Category, d DerivedMetrics) {
	name := string(category)
	record := func(metric string, value float64) {
		if value != 0 {
			metrics.RecordDerivedFeedbackMetric(name, metric, value)
		}
	}
	record("average_score", d.AverageScore)
	record("high_quality_percentage", d.HighQualityPercentage)
	record("invalid_steps_rate", d.InvalidStepsRate)
	record("detection_rate", d.DetectionRate)
	record("average_severity", d.AverageSeverity)
	record("appropriate_usage_rate", d.AppropriateUsageRate)
	record("success_rate", d.SuccessRate)
	record("failure_rate", d.FailureRate)
}

// GetMetrics returns the derived percentages for one category, computed
// fresh from its raw counters, or ok=false if nothing has been recorded for
// it yet.
func (s *Sink) GetMetrics(category Category) (DerivedMetrics, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.counters[category]
	if !ok {
		return DerivedMetrics{}, false
	}
	return deriveCategory(category, *c)
}

// GetAllMetrics returns the derived percentages for every category that has
// at least one recorded entry.
func (s *Sink) GetAllMetrics() map[Category]DerivedMetrics {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[Category]DerivedMetrics, len(s.counters))
	for category, c := range s.counters {
		if derived, ok := deriveCategory(category, *c); ok {
			out[category] = derived
		}
	}
	return out
}

func numericContent(content any) (float64, bool) {
	switch v := content.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	default:
		return 0, false
	}
}

// Summary returns a copy of the rolling summary for a target, if any
// feedback has been recorded for it.
func (s *Sink) Summary(targetType, targetID string) (*autonomy.FeedbackSummary, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sum, ok := s.summaries[summaryKey(targetType, targetID)]
	if !ok {
		return nil, false
	}
	clone := *sum
	clone.FeedbackIDs = append([]string(nil), sum.FeedbackIDs...)
	return &clone, true
}

// List returns every feedback entry for a target, oldest first. If
// targetID is empty, every entry is returned regardless of target.
func (s *Sink) List(targetType, targetID string) []*autonomy.FeedbackEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*autonomy.FeedbackEntry, 0, len(s.entries))
	for _, e := range s.entries {
		if targetID != "" && (e.TargetID != targetID || e.TargetType != targetType) {
			continue
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Samples returns a copy of the bounded recent-value ring for a category,
// oldest first. Used for ad hoc percentile/latency inspection without
// holding every entry ever recorded.
func (s *Sink) Samples(category Category) []float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.samples[category]
	if !ok {
		return nil
	}
	return r.snapshot()
}

// Get returns a single entry by id.
func (s *Sink) Get(id string) (*autonomy.FeedbackEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.byID[id]
	return e, ok
}

// Len returns the total number of recorded entries.
func (s *Sink) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
