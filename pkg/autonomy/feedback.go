package autonomy

import "time"

// FeedbackKind is the kind of observation a FeedbackEntry records.
type FeedbackKind string

const (
	FeedbackLike        FeedbackKind = "like"
	FeedbackDislike     FeedbackKind = "dislike"
	FeedbackRating      FeedbackKind = "rating"
	FeedbackCorrection  FeedbackKind = "correction"
	FeedbackImprovement FeedbackKind = "improvement"
	FeedbackComment     FeedbackKind = "comment"
	FeedbackSelected    FeedbackKind = "selected"
	FeedbackRejected    FeedbackKind = "rejected"
)

// FeedbackSource identifies who or what produced a FeedbackEntry.
type FeedbackSource string

const (
	SourceUser   FeedbackSource = "user"
	SourceSystem FeedbackSource = "system"
	SourceAgent  FeedbackSource = "agent"
	SourceMetric FeedbackSource = "metric"
)

// FeedbackEntry is an append-only observation about a target (typically a
// task or a response).
type FeedbackEntry struct {
	ID         string         `json:"id"`
	Kind       FeedbackKind   `json:"type"`
	Source     FeedbackSource `json:"source"`
	Content    any            `json:"content,omitempty"`
	Context    map[string]any `json:"context,omitempty"`
	TargetID   string         `json:"target_id,omitempty"`
	TargetType string         `json:"target_type,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// FeedbackSummary is the rolling aggregate for one target, updated on every
// append: count, positive/negative counts, a running average for RATING
// entries, and the most recent entry's id.
type FeedbackSummary struct {
	TargetID         string         `json:"target_id"`
	TargetType       string         `json:"target_type"`
	Count            int            `json:"count"`
	PositiveCount    int            `json:"positive_count"`
	NegativeCount    int            `json:"negative_count"`
	AverageRating    *float64       `json:"average_rating,omitempty"`
	LatestFeedbackID string         `json:"latest_feedback_id,omitempty"`
	FeedbackIDs      []string       `json:"feedback_ids,omitempty"`
	Metadata         map[string]any `json:"metadata,omitempty"`
}

// Apply folds one new entry into the summary in place, following the
// running-mean update used for RATING content:
// avg += (value - avg) / count.
func (s *FeedbackSummary) Apply(entry *FeedbackEntry) {
	s.Count++
	s.FeedbackIDs = append(s.FeedbackIDs, entry.ID)
	s.LatestFeedbackID = entry.ID

	switch entry.Kind {
	case FeedbackLike, FeedbackSelected:
		s.PositiveCount++
	case FeedbackDislike, FeedbackRejected:
		s.NegativeCount++
	}

	if entry.Kind == FeedbackRating {
		if value, ok := numericContent(entry.Content); ok {
			if s.AverageRating == nil {
				avg := value
				s.AverageRating = &avg
			} else {
				avg := *s.AverageRating + (value-*s.AverageRating)/float64(s.Count)
				s.AverageRating = &avg
			}
		}
	}
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
