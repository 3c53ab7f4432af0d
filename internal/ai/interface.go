package ai

import (
	"context"
	"time"
)

// TimeReasoner compares two delivery-time preferences written in free text.
// Callers must treat any error as "no opinion" and fall back to their own rules.
type TimeReasoner interface {
	CompareTimes(ctx context.Context, timeA, timeB string, now time.Time) (*TimeVerdict, error)
}
