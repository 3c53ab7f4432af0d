// README: Time compatibility service; consults the reasoner for free text and falls back to the rule table.
package timecompat

import (
	"context"
	"log/slog"
	"time"

	"pangea/internal/ai"
	"pangea/internal/metrics"
	"pangea/internal/types"
)

// Quota meters reasoner calls per requester.
type Quota interface {
	UseToken(ctx context.Context, uid string) error
}

type Service struct {
	reasoner ai.TimeReasoner
	quota    Quota
	timeout  time.Duration
	loc      *time.Location
	now      func() time.Time
	log      *slog.Logger
	metrics  *metrics.Metrics
}

type Options struct {
	Reasoner ai.TimeReasoner
	Quota    Quota
	Timeout  time.Duration
	Location *time.Location
	Logger   *slog.Logger
	Metrics  *metrics.Metrics
}

func NewService(opts Options) *Service {
	s := &Service{
		reasoner: opts.Reasoner,
		quota:    opts.Quota,
		timeout:  opts.Timeout,
		loc:      opts.Location,
		now:      time.Now,
		log:      opts.Logger,
		metrics:  opts.Metrics,
	}
	if s.timeout <= 0 {
		s.timeout = 8 * time.Second
	}
	if s.loc == nil {
		s.loc = time.UTC
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	return s
}

// Compatible never fails: canonical inputs are decided by the rule table, other
// inputs go to the reasoner when one is configured and the requester has budget,
// and every reasoner failure lands back on the rule table, which fails closed.
func (s *Service) Compatible(ctx context.Context, requester types.ID, a, b string) Result {
	now := s.now().In(s.loc)
	if canonical(a) && canonical(b) {
		return Evaluate(a, b, now)
	}
	if s.reasoner == nil {
		s.metrics.ReasonerFallback("no_reasoner")
		return Evaluate(a, b, now)
	}
	if s.quota != nil {
		if err := s.quota.UseToken(ctx, string(requester)); err != nil {
			s.log.Info("time reasoner skipped", "user_id", requester, "error", err)
			s.metrics.ReasonerFallback("quota")
			return Evaluate(a, b, now)
		}
	}

	rctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	v, err := s.reasoner.CompareTimes(rctx, a, b, now)
	if err != nil {
		s.log.Warn("time reasoner failed, using rules", "time_a", a, "time_b", b, "error", err)
		s.metrics.ReasonerFallback("error")
		return Evaluate(a, b, now)
	}
	if v == nil || v.Score < 0 || v.Score > 1 {
		s.metrics.ReasonerFallback("invalid")
		return Evaluate(a, b, now)
	}
	optimal := v.OptimalTime
	if optimal == "" {
		optimal = a
	}
	return Result{
		IsCompatible: v.IsCompatible && v.Score >= CompatibleFloor,
		Score:        v.Score,
		OptimalTime:  optimal,
		Reasoning:    v.Reasoning,
		Source:       SourceReasoner,
	}
}

func canonical(s string) bool {
	return parse(s).kind != prefInvalid
}
