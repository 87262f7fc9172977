package web

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// StartScheduler runs query through the pipeline on the cron spec. The
// returned Cron must be stopped by the caller.
func (s *Server) StartScheduler(spec, query string) (*cron.Cron, error) {
	c := cron.New()
	_, err := c.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), runTimeout)
		defer cancel()
		s.scheduledRun(ctx, query)
	})
	if err != nil {
		return nil, fmt.Errorf("schedule %q: %w", spec, err)
	}
	c.Start()
	s.log.Info("scheduled runs enabled", "schedule", spec, "query", query)
	return c, nil
}

func (s *Server) scheduledRun(ctx context.Context, query string) {
	start := time.Now()
	results, err := s.RunQuery(ctx, query)
	if err != nil {
		s.log.Error("scheduled run failed", "query", query, "error", err)
		return
	}
	s.log.Info("scheduled run complete", "query", query, "results", len(results), "duration", time.Since(start).Round(time.Second))
}
