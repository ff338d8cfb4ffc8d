package indexer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/000haoji/deep-student/internal/contextutil"
)

// Scheduler drives the pipeline in the background: batches of pending
// resources, bounded concurrency, delayed retries. One failing resource never
// blocks the rest of its batch.
type Scheduler struct {
	pipeline *Pipeline

	mu          sync.Mutex
	retries     map[string]int
	lastAttempt map[string]time.Time
}

// NewScheduler creates a scheduler over a pipeline.
func NewScheduler(pipeline *Pipeline) *Scheduler {
	return &Scheduler{
		pipeline:    pipeline,
		retries:     make(map[string]int),
		lastAttempt: make(map[string]time.Time),
	}
}

// Run loops until the context is cancelled, running one batch per interval.
func (s *Scheduler) Run(ctx context.Context) {
	logger := contextutil.LoggerFromContext(ctx)
	for {
		cfg, err := s.pipeline.Configs().IndexingConfig(ctx)
		if err != nil {
			logger.ErrorContext(ctx, "failed to load indexing config", "error", err)
			cfg = DefaultIndexingConfig()
		}
		if cfg.Enabled {
			if _, err := s.RunBatch(ctx); err != nil {
				logger.ErrorContext(ctx, "indexing batch failed", "error", err)
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Duration(cfg.IntervalSecs) * time.Second):
		}
	}
}

// RunBatch indexes up to batch_size pending resources with max_concurrent
// workers and returns how many succeeded.
func (s *Scheduler) RunBatch(ctx context.Context) (int, error) {
	logger := contextutil.LoggerFromContext(ctx)

	cfg, err := s.pipeline.Configs().IndexingConfig(ctx)
	if err != nil {
		return 0, err
	}

	ids, err := s.pendingResources(ctx, cfg)
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}

	sem := make(chan struct{}, cfg.MaxConcurrent)
	var wg sync.WaitGroup
	var succeeded int
	var mu sync.Mutex

	for _, id := range ids {
		wg.Add(1)
		sem <- struct{}{}
		go func(resourceID string) {
			defer wg.Done()
			defer func() { <-sem }()

			err := s.pipeline.IndexResource(ctx, resourceID)
			s.mu.Lock()
			s.lastAttempt[resourceID] = time.Now()
			if err != nil {
				s.retries[resourceID]++
			} else {
				delete(s.retries, resourceID)
				delete(s.lastAttempt, resourceID)
			}
			s.mu.Unlock()

			if err != nil {
				logger.WarnContext(ctx, "failed to index resource", "resource_id", resourceID, "error", err)
				return
			}
			mu.Lock()
			succeeded++
			mu.Unlock()
		}(id)
	}
	wg.Wait()
	return succeeded, nil
}

// pendingResources selects resources that need (re)indexing, skipping ones
// whose retry budget is exhausted or whose retry delay has not elapsed.
func (s *Scheduler) pendingResources(ctx context.Context, cfg IndexingConfig) ([]string, error) {
	rows, err := s.pipeline.db.QueryContext(ctx,
		`SELECT r.id FROM resources r
		 LEFT JOIN index_states st ON st.resource_id = r.id
		 WHERE r.status = 'active' AND r.type != 'retrieval'
		   AND (st.resource_id IS NULL
		        OR (st.state NOT IN ('indexed', 'disabled'))
		        OR (st.state = 'indexed' AND st.indexed_hash != r.hash))
		 ORDER BY r.updated_at
		 LIMIT ?`, cfg.BatchSize)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending resources: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	retryDelay := time.Duration(cfg.RetryDelaySecs) * time.Second
	now := time.Now()

	var ids []string
	s.mu.Lock()
	defer s.mu.Unlock()
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan resource id: %w", err)
		}
		if s.retries[id] >= cfg.MaxRetries && cfg.MaxRetries > 0 {
			continue
		}
		if last, ok := s.lastAttempt[id]; ok && now.Sub(last) < retryDelay {
			continue
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
