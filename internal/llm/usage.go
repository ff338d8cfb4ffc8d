package llm

import (
	"context"
	"database/sql"
	"fmt"
)

// UsageRepo persists token accounting into the llm_usage database.
type UsageRepo struct {
	db *sql.DB
}

// NewUsageRepo creates a usage repo over the llm_usage database.
func NewUsageRepo(db *sql.DB) *UsageRepo {
	return &UsageRepo{db: db}
}

// LogUsage appends one usage row.
func (r *UsageRepo) LogUsage(ctx context.Context, callerType, model string, usage Usage) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO llm_usage_logs (caller_type, model, prompt_tokens, completion_tokens, total_tokens, reasoning_tokens)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		callerType, model, usage.PromptTokens, usage.CompletionTokens, usage.TotalTokens, usage.ReasoningTokens)
	if err != nil {
		return fmt.Errorf("failed to log llm usage: %w", err)
	}
	return nil
}

// TotalsByCaller sums tokens grouped by caller type.
func (r *UsageRepo) TotalsByCaller(ctx context.Context) (map[string]Usage, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT caller_type, SUM(prompt_tokens), SUM(completion_tokens), SUM(total_tokens), SUM(reasoning_tokens)
		 FROM llm_usage_logs GROUP BY caller_type`)
	if err != nil {
		return nil, fmt.Errorf("failed to query usage totals: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()
	totals := make(map[string]Usage)
	for rows.Next() {
		var caller string
		var u Usage
		if err := rows.Scan(&caller, &u.PromptTokens, &u.CompletionTokens, &u.TotalTokens, &u.ReasoningTokens); err != nil {
			return nil, fmt.Errorf("failed to scan usage totals: %w", err)
		}
		totals[caller] = u
	}
	return totals, rows.Err()
}
