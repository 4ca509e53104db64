package database

import (
	"context"
	"fmt"
	"time"

	"github.com/latoulicious/voiceguard/pkg/voice"
)

// RetentionPolicy deletes rows of one table older than RetentionPeriod
type RetentionPolicy struct {
	Name            string        `json:"name"`
	RetentionPeriod time.Duration `json:"retention_period"`
	TableName       string        `json:"table_name"`
	TimestampColumn string        `json:"timestamp_column"`
}

// PolicyResult holds the result of applying a retention policy
type PolicyResult struct {
	PolicyName     string        `json:"policy_name"`
	RecordsCleaned int64         `json:"records_cleaned"`
	ExecutionTime  time.Duration `json:"execution_time"`
	Error          string        `json:"error,omitempty"`
}

// RetentionPolicies returns the store's policies for the given age
func RetentionPolicies(age time.Duration) []RetentionPolicy {
	return []RetentionPolicy{
		{
			Name:            "events_retention",
			RetentionPeriod: age,
			TableName:       "connection_events",
			TimestampColumn: "occurred_at",
		},
		{
			Name:            "export_runs_retention",
			RetentionPeriod: age,
			TableName:       "export_runs",
			TimestampColumn: "generated_at",
		},
		{
			// Snapshots of guilds not seen in a while
			Name:            "stale_snapshots_retention",
			RetentionPeriod: age * 2,
			TableName:       "guild_snapshots",
			TimestampColumn: "updated_at",
		},
	}
}

// Cleanup applies the configured retention period
func (s *StatsStore) Cleanup(ctx context.Context) ([]PolicyResult, error) {
	return s.CleanupOlderThan(ctx, s.config.Retention)
}

// CleanupOlderThan deletes events and export runs older than age. Policy
// failures are reported per policy; the returned error covers the whole run.
func (s *StatsStore) CleanupOlderThan(ctx context.Context, age time.Duration) ([]PolicyResult, error) {
	if age <= 0 {
		return nil, ErrInvalidRetention
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrStoreClosed
	}

	now := time.Now().UTC()
	policies := RetentionPolicies(age)
	results := make([]PolicyResult, 0, len(policies))

	var total int64
	var failed int
	for _, policy := range policies {
		result := s.executePolicy(ctx, policy, now)
		if result.Error != "" {
			failed++
			s.logger.Warn("Retention policy failed",
				voice.String("policy", policy.Name),
				voice.String("error", result.Error))
		}
		total += result.RecordsCleaned
		results = append(results, result)
	}

	s.logger.Info("Retention cleanup finished",
		voice.Int64("records_cleaned", total),
		voice.Duration("retention", age))

	if failed > 0 {
		return results, fmt.Errorf("%d of %d retention policies failed", failed, len(policies))
	}
	return results, nil
}

func (s *StatsStore) executePolicy(ctx context.Context, policy RetentionPolicy, now time.Time) PolicyResult {
	start := time.Now()
	result := PolicyResult{PolicyName: policy.Name}

	cutoff := now.Add(-policy.RetentionPeriod)
	query := fmt.Sprintf("DELETE FROM %s WHERE %s < ?", policy.TableName, policy.TimestampColumn)

	res, err := s.db.ExecContext(ctx, query, cutoff)
	if err != nil {
		result.Error = fmt.Sprintf("failed to delete records: %v", err)
		result.ExecutionTime = time.Since(start)
		return result
	}

	n, err := res.RowsAffected()
	if err != nil {
		result.Error = fmt.Sprintf("failed to get rows affected: %v", err)
		result.ExecutionTime = time.Since(start)
		return result
	}

	result.RecordsCleaned = n
	result.ExecutionTime = time.Since(start)
	return result
}
