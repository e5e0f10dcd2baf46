package storage

import (
	"context"
	"fmt"

	"github.com/kaname-ai/kaname/internal/model"
)

// AppendProvenance writes one append-only audit record. The trail stores
// content hashes, never raw prompts or results.
func (db *DB) AppendProvenance(ctx context.Context, p model.Provenance) error {
	_, err := db.pool.Exec(ctx,
		`INSERT INTO provenance (trace_id, run_id, step_index, kind, target,
		        prompt_hash, args_hash, result_hash, cost_usd, duration_ms, extra, recorded_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, now())`,
		p.TraceID, p.RunID, p.StepIndex, p.Kind, p.Target,
		p.PromptHash, p.ArgsHash, p.ResultHash, p.CostUSD, p.DurationMs, p.Extra,
	)
	if err != nil {
		return fmt.Errorf("storage: append provenance: %w", err)
	}
	return nil
}

// ListProvenanceByRun returns the audit trail for a run in recording order.
func (db *DB) ListProvenanceByRun(ctx context.Context, runID string) ([]model.Provenance, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, trace_id, run_id, step_index, kind, target,
		        prompt_hash, args_hash, result_hash, cost_usd, duration_ms, extra, recorded_at
		 FROM provenance WHERE run_id = $1 ORDER BY id ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("storage: list provenance: %w", err)
	}
	defer rows.Close()

	var out []model.Provenance
	for rows.Next() {
		var p model.Provenance
		if err := rows.Scan(
			&p.ID, &p.TraceID, &p.RunID, &p.StepIndex, &p.Kind, &p.Target,
			&p.PromptHash, &p.ArgsHash, &p.ResultHash, &p.CostUSD, &p.DurationMs,
			&p.Extra, &p.RecordedAt,
		); err != nil {
			return nil, fmt.Errorf("storage: scan provenance: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
