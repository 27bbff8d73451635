package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xela07ax/intentguard/internal/audit"
)

// Количество колонок в таблице verdict_audit
const auditFields = 11

type AuditRepo struct {
	pool *pgxpool.Pool
}

func NewAuditRepo(pool *pgxpool.Pool) *AuditRepo {
	return &AuditRepo{pool: pool}
}

// WriteBatch пишет пачку одним INSERT с многострочным VALUES.
func (r *AuditRepo) WriteBatch(ctx context.Context, events []audit.VerdictEvent) error {
	if len(events) == 0 {
		return nil
	}

	var sb strings.Builder
	vals := make([]interface{}, 0, len(events)*auditFields)
	for i, e := range events {
		if i > 0 {
			sb.WriteString(",")
		}
		p := i * auditFields
		sb.WriteString("(")
		for k := 1; k <= auditFields; k++ {
			if k > 1 {
				sb.WriteString(", ")
			}
			fmt.Fprintf(&sb, "$%d", p+k)
		}
		sb.WriteString(")")

		id := e.ID
		if id == "" {
			id = uuid.NewString()
		}
		vals = append(vals,
			id, e.TraceID, e.Kind, e.Principal, e.InstanceID,
			e.Verdict, e.Reason, e.Nonce, e.Error, e.DurationMs, e.Timestamp,
		)
	}

	query := "INSERT INTO verdict_audit (id, trace_id, kind, principal, instance_id, verdict, reason, nonce, error, duration_ms, timestamp) VALUES " +
		sb.String() + " ON CONFLICT (id) DO NOTHING"
	if _, err := r.pool.Exec(ctx, query, vals...); err != nil {
		return fmt.Errorf("postgres: failed to write audit batch: %w", err)
	}
	return nil
}

// RecentByPrincipal возвращает последние события принципала (новые первыми).
func (r *AuditRepo) RecentByPrincipal(ctx context.Context, principal string, limit int) ([]audit.VerdictEvent, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id::text, trace_id, kind, principal, instance_id, verdict, reason, nonce, error, duration_ms, timestamp
		FROM verdict_audit
		WHERE principal = $1
		ORDER BY timestamp DESC
		LIMIT $2`, principal, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to query audit: %w", err)
	}
	defer rows.Close()

	var out []audit.VerdictEvent
	for rows.Next() {
		var e audit.VerdictEvent
		if err := rows.Scan(&e.ID, &e.TraceID, &e.Kind, &e.Principal, &e.InstanceID,
			&e.Verdict, &e.Reason, &e.Nonce, &e.Error, &e.DurationMs, &e.Timestamp); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
