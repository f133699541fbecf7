package postgres

import (
	"context"

	"callagent/internal/audit"
)

func (s *Store) AppendAuditEvent(ctx context.Context, e audit.Event) error {
	const q = `
INSERT INTO audit_events (
  id, type, actor_user_id, actor_role, ip_address, target_user_id, call_id, message, metadata, created_at
) VALUES (
  $1,$2,$3,$4,$5,$6,$7,$8,$9,$10
)
`
	_, err := s.db.ExecContext(ctx, q,
		e.ID,
		string(e.Type),
		e.ActorUserID,
		e.ActorRole,
		e.IPAddress,
		e.TargetUserID,
		e.CallID,
		e.Message,
		e.Metadata,
		e.CreatedAt,
	)
	return err
}
