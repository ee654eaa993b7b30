package audit

import (
	"context"
	"encoding/json"
	"log"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Recorder writes administrative actions to the admin_audit table. Settings
// changes and payment decisions go through here so no admin mutation happens
// without a trail.
type Recorder struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) *Recorder {
	return &Recorder{pool: pool}
}

// Record persists one audit entry. Audit failures are logged but never fail
// the action itself.
func (r *Recorder) Record(ctx context.Context, actor, action string, detail any) {
	payload, err := json.Marshal(detail)
	if err != nil {
		log.Printf("[AUDIT] Failed to encode detail for %s: %v", action, err)
		payload = []byte("{}")
	}

	_, err = r.pool.Exec(ctx,
		`INSERT INTO admin_audit (actor, action, detail) VALUES ($1, $2, $3)`,
		actor, action, payload)
	if err != nil {
		log.Printf("[AUDIT] Failed to record %s by %s: %v", action, actor, err)
	}
}
