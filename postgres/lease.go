package postgres

import (
	"context"
	"fmt"
	"time"
)

// SchedulerLease is the row name replicas compete for.
const SchedulerLease = "scheduler"

// Lease is a jobdag.Lease stored in the scheduler_lease table. A holder
// keeps it by renewing before ttl passes; a dead holder's row expires and
// the next replica to call Acquire takes over.
type Lease struct {
	store  *PGStore
	name   string
	holder string
	ttl    time.Duration
}

// Lease returns the lease name held on behalf of holder.
func (s *PGStore) Lease(name, holder string, ttl time.Duration) *Lease {
	return &Lease{store: s, name: name, holder: holder, ttl: ttl}
}

func (l *Lease) Acquire(ctx context.Context) (bool, error) {
	ct, err := l.store.db.Exec(ctx,
		`INSERT INTO scheduler_lease (name, holder, expires_at)
		 VALUES ($1, $2, NOW() + $3::double precision * INTERVAL '1 second')
		 ON CONFLICT (name) DO UPDATE SET
			holder     = EXCLUDED.holder,
			expires_at = EXCLUDED.expires_at
		 WHERE scheduler_lease.holder = EXCLUDED.holder OR scheduler_lease.expires_at < NOW()`,
		l.name, l.holder, l.ttl.Seconds(),
	)
	if err != nil {
		return false, fmt.Errorf("jobdag: acquire lease: %w", err)
	}
	return ct.RowsAffected() > 0, nil
}
