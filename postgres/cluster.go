package postgres

import (
	"context"
	"fmt"

	"github.com/meikuraledutech/jobdag"
)

// ListClusters returns all clusters ordered by name.
func (s *PGStore) ListClusters(ctx context.Context) ([]jobdag.Cluster, error) {
	rows, err := s.db.Query(ctx,
		`SELECT name, labels, cpu_capacity, memory_capacity, active, enabled FROM clusters ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("jobdag: list clusters: %w", err)
	}
	defer rows.Close()

	clusters := []jobdag.Cluster{}
	for rows.Next() {
		var c jobdag.Cluster
		if err := rows.Scan(&c.Name, &c.Labels, &c.CPUCapacity, &c.MemoryCapacity, &c.Active, &c.Enabled); err != nil {
			return nil, fmt.Errorf("jobdag: scan cluster: %w", err)
		}
		clusters = append(clusters, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("jobdag: rows clusters: %w", err)
	}
	return clusters, nil
}

// UpsertCluster inserts a cluster or replaces its labels, capacity and
// flags.
func (s *PGStore) UpsertCluster(ctx context.Context, c jobdag.Cluster) error {
	labels := c.Labels
	if labels == nil {
		labels = []string{}
	}
	_, err := s.db.Exec(ctx,
		`INSERT INTO clusters (name, labels, cpu_capacity, memory_capacity, active, enabled, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, NOW())
		 ON CONFLICT (name) DO UPDATE SET
			labels          = EXCLUDED.labels,
			cpu_capacity    = EXCLUDED.cpu_capacity,
			memory_capacity = EXCLUDED.memory_capacity,
			active          = EXCLUDED.active,
			enabled         = EXCLUDED.enabled,
			updated_at      = NOW()`,
		c.Name, labels, c.CPUCapacity, c.MemoryCapacity, c.Active, c.Enabled,
	)
	if err != nil {
		return fmt.Errorf("jobdag: upsert cluster: %w", err)
	}
	return nil
}
