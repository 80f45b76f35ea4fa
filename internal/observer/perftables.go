package observer

import (
	"context"
	"database/sql"
	"fmt"
	"sync/atomic"

	"github.com/dbsentinel/dbsentinel/internal/pipeline"
)

// perfQuery reads cumulative per-table access counters for the schemas
// that hold credentials and server metadata.
const perfQuery = `SELECT OBJECT_SCHEMA, OBJECT_NAME, COUNT_STAR ` +
	`FROM performance_schema.table_io_waits_summary_by_table ` +
	`WHERE OBJECT_SCHEMA IN ('mysql', 'performance_schema', 'sys')`

// ScanPerfTables emits one perf_schema_access event per sensitive table
// whose cumulative access counter advanced since the previous scan. The
// first scan only seeds the counters.
func (o *Observer) ScanPerfTables(ctx context.Context) error {
	ctx, cancel := o.scanContext(ctx)
	defer cancel()

	rows, err := o.db.QueryContext(ctx, perfQuery)
	if err != nil {
		return fmt.Errorf("reading table access counters: %w", err)
	}
	defer rows.Close()

	type tableCount struct {
		schema string
		name   string
		count  int64
	}
	var counts []tableCount
	for rows.Next() {
		var schema, name sql.NullString
		var count sql.NullInt64
		if err := rows.Scan(&schema, &name, &count); err != nil {
			return fmt.Errorf("scanning table counter row: %w", err)
		}
		counts = append(counts, tableCount{schema: schema.String, name: name.String, count: count.Int64})
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("reading table access counters: %w", err)
	}

	atomic.AddInt64(&o.perfScans, 1)

	o.mu.Lock()
	now := o.now()
	seeding := !o.perfSeeded

	var events []*pipeline.Event
	for _, tc := range counts {
		key := tc.schema + "." + tc.name
		prev := o.perfCounts[key]
		o.perfCounts[key] = tc.count
		if seeding || tc.count <= prev {
			continue
		}
		weight := o.config.DefaultSensitivity
		if w, ok := o.config.TableSensitivity[key]; ok {
			weight = w
		}
		events = append(events, &pipeline.Event{
			Type:            pipeline.EventPerfSchemaAccess,
			Timestamp:       now,
			TargetComponent: pipeline.ComponentPerfSchema,
			RiskScore:       weight,
			Details: map[string]interface{}{
				"table":        key,
				"access_count": tc.count - prev,
				"sensitivity":  weight,
			},
		})
	}
	o.perfSeeded = true
	o.mu.Unlock()

	for _, ev := range events {
		o.emit(ev)
	}
	return nil
}
