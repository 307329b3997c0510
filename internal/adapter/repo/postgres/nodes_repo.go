package postgres

import (
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/ai-chat-orchestrator/internal/domain"
)

// NodeRepo tracks inference nodes per provider family. Every family has its
// own table; the family-to-table mapping comes from the static registry and
// is fixed at construction, so the interpolated table names below never see
// request input.
type NodeRepo struct {
	Pool   PgxPool
	tables map[string]string
}

// NewNodeRepo constructs a NodeRepo over the given families.
func NewNodeRepo(p PgxPool, families []domain.ProviderFamily) *NodeRepo {
	tables := make(map[string]string, len(families))
	for _, f := range families {
		tables[f.ID] = f.NodeTable
	}
	return &NodeRepo{Pool: p, tables: tables}
}

const nodeColumns = `node_url, status, last_heartbeat, current_tasks, dispatched_tasks`

func (r *NodeRepo) table(familyID string) (string, error) {
	t, ok := r.tables[familyID]
	if !ok || t == "" {
		return "", fmt.Errorf("op=node.table family=%s: %w", familyID, domain.ErrInvalidArgument)
	}
	return t, nil
}

// AliveIdle returns family nodes that are HEALTHY with a fresh heartbeat and
// carry neither a reservation nor a running task.
func (r *NodeRepo) AliveIdle(ctx domain.Context, familyID string) ([]domain.ServiceNode, error) {
	tracer := otel.Tracer("repo.nodes")
	ctx, span := tracer.Start(ctx, "nodes.AliveIdle")
	defer span.End()
	span.SetAttributes(attribute.String("node.family", familyID))
	table, err := r.table(familyID)
	if err != nil {
		return nil, err
	}
	// #nosec G201 -- table names come from the static family registry
	q := fmt.Sprintf(`SELECT `+nodeColumns+` FROM %s WHERE status=$1 AND last_heartbeat > $2 AND dispatched_tasks=0 AND current_tasks=0 ORDER BY last_heartbeat DESC`, table)
	rows, err := r.Pool.Query(ctx, q, domain.NodeHealthy, time.Now().UTC().Add(-domain.NodeAliveWindow))
	if err != nil {
		return nil, fmt.Errorf("op=node.alive_idle: %w", err)
	}
	return collectNodes(rows, "op=node.alive_idle")
}

// LeastLoadedAlive returns up to limit alive family nodes ordered by
// current_tasks ascending, busiest last.
func (r *NodeRepo) LeastLoadedAlive(ctx domain.Context, familyID string, limit int) ([]domain.ServiceNode, error) {
	tracer := otel.Tracer("repo.nodes")
	ctx, span := tracer.Start(ctx, "nodes.LeastLoadedAlive")
	defer span.End()
	table, err := r.table(familyID)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 10
	}
	// #nosec G201 -- table names come from the static family registry
	q := fmt.Sprintf(`SELECT `+nodeColumns+` FROM %s WHERE status=$1 AND last_heartbeat > $2 ORDER BY current_tasks ASC, last_heartbeat DESC LIMIT $3`, table)
	rows, err := r.Pool.Query(ctx, q, domain.NodeHealthy, time.Now().UTC().Add(-domain.NodeAliveWindow), limit)
	if err != nil {
		return nil, fmt.Errorf("op=node.least_loaded: %w", err)
	}
	return collectNodes(rows, "op=node.least_loaded")
}

// ClaimSlot reserves a node with a single compare-and-set statement. Exactly
// one concurrent caller observes true; everyone else sees the row already
// reserved and gets false.
func (r *NodeRepo) ClaimSlot(ctx domain.Context, familyID, nodeURL string) (bool, error) {
	tracer := otel.Tracer("repo.nodes")
	ctx, span := tracer.Start(ctx, "nodes.ClaimSlot")
	defer span.End()
	span.SetAttributes(attribute.String("node.family", familyID))
	table, err := r.table(familyID)
	if err != nil {
		return false, err
	}
	// #nosec G201 -- table names come from the static family registry
	q := fmt.Sprintf(`UPDATE %s SET dispatched_tasks=1, current_tasks=current_tasks+1 WHERE node_url=$1 AND dispatched_tasks=0`, table)
	tag, err := r.Pool.Exec(ctx, q, nodeURL)
	if err != nil {
		return false, fmt.Errorf("op=node.claim_slot: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ReleaseSlot undoes ClaimSlot. Counters are clamped at zero so a double
// release cannot drive them negative.
func (r *NodeRepo) ReleaseSlot(ctx domain.Context, familyID, nodeURL string) error {
	tracer := otel.Tracer("repo.nodes")
	ctx, span := tracer.Start(ctx, "nodes.ReleaseSlot")
	defer span.End()
	table, err := r.table(familyID)
	if err != nil {
		return err
	}
	// #nosec G201 -- table names come from the static family registry
	q := fmt.Sprintf(`UPDATE %s SET dispatched_tasks=0, current_tasks=GREATEST(current_tasks-1,0) WHERE node_url=$1`, table)
	if _, err := r.Pool.Exec(ctx, q, nodeURL); err != nil {
		return fmt.Errorf("op=node.release_slot: %w", err)
	}
	return nil
}

// Heartbeat refreshes a node's liveness timestamp and status.
func (r *NodeRepo) Heartbeat(ctx domain.Context, familyID, nodeURL, status string) error {
	tracer := otel.Tracer("repo.nodes")
	ctx, span := tracer.Start(ctx, "nodes.Heartbeat")
	defer span.End()
	table, err := r.table(familyID)
	if err != nil {
		return err
	}
	// #nosec G201 -- table names come from the static family registry
	q := fmt.Sprintf(`UPDATE %s SET last_heartbeat=$2, status=$3 WHERE node_url=$1`, table)
	tag, err := r.Pool.Exec(ctx, q, nodeURL, time.Now().UTC(), status)
	if err != nil {
		return fmt.Errorf("op=node.heartbeat: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=node.heartbeat url=%s: %w", nodeURL, domain.ErrNotFound)
	}
	return nil
}

// Upsert registers a node or refreshes an existing registration.
func (r *NodeRepo) Upsert(ctx domain.Context, familyID string, n domain.ServiceNode) error {
	tracer := otel.Tracer("repo.nodes")
	ctx, span := tracer.Start(ctx, "nodes.Upsert")
	defer span.End()
	table, err := r.table(familyID)
	if err != nil {
		return err
	}
	status := n.Status
	if status == "" {
		status = domain.NodeHealthy
	}
	hb := n.LastHeartbeat
	if hb.IsZero() {
		hb = time.Now().UTC()
	}
	// #nosec G201 -- table names come from the static family registry
	q := fmt.Sprintf(`INSERT INTO %s (node_url, status, last_heartbeat, current_tasks, dispatched_tasks)
	VALUES ($1,$2,$3,$4,$5)
	ON CONFLICT (node_url) DO UPDATE SET status=EXCLUDED.status, last_heartbeat=EXCLUDED.last_heartbeat`, table)
	if _, err := r.Pool.Exec(ctx, q, n.URL, status, hb, n.CurrentTasks, n.DispatchedTasks); err != nil {
		return fmt.Errorf("op=node.upsert: %w", err)
	}
	return nil
}

func collectNodes(rows pgx.Rows, op string) ([]domain.ServiceNode, error) {
	defer rows.Close()
	var out []domain.ServiceNode
	for rows.Next() {
		var n domain.ServiceNode
		if err := rows.Scan(&n.URL, &n.Status, &n.LastHeartbeat, &n.CurrentTasks, &n.DispatchedTasks); err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		out = append(out, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return out, nil
}
