package persistence

import (
	"database/sql"
	"fmt"
	"time"

	"distributor/pkg/proto"
)

// ErrNotFound is returned when no assignment matches a lookup.
var ErrNotFound = fmt.Errorf("assignment not found")

// Store persists assignment records. It is injected into the dispatch engine;
// there is no package-level singleton.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// SaveAssignment inserts or updates an assignment record.
func (s *Store) SaveAssignment(a *proto.Assignment) error {
	query := `
		INSERT INTO assignments (
			id, conversation_id, tenant_id, agent_id, rule_id,
			method, status, assigned_at, closed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			closed_at = excluded.closed_at
	`

	_, err := s.db.Exec(query,
		a.ID, a.ConversationID, a.TenantID, a.AgentID, a.RuleID,
		string(a.Method), string(a.Status), a.AssignedAt.UTC(), nullableTime(a.ClosedAt))
	if err != nil {
		return fmt.Errorf("failed to save assignment %s: %w", a.ID, err)
	}
	return nil
}

// CloseAssignment marks an assignment terminal with the given status.
func (s *Store) CloseAssignment(assignmentID string, status proto.AssignmentStatus, closedAt time.Time) error {
	if !status.Terminal() {
		return fmt.Errorf("status %q is not terminal", status)
	}

	result, err := s.db.Exec(
		`UPDATE assignments SET status = ?, closed_at = ? WHERE id = ? AND status = 'active'`,
		string(status), closedAt.UTC(), assignmentID)
	if err != nil {
		return fmt.Errorf("failed to close assignment %s: %w", assignmentID, err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check close result: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("assignment %s: %w", assignmentID, ErrNotFound)
	}
	return nil
}

// GetActiveByConversation returns the single non-terminal assignment for a
// conversation, or ErrNotFound.
func (s *Store) GetActiveByConversation(conversationID string) (*proto.Assignment, error) {
	row := s.db.QueryRow(
		`SELECT id, conversation_id, tenant_id, agent_id, rule_id, method, status, assigned_at, closed_at
		 FROM assignments WHERE conversation_id = ? AND status = 'active'`,
		conversationID)

	assignment, err := scanAssignment(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("conversation %s: %w", conversationID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query active assignment: %w", err)
	}
	return assignment, nil
}

// ListByTenant returns a tenant's assignments, newest first.
func (s *Store) ListByTenant(tenantID string, limit int) ([]*proto.Assignment, error) {
	return s.list(
		`SELECT id, conversation_id, tenant_id, agent_id, rule_id, method, status, assigned_at, closed_at
		 FROM assignments WHERE tenant_id = ? ORDER BY assigned_at DESC LIMIT ?`,
		tenantID, limit)
}

// ListByAgent returns an agent's assignments, newest first.
func (s *Store) ListByAgent(agentID string, limit int) ([]*proto.Assignment, error) {
	return s.list(
		`SELECT id, conversation_id, tenant_id, agent_id, rule_id, method, status, assigned_at, closed_at
		 FROM assignments WHERE agent_id = ? ORDER BY assigned_at DESC LIMIT ?`,
		agentID, limit)
}

// CountActiveByTenant returns the number of active assignments per agent for
// a tenant, used to reseed workload counters on restart.
func (s *Store) CountActiveByTenant(tenantID string) (map[string]int, error) {
	rows, err := s.db.Query(
		`SELECT agent_id, COUNT(*) FROM assignments
		 WHERE tenant_id = ? AND status = 'active' GROUP BY agent_id`,
		tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to count active assignments: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var agentID string
		var count int
		if err := rows.Scan(&agentID, &count); err != nil {
			return nil, fmt.Errorf("failed to scan count row: %w", err)
		}
		counts[agentID] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate count rows: %w", err)
	}
	return counts, nil
}

func (s *Store) list(query string, args ...any) ([]*proto.Assignment, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query assignments: %w", err)
	}
	defer rows.Close()

	var assignments []*proto.Assignment
	for rows.Next() {
		assignment, err := scanAssignment(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan assignment: %w", err)
		}
		assignments = append(assignments, assignment)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate assignments: %w", err)
	}
	return assignments, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAssignment(row rowScanner) (*proto.Assignment, error) {
	var a proto.Assignment
	var method, status string
	var closedAt sql.NullTime

	err := row.Scan(&a.ID, &a.ConversationID, &a.TenantID, &a.AgentID, &a.RuleID,
		&method, &status, &a.AssignedAt, &closedAt)
	if err != nil {
		return nil, err
	}

	a.Method = proto.Strategy(method)
	a.Status = proto.AssignmentStatus(status)
	if closedAt.Valid {
		t := closedAt.Time
		a.ClosedAt = &t
	}
	return &a, nil
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}
