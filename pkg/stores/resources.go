package stores

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/openfroyo/ispflow/pkg/engine"
	"github.com/openfroyo/ispflow/pkg/lifecycle"
)

var (
	_ lifecycle.Store   = (*SQLiteStore)(nil)
	_ lifecycle.Querier = (*SQLiteStore)(nil)
)

const resourceColumns = `id, kind, tenant_id, subscriber_id, state, state_entered_at, external_ref,
	attributes, reason, version, created_at, updated_at`

func scanResource(row rowScanner) (*lifecycle.Resource, error) {
	var (
		r          lifecycle.Resource
		attributes sql.NullString
		enteredAt  int64
		createdAt  int64
		updatedAt  int64
	)
	err := row.Scan(
		&r.ID,
		&r.Kind,
		&r.TenantID,
		&r.SubscriberID,
		&r.State,
		&enteredAt,
		&r.ExternalRef,
		&attributes,
		&r.Reason,
		&r.Version,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}
	r.StateEnteredAt = fromNanos(enteredAt)
	r.CreatedAt = fromNanos(createdAt)
	r.UpdatedAt = fromNanos(updatedAt)
	if attributes.Valid {
		if err := json.Unmarshal([]byte(attributes.String), &r.Attributes); err != nil {
			return nil, fmt.Errorf("failed to decode attributes of resource %s: %w", r.ID, err)
		}
	}
	return &r, nil
}

func encodeAttributes(attrs map[string]string) (sql.NullString, error) {
	if len(attrs) == 0 {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(attrs)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("failed to encode attributes: %w", err)
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func transitionAudit(t lifecycle.Transition) engine.AuditEntry {
	details := map[string]interface{}{"to": string(t.To)}
	if t.From != "" {
		details["from"] = string(t.From)
	}
	if t.Reason != "" {
		details["reason"] = t.Reason
	}
	return engine.AuditEntry{
		Action:    AuditActionResourceTransition,
		Actor:     t.Actor,
		TargetID:  t.ResourceID,
		Details:   details,
		Timestamp: t.At,
	}
}

// CreateResource inserts a managed resource and records its initial transition.
func (s *SQLiteStore) CreateResource(ctx context.Context, r *lifecycle.Resource, t lifecycle.Transition) error {
	attrs, err := encodeAttributes(r.Attributes)
	if err != nil {
		return err
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		var exists int
		err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM managed_resources WHERE id = ?`, r.ID).Scan(&exists)
		if err != nil {
			return fmt.Errorf("failed to check resource: %w", err)
		}
		if exists > 0 {
			return lifecycle.ErrResourceExists
		}

		query := `
			INSERT INTO managed_resources (` + resourceColumns + `)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`
		_, err = tx.ExecContext(ctx, query,
			r.ID,
			r.Kind,
			r.TenantID,
			r.SubscriberID,
			r.State,
			toNanos(r.StateEnteredAt),
			r.ExternalRef,
			attrs,
			r.Reason,
			r.Version,
			toNanos(r.CreatedAt),
			toNanos(r.UpdatedAt),
		)
		if err != nil {
			return fmt.Errorf("failed to create resource: %w", err)
		}
		return appendAudit(ctx, tx, transitionAudit(t))
	})
}

// GetResource retrieves a managed resource by ID.
func (s *SQLiteStore) GetResource(ctx context.Context, id string) (*lifecycle.Resource, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+resourceColumns+` FROM managed_resources WHERE id = ?`, id)
	r, err := scanResource(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, lifecycle.ErrResourceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get resource: %w", err)
	}
	return r, nil
}

// UpdateResource writes r if the stored version still equals expectedVersion.
func (s *SQLiteStore) UpdateResource(ctx context.Context, r *lifecycle.Resource, expectedVersion int64, t lifecycle.Transition) error {
	attrs, err := encodeAttributes(r.Attributes)
	if err != nil {
		return err
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		query := `
			UPDATE managed_resources
			SET state = ?, state_entered_at = ?, external_ref = ?, attributes = ?,
				reason = ?, version = ?, updated_at = ?
			WHERE id = ? AND version = ?
		`
		result, err := tx.ExecContext(ctx, query,
			r.State,
			toNanos(r.StateEnteredAt),
			r.ExternalRef,
			attrs,
			r.Reason,
			r.Version,
			toNanos(r.UpdatedAt),
			r.ID,
			expectedVersion,
		)
		if err != nil {
			return fmt.Errorf("failed to update resource: %w", err)
		}

		rows, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to get rows affected: %w", err)
		}
		if rows == 0 {
			var exists int
			if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM managed_resources WHERE id = ?`, r.ID).Scan(&exists); err != nil {
				return fmt.Errorf("failed to check resource: %w", err)
			}
			if exists == 0 {
				return lifecycle.ErrResourceNotFound
			}
			return lifecycle.ErrVersionConflict
		}
		return appendAudit(ctx, tx, transitionAudit(t))
	})
}

// ListTransitions rebuilds the transition history of a resource from the audit log.
func (s *SQLiteStore) ListTransitions(ctx context.Context, id string) ([]lifecycle.Transition, error) {
	if _, err := s.GetResource(ctx, id); err != nil {
		return nil, err
	}

	entries, err := s.ListAudit(ctx, id)
	if err != nil {
		return nil, err
	}

	transitions := []lifecycle.Transition{}
	for _, e := range entries {
		if e.Action != AuditActionResourceTransition {
			continue
		}
		t := lifecycle.Transition{
			ResourceID: e.TargetID,
			Actor:      e.Actor,
			At:         e.Timestamp,
		}
		if v, ok := e.Details["from"].(string); ok {
			t.From = lifecycle.State(v)
		}
		if v, ok := e.Details["to"].(string); ok {
			t.To = lifecycle.State(v)
		}
		if v, ok := e.Details["reason"].(string); ok {
			t.Reason = v
		}
		transitions = append(transitions, t)
	}
	return transitions, nil
}

// ListResourcesInState returns resources in state that entered it before the cutoff.
func (s *SQLiteStore) ListResourcesInState(ctx context.Context, state lifecycle.State, enteredBefore time.Time, limit int) ([]*lifecycle.Resource, error) {
	query := `
		SELECT ` + resourceColumns + `
		FROM managed_resources
		WHERE state = ? AND state_entered_at < ?
		ORDER BY state_entered_at ASC
		LIMIT ?
	`
	rows, err := s.db.QueryContext(ctx, query, state, toNanos(enteredBefore), limitOrAll(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to list resources: %w", err)
	}
	defer rows.Close()

	resources := []*lifecycle.Resource{}
	for rows.Next() {
		r, err := scanResource(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan resource: %w", err)
		}
		resources = append(resources, r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating resources: %w", err)
	}

	return resources, nil
}

// CountResourcesByState returns the number of resources per lifecycle state.
func (s *SQLiteStore) CountResourcesByState(ctx context.Context) (map[lifecycle.State]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT state, COUNT(*) FROM managed_resources GROUP BY state`)
	if err != nil {
		return nil, fmt.Errorf("failed to count resources: %w", err)
	}
	defer rows.Close()

	counts := make(map[lifecycle.State]int)
	for rows.Next() {
		var (
			state lifecycle.State
			n     int
		)
		if err := rows.Scan(&state, &n); err != nil {
			return nil, fmt.Errorf("failed to scan resource count: %w", err)
		}
		counts[state] = n
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating resource counts: %w", err)
	}

	return counts, nil
}

// BackdateResource moves a resource's state entry time. Used by simulations and tests that
// need aged resources.
func (s *SQLiteStore) BackdateResource(ctx context.Context, id string, enteredAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE managed_resources SET state_entered_at = ? WHERE id = ?`, toNanos(enteredAt), id)
	if err != nil {
		return fmt.Errorf("failed to backdate resource: %w", err)
	}
	return nil
}
