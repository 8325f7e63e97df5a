package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"lead-validator/internal/models"
)

const memberColumns = `id, email, display_name, contact_channel, expected_identifier, validation_status, validated_source, created_at, updated_at`

func scanMember(row pgx.Row) (models.Member, error) {
	var m models.Member
	var source pgtype.Text
	err := row.Scan(&m.ID, &m.Email, &m.DisplayName, &m.ContactChannel, &m.ExpectedIdentifier,
		&m.ValidationStatus, &source, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		return models.Member{}, err
	}
	m.ValidatedSource = textPtr(source)
	return m, nil
}

// UpsertMemberParams collects intake fields for a member row.
type UpsertMemberParams struct {
	Email              string
	DisplayName        string
	ContactChannel     string
	ExpectedIdentifier string
}

// UpsertMember inserts or refreshes a member keyed by email. Validation state
// is never touched here; re-submissions must not reset an approval.
func (s *Store) UpsertMember(ctx context.Context, p UpsertMemberParams) (models.Member, error) {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO members (email, display_name, contact_channel, expected_identifier, validation_status)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (email) WHERE email <> ''
		DO UPDATE SET
			display_name = EXCLUDED.display_name,
			contact_channel = EXCLUDED.contact_channel,
			expected_identifier = EXCLUDED.expected_identifier,
			updated_at = NOW()
		RETURNING `+memberColumns+`
	`, p.Email, p.DisplayName, p.ContactChannel, p.ExpectedIdentifier, models.ValidationPending)
	m, err := scanMember(row)
	if err != nil {
		return models.Member{}, fmt.Errorf("upsert member: %w", err)
	}
	return m, nil
}

// GetMember fetches a member by id.
func (s *Store) GetMember(ctx context.Context, id int64) (models.Member, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+memberColumns+` FROM members WHERE id = $1`, id)
	m, err := scanMember(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Member{}, fmt.Errorf("member %d not found: %w", id, err)
	}
	if err != nil {
		return models.Member{}, fmt.Errorf("scan member: %w", err)
	}
	return m, nil
}

// SetMemberValidation records the decision for a member. The source is only
// kept on approval; failures leave the member pending with no source.
func (s *Store) SetMemberValidation(ctx context.Context, id int64, status string, source *string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE members
		SET validation_status = $2, validated_source = $3, updated_at = NOW()
		WHERE id = $1
	`, id, status, source)
	if err != nil {
		return fmt.Errorf("set member validation: %w", err)
	}
	return nil
}

// AppendAudit adds an append-only validation_log row. Detail is stored as
// JSON verbatim, including the raw lookup trail, for human debugging.
func (s *Store) AppendAudit(ctx context.Context, memberID int64, source, outcome string, detail map[string]any) error {
	if detail == nil {
		detail = map[string]any{}
	}
	payload, err := json.Marshal(detail)
	if err != nil {
		return fmt.Errorf("marshal audit detail: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO validation_log (member_id, source, outcome, detail)
		VALUES ($1, $2, $3, $4)
	`, memberID, source, outcome, payload)
	if err != nil {
		return fmt.Errorf("append audit: %w", err)
	}
	return nil
}
