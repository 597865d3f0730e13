package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/nhle/mail-triage/internal/model"
)

const ruleColumns = `id, account_id, pattern, pattern_type, target_folder,
	confidence, correction_count, auto_apply, created_at, updated_at`

// UpsertRule inserts or updates a sender rule keyed by
// (account_id, pattern, pattern_type). On conflict, target folder,
// confidence, correction count, and auto-apply are overwritten with the
// caller-supplied values; the promotion math lives in the triage layer,
// this row is dumb state.
func (s *SQLiteStore) UpsertRule(ctx context.Context, r model.SenderRule) error {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sender_rules (
			id, account_id, pattern, pattern_type, target_folder,
			confidence, correction_count, auto_apply, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(account_id, pattern, pattern_type) DO UPDATE SET
			target_folder = excluded.target_folder,
			confidence = excluded.confidence,
			correction_count = excluded.correction_count,
			auto_apply = excluded.auto_apply,
			updated_at = excluded.updated_at`,
		r.ID, r.AccountID, r.Pattern, string(r.PatternType), r.TargetFolder,
		r.Confidence, r.CorrectionCount, boolToInt(r.AutoApply),
		r.CreatedAt, now,
	)
	if err != nil {
		return fmt.Errorf("upserting sender rule %s/%s: %w", r.AccountID, r.Pattern, err)
	}

	return nil
}

// FindRule retrieves a sender rule by its natural key, or nil if no rule
// has been learned for the pattern yet.
func (s *SQLiteStore) FindRule(ctx context.Context, accountID, pattern string, pt model.RulePatternType) (*model.SenderRule, error) {
	rows, err := s.db.QueryxContext(ctx,
		"SELECT "+ruleColumns+" FROM sender_rules WHERE account_id = ? AND pattern = ? AND pattern_type = ?",
		accountID, pattern, string(pt),
	)
	if err != nil {
		return nil, fmt.Errorf("querying sender rule %s/%s: %w", accountID, pattern, err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}

	r, err := scanRule(rows)
	if err != nil {
		return nil, err
	}
	return &r, rows.Err()
}

// FindAutoApplyRules retrieves the rules promoted to auto-apply for an
// account.
func (s *SQLiteStore) FindAutoApplyRules(ctx context.Context, accountID string) ([]model.SenderRule, error) {
	rows, err := s.db.QueryxContext(ctx,
		"SELECT "+ruleColumns+" FROM sender_rules WHERE account_id = ? AND auto_apply = 1 ORDER BY pattern",
		accountID,
	)
	if err != nil {
		return nil, fmt.Errorf("querying auto-apply rules: %w", err)
	}
	defer rows.Close()

	var rules []model.SenderRule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		rules = append(rules, r)
	}

	return rules, rows.Err()
}

// IncrementRuleCount atomically bumps a rule's correction count by one.
func (s *SQLiteStore) IncrementRuleCount(ctx context.Context, ruleID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sender_rules
		SET correction_count = correction_count + 1, updated_at = ?
		WHERE id = ?`,
		time.Now().UTC(), ruleID,
	)
	if err != nil {
		return fmt.Errorf("incrementing rule %s: %w", ruleID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("sender rule %s: %w", ruleID, ErrNotFound)
	}
	return nil
}

// scanRule scans a sender rule row from a sqlx.Rows result set.
func scanRule(rows *sqlx.Rows) (model.SenderRule, error) {
	var (
		r           model.SenderRule
		patternType string
		autoApply   int
	)

	err := rows.Scan(
		&r.ID, &r.AccountID, &r.Pattern, &patternType, &r.TargetFolder,
		&r.Confidence, &r.CorrectionCount, &autoApply, &r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return model.SenderRule{}, fmt.Errorf("scanning sender rule row: %w", err)
	}

	r.PatternType = model.RulePatternType(patternType)
	r.AutoApply = autoApply != 0

	return r, nil
}
