package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rendis/signflow/pkg/schema"
)

const webhookColumns = `id, url, events, secret, enabled, retry_max_attempts, retry_initial_delay,
	retry_multiplier, created_at`

func (s *LibSQLStore) CreateWebhook(ctx context.Context, wh *schema.WebhookConfig) error {
	events, err := json.Marshal(wh.Events)
	if err != nil {
		return schema.NewError(schema.ErrCodeStore, "marshal webhook events").WithCause(err)
	}
	wh.CreatedAt = timeOrNow(wh.CreatedAt)
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO webhooks (`+webhookColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		wh.ID, wh.URL, string(events), nullStr(wh.Secret), wh.Enabled,
		wh.Retry.MaxAttempts, wh.Retry.InitialDelay, wh.Retry.Multiplier, wh.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert webhook: %w", err)
	}
	return nil
}

func (s *LibSQLStore) GetWebhook(ctx context.Context, id string) (*schema.WebhookConfig, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+webhookColumns+` FROM webhooks WHERE id = ?`, id)
	wh, err := scanWebhook(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("webhook", id)
	}
	return wh, err
}

func (s *LibSQLStore) UpdateWebhook(ctx context.Context, id string, u WebhookUpdate) error {
	var sets []string
	var args []any
	if u.URL != nil {
		sets = append(sets, "url = ?")
		args = append(args, *u.URL)
	}
	if u.Events != nil {
		events, err := json.Marshal(u.Events)
		if err != nil {
			return schema.NewError(schema.ErrCodeStore, "marshal webhook events").WithCause(err)
		}
		sets = append(sets, "events = ?")
		args = append(args, string(events))
	}
	if u.Enabled != nil {
		sets = append(sets, "enabled = ?")
		args = append(args, *u.Enabled)
	}
	if u.Retry != nil {
		sets = append(sets, "retry_max_attempts = ?", "retry_initial_delay = ?", "retry_multiplier = ?")
		args = append(args, u.Retry.MaxAttempts, u.Retry.InitialDelay, u.Retry.Multiplier)
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)
	res, err := s.db.ExecContext(ctx, "UPDATE webhooks SET "+strings.Join(sets, ", ")+" WHERE id = ?", args...)
	if err != nil {
		return fmt.Errorf("update webhook: %w", err)
	}
	return checkRowsAffected(res, "webhook", id)
}

func (s *LibSQLStore) DeleteWebhook(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM webhooks WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "webhook", id)
}

func (s *LibSQLStore) ListWebhooks(ctx context.Context, filter WebhookFilter) ([]*schema.WebhookConfig, error) {
	query := `SELECT ` + webhookColumns + ` FROM webhooks`
	if filter.EnabledOnly {
		query += ` WHERE enabled = 1`
	}
	query += ` ORDER BY created_at ASC`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*schema.WebhookConfig
	for rows.Next() {
		wh, err := scanWebhook(rows)
		if err != nil {
			return nil, err
		}
		if filter.EventType != "" && !wh.Subscribed(filter.EventType) {
			continue
		}
		out = append(out, wh)
	}
	return out, rows.Err()
}

func (s *LibSQLStore) RecordDelivery(ctx context.Context, d *schema.WebhookDelivery) error {
	d.CreatedAt = timeOrNow(d.CreatedAt)
	var status any
	if d.StatusCode != 0 {
		status = d.StatusCode
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO webhook_deliveries (id, webhook_id, event_type, attempts, succeeded, status_code, last_error, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.WebhookID, d.EventType, d.Attempts, d.Succeeded, status, nullStr(d.LastError), d.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert webhook delivery: %w", err)
	}
	return nil
}

func (s *LibSQLStore) ListDeliveries(ctx context.Context, webhookID string, limit int) ([]*schema.WebhookDelivery, error) {
	query := `SELECT id, webhook_id, event_type, attempts, succeeded, status_code, last_error, created_at
		FROM webhook_deliveries WHERE webhook_id = ? ORDER BY created_at DESC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := s.db.QueryContext(ctx, query, webhookID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*schema.WebhookDelivery
	for rows.Next() {
		var (
			d       schema.WebhookDelivery
			status  sql.NullInt64
			lastErr sql.NullString
		)
		if err := rows.Scan(&d.ID, &d.WebhookID, &d.EventType, &d.Attempts, &d.Succeeded, &status, &lastErr, &d.CreatedAt); err != nil {
			return nil, err
		}
		d.StatusCode = int(status.Int64)
		d.LastError = lastErr.String
		out = append(out, &d)
	}
	return out, rows.Err()
}

func scanWebhook(sc scanner) (*schema.WebhookConfig, error) {
	var (
		wh     schema.WebhookConfig
		events string
		secret sql.NullString
	)
	if err := sc.Scan(&wh.ID, &wh.URL, &events, &secret, &wh.Enabled, &wh.Retry.MaxAttempts, &wh.Retry.InitialDelay,
		&wh.Retry.Multiplier, &wh.CreatedAt); err != nil {
		return nil, err
	}
	wh.Secret = secret.String
	if err := json.Unmarshal([]byte(events), &wh.Events); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "decode events of webhook %q", wh.ID).WithCause(err)
	}
	return &wh, nil
}
