package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"caflz/api/model"
	"caflz/api/saga"
)

// DB is the PostgreSQL ledger.
type DB struct {
	pool *pgxpool.Pool
}

func Connect(databaseURL string) (*DB, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return &DB{pool: pool}, nil
}

func (db *DB) Close() {
	db.pool.Close()
}

func (db *DB) Ping(ctx context.Context) error {
	return db.pool.Ping(ctx)
}

func Migrate(db *DB) error {
	ctx := context.Background()
	_, err := db.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS customers (
			id            TEXT PRIMARY KEY,
			name          TEXT NOT NULL,
			email         TEXT NOT NULL DEFAULT '',
			phone         TEXT NOT NULL DEFAULT '',
			tenant_id     TEXT NOT NULL,
			client_id     TEXT NOT NULL,
			client_secret TEXT NOT NULL DEFAULT '',
			region        TEXT NOT NULL DEFAULT '',
			region_code   TEXT NOT NULL DEFAULT '',
			environment   TEXT NOT NULL DEFAULT '',
			landscape     JSONB NOT NULL DEFAULT '{}',
			status        TEXT NOT NULL DEFAULT 'created',
			deployed_at   TIMESTAMPTZ,
			created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at    TIMESTAMPTZ NOT NULL DEFAULT now()
		);

		CREATE TABLE IF NOT EXISTS deployments (
			id              BIGSERIAL PRIMARY KEY,
			customer_id     TEXT NOT NULL REFERENCES customers(id) ON DELETE CASCADE,
			component       TEXT NOT NULL,
			action          TEXT NOT NULL,
			auto_approve    BOOLEAN NOT NULL DEFAULT FALSE,
			status          TEXT NOT NULL DEFAULT 'pending',
			progress        INTEGER NOT NULL DEFAULT 0,
			current_step    TEXT NOT NULL DEFAULT '',
			has_changes     BOOLEAN,
			plan_output     TEXT NOT NULL DEFAULT '',
			apply_output    TEXT NOT NULL DEFAULT '',
			outputs         JSONB NOT NULL DEFAULT '{}',
			resources       JSONB,
			error_kind      TEXT NOT NULL DEFAULT '',
			error_message   TEXT NOT NULL DEFAULT '',
			triggered_by    TEXT NOT NULL DEFAULT '',
			saga_id         TEXT NOT NULL DEFAULT '',
			started_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
			completed_at    TIMESTAMPTZ,
			elapsed_seconds BIGINT
		);
		CREATE INDEX IF NOT EXISTS idx_deployments_customer ON deployments(customer_id, started_at DESC);
		CREATE INDEX IF NOT EXISTS idx_deployments_status ON deployments(status);
		DROP INDEX IF EXISTS idx_deployments_in_flight;
		CREATE UNIQUE INDEX IF NOT EXISTS idx_deployments_active_target ON deployments(customer_id, component)
			WHERE status IN ('pending', 'running', 'pending_approval');

		CREATE TABLE IF NOT EXISTS saga_events (
			seq           BIGSERIAL PRIMARY KEY,
			id            TEXT NOT NULL UNIQUE,
			saga_id       TEXT NOT NULL,
			occurred_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
			source        TEXT NOT NULL DEFAULT '',
			customer_id   TEXT NOT NULL DEFAULT '',
			component     TEXT NOT NULL DEFAULT '',
			deployment_id BIGINT NOT NULL DEFAULT 0,
			category      TEXT NOT NULL DEFAULT '',
			action        TEXT NOT NULL,
			message       TEXT NOT NULL DEFAULT '',
			metadata      JSONB NOT NULL DEFAULT '{}'
		);
		CREATE INDEX IF NOT EXISTS idx_saga_events_saga ON saga_events(saga_id, seq);
		CREATE INDEX IF NOT EXISTS idx_saga_events_customer ON saga_events(customer_id, seq DESC);
	`)
	return err
}

// --- Customers ---

func (db *DB) CreateCustomer(ctx context.Context, c *model.Customer) error {
	land, err := json.Marshal(c.Landscape)
	if err != nil {
		return fmt.Errorf("marshal landscape: %w", err)
	}
	if c.Status == "" {
		c.Status = model.CustomerCreated
	}
	err = db.pool.QueryRow(ctx,
		`INSERT INTO customers (id, name, email, phone, tenant_id, client_id, client_secret,
		   region, region_code, environment, landscape, status, deployed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		 RETURNING created_at, updated_at`,
		c.ID, c.Name, c.Email, c.Phone, c.TenantID, c.ClientID, c.ClientSecret,
		c.Region, c.RegionCode, c.Environment, land, string(c.Status), c.DeployedAt,
	).Scan(&c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		if pgCode(err) == "23505" {
			return fmt.Errorf("customer %q: %w", c.ID, model.ErrAlreadyExists)
		}
		return fmt.Errorf("insert customer: %w", err)
	}
	return nil
}

func (db *DB) GetCustomer(ctx context.Context, id string) (*model.Customer, error) {
	c, err := scanPgCustomer(db.pool.QueryRow(ctx, `SELECT `+customerCols+` FROM customers WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("customer %q: %w", id, model.ErrNotFound)
	}
	return c, err
}

func (db *DB) ListCustomers(ctx context.Context, f CustomerFilter) ([]model.Customer, error) {
	q := `SELECT ` + customerCols + ` FROM customers WHERE 1=1`
	var args []any
	if f.Status != "" {
		q += ` AND status = $1`
		args = append(args, string(f.Status))
	} else if !f.IncludeDeleted {
		q += ` AND status <> 'deleted'`
	}
	rows, err := db.pool.Query(ctx, q+` ORDER BY id`, args...)
	if err != nil {
		return nil, fmt.Errorf("list customers: %w", err)
	}
	defer rows.Close()

	var out []model.Customer
	for rows.Next() {
		c, err := scanPgCustomer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

func (db *DB) UpdateCustomer(ctx context.Context, c *model.Customer) error {
	land, err := json.Marshal(c.Landscape)
	if err != nil {
		return fmt.Errorf("marshal landscape: %w", err)
	}
	err = db.pool.QueryRow(ctx,
		`UPDATE customers SET name = $1, email = $2, phone = $3, tenant_id = $4, client_id = $5, client_secret = $6,
		   region = $7, region_code = $8, environment = $9, landscape = $10, status = $11, deployed_at = $12,
		   updated_at = now()
		 WHERE id = $13 RETURNING updated_at`,
		c.Name, c.Email, c.Phone, c.TenantID, c.ClientID, c.ClientSecret,
		c.Region, c.RegionCode, c.Environment, land, string(c.Status), c.DeployedAt, c.ID,
	).Scan(&c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("customer %q: %w", c.ID, model.ErrNotFound)
	}
	return err
}

func (db *DB) UpdateCustomerStatus(ctx context.Context, id string, status model.CustomerStatus, deployedAt *time.Time) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE customers SET status = $1, deployed_at = COALESCE($2, deployed_at), updated_at = now() WHERE id = $3`,
		string(status), deployedAt, id,
	)
	if err != nil {
		return fmt.Errorf("update customer status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("customer %q: %w", id, model.ErrNotFound)
	}
	return nil
}

func (db *DB) DeleteCustomer(ctx context.Context, id string) error {
	tag, err := db.pool.Exec(ctx, `DELETE FROM customers WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete customer: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("customer %q: %w", id, model.ErrNotFound)
	}
	return nil
}

// --- Deployments ---

func (db *DB) CreateDeployment(ctx context.Context, d *model.Deployment) error {
	if d.StartedAt.IsZero() {
		d.StartedAt = time.Now()
	}
	outputs, resources, err := marshalResults(d)
	if err != nil {
		return err
	}
	err = db.pool.QueryRow(ctx,
		`INSERT INTO deployments (customer_id, component, action, auto_approve, status, progress, current_step,
		   has_changes, plan_output, apply_output, outputs, resources, error_kind, error_message,
		   triggered_by, saga_id, started_at, completed_at, elapsed_seconds)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
		 RETURNING id`,
		d.CustomerID, string(d.Component), string(d.Action), d.AutoApprove, string(d.Status), d.Progress, d.CurrentStep,
		d.HasChanges, d.PlanOutput, d.ApplyOutput, outputs, nullString(resources), d.ErrorKind, d.Error,
		d.TriggeredBy, d.SagaID, d.StartedAt, d.CompletedAt, d.ElapsedSeconds,
	).Scan(&d.ID)
	if err != nil {
		return pgDeploymentError(err, d)
	}
	return nil
}

func (db *DB) GetDeployment(ctx context.Context, id int64) (*model.Deployment, error) {
	d, err := scanPgDeployment(db.pool.QueryRow(ctx, `SELECT `+deploymentCols+` FROM deployments WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("deployment %d: %w", id, model.ErrNotFound)
	}
	return d, err
}

func (db *DB) ListDeployments(ctx context.Context, f DeploymentFilter) ([]model.Deployment, error) {
	where := ""
	args := []any{}
	argN := 1

	if f.CustomerID != "" {
		where += fmt.Sprintf(" AND customer_id = $%d", argN)
		args = append(args, f.CustomerID)
		argN++
	}
	if f.Component != "" {
		where += fmt.Sprintf(" AND component = $%d", argN)
		args = append(args, string(f.Component))
		argN++
	}
	if len(f.Statuses) > 0 {
		where += " AND status IN (" + placeholders(len(f.Statuses), argN, true) + ")"
		for _, st := range f.Statuses {
			args = append(args, string(st))
		}
		argN += len(f.Statuses)
	}
	q := fmt.Sprintf("SELECT %s FROM deployments WHERE 1=1%s ORDER BY id DESC LIMIT $%d", deploymentCols, where, argN)
	args = append(args, f.limit())

	rows, err := db.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list deployments: %w", err)
	}
	defer rows.Close()

	var out []model.Deployment
	for rows.Next() {
		d, err := scanPgDeployment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *d)
	}
	return out, rows.Err()
}

func (db *DB) UpdateDeployment(ctx context.Context, d *model.Deployment, from model.Status) error {
	if err := checkTransition(from); err != nil {
		return err
	}
	outputs, resources, err := marshalResults(d)
	if err != nil {
		return err
	}
	tag, err := db.pool.Exec(ctx,
		`UPDATE deployments SET status = $1, progress = $2, current_step = $3, has_changes = $4,
		   plan_output = $5, apply_output = $6, outputs = $7, resources = $8, error_kind = $9, error_message = $10,
		   completed_at = $11, elapsed_seconds = $12
		 WHERE id = $13 AND status = $14`,
		string(d.Status), d.Progress, d.CurrentStep, d.HasChanges,
		d.PlanOutput, d.ApplyOutput, outputs, nullString(resources), d.ErrorKind, d.Error,
		d.CompletedAt, d.ElapsedSeconds,
		d.ID, string(from),
	)
	if err != nil {
		return pgDeploymentError(err, d)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	cur, err := db.GetDeployment(ctx, d.ID)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: deployment %d is %s, expected %s", model.ErrInvalidState, d.ID, cur.Status, from)
}

// --- Saga events ---

func (db *DB) AppendEvent(ctx context.Context, evt *saga.Event) error {
	meta, _ := json.Marshal(evt.Metadata)
	if evt.Metadata == nil {
		meta = []byte("{}")
	}
	_, err := db.pool.Exec(ctx,
		`INSERT INTO saga_events (id, saga_id, occurred_at, source, customer_id, component, deployment_id,
		   category, action, message, metadata)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		evt.ID, evt.SagaID, evt.Timestamp, evt.Source, evt.CustomerID, evt.Component, evt.DeploymentID,
		evt.Category, evt.Action, evt.Message, meta,
	)
	return err
}

func (db *DB) ListBySaga(ctx context.Context, sagaID string) ([]saga.Event, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+eventCols+` FROM saga_events WHERE saga_id = $1 ORDER BY seq ASC`, sagaID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanPgEvents(rows)
}

func (db *DB) ListByCustomer(ctx context.Context, customerID string, limit int) ([]saga.Event, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.pool.Query(ctx,
		`SELECT `+eventCols+` FROM saga_events WHERE customer_id = $1 ORDER BY seq DESC LIMIT $2`, customerID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanPgEvents(rows)
}

// --- helpers ---

func scanPgCustomer(row pgx.Row) (*model.Customer, error) {
	var c model.Customer
	var land []byte
	if err := row.Scan(&c.ID, &c.Name, &c.Email, &c.Phone, &c.TenantID, &c.ClientID, &c.ClientSecret,
		&c.Region, &c.RegionCode, &c.Environment, &land, &c.Status, &c.DeployedAt, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(land, &c.Landscape); err != nil {
		return nil, fmt.Errorf("customer %s landscape: %w", c.ID, err)
	}
	return &c, nil
}

func scanPgDeployment(row pgx.Row) (*model.Deployment, error) {
	var d model.Deployment
	var outputs, resources []byte
	if err := row.Scan(&d.ID, &d.CustomerID, &d.Component, &d.Action, &d.AutoApprove, &d.Status, &d.Progress,
		&d.CurrentStep, &d.HasChanges, &d.PlanOutput, &d.ApplyOutput, &outputs, &resources, &d.ErrorKind, &d.Error,
		&d.TriggeredBy, &d.SagaID, &d.StartedAt, &d.CompletedAt, &d.ElapsedSeconds); err != nil {
		return nil, err
	}
	if err := unmarshalResults(&d, outputs, resources); err != nil {
		return nil, err
	}
	return &d, nil
}

func scanPgEvents(rows pgx.Rows) ([]saga.Event, error) {
	var events []saga.Event
	for rows.Next() {
		var evt saga.Event
		var meta []byte
		if err := rows.Scan(&evt.ID, &evt.SagaID, &evt.Timestamp, &evt.Source, &evt.CustomerID, &evt.Component,
			&evt.DeploymentID, &evt.Category, &evt.Action, &evt.Message, &meta); err != nil {
			return nil, err
		}
		if len(meta) > 0 {
			json.Unmarshal(meta, &evt.Metadata)
		}
		events = append(events, evt)
	}
	return events, rows.Err()
}

func pgCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

func pgDeploymentError(err error, d *model.Deployment) error {
	switch pgCode(err) {
	case "23505":
		return fmt.Errorf("%w: %s/%s", model.ErrDeploymentAlreadyInFlight, d.CustomerID, d.Component)
	case "23503":
		return fmt.Errorf("customer %q: %w", d.CustomerID, model.ErrNotFound)
	}
	return fmt.Errorf("write deployment: %w", err)
}
