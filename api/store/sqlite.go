package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	"caflz/api/model"
	"caflz/api/saga"
)

//go:embed migrations/sqlite/*.sql
var sqliteMigrations embed.FS

const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// SQLite is the embedded ledger used for development and tests.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens dsn (a file path or ":memory:") and applies migrations.
func OpenSQLite(ctx context.Context, dsn string) (*SQLite, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One connection: in-memory databases are per connection and SQLite
	// serializes writers anyway.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	fsys, err := fs.Sub(sqliteMigrations, "migrations/sqlite")
	if err != nil {
		db.Close()
		return nil, err
	}
	provider, err := goose.NewProvider(goose.DialectSQLite3, db, fsys)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("goose provider: %w", err)
	}
	if _, err := provider.Up(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *SQLite) Close() { s.db.Close() }

// --- Customers ---

func (s *SQLite) CreateCustomer(ctx context.Context, c *model.Customer) error {
	land, err := json.Marshal(c.Landscape)
	if err != nil {
		return fmt.Errorf("marshal landscape: %w", err)
	}
	now := time.Now().UTC()
	if c.Status == "" {
		c.Status = model.CustomerCreated
	}
	c.CreatedAt, c.UpdatedAt = now, now
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO customers (id, name, email, phone, tenant_id, client_id, client_secret,
		   region, region_code, environment, landscape, status, deployed_at, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.Name, c.Email, c.Phone, c.TenantID, c.ClientID, c.ClientSecret,
		c.Region, c.RegionCode, c.Environment, string(land), string(c.Status), fmtTimePtr(c.DeployedAt),
		fmtTime(now), fmtTime(now),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("customer %q: %w", c.ID, model.ErrAlreadyExists)
		}
		return fmt.Errorf("insert customer: %w", err)
	}
	return nil
}

const customerCols = `id, name, email, phone, tenant_id, client_id, client_secret,
	region, region_code, environment, landscape, status, deployed_at, created_at, updated_at`

func (s *SQLite) GetCustomer(ctx context.Context, id string) (*model.Customer, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+customerCols+` FROM customers WHERE id = ?`, id)
	c, err := scanSQLiteCustomer(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("customer %q: %w", id, model.ErrNotFound)
	}
	return c, err
}

func (s *SQLite) ListCustomers(ctx context.Context, f CustomerFilter) ([]model.Customer, error) {
	q := `SELECT ` + customerCols + ` FROM customers WHERE 1=1`
	var args []any
	if f.Status != "" {
		q += ` AND status = ?`
		args = append(args, string(f.Status))
	} else if !f.IncludeDeleted {
		q += ` AND status <> 'deleted'`
	}
	rows, err := s.db.QueryContext(ctx, q+` ORDER BY id`, args...)
	if err != nil {
		return nil, fmt.Errorf("list customers: %w", err)
	}
	defer rows.Close()

	var out []model.Customer
	for rows.Next() {
		c, err := scanSQLiteCustomer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

func (s *SQLite) UpdateCustomer(ctx context.Context, c *model.Customer) error {
	land, err := json.Marshal(c.Landscape)
	if err != nil {
		return fmt.Errorf("marshal landscape: %w", err)
	}
	c.UpdatedAt = time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE customers SET name = ?, email = ?, phone = ?, tenant_id = ?, client_id = ?, client_secret = ?,
		   region = ?, region_code = ?, environment = ?, landscape = ?, status = ?, deployed_at = ?, updated_at = ?
		 WHERE id = ?`,
		c.Name, c.Email, c.Phone, c.TenantID, c.ClientID, c.ClientSecret,
		c.Region, c.RegionCode, c.Environment, string(land), string(c.Status), fmtTimePtr(c.DeployedAt), fmtTime(c.UpdatedAt),
		c.ID,
	)
	if err != nil {
		return fmt.Errorf("update customer: %w", err)
	}
	return expectOne(res, "customer", c.ID)
}

func (s *SQLite) UpdateCustomerStatus(ctx context.Context, id string, status model.CustomerStatus, deployedAt *time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE customers SET status = ?, deployed_at = COALESCE(?, deployed_at), updated_at = ? WHERE id = ?`,
		string(status), fmtTimePtr(deployedAt), fmtTime(time.Now()), id,
	)
	if err != nil {
		return fmt.Errorf("update customer status: %w", err)
	}
	return expectOne(res, "customer", id)
}

func (s *SQLite) DeleteCustomer(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM customers WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete customer: %w", err)
	}
	return expectOne(res, "customer", id)
}

// --- Deployments ---

const deploymentCols = `id, customer_id, component, action, auto_approve, status, progress, current_step,
	has_changes, plan_output, apply_output, outputs, resources, error_kind, error_message,
	triggered_by, saga_id, started_at, completed_at, elapsed_seconds`

func (s *SQLite) CreateDeployment(ctx context.Context, d *model.Deployment) error {
	if d.StartedAt.IsZero() {
		d.StartedAt = time.Now()
	}
	outputs, resources, err := marshalResults(d)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO deployments (customer_id, component, action, auto_approve, status, progress, current_step,
		   has_changes, plan_output, apply_output, outputs, resources, error_kind, error_message,
		   triggered_by, saga_id, started_at, completed_at, elapsed_seconds)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.CustomerID, string(d.Component), string(d.Action), d.AutoApprove, string(d.Status), d.Progress, d.CurrentStep,
		nullBool(d.HasChanges), d.PlanOutput, d.ApplyOutput, string(outputs), nullString(resources), d.ErrorKind, d.Error,
		d.TriggeredBy, d.SagaID, fmtTime(d.StartedAt), fmtTimePtr(d.CompletedAt), nullInt(d.ElapsedSeconds),
	)
	if err != nil {
		return s.deploymentWriteError(err, d)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("insert deployment: %w", err)
	}
	d.ID = id
	return nil
}

func (s *SQLite) GetDeployment(ctx context.Context, id int64) (*model.Deployment, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+deploymentCols+` FROM deployments WHERE id = ?`, id)
	d, err := scanSQLiteDeployment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("deployment %d: %w", id, model.ErrNotFound)
	}
	return d, err
}

func (s *SQLite) ListDeployments(ctx context.Context, f DeploymentFilter) ([]model.Deployment, error) {
	q := `SELECT ` + deploymentCols + ` FROM deployments WHERE 1=1`
	var args []any
	if f.CustomerID != "" {
		q += ` AND customer_id = ?`
		args = append(args, f.CustomerID)
	}
	if f.Component != "" {
		q += ` AND component = ?`
		args = append(args, string(f.Component))
	}
	if len(f.Statuses) > 0 {
		q += ` AND status IN (` + placeholders(len(f.Statuses), 0, false) + `)`
		for _, st := range f.Statuses {
			args = append(args, string(st))
		}
	}
	q += ` ORDER BY id DESC LIMIT ?`
	args = append(args, f.limit())

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list deployments: %w", err)
	}
	defer rows.Close()

	var out []model.Deployment
	for rows.Next() {
		d, err := scanSQLiteDeployment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *d)
	}
	return out, rows.Err()
}

func (s *SQLite) UpdateDeployment(ctx context.Context, d *model.Deployment, from model.Status) error {
	if err := checkTransition(from); err != nil {
		return err
	}
	outputs, resources, err := marshalResults(d)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE deployments SET status = ?, progress = ?, current_step = ?, has_changes = ?,
		   plan_output = ?, apply_output = ?, outputs = ?, resources = ?, error_kind = ?, error_message = ?,
		   completed_at = ?, elapsed_seconds = ?
		 WHERE id = ? AND status = ?`,
		string(d.Status), d.Progress, d.CurrentStep, nullBool(d.HasChanges),
		d.PlanOutput, d.ApplyOutput, string(outputs), nullString(resources), d.ErrorKind, d.Error,
		fmtTimePtr(d.CompletedAt), nullInt(d.ElapsedSeconds),
		d.ID, string(from),
	)
	if err != nil {
		return s.deploymentWriteError(err, d)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}
	cur, err := s.GetDeployment(ctx, d.ID)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: deployment %d is %s, expected %s", model.ErrInvalidState, d.ID, cur.Status, from)
}

func (s *SQLite) deploymentWriteError(err error, d *model.Deployment) error {
	switch {
	case isUniqueViolation(err):
		return fmt.Errorf("%w: %s/%s", model.ErrDeploymentAlreadyInFlight, d.CustomerID, d.Component)
	case strings.Contains(err.Error(), "FOREIGN KEY constraint failed"):
		return fmt.Errorf("customer %q: %w", d.CustomerID, model.ErrNotFound)
	}
	return fmt.Errorf("write deployment: %w", err)
}

// --- Saga events ---

func (s *SQLite) AppendEvent(ctx context.Context, evt *saga.Event) error {
	meta, _ := json.Marshal(evt.Metadata)
	if evt.Metadata == nil {
		meta = []byte("{}")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO saga_events (id, saga_id, occurred_at, source, customer_id, component, deployment_id,
		   category, action, message, metadata)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		evt.ID, evt.SagaID, fmtTime(evt.Timestamp), evt.Source, evt.CustomerID, evt.Component, evt.DeploymentID,
		evt.Category, evt.Action, evt.Message, string(meta),
	)
	if err != nil {
		return fmt.Errorf("append saga event: %w", err)
	}
	return nil
}

const eventCols = `id, saga_id, occurred_at, source, customer_id, component, deployment_id, category, action, message, metadata`

func (s *SQLite) ListBySaga(ctx context.Context, sagaID string) ([]saga.Event, error) {
	return s.queryEvents(ctx, `SELECT `+eventCols+` FROM saga_events WHERE saga_id = ? ORDER BY seq ASC`, sagaID)
}

func (s *SQLite) ListByCustomer(ctx context.Context, customerID string, limit int) ([]saga.Event, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.queryEvents(ctx,
		`SELECT `+eventCols+` FROM saga_events WHERE customer_id = ? ORDER BY seq DESC LIMIT ?`, customerID, limit)
}

func (s *SQLite) queryEvents(ctx context.Context, q string, args ...any) ([]saga.Event, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list saga events: %w", err)
	}
	defer rows.Close()

	var events []saga.Event
	for rows.Next() {
		var evt saga.Event
		var ts, meta string
		if err := rows.Scan(&evt.ID, &evt.SagaID, &ts, &evt.Source, &evt.CustomerID, &evt.Component,
			&evt.DeploymentID, &evt.Category, &evt.Action, &evt.Message, &meta); err != nil {
			return nil, err
		}
		if evt.Timestamp, err = parseTime(ts); err != nil {
			return nil, err
		}
		json.Unmarshal([]byte(meta), &evt.Metadata)
		events = append(events, evt)
	}
	return events, rows.Err()
}

// --- helpers ---

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteCustomer(row rowScanner) (*model.Customer, error) {
	var c model.Customer
	var land, created, updated string
	var deployed sql.NullString
	if err := row.Scan(&c.ID, &c.Name, &c.Email, &c.Phone, &c.TenantID, &c.ClientID, &c.ClientSecret,
		&c.Region, &c.RegionCode, &c.Environment, &land, &c.Status, &deployed, &created, &updated); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(land), &c.Landscape); err != nil {
		return nil, fmt.Errorf("customer %s landscape: %w", c.ID, err)
	}
	var err error
	if c.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}
	if c.UpdatedAt, err = parseTime(updated); err != nil {
		return nil, err
	}
	if c.DeployedAt, err = parseNullTime(deployed); err != nil {
		return nil, err
	}
	return &c, nil
}

func scanSQLiteDeployment(row rowScanner) (*model.Deployment, error) {
	var d model.Deployment
	var hasChanges sql.NullBool
	var outputs, started string
	var resources, completed sql.NullString
	var elapsed sql.NullInt64
	if err := row.Scan(&d.ID, &d.CustomerID, &d.Component, &d.Action, &d.AutoApprove, &d.Status, &d.Progress,
		&d.CurrentStep, &hasChanges, &d.PlanOutput, &d.ApplyOutput, &outputs, &resources, &d.ErrorKind, &d.Error,
		&d.TriggeredBy, &d.SagaID, &started, &completed, &elapsed); err != nil {
		return nil, err
	}
	if hasChanges.Valid {
		d.HasChanges = &hasChanges.Bool
	}
	if elapsed.Valid {
		d.ElapsedSeconds = &elapsed.Int64
	}
	var res []byte
	if resources.Valid {
		res = []byte(resources.String)
	}
	if err := unmarshalResults(&d, []byte(outputs), res); err != nil {
		return nil, err
	}
	var err error
	if d.StartedAt, err = parseTime(started); err != nil {
		return nil, err
	}
	if d.CompletedAt, err = parseNullTime(completed); err != nil {
		return nil, err
	}
	return &d, nil
}

func marshalResults(d *model.Deployment) (outputs, resources []byte, err error) {
	outputs = []byte("{}")
	if len(d.Outputs) > 0 {
		if outputs, err = json.Marshal(d.Outputs); err != nil {
			return nil, nil, fmt.Errorf("marshal outputs: %w", err)
		}
	}
	if d.Resources != nil {
		if resources, err = json.Marshal(d.Resources); err != nil {
			return nil, nil, fmt.Errorf("marshal resources: %w", err)
		}
	}
	return outputs, resources, nil
}

func unmarshalResults(d *model.Deployment, outputs, resources []byte) error {
	if len(outputs) > 0 && string(outputs) != "{}" {
		if err := json.Unmarshal(outputs, &d.Outputs); err != nil {
			return fmt.Errorf("deployment %d outputs: %w", d.ID, err)
		}
	}
	if len(resources) > 0 {
		d.Resources = &model.ResourceSummary{}
		if err := json.Unmarshal(resources, d.Resources); err != nil {
			return fmt.Errorf("deployment %d resources: %w", d.ID, err)
		}
	}
	return nil
}

func fmtTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func fmtTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return fmtTime(*t)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse time %q: %w", s, err)
	}
	return t, nil
}

func parseNullTime(s sql.NullString) (*time.Time, error) {
	if !s.Valid {
		return nil, nil
	}
	t, err := parseTime(s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func nullBool(b *bool) any {
	if b == nil {
		return nil
	}
	return *b
}

func nullInt(n *int64) any {
	if n == nil {
		return nil
	}
	return *n
}

func nullString(b []byte) any {
	if b == nil {
		return nil
	}
	return string(b)
}

func isUniqueViolation(err error) bool {
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func expectOne(res sql.Result, kind, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s %q: %w", kind, id, model.ErrNotFound)
	}
	return nil
}
