package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"caflz/api/model"
	"caflz/api/saga"
)

// Ledger is the durable record of customers, deployments and their audit
// trail. Missing records yield model.ErrNotFound.
type Ledger interface {
	CustomerStore
	DeploymentStore
	saga.Store
	Ping(ctx context.Context) error
	Close()
}

type CustomerStore interface {
	CreateCustomer(ctx context.Context, c *model.Customer) error
	GetCustomer(ctx context.Context, id string) (*model.Customer, error)
	ListCustomers(ctx context.Context, f CustomerFilter) ([]model.Customer, error)
	UpdateCustomer(ctx context.Context, c *model.Customer) error
	UpdateCustomerStatus(ctx context.Context, id string, status model.CustomerStatus, deployedAt *time.Time) error
	// DeleteCustomer removes the customer and its deployment history.
	DeleteCustomer(ctx context.Context, id string) error
}

type DeploymentStore interface {
	// CreateDeployment assigns d.ID. A second in-flight deployment for the
	// same customer component fails with model.ErrDeploymentAlreadyInFlight,
	// including while a plan waits for approval.
	CreateDeployment(ctx context.Context, d *model.Deployment) error
	GetDeployment(ctx context.Context, id int64) (*model.Deployment, error)
	ListDeployments(ctx context.Context, f DeploymentFilter) ([]model.Deployment, error)
	// UpdateDeployment writes d only if the stored status is still from.
	// Otherwise it fails with model.ErrInvalidState.
	UpdateDeployment(ctx context.Context, d *model.Deployment, from model.Status) error
}

type CustomerFilter struct {
	Status         model.CustomerStatus
	IncludeDeleted bool
}

type DeploymentFilter struct {
	CustomerID string
	Component  model.Component
	Statuses   []model.Status
	Limit      int
}

func (f DeploymentFilter) limit() int {
	if f.Limit <= 0 || f.Limit > 500 {
		return 100
	}
	return f.Limit
}

const interruptedMessage = "service restarted during deployment"

// RecoverInFlight fails every deployment left pending or running by a
// previous process. Plans waiting for approval keep their saved artifact and
// survive the restart.
func RecoverInFlight(ctx context.Context, s DeploymentStore, now time.Time) (int, error) {
	stale, err := s.ListDeployments(ctx, DeploymentFilter{
		Statuses: []model.Status{model.StatusPending, model.StatusRunning},
		Limit:    500,
	})
	if err != nil {
		return 0, err
	}
	n := 0
	for i := range stale {
		d := &stale[i]
		from := d.Status
		d.Fail(errors.New(interruptedMessage), now)
		d.ErrorKind = model.KindInterrupted
		if err := s.UpdateDeployment(ctx, d, from); err != nil {
			return n, fmt.Errorf("recover deployment %d: %w", d.ID, err)
		}
		n++
	}
	return n, nil
}

func checkTransition(from model.Status) error {
	if from.Terminal() {
		return fmt.Errorf("%w: deployment is %s", model.ErrInvalidState, from)
	}
	return nil
}

// placeholders renders "?, ?, ?" or "$3, $4, $5".
func placeholders(n, start int, dollar bool) string {
	parts := make([]string, n)
	for i := range parts {
		if dollar {
			parts[i] = fmt.Sprintf("$%d", start+i)
		} else {
			parts[i] = "?"
		}
	}
	return strings.Join(parts, ", ")
}

var (
	_ Ledger = (*DB)(nil)
	_ Ledger = (*SQLite)(nil)
)

// Open picks the backend from the URL: "sqlite://<path>" or a PostgreSQL
// connection string. Migrations run before it returns.
func Open(ctx context.Context, url string) (Ledger, error) {
	if dsn, ok := strings.CutPrefix(url, "sqlite://"); ok {
		return OpenSQLite(ctx, dsn)
	}
	db, err := Connect(url)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	if err := Migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return db, nil
}
