// Package drift periodically plans every deployed component and records
// whether the live infrastructure still matches its configuration.
package drift

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-logr/logr"
	"github.com/robfig/cron/v3"

	"caflz/api/credentials"
	"caflz/api/model"
	"caflz/api/pipeline"
	"caflz/api/store"
)

type CustomerLister interface {
	ListCustomers(ctx context.Context, f store.CustomerFilter) ([]model.Customer, error)
}

type Submitter interface {
	Submit(ctx context.Context, req pipeline.Request) (*model.Deployment, error)
}

type Scheduler struct {
	cron      *cron.Cron
	customers CustomerLister
	submitter Submitter
	log       logr.Logger
}

func New(schedule string, customers CustomerLister, submitter Submitter, log logr.Logger) (*Scheduler, error) {
	s := &Scheduler{
		cron:      cron.New(),
		customers: customers,
		submitter: submitter,
		log:       log.WithName("drift"),
	}
	if _, err := s.cron.AddFunc(schedule, func() {
		if _, err := s.RunOnce(context.Background()); err != nil {
			s.log.Error(err, "drift check failed")
		}
	}); err != nil {
		return nil, fmt.Errorf("drift schedule %q: %w", schedule, err)
	}
	return s, nil
}

func (s *Scheduler) Start() {
	s.cron.Start()
	s.log.Info("scheduler started")
}

func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.log.Info("scheduler stopped")
}

// RunOnce submits a plan for every targeted component of every active
// customer and returns how many were queued.
func (s *Scheduler) RunOnce(ctx context.Context) (int, error) {
	customers, err := s.customers.ListCustomers(ctx, store.CustomerFilter{Status: model.CustomerActive})
	if err != nil {
		return 0, fmt.Errorf("list active customers: %w", err)
	}
	queued := 0
	for i := range customers {
		c := &customers[i]
		for _, component := range c.Landscape.Components() {
			if _, err := credentials.SubscriptionFor(c, component); err != nil {
				continue
			}
			log := s.log.WithValues("customer", c.ID, "component", string(component))
			d, err := s.submitter.Submit(ctx, pipeline.Request{
				CustomerID:  c.ID,
				Component:   string(component),
				Action:      string(model.ActionPlan),
				TriggeredBy: pipeline.DriftTrigger,
			})
			switch {
			case errors.Is(err, model.ErrDeploymentAlreadyInFlight):
				log.V(1).Info("skipping drift check, deployment in flight")
			case err != nil:
				log.Error(err, "submit drift check")
			default:
				log.V(1).Info("drift check queued", "deployment", d.ID)
				queued++
			}
		}
	}
	return queued, nil
}
