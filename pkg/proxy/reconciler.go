package proxy

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/platinummonkey/hub/pkg/observability"
	"github.com/platinummonkey/hub/pkg/storage"
)

const reconcileConcurrency = 4

// Reconciler periodically re-registers routes for users whose server is
// running but whose last registration attempt failed. A user who logged in
// successfully but never got routed is otherwise invisible; the pending-sync
// gauge plus this pass makes that state observable and self-healing.
type Reconciler struct {
	store   storage.RecordStore
	client  Client
	logger  *observability.Logger
	metrics *observability.Metrics
	cron    *cron.Cron
}

// NewReconciler creates a route reconciler. metrics may be nil.
func NewReconciler(store storage.RecordStore, client Client, logger *observability.Logger, metrics *observability.Metrics) *Reconciler {
	return &Reconciler{
		store:   store,
		client:  client,
		logger:  logger.WithField("component", "proxy-reconciler"),
		metrics: metrics,
		cron:    cron.New(),
	}
}

// Start schedules the reconciliation pass. schedule is a cron expression,
// e.g. "@every 30s".
func (r *Reconciler) Start(schedule string) error {
	_, err := r.cron.AddFunc(schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		if err := r.Reconcile(ctx); err != nil {
			r.logger.WithError(err).Error("route reconciliation pass failed")
		}
	})
	if err != nil {
		return fmt.Errorf("failed to schedule reconciler: %w", err)
	}
	r.cron.Start()
	r.logger.Infof("route reconciler scheduled: %s", schedule)
	return nil
}

// Stop halts the schedule and waits for a running pass to finish
func (r *Reconciler) Stop() {
	<-r.cron.Stop().Done()
}

// Reconcile registers the route for every running server that is not yet
// synced with the proxy
func (r *Reconciler) Reconcile(ctx context.Context) error {
	users, err := r.store.ListUsers(ctx)
	if err != nil {
		return fmt.Errorf("failed to list users: %w", err)
	}

	var pending []*storage.User
	for _, user := range users {
		if user.Server.Running && !user.Server.RouteSynced {
			pending = append(pending, user)
		}
	}
	if r.metrics != nil {
		r.metrics.RoutesPendingSync.Set(float64(len(pending)))
	}
	if len(pending) == 0 {
		return nil
	}

	r.logger.Infof("re-registering %d pending routes", len(pending))

	eg, ctx := errgroup.WithContext(ctx)
	eg.SetLimit(reconcileConcurrency)
	for _, user := range pending {
		eg.Go(func() error {
			log := r.logger.WithField("username", user.Name)
			if err := r.client.Register(ctx, user.Server.BaseURL, user.Server.URL(), user.Name); err != nil {
				if r.metrics != nil {
					r.metrics.ProxyRegistrationsTotal.WithLabelValues("error").Inc()
				}
				log.WithError(err).Warn("route re-registration failed")
				// Leave route_synced unset; the next pass retries
				return nil
			}

			user.Server.RouteSynced = true
			if err := r.store.UpdateServer(ctx, user.Server); err != nil {
				log.WithError(err).Error("failed to persist route sync state")
				return nil
			}
			if r.metrics != nil {
				r.metrics.ProxyRegistrationsTotal.WithLabelValues("ok").Inc()
			}
			log.Info("route re-registered")
			return nil
		})
	}
	return eg.Wait()
}
