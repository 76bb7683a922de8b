// Package cycle implements the Cycle Driver: the per-invocation
// orchestrator that gates a whole sync pass behind the state store's
// liveness probe, sets up the single shared destination connection, and
// runs every configured route to completion, aggregating their results.
package cycle

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ajmccauley/syncrelay/internal/mailbox"
	"github.com/ajmccauley/syncrelay/internal/oauth2"
	"github.com/ajmccauley/syncrelay/internal/retry"
	"github.com/ajmccauley/syncrelay/internal/route"
	"github.com/ajmccauley/syncrelay/internal/statestore"
	"github.com/ajmccauley/syncrelay/internal/syncerr"
)

// destinationClient is the subset of mailbox.DestinationClient the driver
// itself calls, widened with the Route Runner's own requirements
// (EnsureFolder, AppendRaw) since the same connection is handed to every
// route's Runner for the life of the cycle.
type destinationClient interface {
	Connect() error
	Close() error
	EnsureFolder(ctx context.Context, name string, createIfMissing bool) error
	AppendRaw(ctx context.Context, folder string, raw []byte) error
}

// tokenRefresher is the subset of oauth2.Manager the driver depends on for
// the destination's own credentials.
type tokenRefresher interface {
	RefreshToken(ctx context.Context, creds oauth2.Credentials) (oauth2.TokenResponse, error)
}

// routeRunner is the subset of route.Runner the driver depends on.
type routeRunner interface {
	Run(ctx context.Context, cfg route.Config, cycleID string, dryRun bool) route.Result
}

// DestinationFactory builds a fresh, unconnected destination client for one
// cycle. The default wraps mailbox.NewDestinationClient; tests substitute a
// fake.
type DestinationFactory func(config mailbox.ClientConfig) destinationClient

func defaultDestinationFactory(config mailbox.ClientConfig) destinationClient {
	return mailbox.NewDestinationClient(config)
}

// RunnerFactory builds the route.Runner (or a fake standing in for it) that
// will execute every route in the cycle against the given destination
// connection.
type RunnerFactory func(store statestore.Store, oauthMgr tokenRefresher, destination destinationClient, log zerolog.Logger) routeRunner

func defaultRunnerFactory(store statestore.Store, oauthMgr tokenRefresher, destination destinationClient, log zerolog.Logger) routeRunner {
	return route.NewRunnerWithDestination(store, oauthMgr, destination, log)
}

// Config is the destination-side setup the driver needs once per cycle,
// plus the tunables shared by every route's retry wrapper for destination
// operations.
type Config struct {
	DestinationHost  string
	DestinationPort  int
	DestinationEmail string
	DestinationCreds oauth2.Credentials

	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration

	RetryMaxAttempts int
	RetryBaseDelay   time.Duration
}

// RouteResult mirrors route.Result; CycleResult re-exports it so callers of
// this package never need to import internal/route directly.
type RouteResult = route.Result

// CycleResult is the JSON-serializable outcome of one cycle, returned
// regardless of whether individual routes succeeded.
type CycleResult struct {
	CycleID         string        `json:"cycle_id"`
	StartedAt       time.Time     `json:"started_at"`
	FinishedAt      time.Time     `json:"finished_at"`
	RoutesProcessed int           `json:"routes_processed"`
	Routes          []RouteResult `json:"routes"`
}

// Driver is the Cycle Driver: it owns the state-store handle and the
// destination oauth2 manager for the lifetime of the process, and builds a
// fresh destination connection and route runner for each cycle.
type Driver struct {
	store              statestore.Store
	oauthMgr           tokenRefresher
	destinationFactory DestinationFactory
	runnerFactory      RunnerFactory
	log                zerolog.Logger
}

// NewDriver builds a Driver bound to a store and the oauth2 manager used to
// refresh the destination mailbox's access token.
func NewDriver(store statestore.Store, oauthMgr *oauth2.Manager, log zerolog.Logger) *Driver {
	return &Driver{
		store:              store,
		oauthMgr:           oauthMgr,
		destinationFactory: defaultDestinationFactory,
		runnerFactory:      defaultRunnerFactory,
		log:                log,
	}
}

// newDriverForTest builds a Driver against fakes, bypassing the real
// mailbox/oauth2/route constructors entirely.
func newDriverForTest(store statestore.Store, oauthMgr tokenRefresher, destinationFactory DestinationFactory, runnerFactory RunnerFactory, log zerolog.Logger) *Driver {
	return &Driver{store: store, oauthMgr: oauthMgr, destinationFactory: destinationFactory, runnerFactory: runnerFactory, log: log}
}

// RunCycle executes one full cycle: the fail-safe gate, destination setup,
// every configured route in turn, and guaranteed destination teardown. The
// returned error is non-nil only for conditions fatal to the whole cycle
// (state store unavailable, or a destination-setup transport failure that
// survived retries); per-route failures are never returned as an error and
// are reflected in the corresponding RouteResult instead.
func (d *Driver) RunCycle(ctx context.Context, cfg Config, routes []route.Config, dryRun bool) (CycleResult, error) {
	cycleID := uuid.NewString()
	started := time.Now()
	result := CycleResult{CycleID: cycleID, StartedAt: started}

	d.log.Info().Str("cycle_id", cycleID).Int("route_count", len(routes)).Bool("dry_run", dryRun).Msg("sync_cycle_started")

	if err := d.store.AssertAvailable(ctx); err != nil {
		result.FinishedAt = time.Now()
		wrapped := fmt.Errorf("%w: %v", syncerr.ErrStoreUnavailable, err)
		d.log.Error().Err(wrapped).Str("cycle_id", cycleID).Msg("sync_cycle_finished")
		return result, wrapped
	}

	var destinationAccessToken string
	if err := d.retryVoid(ctx, cfg, "refresh_destination_token", func() error {
		resp, refreshErr := d.oauthMgr.RefreshToken(ctx, cfg.DestinationCreds)
		if refreshErr != nil {
			return refreshErr
		}
		destinationAccessToken = resp.AccessToken
		return nil
	}); err != nil {
		result.FinishedAt = time.Now()
		wrapped := fmt.Errorf("refresh destination token: %w", err)
		d.log.Error().Err(wrapped).Str("cycle_id", cycleID).Msg("sync_cycle_finished")
		return result, wrapped
	}

	destination := d.destinationFactory(mailbox.ClientConfig{
		Host:           cfg.DestinationHost,
		Port:           cfg.DestinationPort,
		Security:       mailbox.SecurityTLS,
		Username:       cfg.DestinationEmail,
		AccessToken:    destinationAccessToken,
		ConnectTimeout: cfg.ConnectTimeout,
		ReadTimeout:    cfg.ReadTimeout,
		WriteTimeout:   cfg.WriteTimeout,
	})

	if err := d.retryVoid(ctx, cfg, "connect_destination", destination.Connect); err != nil {
		result.FinishedAt = time.Now()
		wrapped := fmt.Errorf("connect destination: %w", err)
		d.log.Error().Err(wrapped).Str("cycle_id", cycleID).Msg("sync_cycle_finished")
		return result, wrapped
	}
	defer func() {
		if err := destination.Close(); err != nil {
			d.log.Warn().Err(err).Str("cycle_id", cycleID).Msg("destination_close_failed")
		}
	}()

	runner := d.runnerFactory(d.store, d.oauthMgr, destination, d.log)

	results := make([]RouteResult, 0, len(routes))
	for _, routeCfg := range routes {
		results = append(results, d.runRouteGuarded(ctx, runner, routeCfg, cycleID, dryRun))
	}

	result.FinishedAt = time.Now()
	result.RoutesProcessed = len(results)
	result.Routes = results
	d.log.Info().Str("cycle_id", cycleID).Int("routes_processed", result.RoutesProcessed).Msg("sync_cycle_finished")
	return result, nil
}

// runRouteGuarded runs a single route and recovers from a panic in the
// runner, converting it into a route_error result so one misbehaving route
// can never abort the rest of the cycle.
func (d *Driver) runRouteGuarded(ctx context.Context, runner routeRunner, routeCfg route.Config, cycleID string, dryRun bool) (result RouteResult) {
	d.log.Info().Str("cycle_id", cycleID).Str("route_id", routeCfg.RouteID).Msg("route_cycle_started")
	defer func() {
		if r := recover(); r != nil {
			result = RouteResult{
				RouteID: routeCfg.RouteID,
				Status:  route.StatusRouteError,
				Failed:  1,
				Detail:  fmt.Sprintf("route panicked: %v", r),
			}
		}
		if result.Status == route.StatusOK {
			d.log.Info().Str("cycle_id", cycleID).Str("route_id", routeCfg.RouteID).Int("copied", result.Copied).Int("skipped", result.SkippedDuplicates).Msg("route_cycle_finished")
		} else {
			d.log.Warn().Str("cycle_id", cycleID).Str("route_id", routeCfg.RouteID).Str("status", string(result.Status)).Str("detail", result.Detail).Msg("route_cycle_failed")
		}
	}()
	return runner.Run(ctx, routeCfg, cycleID, dryRun)
}

// retryVoid wraps op with the cycle's configured destination retry policy,
// tagging errors as transport-classified so the retry wrapper knows to
// retry them. Mirrors internal/route's retryVoid for the destination-side
// operations the driver itself performs.
func (d *Driver) retryVoid(ctx context.Context, cfg Config, operation string, op func() error) error {
	wrapped := func() error {
		if err := op(); err != nil {
			return fmt.Errorf("%w: %v", syncerr.ErrTransport, err)
		}
		return nil
	}
	return retry.Do(ctx, retry.Config{MaxAttempts: cfg.RetryMaxAttempts, BaseDelay: cfg.RetryBaseDelay}, wrapped, &d.log, operation)
}
