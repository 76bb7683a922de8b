// Package route implements the Route Runner: the per-account sync pass
// that reads a watermark, searches for new messages, and replicates each
// one into the shared destination mailbox exactly once.
package route

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/ajmccauley/syncrelay/internal/fingerprint"
	"github.com/ajmccauley/syncrelay/internal/mailbox"
	"github.com/ajmccauley/syncrelay/internal/oauth2"
	"github.com/ajmccauley/syncrelay/internal/retry"
	"github.com/ajmccauley/syncrelay/internal/statestore"
	"github.com/ajmccauley/syncrelay/internal/syncerr"
)

// sourceClient is the subset of mailbox.SourceClient the runner depends
// on, narrowed to an interface so tests can substitute a fake transport.
type sourceClient interface {
	Connect() error
	Close() error
	UIDNamespace(ctx context.Context) (uint32, error)
	SearchAfter(ctx context.Context, lastUID uint32) ([]uint32, error)
	SearchSince(ctx context.Context, sinceDate string) ([]uint32, error)
	FetchRaw(ctx context.Context, uid uint32) ([]byte, error)
}

// destinationClient is the subset of mailbox.DestinationClient the runner
// depends on.
type destinationClient interface {
	EnsureFolder(ctx context.Context, name string, createIfMissing bool) error
	AppendRaw(ctx context.Context, folder string, raw []byte) error
}

// tokenRefresher is the subset of oauth2.Manager the runner depends on.
type tokenRefresher interface {
	RefreshToken(ctx context.Context, creds oauth2.Credentials) (oauth2.TokenResponse, error)
}

// SourceFactory builds a fresh, unconnected source client for one route
// pass. The default wraps mailbox.NewSourceClient; tests substitute a
// fake.
type SourceFactory func(config mailbox.ClientConfig) sourceClient

func defaultSourceFactory(config mailbox.ClientConfig) sourceClient {
	return mailbox.NewSourceClient(config)
}

// Status is the terminal state of one route's pass within a cycle.
type Status string

const (
	StatusOK             Status = "ok"
	StatusPartialFailure Status = "partial_failure"
	StatusRouteError     Status = "route_error"
)

// Result is the outcome of one route's pass, returned to the Cycle Driver
// regardless of whether it succeeded.
type Result struct {
	RouteID           string   `json:"route_id"`
	Status            Status   `json:"status"`
	Copied            int      `json:"copied"`
	SkippedDuplicates int      `json:"skipped_duplicates"`
	Failed            int      `json:"failed"`
	FailedUIDs        []uint32 `json:"failed_uids,omitempty"`
	Detail            string   `json:"detail,omitempty"`
}

// Config is everything one route needs that is not the shared destination
// client: identity, credentials, and tunables.
type Config struct {
	RouteID             string
	PartitionKey        string
	SourceHost          string
	SourcePort          int
	SourceEmail         string
	DestinationFolder   string
	CreateFolderMissing bool

	OAuthCreds oauth2.Credentials

	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration

	ResyncWindow time.Duration
	UIDTTLDays   int
	FailTTLDays  int

	RetryMaxAttempts int
	RetryBaseDelay   time.Duration
}

// Runner executes one route's pass against a shared store and destination
// client.
type Runner struct {
	store         statestore.Store
	oauthMgr      tokenRefresher
	destination   destinationClient
	sourceFactory SourceFactory
	log           zerolog.Logger
}

// NewRunner builds a Runner bound to a store, an oauth2 manager for source
// token refresh, and an already-connected destination client.
func NewRunner(store statestore.Store, oauthMgr *oauth2.Manager, destination *mailbox.DestinationClient, log zerolog.Logger) *Runner {
	return &Runner{store: store, oauthMgr: oauthMgr, destination: destination, sourceFactory: defaultSourceFactory, log: log}
}

// NewRunnerWithDestination builds a Runner against an arbitrary destination
// implementation rather than the concrete mailbox client. The Cycle Driver
// uses this: it owns the single destination connection shared by every
// route in a cycle and wants to pass it through its own narrow interface.
func NewRunnerWithDestination(store statestore.Store, oauthMgr tokenRefresher, destination destinationClient, log zerolog.Logger) *Runner {
	return &Runner{store: store, oauthMgr: oauthMgr, destination: destination, sourceFactory: defaultSourceFactory, log: log}
}

// Run executes the five-phase route algorithm: setup, search-strategy
// selection, per-UID copy loop, watermark advancement, and cleanup. It
// always returns a Result, never an error: failures before the UID loop
// produce StatusRouteError with the cause in Detail, per-message append
// failures produce StatusPartialFailure, and the Cycle Driver decides
// whether any of it aborts the cycle.
func (r *Runner) Run(ctx context.Context, cfg Config, cycleID string, dryRun bool) Result {
	result := Result{RouteID: cfg.RouteID}

	watermark, err := r.store.GetWatermark(ctx, cfg.PartitionKey)
	if err != nil {
		return routeError(result, fmt.Errorf("get watermark: %w", err))
	}

	var sourceAccessToken string
	if err := r.retryVoid(ctx, cfg, "refresh_source_token", func() error {
		resp, refreshErr := r.oauthMgr.RefreshToken(ctx, cfg.OAuthCreds)
		if refreshErr != nil {
			return refreshErr
		}
		sourceAccessToken = resp.AccessToken
		return nil
	}); err != nil {
		return routeError(result, fmt.Errorf("refresh source token: %w", err))
	}

	source := r.sourceFactory(mailbox.ClientConfig{
		Host:           cfg.SourceHost,
		Port:           cfg.SourcePort,
		Security:       mailbox.SecurityTLS,
		Username:       cfg.SourceEmail,
		AccessToken:    sourceAccessToken,
		ConnectTimeout: cfg.ConnectTimeout,
		ReadTimeout:    cfg.ReadTimeout,
		WriteTimeout:   cfg.WriteTimeout,
	})

	if err := r.retryVoid(ctx, cfg, "connect_source", source.Connect); err != nil {
		return routeError(result, fmt.Errorf("connect source: %w", err))
	}
	defer func() {
		if err := source.Close(); err != nil {
			r.log.Warn().Err(err).Str("route_id", cfg.RouteID).Msg("source_close_failed")
		}
	}()

	if err := r.retryVoid(ctx, cfg, "ensure_destination_folder", func() error {
		return r.destination.EnsureFolder(ctx, cfg.DestinationFolder, cfg.CreateFolderMissing)
	}); err != nil {
		return routeError(result, fmt.Errorf("ensure destination folder: %w", err))
	}

	var currentUIDNS uint32
	if err := r.retryVoid(ctx, cfg, "read_uidnamespace", func() error {
		ns, nsErr := source.UIDNamespace(ctx)
		if nsErr != nil {
			return nsErr
		}
		currentUIDNS = ns
		return nil
	}); err != nil {
		return routeError(result, fmt.Errorf("read uidnamespace: %w", err))
	}

	resync := watermark.HasRun && watermark.UIDValidity != currentUIDNS

	var uids []uint32
	if resync {
		since := mailbox.SearchSinceDate(time.Now().Add(-cfg.ResyncWindow))
		if err := r.retryVoid(ctx, cfg, "search_since", func() error {
			found, searchErr := source.SearchSince(ctx, since)
			if searchErr != nil {
				return searchErr
			}
			uids = found
			return nil
		}); err != nil {
			return routeError(result, fmt.Errorf("search since: %w", err))
		}
	} else {
		if err := r.retryVoid(ctx, cfg, "search_after", func() error {
			found, searchErr := source.SearchAfter(ctx, watermark.LastUID)
			if searchErr != nil {
				return searchErr
			}
			uids = found
			return nil
		}); err != nil {
			return routeError(result, fmt.Errorf("search after: %w", err))
		}
	}

	processed := make([]uint32, 0, len(uids))
	failedUIDs := make([]uint32, 0)

	for _, uid := range uids {
		var raw []byte
		if err := r.retryVoid(ctx, cfg, "fetch_raw", func() error {
			data, fetchErr := source.FetchRaw(ctx, uid)
			if fetchErr != nil {
				return fetchErr
			}
			raw = data
			return nil
		}); err != nil {
			return routeError(result, fmt.Errorf("fetch uid %d: %w", uid, err))
		}

		processed = append(processed, uid)
		messageID := fingerprint.ExtractMessageID(raw)
		contentHash := fingerprint.ContentHash(raw)

		if resync {
			already, err := r.store.PayloadAlreadyCopied(ctx, cfg.PartitionKey, messageID, contentHash)
			if err != nil {
				return routeError(result, fmt.Errorf("payload already copied: %w", err))
			}
			if already {
				result.SkippedDuplicates++
				r.log.Info().Str("route_id", cfg.RouteID).Str("cycle_id", cycleID).Uint32("uid", uid).Msg("resync_duplicate_detected")
				continue
			}
		}

		if dryRun {
			exists, err := r.store.UIDRecordExists(ctx, cfg.PartitionKey, currentUIDNS, uid)
			if err != nil {
				return routeError(result, fmt.Errorf("uid record exists: %w", err))
			}
			if exists {
				result.SkippedDuplicates++
				r.log.Info().Str("route_id", cfg.RouteID).Str("cycle_id", cycleID).Uint32("uid", uid).Msg("dry_run_duplicate_skip")
			} else {
				r.log.Info().Str("route_id", cfg.RouteID).Str("cycle_id", cycleID).Uint32("uid", uid).Msg("dry_run_would_copy")
			}
			continue
		}

		claimed, err := r.store.ClaimUID(ctx, cfg.PartitionKey, currentUIDNS, uid)
		if err != nil {
			return routeError(result, fmt.Errorf("claim uid %d: %w", uid, err))
		}
		if !claimed {
			result.SkippedDuplicates++
			r.log.Info().Str("route_id", cfg.RouteID).Str("cycle_id", cycleID).Uint32("uid", uid).Msg("uid_already_claimed_or_done_skip")
			continue
		}

		appendErr := r.retryVoid(ctx, cfg, "append_raw", func() error {
			return r.destination.AppendRaw(ctx, cfg.DestinationFolder, raw)
		})
		if appendErr != nil {
			result.Failed++
			failedUIDs = append(failedUIDs, uid)
			if err := r.store.AbandonPending(ctx, cfg.PartitionKey, currentUIDNS, uid); err != nil {
				r.log.Warn().Err(err).Str("route_id", cfg.RouteID).Uint32("uid", uid).Msg("abandon_pending_failed")
			}
			if err := r.store.RecordFailure(ctx, cfg.PartitionKey, currentUIDNS, uid, appendErr.Error(), cfg.FailTTLDays); err != nil {
				r.log.Warn().Err(err).Str("route_id", cfg.RouteID).Uint32("uid", uid).Msg("record_failure_failed")
			}
			r.log.Warn().Err(appendErr).Str("route_id", cfg.RouteID).Str("cycle_id", cycleID).Uint32("uid", uid).Msg("message_copy_failed_continue")
			continue
		}

		if err := r.store.FinalizeUID(ctx, cfg.PartitionKey, currentUIDNS, uid, messageID, contentHash, cfg.UIDTTLDays); err != nil {
			return routeError(result, fmt.Errorf("finalize uid %d: %w", uid, err))
		}
		result.Copied++
	}

	if !dryRun {
		newLastUID := advanceWatermark(watermark.LastUID, processed, failedUIDs)
		if err := r.store.SetWatermark(ctx, cfg.PartitionKey, currentUIDNS, newLastUID); err != nil {
			return routeError(result, fmt.Errorf("set watermark: %w", err))
		}
	}

	result.FailedUIDs = failedUIDs
	if result.Failed == 0 {
		result.Status = StatusOK
	} else {
		result.Status = StatusPartialFailure
		result.Detail = fmt.Sprintf("%d of %d messages failed to copy", result.Failed, len(processed))
	}
	return result
}

// advanceWatermark implements the Phase 4 formula: never moves the
// watermark past the smallest UID that failed to copy, so that UID is
// retried on the next cycle.
func advanceWatermark(lastUID uint32, processed, failed []uint32) uint32 {
	if len(processed) == 0 {
		return lastUID
	}
	if len(failed) > 0 {
		minFailed := failed[0]
		for _, uid := range failed[1:] {
			if uid < minFailed {
				minFailed = uid
			}
		}
		if minFailed == 0 {
			return lastUID
		}
		candidate := minFailed - 1
		if candidate > lastUID {
			return candidate
		}
		return lastUID
	}
	maxProcessed := processed[0]
	for _, uid := range processed[1:] {
		if uid > maxProcessed {
			maxProcessed = uid
		}
	}
	if maxProcessed > lastUID {
		return maxProcessed
	}
	return lastUID
}

func routeError(result Result, err error) Result {
	result.Status = StatusRouteError
	result.Copied = 0
	result.SkippedDuplicates = 0
	result.Failed = 1
	result.Detail = err.Error()
	return result
}

// newRunnerForTest builds a Runner against fakes, bypassing the real
// mailbox/oauth2 constructors entirely.
func newRunnerForTest(store statestore.Store, oauthMgr tokenRefresher, destination destinationClient, sourceFactory SourceFactory, log zerolog.Logger) *Runner {
	return &Runner{store: store, oauthMgr: oauthMgr, destination: destination, sourceFactory: sourceFactory, log: log}
}

// retryVoid wraps op with the route's configured retry policy, tagging
// transport-classified errors so the retry wrapper knows to retry them.
func (r *Runner) retryVoid(ctx context.Context, cfg Config, operation string, op func() error) error {
	wrapped := func() error {
		if err := op(); err != nil {
			return fmt.Errorf("%w: %v", syncerr.ErrTransport, err)
		}
		return nil
	}
	return retry.Do(ctx, retry.Config{MaxAttempts: cfg.RetryMaxAttempts, BaseDelay: cfg.RetryBaseDelay}, wrapped, &r.log, operation)
}
