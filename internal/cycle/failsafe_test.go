package cycle

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"

	"github.com/ajmccauley/syncrelay/internal/mailbox"
	"github.com/ajmccauley/syncrelay/internal/route"
	"github.com/ajmccauley/syncrelay/internal/statestore"
	"github.com/ajmccauley/syncrelay/internal/syncerr"
)

// TestFailSafeGateBlocksAllMailboxActivity is S5: when the state store's
// liveness probe fails, the driver must raise StoreUnavailable before
// constructing any source or destination client, and must produce no
// route result at all.
func TestFailSafeGateBlocksAllMailboxActivity(t *testing.T) {
	store := &fakeStore{assertErr: errors.New("describe_table: provisioned throughput exceeded")}
	tokens := &fakeTokenRefresher{}

	destinationFactoryCalls := 0
	runnerFactoryCalls := 0

	driver := newDriverForTest(store, tokens,
		func(mailbox.ClientConfig) destinationClient {
			destinationFactoryCalls++
			t.Fatal("destination client must never be constructed when the store is unavailable")
			return nil
		},
		func(s statestore.Store, o tokenRefresher, d destinationClient, l zerolog.Logger) routeRunner {
			runnerFactoryCalls++
			t.Fatal("route runner must never be constructed when the store is unavailable")
			return nil
		},
		zerolog.Nop())

	result, err := driver.RunCycle(context.Background(), testConfig(), []route.Config{{RouteID: "r1"}}, false)
	if err == nil {
		t.Fatal("expected StoreUnavailable to propagate")
	}
	if !errors.Is(err, syncerr.ErrStoreUnavailable) {
		t.Fatalf("expected errors.Is(err, syncerr.ErrStoreUnavailable), got %v", err)
	}
	if tokens.calls != 0 {
		t.Fatalf("destination token refresh must not run before the fail-safe gate passes, got %d calls", tokens.calls)
	}
	if destinationFactoryCalls != 0 || runnerFactoryCalls != 0 {
		t.Fatalf("no client construction expected: destination=%d runner=%d", destinationFactoryCalls, runnerFactoryCalls)
	}
	if len(result.Routes) != 0 || result.RoutesProcessed != 0 {
		t.Fatalf("expected no route result to be produced, got %+v", result)
	}
}

// TestFailSafeGatePassesThrough confirms the converse: a healthy store lets
// the cycle proceed normally.
func TestFailSafeGatePassesThrough(t *testing.T) {
	store := &fakeStore{}
	tokens := &fakeTokenRefresher{}
	dest := &fakeDestination{}
	runner := &fakeRunner{}

	driver := newDriverForTest(store, tokens,
		func(mailbox.ClientConfig) destinationClient { return dest },
		func(s statestore.Store, o tokenRefresher, d destinationClient, l zerolog.Logger) routeRunner {
			return runner
		},
		zerolog.Nop())

	result, err := driver.RunCycle(context.Background(), testConfig(), []route.Config{{RouteID: "r1"}}, false)
	if err != nil {
		t.Fatalf("unexpected error with a healthy store: %v", err)
	}
	if result.RoutesProcessed != 1 {
		t.Fatalf("expected 1 route processed, got %d", result.RoutesProcessed)
	}
}
