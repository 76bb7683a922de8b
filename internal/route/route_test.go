package route

import (
	"context"
	"fmt"
	"testing"

	"github.com/rs/zerolog"

	"github.com/ajmccauley/syncrelay/internal/fingerprint"
	"github.com/ajmccauley/syncrelay/internal/mailbox"
	"github.com/ajmccauley/syncrelay/internal/oauth2"
	"github.com/ajmccauley/syncrelay/internal/statestore"
	"github.com/ajmccauley/syncrelay/internal/statestore/sqlitestore"
)

// msgBody returns a synthetic raw RFC822 message whose Message-Id and body
// both embed tag, so assertions can identify which logical message a given
// append call carried without needing to thread the UID through the
// destinationClient contract (which never sees it).
func msgBody(tag string) []byte {
	return []byte(fmt.Sprintf("Message-Id: <%s@example.com>\r\nSubject: test\r\n\r\nbody-%s", tag, tag))
}

type fakeSource struct {
	uidNamespace uint32
	searchAfter  []uint32
	searchSince  []uint32
	messages     map[uint32][]byte
	fetchErr     map[uint32]error

	searchAfterCalls []uint32
	searchSinceCalls []string
}

func (f *fakeSource) Connect() error { return nil }
func (f *fakeSource) Close() error   { return nil }
func (f *fakeSource) UIDNamespace(ctx context.Context) (uint32, error) {
	return f.uidNamespace, nil
}
func (f *fakeSource) SearchAfter(ctx context.Context, lastUID uint32) ([]uint32, error) {
	f.searchAfterCalls = append(f.searchAfterCalls, lastUID)
	return f.searchAfter, nil
}
func (f *fakeSource) SearchSince(ctx context.Context, sinceDate string) ([]uint32, error) {
	f.searchSinceCalls = append(f.searchSinceCalls, sinceDate)
	return f.searchSince, nil
}
func (f *fakeSource) FetchRaw(ctx context.Context, uid uint32) ([]byte, error) {
	if err, ok := f.fetchErr[uid]; ok {
		return nil, err
	}
	return f.messages[uid], nil
}

// fakeDestination records every appended payload and can be told to fail
// for specific raw payloads (matched by exact byte content).
type fakeDestination struct {
	failFor  map[string]error
	appended [][]byte
}

func (f *fakeDestination) EnsureFolder(ctx context.Context, name string, createIfMissing bool) error {
	return nil
}
func (f *fakeDestination) AppendRaw(ctx context.Context, folder string, raw []byte) error {
	f.appended = append(f.appended, raw)
	if f.failFor != nil {
		if err, ok := f.failFor[string(raw)]; ok {
			return err
		}
	}
	return nil
}

type fakeTokenRefresher struct{}

func (fakeTokenRefresher) RefreshToken(ctx context.Context, creds oauth2.Credentials) (oauth2.TokenResponse, error) {
	return oauth2.TokenResponse{AccessToken: "tok"}, nil
}

func newTestStore(t *testing.T) statestore.Store {
	t.Helper()
	st, err := sqlitestore.Open(t.TempDir() + "/state.db")
	if err != nil {
		t.Fatalf("open sqlite store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func baseConfig(routeID, pk string) Config {
	return Config{
		RouteID:             routeID,
		PartitionKey:        pk,
		SourceHost:          "imap.gmail.com",
		SourcePort:          993,
		SourceEmail:         "source@example.com",
		DestinationFolder:   "Inbox/Route",
		CreateFolderMissing: false,
		UIDTTLDays:          365,
		FailTTLDays:         14,
		RetryMaxAttempts:    2,
		RetryBaseDelay:      0,
	}
}

func TestS1SteadyStateAppend(t *testing.T) {
	store := newTestStore(t)
	pk := statestore.RoutePK("gmail-a@example.com", "dest@example.com", "Inbox/A")
	if err := store.SetWatermark(context.Background(), pk, 300, 100); err != nil {
		t.Fatalf("seed watermark: %v", err)
	}

	source := &fakeSource{
		uidNamespace: 300,
		searchAfter:  []uint32{101, 102, 103},
		messages: map[uint32][]byte{
			101: msgBody("101"),
			102: msgBody("102"),
			103: msgBody("103"),
		},
	}
	dest := &fakeDestination{}

	runner := newRunnerForTest(store, fakeTokenRefresher{}, dest, func(mailbox.ClientConfig) sourceClient { return source }, zerolog.Nop())
	result := runner.Run(context.Background(), baseConfig("route-a", pk), "cycle-1", false)

	if result.Status != StatusOK {
		t.Fatalf("expected ok status, got %+v", result)
	}
	if result.Copied != 3 || result.SkippedDuplicates != 0 || result.Failed != 0 {
		t.Fatalf("unexpected counters: %+v", result)
	}
	if len(dest.appended) != 3 {
		t.Fatalf("expected 3 appends, got %d", len(dest.appended))
	}
	if len(source.searchAfterCalls) != 1 || source.searchAfterCalls[0] != 100 {
		t.Fatalf("expected search_after(100), got %v", source.searchAfterCalls)
	}
	if len(source.searchSinceCalls) != 0 {
		t.Fatalf("resync must not trigger when uidnamespace is unchanged, got %v", source.searchSinceCalls)
	}

	wm, err := store.GetWatermark(context.Background(), pk)
	if err != nil {
		t.Fatalf("get watermark: %v", err)
	}
	if wm.UIDValidity != 300 || wm.LastUID != 103 {
		t.Fatalf("expected watermark (300,103), got %+v", wm)
	}

	for _, uid := range []uint32{101, 102, 103} {
		exists, err := store.UIDRecordExists(context.Background(), pk, 300, uid)
		if err != nil || !exists {
			t.Fatalf("expected a finalized record for uid %d: exists=%v err=%v", uid, exists, err)
		}
	}
}

func TestS2PartialFailureKeepsReplayWindow(t *testing.T) {
	store := newTestStore(t)
	pk := statestore.RoutePK("gmail-a@example.com", "dest@example.com", "Inbox/A")
	if err := store.SetWatermark(context.Background(), pk, 300, 100); err != nil {
		t.Fatalf("seed watermark: %v", err)
	}

	source := &fakeSource{
		uidNamespace: 300,
		searchAfter:  []uint32{101, 102, 103},
		messages: map[uint32][]byte{
			101: msgBody("101"),
			102: msgBody("102"),
			103: msgBody("103"),
		},
	}
	dest := &fakeDestination{failFor: map[string]error{
		string(msgBody("102")): fmt.Errorf("append timeout"),
	}}

	runner := newRunnerForTest(store, fakeTokenRefresher{}, dest, func(mailbox.ClientConfig) sourceClient { return source }, zerolog.Nop())
	result := runner.Run(context.Background(), baseConfig("route-a", pk), "cycle-1", false)

	if result.Status != StatusPartialFailure {
		t.Fatalf("expected partial_failure status, got %+v", result)
	}
	if result.Copied != 2 || result.Failed != 1 {
		t.Fatalf("unexpected counters: %+v", result)
	}
	if len(result.FailedUIDs) != 1 || result.FailedUIDs[0] != 102 {
		t.Fatalf("expected failed uid 102, got %v", result.FailedUIDs)
	}

	wm, err := store.GetWatermark(context.Background(), pk)
	if err != nil {
		t.Fatalf("get watermark: %v", err)
	}
	if wm.LastUID != 101 {
		t.Fatalf("expected watermark stuck below the failed uid (101), got %+v", wm)
	}

	exists, err := store.UIDRecordExists(context.Background(), pk, 300, 102)
	if err != nil {
		t.Fatalf("uid record exists: %v", err)
	}
	if exists {
		t.Fatalf("expected the failed uid's PENDING claim to be abandoned, not left behind")
	}
}

func TestS3ResyncWithContentDedupe(t *testing.T) {
	store := newTestStore(t)
	pk := statestore.RoutePK("gmail-a@example.com", "dest@example.com", "Inbox/A")
	if err := store.SetWatermark(context.Background(), pk, 100, 50); err != nil {
		t.Fatalf("seed watermark: %v", err)
	}
	// Simulate UID 60 already copied under the prior uidnamespace by a
	// previous cycle, identified only by its content hash.
	if _, err := store.ClaimUID(context.Background(), pk, 100, 999); err != nil {
		t.Fatalf("seed claim: %v", err)
	}
	alreadyCopied := msgBody("60")
	if err := store.FinalizeUID(context.Background(), pk, 100, 999, "", fingerprint.ContentHash(alreadyCopied), 365); err != nil {
		t.Fatalf("seed finalize: %v", err)
	}

	source := &fakeSource{
		uidNamespace: 200,
		searchSince:  []uint32{60, 61},
		messages: map[uint32][]byte{
			60: alreadyCopied,
			61: msgBody("61"),
		},
	}
	dest := &fakeDestination{}

	runner := newRunnerForTest(store, fakeTokenRefresher{}, dest, func(mailbox.ClientConfig) sourceClient { return source }, zerolog.Nop())
	cfg := baseConfig("route-a", pk)
	cfg.ResyncWindow = 0
	result := runner.Run(context.Background(), cfg, "cycle-1", false)

	if len(source.searchSinceCalls) != 1 {
		t.Fatalf("expected search_since to be called exactly once, got %v", source.searchSinceCalls)
	}
	if len(source.searchAfterCalls) != 0 {
		t.Fatalf("search_after must not be called during a resync, got %v", source.searchAfterCalls)
	}
	if result.Copied != 1 || result.SkippedDuplicates != 1 {
		t.Fatalf("expected copied=1 skipped=1, got %+v", result)
	}
	if len(dest.appended) != 1 || string(dest.appended[0]) != string(msgBody("61")) {
		t.Fatalf("expected only the new message (61) to be appended, got %d appends", len(dest.appended))
	}

	wm, err := store.GetWatermark(context.Background(), pk)
	if err != nil {
		t.Fatalf("get watermark: %v", err)
	}
	if wm.UIDValidity != 200 || wm.LastUID != 61 {
		t.Fatalf("expected watermark (200,61), got %+v", wm)
	}
}

// guardStore wraps a real store and fails the test on any mutating call,
// so dry-run purity is asserted structurally rather than by inspecting
// post-state.
type guardStore struct {
	statestore.Store
	t *testing.T
}

func (g guardStore) SetWatermark(ctx context.Context, pk string, uidValidity, lastUID uint32) error {
	g.t.Error("dry-run must not write the watermark")
	return nil
}

func (g guardStore) ClaimUID(ctx context.Context, pk string, uidValidity, uid uint32) (bool, error) {
	g.t.Error("dry-run must not claim UIDs")
	return false, nil
}

func (g guardStore) FinalizeUID(ctx context.Context, pk string, uidValidity, uid uint32, messageID, contentHash string, ttlDays int) error {
	g.t.Error("dry-run must not finalize UIDs")
	return nil
}

func (g guardStore) AbandonPending(ctx context.Context, pk string, uidValidity, uid uint32) error {
	g.t.Error("dry-run must not delete UID records")
	return nil
}

func (g guardStore) RecordFailure(ctx context.Context, pk string, uidValidity, uid uint32, errMsg string, ttlDays int) error {
	g.t.Error("dry-run must not record failures")
	return nil
}

func TestDryRunMutatesNothing(t *testing.T) {
	inner := newTestStore(t)
	pk := statestore.RoutePK("gmail-a@example.com", "dest@example.com", "Inbox/A")
	if err := inner.SetWatermark(context.Background(), pk, 300, 100); err != nil {
		t.Fatalf("seed watermark: %v", err)
	}
	// UID 101 already has a record; 102 would be a fresh copy.
	if _, err := inner.ClaimUID(context.Background(), pk, 300, 101); err != nil {
		t.Fatalf("seed claim: %v", err)
	}

	source := &fakeSource{
		uidNamespace: 300,
		searchAfter:  []uint32{101, 102},
		messages: map[uint32][]byte{
			101: msgBody("101"),
			102: msgBody("102"),
		},
	}
	dest := &fakeDestination{}

	runner := newRunnerForTest(guardStore{Store: inner, t: t}, fakeTokenRefresher{}, dest, func(mailbox.ClientConfig) sourceClient { return source }, zerolog.Nop())
	result := runner.Run(context.Background(), baseConfig("route-a", pk), "cycle-dry", true)

	if result.Status != StatusOK {
		t.Fatalf("expected ok status, got %+v", result)
	}
	if result.SkippedDuplicates != 1 || result.Copied != 0 {
		t.Fatalf("expected one skipped and nothing counted as copied, got %+v", result)
	}
	if len(dest.appended) != 0 {
		t.Fatalf("dry-run must not append to the destination, got %d appends", len(dest.appended))
	}

	wm, err := inner.GetWatermark(context.Background(), pk)
	if err != nil {
		t.Fatalf("get watermark: %v", err)
	}
	if wm.UIDValidity != 300 || wm.LastUID != 100 {
		t.Fatalf("dry-run must leave the watermark untouched, got %+v", wm)
	}
}

func TestS6IdempotentClaimUnderConcurrency(t *testing.T) {
	store := newTestStore(t)
	pk := statestore.RoutePK("gmail-a@example.com", "dest@example.com", "Inbox/A")
	if err := store.SetWatermark(context.Background(), pk, 700, 199); err != nil {
		t.Fatalf("seed watermark: %v", err)
	}

	cfg := baseConfig("route-a", pk)
	body := msgBody("200")

	runOnce := func() (Result, *fakeDestination) {
		source := &fakeSource{
			uidNamespace: 700,
			searchAfter:  []uint32{200},
			messages:     map[uint32][]byte{200: body},
		}
		dest := &fakeDestination{}
		runner := newRunnerForTest(store, fakeTokenRefresher{}, dest, func(mailbox.ClientConfig) sourceClient { return source }, zerolog.Nop())
		return runner.Run(context.Background(), cfg, "cycle-concurrent", false), dest
	}

	first, firstDest := runOnce()
	if first.Copied != 1 || first.SkippedDuplicates != 0 {
		t.Fatalf("expected the first cycle to copy the message, got %+v", first)
	}
	if len(firstDest.appended) != 1 {
		t.Fatalf("expected exactly one append on the winning cycle, got %d", len(firstDest.appended))
	}

	second, secondDest := runOnce()
	if second.Copied != 0 || second.SkippedDuplicates != 1 {
		t.Fatalf("expected the second cycle to observe claim=false and skip, got %+v", second)
	}
	if len(secondDest.appended) != 0 {
		t.Fatalf("expected no append call on the losing cycle, got %d", len(secondDest.appended))
	}
}
