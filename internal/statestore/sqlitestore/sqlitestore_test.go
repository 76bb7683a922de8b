package sqlitestore

import (
	"context"
	"path/filepath"
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "state.db")
	st, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func TestAssertAvailable(t *testing.T) {
	st := newTestStore(t)
	if err := st.AssertAvailable(context.Background()); err != nil {
		t.Fatalf("expected available, got %v", err)
	}
}

func TestGetWatermarkAbsent(t *testing.T) {
	st := newTestStore(t)
	wm, err := st.GetWatermark(context.Background(), "ROUTE#a#DEST#b#FOLDER#c")
	if err != nil {
		t.Fatalf("get watermark: %v", err)
	}
	if wm.HasRun || wm.LastUID != 0 {
		t.Fatalf("expected zero watermark, got %+v", wm)
	}
}

func TestSetThenGetWatermark(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	pk := "ROUTE#a#DEST#b#FOLDER#c"
	if err := st.SetWatermark(ctx, pk, 300, 103); err != nil {
		t.Fatalf("set watermark: %v", err)
	}
	wm, err := st.GetWatermark(ctx, pk)
	if err != nil {
		t.Fatalf("get watermark: %v", err)
	}
	if !wm.HasRun || wm.UIDValidity != 300 || wm.LastUID != 103 {
		t.Fatalf("unexpected watermark: %+v", wm)
	}
}

func TestClaimFinalizeLaws(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	pk := "ROUTE#a#DEST#b#FOLDER#c"

	ok, err := st.ClaimUID(ctx, pk, 300, 101)
	if err != nil || !ok {
		t.Fatalf("expected first claim to succeed: ok=%v err=%v", ok, err)
	}

	again, err := st.ClaimUID(ctx, pk, 300, 101)
	if err != nil || again {
		t.Fatalf("expected second claim to fail while pending: ok=%v err=%v", again, err)
	}

	if err := st.FinalizeUID(ctx, pk, 300, 101, "<a@b>", "deadbeef", 365); err != nil {
		t.Fatalf("finalize: %v", err)
	}

	afterFinalize, err := st.ClaimUID(ctx, pk, 300, 101)
	if err != nil || afterFinalize {
		t.Fatalf("expected claim after finalize to fail: ok=%v err=%v", afterFinalize, err)
	}
}

func TestClaimAbandonAllowsReclaim(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	pk := "ROUTE#a#DEST#b#FOLDER#c"

	ok, err := st.ClaimUID(ctx, pk, 300, 102)
	if err != nil || !ok {
		t.Fatalf("expected claim to succeed: ok=%v err=%v", ok, err)
	}
	if err := st.AbandonPending(ctx, pk, 300, 102); err != nil {
		t.Fatalf("abandon: %v", err)
	}
	again, err := st.ClaimUID(ctx, pk, 300, 102)
	if err != nil || !again {
		t.Fatalf("expected reclaim after abandon to succeed: ok=%v err=%v", again, err)
	}
}

func TestPayloadAlreadyCopied(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	pk := "ROUTE#a#DEST#b#FOLDER#c"

	if _, err := st.ClaimUID(ctx, pk, 100, 60); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := st.FinalizeUID(ctx, pk, 100, 60, "<x@y>", "abc123", 365); err != nil {
		t.Fatalf("finalize: %v", err)
	}

	copied, err := st.PayloadAlreadyCopied(ctx, pk, "", "abc123")
	if err != nil || !copied {
		t.Fatalf("expected hash match: copied=%v err=%v", copied, err)
	}

	copiedByID, err := st.PayloadAlreadyCopied(ctx, pk, "<x@y>", "different-hash")
	if err != nil || !copiedByID {
		t.Fatalf("expected message-id match: copied=%v err=%v", copiedByID, err)
	}

	notCopied, err := st.PayloadAlreadyCopied(ctx, pk, "<other@y>", "nope")
	if err != nil || notCopied {
		t.Fatalf("expected no match: copied=%v err=%v", notCopied, err)
	}
}

func TestRecordFailureIncrementsRetryCount(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	pk := "ROUTE#a#DEST#b#FOLDER#c"

	if err := st.RecordFailure(ctx, pk, 300, 102, "boom", 14); err != nil {
		t.Fatalf("record failure: %v", err)
	}
	if err := st.RecordFailure(ctx, pk, 300, 102, "boom again", 14); err != nil {
		t.Fatalf("record failure: %v", err)
	}

	var retryCount int
	if err := st.db.QueryRowContext(ctx, `SELECT retry_count FROM route_state WHERE pk = ? AND sk = 'FAIL#300#102'`, pk).Scan(&retryCount); err != nil {
		t.Fatalf("query retry_count: %v", err)
	}
	if retryCount != 2 {
		t.Fatalf("expected retry_count=2, got %d", retryCount)
	}
}
