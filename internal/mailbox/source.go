package mailbox

import (
	"context"
	"fmt"
	"io"
	"sort"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
)

// sourceMailbox is the well-known mailbox a source account is synced from.
// Gmail, the only source provider, exposes its unified inbox at this name.
const sourceMailbox = "INBOX"

// SourceClient is the per-account read path: connect, read UIDVALIDITY,
// search for new UIDs, and fetch raw message bytes.
type SourceClient struct {
	c *Client
}

// NewSourceClient wraps an unconnected Client as a SourceClient.
func NewSourceClient(config ClientConfig) *SourceClient {
	return &SourceClient{c: NewClient(config)}
}

// Connect establishes an authenticated XOAUTH2 session.
func (s *SourceClient) Connect() error {
	if err := s.c.Connect(); err != nil {
		return err
	}
	return s.c.Login()
}

// Close is a best-effort, idempotent logout.
func (s *SourceClient) Close() error {
	return s.c.Close()
}

// UIDNamespace selects the default mailbox read-only and returns the
// server's current UIDVALIDITY.
func (s *SourceClient) UIDNamespace(ctx context.Context) (uint32, error) {
	data, err := s.c.selectMailbox(ctx, sourceMailbox, true)
	if err != nil {
		return 0, err
	}
	return data.UIDValidity, nil
}

// SearchAfter returns the ordered, deduplicated ascending list of UIDs in
// (lastUID, infinity).
func (s *SourceClient) SearchAfter(ctx context.Context, lastUID uint32) ([]uint32, error) {
	criteria := &imap.SearchCriteria{
		UID: []imap.UIDSet{uidRange(imap.UID(lastUID+1), 0)},
	}
	uids, err := s.search(ctx, criteria)
	if err != nil {
		return nil, err
	}
	// A UID range ending in "*" always matches the highest UID in the
	// mailbox, even when that UID is not above lastUID.
	out := uids[:0]
	for _, uid := range uids {
		if uid > lastUID {
			out = append(out, uid)
		}
	}
	return out, nil
}

// SearchSince returns the ordered, deduplicated ascending list of UIDs with
// server-side date >= since.
func (s *SourceClient) SearchSince(ctx context.Context, sinceDate string) ([]uint32, error) {
	t, err := parseSearchDate(sinceDate)
	if err != nil {
		return nil, fmt.Errorf("search since: %w", err)
	}
	criteria := &imap.SearchCriteria{
		Since: t,
	}
	return s.search(ctx, criteria)
}

func (s *SourceClient) search(ctx context.Context, criteria *imap.SearchCriteria) ([]uint32, error) {
	if _, err := s.c.selectMailbox(ctx, sourceMailbox, true); err != nil {
		return nil, err
	}
	if s.c.client == nil {
		return nil, fmt.Errorf("not connected")
	}

	type result struct {
		data *imap.SearchData
		err  error
	}
	resultCh := make(chan result, 1)
	go func() {
		data, err := s.c.client.UIDSearch(criteria, nil).Wait()
		resultCh <- result{data, err}
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-resultCh:
		if r.err != nil {
			return nil, fmt.Errorf("uid search: %w", r.err)
		}
		uids := make([]uint32, 0, len(r.data.AllUIDs()))
		for _, uid := range r.data.AllUIDs() {
			uids = append(uids, uint32(uid))
		}
		return dedupeSorted(uids), nil
	}
}

// FetchRaw returns the full RFC822 bytes (headers + body) of uid.
func (s *SourceClient) FetchRaw(ctx context.Context, uid uint32) ([]byte, error) {
	if s.c.client == nil {
		return nil, fmt.Errorf("not connected")
	}

	uidSet := imap.UIDSet{}
	uidSet.AddNum(imap.UID(uid))

	fetchOptions := &imap.FetchOptions{
		BodySection: []*imap.FetchItemBodySection{{Peek: true}},
	}

	type result struct {
		raw []byte
		err error
	}
	resultCh := make(chan result, 1)
	go func() {
		raw, err := fetchSingleRaw(s.c.client, uidSet, fetchOptions)
		resultCh <- result{raw, err}
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-resultCh:
		if r.err != nil {
			return nil, fmt.Errorf("fetch uid %d: %w", uid, r.err)
		}
		return r.raw, nil
	}
}

func fetchSingleRaw(client *imapclient.Client, uidSet imap.UIDSet, options *imap.FetchOptions) ([]byte, error) {
	fetchCmd := client.Fetch(uidSet, options)
	defer fetchCmd.Close()

	msg := fetchCmd.Next()
	if msg == nil {
		return nil, fmt.Errorf("no message returned")
	}
	for {
		item := msg.Next()
		if item == nil {
			break
		}
		if section, ok := item.(imapclient.FetchItemDataBodySection); ok {
			return io.ReadAll(section.Literal)
		}
	}
	return nil, fmt.Errorf("no body section returned")
}

func uidRange(start, end imap.UID) imap.UIDSet {
	set := imap.UIDSet{}
	set.AddRange(start, end)
	return set
}

func dedupeSorted(uids []uint32) []uint32 {
	seen := make(map[uint32]struct{}, len(uids))
	out := make([]uint32, 0, len(uids))
	for _, u := range uids {
		if _, ok := seen[u]; ok {
			continue
		}
		seen[u] = struct{}{}
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
