package mailbox

import (
	"context"
	"fmt"
)

// DestinationClient is the single-mailbox write path: connect, ensure a
// folder is selectable (optionally creating it), append raw bytes.
type DestinationClient struct {
	c *Client
}

// NewDestinationClient wraps an unconnected Client as a DestinationClient.
func NewDestinationClient(config ClientConfig) *DestinationClient {
	return &DestinationClient{c: NewClient(config)}
}

// Connect establishes an authenticated XOAUTH2 session.
func (d *DestinationClient) Connect() error {
	if err := d.c.Connect(); err != nil {
		return err
	}
	return d.c.Login()
}

// Close is a best-effort, idempotent logout.
func (d *DestinationClient) Close() error {
	return d.c.Close()
}

// EnsureFolder selects name read-only; if that fails and createIfMissing is
// set, issues CREATE and treats a successful create as success.
func (d *DestinationClient) EnsureFolder(ctx context.Context, name string, createIfMissing bool) error {
	if _, err := d.c.selectMailbox(ctx, name, true); err == nil {
		return nil
	}
	if !createIfMissing {
		return fmt.Errorf("destination folder does not exist: %s", name)
	}
	if err := d.c.createMailbox(ctx, name); err != nil {
		return fmt.Errorf("create destination folder %s: %w", name, err)
	}
	return nil
}

// AppendRaw appends raw to folder without a flag list, so the replicated
// message lands unread in the destination mailbox.
func (d *DestinationClient) AppendRaw(ctx context.Context, folder string, raw []byte) error {
	if d.c.client == nil {
		return fmt.Errorf("not connected")
	}

	type result struct{ err error }
	resultCh := make(chan result, 1)
	go func() {
		appendCmd := d.c.client.Append(folder, int64(len(raw)), nil)
		if _, err := appendCmd.Write(raw); err != nil {
			resultCh <- result{fmt.Errorf("write append data: %w", err)}
			return
		}
		if err := appendCmd.Close(); err != nil {
			resultCh <- result{fmt.Errorf("close append command: %w", err)}
			return
		}
		if _, err := appendCmd.Wait(); err != nil {
			resultCh <- result{fmt.Errorf("append message: %w", err)}
			return
		}
		resultCh <- result{nil}
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case r := <-resultCh:
		return r.err
	}
}
