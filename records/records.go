// Package records is a thin client for a user's own repository records on
// their PDS: cursor-paginated listing, reads, and compare-and-swap writes,
// all DPoP-authenticated through the oauth executor.
package records

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	oauth "github.com/tijs/book-explorer/oauth"
)

type Client struct {
	Xrpc *oauth.XrpcClient
}

func NewClient(xrpc *oauth.XrpcClient) *Client {
	return &Client{Xrpc: xrpc}
}

type Record struct {
	Uri   string          `json:"uri"`
	Cid   string          `json:"cid"`
	Value json.RawMessage `json:"value"`
}

type ListOutput struct {
	Records []Record `json:"records"`
	Cursor  string   `json:"cursor,omitempty"`
}

// List pages through a collection in the session's repo. Pass the cursor
// from the previous page to continue; an empty returned cursor means the
// end.
func (c *Client) List(ctx context.Context, sess *oauth.Session, collection string, limit int, cursor string) (*ListOutput, *oauth.Session, error) {
	params := map[string]any{
		"repo":       sess.Did,
		"collection": collection,
	}
	if limit > 0 {
		params["limit"] = limit
	}
	if cursor != "" {
		params["cursor"] = cursor
	}

	var out ListOutput
	sess, err := c.Xrpc.Do(ctx, sess, oauth.Query, "", "com.atproto.repo.listRecords", params, nil, &out)
	if err != nil {
		return nil, sess, err
	}

	return &out, sess, nil
}

func (c *Client) Get(ctx context.Context, sess *oauth.Session, collection, rkey string) (*Record, *oauth.Session, error) {
	params := map[string]any{
		"repo":       sess.Did,
		"collection": collection,
		"rkey":       rkey,
	}

	var out Record
	sess, err := c.Xrpc.Do(ctx, sess, oauth.Query, "", "com.atproto.repo.getRecord", params, nil, &out)
	if err != nil {
		return nil, sess, err
	}

	return &out, sess, nil
}

type putRecordInput struct {
	Repo       string `json:"repo"`
	Collection string `json:"collection"`
	Rkey       string `json:"rkey"`
	Record     any    `json:"record"`
	SwapRecord string `json:"swapRecord,omitempty"`
}

type PutOutput struct {
	Uri string `json:"uri"`
	Cid string `json:"cid"`
}

// Put writes a record. A non-empty swapCid makes the write conditional on
// the record's current CID; a lost race comes back as ErrRecordConflict and
// the remote record is untouched.
func (c *Client) Put(ctx context.Context, sess *oauth.Session, collection, rkey string, value any, swapCid string) (*PutOutput, *oauth.Session, error) {
	input := putRecordInput{
		Repo:       sess.Did,
		Collection: collection,
		Rkey:       rkey,
		Record:     value,
		SwapRecord: swapCid,
	}

	var out PutOutput
	sess, err := c.Xrpc.Do(ctx, sess, oauth.Procedure, "application/json", "com.atproto.repo.putRecord", nil, input, &out)
	if err != nil {
		return nil, sess, mapSwapConflict(err)
	}

	return &out, sess, nil
}

// Update is the read-then-write primitive: fetch the record, apply the
// mutation, write back swapped on the CID that was read. Ordering holds per
// record only; concurrent updates of different records do not coordinate.
func (c *Client) Update(ctx context.Context, sess *oauth.Session, collection, rkey string, mutate func(current json.RawMessage) (any, error)) (*PutOutput, *oauth.Session, error) {
	rec, sess, err := c.Get(ctx, sess, collection, rkey)
	if err != nil {
		return nil, sess, err
	}

	next, err := mutate(rec.Value)
	if err != nil {
		return nil, sess, err
	}

	return c.Put(ctx, sess, collection, rkey, next, rec.Cid)
}

type UpdateItem struct {
	Rkey  string          `json:"rkey"`
	Value json.RawMessage `json:"value"`
}

type BulkItemResult struct {
	Rkey  string `json:"rkey"`
	Ok    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

type BulkResult struct {
	Updated int              `json:"updated"`
	Failed  int              `json:"failed"`
	Items   []BulkItemResult `json:"items"`
}

// BulkUpdate issues the items as independent per-record flows and reports
// per-item outcomes. Partial success is the expected shape; nothing is
// rolled back.
func (c *Client) BulkUpdate(ctx context.Context, sess *oauth.Session, collection string, items []UpdateItem) *BulkResult {
	result := &BulkResult{
		Items: make([]BulkItemResult, len(items)),
	}

	var wg sync.WaitGroup
	for i, item := range items {
		wg.Add(1)
		go func(i int, item UpdateItem) {
			defer wg.Done()

			_, _, err := c.Update(ctx, sess, collection, item.Rkey, func(json.RawMessage) (any, error) {
				return item.Value, nil
			})

			if err != nil {
				result.Items[i] = BulkItemResult{Rkey: item.Rkey, Error: err.Error()}
				return
			}
			result.Items[i] = BulkItemResult{Rkey: item.Rkey, Ok: true}
		}(i, item)
	}
	wg.Wait()

	for _, it := range result.Items {
		if it.Ok {
			result.Updated++
		} else {
			result.Failed++
		}
	}

	return result
}

// CheckRepo guards operations that accept a caller-supplied repo: anything
// other than the session's own DID is refused before any network call.
func CheckRepo(sess *oauth.Session, repo string) error {
	if repo != "" && repo != sess.Did {
		return fmt.Errorf("%w: repo %q is not the session did", oauth.ErrAccessDenied, repo)
	}
	return nil
}

// mapSwapConflict translates the PDS's InvalidSwap error into the distinct
// conflict sentinel so callers can offer refresh-and-retry instead of
// treating it as a hard failure.
func mapSwapConflict(err error) error {
	var xerr *oauth.Error
	if errors.As(err, &xerr) {
		var xe *oauth.XRPCError
		if errors.As(err, &xe) && xe.ErrStr == "InvalidSwap" {
			return fmt.Errorf("%w: %s", oauth.ErrRecordConflict, xe.Message)
		}
	}
	return err
}
