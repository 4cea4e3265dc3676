package reconcile

import (
	"context"
	"encoding/json"
	"time"

	"github.com/mmdatafocus/retail_pos/docstore"
)

// Cursor is how far one entity type has been reconciled.
type Cursor struct {
	PushedUntil time.Time `json:"pushed_until"`
	// PushedRevs holds the settled revisions inside the overlap window behind PushedUntil.
	PushedRevs    map[string]PushedRev `json:"pushed_revs,omitempty"`
	PulledUntil   time.Time            `json:"pulled_until"`
	PulledAfterId uint                 `json:"pulled_after_id"`
}

type PushedRev struct {
	Rev       string    `json:"rev"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (c *Cursor) pushed(id, rev string) bool {
	p, ok := c.PushedRevs[id]
	return ok && p.Rev == rev
}

func (c *Cursor) remember(id, rev string, updatedAt time.Time) {
	if c.PushedRevs == nil {
		c.PushedRevs = map[string]PushedRev{}
	}
	c.PushedRevs[id] = PushedRev{Rev: rev, UpdatedAt: updatedAt}
}

// forgetThrough drops revisions a scan starting after t can no longer return.
func (c *Cursor) forgetThrough(t time.Time) {
	for id, p := range c.PushedRevs {
		if !p.UpdatedAt.After(t) {
			delete(c.PushedRevs, id)
		}
	}
}

// cursorStore keeps cursors as sync_state documents with id cursor_<entity>.
type cursorStore struct {
	col docstore.Collection
}

func cursorID(et docstore.EntityType) string {
	return "cursor_" + string(et)
}

func (s cursorStore) load(ctx context.Context, et docstore.EntityType) (Cursor, string, error) {
	doc, err := s.col.Get(ctx, cursorID(et))
	if docstore.IsNotFound(err) {
		return Cursor{}, "", nil
	} else if err != nil {
		return Cursor{}, "", err
	}
	var c Cursor
	if err := json.Unmarshal(doc.Data, &c); err != nil {
		return Cursor{}, "", err
	}
	return c, doc.Rev, nil
}

// save writes c over the revision it was loaded at and returns the new revision.
func (s cursorStore) save(ctx context.Context, et docstore.EntityType, c Cursor, rev string) (string, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return "", err
	}
	return s.col.Put(ctx, &docstore.Document{
		ID:         cursorID(et),
		Rev:        rev,
		EntityType: docstore.EntityTypeSyncState,
		UpdatedAt:  time.Now().UTC(),
		Data:       data,
	})
}
