package docstore

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Conventions stamps ids and timestamps so every model builds documents the same way.
type Conventions struct {
	// Now defaults to time.Now in UTC. Tests pin it.
	Now func() time.Time

	mu   sync.Mutex
	last time.Time
}

func NewConventions() *Conventions {
	return &Conventions{}
}

func (c *Conventions) now() time.Time {
	if c.Now != nil {
		return c.Now().UTC()
	}
	return time.Now().UTC()
}

// GenerateID returns prefix + "_" + a random UUID without dashes.
func (c *Conventions) GenerateID(prefix string) string {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	prefix = strings.TrimRight(strings.TrimSpace(prefix), "_")
	if prefix == "" {
		return id
	}
	return prefix + "_" + id
}

// AddTimestamps sets CreatedAt when the document is new (or has none) and always
// refreshes UpdatedAt. UpdatedAt never moves backwards, even if the wall clock does,
// and two stamps from one Conventions are strictly increasing.
func (c *Conventions) AddTimestamps(doc *Document, isUpdate bool) {
	c.mu.Lock()
	now := c.now()
	if !now.After(c.last) {
		now = c.last.Add(time.Nanosecond)
	}
	c.last = now
	c.mu.Unlock()

	if !isUpdate || doc.CreatedAt.IsZero() {
		doc.CreatedAt = now
	}
	if now.Before(doc.UpdatedAt) {
		now = doc.UpdatedAt
	}
	doc.UpdatedAt = now
}
