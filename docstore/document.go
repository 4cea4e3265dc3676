// Package docstore is the device-local document database backing the offline POS.
// Every write goes through a revision check so concurrent edits are detected, never lost.
package docstore

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

type EntityType string

const (
	EntityTypeCategory  EntityType = "category"
	EntityTypeProduct   EntityType = "product"
	EntityTypeSale      EntityType = "sale"
	EntityTypeSyncState EntityType = "sync_state"
)

func (t EntityType) IsValid() bool {
	switch t {
	case EntityTypeCategory, EntityTypeProduct, EntityTypeSale, EntityTypeSyncState:
		return true
	}
	return false
}

// Document is the envelope every stored entity travels in.
type Document struct {
	ID         string          `json:"id"`
	Rev        string          `json:"rev"`
	EntityType EntityType      `json:"entity_type"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
	Data       json.RawMessage `json:"data"`
}

// Clone returns a copy that shares no memory with d.
func (d *Document) Clone() *Document {
	if d == nil {
		return nil
	}
	out := *d
	if d.Data != nil {
		out.Data = append(json.RawMessage(nil), d.Data...)
	}
	return &out
}

// Fields decodes the payload into a generic map.
func (d *Document) Fields() (map[string]any, error) {
	out := map[string]any{}
	if len(d.Data) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(d.Data, &out); err != nil {
		return nil, fmt.Errorf("decode %s %s: %w", d.EntityType, d.ID, err)
	}
	return out, nil
}

// RevGeneration returns the numeric prefix of a revision, 0 for an empty or malformed one.
func RevGeneration(rev string) int {
	gen, _, ok := strings.Cut(rev, "-")
	if !ok {
		return 0
	}
	n, err := strconv.Atoi(gen)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// nextRevision derives "<generation+1>-<digest>" from the previous revision and the new content.
func nextRevision(prev string, doc *Document) string {
	h := sha256.New()
	h.Write([]byte(prev))
	h.Write([]byte{0})
	h.Write([]byte(doc.EntityType))
	h.Write([]byte{0})
	h.Write([]byte(doc.ID))
	h.Write([]byte{0})
	h.Write([]byte(strconv.FormatInt(doc.UpdatedAt.UnixNano(), 10)))
	h.Write([]byte{0})
	h.Write(doc.Data)
	return fmt.Sprintf("%d-%s", RevGeneration(prev)+1, hex.EncodeToString(h.Sum(nil))[:16])
}
