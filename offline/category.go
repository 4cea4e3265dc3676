package offline

import (
	"context"
	"errors"
	"strings"

	"github.com/mmdatafocus/retail_pos/docstore"
	"github.com/mmdatafocus/retail_pos/utils"
)

type Category struct {
	Meta
	Name             string  `json:"name" validate:"required,max=100"`
	Description      string  `json:"description,omitempty" validate:"max=500"`
	ParentCategoryId *string `json:"parent_category_id,omitempty"`
	IsActive         *bool   `json:"is_active"`
	// ServerId is set once the server of record has accepted the category.
	ServerId *uint `json:"server_id,omitempty"`
}

type CategoryModel struct {
	*Repository[Category, *Category]
}

func NewCategoryModel(col docstore.Collection, opts Options) *CategoryModel {
	repo := newRepository[Category](col, "name", false, normalizeCategory, opts)
	repo.syncKeys = []string{"server_id"}
	return &CategoryModel{Repository: repo}
}

func normalizeCategory(ctx context.Context, next *Category, prev *Category) error {
	next.Name = strings.TrimSpace(next.Name)
	if next.IsActive == nil {
		next.IsActive = utils.NewTrue()
	}
	if next.ParentCategoryId != nil {
		if *next.ParentCategoryId == "" {
			next.ParentCategoryId = nil
		} else if *next.ParentCategoryId == next.ID {
			return errors.New("category cannot be its own parent")
		}
	}
	return utils.ValidateStruct(next)
}

// FindByName returns the categories whose name equals name exactly.
func (m *CategoryModel) FindByName(ctx context.Context, name string) ListResult[Category] {
	return m.FindWhere(ctx, map[string]any{"name": strings.TrimSpace(name)}, ListOptions{})
}

func (m *CategoryModel) FindChildren(ctx context.Context, parentId string) ListResult[Category] {
	return m.FindWhere(ctx, map[string]any{"parent_category_id": parentId}, ListOptions{})
}

// SetServerID links the category to its server-of-record row.
func (m *CategoryModel) SetServerID(ctx context.Context, id string, serverId uint) Result[Category] {
	return m.mutate(ctx, "set_server_id", id, func(cur *Category) error {
		cur.ServerId = &serverId
		return nil
	})
}
