package pagination

import (
	"github.com/gin-gonic/gin"
	"github.com/mx-space/social/internal/pkg/response"
	"gorm.io/gorm"
)

const (
	DefaultSize = 20
	MaxSize     = 100
)

// Query is a 1-based page request.
type Query struct {
	Page int `form:"page"`
	Size int `form:"size"`
}

func (q Query) Offset() int { return (q.Page - 1) * q.Size }

// FromContext reads ?page= and ?size=. Missing or malformed values take defaults.
func FromContext(c *gin.Context) Query {
	var q Query
	if err := c.ShouldBindQuery(&q); err != nil {
		q = Query{}
	}
	return Normalize(q.Page, q.Size)
}

// Normalize clamps page to >= 1 and size to [1, MaxSize].
func Normalize(page, size int) Query {
	switch {
	case size < 1:
		size = DefaultSize
	case size > MaxSize:
		size = MaxSize
	}
	return Query{Page: max(page, 1), Size: size}
}

// Paginate fills dest with one page of tx and reports the totals. tx must not
// carry a limit or offset yet.
func Paginate[T any](tx *gorm.DB, q Query, dest *[]T) (response.Pagination, error) {
	var total int64
	if err := tx.Count(&total).Error; err != nil {
		return response.Pagination{}, err
	}
	if total <= int64(q.Offset()) {
		*dest = []T{}
		return Meta(total, q), nil
	}
	if err := tx.Offset(q.Offset()).Limit(q.Size).Find(dest).Error; err != nil {
		return response.Pagination{}, err
	}
	return Meta(total, q), nil
}

func Meta(total int64, q Query) response.Pagination {
	pages := int(total / int64(q.Size))
	if total%int64(q.Size) != 0 {
		pages++
	}
	return response.Pagination{
		Total:       total,
		CurrentPage: q.Page,
		TotalPage:   pages,
		Size:        q.Size,
		HasNextPage: q.Page < pages,
	}
}
