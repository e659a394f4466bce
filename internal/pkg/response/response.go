package response

import (
	"net/http"
	"reflect"

	"github.com/gin-gonic/gin"
)

// Pagination metadata returned with paginated responses.
type Pagination struct {
	Total       int64 `json:"total"`
	CurrentPage int   `json:"current_page"`
	TotalPage   int   `json:"total_page"`
	Size        int   `json:"size"`
	HasNextPage bool  `json:"has_next_page"`
}

// Error is the body of every non-2xx response written here.
type Error struct {
	OK      int    `json:"ok"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type list struct {
	Data       interface{} `json:"data"`
	Pagination *Pagination `json:"pagination,omitempty"`
}

// OK writes data with 200. A slice is wrapped as {"data": [...]} so list endpoints
// can grow metadata without breaking clients.
func OK(c *gin.Context, data interface{}) {
	if data != nil && reflect.TypeOf(data).Kind() == reflect.Slice {
		c.JSON(http.StatusOK, list{Data: data})
		return
	}
	c.JSON(http.StatusOK, data)
}

func Paged(c *gin.Context, data interface{}, p Pagination) {
	c.JSON(http.StatusOK, list{Data: data, Pagination: &p})
}

func Created(c *gin.Context, data interface{}) { c.JSON(http.StatusCreated, data) }
func Accepted(c *gin.Context, data interface{}) { c.JSON(http.StatusAccepted, data) }
func NoContent(c *gin.Context) { c.Status(http.StatusNoContent) }

// Fail aborts the chain with an Error body.
func Fail(c *gin.Context, status int, message string) {
	if message == "" {
		message = http.StatusText(status)
	}
	c.AbortWithStatusJSON(status, Error{Code: status, Message: message})
}

func BadRequest(c *gin.Context, message string) { Fail(c, http.StatusBadRequest, message) }
func Unauthorized(c *gin.Context) { Fail(c, http.StatusUnauthorized, "authentication required") }
func Forbidden(c *gin.Context) { Fail(c, http.StatusForbidden, "") }
func ForbiddenMsg(c *gin.Context, message string) { Fail(c, http.StatusForbidden, message) }
func NotFound(c *gin.Context) { Fail(c, http.StatusNotFound, "") }
func NotFoundMsg(c *gin.Context, message string) { Fail(c, http.StatusNotFound, message) }
func MethodNotAllowed(c *gin.Context) { Fail(c, http.StatusMethodNotAllowed, "") }
func Conflict(c *gin.Context, message string) { Fail(c, http.StatusConflict, message) }
func UnprocessableEntity(c *gin.Context, message string) { Fail(c, http.StatusUnprocessableEntity, message) }

// TooManyRequests sets Retry-After (seconds) when given.
func TooManyRequests(c *gin.Context, retryAfter string) {
	if retryAfter != "" {
		c.Header("Retry-After", retryAfter)
	}
	Fail(c, http.StatusTooManyRequests, "too many requests")
}

// InternalError attaches err to the context for the access log and hides it from
// the client.
func InternalError(c *gin.Context, err error) {
	if err != nil {
		_ = c.Error(err)
	}
	Fail(c, http.StatusInternalServerError, "")
}
