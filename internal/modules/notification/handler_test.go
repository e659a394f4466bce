package notification

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/mx-space/social/internal/middleware"
	"github.com/mx-space/social/internal/models"
	"github.com/mx-space/social/internal/pkg/response"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// headerAuth trusts X-User-Id so routes can be exercised without sessions.
func headerAuth(c *gin.Context) {
	uid := c.GetHeader("X-User-Id")
	if uid == "" {
		response.Unauthorized(c)
		return
	}
	c.Set(middleware.ContextKeyUserID, uid)
	c.Next()
}

func serve(router *gin.Engine, method, path, user, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if user != "" {
		req.Header.Set("X-User-Id", user)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

type listBody struct {
	Data       []models.NotificationModel `json:"data"`
	Pagination response.Pagination        `json:"pagination"`
}

func TestNotificationRoutes(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(t, &fakeQueue{})
	router := gin.New()
	NewHandler(svc).RegisterRoutes(router.Group("/api/v1"), headerAuth)

	var ids []string
	for _, typ := range []models.NotificationType{models.NotificationSystem, models.NotificationMention, models.NotificationSystem} {
		row, err := svc.CreateAndRoute(ctx, Event{Type: typ, RecipientID: "bob", Title: "t"})
		if err != nil || row == nil {
			t.Fatalf("CreateAndRoute() = %v, %v", row, err)
		}
		ids = append(ids, row.ID)
	}
	svc.CreateAndRoute(ctx, Event{Type: models.NotificationSystem, RecipientID: "carol"})

	if w := serve(router, http.MethodGet, "/api/v1/notifications", "", ""); w.Code != http.StatusUnauthorized {
		t.Errorf("GET /notifications without auth = %d, want 401", w.Code)
	}

	w := serve(router, http.MethodGet, "/api/v1/notifications?size=2", "bob", "")
	if w.Code != http.StatusOK {
		t.Fatalf("GET /notifications = %d (%s)", w.Code, w.Body.String())
	}
	var page listBody
	if err := json.Unmarshal(w.Body.Bytes(), &page); err != nil {
		t.Fatal(err)
	}
	if len(page.Data) != 2 || page.Pagination.Total != 3 || !page.Pagination.HasNextPage {
		t.Errorf("GET /notifications?size=2 = %d rows, pagination %+v", len(page.Data), page.Pagination)
	}

	w = serve(router, http.MethodGet, "/api/v1/notifications?type=MENTION", "bob", "")
	page = listBody{}
	json.Unmarshal(w.Body.Bytes(), &page)
	if len(page.Data) != 1 || page.Data[0].ID != ids[1] {
		t.Errorf("GET /notifications?type=MENTION = %+v", page.Data)
	}

	if w := serve(router, http.MethodGet, "/api/v1/notifications?type=BOGUS", "bob", ""); w.Code != http.StatusBadRequest {
		t.Errorf("GET /notifications?type=BOGUS = %d, want 400", w.Code)
	}

	tests := []struct {
		name       string
		method     string
		path       string
		user       string
		wantStatus int
	}{
		{"mark read", http.MethodPatch, "/api/v1/notifications/" + ids[0] + "/read", "bob", http.StatusNoContent},
		{"mark read of another user", http.MethodPatch, "/api/v1/notifications/" + ids[1] + "/read", "carol", http.StatusNotFound},
		{"mark read unknown", http.MethodPatch, "/api/v1/notifications/missing/read", "bob", http.StatusNotFound},
		{"delete", http.MethodDelete, "/api/v1/notifications/" + ids[2], "bob", http.StatusNoContent},
		{"delete twice", http.MethodDelete, "/api/v1/notifications/" + ids[2], "bob", http.StatusNotFound},
	}
	for _, tt := range tests {
		if w := serve(router, tt.method, tt.path, tt.user, ""); w.Code != tt.wantStatus {
			t.Errorf("%s: status = %d, want %d", tt.name, w.Code, tt.wantStatus)
		}
	}

	var count struct {
		Count int64 `json:"count"`
	}
	w = serve(router, http.MethodGet, "/api/v1/notifications/unread-count", "bob", "")
	if err := json.Unmarshal(w.Body.Bytes(), &count); err != nil || count.Count != 1 {
		t.Errorf("unread-count = %s, %v; want 1", w.Body.String(), err)
	}

	var updated struct {
		Updated int64 `json:"updated"`
	}
	w = serve(router, http.MethodPatch, "/api/v1/notifications/read-all", "bob", "")
	if err := json.Unmarshal(w.Body.Bytes(), &updated); err != nil || updated.Updated != 1 {
		t.Errorf("read-all = %s, %v; want 1 updated", w.Body.String(), err)
	}
}

func TestPreferenceRoutes(t *testing.T) {
	svc, _ := newService(t, &fakeQueue{})
	router := gin.New()
	NewHandler(svc).RegisterRoutes(router.Group("/api/v1"), headerAuth)

	w := serve(router, http.MethodGet, "/api/v1/notifications/preferences", "bob", "")
	var pref models.NotificationPreferenceModel
	if err := json.Unmarshal(w.Body.Bytes(), &pref); err != nil || !pref.PushEnabled {
		t.Errorf("default preferences = %s, %v", w.Body.String(), err)
	}

	tests := []struct {
		name       string
		body       string
		wantStatus int
	}{
		{"unknown category", `{"categories":{"BOGUS":false}}`, http.StatusUnprocessableEntity},
		{"malformed", `{"push_enabled":`, http.StatusBadRequest},
		{"disable likes", `{"categories":{"LIKE":false}}`, http.StatusOK},
	}
	for _, tt := range tests {
		if w := serve(router, http.MethodPut, "/api/v1/notifications/preferences", "bob", tt.body); w.Code != tt.wantStatus {
			t.Errorf("%s: status = %d, want %d (%s)", tt.name, w.Code, tt.wantStatus, w.Body.String())
		}
	}

	w = serve(router, http.MethodGet, "/api/v1/notifications/preferences", "bob", "")
	pref = models.NotificationPreferenceModel{}
	json.Unmarshal(w.Body.Bytes(), &pref)
	if enabled, ok := pref.Categories[models.NotificationLike]; !ok || enabled {
		t.Errorf("categories = %v, want LIKE disabled", pref.Categories)
	}
}
