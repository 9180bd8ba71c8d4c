package catalog

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
)

func setupTestRouter() *gin.Engine {
	gin.SetMode(gin.TestMode)
	h := NewHandler(New(NewMemoryStore(), nil))

	r := gin.New()
	v1 := r.Group("/v1")
	h.RegisterRoutes(v1)
	h.RegisterAdminRoutes(v1.Group("/admin"))
	return r
}

func do(r *gin.Engine, method, path string, body interface{}) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestHandler_PutAndGetService(t *testing.T) {
	r := setupTestRouter()

	w := do(r, "PUT", "/v1/admin/services/nin-basic", PutServiceRequest{
		Name:              "NIN basic",
		Price:             "2000.00",
		DefaultCommission: "150",
		Policy:            Policy{CommissionTiming: "deferred", Refundable: true},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}

	w = do(r, "GET", "/v1/services/nin-basic", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp struct {
		Service struct {
			Price  decimal.Decimal `json:"price"`
			Active bool            `json:"active"`
			Policy Policy          `json:"policy"`
		} `json:"service"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !resp.Service.Price.Equal(decimal.NewFromInt(2000)) {
		t.Errorf("Expected price 2000, got %s", resp.Service.Price)
	}
	if !resp.Service.Active {
		t.Error("Expected service active by default")
	}
	if resp.Service.Policy.CommissionTiming != "deferred" {
		t.Errorf("Expected deferred timing, got %s", resp.Service.Policy.CommissionTiming)
	}
}

func TestHandler_Validation(t *testing.T) {
	r := setupTestRouter()

	tests := []struct {
		name string
		path string
		body interface{}
		want int
	}{
		{"missing price", "/v1/admin/services/a", map[string]string{"name": "A"}, http.StatusBadRequest},
		{"negative price", "/v1/admin/services/a", PutServiceRequest{Name: "A", Price: "-1"}, http.StatusBadRequest},
		{"bad id", "/v1/admin/services/NOT_OK", PutServiceRequest{Name: "A", Price: "1"}, http.StatusBadRequest},
		{"override unknown service", "/v1/admin/overrides/s1/ghost", PutOverrideRequest{Amount: "1"}, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(r, "PUT", tt.path, tt.body)
			if w.Code != tt.want {
				t.Errorf("Expected %d, got %d: %s", tt.want, w.Code, w.Body.String())
			}
		})
	}
}

func TestHandler_OverrideLifecycle(t *testing.T) {
	r := setupTestRouter()
	do(r, "PUT", "/v1/admin/services/nin", PutServiceRequest{Name: "NIN", Price: "2000"})

	if w := do(r, "PUT", "/v1/admin/overrides/s1/nin", PutOverrideRequest{Amount: "300"}); w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}

	w := do(r, "GET", "/v1/admin/overrides", nil)
	var list struct {
		Count int `json:"count"`
	}
	_ = json.Unmarshal(w.Body.Bytes(), &list)
	if list.Count != 1 {
		t.Errorf("Expected 1 override, got %d", list.Count)
	}

	if w := do(r, "DELETE", "/v1/admin/overrides/s1/nin", nil); w.Code != http.StatusNoContent {
		t.Errorf("Expected 204, got %d", w.Code)
	}
	if w := do(r, "DELETE", "/v1/admin/overrides/s1/nin", nil); w.Code != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", w.Code)
	}
}
