package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"billingsync/internal/plans"
	"billingsync/internal/types"
)

func TestListPlans_ReturnsCatalog(t *testing.T) {
	dir, err := plans.NewDirectory([]types.PlanMapping{
		{ID: "plan_basic", BillingID: "price_basic", Name: "Basic", Default: true},
		{ID: "plan_pro", BillingID: "price_pro", Name: "Pro"},
		{ID: "plan_old", BillingID: "price_old", Name: "Legacy", Unavailable: true},
	})
	if err != nil {
		t.Fatalf("NewDirectory: %v", err)
	}
	h := NewPlansHandler(dir, discardLogger())

	w := httptest.NewRecorder()
	h.List(w, httptest.NewRequest(http.MethodGet, "/plans", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var resp struct {
		HasMore          bool            `json:"hasMore"`
		LastEvaluatedKey *string         `json:"lastEvaluatedKey"`
		Data             []types.APIPlan `json:"data"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.HasMore {
		t.Error("hasMore must be false")
	}
	if len(resp.Data) != 3 {
		t.Fatalf("data = %+v", resp.Data)
	}

	byID := make(map[string]types.APIPlan, len(resp.Data))
	for _, p := range resp.Data {
		byID[p.ID] = p
	}
	if byID["plan_pro"].Name != "Pro" {
		t.Errorf("plan_pro = %+v", byID["plan_pro"])
	}
	if !byID["plan_old"].Unavailable {
		t.Error("plan_old must be marked unavailable")
	}
	if byID["plan_basic"].Unavailable {
		t.Error("plan_basic must not be marked unavailable")
	}
}
