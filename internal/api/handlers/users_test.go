package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"billingsync/internal/types"
)

type stubUserCreator struct {
	params map[string]any
	userID string
	err    error
}

func (s *stubUserCreator) CreateProxyUser(ctx context.Context, params map[string]any) (string, error) {
	s.params = params
	return s.userID, s.err
}

func TestCreateUser_ForwardsAndReturnsID(t *testing.T) {
	creator := &stubUserCreator{userID: "user_1"}
	h := NewUsersHandler(creator, discardLogger())

	r := httptest.NewRequest(http.MethodPost, "/users", strings.NewReader(`{"email":"ada@example.com","firstName":"Ada"}`))
	w := httptest.NewRecorder()
	h.Create(w, r)

	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201 (body %q)", w.Code, w.Body.String())
	}
	var resp createUserResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.UserID != "user_1" {
		t.Errorf("userId = %q", resp.UserID)
	}
	if resp.AuthorizationRequired {
		t.Error("authorizationRequired must be false")
	}
	if creator.params["email"] != "ada@example.com" {
		t.Errorf("params = %v", creator.params)
	}
}

func TestCreateUser_EngineErrorMapped(t *testing.T) {
	creator := &stubUserCreator{err: types.NewAppError(
		types.ErrCodeValidationInvalidRequest,
		"organizationId cannot be set by callers",
		nil,
	)}
	h := NewUsersHandler(creator, discardLogger())

	r := httptest.NewRequest(http.MethodPost, "/users", strings.NewReader(`{"organizationId":"org_evil"}`))
	w := httptest.NewRecorder()
	h.Create(w, r)

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}
