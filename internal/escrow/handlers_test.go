package escrow

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/gin-gonic/gin"
)

func setupTestRouter(gw Gateway) (*gin.Engine, *Service) {
	gin.SetMode(gin.TestMode)

	store := NewMemoryStore()
	svc := NewService(store, gw, testLogger())
	handler := NewHandler(svc)

	r := gin.New()
	v1 := r.Group("/v1")
	handler.RegisterRoutes(v1)

	// Test stand-in for the auth middleware: X-Party-ID/X-Party-Role
	// headers become the authenticated actor.
	authGroup := v1.Group("")
	authGroup.Use(func(c *gin.Context) {
		if id := c.GetHeader("X-Party-ID"); id != "" {
			c.Set("authActor", Actor{ID: id, Role: Role(c.GetHeader("X-Party-Role"))})
		}
		c.Next()
	})
	handler.RegisterProtectedRoutes(authGroup)

	return r, svc
}

func doJSON(router *gin.Engine, method, path string, body any, actor *Actor, ifMatch string) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if actor != nil {
		req.Header.Set("X-Party-ID", actor.ID)
		req.Header.Set("X-Party-Role", string(actor.Role))
	}
	if ifMatch != "" {
		req.Header.Set("If-Match", ifMatch)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

type escrowResp struct {
	Escrow struct {
		ID           string `json:"id"`
		Status       string `json:"status"`
		Amount       string `json:"amount"`
		Version      int64  `json:"version"`
		AutoReleased bool   `json:"autoReleased"`
	} `json:"escrow"`
}

func TestHandler_CreateAndGetEscrow(t *testing.T) {
	router, _ := setupTestRouter(newMockGateway())

	w := doJSON(router, "POST", "/v1/escrows", testCreateRequest(), &testBuyer, "")
	if w.Code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d: %s", w.Code, w.Body.String())
	}

	var created escrowResp
	json.Unmarshal(w.Body.Bytes(), &created)
	if created.Escrow.Status != "created" {
		t.Errorf("Expected status created, got %s", created.Escrow.Status)
	}
	if created.Escrow.Amount != "125.5" {
		t.Errorf("Expected amount 125.5, got %s", created.Escrow.Amount)
	}
	if w.Header().Get("ETag") != "1" {
		t.Errorf("Expected ETag 1, got %s", w.Header().Get("ETag"))
	}

	w = doJSON(router, "GET", "/v1/escrows/"+created.Escrow.ID, nil, nil, "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var got escrowResp
	json.Unmarshal(w.Body.Bytes(), &got)
	if got.Escrow.ID != created.Escrow.ID {
		t.Errorf("Expected ID %s, got %s", created.Escrow.ID, got.Escrow.ID)
	}
}

func TestHandler_CreateRequiresBuyerToken(t *testing.T) {
	router, _ := setupTestRouter(newMockGateway())

	// No token at all
	w := doJSON(router, "POST", "/v1/escrows", testCreateRequest(), nil, "")
	if w.Code != http.StatusForbidden {
		t.Errorf("Expected 403 without token, got %d", w.Code)
	}

	// Seller's token
	w = doJSON(router, "POST", "/v1/escrows", testCreateRequest(), &testSeller, "")
	if w.Code != http.StatusForbidden {
		t.Errorf("Expected 403 with seller token, got %d", w.Code)
	}
}

func TestHandler_CreateValidation(t *testing.T) {
	router, _ := setupTestRouter(newMockGateway())

	// Missing required fields
	w := doJSON(router, "POST", "/v1/escrows", map[string]string{"amount": "1.00"}, &testBuyer, "")
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for missing fields, got %d: %s", w.Code, w.Body.String())
	}

	// Fields present but invalid
	req := testCreateRequest()
	req.Amount = "-3.00"
	w = doJSON(router, "POST", "/v1/escrows", req, &testBuyer, "")
	if w.Code != http.StatusUnprocessableEntity {
		t.Errorf("Expected 422 for negative amount, got %d: %s", w.Code, w.Body.String())
	}

	req = testCreateRequest()
	req.Currency = "bucks"
	w = doJSON(router, "POST", "/v1/escrows", req, &testBuyer, "")
	if w.Code != http.StatusUnprocessableEntity {
		t.Errorf("Expected 422 for bad currency, got %d: %s", w.Code, w.Body.String())
	}
}

func TestHandler_GetEscrowNotFound(t *testing.T) {
	router, _ := setupTestRouter(newMockGateway())

	w := doJSON(router, "GET", "/v1/escrows/nonexistent", nil, nil, "")
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", w.Code)
	}
}

func TestHandler_FullLifecycleOverHTTP(t *testing.T) {
	router, _ := setupTestRouter(newMockGateway())

	w := doJSON(router, "POST", "/v1/escrows", testCreateRequest(), &testBuyer, "")
	if w.Code != http.StatusCreated {
		t.Fatalf("Create: expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var resp escrowResp
	json.Unmarshal(w.Body.Bytes(), &resp)
	id := resp.Escrow.ID

	step := func(path string, body any, actor *Actor, version int64) escrowResp {
		t.Helper()
		w := doJSON(router, "POST", "/v1/escrows/"+id+path, body, actor, strconv.FormatInt(version, 10))
		if w.Code != http.StatusOK {
			t.Fatalf("%s: expected 200, got %d: %s", path, w.Code, w.Body.String())
		}
		var r escrowResp
		json.Unmarshal(w.Body.Bytes(), &r)
		if got := w.Header().Get("ETag"); got != strconv.FormatInt(r.Escrow.Version, 10) {
			t.Errorf("%s: ETag %s does not match version %d", path, got, r.Escrow.Version)
		}
		return r
	}

	r := step("/pay", nil, &testBuyer, resp.Escrow.Version)

	// Fetch the charge reference recorded by the pay step.
	w = doJSON(router, "GET", "/v1/escrows/"+id, nil, nil, "")
	var withRef struct {
		Escrow struct {
			ChargeRef string `json:"providerChargeReference"`
			Version   int64  `json:"version"`
		} `json:"escrow"`
	}
	json.Unmarshal(w.Body.Bytes(), &withRef)
	if withRef.Escrow.ChargeRef == "" {
		t.Fatal("Expected charge reference after pay")
	}

	r = step("/verify-payment", map[string]string{"reference": withRef.Escrow.ChargeRef}, &testBuyer, r.Escrow.Version)
	if r.Escrow.Status != "funds_locked" {
		t.Errorf("Expected funds_locked, got %s", r.Escrow.Status)
	}

	r = step("/acknowledge", nil, &testSeller, r.Escrow.Version)
	if r.Escrow.Status != "seller_acknowledged" {
		t.Errorf("Expected seller_acknowledged, got %s", r.Escrow.Status)
	}

	r = step("/complete", map[string]string{"note": "left at door"}, &testSeller, r.Escrow.Version)
	if r.Escrow.Status != "delivery_confirmed" {
		t.Errorf("Expected delivery_confirmed, got %s", r.Escrow.Status)
	}

	// Confirm chains the payout in the same request.
	r = step("/confirm", nil, &testBuyer, r.Escrow.Version)
	if r.Escrow.Status != "released" {
		t.Errorf("Expected released after confirm, got %s", r.Escrow.Status)
	}
	if r.Escrow.AutoReleased {
		t.Error("HTTP confirmation must not be flagged auto-released")
	}

	w = doJSON(router, "GET", "/v1/escrows/"+id+"/history", nil, nil, "")
	if w.Code != http.StatusOK {
		t.Fatalf("History: expected 200, got %d", w.Code)
	}
	var hist struct {
		Count int `json:"count"`
	}
	json.Unmarshal(w.Body.Bytes(), &hist)
	if hist.Count != 7 {
		t.Errorf("Expected 7 transitions, got %d", hist.Count)
	}
}

func TestHandler_ConfirmSurvivesGatewayOutage(t *testing.T) {
	gw := &failingGateway{chargeOK: true, transferErr: ErrGatewayUnavailable}
	router, svc := setupTestRouter(gw)

	e := advance(t, svc, StatusDeliveryConfirmed)

	// Payout fails but the confirmation itself sticks.
	w := doJSON(router, "POST", "/v1/escrows/"+e.ID+"/confirm", nil, &testBuyer, "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp escrowResp
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Escrow.Status != "release_authorized" {
		t.Errorf("Expected release_authorized while gateway down, got %s", resp.Escrow.Status)
	}
}

func TestHandler_IfMatchPrecondition(t *testing.T) {
	router, svc := setupTestRouter(newMockGateway())

	e := advance(t, svc, StatusFundsLocked)

	// Stale version
	w := doJSON(router, "POST", "/v1/escrows/"+e.ID+"/acknowledge", nil, &testSeller, "1")
	if w.Code != http.StatusConflict {
		t.Errorf("Expected 409 for stale If-Match, got %d: %s", w.Code, w.Body.String())
	}
	var errResp struct {
		Error string `json:"error"`
	}
	json.Unmarshal(w.Body.Bytes(), &errResp)
	if errResp.Error != "version_conflict" {
		t.Errorf("Expected version_conflict, got %s", errResp.Error)
	}

	// Garbage header
	w = doJSON(router, "POST", "/v1/escrows/"+e.ID+"/acknowledge", nil, &testSeller, "latest")
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for non-integer If-Match, got %d", w.Code)
	}

	// Absent header means current state
	w = doJSON(router, "POST", "/v1/escrows/"+e.ID+"/acknowledge", nil, &testSeller, "")
	if w.Code != http.StatusOK {
		t.Errorf("Expected 200 without If-Match, got %d: %s", w.Code, w.Body.String())
	}
}

func TestHandler_TransitionRequiresToken(t *testing.T) {
	router, svc := setupTestRouter(newMockGateway())

	e := advance(t, svc, StatusFundsLocked)

	w := doJSON(router, "POST", "/v1/escrows/"+e.ID+"/acknowledge", nil, nil, "")
	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401 without token, got %d", w.Code)
	}
}

func TestHandler_ErrorStatusMapping(t *testing.T) {
	router, svc := setupTestRouter(newMockGateway())
	ctx := context.Background()

	locked := advance(t, svc, StatusFundsLocked)
	released := advance(t, svc, StatusReleased)

	disputed := advance(t, svc, StatusFundsLocked)
	if _, err := svc.Dispute(ctx, disputed.ID, disputed.Version, testBuyer, "broken"); err != nil {
		t.Fatalf("Dispute failed: %v", err)
	}

	tests := []struct {
		name     string
		method   string
		path     string
		body     any
		actor    *Actor
		wantCode int
		wantErr  string
	}{
		{"wrong actor", "POST", "/v1/escrows/" + locked.ID + "/acknowledge", nil, &testBuyer, http.StatusForbidden, "wrong_actor"},
		{"invalid state", "POST", "/v1/escrows/" + locked.ID + "/cancel", nil, &testBuyer, http.StatusConflict, "invalid_state"},
		{"terminal state", "POST", "/v1/escrows/" + released.ID + "/dispute", map[string]string{"reason": "late"}, &testBuyer, http.StatusConflict, "terminal_state"},
		{"resolve needs arbiter", "POST", "/v1/escrows/" + disputed.ID + "/resolve", map[string]string{"outcome": "to_buyer"}, &testBuyer, http.StatusForbidden, "wrong_actor"},
		{"bad outcome", "POST", "/v1/escrows/" + disputed.ID + "/resolve", map[string]string{"outcome": "split"}, &testArbiter, http.StatusUnprocessableEntity, "validation_error"},
		{"missing reason", "POST", "/v1/escrows/" + locked.ID + "/dispute", map[string]string{}, &testBuyer, http.StatusBadRequest, "invalid_request"},
		{"not found", "POST", "/v1/escrows/missing/acknowledge", nil, &testSeller, http.StatusNotFound, "not_found"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := doJSON(router, tt.method, tt.path, tt.body, tt.actor, "")
			if w.Code != tt.wantCode {
				t.Errorf("Expected %d, got %d: %s", tt.wantCode, w.Code, w.Body.String())
			}
			var errResp struct {
				Error string `json:"error"`
			}
			json.Unmarshal(w.Body.Bytes(), &errResp)
			if errResp.Error != tt.wantErr {
				t.Errorf("Expected error %s, got %s", tt.wantErr, errResp.Error)
			}
		})
	}
}

func TestHandler_ResolveOverHTTP(t *testing.T) {
	router, svc := setupTestRouter(newMockGateway())
	ctx := context.Background()

	e := advance(t, svc, StatusFundsLocked)
	e, err := svc.Dispute(ctx, e.ID, e.Version, testSeller, "buyer silent")
	if err != nil {
		t.Fatalf("Dispute failed: %v", err)
	}

	w := doJSON(router, "POST", "/v1/escrows/"+e.ID+"/resolve", map[string]string{"outcome": "to_buyer"}, &testArbiter, "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp escrowResp
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Escrow.Status != "cancelled" {
		t.Errorf("Expected cancelled, got %s", resp.Escrow.Status)
	}
}

func TestHandler_ListEscrows(t *testing.T) {
	router, svc := setupTestRouter(newMockGateway())

	for i := 0; i < 3; i++ {
		advance(t, svc, StatusCreated)
	}

	w := doJSON(router, "GET", "/v1/parties/"+testBuyer.ID+"/escrows?limit=2", nil, nil, "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp struct {
		Count int `json:"count"`
	}
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Count != 2 {
		t.Errorf("Expected 2 escrows with limit, got %d", resp.Count)
	}
}
