package billing

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"

	billingsvc "github.com/angelmondragon/shopbilling/internal/billing"
	"github.com/angelmondragon/shopbilling/pkg/enums"
	pkgerrors "github.com/angelmondragon/shopbilling/pkg/errors"
)

type fakeGateway struct {
	tenant    string
	plan      enums.PlanID
	nonce     string
	immediate bool
	err       error
}

func (f *fakeGateway) CreateCheckoutSession(_ context.Context, tenantID string, planID enums.PlanID, nonce string) (billingsvc.SessionResult, error) {
	f.tenant, f.plan, f.nonce = tenantID, planID, nonce
	if f.err != nil {
		return billingsvc.SessionResult{}, f.err
	}
	return billingsvc.SessionResult{URL: "https://checkout.example/cs_1"}, nil
}

func (f *fakeGateway) CreatePortalSession(_ context.Context, tenantID, nonce string) (billingsvc.SessionResult, error) {
	f.tenant, f.nonce = tenantID, nonce
	if f.err != nil {
		return billingsvc.SessionResult{}, f.err
	}
	return billingsvc.SessionResult{URL: "https://portal.example/ps_1"}, nil
}

func (f *fakeGateway) RequestCancellation(_ context.Context, tenantID string, immediate bool, nonce string) (billingsvc.Ack, error) {
	f.tenant, f.immediate, f.nonce = tenantID, immediate, nonce
	if f.err != nil {
		return billingsvc.Ack{}, f.err
	}
	return billingsvc.Ack{Accepted: true, CancelAtPeriodEnd: !immediate, Immediate: immediate, Status: enums.SubscriptionStatusActive}, nil
}

func commandRouter(gw CommandGateway) http.Handler {
	r := chi.NewRouter()
	r.Post("/tenants/{tenantID}/checkout", Checkout(gw, nil))
	r.Post("/tenants/{tenantID}/portal", Portal(gw, nil))
	r.Patch("/tenants/{tenantID}/subscription/cancel", Cancel(gw, nil))
	return r
}

func TestCheckoutPassesNonceAndPlan(t *testing.T) {
	gw := &fakeGateway{}
	req := httptest.NewRequest(http.MethodPost, "/tenants/tenant-1/checkout", strings.NewReader(`{"planId":"growth"}`))
	req.Header.Set("Idempotency-Key", "nonce-1")
	rec := httptest.NewRecorder()
	commandRouter(gw).ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", rec.Code, rec.Body.String())
	}
	if gw.tenant != "tenant-1" || gw.plan != enums.PlanGrowth || gw.nonce != "nonce-1" {
		t.Fatalf("unexpected gateway call %+v", gw)
	}
	var body struct {
		Data billingsvc.SessionResult `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Data.URL != "https://checkout.example/cs_1" {
		t.Fatalf("unexpected url %q", body.Data.URL)
	}
}

func TestCommandsRequireIdempotencyKey(t *testing.T) {
	gw := &fakeGateway{}
	rec := httptest.NewRecorder()
	commandRouter(gw).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/tenants/tenant-1/portal", nil))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if gw.tenant != "" {
		t.Fatalf("gateway must not be called without a nonce")
	}
}

func TestCheckoutRequiresPlan(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/tenants/tenant-1/checkout", strings.NewReader(`{}`))
	req.Header.Set("Idempotency-Key", "nonce-1")
	rec := httptest.NewRecorder()
	commandRouter(&fakeGateway{}).ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestCancelReturnsAck(t *testing.T) {
	gw := &fakeGateway{}
	req := httptest.NewRequest(http.MethodPatch, "/tenants/tenant-1/subscription/cancel", strings.NewReader(`{"immediate":false}`))
	req.Header.Set("Idempotency-Key", "nonce-2")
	rec := httptest.NewRecorder()
	commandRouter(gw).ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d (%s)", rec.Code, rec.Body.String())
	}
	var body struct {
		Data ackResponse `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !body.Data.Ack.Accepted || !body.Data.Ack.CancelAtPeriodEnd || body.Data.Ack.Status != enums.SubscriptionStatusActive {
		t.Fatalf("unexpected ack %+v", body.Data.Ack)
	}
}

func TestCancelWithoutBodyDefaultsToPeriodEnd(t *testing.T) {
	gw := &fakeGateway{immediate: true}
	req := httptest.NewRequest(http.MethodPatch, "/tenants/tenant-1/subscription/cancel", nil)
	req.Header.Set("Idempotency-Key", "nonce-3")
	rec := httptest.NewRecorder()
	commandRouter(gw).ServeHTTP(rec, req)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rec.Code)
	}
	if gw.immediate {
		t.Fatalf("expected immediate=false by default")
	}
}

func TestCommandErrorsMapToStatus(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"billing unavailable", pkgerrors.New(pkgerrors.CodeBilling, "provider retries exhausted"), http.StatusServiceUnavailable},
		{"state conflict", pkgerrors.New(pkgerrors.CodeStateConflict, "subscription already canceled"), http.StatusUnprocessableEntity},
		{"not found", pkgerrors.New(pkgerrors.CodeNotFound, "subscription not found"), http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPatch, "/tenants/tenant-1/subscription/cancel", strings.NewReader(`{"immediate":true}`))
			req.Header.Set("Idempotency-Key", "nonce-4")
			rec := httptest.NewRecorder()
			commandRouter(&fakeGateway{err: tt.err}).ServeHTTP(rec, req)
			if rec.Code != tt.want {
				t.Fatalf("expected %d, got %d", tt.want, rec.Code)
			}
		})
	}
}
