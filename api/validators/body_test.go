package validators

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	pkgerrors "github.com/angelmondragon/shopbilling/pkg/errors"
)

type checkoutBody struct {
	PlanID string `json:"planId" validate:"required,oneof=starter growth scale"`
}

func TestDecodeJSONBodyValidates(t *testing.T) {
	var body checkoutBody
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"planId":"growth"}`))
	if err := DecodeJSONBody(req, &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.PlanID != "growth" {
		t.Fatalf("unexpected plan %q", body.PlanID)
	}

	req = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"planId":"platinum"}`))
	err := DecodeJSONBody(req, &checkoutBody{})
	typed := pkgerrors.As(err)
	if typed == nil || typed.Code() != pkgerrors.CodeValidation {
		t.Fatalf("expected validation error, got %v", err)
	}
	details, ok := typed.Details().(map[string]string)
	if !ok || !strings.HasPrefix(details["planId"], "must be one of") {
		t.Fatalf("expected planId detail keyed by json name, got %v", typed.Details())
	}
}

func TestDecodeJSONBodyRejectsUnknownFields(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"planId":"growth","card":"4242"}`))
	if err := DecodeJSONBody(req, &checkoutBody{}); !pkgerrors.HasCode(err, pkgerrors.CodeValidation) {
		t.Fatalf("expected validation error for unknown field, got %v", err)
	}
}

func TestParseQueryInt(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/?limit=25", nil)
	if got, err := ParseQueryInt(req, "limit", 50, 1, 200); err != nil || got != 25 {
		t.Fatalf("expected 25, got %d err=%v", got, err)
	}
	req = httptest.NewRequest(http.MethodGet, "/", nil)
	if got, _ := ParseQueryInt(req, "limit", 50, 1, 200); got != 50 {
		t.Fatalf("expected default 50, got %d", got)
	}
	req = httptest.NewRequest(http.MethodGet, "/?limit=900", nil)
	if _, err := ParseQueryInt(req, "limit", 50, 1, 200); !pkgerrors.HasCode(err, pkgerrors.CodeValidation) {
		t.Fatalf("expected range error, got %v", err)
	}
}
