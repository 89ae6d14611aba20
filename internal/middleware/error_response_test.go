package middleware

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/hitoshi/medhive/internal/inference"
	"github.com/hitoshi/medhive/internal/model"
)

func TestWriteErrorResponse_IncludesRedirect(t *testing.T) {
	w := httptest.NewRecorder()
	WriteErrorResponse(w, http.StatusForbidden, model.NewOnboardingRequiredError())

	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}
	body := decodeError(t, w)
	if body.Code != model.ErrCodeOnboardingRequired || body.Redirect != "/setup" || body.Category != "auth" {
		t.Errorf("body = %+v", body)
	}
}

func TestWriteError_MapsStatusCodes(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{"unauthorized", model.NewUnauthorizedError(), http.StatusUnauthorized, model.ErrCodeUnauthorized},
		{"forbidden role", model.NewForbiddenRoleError(model.RoleUser), http.StatusForbidden, model.ErrCodeForbiddenRole},
		{"invalid input", model.NewInvalidInputError("x"), http.StatusBadRequest, model.ErrCodeInvalidInput},
		{"not found wrapped", fmt.Errorf("approve: %w", model.NewModelNotFoundError("m")), http.StatusNotFound, model.ErrCodeModelNotFound},
		{"transition", model.NewInvalidStatusTransitionError("training", "approve"), http.StatusConflict, model.ErrCodeInvalidStatusTransition},
		{"inference upstream 500", &inference.Error{Endpoint: inference.EndpointPneumonia, Status: 500, Message: "Prediction failed"}, http.StatusBadGateway, model.ErrCodeInferenceFailed},
		{"inference upstream 422", &inference.Error{Endpoint: inference.EndpointBreastCancer, Status: 422, Message: "field required"}, http.StatusUnprocessableEntity, model.ErrCodeInferenceFailed},
		{"inference too large", &inference.Error{Endpoint: inference.EndpointPneumonia, Status: 413, Message: "too large"}, http.StatusRequestEntityTooLarge, model.ErrCodeInferenceFailed},
		{"inference unreachable", &inference.Error{Endpoint: inference.EndpointSymptoms, Message: "dial tcp"}, http.StatusBadGateway, model.ErrCodeInferenceFailed},
		{"unknown", errors.New("db down"), http.StatusInternalServerError, model.ErrCodeInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			WriteError(w, tt.err)
			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			body := decodeError(t, w)
			if body.Code != tt.wantCode {
				t.Errorf("code = %q, want %q", body.Code, tt.wantCode)
			}
		})
	}
}

func TestWriteError_InferenceMessageIsSurfaced(t *testing.T) {
	w := httptest.NewRecorder()
	WriteError(w, &inference.Error{Endpoint: inference.EndpointBreastCancer, Status: 422, Message: "value is not a valid float"})
	if body := decodeError(t, w); body.Message != "value is not a valid float" {
		t.Errorf("message = %q", body.Message)
	}
}
