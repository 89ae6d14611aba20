package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func csrfHandler(called *bool) http.Handler {
	return NewCSRFMiddleware(CookieConfig{})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*called = true
		w.WriteHeader(http.StatusOK)
	}))
}

func TestCSRFMiddleware_SafeMethods_PassAndSetCookie(t *testing.T) {
	for _, method := range []string{http.MethodGet, http.MethodHead, http.MethodOptions} {
		t.Run(method, func(t *testing.T) {
			called := false
			w := httptest.NewRecorder()
			csrfHandler(&called).ServeHTTP(w, httptest.NewRequest(method, "/api/nav", nil))

			if !called {
				t.Fatalf("handler should have been called for %s request", method)
			}
			var found bool
			for _, c := range w.Result().Cookies() {
				if c.Name == csrfCookieName && c.Value != "" && !c.HttpOnly {
					found = true
				}
			}
			if !found {
				t.Error("CSRFトークンCookieが設定されていない")
			}
		})
	}
}

func TestCSRFMiddleware_SafeMethod_KeepsExistingCookie(t *testing.T) {
	called := false
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: csrfCookieName, Value: "existing"})
	w := httptest.NewRecorder()
	csrfHandler(&called).ServeHTTP(w, req)

	if len(w.Result().Cookies()) != 0 {
		t.Error("既存のCookieがある場合は再設定しないべき")
	}
}

func TestCSRFMiddleware_UnsafeMethods(t *testing.T) {
	tests := []struct {
		name       string
		cookie     string
		header     string
		wantStatus int
	}{
		{"valid token", "tok", "tok", http.StatusOK},
		{"missing cookie", "", "tok", http.StatusForbidden},
		{"missing header", "tok", "", http.StatusForbidden},
		{"mismatch", "tok", "other", http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			called := false
			req := httptest.NewRequest(http.MethodPost, "/auth/logout", nil)
			if tt.cookie != "" {
				req.AddCookie(&http.Cookie{Name: csrfCookieName, Value: tt.cookie})
			}
			if tt.header != "" {
				req.Header.Set(csrfHeaderName, tt.header)
			}
			w := httptest.NewRecorder()
			csrfHandler(&called).ServeHTTP(w, req)

			if w.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			if called != (tt.wantStatus == http.StatusOK) {
				t.Errorf("handler called = %v", called)
			}
			if tt.wantStatus == http.StatusForbidden {
				if body := decodeError(t, w); body.Code != ErrCodeCSRFInvalid {
					t.Errorf("code = %q, want %q", body.Code, ErrCodeCSRFInvalid)
				}
			}
		})
	}
}

func TestCSRFTokenHandler_ReturnsExistingOrNewToken(t *testing.T) {
	h := NewCSRFTokenHandler(CookieConfig{Secure: true})

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/csrf-token", nil))
	var body struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(body.Token) != 64 {
		t.Errorf("token length = %d, want 64", len(body.Token))
	}
	cookies := w.Result().Cookies()
	if len(cookies) != 1 || cookies[0].Value != body.Token || !cookies[0].Secure {
		t.Errorf("cookie = %+v", cookies)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/csrf-token", nil)
	req.AddCookie(&http.Cookie{Name: csrfCookieName, Value: "kept"})
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	json.NewDecoder(w.Body).Decode(&body)
	if body.Token != "kept" {
		t.Errorf("token = %q, want kept", body.Token)
	}
}
