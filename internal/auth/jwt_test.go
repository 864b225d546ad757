package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestTokenRoundTrip(t *testing.T) {
	a := New("test-secret")

	token, err := a.GenerateToken("alice", time.Hour)
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}

	claims, err := a.validateToken(token)
	if err != nil {
		t.Fatalf("validateToken: %v", err)
	}
	if claims.Subject != "alice" {
		t.Errorf("subject: got %q, want alice", claims.Subject)
	}
}

func TestMiddleware(t *testing.T) {
	a := New("test-secret")

	var gotOwner string
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotOwner = OwnerID(r.Context())
		w.WriteHeader(http.StatusOK)
	})
	handler := a.Middleware(next)

	valid, err := a.GenerateToken("alice", time.Hour)
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}
	expired, err := a.GenerateToken("alice", -time.Hour)
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}
	foreign, err := New("other-secret").GenerateToken("alice", time.Hour)
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}

	tests := []struct {
		name       string
		authHeader string
		wantStatus int
		wantOwner  string
	}{
		{"no token is anonymous", "", http.StatusOK, ""},
		{"valid token resolves owner", "Bearer " + valid, http.StatusOK, "alice"},
		{"expired token rejected", "Bearer " + expired, http.StatusUnauthorized, ""},
		{"wrong signature rejected", "Bearer " + foreign, http.StatusUnauthorized, ""},
		{"garbage token rejected", "Bearer not.a.jwt", http.StatusUnauthorized, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gotOwner = ""
			req := httptest.NewRequest(http.MethodGet, "/files/", nil)
			if tt.authHeader != "" {
				req.Header.Set("Authorization", tt.authHeader)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Errorf("status: got %d, want %d", rec.Code, tt.wantStatus)
			}
			if gotOwner != tt.wantOwner {
				t.Errorf("owner: got %q, want %q", gotOwner, tt.wantOwner)
			}
		})
	}
}

func TestMiddlewareDisabled(t *testing.T) {
	a := New("")
	if a.Enabled() {
		t.Fatal("empty secret must disable auth")
	}

	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if OwnerID(r.Context()) != "" {
			t.Error("disabled auth resolved an owner")
		}
	})
	req := httptest.NewRequest(http.MethodGet, "/files/", nil)
	req.Header.Set("Authorization", "Bearer whatever")
	a.Middleware(next).ServeHTTP(httptest.NewRecorder(), req)
}

func TestRequireOwner(t *testing.T) {
	called := false
	h := RequireOwner(func(w http.ResponseWriter, r *http.Request) {
		called = true
	})

	rec := httptest.NewRecorder()
	h(rec, httptest.NewRequest(http.MethodGet, "/files/", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("anonymous request: got %d, want 401", rec.Code)
	}
	if called {
		t.Error("handler ran without an owner")
	}
}
