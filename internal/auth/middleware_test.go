package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func setupMiddlewareTest() (*Manager, string, *APIKey) {
	mgr := NewManager(NewMemoryStore())
	rawKey, key, _ := mgr.GenerateKey(context.Background(), "acc_student", "test-key")
	return mgr, rawKey, key
}

// --- Middleware() ---

func TestMiddleware_ValidKey_SetsContext(t *testing.T) {
	mgr, rawKey, _ := setupMiddlewareTest()

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request, _ = http.NewRequest("GET", "/test", nil)
	c.Request.Header.Set("Authorization", "Bearer "+rawKey)

	Middleware(mgr)(c)

	if got := AuthenticatedAccount(c); got != "acc_student" {
		t.Errorf("authenticated account = %q, want acc_student", got)
	}
	key, exists := c.Get(ContextKeyAPIKey)
	if !exists {
		t.Fatal("API key not set in context")
	}
	if key.(*APIKey).Name != "test-key" {
		t.Errorf("key name = %q", key.(*APIKey).Name)
	}
}

func TestMiddleware_InvalidKey_DoesNotAbort(t *testing.T) {
	mgr, _, _ := setupMiddlewareTest()

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request, _ = http.NewRequest("GET", "/test", nil)
	c.Request.Header.Set("Authorization", "sk_invalid")

	Middleware(mgr)(c)

	if _, exists := c.Get(ContextKeyAPIKey); exists {
		t.Error("API key set for invalid credentials")
	}
	if c.IsAborted() {
		t.Error("soft-auth middleware must not abort")
	}
}

// --- RequireAuth() ---

func TestRequireAuth_NoKey_Returns401(t *testing.T) {
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request, _ = http.NewRequest("GET", "/test", nil)

	RequireAuth()(c)

	if !c.IsAborted() || w.Code != http.StatusUnauthorized {
		t.Errorf("aborted=%v code=%d, want aborted 401", c.IsAborted(), w.Code)
	}
}

func TestRequireAuth_WithKey_Passes(t *testing.T) {
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request, _ = http.NewRequest("GET", "/test", nil)
	c.Set(ContextKeyAPIKey, &APIKey{AccountID: "acc_student"})

	RequireAuth()(c)

	if c.IsAborted() {
		t.Error("request with valid key aborted")
	}
}

// --- RequireOwnership() ---

func TestRequireOwnership_WrongAccount_Returns403(t *testing.T) {
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request, _ = http.NewRequest("GET", "/test", nil)
	c.Params = gin.Params{{Key: "id", Value: "acc_other"}}
	c.Set(ContextKeyAccountID, "acc_student")

	RequireOwnership("id")(c)

	if !c.IsAborted() || w.Code != http.StatusForbidden {
		t.Errorf("aborted=%v code=%d, want aborted 403", c.IsAborted(), w.Code)
	}
}

func TestRequireOwnership_Owner_Passes(t *testing.T) {
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request, _ = http.NewRequest("GET", "/test", nil)
	c.Params = gin.Params{{Key: "id", Value: "acc_student"}}
	c.Set(ContextKeyAccountID, "acc_student")

	RequireOwnership("id")(c)

	if c.IsAborted() {
		t.Error("owner request aborted")
	}
}

// --- RequireAdmin() ---

func TestRequireAdmin(t *testing.T) {
	tests := []struct {
		name     string
		secret   string
		provided string
		wantCode int
	}{
		{"correct secret", "topsecret", "topsecret", http.StatusOK},
		{"wrong secret", "topsecret", "guess", http.StatusForbidden},
		{"missing header", "topsecret", "", http.StatusForbidden},
		{"unconfigured secret rejects all", "", "anything", http.StatusForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			c, _ := gin.CreateTestContext(w)
			c.Request, _ = http.NewRequest("POST", "/admin", nil)
			if tt.provided != "" {
				c.Request.Header.Set("X-Admin-Secret", tt.provided)
			}

			RequireAdmin(tt.secret)(c)

			if tt.wantCode == http.StatusOK {
				if c.IsAborted() {
					t.Error("valid admin request aborted")
				}
			} else if !c.IsAborted() || w.Code != tt.wantCode {
				t.Errorf("aborted=%v code=%d, want aborted %d", c.IsAborted(), w.Code, tt.wantCode)
			}
		})
	}
}
