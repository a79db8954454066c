package auth

import (
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"camrec/pkg/log"

	"github.com/stretchr/testify/require"
)

// Hash cost 4 keeps the tests fast.
func newTestAuth(t *testing.T) *Authenticator {
	t.Helper()

	a, err := NewAuthenticator(t.TempDir(), log.NewMockLogger())
	require.NoError(t, err)
	a.hashCost = 4

	require.NoError(t, a.UserSet(SetUserRequest{
		ID:            "1",
		Username:      "alice",
		PlainPassword: "secret",
		IsAdmin:       true,
	}))
	require.NoError(t, a.UserSet(SetUserRequest{
		ID:            "2",
		Username:      "bob",
		PlainPassword: "hunter2",
	}))
	return a
}

func basicAuth(username, password string) string {
	creds := base64.StdEncoding.EncodeToString([]byte(username + ":" + password))
	return "Basic " + creds
}

func requestAs(username, password string) *http.Request {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("Authorization", basicAuth(username, password))
	return r
}

func TestDefaultAdmin(t *testing.T) {
	dir := t.TempDir()

	a, err := NewAuthenticator(dir, log.NewMockLogger())
	require.NoError(t, err)

	res := a.ValidateRequest(requestAs("admin", "admin"))
	require.True(t, res.IsValid)
	require.True(t, res.User.IsAdmin)

	// The account was persisted.
	_, err = os.Stat(filepath.Join(dir, "users.json"))
	require.NoError(t, err)
}

func TestValidateRequest(t *testing.T) {
	a := newTestAuth(t)

	cases := []struct {
		username string
		password string
		valid    bool
	}{
		{"alice", "secret", true},
		{"bob", "hunter2", true},
		{"alice", "wrong", false},
		{"mallory", "secret", false},
		{"", "", false},
	}
	for _, tc := range cases {
		t.Run(tc.username+"/"+tc.password, func(t *testing.T) {
			res := a.ValidateRequest(requestAs(tc.username, tc.password))
			require.Equal(t, tc.valid, res.IsValid)
		})
	}

	t.Run("noHeader", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		require.False(t, a.ValidateRequest(r).IsValid)
	})

	t.Run("cached", func(t *testing.T) {
		r := requestAs("alice", "secret")
		a.ValidateRequest(r)

		_, exists := a.authCache[r.Header.Get("Authorization")]
		require.True(t, exists)
		require.True(t, a.ValidateRequest(r).IsValid)
	})
}

func TestUserSet(t *testing.T) {
	a := newTestAuth(t)

	t.Run("reload", func(t *testing.T) {
		a2, err := NewAuthenticator(filepath.Dir(a.path), log.NewMockLogger())
		require.NoError(t, err)

		res := a2.ValidateRequest(requestAs("alice", "secret"))
		require.True(t, res.IsValid)
	})

	t.Run("changePassword", func(t *testing.T) {
		require.NoError(t, a.UserSet(SetUserRequest{
			ID:            "2",
			Username:      "bob",
			PlainPassword: "correcthorse",
		}))
		require.False(t, a.ValidateRequest(requestAs("bob", "hunter2")).IsValid)
		require.True(t, a.ValidateRequest(requestAs("bob", "correcthorse")).IsValid)
	})

	t.Run("keepPassword", func(t *testing.T) {
		require.NoError(t, a.UserSet(SetUserRequest{
			ID:       "2",
			Username: "bob",
			IsAdmin:  true,
		}))
		res := a.ValidateRequest(requestAs("bob", "correcthorse"))
		require.True(t, res.IsValid)
		require.True(t, res.User.IsAdmin)
	})

	t.Run("missingID", func(t *testing.T) {
		err := a.UserSet(SetUserRequest{Username: "x", PlainPassword: "y"})
		require.ErrorIs(t, err, ErrIDMissing)
	})
	t.Run("missingUsername", func(t *testing.T) {
		err := a.UserSet(SetUserRequest{ID: "3", PlainPassword: "y"})
		require.ErrorIs(t, err, ErrUsernameMissing)
	})
	t.Run("missingPassword", func(t *testing.T) {
		err := a.UserSet(SetUserRequest{ID: "3", Username: "x"})
		require.ErrorIs(t, err, ErrPasswordMissing)
	})
}

func TestUserDelete(t *testing.T) {
	a := newTestAuth(t)

	require.NoError(t, a.UserDelete("2"))
	require.False(t, a.ValidateRequest(requestAs("bob", "hunter2")).IsValid)

	require.ErrorIs(t, a.UserDelete("2"), ErrUserNotExist)
}

func TestUsersList(t *testing.T) {
	a := newTestAuth(t)

	list := a.UsersList()
	require.Equal(t, map[string]AccountObfuscated{
		"1": {ID: "1", Username: "alice", IsAdmin: true},
		"2": {ID: "2", Username: "bob"},
	}, list)
}

func TestMiddleware(t *testing.T) {
	a := newTestAuth(t)

	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	serve := func(h http.Handler, r *http.Request) int {
		w := httptest.NewRecorder()
		h.ServeHTTP(w, r)
		return w.Code
	}

	require.Equal(t, http.StatusOK, serve(a.User(ok), requestAs("bob", "hunter2")))
	require.Equal(t, http.StatusOK, serve(a.Admin(ok), requestAs("alice", "secret")))
	require.Equal(t, http.StatusUnauthorized, serve(a.Admin(ok), requestAs("bob", "hunter2")))
	require.Equal(t, http.StatusUnauthorized,
		serve(a.User(ok), httptest.NewRequest(http.MethodGet, "/", nil)))
}
