// SPDX-License-Identifier: GPL-2.0-or-later

// Package auth authenticates requests against a bcrypt hashed user
// database stored next to the configuration.
package auth

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"camrec/pkg/log"

	"golang.org/x/crypto/bcrypt"
)

// DefaultHashCost bcrypt hash cost.
const DefaultHashCost = 10

// Account contains user information.
type Account struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Password []byte `json:"password"` // Hashed password.
	IsAdmin  bool   `json:"isAdmin"`
}

// AccountObfuscated Account without sensitive information.
type AccountObfuscated struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	IsAdmin  bool   `json:"isAdmin"`
}

// ValidateResponse ValidateRequest response.
type ValidateResponse struct {
	IsValid bool
	User    Account
}

// SetUserRequest set user details request.
type SetUserRequest struct {
	ID            string `json:"id"`
	Username      string `json:"username"`
	PlainPassword string `json:"plainPassword,omitempty"`
	IsAdmin       bool   `json:"isAdmin"`
}

// Authenticator validates requests with HTTP basic auth.
type Authenticator struct {
	path      string // Path to save user information.
	accounts  map[string]Account
	authCache map[string]ValidateResponse

	hashCost int

	logger *log.Logger
	mu     sync.Mutex
}

// NewAuthenticator creates a basic authenticator from
// `configDir/users.json`. A default admin account is created on first
// run.
func NewAuthenticator(configDir string, logger *log.Logger) (*Authenticator, error) {
	a := Authenticator{
		path:      filepath.Join(configDir, "users.json"),
		accounts:  make(map[string]Account),
		authCache: make(map[string]ValidateResponse),

		hashCost: DefaultHashCost,
		logger:   logger,
	}

	file, err := os.ReadFile(a.path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("read users file: %w", err)
		}
		if err := a.createDefaultAdmin(); err != nil {
			return nil, err
		}
		return &a, nil
	}

	if err := json.Unmarshal(file, &a.accounts); err != nil {
		return nil, fmt.Errorf("unmarshal users file: %w", err)
	}
	return &a, nil
}

func (a *Authenticator) createDefaultAdmin() error {
	err := a.UserSet(SetUserRequest{
		ID:            "default",
		Username:      "admin",
		PlainPassword: "admin",
		IsAdmin:       true,
	})
	if err != nil {
		return fmt.Errorf("create default admin: %w", err)
	}
	a.logger.Warn().Src("auth").
		Msg("created default admin account, change the password")
	return nil
}

// ValidateRequest Should always take the same amount of
// time to run, even when username or password is invalid.
func (a *Authenticator) ValidateRequest(r *http.Request) ValidateResponse {
	req := r.Header.Get("Authorization")

	a.mu.Lock()
	if res, cacheExist := a.authCache[req]; cacheExist {
		a.mu.Unlock()
		return res
	}
	a.mu.Unlock()

	name, pass := parseBasicAuth(req)
	user, found := a.userByName(name)

	res := ValidateResponse{}

	if !found || name != user.Username {
		// Generate fake hash to prevent timing based attacks.
		bcrypt.GenerateFromPassword([]byte(name), a.hashCost) //nolint:errcheck
	} else if passwordsMatch(user.Password, pass) {
		res = ValidateResponse{IsValid: true, User: user}
	}

	a.mu.Lock()
	a.authCache[req] = res
	a.mu.Unlock()
	return res
}

func (a *Authenticator) userByName(name string) (Account, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, u := range a.accounts {
		if u.Username == name {
			return u, true
		}
	}
	return Account{}, false
}

// Modified from net/http. Link:
// https://cs.opensource.google/go/go/+/refs/tags/go1.17.8:src/net/http/request.go;l=949
func parseBasicAuth(str string) (username, password string) {
	const prefix = "Basic "
	if len(str) < len(prefix) || !strings.EqualFold(str[:len(prefix)], prefix) {
		return
	}
	c, err := base64.StdEncoding.DecodeString(str[len(prefix):])
	if err != nil {
		return
	}
	cs := string(c)
	s := strings.IndexByte(cs, ':')
	if s < 0 {
		return
	}
	return cs[:s], cs[s+1:]
}

func passwordsMatch(hash []byte, plaintext string) bool {
	return bcrypt.CompareHashAndPassword(hash, []byte(plaintext)) == nil
}

// UsersList returns an obfuscated user list.
func (a *Authenticator) UsersList() map[string]AccountObfuscated {
	a.mu.Lock()
	defer a.mu.Unlock()

	list := make(map[string]AccountObfuscated)
	for id, user := range a.accounts {
		list[id] = AccountObfuscated{
			ID:       user.ID,
			Username: user.Username,
			IsAdmin:  user.IsAdmin,
		}
	}
	return list
}

// Errors.
var (
	ErrIDMissing       = errors.New("missing ID")
	ErrUsernameMissing = errors.New("missing username")
	ErrPasswordMissing = errors.New("missing password")
	ErrUserNotExist    = errors.New("user does not exist")
)

// UserSet creates or updates a user and saves the database.
func (a *Authenticator) UserSet(req SetUserRequest) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if req.ID == "" {
		return ErrIDMissing
	}
	if req.Username == "" {
		return ErrUsernameMissing
	}

	user, exists := a.accounts[req.ID]
	if !exists && req.PlainPassword == "" {
		return ErrPasswordMissing
	}

	user.ID = req.ID
	user.Username = req.Username
	user.IsAdmin = req.IsAdmin
	if req.PlainPassword != "" {
		hash, err := bcrypt.GenerateFromPassword([]byte(req.PlainPassword), a.hashCost)
		if err != nil {
			return fmt.Errorf("hash password: %w", err)
		}
		user.Password = hash
	}

	a.accounts[req.ID] = user
	a.authCache = make(map[string]ValidateResponse)

	return a.saveToFile()
}

// UserDelete deletes a user by id and saves the database.
func (a *Authenticator) UserDelete(id string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, exists := a.accounts[id]; !exists {
		return ErrUserNotExist
	}
	delete(a.accounts, id)
	a.authCache = make(map[string]ValidateResponse)

	return a.saveToFile()
}

func (a *Authenticator) saveToFile() error {
	raw, err := json.MarshalIndent(a.accounts, "", "    ")
	if err != nil {
		return fmt.Errorf("marshal accounts: %w", err)
	}
	if err := os.WriteFile(a.path, raw, 0o600); err != nil {
		return fmt.Errorf("write users file: %w", err)
	}
	return nil
}

// User blocks unauthenticated requests.
func (a *Authenticator) User(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		res := a.ValidateRequest(r)
		if !res.IsValid {
			a.logFailedLogin(r)
			w.Header().Set("WWW-Authenticate", `Basic realm="camrec"`)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		h.ServeHTTP(w, r)
	})
}

// Admin only allows authenticated requests from users with admin privileges.
func (a *Authenticator) Admin(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		res := a.ValidateRequest(r)
		if !res.IsValid || !res.User.IsAdmin {
			a.logFailedLogin(r)
			w.Header().Set("WWW-Authenticate", `Basic realm="camrec"`)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		h.ServeHTTP(w, r)
	})
}

// logFailedLogin finds and logs the ip.
func (a *Authenticator) logFailedLogin(r *http.Request) {
	ip := ""
	realIP := r.Header.Get("X-Real-Ip")
	if realIP != "" {
		ip += "real:" + realIP + " "
	}
	forwarded := r.Header.Get("X-Forwarded-For")
	if forwarded != "" && forwarded != realIP {
		ip += "forwarded:" + forwarded + " "
	}
	remoteAddr := r.RemoteAddr
	if remoteAddr != "" && remoteAddr != forwarded {
		ip += "addr:" + remoteAddr
	}

	a.logger.Info().Src("auth").Msgf("failed login: %v", ip)
}
