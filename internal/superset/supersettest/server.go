// Package supersettest provides an in-memory Superset REST API for tests.
// It implements login, token refresh, CSRF protection bound to a session
// cookie, paginated listings, database connections, roles and the
// permissions that Superset creates for each database.
package supersettest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"slices"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// MaskedPassword replaces passwords in URIs returned by the server.
const MaskedPassword = "XXXXXXXXXX"

const maxPageSize = 100

var signingKey = []byte("supersettest")

// Database is a stored database connection.
type Database struct {
	ID   int
	Name string
	URI  string
	// Payload is the create request body.
	Payload map[string]any
}

// Request is a request received by the server.
type Request struct {
	Method string
	Path   string
	Query  string
	Body   string
}

type permission struct {
	id         int
	permission string
	viewMenu   string
}

type failure struct {
	method    string
	prefix    string
	status    int
	remaining int
}

// Server is an in-memory Superset API.
type Server struct {
	*httptest.Server

	// Username and Password are the accepted admin credentials.
	Username string
	Password string
	// AccessTokenTTL is the lifetime of issued access tokens.
	AccessTokenTTL time.Duration

	mu          sync.Mutex
	nextID      int
	generation  int
	databases   []*Database
	roles       map[string]int
	permissions []permission
	rolePerms   map[int][]int
	csrf        map[string]string
	failures    []*failure
	requests    []Request
}

// NewServer starts a server seeded with the "Admin" and "Public" roles.
// It is closed when the test ends.
func NewServer(t testing.TB) *Server {
	s := New()
	t.Cleanup(s.Close)
	return s
}

// New starts a server seeded with the "Admin" and "Public" roles. The
// caller must Close it.
func New() *Server {
	s := &Server{
		Username:       "admin",
		Password:       "admin",
		AccessTokenTTL: time.Hour,
		nextID:         100,
		roles:          map[string]int{},
		rolePerms:      map[int][]int{},
		csrf:           map[string]string{},
	}
	s.AddRole("Admin")
	s.AddRole("Public")
	s.Server = httptest.NewServer(s.handler())
	return s
}

func (s *Server) id() int {
	s.nextID++
	return s.nextID
}

// AddRole creates a role and returns its ID.
func (s *Server) AddRole(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.id()
	s.roles[name] = id
	return id
}

// RemoveRole deletes a role.
func (s *Server) RemoveRole(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.roles, name)
}

// RoleID returns the ID of a role.
func (s *Server) RoleID(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.roles[name]
}

// AddDatabase stores a database connection as if created through the UI
// and returns its ID.
func (s *Server) AddDatabase(name, uri string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addDatabase(name, uri, nil).ID
}

func (s *Server) addDatabase(name, uri string, payload map[string]any) *Database {
	db := &Database{ID: s.id(), Name: name, URI: uri, Payload: payload}
	s.databases = append(s.databases, db)
	s.permissions = append(s.permissions, permission{
		id:         s.id(),
		permission: "database_access",
		viewMenu:   fmt.Sprintf("[%s].(id:%d)", name, db.ID),
	})
	return db
}

// AddPermission adds a permission-view-menu and returns its ID.
func (s *Server) AddPermission(perm, viewMenu string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.id()
	s.permissions = append(s.permissions, permission{id: id, permission: perm, viewMenu: viewMenu})
	return id
}

// Databases returns a copy of the stored databases ordered by ID.
func (s *Server) Databases() []Database {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Database, len(s.databases))
	for i, db := range s.databases {
		out[i] = *db
	}
	return out
}

// DatabaseAccessPermission returns the database_access permission ID of a
// database.
func (s *Server) DatabaseAccessPermission(databaseID int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	suffix := fmt.Sprintf(".(id:%d)", databaseID)
	for _, p := range s.permissions {
		if p.permission == "database_access" && strings.HasSuffix(p.viewMenu, suffix) {
			return p.id
		}
	}
	return 0
}

// GrantToRole grants permission IDs to a role directly.
func (s *Server) GrantToRole(roleID int, ids ...int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rolePerms[roleID] = append(s.rolePerms[roleID], ids...)
}

// RolePermissions returns the permission IDs granted to a role.
func (s *Server) RolePermissions(roleID int) []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.rolePerms[roleID])
}

// Fail makes the next n requests whose method matches and whose path starts
// with prefix fail with status. n <= 0 fails them until [Server.ClearFailures].
func (s *Server) Fail(method, prefix string, status, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = append(s.failures, &failure{method: method, prefix: prefix, status: status, remaining: n})
}

// ClearFailures removes every injected failure.
func (s *Server) ClearFailures() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = nil
}

// RevokeTokens invalidates every token issued so far.
func (s *Server) RevokeTokens() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.generation++
}

// Requests returns the requests received so far.
func (s *Server) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.requests)
}

// Count returns how many requests matched method and path prefix.
func (s *Server) Count(method, prefix string) int {
	n := 0
	for _, r := range s.Requests() {
		if r.Method == method && strings.HasPrefix(r.Path, prefix) {
			n++
		}
	}
	return n
}

// Mutations returns how many POST and PUT requests were made outside the
// authentication endpoints.
func (s *Server) Mutations() int {
	n := 0
	for _, r := range s.Requests() {
		if (r.Method == http.MethodPost || r.Method == http.MethodPut) &&
			!strings.HasPrefix(r.Path, "/api/v1/security/login") &&
			!strings.HasPrefix(r.Path, "/api/v1/security/refresh") {
			n++
		}
	}
	return n
}

// ResetRequests forgets recorded requests.
func (s *Server) ResetRequests() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = nil
}

func (s *Server) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/security/login", s.login)
	mux.HandleFunc("POST /api/v1/security/refresh", s.refresh)
	mux.HandleFunc("GET /api/v1/security/csrf_token/{$}", s.authed(s.csrfToken))
	mux.HandleFunc("GET /api/v1/database/{$}", s.authed(s.listDatabases))
	mux.HandleFunc("POST /api/v1/database/{$}", s.mutating(s.createDatabase))
	mux.HandleFunc("GET /api/v1/database/{id}/connection", s.authed(s.databaseConnection))
	mux.HandleFunc("PUT /api/v1/database/{id}", s.mutating(s.updateDatabase))
	mux.HandleFunc("GET /api/v1/security/roles/{$}", s.authed(s.listRoles))
	mux.HandleFunc("GET /api/v1/security/roles/{id}/permissions/{$}", s.authed(s.rolePermissions))
	mux.HandleFunc("POST /api/v1/security/roles/{id}/permissions", s.mutating(s.setRolePermissions))
	mux.HandleFunc("GET /api/v1/security/permissions-resources/{$}", s.authed(s.listPermissionResources))

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body strings.Builder
		if r.Body != nil {
			buf := make([]byte, 4096)
			for {
				n, err := r.Body.Read(buf)
				body.Write(buf[:n])
				if err != nil {
					break
				}
			}
		}
		r.Body = readCloser{strings.NewReader(body.String())}

		s.mu.Lock()
		s.requests = append(s.requests, Request{
			Method: r.Method, Path: r.URL.Path, Query: r.URL.RawQuery, Body: body.String(),
		})
		status := s.injectedFailure(r)
		s.mu.Unlock()

		if status != 0 {
			writeJSON(w, status, map[string]any{"message": "injected failure"})
			return
		}
		mux.ServeHTTP(w, r)
	})
}

func (s *Server) injectedFailure(r *http.Request) int {
	for i, f := range s.failures {
		if f.method != r.Method || !strings.HasPrefix(r.URL.Path, f.prefix) {
			continue
		}
		if f.remaining > 0 {
			f.remaining--
			if f.remaining == 0 {
				s.failures = slices.Delete(s.failures, i, i+1)
			}
		}
		return f.status
	}
	return 0
}

func (s *Server) issue(kind string, ttl time.Duration) string {
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":  1,
		"type": kind,
		"gen":  s.generation,
		"jti":  uuid.NewString(),
		"exp":  time.Now().Add(ttl).Unix(),
	})
	signed, err := tok.SignedString(signingKey)
	if err != nil {
		panic(err)
	}
	return signed
}

// verify checks a bearer token of the given kind. The caller must hold s.mu.
func (s *Server) verify(r *http.Request, kind string) bool {
	raw, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok {
		return false
	}
	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) { return signingKey, nil })
	if err != nil {
		return false
	}
	gen, _ := claims["gen"].(float64)
	return claims["type"] == kind && int(gen) == s.generation
}

func (s *Server) login(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
		Provider string `json:"provider"`
		Refresh  bool   `json:"refresh"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"message": err.Error()})
		return
	}
	if req.Provider != "db" || req.Username != s.Username || req.Password != s.Password {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"message": "Not authorized"})
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	resp := map[string]any{"access_token": s.issue("access", s.AccessTokenTTL)}
	if req.Refresh {
		resp["refresh_token"] = s.issue("refresh", 24*time.Hour)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) refresh(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.verify(r, "refresh") {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"msg": "Token has expired"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"access_token": s.issue("access", s.AccessTokenTTL)})
}

func (s *Server) authed(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		ok := s.verify(r, "access")
		s.mu.Unlock()
		if !ok {
			writeJSON(w, http.StatusUnauthorized, map[string]any{"msg": "Token has expired"})
			return
		}
		next(w, r)
	}
}

func (s *Server) mutating(next http.HandlerFunc) http.HandlerFunc {
	return s.authed(func(w http.ResponseWriter, r *http.Request) {
		cookie, err := r.Cookie("session")
		s.mu.Lock()
		valid := err == nil && s.csrf[cookie.Value] != "" &&
			s.csrf[cookie.Value] == r.Header.Get("X-CSRF-Token") &&
			r.Header.Get("Referer") != ""
		s.mu.Unlock()
		if !valid {
			writeJSON(w, http.StatusBadRequest, map[string]any{"message": "The CSRF token is missing."})
			return
		}
		next(w, r)
	})
}

func (s *Server) csrfToken(w http.ResponseWriter, _ *http.Request) {
	session := uuid.NewString()
	token := "csrf-" + uuid.NewString()

	s.mu.Lock()
	s.csrf[session] = token
	s.mu.Unlock()

	http.SetCookie(w, &http.Cookie{Name: "session", Value: session, Path: "/"})
	writeJSON(w, http.StatusOK, map[string]any{"result": token})
}

type listQuery struct {
	Page     int `json:"page"`
	PageSize int `json:"page_size"`
	Filters  []struct {
		Col   string `json:"col"`
		Opr   string `json:"opr"`
		Value any    `json:"value"`
	} `json:"filters"`
}

func parseQuery(r *http.Request) (listQuery, error) {
	q := listQuery{PageSize: 20}
	if raw := r.URL.Query().Get("q"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &q); err != nil {
			return q, err
		}
	}
	if q.PageSize <= 0 || q.PageSize > maxPageSize {
		q.PageSize = maxPageSize
	}
	return q, nil
}

func page[T any](w http.ResponseWriter, r *http.Request, items []T, keep func(listQuery, T) bool) {
	q, err := parseQuery(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"message": err.Error()})
		return
	}
	var filtered []T
	for _, it := range items {
		if keep == nil || keep(q, it) {
			filtered = append(filtered, it)
		}
	}
	start := min(q.Page*q.PageSize, len(filtered))
	end := min(start+q.PageSize, len(filtered))
	result := filtered[start:end]
	if result == nil {
		result = []T{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"count": len(filtered), "result": result})
}

func backend(uri string) string {
	scheme, _, _ := strings.Cut(uri, "://")
	scheme, _, _ = strings.Cut(scheme, "+")
	return scheme
}

func (s *Server) listDatabases(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	items := make([]map[string]any, 0, len(s.databases))
	for _, db := range s.databases {
		items = append(items, map[string]any{
			"id":            db.ID,
			"database_name": db.Name,
			"backend":       backend(db.URI),
		})
	}
	s.mu.Unlock()
	page(w, r, items, nil)
}

func (s *Server) findDatabase(r *http.Request) *Database {
	id, err := strconv.Atoi(r.PathValue("id"))
	if err != nil {
		return nil
	}
	for _, db := range s.databases {
		if db.ID == id {
			return db
		}
	}
	return nil
}

// maskPassword hides the password of a URI the way Superset does.
func maskPassword(uri string) string {
	scheme, rest, ok := strings.Cut(uri, "://")
	if !ok {
		return uri
	}
	userinfo, host, ok := strings.Cut(rest, "@")
	if !ok {
		return uri
	}
	user, _, hasPass := strings.Cut(userinfo, ":")
	if !hasPass {
		return uri
	}
	return scheme + "://" + user + ":" + MaskedPassword + "@" + host
}

func (s *Server) databaseConnection(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	db := s.findDatabase(r)
	var resp map[string]any
	if db != nil {
		resp = map[string]any{"id": db.ID, "result": map[string]any{
			"id":             db.ID,
			"database_name":  db.Name,
			"sqlalchemy_uri": maskPassword(db.URI),
		}}
	}
	s.mu.Unlock()

	if db == nil {
		writeJSON(w, http.StatusNotFound, map[string]any{"message": "Not found"})
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) createDatabase(w http.ResponseWriter, r *http.Request) {
	var payload map[string]any
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"message": err.Error()})
		return
	}
	name, _ := payload["database_name"].(string)
	uri, _ := payload["sqlalchemy_uri"].(string)
	if name == "" || uri == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"message": "database_name and sqlalchemy_uri are required"})
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, db := range s.databases {
		if db.Name == name {
			writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
				"message": map[string]any{"database_name": "A database with the same name already exists."},
			})
			return
		}
	}
	db := s.addDatabase(name, uri, payload)
	writeJSON(w, http.StatusCreated, map[string]any{"id": db.ID, "result": payload})
}

func (s *Server) updateDatabase(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		SQLAlchemyURI string `json:"sqlalchemy_uri"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"message": err.Error()})
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	db := s.findDatabase(r)
	if db == nil {
		writeJSON(w, http.StatusNotFound, map[string]any{"message": "Not found"})
		return
	}
	if payload.SQLAlchemyURI != "" {
		db.URI = payload.SQLAlchemyURI
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": db.ID, "result": payload})
}

func (s *Server) listRoles(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	items := make([]map[string]any, 0, len(s.roles))
	for name, id := range s.roles {
		items = append(items, map[string]any{"id": id, "name": name})
	}
	s.mu.Unlock()
	slices.SortFunc(items, func(a, b map[string]any) int { return a["id"].(int) - b["id"].(int) })

	page(w, r, items, func(q listQuery, it map[string]any) bool {
		for _, f := range q.Filters {
			if f.Col == "name" && f.Opr == "eq" && it["name"] != f.Value {
				return false
			}
		}
		return true
	})
}

func (s *Server) rolePermissions(w http.ResponseWriter, r *http.Request) {
	id, _ := strconv.Atoi(r.PathValue("id"))

	s.mu.Lock()
	result := []map[string]any{}
	for _, pid := range s.rolePerms[id] {
		for _, p := range s.permissions {
			if p.id == pid {
				result = append(result, map[string]any{
					"id": p.id, "permission_name": p.permission, "view_menu_name": p.viewMenu,
				})
			}
		}
	}
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{"result": result})
}

func (s *Server) setRolePermissions(w http.ResponseWriter, r *http.Request) {
	id, _ := strconv.Atoi(r.PathValue("id"))
	var payload struct {
		IDs []int `json:"permission_view_menu_ids"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"message": err.Error()})
		return
	}

	s.mu.Lock()
	s.rolePerms[id] = slices.Clone(payload.IDs)
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{"result": map[string]any{"permission_view_menu_ids": payload.IDs}})
}

func (s *Server) listPermissionResources(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	items := make([]map[string]any, 0, len(s.permissions))
	for _, p := range s.permissions {
		items = append(items, map[string]any{
			"id":         p.id,
			"permission": map[string]any{"name": p.permission},
			"view_menu":  map[string]any{"name": p.viewMenu},
		})
	}
	s.mu.Unlock()
	page(w, r, items, nil)
}

type readCloser struct{ *strings.Reader }

func (readCloser) Close() error { return nil }

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
