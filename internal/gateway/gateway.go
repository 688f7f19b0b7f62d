// Copyright 2025 LogLine Contributors
//
// Gateway — REST reverse proxy to the microservices, a WebSocket mesh
// hub that forwards span_created to rules, the onboarding FSM's HTTP
// surface, and /healthz. Grounded on the teacher's main.go ServeMux
// wiring (no router framework) and its signal.Notify → cancel() →
// bounded httpServer.Shutdown(ctx) shutdown sequence.

package gateway

import (
	"encoding/json"
	"log"
	"net/http"
	"net/http/httputil"
	"net/url"
	"time"

	"github.com/golang-jwt/jwt/v4"

	"github.com/danvoulez/logline/internal/mesh"
	"github.com/danvoulez/logline/internal/timeline"
	"github.com/danvoulez/logline/pkg/span"
)

// Config controls proxy targets and JWT issuance.
type Config struct {
	EngineURL     string
	RulesURL      string
	TimelineURL   string
	IDURL         string
	FederationURL string
	JWTIssuer     string
	JWTExpiry     time.Duration
	Logger        *log.Logger
}

func DefaultConfig() *Config {
	return &Config{
		JWTIssuer: "logline-gateway",
		JWTExpiry: 12 * time.Hour,
		Logger:    log.New(log.Writer(), "[Gateway] ", log.LstdFlags),
	}
}

// Gateway wires the REST proxy, onboarding FSM, and mesh hub behind one
// http.Handler.
type Gateway struct {
	cfg      *Config
	fsm      *FSM
	sessions *SessionStore
	hub      *mesh.Hub
	mux      *http.ServeMux
}

func New(cfg *Config, store timeline.Store) (*Gateway, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(log.Writer(), "[Gateway] ", log.LstdFlags)
	}

	sessions := NewSessionStore()
	g := &Gateway{
		cfg:      cfg,
		fsm:      NewFSM(sessions, store),
		sessions: sessions,
		hub:      mesh.NewHub(),
		mux:      http.NewServeMux(),
	}

	if err := g.routes(); err != nil {
		return nil, err
	}
	return g, nil
}

func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.mux.ServeHTTP(w, r)
}

// Hub exposes the mesh hub so a composition root can register peers
// that forward span_created onward (to the rules service).
func (g *Gateway) Hub() *mesh.Hub { return g.hub }

func (g *Gateway) routes() error {
	g.mux.HandleFunc("GET /healthz", g.handleHealthz)

	if err := g.mountProxy("/api/engine/", g.cfg.EngineURL); err != nil {
		return err
	}
	if err := g.mountProxy("/api/rules/", g.cfg.RulesURL); err != nil {
		return err
	}
	if err := g.mountProxy("/api/timeline/", g.cfg.TimelineURL); err != nil {
		return err
	}
	if err := g.mountProxy("/api/id/", g.cfg.IDURL); err != nil {
		return err
	}
	if err := g.mountProxy("/api/federation/", g.cfg.FederationURL); err != nil {
		return err
	}

	g.mux.HandleFunc("POST /onboarding/session", g.handleCreateSession)
	g.mux.HandleFunc("POST /onboarding/{id}/create_identity", g.handleCreateIdentity)
	g.mux.HandleFunc("POST /onboarding/{id}/create_tenant", g.handleCreateTenant)
	g.mux.HandleFunc("POST /onboarding/{id}/assign_identity", g.handleAssignIdentity)
	g.mux.HandleFunc("POST /onboarding/{id}/select_template", g.handleSelectTemplate)
	g.mux.HandleFunc("POST /onboarding/{id}/declare_purpose", g.handleDeclarePurpose)
	g.mux.HandleFunc("POST /onboarding/{id}/execute_command", g.handleExecuteCommand)
	return nil
}

// mountProxy registers a reverse-proxy route; an empty target leaves
// the route unmounted so an optional peer can be omitted entirely.
func (g *Gateway) mountProxy(prefix, target string) error {
	if target == "" {
		return nil
	}
	u, err := url.Parse(target)
	if err != nil {
		return span.Config("invalid proxy target %s for %s: %v", target, prefix, err)
	}
	proxy := httputil.NewSingleHostReverseProxy(u)
	g.mux.Handle(prefix, http.StripPrefix(prefix[:len(prefix)-1], proxy))
	return nil
}

func (g *Gateway) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (g *Gateway) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	sess, err := g.sessions.Create()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"session_id": sess.ID, "state": string(sess.State)})
}

func (g *Gateway) handleCreateIdentity(w http.ResponseWriter, r *http.Request) {
	var body struct{ Node, Alias string }
	if !decodeBody(w, r, &body) {
		return
	}
	sess, err := g.fsm.CreateIdentity(r.PathValue("id"), body.Node, body.Alias)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionView(sess))
}

func (g *Gateway) handleCreateTenant(w http.ResponseWriter, r *http.Request) {
	var body struct{ TenantID string `json:"tenant_id"` }
	if !decodeBody(w, r, &body) {
		return
	}
	sess, err := g.fsm.CreateTenant(r.PathValue("id"), body.TenantID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionView(sess))
}

func (g *Gateway) handleAssignIdentity(w http.ResponseWriter, r *http.Request) {
	var body struct{ Handle string }
	if !decodeBody(w, r, &body) {
		return
	}
	sess, err := g.fsm.AssignIdentity(r.PathValue("id"), body.Handle)
	if err != nil {
		writeError(w, err)
		return
	}
	token, err := g.issueJWT(sess)
	if err != nil {
		writeError(w, err)
		return
	}
	resp := sessionView(sess)
	resp["token"] = token
	writeJSON(w, http.StatusOK, resp)
}

func (g *Gateway) handleSelectTemplate(w http.ResponseWriter, r *http.Request) {
	var body struct{ Template string }
	if !decodeBody(w, r, &body) {
		return
	}
	sess, err := g.fsm.SelectTemplate(r.PathValue("id"), body.Template)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionView(sess))
}

func (g *Gateway) handleDeclarePurpose(w http.ResponseWriter, r *http.Request) {
	var body struct{ Purpose string }
	if !decodeBody(w, r, &body) {
		return
	}
	sess, err := g.fsm.DeclarePurpose(r.PathValue("id"), body.Purpose)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionView(sess))
}

func (g *Gateway) handleExecuteCommand(w http.ResponseWriter, r *http.Request) {
	var body struct{ Command string }
	if !decodeBody(w, r, &body) {
		return
	}
	sess, err := g.fsm.ExecuteCommand(r.PathValue("id"), body.Command)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionView(sess))
}

// sessionClaims is the HS256 JWT issued at assign_identity.
type sessionClaims struct {
	jwt.RegisteredClaims
	Handle string `json:"handle"`
}

func (g *Gateway) issueJWT(sess *Session) (string, error) {
	now := time.Now().UTC()
	claims := sessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   sess.Principal.ID,
			Issuer:    g.cfg.JWTIssuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(g.cfg.JWTExpiry)),
		},
		Handle: sess.Handle,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(sess.JWTKey)
	if err != nil {
		return "", span.Internal(err, "sign onboarding jwt for session %s", sess.ID)
	}
	return signed, nil
}

// VerifyJWT checks a token issued for sess against sess's own signing
// key — the verification counterpart to issueJWT, used by anything
// that needs to authenticate a returning onboarding session.
func VerifyJWT(sess *Session, tokenString string) (*sessionClaims, error) {
	claims := &sessionClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		return sess.JWTKey, nil
	})
	if err != nil || !token.Valid {
		return nil, span.PermissionDenied("invalid onboarding session token: %v", err)
	}
	return claims, nil
}

func sessionView(sess *Session) map[string]any {
	view := map[string]any{
		"session_id": sess.ID,
		"state":      string(sess.State),
		"handle":     sess.Handle,
		"tenant_id":  sess.TenantID,
	}
	if sess.Principal != nil {
		view["principal_id"] = sess.Principal.ID
	}
	return view
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "bad_request: invalid JSON body"})
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch span.KindOf(err) {
	case span.KindValidation:
		status = http.StatusBadRequest
	case span.KindNotFound:
		status = http.StatusNotFound
	case span.KindPermissionDenied:
		status = http.StatusForbidden
	case span.KindConflict:
		status = http.StatusConflict
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
