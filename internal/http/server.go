package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/samezzz/church-attendance-check-in/internal/config"
	"github.com/samezzz/church-attendance-check-in/internal/identity"
	"github.com/samezzz/church-attendance-check-in/internal/model"
	"github.com/samezzz/church-attendance-check-in/internal/records"
	"github.com/samezzz/church-attendance-check-in/internal/sessionsync"
)

// SyncManager is the slice of the synchronization state machine the
// handlers call into. Satisfied by *sessionsync.Manager.
type SyncManager interface {
	SignIn(ctx context.Context, email, password string) (*model.Session, string, error)
	SignUp(ctx context.Context, p sessionsync.SignUpParams) (string, error)
	SignOut(ctx context.Context, accessToken string) (string, error)
	GoogleAuthURL(state string) string
	HandleOAuthCallback(ctx context.Context, code string) (*model.Session, string, error)
	Snapshot(subject string) sessionsync.Snapshot
}

// RecordStore is the slice of the privileged store the handlers and the
// route guard use. Satisfied by *records.Store.
type RecordStore interface {
	FetchUserRole(ctx context.Context, id string) records.RoleResult
	CreateAttendance(ctx context.Context, userID, eventID string) (model.Attendance, error)
	ListAttendanceByEvent(ctx context.Context, eventID string, limit int32) ([]model.Attendance, error)
}

// SessionParser turns a session cookie value back into a session.
// Satisfied by *identity.Client.
type SessionParser interface {
	SessionFromToken(tokenString string) (*model.Session, error)
}

type Metrics interface {
	RecordCheckIn()
	RecordDuplicateCheckIn()
	RecordGuardDenial(reason string)
}

type Server struct {
	cfg      config.Config
	sync     SyncManager
	store    RecordStore
	sessions SessionParser
	redis    *redis.Client
	metrics  Metrics
	limiter  *rateLimiter
}

func NewServer(cfg config.Config, syncMgr SyncManager, store RecordStore, sessions SessionParser, redisClient *redis.Client, metrics Metrics) *Server {
	return &Server{
		cfg:      cfg,
		sync:     syncMgr,
		store:    store,
		sessions: sessions,
		redis:    redisClient,
		metrics:  metrics,
		limiter:  newRateLimiter(cfg.AuthRateLimit, cfg.AuthRateBurst),
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		r.Use(s.limiter.middleware)
		r.Post("/auth/signup", s.handleSignUp)
		r.Post("/auth/signin", s.handleSignIn)
		r.Post("/auth/signout", s.handleSignOut)
		r.Get("/auth/google", s.handleGoogleRedirect)
		r.Get("/auth/callback", s.handleOAuthCallback)
	})
	r.Get("/auth/me", s.handleMe)

	r.Get("/signin", s.handleSignInPage)
	r.With(s.routeGuard).Get("/", s.handleHome)
	r.With(s.routeGuard).Route("/admin", func(r chi.Router) {
		r.Get("/", s.handleAdminDashboard)
		r.Get("/dashboard", s.handleAdminDashboard)
		r.Get("/attendance", s.handleAdminAttendance)
	})

	r.Post("/api/check-in", s.handleCheckIn)

	return r
}

// Route guard

type sessionKey struct{}

// routeGuard applies the access table for `/` and `/admin/*`: no
// session redirects to /signin; a session without the ADMIN role
// redirects admin paths to /. Role lookup failures count as not-ADMIN,
// never as a hard error.
func (s *Server) routeGuard(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		session := s.sessionFromRequest(r)
		if session == nil {
			if s.metrics != nil {
				s.metrics.RecordGuardDenial("no_session")
			}
			http.Redirect(w, r, "/signin", http.StatusFound)
			return
		}
		if strings.HasPrefix(r.URL.Path, "/admin") {
			if s.store.FetchUserRole(r.Context(), session.Subject).Role != model.RoleAdmin {
				if s.metrics != nil {
					s.metrics.RecordGuardDenial("not_admin")
				}
				http.Redirect(w, r, "/", http.StatusFound)
				return
			}
		}
		ctx := context.WithValue(r.Context(), sessionKey{}, session)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func sessionFromContext(ctx context.Context) *model.Session {
	session, _ := ctx.Value(sessionKey{}).(*model.Session)
	return session
}

func (s *Server) sessionFromRequest(r *http.Request) *model.Session {
	cookie, err := r.Cookie(s.cfg.CookieName)
	if err != nil || cookie.Value == "" {
		return nil
	}
	session, err := s.sessions.SessionFromToken(cookie.Value)
	if err != nil {
		return nil
	}
	return session
}

// Auth handlers

type signUpRequest struct {
	Email           string `json:"email"`
	Password        string `json:"password"`
	ConfirmPassword string `json:"confirmPassword"`
	FullName        string `json:"fullName"`
	Phone           string `json:"phone"`
}

func (s *Server) handleSignUp(w http.ResponseWriter, r *http.Request) {
	var req signUpRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	req.Email = strings.TrimSpace(strings.ToLower(req.Email))
	req.FullName = strings.TrimSpace(req.FullName)
	if req.Email == "" || req.Password == "" || req.FullName == "" {
		writeError(w, http.StatusBadRequest, "missing_fields")
		return
	}
	// Rejected before any remote call.
	if req.Password != req.ConfirmPassword {
		writeError(w, http.StatusBadRequest, "password_mismatch")
		return
	}

	redirect, err := s.sync.SignUp(r.Context(), sessionsync.SignUpParams{
		Email:    req.Email,
		Password: req.Password,
		Name:     req.FullName,
		Phone:    strings.TrimSpace(req.Phone),
	})
	if err != nil {
		writeAuthError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"redirect": redirect})
}

type signInRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (s *Server) handleSignIn(w http.ResponseWriter, r *http.Request) {
	var req signInRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	req.Email = strings.TrimSpace(strings.ToLower(req.Email))
	if req.Email == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "missing_credentials")
		return
	}

	session, redirect, err := s.sync.SignIn(r.Context(), req.Email, req.Password)
	if err != nil {
		writeAuthError(w, err)
		return
	}
	s.setSessionCookie(w, session)
	writeJSON(w, http.StatusOK, map[string]string{"redirect": redirect})
}

func (s *Server) handleSignOut(w http.ResponseWriter, r *http.Request) {
	session := s.sessionFromRequest(r)
	if session == nil {
		writeError(w, http.StatusUnauthorized, "missing_session")
		return
	}
	redirect, err := s.sync.SignOut(r.Context(), session.AccessToken)
	if err != nil {
		writeAuthError(w, err)
		return
	}
	s.clearSessionCookie(w)
	writeJSON(w, http.StatusOK, map[string]string{"redirect": redirect})
}

func (s *Server) handleGoogleRedirect(w http.ResponseWriter, r *http.Request) {
	state := uuid.NewString()
	if err := s.storeOAuthState(r.Context(), state); err != nil {
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}
	http.Redirect(w, r, s.sync.GoogleAuthURL(state), http.StatusFound)
}

func (s *Server) handleOAuthCallback(w http.ResponseWriter, r *http.Request) {
	code := r.URL.Query().Get("code")
	state := r.URL.Query().Get("state")
	if code == "" || state == "" {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	ok, err := s.consumeOAuthState(r.Context(), state)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}
	if !ok {
		writeError(w, http.StatusForbidden, "invalid_state")
		return
	}

	session, redirect, err := s.sync.HandleOAuthCallback(r.Context(), code)
	if err != nil {
		writeAuthError(w, err)
		return
	}
	s.setSessionCookie(w, session)
	http.Redirect(w, r, redirect, http.StatusFound)
}

type profileResponse struct {
	ID          string `json:"id"`
	Email       string `json:"email,omitempty"`
	Name        string `json:"name"`
	PhoneNumber string `json:"phoneNumber,omitempty"`
	Role        string `json:"role"`
	CreatedAt   int64  `json:"createdAt,omitempty"`
	UpdatedAt   int64  `json:"updatedAt,omitempty"`
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	session := s.sessionFromRequest(r)
	if session == nil {
		writeError(w, http.StatusUnauthorized, "missing_session")
		return
	}
	snap := s.sync.Snapshot(session.Subject)
	switch snap.State {
	case sessionsync.StateAuthenticated:
		writeJSON(w, http.StatusOK, map[string]any{
			"state":   snap.State.String(),
			"profile": mapProfile(snap.Profile),
		})
	default:
		writeJSON(w, http.StatusOK, map[string]any{"state": snap.State.String()})
	}
}

// Pages. Presentation lives in the web client; these endpoints only
// anchor the guarded paths.

func (s *Server) handleSignInPage(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"page": "signin"})
}

func (s *Server) handleHome(w http.ResponseWriter, r *http.Request) {
	session := sessionFromContext(r.Context())
	resp := map[string]any{"page": "home"}
	if session != nil {
		if snap := s.sync.Snapshot(session.Subject); snap.State == sessionsync.StateAuthenticated {
			resp["profile"] = mapProfile(snap.Profile)
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleAdminDashboard(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"page": "admin"})
}

func (s *Server) handleAdminAttendance(w http.ResponseWriter, r *http.Request) {
	eventID := r.URL.Query().Get("eventId")
	if eventID == "" {
		writeError(w, http.StatusBadRequest, "missing_event")
		return
	}
	rows, err := s.store.ListAttendanceByEvent(r.Context(), eventID, parseLimit(r, 100))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}
	resp := make([]attendanceResponse, 0, len(rows))
	for _, row := range rows {
		resp = append(resp, mapAttendance(row))
	}
	writeJSON(w, http.StatusOK, resp)
}

// Check-in

type checkInRequest struct {
	UserID  string `json:"userId"`
	EventID string `json:"eventId"`
}

type attendanceResponse struct {
	ID        string `json:"id"`
	UserID    string `json:"userId"`
	EventID   string `json:"eventId"`
	CheckedIn int64  `json:"checkedIn"`
}

func (s *Server) handleCheckIn(w http.ResponseWriter, r *http.Request) {
	var req checkInRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	if req.UserID == "" || req.EventID == "" {
		writeError(w, http.StatusBadRequest, "missing_fields")
		return
	}
	if _, err := uuid.Parse(req.UserID); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_user_id")
		return
	}

	record, err := s.store.CreateAttendance(r.Context(), req.UserID, req.EventID)
	if err != nil {
		if errors.Is(err, records.ErrAlreadyCheckedIn) {
			if s.metrics != nil {
				s.metrics.RecordDuplicateCheckIn()
			}
			writeError(w, http.StatusBadRequest, "already_checked_in")
			return
		}
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}
	if s.metrics != nil {
		s.metrics.RecordCheckIn()
	}
	writeJSON(w, http.StatusOK, mapAttendance(record))
}

// OAuth state nonces

func oauthStateKey(state string) string {
	return "oauth:state:" + state
}

func (s *Server) storeOAuthState(ctx context.Context, state string) error {
	if s.redis == nil {
		return errors.New("redis_not_configured")
	}
	return s.redis.Set(ctx, oauthStateKey(state), "1", s.cfg.OAuthStateTTL).Err()
}

func (s *Server) consumeOAuthState(ctx context.Context, state string) (bool, error) {
	if s.redis == nil {
		return false, errors.New("redis_not_configured")
	}
	_, err := s.redis.GetDel(ctx, oauthStateKey(state)).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Cookies

func (s *Server) setSessionCookie(w http.ResponseWriter, session *model.Session) {
	http.SetCookie(w, &http.Cookie{
		Name:     s.cfg.CookieName,
		Value:    session.AccessToken,
		Path:     "/",
		Expires:  session.ExpiresAt,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   s.cfg.CookieSecure,
	})
}

func (s *Server) clearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     s.cfg.CookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   s.cfg.CookieSecure,
	})
}

// Helpers

func mapProfile(user *model.User) profileResponse {
	resp := profileResponse{
		ID:          user.ID,
		Email:       user.Email,
		Name:        user.Name,
		PhoneNumber: user.PhoneNumber,
		Role:        string(user.Role),
	}
	if !user.CreatedAt.IsZero() {
		resp.CreatedAt = user.CreatedAt.Unix()
	}
	if !user.UpdatedAt.IsZero() {
		resp.UpdatedAt = user.UpdatedAt.Unix()
	}
	return resp
}

func mapAttendance(record model.Attendance) attendanceResponse {
	return attendanceResponse{
		ID:        record.ID,
		UserID:    record.UserID,
		EventID:   record.EventID,
		CheckedIn: record.CheckedIn.Unix(),
	}
}

// writeAuthError maps provider failures to user-visible responses,
// keeping the provider-supplied detail.
func writeAuthError(w http.ResponseWriter, err error) {
	var provErr *identity.Error
	if errors.As(err, &provErr) {
		status := http.StatusBadGateway
		switch {
		case provErr.StatusCode == http.StatusUnauthorized || provErr.StatusCode == http.StatusForbidden:
			status = http.StatusUnauthorized
		case provErr.StatusCode >= 400 && provErr.StatusCode < 500:
			status = http.StatusBadRequest
		}
		payload := map[string]string{"error": "auth_failed"}
		if provErr.Message != "" {
			payload["message"] = provErr.Message
		}
		writeJSON(w, status, payload)
		return
	}
	writeJSON(w, http.StatusInternalServerError, map[string]string{
		"error":   "server_error",
		"message": err.Error(),
	})
}

const maxListLimit = 1000

func parseLimit(r *http.Request, fallback int32) int32 {
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			if parsed > maxListLimit {
				return maxListLimit
			}
			return int32(parsed)
		}
	}
	return fallback
}

func decodeJSON(r *http.Request, out interface{}) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(out)
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, map[string]string{"error": code})
}
