// Package sessionsync owns the session/profile synchronization state
// machine: it observes the identity provider's session-change stream
// and keeps the resolved application profile published for the rest of
// the service. The published snapshot is the only shared state; it is
// mutated exclusively by the resolution procedure.
package sessionsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/samezzz/church-attendance-check-in/internal/identity"
	"github.com/samezzz/church-attendance-check-in/internal/model"
	"github.com/samezzz/church-attendance-check-in/internal/records"
)

type State int

const (
	StateUninitialized State = iota
	StateLoading
	StateAuthenticated
	StateAnonymous
)

func (s State) String() string {
	switch s {
	case StateLoading:
		return "loading"
	case StateAuthenticated:
		return "authenticated"
	case StateAnonymous:
		return "anonymous"
	default:
		return "uninitialized"
	}
}

// Snapshot is the immutable published view for one subject.
type Snapshot struct {
	State   State
	Profile *model.User
}

// IdentityService is the slice of the provider client the machine
// needs. Satisfied by *identity.Client.
type IdentityService interface {
	Subscribe() (<-chan identity.Event, func())
	CurrentSession() *model.Session
	SignInWithPassword(ctx context.Context, email, password string) (*model.Session, error)
	SignUp(ctx context.Context, email, password string, metadata map[string]any) (string, error)
	SignOut(ctx context.Context, accessToken string) error
	AuthorizeURL(provider, redirectTo, state string) string
	ExchangeCode(ctx context.Context, code string) (*model.Session, error)
}

// RecordStore is the slice of the privileged record actions the
// machine needs. Satisfied by *records.Store.
type RecordStore interface {
	CreateUserRecord(ctx context.Context, id, email, name, phone string) (model.User, error)
	FetchUserRole(ctx context.Context, id string) records.RoleResult
	FetchUserData(ctx context.Context, id string) (model.User, error)
}

type Metrics interface {
	RecordResolution(outcome string, duration time.Duration)
}

type Config struct {
	OAuthProvider    string
	OAuthRedirectURL string
	AdminLandingPath string
	LandingPath      string
	SignInPath       string
}

type Manager struct {
	cfg      Config
	identity IdentityService
	store    RecordStore
	metrics  Metrics

	mu        sync.Mutex
	started   bool
	snapshots map[string]Snapshot
	inflight  map[string]bool
	// queued holds the newest session waiting behind an in-flight
	// resolution for the same subject; older pending sessions are
	// overwritten (last-write-wins).
	queued map[string]pendingResolution
	// gen counts events per subject. A resolution publishes only when
	// its generation is still current, so a sign-out or newer event
	// always supersedes an in-flight resolution.
	gen map[string]uint64
}

type pendingResolution struct {
	session *model.Session
	gen     uint64
}

func NewManager(cfg Config, identitySvc IdentityService, store RecordStore, metrics Metrics) *Manager {
	if cfg.AdminLandingPath == "" {
		cfg.AdminLandingPath = "/admin"
	}
	if cfg.LandingPath == "" {
		cfg.LandingPath = "/"
	}
	if cfg.SignInPath == "" {
		cfg.SignInPath = "/signin"
	}
	return &Manager{
		cfg:       cfg,
		identity:  identitySvc,
		store:     store,
		metrics:   metrics,
		snapshots: make(map[string]Snapshot),
		inflight:  make(map[string]bool),
		queued:    make(map[string]pendingResolution),
		gen:       make(map[string]uint64),
	}
}

// Start fetches the current session exactly once, then subscribes to
// the session-change stream for the rest of ctx's life. Every emitted
// event re-resolves the profile from scratch; duplicate resolutions are
// tolerated because resolution is a pure read once the row exists.
func (m *Manager) Start(ctx context.Context) {
	events, cancel := m.identity.Subscribe()
	m.mu.Lock()
	m.started = true
	m.mu.Unlock()

	if session := m.identity.CurrentSession(); session != nil {
		m.handleEvent(ctx, identity.Event{Type: identity.EventInitialSession, Subject: session.Subject, Session: session})
	}

	go func() {
		defer cancel()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-events:
				if !ok {
					return
				}
				m.handleEvent(ctx, event)
			}
		}
	}()
}

func (m *Manager) handleEvent(ctx context.Context, event identity.Event) {
	if event.Type == identity.EventSignedOut || event.Session == nil {
		if event.Subject == "" {
			slog.Warn("sign-out event without subject, nothing to clear")
			return
		}
		m.mu.Lock()
		m.gen[event.Subject]++
		m.snapshots[event.Subject] = Snapshot{State: StateAnonymous}
		delete(m.queued, event.Subject)
		m.mu.Unlock()
		return
	}

	session := event.Session
	m.mu.Lock()
	generation := m.gen[session.Subject] + 1
	m.gen[session.Subject] = generation
	if m.inflight[session.Subject] {
		m.queued[session.Subject] = pendingResolution{session: session, gen: generation}
		m.mu.Unlock()
		return
	}
	m.inflight[session.Subject] = true
	if _, ok := m.snapshots[session.Subject]; !ok {
		m.snapshots[session.Subject] = Snapshot{State: StateLoading}
	}
	m.mu.Unlock()

	go m.resolveLoop(ctx, session, generation)
}

// resolveLoop serializes resolutions for one subject. When a newer
// event arrived during a resolution, the newest one runs next and its
// result wins.
func (m *Manager) resolveLoop(ctx context.Context, session *model.Session, generation uint64) {
	subject := session.Subject
	for {
		m.resolve(ctx, session, generation)

		m.mu.Lock()
		next, ok := m.queued[subject]
		if !ok {
			delete(m.inflight, subject)
			m.mu.Unlock()
			return
		}
		delete(m.queued, subject)
		m.mu.Unlock()
		session, generation = next.session, next.gen
	}
}

// resolve runs the full resolution procedure for one session: soft
// role fetch, full row fetch, create-if-absent, merge, publish.
func (m *Manager) resolve(ctx context.Context, session *model.Session, generation uint64) {
	started := time.Now()

	roleRes := m.store.FetchUserRole(ctx, session.Subject)

	user, err := m.store.FetchUserData(ctx, session.Subject)
	if errors.Is(err, records.ErrNotFound) {
		// First sign-in through OAuth: no profile row yet.
		name := DisplayName(session)
		phone := metadataString(session.Metadata, "phone")
		user, err = m.store.CreateUserRecord(ctx, session.Subject, session.Email, name, phone)
		if errors.Is(err, records.ErrAlreadyExists) {
			// Lost the race against a concurrent resolution; the row
			// is there now.
			user, err = m.store.FetchUserData(ctx, session.Subject)
		}
	}
	if err != nil {
		slog.Error("profile resolution failed", "subject", session.Subject, "error", err)
		if m.metrics != nil {
			m.metrics.RecordResolution("error", time.Since(started))
		}
		return
	}

	profile := user
	// The store row carries name, phone, role and timestamps; the email
	// is sourced from the session, not the store.
	if session.Email != "" {
		profile.Email = session.Email
	}
	if !profile.Role.Valid() {
		profile.Role = roleRes.Role
	}

	m.mu.Lock()
	// Publish only when no newer event superseded this resolution; a
	// sign-out during the run must win.
	if m.gen[session.Subject] == generation {
		m.snapshots[session.Subject] = Snapshot{State: StateAuthenticated, Profile: &profile}
	}
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.RecordResolution("ok", time.Since(started))
	}
}

// Snapshot reports the published state for one subject.
func (m *Manager) Snapshot(subject string) Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	if snap, ok := m.snapshots[subject]; ok {
		return snap
	}
	if !m.started {
		return Snapshot{State: StateUninitialized}
	}
	return Snapshot{State: StateAnonymous}
}

// SignIn delegates to the identity provider and picks the landing path
// from a soft role lookup. The resolved profile becomes available via
// the event stream; callers must not assume it is published when this
// returns.
func (m *Manager) SignIn(ctx context.Context, email, password string) (*model.Session, string, error) {
	session, err := m.identity.SignInWithPassword(ctx, email, password)
	if err != nil {
		return nil, "", err
	}
	if m.store.FetchUserRole(ctx, session.Subject).Role == model.RoleAdmin {
		return session, m.cfg.AdminLandingPath, nil
	}
	return session, m.cfg.LandingPath, nil
}

type SignUpParams struct {
	Email    string
	Password string
	Name     string
	Phone    string
}

// SignUp is two-phase: create the provider account with the profile
// attributes embedded as metadata, then synchronously materialize the
// profile row. A phase-two failure is surfaced to the caller and the
// provider account is left in place; this tier has no permission to
// delete it, so the orphan is logged for later reconciliation.
func (m *Manager) SignUp(ctx context.Context, p SignUpParams) (string, error) {
	userID, err := m.identity.SignUp(ctx, p.Email, p.Password, map[string]any{
		"full_name": p.Name,
		"phone":     p.Phone,
		"role":      strings.ToLower(string(model.RoleMember)),
	})
	if err != nil {
		return "", err
	}

	if _, err := m.store.CreateUserRecord(ctx, userID, p.Email, p.Name, p.Phone); err != nil {
		slog.Error("profile row creation failed after account creation, orphaned identity account",
			"subject", userID, "email", p.Email, "error", err)
		return "", fmt.Errorf("account created but profile setup failed: %w", err)
	}
	return m.cfg.SignInPath, nil
}

// GoogleAuthURL builds the OAuth redirect for the configured provider.
// Resolution after the callback happens entirely on the event stream.
func (m *Manager) GoogleAuthURL(state string) string {
	return m.identity.AuthorizeURL(m.cfg.OAuthProvider, m.cfg.OAuthRedirectURL, state)
}

// HandleOAuthCallback exchanges the authorization code for a session
// and picks the landing path by role.
func (m *Manager) HandleOAuthCallback(ctx context.Context, code string) (*model.Session, string, error) {
	session, err := m.identity.ExchangeCode(ctx, code)
	if err != nil {
		return nil, "", err
	}
	if m.store.FetchUserRole(ctx, session.Subject).Role == model.RoleAdmin {
		return session, m.cfg.AdminLandingPath, nil
	}
	return session, m.cfg.LandingPath, nil
}

// SignOut delegates to the provider; local state clears through the
// emitted SIGNED_OUT event.
func (m *Manager) SignOut(ctx context.Context, accessToken string) (string, error) {
	if err := m.identity.SignOut(ctx, accessToken); err != nil {
		return "", err
	}
	return m.cfg.SignInPath, nil
}

// DisplayName derives the profile display name from session metadata:
// full_name, then name, then the local part of the email.
func DisplayName(session *model.Session) string {
	if name := metadataString(session.Metadata, "full_name"); name != "" {
		return name
	}
	if name := metadataString(session.Metadata, "name"); name != "" {
		return name
	}
	if at := strings.Index(session.Email, "@"); at > 0 {
		return session.Email[:at]
	}
	return session.Email
}

func metadataString(metadata map[string]any, key string) string {
	if metadata == nil {
		return ""
	}
	value, _ := metadata[key].(string)
	return strings.TrimSpace(value)
}
