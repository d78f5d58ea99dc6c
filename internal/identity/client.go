// Package identity is the client for the hosted identity provider: a
// GoTrue-style auth API that owns password hashing, session issuance
// and the OAuth handshake. Nothing in this package stores credentials;
// it forwards them and observes the sessions that come back.
package identity

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/samezzz/church-attendance-check-in/internal/auth"
	"github.com/samezzz/church-attendance-check-in/internal/model"
)

// Error carries the provider-supplied failure detail.
type Error struct {
	StatusCode int
	Code       string `json:"error"`
	Message    string `json:"error_description"`
}

func (e *Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("identity provider: %s (status %d)", e.Message, e.StatusCode)
	}
	return fmt.Sprintf("identity provider: status %d", e.StatusCode)
}

type Config struct {
	BaseURL   string
	AnonKey   string
	JWTSecret string
	JWTIssuer string
	Timeout   time.Duration
}

type Client struct {
	cfg   Config
	httpc *http.Client
	bus   *broadcaster

	mu      sync.Mutex
	current *model.Session
}

func NewClient(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		cfg:   cfg,
		httpc: &http.Client{Timeout: timeout},
		bus:   newBroadcaster(),
	}
}

// Subscribe attaches to the session-change stream for the process
// lifetime of the caller.
func (c *Client) Subscribe() (<-chan Event, func()) {
	return c.bus.Subscribe()
}

// CurrentSession returns the session most recently issued through this
// client, or nil. Read exactly once by the synchronization machine at
// startup.
func (c *Client) CurrentSession() *model.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

type providerUser struct {
	ID           string         `json:"id"`
	Email        string         `json:"email"`
	UserMetadata map[string]any `json:"user_metadata"`
}

type tokenResponse struct {
	AccessToken  string       `json:"access_token"`
	TokenType    string       `json:"token_type"`
	ExpiresIn    int          `json:"expires_in"`
	RefreshToken string       `json:"refresh_token"`
	User         providerUser `json:"user"`
}

// SignUp creates the provider account with the profile attributes
// embedded as free-form metadata. It does not issue a session; callers
// direct the user back through sign-in.
func (c *Client) SignUp(ctx context.Context, email, password string, metadata map[string]any) (string, error) {
	body := map[string]any{
		"email":    email,
		"password": password,
		"data":     metadata,
	}
	var user providerUser
	if err := c.post(ctx, "/signup", nil, body, &user); err != nil {
		return "", err
	}
	if user.ID == "" {
		return "", fmt.Errorf("identity provider: signup response missing user id")
	}
	return user.ID, nil
}

// SignInWithPassword exchanges credentials for a session and emits
// SIGNED_IN. Profile resolution happens on the event stream, not here.
func (c *Client) SignInWithPassword(ctx context.Context, email, password string) (*model.Session, error) {
	body := map[string]any{"email": email, "password": password}
	var resp tokenResponse
	if err := c.post(ctx, "/token", url.Values{"grant_type": {"password"}}, body, &resp); err != nil {
		return nil, err
	}
	session, err := c.sessionFromResponse(&resp)
	if err != nil {
		return nil, err
	}
	c.setCurrent(session)
	c.bus.emit(Event{Type: EventSignedIn, Subject: session.Subject, Session: session})
	return session, nil
}

// AuthorizeURL builds the provider's OAuth redirect URL. Scopes are
// email and profile; offline access and forced consent are requested so
// the provider holds a refresh token.
func (c *Client) AuthorizeURL(provider, redirectTo, state string) string {
	params := url.Values{
		"provider":    {provider},
		"redirect_to": {redirectTo},
		"scopes":      {"email profile"},
		"access_type": {"offline"},
		"prompt":      {"consent"},
		"state":       {state},
	}
	return c.cfg.BaseURL + "/authorize?" + params.Encode()
}

// ExchangeCode trades an OAuth authorization code for a session and
// emits SIGNED_IN.
func (c *Client) ExchangeCode(ctx context.Context, code string) (*model.Session, error) {
	body := map[string]any{"auth_code": code}
	var resp tokenResponse
	if err := c.post(ctx, "/token", url.Values{"grant_type": {"authorization_code"}}, body, &resp); err != nil {
		return nil, err
	}
	session, err := c.sessionFromResponse(&resp)
	if err != nil {
		return nil, err
	}
	c.setCurrent(session)
	c.bus.emit(Event{Type: EventSignedIn, Subject: session.Subject, Session: session})
	return session, nil
}

// RefreshSession renews the given session and emits TOKEN_REFRESHED.
func (c *Client) RefreshSession(ctx context.Context, session *model.Session) (*model.Session, error) {
	body := map[string]any{"refresh_token": session.RefreshToken}
	var resp tokenResponse
	if err := c.post(ctx, "/token", url.Values{"grant_type": {"refresh_token"}}, body, &resp); err != nil {
		return nil, err
	}
	renewed, err := c.sessionFromResponse(&resp)
	if err != nil {
		return nil, err
	}
	c.setCurrent(renewed)
	c.bus.emit(Event{Type: EventTokenRefreshed, Subject: renewed.Subject, Session: renewed})
	return renewed, nil
}

// SignOut revokes the session at the provider and emits SIGNED_OUT.
// The event carries no session, only the subject the token belonged
// to, so listeners clear that subject's state and no one else's.
func (c *Client) SignOut(ctx context.Context, accessToken string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/logout", nil)
	if err != nil {
		return err
	}
	c.setHeaders(req, accessToken)
	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("identity provider unreachable: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return readError(resp)
	}

	subject := ""
	if parsed, err := c.SessionFromToken(accessToken); err == nil {
		subject = parsed.Subject
	}
	c.mu.Lock()
	if subject == "" && c.current != nil && c.current.AccessToken == accessToken {
		subject = c.current.Subject
	}
	c.current = nil
	c.mu.Unlock()
	c.bus.emit(Event{Type: EventSignedOut, Subject: subject})
	return nil
}

// SessionFromToken verifies an access token locally and reconstructs
// the session view it carries. Used by the route guard on each request.
func (c *Client) SessionFromToken(tokenString string) (*model.Session, error) {
	claims, err := auth.ParseToken(c.cfg.JWTSecret, c.cfg.JWTIssuer, tokenString)
	if err != nil {
		return nil, err
	}
	session := &model.Session{
		AccessToken: tokenString,
		Subject:     claims.Subject,
		Email:       claims.Email,
		Metadata:    claims.UserMetadata,
	}
	if claims.ExpiresAt != nil {
		session.ExpiresAt = claims.ExpiresAt.Time
	}
	return session, nil
}

// StartAutoRefresh renews the current session shortly before expiry for
// as long as ctx lives. Each renewal re-emits on the event stream, so
// listeners see the same duplicate-transition behavior the hosted SDK
// produces.
func (c *Client) StartAutoRefresh(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				session := c.CurrentSession()
				if session == nil || session.RefreshToken == "" {
					continue
				}
				if time.Until(session.ExpiresAt) > 2*interval {
					continue
				}
				if _, err := c.RefreshSession(ctx, session); err != nil {
					slog.Warn("session refresh failed", "error", err)
				}
			}
		}
	}()
}

func (c *Client) sessionFromResponse(resp *tokenResponse) (*model.Session, error) {
	if resp.AccessToken == "" {
		return nil, fmt.Errorf("identity provider: empty access token in response")
	}
	session := &model.Session{
		AccessToken:  resp.AccessToken,
		RefreshToken: resp.RefreshToken,
		Subject:      resp.User.ID,
		Email:        resp.User.Email,
		Metadata:     resp.User.UserMetadata,
		ExpiresAt:    time.Now().UTC().Add(time.Duration(resp.ExpiresIn) * time.Second),
	}
	if session.Subject == "" {
		// Some deployments omit the user object; fall back to the
		// claims embedded in the token itself.
		parsed, err := c.SessionFromToken(resp.AccessToken)
		if err != nil {
			return nil, fmt.Errorf("identity provider: token without user: %w", err)
		}
		session.Subject = parsed.Subject
		session.Email = parsed.Email
		session.Metadata = parsed.Metadata
	}
	return session, nil
}

func (c *Client) setCurrent(session *model.Session) {
	c.mu.Lock()
	c.current = session
	c.mu.Unlock()
}

func (c *Client) setHeaders(req *http.Request, bearer string) {
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.AnonKey != "" {
		req.Header.Set("apikey", c.cfg.AnonKey)
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
}

func (c *Client) post(ctx context.Context, path string, query url.Values, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	endpoint := c.cfg.BaseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	c.setHeaders(req, "")
	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("identity provider unreachable: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return readError(resp)
	}
	if out == nil {
		return nil
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read provider response: %w", err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("parse provider response: %w", err)
	}
	return nil
}

func readError(resp *http.Response) error {
	provErr := &Error{StatusCode: resp.StatusCode}
	data, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err == nil && len(data) > 0 {
		_ = json.Unmarshal(data, provErr)
		if provErr.Message == "" {
			// Alternate error shape used by some provider versions.
			var alt struct {
				Msg string `json:"msg"`
			}
			if json.Unmarshal(data, &alt) == nil {
				provErr.Message = alt.Msg
			}
		}
	}
	return provErr
}
