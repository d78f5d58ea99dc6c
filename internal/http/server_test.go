package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/samezzz/church-attendance-check-in/internal/config"
	"github.com/samezzz/church-attendance-check-in/internal/model"
	"github.com/samezzz/church-attendance-check-in/internal/records"
	"github.com/samezzz/church-attendance-check-in/internal/sessionsync"
)

const (
	adminID  = "22222222-2222-2222-2222-222222222221"
	memberID = "22222222-2222-2222-2222-222222222222"
)

type fakeSync struct {
	mu          sync.Mutex
	signUpCalls int
	signInCalls int
	snapshots   map[string]sessionsync.Snapshot
}

func (f *fakeSync) SignIn(_ context.Context, email, password string) (*model.Session, string, error) {
	f.mu.Lock()
	f.signInCalls++
	f.mu.Unlock()
	if password != "secret1" {
		return nil, "", errors.New("invalid credentials")
	}
	redirect := "/"
	subject := memberID
	if strings.HasPrefix(email, "admin") {
		redirect = "/admin"
		subject = adminID
	}
	return &model.Session{
		AccessToken: "token:" + subject,
		Subject:     subject,
		Email:       email,
		ExpiresAt:   time.Now().Add(time.Hour),
	}, redirect, nil
}

func (f *fakeSync) SignUp(_ context.Context, p sessionsync.SignUpParams) (string, error) {
	f.mu.Lock()
	f.signUpCalls++
	f.mu.Unlock()
	if p.Email == "taken@x.com" {
		return "", errors.New("already registered")
	}
	return "/signin", nil
}

func (f *fakeSync) SignOut(context.Context, string) (string, error) {
	return "/signin", nil
}

func (f *fakeSync) GoogleAuthURL(state string) string {
	return "https://identity.test/authorize?state=" + state
}

func (f *fakeSync) HandleOAuthCallback(context.Context, string) (*model.Session, string, error) {
	return nil, "", errors.New("not implemented")
}

func (f *fakeSync) Snapshot(subject string) sessionsync.Snapshot {
	if f.snapshots == nil {
		return sessionsync.Snapshot{State: sessionsync.StateAnonymous}
	}
	if snap, ok := f.snapshots[subject]; ok {
		return snap
	}
	return sessionsync.Snapshot{State: sessionsync.StateAnonymous}
}

type fakeRecordStore struct {
	mu        sync.Mutex
	roles     map[string]model.Role
	checkIns  map[string]bool
	storeDown bool
	lastLimit int32
}

func newFakeRecordStore() *fakeRecordStore {
	return &fakeRecordStore{roles: make(map[string]model.Role), checkIns: make(map[string]bool)}
}

func (f *fakeRecordStore) FetchUserRole(_ context.Context, id string) records.RoleResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	if role, ok := f.roles[id]; ok {
		return records.RoleResult{Role: role}
	}
	return records.RoleResult{Role: model.RoleMember, Defaulted: true}
}

func (f *fakeRecordStore) CreateAttendance(_ context.Context, userID, eventID string) (model.Attendance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.storeDown {
		return model.Attendance{}, errors.New("store unreachable")
	}
	key := userID + "/" + eventID
	if f.checkIns[key] {
		return model.Attendance{}, records.ErrAlreadyCheckedIn
	}
	f.checkIns[key] = true
	return model.Attendance{
		ID:        "a1",
		UserID:    userID,
		EventID:   eventID,
		CheckedIn: time.Now().UTC(),
	}, nil
}

func (f *fakeRecordStore) ListAttendanceByEvent(_ context.Context, _ string, limit int32) ([]model.Attendance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastLimit = limit
	return nil, nil
}

// tokenSessions parses the "token:<subject>" cookie values the fake
// sync manager mints.
type tokenSessions struct{}

func (tokenSessions) SessionFromToken(token string) (*model.Session, error) {
	subject, ok := strings.CutPrefix(token, "token:")
	if !ok || subject == "" {
		return nil, errors.New("invalid token")
	}
	return &model.Session{AccessToken: token, Subject: subject}, nil
}

func newTestServer(t *testing.T, syncMgr *fakeSync, store *fakeRecordStore) *httptest.Server {
	t.Helper()
	cfg := config.Config{
		CookieName:    "sb-auth-token",
		AuthRateLimit: 6000,
		AuthRateBurst: 6000,
	}
	server := NewServer(cfg, syncMgr, store, tokenSessions{}, nil, nil)
	app := httptest.NewServer(server.Router())
	t.Cleanup(app.Close)
	return app
}

func noRedirectClient() *http.Client {
	return &http.Client{
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

func get(t *testing.T, url, cookie string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		t.Fatalf("request error: %v", err)
	}
	if cookie != "" {
		req.AddCookie(&http.Cookie{Name: "sb-auth-token", Value: cookie})
	}
	resp, err := noRedirectClient().Do(req)
	if err != nil {
		t.Fatalf("do error: %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	payload, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal error: %v", err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("post error: %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestRouteGuardDecisionTable(t *testing.T) {
	store := newFakeRecordStore()
	store.roles[adminID] = model.RoleAdmin
	store.roles[memberID] = model.RoleMember
	app := newTestServer(t, &fakeSync{}, store)

	// No session on a protected path redirects to /signin.
	for _, path := range []string{"/", "/admin/dashboard"} {
		resp := get(t, app.URL+path, "")
		if resp.StatusCode != http.StatusFound {
			t.Fatalf("path %s: expected 302, got %d", path, resp.StatusCode)
		}
		if loc := resp.Header.Get("Location"); loc != "/signin" {
			t.Fatalf("path %s: expected /signin redirect, got %s", path, loc)
		}
	}

	// Garbage cookie counts as no session.
	resp := get(t, app.URL+"/", "garbage")
	if resp.StatusCode != http.StatusFound || resp.Header.Get("Location") != "/signin" {
		t.Fatalf("expected invalid cookie to redirect to /signin, got %d %s", resp.StatusCode, resp.Header.Get("Location"))
	}

	// Member session on an admin path redirects home.
	resp = get(t, app.URL+"/admin/dashboard", "token:"+memberID)
	if resp.StatusCode != http.StatusFound || resp.Header.Get("Location") != "/" {
		t.Fatalf("expected member redirect to /, got %d %s", resp.StatusCode, resp.Header.Get("Location"))
	}

	// Unresolvable role is treated as not-ADMIN.
	resp = get(t, app.URL+"/admin/dashboard", "token:unknown-user")
	if resp.StatusCode != http.StatusFound || resp.Header.Get("Location") != "/" {
		t.Fatalf("expected unresolvable role redirect to /, got %d", resp.StatusCode)
	}

	// Admin passes through.
	resp = get(t, app.URL+"/admin/dashboard", "token:"+adminID)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected admin to pass, got %d", resp.StatusCode)
	}

	// Member session on the home path passes through.
	resp = get(t, app.URL+"/", "token:"+memberID)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected member home access, got %d", resp.StatusCode)
	}

	// Unguarded paths stay open.
	resp = get(t, app.URL+"/signin", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected /signin to be open, got %d", resp.StatusCode)
	}
}

func TestSignUpPasswordMismatchRejectedBeforeRemoteCall(t *testing.T) {
	syncMgr := &fakeSync{}
	app := newTestServer(t, syncMgr, newFakeRecordStore())

	resp := postJSON(t, app.URL+"/auth/signup", map[string]string{
		"email":           "a@x.com",
		"password":        "secret1",
		"confirmPassword": "secret2",
		"fullName":        "Ann",
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
	if syncMgr.signUpCalls != 0 {
		t.Fatalf("expected no remote call on mismatch, got %d", syncMgr.signUpCalls)
	}
}

func TestSignUpSuccess(t *testing.T) {
	syncMgr := &fakeSync{}
	app := newTestServer(t, syncMgr, newFakeRecordStore())

	resp := postJSON(t, app.URL+"/auth/signup", map[string]string{
		"email":           "a@x.com",
		"password":        "secret1",
		"confirmPassword": "secret1",
		"fullName":        "Ann",
		"phone":           "5551234567",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var body map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if body["redirect"] != "/signin" {
		t.Fatalf("expected /signin redirect, got %s", body["redirect"])
	}
	if syncMgr.signUpCalls != 1 {
		t.Fatalf("expected one sign up call, got %d", syncMgr.signUpCalls)
	}
}

func TestSignInSetsSessionCookie(t *testing.T) {
	app := newTestServer(t, &fakeSync{}, newFakeRecordStore())

	resp := postJSON(t, app.URL+"/auth/signin", map[string]string{
		"email":    "admin@x.com",
		"password": "secret1",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var body map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if body["redirect"] != "/admin" {
		t.Fatalf("expected admin redirect, got %s", body["redirect"])
	}

	var sessionCookie *http.Cookie
	for _, cookie := range resp.Cookies() {
		if cookie.Name == "sb-auth-token" {
			sessionCookie = cookie
		}
	}
	if sessionCookie == nil || sessionCookie.Value != "token:"+adminID {
		t.Fatalf("expected session cookie to be set")
	}
	if !sessionCookie.HttpOnly {
		t.Fatalf("expected HttpOnly cookie")
	}
}

func TestCheckIn(t *testing.T) {
	store := newFakeRecordStore()
	app := newTestServer(t, &fakeSync{}, store)
	userID := "33333333-3333-3333-3333-333333333333"

	// First check-in succeeds.
	resp := postJSON(t, app.URL+"/api/check-in", map[string]string{
		"userId":  userID,
		"eventId": "sunday-service",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var row attendanceResponse
	if err := json.NewDecoder(resp.Body).Decode(&row); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if row.UserID != userID || row.EventID != "sunday-service" {
		t.Fatalf("unexpected attendance row: %+v", row)
	}

	// Second check-in for the same pair is a 400.
	resp = postJSON(t, app.URL+"/api/check-in", map[string]string{
		"userId":  userID,
		"eventId": "sunday-service",
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 on duplicate, got %d", resp.StatusCode)
	}

	// A different event is independent.
	resp = postJSON(t, app.URL+"/api/check-in", map[string]string{
		"userId":  userID,
		"eventId": "bible-study",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 for other event, got %d", resp.StatusCode)
	}
}

func TestCheckInValidation(t *testing.T) {
	store := newFakeRecordStore()
	app := newTestServer(t, &fakeSync{}, store)

	resp := postJSON(t, app.URL+"/api/check-in", map[string]string{"userId": "", "eventId": "e"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing user, got %d", resp.StatusCode)
	}

	resp = postJSON(t, app.URL+"/api/check-in", map[string]string{"userId": "not-a-uuid", "eventId": "e"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad uuid, got %d", resp.StatusCode)
	}

	store.storeDown = true
	resp = postJSON(t, app.URL+"/api/check-in", map[string]string{
		"userId":  "33333333-3333-3333-3333-333333333333",
		"eventId": "e",
	})
	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("expected 500 on store failure, got %d", resp.StatusCode)
	}
}

func TestAdminAttendanceLimitClamped(t *testing.T) {
	store := newFakeRecordStore()
	store.roles[adminID] = model.RoleAdmin
	app := newTestServer(t, &fakeSync{}, store)

	// A limit past int32 range must clamp, not wrap negative.
	resp := get(t, app.URL+"/admin/attendance?eventId=e&limit=9999999999", "token:"+adminID)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	store.mu.Lock()
	limit := store.lastLimit
	store.mu.Unlock()
	if limit != maxListLimit {
		t.Fatalf("expected limit clamped to %d, got %d", maxListLimit, limit)
	}
}

func TestMeReportsSnapshot(t *testing.T) {
	syncMgr := &fakeSync{snapshots: map[string]sessionsync.Snapshot{
		memberID: {
			State: sessionsync.StateAuthenticated,
			Profile: &model.User{
				ID: memberID, Email: "m@x.com", Name: "Mem", Role: model.RoleMember,
			},
		},
	}}
	app := newTestServer(t, syncMgr, newFakeRecordStore())

	resp := get(t, app.URL+"/auth/me", "token:"+memberID)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var body struct {
		State   string           `json:"state"`
		Profile *profileResponse `json:"profile"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if body.State != "authenticated" || body.Profile == nil || body.Profile.Name != "Mem" {
		t.Fatalf("unexpected me response: %+v", body)
	}

	resp = get(t, app.URL+"/auth/me", "")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without session, got %d", resp.StatusCode)
	}
}
