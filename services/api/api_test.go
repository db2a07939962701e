package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"pisowifi/services/access"
	"pisowifi/services/coinslot"
	"pisowifi/services/identity"
	"pisowifi/services/license"
	"pisowifi/services/portal"
	"pisowifi/services/rates"
	"pisowifi/services/sessions"
)

type macTable map[string]string

func (m macTable) Identify(_ context.Context, ip string) (identity.Client, error) {
	if mac, ok := m[ip]; ok {
		return identity.Client{IP: ip, MAC: mac}, nil
	}
	return identity.Client{IP: ip}, identity.ErrUnresolved
}

func (m macTable) ResolveWithRetry(_ context.Context, ip string, _ int, _ time.Duration) (string, error) {
	if mac, ok := m[ip]; ok {
		return mac, nil
	}
	return "", identity.ErrUnresolved
}

type nopEnforcer struct{}

func (nopEnforcer) Whitelist(string, string)                {}
func (nopEnforcer) Block(string, string)                    {}
func (nopEnforcer) ForceRefresh(string, string)             {}
func (nopEnforcer) Reassign(string, string, string, string) {}

func (nopEnforcer) ReassignNow(context.Context, string, string, string, string, time.Duration) {}

type docFunc func(identity.Client, *sessions.Session) string

func (f docFunc) Render(_ context.Context, c identity.Client, s *sessions.Session) (string, error) {
	return f(c, s), nil
}

const (
	ipA  = "10.0.0.5"
	ipB  = "10.0.0.6"
	ipA2 = "10.0.7.5"
	macA = "aa:00:00:00:00:01"
	macB = "aa:00:00:00:00:02"
)

func newTestServer(t *testing.T) (http.Handler, *sessions.Engine) {
	t.Helper()

	engine, err := sessions.NewEngine(sessions.Config{Store: sessions.NewMemoryStore(), Enforcer: nopEnforcer{}, Logger: zerolog.Nop()})
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	locks := coinslot.NewManager(coinslot.Config{Logger: zerolog.Nop()})
	ids := macTable{ipA: macA, ipB: macB, ipA2: "aa:00:00:00:00:0c"}

	orch, err := access.NewOrchestrator(access.Config{
		Sessions: engine,
		Locks:    locks,
		Enforcer: nopEnforcer{},
		License:  license.Static{Valid: true},
		Rates:    rates.Static{{Pesos: 5, Minutes: 60}},
		Logger:   zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("NewOrchestrator: %v", err)
	}

	rsp, err := portal.NewResponder(portal.Config{
		Identity: ids,
		Sessions: engine,
		Roamer:   nopEnforcer{},
		Document: docFunc(func(c identity.Client, _ *sessions.Session) string { return "<html>portal " + c.IP + "</html>" }),
		Logger:   zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("NewResponder: %v", err)
	}

	a, err := New(Config{
		Orchestrator: orch,
		Sessions:     engine,
		Locks:        locks,
		Identity:     ids,
		Portal:       rsp,
		Logger:       zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	h, err := a.Routes()
	if err != nil {
		t.Fatalf("Routes: %v", err)
	}
	return h, engine
}

func do(h http.Handler, method, path, ip, body string, mutate ...func(*http.Request)) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.RemoteAddr = ip + ":40000"
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for _, m := range mutate {
		m(req)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return out
}

func TestCoinslotContract(t *testing.T) {
	h, _ := newTestServer(t)

	rec := do(h, http.MethodPost, "/coinslot/reserve", ipA, `{"slot":"main"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("reserve status = %d body %s", rec.Code, rec.Body)
	}
	lock := decode(t, rec)
	lockID, _ := lock["lockId"].(string)
	if lock["success"] != true || lockID == "" || lock["expiresAt"] == nil {
		t.Fatalf("unexpected reserve payload %v", lock)
	}

	rec = do(h, http.MethodPost, "/coinslot/reserve", ipB, `{"slot":"main"}`)
	if rec.Code != http.StatusConflict || decode(t, rec)["code"] != "COINSLOT_BUSY" {
		t.Fatalf("second reserve = %d %s", rec.Code, rec.Body)
	}

	rec = do(h, http.MethodPost, "/coinslot/heartbeat", ipB, `{"slot":"main","lockId":"`+lockID+`"}`)
	if rec.Code != http.StatusConflict || decode(t, rec)["code"] != "COINSLOT_NOT_OWNED" {
		t.Fatalf("foreign heartbeat = %d %s", rec.Code, rec.Body)
	}
	rec = do(h, http.MethodPost, "/coinslot/heartbeat", ipA, `{"slot":"main","lockId":"`+lockID+`"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("heartbeat = %d %s", rec.Code, rec.Body)
	}

	for i := 0; i < 2; i++ {
		rec = do(h, http.MethodPost, "/coinslot/release", ipA, `{"slot":"main","lockId":"`+lockID+`"}`)
		if rec.Code != http.StatusOK || decode(t, rec)["success"] != true {
			t.Fatalf("release #%d = %d %s", i, rec.Code, rec.Body)
		}
	}
	if rec := do(h, http.MethodPost, "/coinslot/reserve", ipB, `{}`); rec.Code != http.StatusOK {
		t.Fatalf("slot should be free after release, got %d", rec.Code)
	}
}

func TestStartSessionAndWhoami(t *testing.T) {
	h, _ := newTestServer(t)

	lockID := decode(t, do(h, http.MethodPost, "/coinslot/reserve", ipA, `{"slot":"main"}`))["lockId"].(string)

	rec := do(h, http.MethodPost, "/sessions/start", ipA, `{"slot":"main","lockId":"nope","pesos":5,"minutes":60}`)
	if rec.Code != http.StatusConflict {
		t.Fatalf("start without lock = %d %s", rec.Code, rec.Body)
	}

	rec = do(h, http.MethodPost, "/sessions/start", ipA, `{"slot":"main","lockId":"`+lockID+`","pesos":5,"minutes":60}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("start = %d %s", rec.Code, rec.Body)
	}
	var cookie *http.Cookie
	for _, c := range rec.Result().Cookies() {
		if c.Name == TokenCookie {
			cookie = c
		}
	}
	if cookie == nil || cookie.Value == "" || cookie.MaxAge != 30*24*3600 {
		t.Fatalf("session cookie missing or wrong: %+v", cookie)
	}
	session := decode(t, rec)["session"].(map[string]any)
	if session["remainingSeconds"] != float64(3600) {
		t.Fatalf("unexpected session %v", session)
	}

	rec = do(h, http.MethodGet, "/whoami", ipA, "", func(r *http.Request) { r.AddCookie(cookie) })
	who := decode(t, rec)
	if who["mac"] != macA || who["canInsertCoin"] != true || who["recommendedSlot"] != coinslot.MainSlot || who["session"] == nil {
		t.Fatalf("unexpected whoami %v", who)
	}
}

func TestPauseResumeErrors(t *testing.T) {
	h, engine := newTestServer(t)
	res, err := engine.Grant(context.Background(), sessions.Grant{MAC: macA, IP: ipA, Seconds: 600, Pesos: 1, Pausable: sessions.NotPausable})
	if err != nil {
		t.Fatalf("Grant: %v", err)
	}

	tests := []struct {
		name     string
		path     string
		body     string
		header   string
		wantCode string
		status   int
	}{
		{name: "unknown token", path: "/sessions/pause", body: `{"token":"missing"}`, status: http.StatusBadRequest, wantCode: "SESSION_NOT_FOUND"},
		{name: "no token", path: "/sessions/resume", status: http.StatusBadRequest, wantCode: "TOKEN_REQUIRED"},
		{name: "not pausable", path: "/sessions/pause", header: res.Session.Token, status: http.StatusBadRequest, wantCode: "SESSION_NOT_PAUSABLE"},
		{name: "resume running session", path: "/sessions/resume", body: `{"token":"` + res.Session.Token + `"}`, status: http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(h, http.MethodPost, tt.path, ipA, tt.body, func(r *http.Request) {
				if tt.header != "" {
					r.Header.Set(TokenHeader, tt.header)
				}
			})
			if rec.Code != tt.status {
				t.Fatalf("status = %d, want %d (%s)", rec.Code, tt.status, rec.Body)
			}
			if tt.wantCode != "" && decode(t, rec)["code"] != tt.wantCode {
				t.Fatalf("code = %v, want %s", decode(t, rec)["code"], tt.wantCode)
			}
		})
	}
}

func TestRestoreMovesSession(t *testing.T) {
	h, engine := newTestServer(t)
	res, err := engine.Grant(context.Background(), sessions.Grant{MAC: macA, IP: ipA, Seconds: 600, Pesos: 1})
	if err != nil {
		t.Fatalf("Grant: %v", err)
	}

	rec := do(h, http.MethodPost, "/sessions/restore", ipB, `{"token":"`+res.Session.Token+`"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("restore = %d %s", rec.Code, rec.Body)
	}
	moved, err := engine.ByToken(context.Background(), res.Session.Token)
	if err != nil || moved.MAC != macB || moved.RemainingSeconds != 600 {
		t.Fatalf("session not moved: %+v %v", moved, err)
	}

	rec = do(h, http.MethodPost, "/sessions/restore", "10.0.0.99", `{"token":"`+res.Session.Token+`"}`)
	if rec.Code != http.StatusBadRequest || decode(t, rec)["code"] != "IDENTITY_UNRESOLVED" {
		t.Fatalf("restore from unknown device = %d %s", rec.Code, rec.Body)
	}
}

func TestProbeAndFallbackRoutes(t *testing.T) {
	h, engine := newTestServer(t)
	engine.Grant(context.Background(), sessions.Grant{MAC: macA, IP: ipA, Seconds: 600, Pesos: 1})

	if rec := do(h, http.MethodGet, "/generate_204", ipA, ""); rec.Code != http.StatusNoContent {
		t.Fatalf("authorized probe = %d", rec.Code)
	}
	rec := do(h, http.MethodGet, "/generate_204", ipB, "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "portal "+ipB) {
		t.Fatalf("unauthorized probe = %d %s", rec.Code, rec.Body)
	}
	if rec := do(h, http.MethodGet, "/some/random/page", ipB, ""); rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "portal") {
		t.Fatalf("unknown route should serve the portal, got %d", rec.Code)
	}
	if rec := do(h, http.MethodGet, "/healthz", ipB, ""); rec.Code != http.StatusOK || rec.Body.String() != "ok" {
		t.Fatalf("healthz = %d %q", rec.Code, rec.Body)
	}
}

func TestCheckHostsAlwaysReachPortal(t *testing.T) {
	h, _ := newTestServer(t)
	onCheckHost := func(r *http.Request) { r.Host = "captive.apple.com" }

	rec := do(h, http.MethodGet, "/whoami", ipB, "", onCheckHost)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "portal "+ipB) {
		t.Fatalf("check host should be answered by the portal, got %d %s", rec.Code, rec.Body)
	}
	if rec := do(h, http.MethodGet, "/whoami", ipB, ""); decode(t, rec)["ip"] != ipB {
		t.Fatalf("gateway host must still reach the API")
	}
}

func TestForwardedHeadersIgnoredByDefault(t *testing.T) {
	h, _ := newTestServer(t)
	rec := do(h, http.MethodGet, "/whoami", ipB, "", func(r *http.Request) { r.Header.Set("X-Real-IP", ipA) })
	if who := decode(t, rec); who["ip"] != ipB || who["mac"] != macB {
		t.Fatalf("spoofed header changed identity: %v", who)
	}
}

func TestRequestToken(t *testing.T) {
	tests := []struct {
		name   string
		header string
		auth   string
		cookie string
		want   string
	}{
		{name: "header wins", header: "h", auth: "Bearer b", cookie: "c", want: "h"},
		{name: "bearer beats cookie", auth: "Bearer b", cookie: "c", want: "b"},
		{name: "basic auth ignored", auth: "Basic xyz", cookie: "c", want: "c"},
		{name: "cookie only", cookie: "c", want: "c"},
		{name: "nothing", want: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.header != "" {
				req.Header.Set(TokenHeader, tt.header)
			}
			if tt.auth != "" {
				req.Header.Set("Authorization", tt.auth)
			}
			if tt.cookie != "" {
				req.AddCookie(&http.Cookie{Name: TokenCookie, Value: tt.cookie})
			}
			if got := requestToken(req); got != tt.want {
				t.Fatalf("requestToken() = %q, want %q", got, tt.want)
			}
		})
	}
}
