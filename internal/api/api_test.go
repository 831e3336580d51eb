package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/medilensai-eng/call-flow-manager-sub000/internal/audit"
	"github.com/medilensai-eng/call-flow-manager-sub000/internal/auth"
	"github.com/medilensai-eng/call-flow-manager-sub000/internal/events"
	"github.com/medilensai-eng/call-flow-manager-sub000/internal/models"
	"github.com/medilensai-eng/call-flow-manager-sub000/internal/pairing"
	"github.com/medilensai-eng/call-flow-manager-sub000/internal/recording"
	"github.com/medilensai-eng/call-flow-manager-sub000/internal/signaling"
	"github.com/medilensai-eng/call-flow-manager-sub000/internal/storage"
	"github.com/medilensai-eng/call-flow-manager-sub000/internal/voicecall"
)

var testSecret = []byte("test-secret")

type testEnv struct {
	api      *API
	router   chi.Router
	db       *gorm.DB
	pairing  *pairing.Service
	recorder *recording.Recorder
	bus      *events.Bus
}

func newTestEnv(t *testing.T, gatewayURL string) *testEnv {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&models.PairingSession{}, &models.CallRecording{}, &models.AuditEntry{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	bus := events.NewBus()
	t.Cleanup(func() { bus.Close() })

	auditSvc := audit.NewService(db, zerolog.Nop())
	pairingSvc := pairing.NewService(db, bus, auditSvc, zerolog.Nop())
	store := storage.NewFilesystemStore(t.TempDir(), zerolog.Nop())
	recorder := recording.NewRecorder(db, store, t.TempDir(), zerolog.Nop())
	recorder.SetChunkInterval(5 * time.Millisecond)
	voice := voicecall.NewClient(gatewayURL, "", zerolog.Nop())

	a := New(db, testSecret, pairingSvc, recorder, voice, bus, auditSvc, zerolog.Nop())
	r := chi.NewRouter()
	a.Routes(r)

	return &testEnv{api: a, router: r, db: db, pairing: pairingSvc, recorder: recorder, bus: bus}
}

func (e *testEnv) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	e.router.ServeHTTP(rr, req)
	return rr
}

func operatorToken(t *testing.T, userID string) string {
	t.Helper()
	token, err := auth.Issue(testSecret, auth.Claims{UserID: userID, Roles: []string{"operator"}}, time.Hour)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return token
}

func decodeBody(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response %q: %v", rr.Body.String(), err)
	}
	return out
}

func TestPairingConnect(t *testing.T) {
	env := newTestEnv(t, "")
	session, err := env.pairing.CreateOrResume(context.Background(), "owner-1")
	if err != nil {
		t.Fatal(err)
	}

	rr := env.do(t, http.MethodPost, "/api/v1/pairing/connect", "", map[string]any{
		"action":     "connect",
		"code":       session.Code,
		"deviceInfo": map[string]any{"model": "Pixel 9"},
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	body := decodeBody(t, rr)
	if body["ok"] != true {
		t.Fatalf("expected ok, got %v", body)
	}
	if body["connectionId"] != session.ID {
		t.Fatalf("expected connectionId %s, got %v", session.ID, body["connectionId"])
	}
	if body["userId"] != "owner-1" {
		t.Fatalf("expected userId owner-1, got %v", body["userId"])
	}
}

func TestPairingConnect_Failures(t *testing.T) {
	env := newTestEnv(t, "")

	// well-formed code with no match
	rr := env.do(t, http.MethodPost, "/api/v1/pairing/connect", "", map[string]any{"code": "ZZZZZZ"})
	if rr.Code != http.StatusNotFound {
		t.Fatalf("no match: expected 404, got %d", rr.Code)
	}
	if body := decodeBody(t, rr); body["ok"] != false || body["error"] == "" {
		t.Fatalf("expected structured failure, got %v", body)
	}

	// malformed code
	rr = env.do(t, http.MethodPost, "/api/v1/pairing/connect", "", map[string]any{"code": "AB"})
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("malformed code: expected 400, got %d", rr.Code)
	}

	// missing code
	rr = env.do(t, http.MethodPost, "/api/v1/pairing/connect", "", map[string]any{"action": "connect"})
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("missing code: expected 400, got %d", rr.Code)
	}
}

func TestPairingPingAndDisconnect(t *testing.T) {
	env := newTestEnv(t, "")
	session, err := env.pairing.CreateOrResume(context.Background(), "owner-1")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.pairing.Connect(context.Background(), session.Code, map[string]any{"m": "x"}); err != nil {
		t.Fatal(err)
	}

	rr := env.do(t, http.MethodPost, "/api/v1/pairing/ping", "", map[string]any{"connectionId": session.ID})
	if rr.Code != http.StatusOK {
		t.Fatalf("ping: expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}

	rr = env.do(t, http.MethodPost, "/api/v1/pairing/ping", "", map[string]any{"connectionId": "00000000-0000-0000-0000-000000000000"})
	if rr.Code != http.StatusNotFound {
		t.Fatalf("unknown ping: expected 404, got %d", rr.Code)
	}
	if body := decodeBody(t, rr); body["ok"] != false {
		t.Fatalf("expected ok:false, got %v", body)
	}

	rr = env.do(t, http.MethodPost, "/api/v1/pairing/disconnect", "", map[string]any{"connectionId": session.ID})
	if rr.Code != http.StatusOK {
		t.Fatalf("disconnect: expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}

	reloaded, err := env.pairing.Get(context.Background(), session.ID)
	if err != nil {
		t.Fatal(err)
	}
	if reloaded.Connected {
		t.Fatal("session must be disconnected")
	}
}

func TestSessionEndpointsRequireAuth(t *testing.T) {
	env := newTestEnv(t, "")

	rr := env.do(t, http.MethodPost, "/api/v1/pairing/session", "", nil)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
	rr = env.do(t, http.MethodGet, "/api/v1/recordings", "", nil)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
}

func TestSessionCreateAndRegenerate(t *testing.T) {
	env := newTestEnv(t, "")
	token := operatorToken(t, "owner-1")

	rr := env.do(t, http.MethodPost, "/api/v1/pairing/session", token, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("create: expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	var session models.PairingSession
	if err := json.Unmarshal(rr.Body.Bytes(), &session); err != nil {
		t.Fatal(err)
	}
	if session.OwnerID != "owner-1" || len(session.Code) != 6 {
		t.Fatalf("unexpected session %+v", session)
	}

	rr = env.do(t, http.MethodPost, "/api/v1/pairing/session/"+session.ID+"/regenerate", token, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("regenerate: expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	var regenerated models.PairingSession
	if err := json.Unmarshal(rr.Body.Bytes(), &regenerated); err != nil {
		t.Fatal(err)
	}
	if regenerated.Code == session.Code {
		t.Fatal("regenerate must change the code")
	}

	// another operator cannot regenerate someone else's session
	other := operatorToken(t, "owner-2")
	rr = env.do(t, http.MethodPost, "/api/v1/pairing/session/"+session.ID+"/regenerate", other, nil)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for foreign session, got %d", rr.Code)
	}
}

func TestVoiceCallProxy(t *testing.T) {
	gateway := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(voicecall.Response{Success: true, CallSid: "CA42", Status: "in-progress"})
	}))
	defer gateway.Close()

	env := newTestEnv(t, gateway.URL)
	token := operatorToken(t, "owner-1")

	rr := env.do(t, http.MethodPost, "/api/v1/voice/call", token, voicecall.Request{
		Action: voicecall.ActionMakeCall,
		To:     "+15550100",
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	body := decodeBody(t, rr)
	if body["success"] != true || body["callSid"] != "CA42" {
		t.Fatalf("unexpected proxy response %v", body)
	}

	rr = env.do(t, http.MethodPost, "/api/v1/voice/call", token, voicecall.Request{Action: "transfer_call"})
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("invalid action: expected 400, got %d", rr.Code)
	}
}

func TestAuthorizeTopic(t *testing.T) {
	env := newTestEnv(t, "")
	session, err := env.pairing.CreateOrResume(context.Background(), "owner-1")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.pairing.Connect(context.Background(), session.Code, map[string]any{"m": "x"}); err != nil {
		t.Fatal(err)
	}
	token := operatorToken(t, "owner-1")

	cases := []struct {
		name  string
		url   string
		auth  string
		topic string
		want  bool
	}{
		{"operator token on call topic", "/ws", token, "call." + session.ID, true},
		{"operator token on signal topic", "/ws", token, "signal.owner-1", true},
		{"connected phone on own call topic", "/ws?connectionId=" + session.ID, "", "call." + session.ID, true},
		{"phone on foreign call topic", "/ws?connectionId=" + session.ID, "", "call.other", false},
		{"phone on signal topic", "/ws?connectionId=" + session.ID, "", "signal.owner-1", false},
		{"anonymous", "/ws", "", "call." + session.ID, false},
		{"unknown topic kind", "/ws", token, "audit.owner-1", false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tc.url, nil)
			if tc.auth != "" {
				req.Header.Set("Authorization", "Bearer "+tc.auth)
			}
			if got := env.api.authorizeTopic(req, tc.topic); got != tc.want {
				t.Fatalf("authorizeTopic(%s) = %v, want %v", tc.topic, got, tc.want)
			}
		})
	}
}

func TestAuthorizeTopic_DisconnectedPhone(t *testing.T) {
	env := newTestEnv(t, "")
	session, err := env.pairing.CreateOrResume(context.Background(), "owner-1")
	if err != nil {
		t.Fatal(err)
	}

	req := httptest.NewRequest(http.MethodGet, "/ws?connectionId="+session.ID, nil)
	if env.api.authorizeTopic(req, "call."+session.ID) {
		t.Fatal("a never-connected phone must not attach to the call topic")
	}
}

func TestStreamEndpoints(t *testing.T) {
	env := newTestEnv(t, "")
	streams := signaling.NewManager(signaling.Config{RTPPort: 39600}, env.bus, zerolog.Nop())
	t.Cleanup(func() { streams.Close() })
	env.api.SetStreams(streams)
	r := chi.NewRouter()
	env.api.Routes(r)
	env.router = r

	token := operatorToken(t, "op-1")

	rr := env.do(t, http.MethodGet, "/api/v1/streams/station-9", "", nil)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("stream status without token status=%d, want 401", rr.Code)
	}

	rr = env.do(t, http.MethodGet, "/api/v1/streams/station-9", token, nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("unknown stream status=%d, want 404", rr.Code)
	}

	rr = env.do(t, http.MethodPost, "/api/v1/streams/station-9/capture/stop", token, nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("unknown stream stop status=%d, want 404", rr.Code)
	}

	rr = env.do(t, http.MethodPost, "/api/v1/streams/station-9/capture/start", token, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("capture start status=%d body=%s", rr.Code, rr.Body.String())
	}
	body := decodeBody(t, rr)
	stream, ok := body["stream"].(map[string]any)
	if !ok {
		t.Fatalf("missing stream in body: %v", body)
	}
	if stream["capturing"] != true {
		t.Fatalf("stream not capturing: %v", stream)
	}

	rr = env.do(t, http.MethodPost, "/api/v1/streams/station-9/capture/stop", token, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("capture stop status=%d", rr.Code)
	}
}

func TestRecordingCaptureRoundTrip(t *testing.T) {
	env := newTestEnv(t, "")
	token := operatorToken(t, "op-7")
	media := []byte("pretend webm audio payload")

	req := httptest.NewRequest(http.MethodPost,
		"/api/v1/recordings/capture?customerRef=C-42&direction=outgoing",
		bytes.NewReader(media))
	req.Header.Set("Authorization", "Bearer "+token)
	rr := httptest.NewRecorder()
	env.router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("capture status=%d body=%s", rr.Code, rr.Body.String())
	}
	body := decodeBody(t, rr)
	rec, ok := body["recording"].(map[string]any)
	if !ok {
		t.Fatalf("missing recording in body: %v", body)
	}
	if rec["status"] != string(models.RecordingCompleted) {
		t.Fatalf("status=%v, want completed", rec["status"])
	}
	if rec["direction"] != string(models.DirectionOutgoing) {
		t.Fatalf("direction=%v, want outgoing", rec["direction"])
	}
	recordingID, _ := rec["id"].(string)
	if recordingID == "" {
		t.Fatalf("missing recording id: %v", rec)
	}

	download := env.do(t, http.MethodGet, "/api/v1/recordings/"+recordingID+"/download", token, nil)
	if download.Code != http.StatusOK {
		t.Fatalf("download status=%d", download.Code)
	}
	if !bytes.Equal(download.Body.Bytes(), media) {
		t.Fatalf("downloaded %q, want %q", download.Body.Bytes(), media)
	}

	foreign := env.do(t, http.MethodGet, "/api/v1/recordings/"+recordingID+"/download", operatorToken(t, "op-other"), nil)
	if foreign.Code != http.StatusNotFound {
		t.Fatalf("foreign download status=%d, want 404", foreign.Code)
	}
}

func TestRecordingCaptureRejectsUnknownDirection(t *testing.T) {
	env := newTestEnv(t, "")
	token := operatorToken(t, "op-7")

	req := httptest.NewRequest(http.MethodPost,
		"/api/v1/recordings/capture?direction=sideways",
		bytes.NewReader([]byte("noise")))
	req.Header.Set("Authorization", "Bearer "+token)
	rr := httptest.NewRecorder()
	env.router.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("capture status=%d, want 400", rr.Code)
	}

	rows, err := env.recorder.List(context.Background(), "op-7")
	if err != nil {
		t.Fatalf("list recordings: %v", err)
	}
	if len(rows) != 0 {
		t.Fatalf("expected no rows after rejected capture, got %d", len(rows))
	}
}
