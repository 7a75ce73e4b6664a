package tests

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/keyward/server/internal/app"
	"github.com/keyward/server/internal/auth"
	"github.com/keyward/server/internal/config"
	"github.com/keyward/server/internal/db"
	"github.com/keyward/server/internal/model"
)

// captureSender keeps the last code sent to each phone so tests can replay it.
type captureSender struct {
	mu    sync.Mutex
	codes map[string]string
}

func (c *captureSender) SendOtp(_ context.Context, phone, code string, _ model.OtpPurpose) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.codes[phone] = code
	return nil
}

func (c *captureSender) last(phone string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.codes[phone]
}

// captureMailer keeps the parameters of the last mail per recipient.
type captureMailer struct {
	mu   sync.Mutex
	sent map[string]map[string]string
}

func (m *captureMailer) Send(_ context.Context, to string, _ auth.MailKind, params map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent[to] = params
	return nil
}

func (m *captureMailer) last(to string) map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sent[to]
}

// stubSocial accepts the token "valid" for every provider.
type stubSocial struct{}

func (stubSocial) Verify(_ context.Context, _ model.Provider, rawToken string) (bool, error) {
	return rawToken == "valid", nil
}

// testServer holds the server and DB for integration tests
type testServer struct {
	App    *app.App
	Server *httptest.Server
	DB     *sql.DB
	Redis  *miniredis.Miniredis
	Sender *captureSender
	Mailer *captureMailer
}

func requireDatabase(t *testing.T) {
	t.Helper()
	if os.Getenv("DATABASE_URL") == "" {
		t.Skip("DATABASE_URL not set; skipping integration test")
	}
}

func setTestEnv(t *testing.T) {
	t.Helper()
	defaults := map[string]string{
		"JWT_SECRET":            "test-jwt-secret-at-least-32-characters-long",
		"REFRESH_JWT_SECRET":    "test-refresh-secret-at-least-32-characters",
		"OTP_SALT":              "test-otp-salt",
		"RATE_LIMIT_PER_SECOND": "0",
	}
	for k, v := range defaults {
		if os.Getenv(k) == "" {
			t.Setenv(k, v)
		}
	}
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	setTestEnv(t)

	cfg, err := config.Load()
	require.NoError(t, err, "config load must succeed for integration test")

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	ctx := context.Background()
	database, err := db.Open(ctx, cfg.DatabaseURL, logger)
	require.NoError(t, err, "database open must succeed; check DATABASE_URL and that test DB exists")
	t.Cleanup(func() { database.Close() })

	require.NoError(t, db.Migrate(ctx, database), "migrations must run successfully")

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	sender := &captureSender{codes: map[string]string{}}
	mailer := &captureMailer{sent: map[string]map[string]string{}}
	application := app.New(cfg, database, logger, app.Options{
		Redis:     rdb,
		Social:    stubSocial{},
		Mailer:    mailer,
		OtpSender: sender,
	})

	server := httptest.NewServer(application.Router)
	t.Cleanup(server.Close)

	return &testServer{App: application, Server: server, DB: database, Redis: mr, Sender: sender, Mailer: mailer}
}

func (s *testServer) TruncateAuth(t *testing.T) {
	t.Helper()
	require.NoError(t, db.TruncateAuthTables(context.Background(), s.DB), "truncate auth tables")
	s.Redis.FlushAll()
}

// envelope matches both the success and the failure response bodies
type envelope struct {
	Status     string          `json:"status"`
	Message    string          `json:"message"`
	StatusCode int             `json:"statusCode"`
	Data       json.RawMessage `json:"data"`
}

// authData matches the data of every login response
type authData struct {
	AccessToken      string `json:"accessToken"`
	RenewAccessToken string `json:"renewAccessToken"`
	User             struct {
		ID            string   `json:"id"`
		Email         string   `json:"email"`
		PhoneNumber   string   `json:"phone_number"`
		FirstName     string   `json:"first_name"`
		LastName      string   `json:"last_name"`
		PhoneVerified bool     `json:"phone_verified"`
		Roles         []string `json:"roles"`
	} `json:"user"`
}

// call sends a JSON request to /api/v1/auth and decodes the envelope
func (s *testServer) call(t *testing.T, method, path, token string, body any) (int, envelope) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, s.Server.URL+"/api/v1/auth"+path, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := s.Server.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var env envelope
	require.NoError(t, json.Unmarshal(raw, &env), "body: %s", raw)
	return resp.StatusCode, env
}

func decodeData[T any](t *testing.T, env envelope) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(env.Data, &v), "data: %s", env.Data)
	return v
}
