package api

import (
	"context"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"threatgate/internal/config"
	"threatgate/internal/models"
	"threatgate/internal/repository"
	"threatgate/internal/security"
	"threatgate/internal/service"
)

var anyArg = mock.Anything

type mockStore struct {
	mock.Mock
}

func (m *mockStore) UpsertBlock(entry models.BlockEntry) error {
	args := m.Called(entry)
	return args.Error(0)
}

func (m *mockStore) DeleteBlock(clientIDHash string) error {
	args := m.Called(clientIDHash)
	return args.Error(0)
}

func (m *mockStore) ListActiveBlocks() ([]models.BlockEntry, error) {
	args := m.Called()
	if blocks, ok := args.Get(0).([]models.BlockEntry); ok {
		return blocks, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockStore) GetStatistics(windowHours int) (*models.SecurityStats, error) {
	args := m.Called(windowHours)
	if stats, ok := args.Get(0).(*models.SecurityStats); ok {
		return stats, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockStore) AppendSecurityLog(entry models.SecurityLogEntry) error {
	args := m.Called(entry)
	return args.Error(0)
}

func (m *mockStore) IsBlockedLocally(clientIDHash string) (bool, error) {
	args := m.Called(clientIDHash)
	return args.Bool(0), args.Error(1)
}

func (m *mockStore) InsertAttackPattern(rec models.CoordinatedAttackRecord) error {
	args := m.Called(rec)
	return args.Error(0)
}

func (m *mockStore) MarkAttackPatternSynced(signatureHash, txRef string) error {
	args := m.Called(signatureHash, txRef)
	return args.Error(0)
}

func (m *mockStore) Ping() error {
	args := m.Called()
	return args.Error(0)
}

type mockLedgerAPI struct {
	mock.Mock
}

func (m *mockLedgerAPI) IsBlocked(ctx context.Context, idHash string) bool {
	args := m.Called(ctx, idHash)
	return args.Bool(0)
}

func (m *mockLedgerAPI) IsRegistered(ctx context.Context, idHash string) bool {
	args := m.Called(ctx, idHash)
	return args.Bool(0)
}

func (m *mockLedgerAPI) Block(ctx context.Context, idHash string, durationSeconds int, reason string, isManual bool) (string, error) {
	args := m.Called(ctx, idHash, durationSeconds, reason, isManual)
	return args.String(0), args.Error(1)
}

func (m *mockLedgerAPI) Unblock(ctx context.Context, idHash string) (string, error) {
	args := m.Called(ctx, idHash)
	return args.String(0), args.Error(1)
}

func (m *mockLedgerAPI) Register(ctx context.Context, idHash string) (string, error) {
	args := m.Called(ctx, idHash)
	return args.String(0), args.Error(1)
}

func (m *mockLedgerAPI) AddAttackSignature(ctx context.Context, patternJSON string, severity int) (string, error) {
	args := m.Called(ctx, patternJSON, severity)
	return args.String(0), args.Error(1)
}

func (m *mockLedgerAPI) GetAttackSignatures(ctx context.Context) []models.AttackSignature {
	args := m.Called(ctx)
	if sigs, ok := args.Get(0).([]models.AttackSignature); ok {
		return sigs
	}
	return nil
}

func (m *mockLedgerAPI) HealthCheck(ctx context.Context) string {
	args := m.Called(ctx)
	return args.String(0)
}

type testEnv struct {
	cfg     *config.Config
	redis   *repository.RedisRepository
	mr      *miniredis.Miniredis
	store   *mockStore
	ledger  *mockLedgerAPI
	hub     *Hub
	handler *APIHandler
	router  *gin.Engine
}

func testConfig() *config.Config {
	return &config.Config{
		ThresholdMedium:    40,
		ThresholdHigh:      61,
		ThresholdAutoBlock: 80,
		AutoBlockDuration:  86400,
		CaptchaMaxFailures: 3,
		CaptchaBlockSecs:   900,
		AttackMinClients:   100,
		AttackWindowSecs:   300,
		AdminUser:          "admin",
		AdminPassword:      "hunter2",
		MetricsAllowedIPs:  "127.0.0.1",
		ExemptPaths:        "/health,/metrics,/api/security/captcha",
	}
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	mr := miniredis.RunT(t)
	port, err := strconv.Atoi(mr.Port())
	require.NoError(t, err)
	redisRepo := repository.NewRedisRepository(mr.Host(), port, "", 0)

	cfg := testConfig()
	store := &mockStore{}
	ml := &mockLedgerAPI{}

	scores := security.NewScoreCalculator(cfg, redisRepo, ml)
	detector := security.NewAttackDetector(cfg, redisRepo, ml, store)
	captcha := security.NewCaptchaManager(cfg, redisRepo, store)
	pipeline := security.NewPipeline(cfg, scores, detector, captcha, ml, redisRepo, store)

	hub := NewHub()
	go hub.Run()
	t.Cleanup(hub.Stop)

	handler := NewAPIHandler(cfg, redisRepo, store, pipeline, captcha, ml, service.NewGeoService(), hub)
	router := gin.New()
	handler.RegisterRoutes(router)

	return &testEnv{
		cfg:     cfg,
		redis:   redisRepo,
		mr:      mr,
		store:   store,
		ledger:  ml,
		hub:     hub,
		handler: handler,
		router:  router,
	}
}

// relaxed wires the default expectations most handler paths touch.
func (e *testEnv) relaxed() {
	e.ledger.On("IsBlocked", anyArg, anyArg).Return(false).Maybe()
	e.ledger.On("GetAttackSignatures", anyArg).Return([]models.AttackSignature{}).Maybe()
	e.store.On("IsBlockedLocally", anyArg).Return(false, nil).Maybe()
	e.store.On("AppendSecurityLog", anyArg).Return(nil).Maybe()
}

func (e *testEnv) do(method, path, body string, header map[string]string) *httptest.ResponseRecorder {
	var reader *strings.Reader
	if body != "" {
		reader = strings.NewReader(body)
	} else {
		reader = strings.NewReader("")
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func (e *testEnv) doAdmin(method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.SetBasicAuth(e.cfg.AdminUser, e.cfg.AdminPassword)
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}
