package security

import (
	"context"
	"strconv"
	"testing"

	"threatgate/internal/config"
	"threatgate/internal/models"
	"threatgate/internal/repository"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// anyArg matches any argument in mock expectations.
var anyArg = mock.Anything

type mockLedger struct {
	mock.Mock
}

func (m *mockLedger) IsBlocked(ctx context.Context, idHash string) bool {
	return m.Called(ctx, idHash).Bool(0)
}

func (m *mockLedger) Block(ctx context.Context, idHash string, durationSeconds int, reason string, isManual bool) (string, error) {
	args := m.Called(ctx, idHash, durationSeconds, reason, isManual)
	return args.String(0), args.Error(1)
}

func (m *mockLedger) AddAttackSignature(ctx context.Context, patternJSON string, severity int) (string, error) {
	args := m.Called(ctx, patternJSON, severity)
	return args.String(0), args.Error(1)
}

func (m *mockLedger) GetAttackSignatures(ctx context.Context) []models.AttackSignature {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil
	}
	return args.Get(0).([]models.AttackSignature)
}

type mockStore struct {
	mock.Mock
}

func (m *mockStore) AppendSecurityLog(entry models.SecurityLogEntry) error {
	return m.Called(entry).Error(0)
}

func (m *mockStore) UpsertBlock(entry models.BlockEntry) error {
	return m.Called(entry).Error(0)
}

func (m *mockStore) IsBlockedLocally(clientIDHash string) (bool, error) {
	args := m.Called(clientIDHash)
	return args.Bool(0), args.Error(1)
}

func (m *mockStore) InsertAttackPattern(rec models.CoordinatedAttackRecord) error {
	return m.Called(rec).Error(0)
}

func (m *mockStore) MarkAttackPatternSynced(signatureHash, txRef string) error {
	return m.Called(signatureHash, txRef).Error(0)
}

func newTestRedis(t *testing.T) (*repository.RedisRepository, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	port, err := strconv.Atoi(mr.Port())
	require.NoError(t, err)
	return repository.NewRedisRepository(mr.Host(), port, "", 0), mr
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
	}
}

func testView(clientID, path, method, userAgent string) *RequestView {
	return &RequestView{
		ClientID:  clientID,
		Path:      path,
		Method:    method,
		UserAgent: userAgent,
		Query:     map[string]string{},
		Headers:   map[string]string{},
	}
}
