package identity

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"wisefido-band/internal/apperr"
	"wisefido-band/internal/audit"
	"wisefido-band/internal/config"
	"wisefido-band/internal/forensic"
	"wisefido-band/internal/ledger"
	"wisefido-band/internal/models"
	"wisefido-band/internal/repository"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const (
	testUID    = "BAND-000001"
	testTenant = "tenant-a"
)

type fixture struct {
	mgr    Manager
	store  *repository.MemoryStore
	ledger *ledger.MemoryLedger
	gate   *forensic.StaticGate
	now    time.Time
}

func (f *fixture) clock() time.Time { return f.now }

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:  repository.NewMemoryStore(),
		ledger: ledger.NewMemoryLedger(time.Hour),
		gate:   &forensic.StaticGate{},
		now:    time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC),
	}
	f.ledger.SetClock(f.clock)
	cfg := config.IdentityConfig{
		ServerSecret: "unit-test-secret-0123456789",
		TokenTTL:     24 * time.Hour,
		NonceWindow:  10 * time.Minute,
	}
	f.mgr = NewManager(cfg, f.store, f.ledger, gatePtr{f.gate}, audit.NewRepositoryLogger(f.store, zap.NewNop()),
		nil, time.Second, zap.NewNop(), WithClock(f.clock))
	return f
}

// gatePtr 允许测试中途切换只读模式
type gatePtr struct{ g *forensic.StaticGate }

func (p gatePtr) IsWriteAllowed(ctx context.Context) bool { return p.g.IsWriteAllowed(ctx) }

func (f *fixture) register(t *testing.T, uid, tenant string) *RegisterResponse {
	t.Helper()
	resp, err := f.mgr.Register(context.Background(), RegisterRequest{DeviceUID: uid, TenantID: tenant})
	require.NoError(t, err)
	return resp
}

func TestRegister_IssuesTokenAndStoresHashOnly(t *testing.T) {
	f := newFixture(t)
	resp := f.register(t, testUID, testTenant)

	assert.Len(t, resp.Token, 64)
	assert.Len(t, resp.NonceSeed, 32)
	assert.Equal(t, f.now.Add(24*time.Hour), resp.TokenExpiresAt)
	assert.Nil(t, resp.ServerPublicKey)

	rows, err := f.store.ListDevicesByUID(context.Background(), testUID)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	d := rows[0]
	assert.Equal(t, models.DeviceActive, d.Status)
	assert.Equal(t, HashToken(resp.Token), d.TokenHash)
	assert.NotEqual(t, resp.Token, d.TokenHash)

	events, err := f.store.ListLifecycleEvents(context.Background(), d.DeviceID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, models.LifecycleRegistered, events[0].Action)

	logs := f.store.AuditLogs()
	require.Len(t, logs, 1)
	assert.Equal(t, audit.ActionDeviceRegistered, logs[0].Action)
}

func TestRegister_TokensAreUnique(t *testing.T) {
	f := newFixture(t)
	a := f.register(t, "BAND-AAAA01", testTenant)
	b := f.register(t, "BAND-AAAA02", testTenant)
	assert.NotEqual(t, a.Token, b.Token)
	assert.NotEqual(t, a.NonceSeed, b.NonceSeed)
}

func TestRegister_Validation(t *testing.T) {
	f := newFixture(t)
	cases := []RegisterRequest{
		{DeviceUID: "short", TenantID: testTenant},
		{DeviceUID: "BAND 00001", TenantID: testTenant},
		{DeviceUID: "BAND-00001!", TenantID: testTenant},
		{DeviceUID: testUID, TenantID: "  "},
	}
	for _, req := range cases {
		_, err := f.mgr.Register(context.Background(), req)
		assert.True(t, apperr.IsKind(err, apperr.KindValidation), "req=%+v err=%v", req, err)
	}
}

func TestRegister_LiveUIDExclusiveAcrossTenants(t *testing.T) {
	f := newFixture(t)
	f.register(t, testUID, testTenant)

	_, err := f.mgr.Register(context.Background(), RegisterRequest{DeviceUID: testUID, TenantID: "tenant-b"})
	assert.True(t, apperr.IsKind(err, apperr.KindConflict))

	_, err = f.mgr.Register(context.Background(), RegisterRequest{DeviceUID: testUID, TenantID: testTenant})
	assert.True(t, apperr.IsKind(err, apperr.KindConflict))
}

func TestRegister_RevokedUIDCannotReRegister(t *testing.T) {
	f := newFixture(t)
	f.register(t, testUID, testTenant)
	_, err := f.mgr.Revoke(context.Background(), RevokeRequest{DeviceUID: testUID, TenantID: testTenant, Reason: "lost"})
	require.NoError(t, err)

	_, err = f.mgr.Register(context.Background(), RegisterRequest{DeviceUID: testUID, TenantID: "tenant-b"})
	assert.True(t, apperr.IsKind(err, apperr.KindConflict))
}

func TestRegister_ForensicModeFirst(t *testing.T) {
	f := newFixture(t)
	f.gate.ReadOnly = true

	// 即使参数非法，也先被只读模式拦截
	_, err := f.mgr.Register(context.Background(), RegisterRequest{DeviceUID: "x"})
	assert.ErrorIs(t, err, apperr.ErrForensicMode)
	assert.True(t, apperr.IsKind(err, apperr.KindForbidden))

	_, err = f.mgr.Revoke(context.Background(), RevokeRequest{})
	assert.ErrorIs(t, err, apperr.ErrForensicMode)
}

type raceRepo struct {
	repository.DevicesRepository
}

func (raceRepo) ListDevicesByUID(context.Context, string) ([]*models.Device, error) { return nil, nil }
func (raceRepo) CreateDevice(context.Context, *models.Device, *models.DeviceLifecycleEvent) error {
	return apperr.Conflict("CreateDevice", "device_uid already registered")
}

func TestRegister_StoreUniqueViolationIsConflict(t *testing.T) {
	mgr := NewManager(config.IdentityConfig{ServerSecret: "s", TokenTTL: time.Hour}, raceRepo{},
		ledger.NewMemoryLedger(time.Hour), forensic.StaticGate{}, audit.NopLogger{}, nil, time.Second, zap.NewNop())

	_, err := mgr.Register(context.Background(), RegisterRequest{DeviceUID: testUID, TenantID: testTenant})
	assert.True(t, apperr.IsKind(err, apperr.KindConflict))
}

func TestRevoke(t *testing.T) {
	f := newFixture(t)
	resp := f.register(t, testUID, testTenant)
	ctx := context.Background()

	_, err := f.mgr.Revoke(ctx, RevokeRequest{DeviceUID: testUID, TenantID: testTenant})
	assert.True(t, apperr.IsKind(err, apperr.KindValidation))

	_, err = f.mgr.Revoke(ctx, RevokeRequest{DeviceUID: testUID, TenantID: "tenant-b", Reason: "x"})
	assert.True(t, apperr.IsKind(err, apperr.KindNotFound))

	_, err = f.mgr.Revoke(ctx, RevokeRequest{DeviceUID: "BAND-UNKNOWN", TenantID: testTenant, Reason: "x"})
	assert.True(t, apperr.IsKind(err, apperr.KindNotFound))

	f.now = f.now.Add(time.Hour)
	d, err := f.mgr.Revoke(ctx, RevokeRequest{DeviceUID: testUID, TenantID: testTenant, Reason: "lost"})
	require.NoError(t, err)
	assert.Equal(t, models.DeviceRevoked, d.Status)
	assert.Empty(t, d.TokenHash)
	require.NotNil(t, d.TokenExpiresAt)
	assert.Equal(t, f.now, *d.TokenExpiresAt)
	assert.Equal(t, "lost", *d.RevokedReason)
	assert.Equal(t, resp.DeviceID, d.DeviceID)

	_, err = f.mgr.Revoke(ctx, RevokeRequest{DeviceUID: testUID, TenantID: testTenant, Reason: "again"})
	assert.True(t, apperr.IsKind(err, apperr.KindConflict))

	events, err := f.store.ListLifecycleEvents(ctx, d.DeviceID)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, models.LifecycleRevoked, events[1].Action)
	assert.Equal(t, models.DeviceActive, *events[1].FromStatus)
}

func TestAuthenticate_Success(t *testing.T) {
	f := newFixture(t)
	resp := f.register(t, testUID, testTenant)
	f.now = f.now.Add(time.Minute)

	res, err := f.mgr.Authenticate(context.Background(), testUID, resp.Token, "nonce-0001")
	require.NoError(t, err)
	assert.Equal(t, resp.DeviceID, res.DeviceID)
	assert.Equal(t, testTenant, res.TenantID)

	d, err := f.store.GetDevice(context.Background(), resp.DeviceID)
	require.NoError(t, err)
	require.NotNil(t, d.LastSeen)
	assert.Equal(t, f.now, *d.LastSeen)
}

func TestAuthenticate_FailuresAreIndistinguishable(t *testing.T) {
	f := newFixture(t)
	resp := f.register(t, testUID, testTenant)
	ctx := context.Background()

	_, err := f.mgr.Authenticate(ctx, testUID, resp.Token, "nonce-reused")
	require.NoError(t, err)

	cases := []struct {
		name  string
		uid   string
		token string
		nonce string
	}{
		{"unknown uid", "BAND-NOPE01", resp.Token, "nonce-0002"},
		{"wrong token", testUID, HashToken("other"), "nonce-0003"},
		{"empty token", testUID, "", "nonce-0004"},
		{"short nonce", testUID, resp.Token, "abc"},
		{"nonce with space", testUID, resp.Token, "nonce 0005"},
		{"replayed nonce", testUID, resp.Token, "nonce-reused"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.mgr.Authenticate(ctx, tc.uid, tc.token, tc.nonce)
			assert.Same(t, apperr.ErrAuthentication, err)
		})
	}
}

func TestAuthenticate_NonceReusableAfterWindow(t *testing.T) {
	f := newFixture(t)
	resp := f.register(t, testUID, testTenant)
	ctx := context.Background()

	_, err := f.mgr.Authenticate(ctx, testUID, resp.Token, "nonce-window")
	require.NoError(t, err)
	f.now = f.now.Add(11 * time.Minute)
	_, err = f.mgr.Authenticate(ctx, testUID, resp.Token, "nonce-window")
	assert.NoError(t, err)
}

func TestAuthenticate_ExpiredToken(t *testing.T) {
	f := newFixture(t)
	resp := f.register(t, testUID, testTenant)
	f.now = f.now.Add(24 * time.Hour)

	_, err := f.mgr.Authenticate(context.Background(), testUID, resp.Token, "nonce-expired")
	assert.ErrorIs(t, err, apperr.ErrAuthentication)
}

func TestAuthenticate_RevokedDevice(t *testing.T) {
	f := newFixture(t)
	resp := f.register(t, testUID, testTenant)
	_, err := f.mgr.Revoke(context.Background(), RevokeRequest{DeviceUID: testUID, TenantID: testTenant, Reason: "stolen"})
	require.NoError(t, err)

	_, err = f.mgr.Authenticate(context.Background(), testUID, resp.Token, "nonce-revoked")
	assert.True(t, apperr.IsKind(err, apperr.KindAuthentication))
}

type brokenLedger struct{ ledger.Ledger }

func (brokenLedger) Claim(context.Context, string, time.Duration) (bool, error) {
	return false, apperr.Transient("ledger.Claim", errors.New("redis down"))
}

type brokenRepo struct{ repository.DevicesRepository }

func (brokenRepo) ListDevicesByUID(context.Context, string) ([]*models.Device, error) {
	return nil, errors.New("db down")
}

func TestAuthenticate_InfraFailuresAreAuthErrors(t *testing.T) {
	f := newFixture(t)
	resp := f.register(t, testUID, testTenant)
	cfg := config.IdentityConfig{ServerSecret: "unit-test-secret-0123456789", TokenTTL: time.Hour, NonceWindow: time.Minute}

	mgr := NewManager(cfg, f.store, brokenLedger{}, forensic.StaticGate{}, audit.NopLogger{}, nil, time.Second, zap.NewNop(), WithClock(f.clock))
	_, err := mgr.Authenticate(context.Background(), testUID, resp.Token, "nonce-broken")
	assert.Same(t, apperr.ErrAuthentication, err)

	mgr = NewManager(cfg, brokenRepo{}, f.ledger, forensic.StaticGate{}, audit.NopLogger{}, nil, time.Second, zap.NewNop())
	_, err = mgr.Authenticate(context.Background(), testUID, resp.Token, "nonce-broken")
	assert.Same(t, apperr.ErrAuthentication, err)
}

func TestRegister_ServerPublicKey(t *testing.T) {
	cfg := config.IdentityConfig{ServerSecret: "s", TokenTTL: time.Hour, ServerPublicKey: "PUBKEY"}
	mgr := NewManager(cfg, repository.NewMemoryStore(), ledger.NewMemoryLedger(time.Hour), forensic.StaticGate{}, audit.NopLogger{}, nil, time.Second, zap.NewNop())

	resp, err := mgr.Register(context.Background(), RegisterRequest{DeviceUID: testUID, TenantID: testTenant})
	require.NoError(t, err)
	require.NotNil(t, resp.ServerPublicKey)
	assert.Equal(t, "PUBKEY", *resp.ServerPublicKey)
}

func TestRevoke_RunsFollowUpHooks(t *testing.T) {
	f := newFixture(t)
	var released []*models.Device
	cfg := config.IdentityConfig{ServerSecret: "unit-test-secret-0123456789", TokenTTL: time.Hour}
	f.mgr = NewManager(cfg, f.store, f.ledger, gatePtr{f.gate}, audit.NopLogger{}, nil, time.Second, zap.NewNop(),
		WithClock(f.clock),
		WithRevokeHook(func(_ context.Context, d *models.Device) error {
			released = append(released, d)
			return nil
		}),
		// 收尾失败不影响吊销结果
		WithRevokeHook(func(context.Context, *models.Device) error { return errors.New("binding store down") }),
	)
	resp := f.register(t, testUID, testTenant)

	d, err := f.mgr.Revoke(context.Background(), RevokeRequest{DeviceUID: testUID, TenantID: testTenant, Reason: "lost"})
	require.NoError(t, err)
	assert.Equal(t, models.DeviceRevoked, d.Status)
	require.Len(t, released, 1)
	assert.Equal(t, resp.DeviceID, released[0].DeviceID)
	assert.Equal(t, testTenant, released[0].TenantID)

	// 失败的吊销不触发收尾
	_, err = f.mgr.Revoke(context.Background(), RevokeRequest{DeviceUID: testUID, TenantID: testTenant, Reason: "again"})
	assert.True(t, apperr.IsKind(err, apperr.KindConflict))
	assert.Len(t, released, 1)
}

func TestRegister_ConcurrentSameUIDOneWinner(t *testing.T) {
	f := newFixture(t)
	const n = 16

	var (
		wg        sync.WaitGroup
		start     = make(chan struct{})
		errs      = make([]error, n)
		responses = make([]*RegisterResponse, n)
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			responses[i], errs[i] = f.mgr.Register(context.Background(), RegisterRequest{DeviceUID: testUID, TenantID: testTenant})
		}(i)
	}
	close(start)
	wg.Wait()

	var ok, conflicts int
	for i, err := range errs {
		switch {
		case err == nil:
			ok++
			assert.NotEmpty(t, responses[i].Token)
		case apperr.IsKind(err, apperr.KindConflict):
			conflicts++
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, n-1, conflicts)

	rows, err := f.store.ListDevicesByUID(context.Background(), testUID)
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}
