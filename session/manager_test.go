package session_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jrsteele09/school-console/backend"
	"github.com/jrsteele09/school-console/credentials"
	"github.com/jrsteele09/school-console/credentials/kvfake"
	"github.com/jrsteele09/school-console/internal/config"
	apperrors "github.com/jrsteele09/school-console/internal/errors"
	"github.com/jrsteele09/school-console/internal/fakebackend"
	"github.com/jrsteele09/school-console/session"
	"github.com/stretchr/testify/require"
)

const (
	testEmail    = "a@school.test"
	testPassword = "secret123"
)

type testFixture struct {
	backend *fakebackend.Backend
	local   *kvfake.FakeKV
	mirror  *kvfake.FakeKV
	store   *credentials.Store
	manager *session.Manager
	forced  atomic.Int64
}

func newFixture(t *testing.T, options ...fakebackend.Option) *testFixture {
	t.Helper()
	fb := fakebackend.New(options...)
	t.Cleanup(fb.Close)
	return newFixtureWithBackend(t, fb, fb.Config(nil))
}

func newFixtureWithBackend(t *testing.T, fb *fakebackend.Backend, cfg config.Config) *testFixture {
	t.Helper()
	f := &testFixture{
		backend: fb,
		local:   kvfake.NewFakeKV("local"),
		mirror:  kvfake.NewFakeKV("cookie"),
	}

	var err error
	f.store, err = credentials.NewStore(f.local, f.mirror)
	require.NoError(t, err)

	client, err := backend.New(cfg)
	require.NoError(t, err)

	f.manager, err = session.NewManager(f.store, client, cfg,
		session.WithForcedLogoutHandler(func(error) { f.forced.Add(1) }),
	)
	require.NoError(t, err)
	return f
}

func (f *testFixture) login(t *testing.T) *credentials.Session {
	t.Helper()
	sess, err := f.manager.Login(context.Background(), session.Credentials{Email: testEmail, Password: testPassword})
	require.NoError(t, err)
	return sess
}

func TestLogin(t *testing.T) {
	f := newFixture(t)
	u := f.backend.AddUser(testEmail, testPassword, "Ada Lovelace", "teacher")

	sess := f.login(t)
	require.Equal(t, credentials.RoleStaff, sess.Role)
	require.Equal(t, u.ID, sess.Profile.ID)
	require.Equal(t, "Ada", sess.Profile.FirstName)
	require.Equal(t, "Lovelace", sess.Profile.LastName)

	loaded, err := f.store.Load()
	require.NoError(t, err)
	require.Equal(t, sess.AccessToken, loaded.AccessToken)
	require.Equal(t, sess.RefreshToken, loaded.RefreshToken)

	present, role, err := f.manager.MirrorPresence()
	require.NoError(t, err)
	require.True(t, present)
	require.Equal(t, credentials.RoleStaff, role)
}

func TestLoginInvalidCredentials(t *testing.T) {
	f := newFixture(t)
	f.backend.AddUser(testEmail, testPassword, "Ada Lovelace", "teacher")

	_, err := f.manager.Login(context.Background(), session.Credentials{Email: testEmail, Password: "wrong"})
	require.ErrorIs(t, err, apperrors.ErrInvalidCredentials)
	require.Equal(t, "Invalid email or password", apperrors.UserMessage(err))
	require.Equal(t, 0, f.local.Len())
	require.Equal(t, 0, f.mirror.Len())
}

func TestLoginValidatesBeforeNetwork(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name  string
		creds session.Credentials
		msg   string
	}{
		{name: "missing email", creds: session.Credentials{Password: "x"}, msg: "email is a required field"},
		{name: "bad email", creds: session.Credentials{Email: "nope", Password: "x"}, msg: "email must be a valid email address"},
		{name: "blank password", creds: session.Credentials{Email: testEmail, Password: "   "}, msg: "password cannot be blank"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.manager.Login(context.Background(), tt.creds)
			require.ErrorIs(t, err, apperrors.ErrInvalidCredentials)
			require.Equal(t, tt.msg, apperrors.UserMessage(err))
		})
	}
	require.Equal(t, 0, f.backend.LoginCalls())
}

func TestLoginRejectsSuperuserOnStandardSurface(t *testing.T) {
	f := newFixture(t)
	f.backend.AddUser(testEmail, testPassword, "Root", "superuser")

	_, err := f.manager.Login(context.Background(), session.Credentials{Email: testEmail, Password: testPassword})
	require.ErrorIs(t, err, apperrors.ErrRoleMismatch)
	require.Equal(t, 0, f.local.Len())
}

func TestLoginNetworkUnavailable(t *testing.T) {
	fb := fakebackend.New()
	cfg := fb.Config(nil)
	fb.Close()
	f := newFixtureWithBackend(t, fb, cfg)

	_, err := f.manager.Login(context.Background(), session.Credentials{Email: testEmail, Password: testPassword})
	require.ErrorIs(t, err, apperrors.ErrNetworkUnavailable)
	require.Equal(t, 0, f.local.Len())
}

func TestLogoutClearsEvenWhenBackendFails(t *testing.T) {
	f := newFixture(t)
	f.backend.AddUser(testEmail, testPassword, "Ada Lovelace", "teacher")
	f.login(t)

	f.backend.FailNext("/auth/logout", http.StatusBadGateway)
	path, err := f.manager.Logout(context.Background())
	require.NoError(t, err)
	require.Equal(t, credentials.LoginPath, path)

	require.Equal(t, 0, f.local.Len())
	present, _, err := f.manager.MirrorPresence()
	require.NoError(t, err)
	require.False(t, present)
}

func TestLogoutUnreachableBackend(t *testing.T) {
	fb := fakebackend.New()
	cfg := fb.Config(nil)
	fb.AddUser(testEmail, testPassword, "Ada Lovelace", "school_admin")
	f := newFixtureWithBackend(t, fb, cfg)
	f.login(t)
	fb.Close()

	_, err := f.manager.Logout(context.Background())
	require.NoError(t, err)
	sess, err := f.manager.Session(context.Background())
	require.NoError(t, err)
	require.Nil(t, sess)
}

func TestLogoutRevokesRefreshToken(t *testing.T) {
	f := newFixture(t)
	f.backend.AddUser(testEmail, testPassword, "Ada Lovelace", "teacher")
	sess := f.login(t)

	_, err := f.manager.Logout(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, f.backend.LogoutCalls())

	require.NoError(t, f.store.Save(sess))
	_, err = f.manager.Refresh(context.Background())
	require.ErrorIs(t, err, apperrors.ErrSessionExpired)
}

func TestRefreshUnrotated(t *testing.T) {
	f := newFixture(t)
	f.backend.AddUser(testEmail, testPassword, "Ada Lovelace", "teacher")
	before := f.login(t)

	after, err := f.manager.Refresh(context.Background())
	require.NoError(t, err)
	require.NotEqual(t, before.AccessToken, after.AccessToken)
	require.Equal(t, before.RefreshToken, after.RefreshToken)
	require.Equal(t, before.Profile, after.Profile)
	require.Equal(t, before.RefreshToken, f.backend.LastRefreshBody().Refresh)

	loaded, err := f.store.Load()
	require.NoError(t, err)
	require.Equal(t, after.AccessToken, loaded.AccessToken)
}

func TestRefreshRotated(t *testing.T) {
	f := newFixture(t, fakebackend.WithRotation())
	f.backend.AddUser(testEmail, testPassword, "Ada Lovelace", "teacher")
	before := f.login(t)

	after, err := f.manager.Refresh(context.Background())
	require.NoError(t, err)
	require.NotEqual(t, before.RefreshToken, after.RefreshToken)

	loaded, err := f.store.Load()
	require.NoError(t, err)
	require.Equal(t, after.RefreshToken, loaded.RefreshToken)
}

func TestRefreshLegacyShape(t *testing.T) {
	f := newFixture(t, fakebackend.WithLegacyRefreshShape())
	f.backend.AddUser(testEmail, testPassword, "Ada Lovelace", "teacher")
	before := f.login(t)

	after, err := f.manager.Refresh(context.Background())
	require.NoError(t, err)
	require.NotEqual(t, before.AccessToken, after.AccessToken)
	require.Equal(t, before.RefreshToken, after.RefreshToken)
}

func TestRefreshFailureForcesLogout(t *testing.T) {
	f := newFixture(t)
	f.backend.AddUser(testEmail, testPassword, "Ada Lovelace", "teacher")
	sess := f.login(t)
	f.backend.RevokeRefreshToken(sess.RefreshToken)

	_, err := f.manager.Refresh(context.Background())
	require.ErrorIs(t, err, apperrors.ErrSessionExpired)
	require.Equal(t, "Your session has expired, please sign in again", apperrors.UserMessage(err))
	require.Equal(t, int64(1), f.forced.Load())
	require.Equal(t, 0, f.local.Len())
	require.Equal(t, 0, f.mirror.Len())
}

func TestRefreshNetworkFailureForcesLogout(t *testing.T) {
	fb := fakebackend.New()
	cfg := fb.Config(nil)
	fb.AddUser(testEmail, testPassword, "Ada Lovelace", "teacher")
	f := newFixtureWithBackend(t, fb, cfg)
	f.login(t)
	fb.Close()

	_, err := f.manager.Refresh(context.Background())
	require.ErrorIs(t, err, apperrors.ErrSessionExpired)
	require.ErrorIs(t, err, apperrors.ErrNetworkUnavailable)
	require.Equal(t, int64(1), f.forced.Load())
	require.Equal(t, 0, f.local.Len())
}

func TestRefreshWithoutSession(t *testing.T) {
	f := newFixture(t)
	_, err := f.manager.Refresh(context.Background())
	require.ErrorIs(t, err, apperrors.ErrSessionExpired)
	require.Equal(t, 0, f.backend.RefreshCalls())
}

func TestRefreshSingleFlight(t *testing.T) {
	f := newFixture(t)
	f.backend.AddUser(testEmail, testPassword, "Ada Lovelace", "teacher")
	before := f.login(t)

	release := f.backend.HoldRefresh()
	const callers = 8
	results := make([]string, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sess, err := f.manager.RefreshStale(context.Background(), before.AccessToken)
			if err == nil {
				results[i] = sess.AccessToken
			}
		}(i)
	}

	require.Eventually(t, func() bool { return f.backend.RefreshCalls() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	release()
	wg.Wait()

	require.Equal(t, 1, f.backend.RefreshCalls())
	for _, access := range results {
		require.NotEmpty(t, access)
		require.Equal(t, results[0], access)
	}
	require.NotEqual(t, before.AccessToken, results[0])
}

func TestRefreshStaleSkipsBackendWhenAlreadyRefreshed(t *testing.T) {
	f := newFixture(t)
	f.backend.AddUser(testEmail, testPassword, "Ada Lovelace", "teacher")
	before := f.login(t)

	first, err := f.manager.RefreshStale(context.Background(), before.AccessToken)
	require.NoError(t, err)
	second, err := f.manager.RefreshStale(context.Background(), before.AccessToken)
	require.NoError(t, err)

	require.Equal(t, 1, f.backend.RefreshCalls())
	require.Equal(t, first.AccessToken, second.AccessToken)
}

func TestRefreshOutlivesCaller(t *testing.T) {
	f := newFixture(t)
	f.backend.AddUser(testEmail, testPassword, "Ada Lovelace", "teacher")
	before := f.login(t)

	release := f.backend.HoldRefresh()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := f.manager.Refresh(ctx)
		done <- err
	}()
	require.Eventually(t, func() bool { return f.backend.RefreshCalls() == 1 }, time.Second, 5*time.Millisecond)
	cancel()
	require.ErrorIs(t, <-done, context.Canceled)

	release()
	require.Eventually(t, func() bool {
		sess, err := f.store.Load()
		return err == nil && sess != nil && sess.AccessToken != before.AccessToken
	}, time.Second, 5*time.Millisecond)
}

func TestLogoutDuringRefreshIsNotResurrected(t *testing.T) {
	f := newFixture(t)
	f.backend.AddUser(testEmail, testPassword, "Ada Lovelace", "teacher")
	f.login(t)

	release := f.backend.HoldRefresh()
	done := make(chan error, 1)
	go func() {
		_, err := f.manager.Refresh(context.Background())
		done <- err
	}()
	require.Eventually(t, func() bool { return f.backend.RefreshCalls() == 1 }, time.Second, 5*time.Millisecond)

	_, err := f.manager.Logout(context.Background())
	require.NoError(t, err)
	release()

	require.ErrorIs(t, <-done, apperrors.ErrSessionExpired)
	sess, err := f.store.Load()
	require.NoError(t, err)
	require.Nil(t, sess, "a refresh that finishes after logout must not restore the session")
	require.Equal(t, 0, f.mirror.Len())
	require.Equal(t, int64(0), f.forced.Load())
}

func TestRefreshReplyUserKeepsSignInRole(t *testing.T) {
	f := newFixture(t, fakebackend.WithRefreshUser())
	f.backend.AddUser(testEmail, testPassword, "Ada Lovelace", "teacher")
	f.login(t)
	f.backend.UpdateUser(testEmail, func(u *fakebackend.User) {
		u.Name = "Ada King"
		u.Role = "school_admin"
	})

	sess, err := f.manager.Refresh(context.Background())
	require.NoError(t, err)
	require.Equal(t, credentials.RoleStaff, sess.Role)
	require.Equal(t, credentials.RoleStaff, sess.Profile.Role)
	require.Equal(t, "Ada King", sess.Profile.Name)

	loaded, err := f.store.Load()
	require.NoError(t, err)
	require.Equal(t, credentials.RoleStaff, loaded.Role)
	require.Equal(t, "Ada King", loaded.Profile.Name)
	require.Equal(t, int64(0), f.forced.Load())
}

func TestRefreshReplyCannotGrantSuperuser(t *testing.T) {
	f := newFixture(t, fakebackend.WithRefreshUser())
	f.backend.AddUser(testEmail, testPassword, "Ada Lovelace", "teacher")
	f.login(t)
	f.backend.UpdateUser(testEmail, func(u *fakebackend.User) { u.Role = "superuser" })

	_, err := f.manager.Refresh(context.Background())
	require.ErrorIs(t, err, apperrors.ErrSessionExpired)
	require.ErrorIs(t, err, apperrors.ErrRoleMismatch)
	require.Equal(t, int64(1), f.forced.Load())
	require.Equal(t, 0, f.local.Len())
	require.Equal(t, 0, f.mirror.Len())
}

func TestRefetchProfile(t *testing.T) {
	f := newFixture(t)
	profile, err := f.manager.RefetchProfile(context.Background())
	require.NoError(t, err)
	require.Nil(t, profile)
	require.Zero(t, f.backend.MeCalls())

	f.backend.AddUser(testEmail, testPassword, "Ada Lovelace", "school_admin")
	f.login(t)
	f.backend.UpdateUser(testEmail, func(u *fakebackend.User) {
		u.Name = "Ada King"
		u.Role = "teacher"
	})

	profile, err = f.manager.RefetchProfile(context.Background())
	require.NoError(t, err)
	require.Equal(t, "Ada King", profile.Name)
	require.Equal(t, "Ada", profile.FirstName)
	require.Equal(t, credentials.RoleAdmin, profile.Role)
	require.Equal(t, 1, f.backend.MeCalls())

	loaded, err := f.store.Load()
	require.NoError(t, err)
	require.Equal(t, "Ada King", loaded.Profile.Name)
	require.Equal(t, credentials.RoleAdmin, loaded.Role)
}

func TestRefetchProfileRefreshesExpiredToken(t *testing.T) {
	f := newFixture(t)
	f.backend.AddUser(testEmail, testPassword, "Ada Lovelace", "teacher")
	before := f.login(t)
	f.backend.ExpireAccessTokens()

	profile, err := f.manager.RefetchProfile(context.Background())
	require.NoError(t, err)
	require.Equal(t, before.Profile.ID, profile.ID)
	require.Equal(t, 1, f.backend.RefreshCalls())
	require.Equal(t, 2, f.backend.MeCalls())

	loaded, err := f.store.Load()
	require.NoError(t, err)
	require.NotEqual(t, before.AccessToken, loaded.AccessToken)
}

func TestRefetchProfileCannotGrantSuperuser(t *testing.T) {
	f := newFixture(t)
	f.backend.AddUser(testEmail, testPassword, "Ada Lovelace", "teacher")
	f.login(t)
	f.backend.UpdateUser(testEmail, func(u *fakebackend.User) { u.Role = "super_admin" })

	profile, err := f.manager.RefetchProfile(context.Background())
	require.Nil(t, profile)
	require.ErrorIs(t, err, apperrors.ErrSessionExpired)
	require.ErrorIs(t, err, apperrors.ErrRoleMismatch)
	require.Equal(t, int64(1), f.forced.Load())
	require.Equal(t, 0, f.local.Len())
}

func TestCorruptSessionCancelsRefreshInFlight(t *testing.T) {
	f := newFixture(t)
	f.backend.AddUser(testEmail, testPassword, "Ada Lovelace", "teacher")
	f.login(t)

	release := f.backend.HoldRefresh()
	done := make(chan error, 1)
	go func() {
		_, err := f.manager.Refresh(context.Background())
		done <- err
	}()
	require.Eventually(t, func() bool { return f.backend.RefreshCalls() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, f.local.Delete(credentials.KeyProfile))
	sess, err := f.manager.Session(context.Background())
	require.ErrorIs(t, err, apperrors.ErrCorruptSession)
	require.Nil(t, sess)
	release()

	require.ErrorIs(t, <-done, apperrors.ErrSessionExpired)
	require.Equal(t, 0, f.local.Len(), "the refresh must not write back the session the load discarded")
	require.Equal(t, 0, f.mirror.Len())
}

func TestCurrentUser(t *testing.T) {
	f := newFixture(t)
	profile, err := f.manager.CurrentUser(context.Background())
	require.NoError(t, err)
	require.Nil(t, profile)

	u := f.backend.AddUser(testEmail, testPassword, "Ada Lovelace", "school_admin")
	f.login(t)

	profile, err = f.manager.CurrentUser(context.Background())
	require.NoError(t, err)
	require.Equal(t, u.ID, profile.ID)
	require.Equal(t, credentials.RoleAdmin, profile.Role)
}

func TestCurrentUserSubjectMismatchClears(t *testing.T) {
	f := newFixture(t)
	f.backend.AddUser(testEmail, testPassword, "Ada Lovelace", "teacher")
	f.backend.AddUser("b@school.test", "other-pass", "Grace Hopper", "teacher")
	sess := f.login(t)

	sess.AccessToken = f.backend.MintAccess("b@school.test")
	require.NoError(t, f.store.Save(sess))

	profile, err := f.manager.CurrentUser(context.Background())
	require.NoError(t, err)
	require.Nil(t, profile)
	require.Equal(t, 0, f.local.Len())
}

func TestRestoreResyncsMirror(t *testing.T) {
	f := newFixture(t)
	f.backend.AddUser(testEmail, testPassword, "Ada Lovelace", "teacher")
	f.login(t)
	require.NoError(t, f.mirror.Delete(credentials.KeyAccessToken))
	require.ErrorIs(t, f.manager.CheckConsistency(), apperrors.ErrStoreDivergence)

	sess, err := f.manager.Restore(context.Background())
	require.NoError(t, err)
	require.NotNil(t, sess)
	require.NoError(t, f.manager.CheckConsistency())
}

// scriptedBackend replies with fixed, non-JWT tokens so the exchange can be checked byte for byte.
func scriptedBackend(t *testing.T, refreshBodies *[]map[string]string) *httptest.Server {
	t.Helper()
	var lock sync.Mutex
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/auth/login", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"tokens":{"access":"A1","refresh":"R1"},"user":{"id":"u1","email":"a@school.test","role":"staff"}}`))
	})
	mux.HandleFunc("POST /api/auth/token/refresh", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		lock.Lock()
		*refreshBodies = append(*refreshBodies, body)
		lock.Unlock()
		_, _ = w.Write([]byte(`{"access":"A2"}`))
	})
	mux.HandleFunc("GET /api/auth/me", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer A2" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = w.Write([]byte(`{"id":"u1","email":"a@school.test","name":"Ada Lovelace","role":"teacher"}`))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestLoginThenRefreshExchange(t *testing.T) {
	var refreshBodies []map[string]string
	srv := scriptedBackend(t, &refreshBodies)

	cfg := config.FromMap(map[string]any{"backend.baseURL": srv.URL + "/api", "backend.maxRetries": 0})
	f := newFixtureWithBackend(t, nil, cfg)

	sess, err := f.manager.Login(context.Background(), session.Credentials{Email: testEmail, Password: testPassword})
	require.NoError(t, err)
	require.Equal(t, "A1", sess.AccessToken)

	loaded, err := f.store.Load()
	require.NoError(t, err)
	require.Equal(t, "A1", loaded.AccessToken)
	require.Equal(t, credentials.RoleStaff, loaded.Role)

	_, err = f.manager.RefreshStale(context.Background(), "A1")
	require.NoError(t, err)
	require.Equal(t, []map[string]string{{"refresh": "R1"}}, refreshBodies)

	loaded, err = f.store.Load()
	require.NoError(t, err)
	require.Equal(t, "A2", loaded.AccessToken)
	require.Equal(t, "R1", loaded.RefreshToken)
	require.Equal(t, "u1", loaded.Profile.ID)
	require.Equal(t, "Ada Lovelace", loaded.Profile.Name, "opaque tokens carry no claims, so the profile comes from the backend")
	require.Equal(t, credentials.RoleStaff, loaded.Role)
}
