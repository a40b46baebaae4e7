package transport_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jrsteele09/school-console/backend"
	"github.com/jrsteele09/school-console/credentials"
	"github.com/jrsteele09/school-console/credentials/kvfake"
	apperrors "github.com/jrsteele09/school-console/internal/errors"
	"github.com/jrsteele09/school-console/internal/fakebackend"
	"github.com/jrsteele09/school-console/session"
	"github.com/jrsteele09/school-console/transport"
	"github.com/stretchr/testify/require"
)

const (
	testEmail    = "a@school.test"
	testPassword = "secret123"
)

var students = []map[string]string{{"id": "s1", "name": "Tom"}}

type testFixture struct {
	backend *fakebackend.Backend
	store   *credentials.Store
	manager *session.Manager
	client  *http.Client
	forced  atomic.Int64
}

func newFixture(t *testing.T, opts ...transport.Option) *testFixture {
	t.Helper()
	return newFixtureWithSession(t, nil, opts...)
}

func newFixtureWithSession(t *testing.T, sessionOpts []session.ManagerOption, opts ...transport.Option) *testFixture {
	t.Helper()
	fb := fakebackend.New()
	t.Cleanup(fb.Close)
	fb.AddUser(testEmail, testPassword, "Ada Lovelace", "teacher")
	fb.SetResource("students", students, "")
	fb.SetResource("schools", []string{"north"}, "superuser")

	f := &testFixture{backend: fb}
	cfg := fb.Config(nil)

	var err error
	f.store, err = credentials.NewStore(kvfake.NewFakeKV("local"), kvfake.NewFakeKV("cookie"))
	require.NoError(t, err)
	auth, err := backend.New(cfg)
	require.NoError(t, err)
	sessionOpts = append(sessionOpts, session.WithForcedLogoutHandler(func(error) { f.forced.Add(1) }))
	f.manager, err = session.NewManager(f.store, auth, cfg, sessionOpts...)
	require.NoError(t, err)

	f.client = transport.NewClient(f.manager, opts...)
	return f
}

func (f *testFixture) login(t *testing.T) *credentials.Session {
	t.Helper()
	sess, err := f.manager.Login(context.Background(), session.Credentials{Email: testEmail, Password: testPassword})
	require.NoError(t, err)
	return sess
}

func (f *testFixture) get(path string) (*http.Response, error) {
	req, err := http.NewRequest(http.MethodGet, f.backend.URL()+path, nil)
	if err != nil {
		return nil, err
	}
	return f.client.Do(req)
}

func TestTransportAttachesBearer(t *testing.T) {
	f := newFixture(t)
	sess := f.login(t)

	resp, err := f.get("/students")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var got []map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	require.Equal(t, students, got)
	require.Equal(t, []string{sess.AccessToken}, f.backend.AcceptedTokens())
}

func TestTransportUnauthenticatedPassesThrough(t *testing.T) {
	f := newFixture(t)

	resp, err := f.get("/students")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	require.Equal(t, 0, f.backend.RefreshCalls())
}

func TestTransportRefreshesOnceForConcurrent401s(t *testing.T) {
	f := newFixture(t)
	before := f.login(t)
	f.backend.ExpireAccessTokens()
	release := f.backend.HoldRefresh()

	const requests = 10
	statuses := make([]int, requests)
	var wg sync.WaitGroup
	for i := 0; i < requests; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			resp, err := f.get("/students")
			if err != nil {
				return
			}
			resp.Body.Close()
			statuses[i] = resp.StatusCode
		}(i)
	}

	require.Eventually(t, func() bool { return f.backend.RefreshCalls() == 1 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	release()
	wg.Wait()

	require.Equal(t, 1, f.backend.RefreshCalls())
	for _, status := range statuses {
		require.Equal(t, http.StatusOK, status)
	}

	after, err := f.store.Load()
	require.NoError(t, err)
	require.NotEqual(t, before.AccessToken, after.AccessToken)
	for _, tok := range f.backend.AcceptedTokens() {
		if tok != before.AccessToken {
			require.Equal(t, after.AccessToken, tok, "every replay carries the one refreshed token")
		}
	}
}

func TestTransportSecond401IsFinal(t *testing.T) {
	f := newFixture(t)
	f.login(t)
	f.backend.FailNext("/students", http.StatusUnauthorized, http.StatusUnauthorized)

	_, err := f.get("/students")
	require.ErrorIs(t, err, apperrors.ErrSessionExpired)
	require.Equal(t, 1, f.backend.RefreshCalls())
	require.Equal(t, int64(0), f.forced.Load())
}

// tomorrow makes every token the session holds look expired to the local clock.
func tomorrow() time.Time {
	return time.Now().Add(24 * time.Hour)
}

func TestTransportRefreshesExpiringTokenBeforeSending(t *testing.T) {
	f := newFixtureWithSession(t, []session.ManagerOption{session.WithNowFunc(tomorrow)})
	before := f.login(t)

	resp, err := f.get("/students")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, 1, f.backend.RefreshCalls())

	accepted := f.backend.AcceptedTokens()
	require.Len(t, accepted, 1)
	require.NotEqual(t, before.AccessToken, accepted[0])
}

func TestTransport401AfterUpfrontRefreshIsFinal(t *testing.T) {
	f := newFixtureWithSession(t, []session.ManagerOption{session.WithNowFunc(tomorrow)})
	f.login(t)
	f.backend.FailNext("/students", http.StatusUnauthorized)

	_, err := f.get("/students")
	require.ErrorIs(t, err, apperrors.ErrSessionExpired)
	require.Equal(t, 1, f.backend.RefreshCalls(), "one refresh per request, however it was triggered")
	require.Equal(t, int64(0), f.forced.Load())
}

func TestTransportForbiddenDoesNotRefresh(t *testing.T) {
	f := newFixture(t)
	sess := f.login(t)

	resp, err := f.get("/schools")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
	require.Equal(t, 0, f.backend.RefreshCalls())

	stored, err := f.store.Load()
	require.NoError(t, err)
	require.Equal(t, sess.AccessToken, stored.AccessToken)
}

func TestTransportRefreshFailureExpiresSession(t *testing.T) {
	f := newFixture(t)
	sess := f.login(t)
	f.backend.ExpireAccessTokens()
	f.backend.RevokeRefreshToken(sess.RefreshToken)

	_, err := f.get("/students")
	require.ErrorIs(t, err, apperrors.ErrSessionExpired)
	require.Equal(t, int64(1), f.forced.Load())

	stored, err := f.store.Load()
	require.NoError(t, err)
	require.Nil(t, stored)
}

func TestTransportReplaysBody(t *testing.T) {
	f := newFixture(t)
	f.login(t)
	f.backend.ExpireAccessTokens()

	req, err := http.NewRequest(http.MethodPost, f.backend.URL()+"/students", strings.NewReader(`{"name":"Ann"}`))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := f.client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var got map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	require.Equal(t, "Ann", got["name"])
	require.Equal(t, 1, f.backend.RefreshCalls())
}

// flakyTransport fails the first n round trips with a connection error.
type flakyTransport struct {
	n     atomic.Int64
	calls atomic.Int64
}

func (ft *flakyTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	ft.calls.Add(1)
	if ft.n.Add(-1) >= 0 {
		return nil, errors.New("connection reset by peer")
	}
	return http.DefaultTransport.RoundTrip(req)
}

func TestTransportRetriesIdempotentNetworkFailures(t *testing.T) {
	flaky := &flakyTransport{}
	flaky.n.Store(2)
	f := newFixture(t,
		transport.WithBase(flaky),
		transport.WithRetryPolicy(2, func() backoff.BackOff { return &backoff.ZeroBackOff{} }),
	)
	f.login(t)

	resp, err := f.get("/students")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, int64(3), flaky.calls.Load())
}

func TestTransportNetworkUnavailable(t *testing.T) {
	flaky := &flakyTransport{}
	flaky.n.Store(10)
	f := newFixture(t,
		transport.WithBase(flaky),
		transport.WithRetryPolicy(2, func() backoff.BackOff { return &backoff.ZeroBackOff{} }),
	)
	f.login(t)

	_, err := f.get("/students")
	require.ErrorIs(t, err, apperrors.ErrNetworkUnavailable)
	require.Equal(t, int64(3), flaky.calls.Load())

	req, err := http.NewRequest(http.MethodPost, f.backend.URL()+"/students", strings.NewReader(`{}`))
	require.NoError(t, err)
	_, err = f.client.Do(req)
	require.ErrorIs(t, err, apperrors.ErrNetworkUnavailable)
	require.Equal(t, int64(4), flaky.calls.Load(), "non-idempotent requests are not resent")
}
