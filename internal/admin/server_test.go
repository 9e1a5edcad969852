package admin

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/digkill/TGImageBot/internal/config"
	"github.com/digkill/TGImageBot/internal/database/dbtest"
	"github.com/digkill/TGImageBot/internal/metrics"
	"github.com/digkill/TGImageBot/internal/models"
	"github.com/digkill/TGImageBot/internal/repository"
	"github.com/digkill/TGImageBot/internal/service"
	"github.com/digkill/TGImageBot/pkg/logger"
)

type recordingSender struct {
	mu     sync.Mutex
	chats  []int64
	failOn int64
}

func (r *recordingSender) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	msg := c.(tgbotapi.MessageConfig)
	if msg.ChatID == r.failOn {
		return tgbotapi.Message{}, errors.New("bot was blocked by the user")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.chats = append(r.chats, msg.ChatID)
	return tgbotapi.Message{}, nil
}

type fixture struct {
	srv      *httptest.Server
	accounts *service.AccountService
	sender   *recordingSender
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := dbtest.New(t)
	log := logger.Discard()
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	accountRepo := repository.NewAccountRepository(db)
	couponRepo := repository.NewCouponRepository(db)
	usage := repository.NewUsageRepository(db)
	reservations := repository.NewReservationRepository(db)
	accounts := service.NewAccountService(db, accountRepo, reservations, usage, log, m, service.AccountOptions{StartingCredits: 3})
	coupons := service.NewCouponService(db, couponRepo, accountRepo, log, m, service.CouponOptions{})
	adminSvc := service.NewAdminService(accounts, coupons, accountRepo, usage, couponRepo, reservations, log, service.AdminOptions{DailyCredits: 5})

	sender := &recordingSender{}
	s := NewServer(config.Admin{Username: "root", Password: "secret", CORSOrigins: []string{"*"}}, log, adminSvc, sender, reg)
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return &fixture{srv: srv, accounts: accounts, sender: sender}
}

func (f *fixture) do(t *testing.T, method, path, body string) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequestWithContext(context.Background(), method, f.srv.URL+path, reader)
	require.NoError(t, err)
	req.SetBasicAuth("root", "secret")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

func (f *fixture) seed(t *testing.T, ids ...int64) {
	t.Helper()
	for _, id := range ids {
		_, _, err := f.accounts.GetOrCreate(context.Background(), id, "user")
		require.NoError(t, err)
	}
}

func TestAuthRequired(t *testing.T) {
	f := newFixture(t)

	resp, err := http.Get(f.srv.URL + "/stats")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("WWW-Authenticate"), "Basic")

	resp, err = http.Get(f.srv.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t)
	f.seed(t, 1)
	_, err := f.accounts.ReserveCredit(context.Background(), 1, "a lighthouse", models.DefaultDimensions)
	require.NoError(t, err)

	resp, err := http.Get(f.srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `imagebot_reservations_total{result="ok"} 1`)
}

func TestCouponEndpoints(t *testing.T) {
	f := newFixture(t)

	resp, body := f.do(t, http.MethodPost, "/coupons", `{"code":"launch","credit_value":4,"max_uses":2}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	var coupon models.Coupon
	require.NoError(t, json.Unmarshal(body, &coupon))
	assert.Equal(t, "LAUNCH", coupon.Code)

	resp, _ = f.do(t, http.MethodPost, "/coupons", `{"code":"LAUNCH","credit_value":4,"max_uses":2}`)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, _ = f.do(t, http.MethodPost, "/coupons", `{"code":"zero","credit_value":0,"max_uses":2}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body = f.do(t, http.MethodGet, "/coupons", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var coupons []models.Coupon
	require.NoError(t, json.Unmarshal(body, &coupons))
	assert.Len(t, coupons, 1)

	resp, _ = f.do(t, http.MethodGet, "/coupons/missing/redemptions", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestUserEndpoints(t *testing.T) {
	f := newFixture(t)
	f.seed(t, 10, 11)

	resp, body := f.do(t, http.MethodPost, "/users/10/balance", `{"delta":7}`)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var acct models.Account
	require.NoError(t, json.Unmarshal(body, &acct))
	assert.Equal(t, 10, acct.Balance)

	resp, _ = f.do(t, http.MethodPost, "/users/10/balance", `{"delta":-50}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = f.do(t, http.MethodPost, "/users/11/block", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = f.do(t, http.MethodGet, "/users/12", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = f.do(t, http.MethodGet, "/users/abc", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body = f.do(t, http.MethodGet, "/stats", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var stats models.Stats
	require.NoError(t, json.Unmarshal(body, &stats))
	assert.Equal(t, models.Stats{Accounts: 2, Blocked: 1, TotalCredits: 13}, stats)

	resp, body = f.do(t, http.MethodPost, "/reset", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var report service.ResetReport
	require.NoError(t, json.Unmarshal(body, &report))
	assert.Equal(t, service.ResetReport{Target: 5, Updated: 2}, report)

	resp, body = f.do(t, http.MethodGet, "/users?limit=1", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var accounts []models.Account
	require.NoError(t, json.Unmarshal(body, &accounts))
	assert.Len(t, accounts, 1)
}

func TestBroadcast(t *testing.T) {
	f := newFixture(t)
	f.seed(t, 1, 2, 3)
	f.sender.failOn = 2

	resp, _ := f.do(t, http.MethodPost, "/broadcast", `{"message":"  "}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body := f.do(t, http.MethodPost, "/broadcast", `{"message":"new sizes available"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"sent":2,"total":3}`, string(body))
	assert.ElementsMatch(t, []int64{1, 3}, f.sender.chats)
}
