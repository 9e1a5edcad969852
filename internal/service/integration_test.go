//go:build integration

package service_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/stretchr/testify/suite"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/digkill/TGImageBot/internal/config"
	"github.com/digkill/TGImageBot/internal/database"
	"github.com/digkill/TGImageBot/internal/models"
	"github.com/digkill/TGImageBot/internal/repository"
	"github.com/digkill/TGImageBot/internal/service"
	"github.com/digkill/TGImageBot/pkg/logger"
)

const (
	itUser     = "ledger"
	itPassword = "ledgerpass"
	itDatabase = "ledger"
)

type container struct {
	driver  string
	request testcontainers.ContainerRequest
	dsn     func(host string, port nat.Port) string
}

func mysqlContainer() container {
	dsn := func(host string, port nat.Port) string {
		return fmt.Sprintf("%s:%s@tcp(%s:%s)/%s", itUser, itPassword, host, port.Port(), itDatabase)
	}
	return container{
		driver: "mysql",
		dsn:    dsn,
		request: testcontainers.ContainerRequest{
			Image:        "mysql:8.4",
			ExposedPorts: []string{"3306/tcp"},
			Env: map[string]string{
				"MYSQL_ROOT_PASSWORD": itPassword,
				"MYSQL_USER":          itUser,
				"MYSQL_PASSWORD":      itPassword,
				"MYSQL_DATABASE":      itDatabase,
			},
			WaitingFor: wait.ForSQL("3306/tcp", "mysql", dsn).WithStartupTimeout(120 * time.Second),
		},
	}
}

func postgresContainer() container {
	dsn := func(host string, port nat.Port) string {
		return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable", itUser, itPassword, host, port.Port(), itDatabase)
	}
	return container{
		driver: "postgres",
		dsn:    dsn,
		request: testcontainers.ContainerRequest{
			Image:        "postgres:17",
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     itUser,
				"POSTGRES_PASSWORD": itPassword,
				"POSTGRES_DB":       itDatabase,
			},
			Tmpfs:      map[string]string{"/var/lib/postgresql/data": "rw,size=256m"},
			WaitingFor: wait.ForSQL("5432/tcp", "pgx", dsn).WithStartupTimeout(60 * time.Second),
		},
	}
}

// LedgerSuite runs the concurrency properties against a real server, where
// row locks rather than a single sqlite connection serialize writers.
type LedgerSuite struct {
	suite.Suite
	backend   container
	container testcontainers.Container
	db        *database.DB
	accounts  *service.AccountService
	coupons   *service.CouponService
}

func TestLedgerMySQL(t *testing.T) {
	suite.Run(t, &LedgerSuite{backend: mysqlContainer()})
}

func TestLedgerPostgres(t *testing.T) {
	suite.Run(t, &LedgerSuite{backend: postgresContainer()})
}

func (s *LedgerSuite) SetupSuite() {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()

	c, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: s.backend.request,
		Started:          true,
	})
	s.Require().NoError(err)
	s.container = c

	host, err := c.Host(ctx)
	s.Require().NoError(err)
	port, err := c.MappedPort(ctx, nat.Port(s.backend.request.ExposedPorts[0]))
	s.Require().NoError(err)

	s.db, err = database.Connect(ctx, config.Database{
		Driver:          s.backend.driver,
		DSN:             s.backend.dsn(host, port),
		MaxOpenConns:    20,
		MaxIdleConns:    10,
		ConnMaxLifetime: time.Minute,
	})
	s.Require().NoError(err)
	s.Require().NoError(database.Migrate(ctx, s.db))
	// a second run must be a no-op
	s.Require().NoError(database.Migrate(ctx, s.db))

	log := logger.Discard()
	accountRepo := repository.NewAccountRepository(s.db)
	s.accounts = service.NewAccountService(s.db, accountRepo, repository.NewReservationRepository(s.db), repository.NewUsageRepository(s.db), log, nil, service.AccountOptions{StartingCredits: 1})
	s.coupons = service.NewCouponService(s.db, repository.NewCouponRepository(s.db), accountRepo, log, nil, service.CouponOptions{})
}

func (s *LedgerSuite) TearDownSuite() {
	if s.db != nil {
		_ = s.db.Close()
	}
	if s.container != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		_ = s.container.Terminate(ctx)
	}
}

func (s *LedgerSuite) balance(userID int64) int {
	acct, err := s.accounts.Get(context.Background(), userID)
	s.Require().NoError(err)
	return acct.Balance
}

func (s *LedgerSuite) TestConcurrentReserveOfLastCredit() {
	ctx := context.Background()
	const userID = 1001
	_, _, err := s.accounts.GetOrCreate(ctx, userID, "race")
	s.Require().NoError(err)

	const workers = 10
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		ok       int
		rejected int
	)
	for range workers {
		wg.Go(func() {
			_, err := s.accounts.ReserveCredit(ctx, userID, "one credit", models.DefaultDimensions)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, service.ErrInsufficientCredits):
				rejected++
			default:
				s.T().Errorf("unexpected error: %v", err)
			}
		})
	}
	wg.Wait()

	s.Equal(1, ok)
	s.Equal(workers-1, rejected)
	s.Equal(0, s.balance(userID))
}

func (s *LedgerSuite) TestConcurrentSingleUseCoupon() {
	ctx := context.Background()
	_, err := s.coupons.Create(ctx, service.CreateCouponInput{Code: "ONCE", CreditValue: 7, MaxUses: 1})
	s.Require().NoError(err)

	const users = 8
	for i := range users {
		_, _, err := s.accounts.GetOrCreate(ctx, int64(2000+i), "coupon")
		s.Require().NoError(err)
	}

	var (
		wg sync.WaitGroup
		mu sync.Mutex
		ok int
	)
	for i := range users {
		wg.Go(func() {
			_, err := s.coupons.Redeem(ctx, "once", int64(2000+i))
			if err == nil {
				mu.Lock()
				ok++
				mu.Unlock()
				return
			}
			if !errors.Is(err, service.ErrCouponExhausted) {
				s.T().Errorf("unexpected error: %v", err)
			}
		})
	}
	wg.Wait()

	s.Equal(1, ok)
	coupon, err := s.coupons.Get(ctx, "ONCE")
	s.Require().NoError(err)
	s.Equal(1, coupon.UsedCount)
}

func (s *LedgerSuite) TestCommitAndRollbackRoundTrip() {
	ctx := context.Background()
	const userID = 3001
	_, _, err := s.accounts.GetOrCreate(ctx, userID, "roundtrip")
	s.Require().NoError(err)
	_, err = s.accounts.AdjustBalance(ctx, userID, 2)
	s.Require().NoError(err)

	committed, err := s.accounts.ReserveCredit(ctx, userID, "kept", models.DefaultDimensions)
	s.Require().NoError(err)
	s.Require().NoError(s.accounts.CommitReservation(ctx, committed.Token))

	released, err := s.accounts.ReserveCredit(ctx, userID, "released", models.DefaultDimensions)
	s.Require().NoError(err)
	s.Require().NoError(s.accounts.RollbackReservation(ctx, released.Token))
	s.Require().NoError(s.accounts.RollbackReservation(ctx, released.Token))

	s.Equal(2, s.balance(userID))

	report, err := s.accounts.ResetAllBalances(ctx, 3)
	s.Require().NoError(err)
	s.Zero(report.Failed)
	s.Equal(3, s.balance(userID))
}
