//go:build integration && postgres

package httpapi

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"net/http"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/joho/godotenv"
	_ "github.com/lib/pq"

	app "github.com/R3E-Network/crm_service/internal/app"
	"github.com/R3E-Network/crm_service/internal/app/domain/customer"
	"github.com/R3E-Network/crm_service/internal/app/domain/user"
	"github.com/R3E-Network/crm_service/internal/app/storage/postgres"
	"github.com/R3E-Network/crm_service/internal/logging"
	"github.com/R3E-Network/crm_service/internal/platform/migrations"
)

// Concurrent claims over HTTP against Postgres leave exactly one winner.
func TestIntegrationPostgresClaimRace(t *testing.T) {
	_ = godotenv.Load() // allow .env for local runs
	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TEST_POSTGRES_DSN not set; skipping Postgres integration")
	}

	ctx := context.Background()
	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer db.Close()
	if err := migrations.Apply(ctx, db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	store := postgres.New(db)

	var users []string
	for i := 0; i < 6; i++ {
		id := "race-" + uuid.NewString()
		if _, err := store.UpsertUser(ctx, user.User{ID: id, Name: id, Role: user.RoleEmployee, CapacityLimit: 5, Active: true}); err != nil {
			t.Fatalf("upsert user: %v", err)
		}
		users = append(users, id)
	}
	c, err := store.CreateCustomer(ctx, customer.NewCustomer{
		CustomerNo: "CUS" + uuid.NewString()[:11],
		Holder:     customer.Pool(),
		PoolReason: "race",
		Attributes: customer.Attributes{Name: "race"},
		CreatedBy:  users[0],
		Now:        time.Now(),
	})
	if err != nil {
		t.Fatalf("create customer: %v", err)
	}

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	log := logging.New("test", "error", "json")
	application, err := app.New(app.Stores{Customers: store, Audit: store, Users: store, Idempotency: store}, app.Options{}, log)
	if err != nil {
		t.Fatalf("new application: %v", err)
	}
	s := &testServer{t: t, handler: NewHandler(application, Config{PublicKey: &key.PublicKey}, log), key: key}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners int
	)
	for _, u := range users {
		wg.Add(1)
		go func(u string) {
			defer wg.Done()
			code, env := s.do(http.MethodPost, "/customers/public-pool/claim", u, map[string]any{"customerIds": []string{c.ID}})
			if code != http.StatusOK {
				t.Errorf("claim status = %d", code)
				return
			}
			if decode[batchResponse](t, env.Data).Success == 1 {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}(u)
	}
	wg.Wait()

	if winners != 1 {
		t.Fatalf("winners = %d, want 1", winners)
	}
	logs, err := store.ListAssignmentLog(ctx, c.ID)
	if err != nil {
		t.Fatalf("list log: %v", err)
	}
	if len(logs) != 1 {
		t.Fatalf("assignment log entries = %d, want 1", len(logs))
	}
}
