// Package app composes the customer ownership services into a running
// application.
//
// # Package Structure
//
//	internal/app/
//	├── application.go      # Application struct, wiring and lifecycle
//	├── domain/             # Domain models (pure data structures)
//	│   ├── customer/       # Customers, holders, transitions, audit entries
//	│   ├── user/           # Users, roles, capacity limits
//	│   └── idempotency/    # Idempotency records
//	├── storage/            # Store interfaces and implementations
//	│   ├── interfaces.go   # CustomerStore, AuditLog, UserStore, IdempotencyStore
//	│   ├── memory/         # In-memory implementation for tests and local runs
//	│   ├── postgres/       # PostgreSQL implementation for production
//	│   └── redisstore/     # Redis idempotency store
//	├── services/           # Claim, assignment, pool, intake, audit, statistics
//	├── httpapi/            # HTTP routes and handlers
//	├── auth/               # Capability checks
//	├── system/             # Lifecycle of background services
//	└── metrics/            # Prometheus metrics
//
// # Ownership Rules
//
// Every holder change goes through storage.CustomerStore.TryTransition,
// which checks the expected holder and version, evaluates the optional
// capacity check and appends the audit entries in one unit. Services never
// write a holder directly; they build a customer.Transition and retry on
// version conflicts.
//
// # Dependency Direction
//
//	cmd/appserver/
//	      │
//	      ▼
//	internal/app/ (composition)
//	      │
//	      ├──► internal/app/httpapi/
//	      │
//	      ├──► internal/app/services/
//	      │           │
//	      │           └──► internal/app/storage/
//	      │
//	      └──► internal/platform/migrations/
package app
