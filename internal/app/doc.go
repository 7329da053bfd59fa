// Package app composes the bounty platform's services into a running
// application and manages their lifecycle.
//
// The data model keeps two records of every bounty: the escrow contract
// holds the funds and is the source of truth for balances, while the
// relational store holds the question, answer, and user rows the API
// serves. The questions service reconciles the two. Every bounty-mutating
// call follows the same sequence: validate off-chain state, persist a
// durable intent, submit the transaction, wait for confirmation, then
// project the confirmed on-chain balance back into the question row and
// append a ledger entry. Interrupted sequences are finished by the
// recovery poller from the intent record, never by resubmitting the
// transaction.
//
// Layout:
//
//	internal/app/
//	├── application.go   # wiring and lifecycle
//	├── domain/          # question, answer, user, ledger, intent models
//	├── storage/         # store interfaces, memory and postgres backends
//	├── services/        # questions (reconciler), answers, users,
//	│                    # ledger, leaderboard, deadline, notify
//	├── httpapi/         # REST handlers, SSE and websocket streams
//	├── metrics/         # Prometheus collectors
//	└── system/          # service manager (ordered start/stop)
package app
