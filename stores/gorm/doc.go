//go:build !wasm
// +build !wasm

// Package gorm provides GORM-based implementations of the authcore account
// repository and refresh ledger. It supports any database that GORM supports
// (PostgreSQL, MySQL, SQLite, etc.) and is suitable for production
// deployments requiring relational database storage.
//
// # Database Schema
//
// The package auto-migrates the following tables:
//   - accounts: Account records, unique on email
//   - account_providers: Linked provider identities, unique on (provider, provider_id)
//     and on (account_id, provider)
//   - refresh_tokens: Issued refresh tokens when rotation is enabled
//   - revoked_families: Refresh token families revoked after reuse or logout
//
// # Usage
//
//	db, _ := gorm.Open(postgres.Open(dsn), &gorm.Config{TranslateError: true})
//	gormstore.AutoMigrate(db)
//	accounts := gormstore.NewAccountRepository(db)
//	ledger := gormstore.NewRefreshLedger(db)
package gorm
