//go:build !wasm
// +build !wasm

// Package gae provides Google Cloud Datastore implementations of the authcore
// account repository and refresh ledger. It is designed for deployment on
// Google Cloud Platform and supports multi-tenancy through Datastore
// namespaces.
//
// # Datastore Kinds
//
// The package uses the following Datastore kinds:
//   - Account: Account records with profile data
//   - AccountUnique: Marker entities enforcing unique emails, provider
//     identities and reset digests. Key name is "<kind>:<value>".
//   - RefreshToken: Issued refresh tokens when rotation is enabled
//   - RevokedFamily: Refresh token families revoked after reuse or logout
//
// Datastore has no unique indexes, so every write that claims a unique value
// creates or checks its marker in the same transaction.
//
// # Namespacing
//
// Pass a namespace when creating stores to isolate data between tenants:
//
//	accounts := gae.NewAccountRepository(client, "tenant-123")
//	ledger := gae.NewRefreshLedger(client, "tenant-123")
//
// # Usage
//
//	client, _ := datastore.NewClient(ctx, projectID)
//	accounts := gae.NewAccountRepository(client, "")  // default namespace
package gae
