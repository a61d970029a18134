//go:build !wasm
// +build !wasm

// Package gae provides Google Cloud Datastore implementations of the oneid store interfaces.
// It is designed for deployment on Google Cloud Platform and supports multi-tenancy
// through Datastore namespaces.
//
// # Datastore Kinds
//
// The package uses the following Datastore kinds:
//   - User: user records keyed by user id
//   - UserEmail: email -> user id, enforcing one user per email
//   - Credential: passkeys keyed by credential id
//   - CredentialExternalID: external credential id -> credential id
//   - Challenge: pending ceremony challenges keyed by kind and scope
//
// Uniqueness, version checks, counter updates and challenge takes all run
// inside Datastore transactions.
//
// # Usage
//
//	client, _ := datastore.NewClient(ctx, projectID)
//	users := gae.NewUserStore(client, "")  // default namespace
//	credentials := gae.NewCredentialStore(client, "")
//	challenges := gae.NewChallengeStore(client, "")
package gae
