// Package secret resolves credentials referenced from configuration.
//
// Configuration values may name a secret instead of holding it:
//
//	client_secret: secretref:env:PARTNER_CLIENT_SECRET
//	encryption_key: secretref:file:token-key
//	authorization: Basic secretref:file:basic-creds
//
// A Resolver expands ${VAR} references strictly and then resolves each
// secretref through its registered Provider. DefaultRegistry builds the env
// and file providers from configuration blocks.
package secret
