// Package tokenstore provides token.Store implementations.
//
// Memory keeps grants in process. Store encodes grants as JSON onto any
// byte-level Backend (Redis, SQL), optionally sealing them with a Sealer so
// that no backend ever sees a plaintext token. RedisNotifier broadcasts
// token lifecycle events to other processes sharing the same store.
package tokenstore
