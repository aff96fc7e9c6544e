// Package main hosts the plexrelay entrypoint.
//
// Architecture overview:
//   - HTTP receiver: internal/api.Server accepts Plex webhooks on POST /plex (multipart "payload" part or a bare
//     JSON body), validates them against a JSON schema, translates them into relay events, and enqueues them on a
//     bounded in-memory queue. A full queue answers 503 with Retry-After so Plex retries later.
//   - Coalescing: internal/scheduler owns the coalescing table. Events sharing a key (same show season, same album,
//     same library section) are merged while they keep arriving inside a sliding debounce window; events of
//     non-coalescing types flush on their own immediately.
//   - Fan-out: each flushed group becomes one notification that internal/dispatcher delivers concurrently to every
//     configured endpoint. Delivery is best-effort: one attempt per endpoint, failures are logged and never retried.
//     https:// endpoints are Discord-compatible webhooks; pubsub://topic endpoints publish to Google Cloud Pub/Sub.
//   - Persistence: raw payloads and thumbnails can be archived to memory, a local directory, or GCS; every delivery
//     attempt can be logged to Postgres when a DSN is configured.
//   - Configuration & plumbing: Viper populates config from env/files; zap provides structured logging; Prometheus
//     metrics are exported on /metrics.
//
// Quick checklist:
//   - Configure env vars: PLEXRELAY_ENDPOINT_URLS (comma separated webhook URLs), PLEXRELAY_RELAY_DEBOUNCE_SECONDS,
//     PLEXRELAY_AUTH_ENABLED and PLEXRELAY_AUTH_API_KEY, PLEXRELAY_ARCHIVE_BACKEND, PLEXRELAY_DB_DSN, and
//     PLEXRELAY_PUBSUB_PROJECT_ID when pubsub:// endpoints are used. A .env file in the working directory is loaded.
//   - Run locally: go run . serve --config relay.yaml (or rely solely on env overrides).
//   - Point Plex at http://<host>:<port>/plex (append ?api_key=... when auth is enabled).
//   - Containers: the server listens on PORT when set and drains pending groups on SIGTERM.
package main

import (
	"github.com/JakeFAU/plexrelay/cmd"
)

func main() {
	cmd.Execute()
}
