// Package natsmicro provides a lightweight microservice framework on
// top of NATS-style publish/subscribe messaging.
//
// # Architecture
//
// Services are plain request handlers grouped under subjects:
//
//	┌─────────────────────────────────────┐
//	│            Manager                  │  Registration, lifecycle,
//	│   (add, start, stop, health)        │  manager-wide uniqueness
//	└─────────────────────────────────────┘
//	           ↓ owns
//	┌─────────────────────────────────────┐
//	│            Services                 │  Endpoints, groups,
//	│  (dispatch, stats, discovery)       │  PING/INFO/STATS responders
//	└─────────────────────────────────────┘
//	           ↓ communicate via
//	┌─────────────────────────────────────┐
//	│           Transport                 │  NATS client or in-memory
//	│    (subscribe, publish, request)    │  bus with NATS semantics
//	└─────────────────────────────────────┘
//
// Endpoints subscribe with a queue group (defaulting to the service
// name) so multiple instances of one service share load, while the
// discovery responders deliberately skip the queue group so every
// instance answers fleet queries.
//
// # Packages
//
//   - micro: the core service model, dispatcher and discovery responder
//   - micro/client: request helpers and fleet discovery collection
//   - transport: the pub/sub contract the core is written against
//   - transport/inmemory: broker-free transport for tests and examples
//   - natsclient: the production NATS transport
//   - errors: classified error taxonomy shared by all packages
//   - health, metric, config: embedding support for applications
package natsmicro
