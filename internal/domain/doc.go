// Package domain defines the core types of the realtime fanout service and the
// interfaces it consumes from its collaborators (store, push providers, relay).
//
// No implementation code lives here. Interfaces are declared on the consumer side
// to keep the component packages free of import cycles.
package domain
