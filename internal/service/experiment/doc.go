// Package experiment implements the A/B test engine: test creation,
// deterministic pilot sampling, staged delivery, pull-based analytics,
// winner selection, and the winner drip to the remaining audience.
//
// The service layer contains all business logic and depends only on the
// Repository interface and the collaborator interfaces defined in this
// package (AudienceResolver, Transport, Scheduler). It should never import
// from api/ or transport implementations.
//
// Repository implementations live in repository/postgres/ and
// repository/memory/.
//
// Lifecycle guard violations are not errors: guarded operations return a
// tagged result carrying a descriptive status so repeated or out-of-order
// external triggers are safe no-ops.
package experiment
