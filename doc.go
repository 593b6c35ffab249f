// Package enginebridge connects an isolated, natively multi-threaded
// frame-processing runtime to the scheduler of the host application, without
// the runtime needing to know which scheduler (if any) is in use.
//
// # Architecture
//
// The package is built around four cooperating layers:
//
//   - An [EventLoop] abstraction normalizes host schedulers behind
//     submit/suspend/cancel primitives. The default [NoLoop] executes
//     everything inline; adapters for a cooperative callback loop and for
//     structured-concurrency scopes live under adapters/.
//   - [Future] and [Iterator] are loop-agnostic result types. Work completed
//     on arbitrary native worker threads is marshalled back to the host
//     scheduler via [EventLoop] primitives, so consumers observe identical
//     semantics regardless of the scheduler in use.
//   - [Policy] mediates "what is the current environment" between the native
//     runtime and the application, backed by an interchangeable
//     [EnvironmentStore] strategy ([GlobalStore], [GoroutineLocalStore],
//     [TaskLocalStore]). [ManagedEnvironment] provides the create/use/dispose
//     lifecycle.
//   - [Hospice] reclaims environment-bound native cores in stages, only after
//     provable unreachability, because the native runtime may still service
//     in-flight callbacks against a core after its environment has logically
//     ended.
//
// [BufferFutures] provides the bounded, order-preserving request pipeline
// used to pipeline per-item requests against the native runtime.
//
// # Thread Safety
//
//   - [FromThread] is safe to call concurrently from any number of native
//     worker goroutines.
//   - [Future] callbacks on a single future fire in registration order; no
//     ordering is guaranteed across independent futures.
//   - Suspension only occurs at explicit bridging calls
//     ([EventLoop.AwaitFuture], [EventLoop.NextCycle]); the unification layer
//     never blocks implicitly, and never blocks a native worker.
//
// # Cancellation
//
// Cancellation is cooperative. A cancelled context surfaces as [ErrCancelled]
// at the next suspension point; running native work is never interrupted,
// only halted at its next return into the bridging layer. Adapters translate
// [ErrCancelled] into their host's native cancellation signal via
// [EventLoop.WrapCancelled].
package enginebridge
