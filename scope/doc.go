// Package scope provides structured-concurrency containers for the runtime.
// A Scope owns the coroutines and actors it launches, provides a join point
// (WaitAll), and propagates cancellation through its token tree according to
// a policy.
package scope
