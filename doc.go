// Package corosio is an asynchronous I/O runtime for goroutine-based tasks,
// modeled on the completion/readiness reactor split used by Boost.Asio-style
// libraries. It provides a scheduler that multiplexes posted work, OS I/O
// readiness, and timer expirations into an ordered dispatch of ready work,
// cancellable awaitables for connect/accept/read/write/timer/signal
// operations, and I/O objects (Socket, Acceptor, Timer, SignalSet) whose
// lifetime is managed independently of any single in-flight operation.
//
// A task in this runtime is just a goroutine. Suspension is expressed by
// blocking on a Future's Await method rather than by a literal coroutine
// transform; the per-operation state machine underneath (see op.go) is the
// part that actually has to get the completion-vs-cancel race right.
package corosio
