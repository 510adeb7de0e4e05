// Package dispatch delegates heavy computation to isolated worker execution
// contexts. A Manager owns one Session per logical session id; each Session
// lazily launches its worker, queues traffic until the worker channel is
// ready, and correlates asynchronous responses back to the Handle returned
// by Send.
//
// Worker channels carry length-prefixed JSON frames (see WriteMessage). A
// worker is reachable only through that channel: there is no shared memory.
package dispatch
