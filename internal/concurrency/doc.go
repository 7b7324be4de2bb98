// File: internal/concurrency/doc.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Concurrency helpers that live next to the I/O reactor: the deferred
// executor used for listener notifications and delayed lifecycle jobs
// (freeze, unfreeze, close, reopen) issued by users, and CPU pinning of
// the loop thread.
package concurrency
