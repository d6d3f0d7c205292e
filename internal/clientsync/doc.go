// Package clientsync reconciles what a client shows for one open session.
//
// Three inputs feed the transcript: the optimistic entries a user action
// appends right away, events pushed over the cable, and a fallback poll of
// the full session state that runs only while a reply is pending. Each
// input becomes an Op applied to a Ledger, and a Sync applies them one at
// a time on a single goroutine.
//
// Client-only entries are recognised by id prefix:
//
//	local-    a submitted user message the server has not confirmed
//	loading-  a placeholder for the reply
//	failed-   a failure shown before the server's failure record arrived
//
// When the server's failure message arrives it replaces the failed-
// entry rather than being shown next to it. A reply only clears the
// placeholder of the turn named in its reply_to, and replies to a turn
// that was retried stay hidden.
package clientsync
