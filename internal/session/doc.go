// Package session provides the user-facing operations on analysis sessions.
//
// A session is one conversation about one area of interest and one
// analysis type. It belongs to a single user; requests for somebody
// else's session behave as if the session did not exist.
//
// # Service
//
// The Service validates input, persists sessions and messages through
// internal/storage, and hands submitted turns to the analysis worker:
//
//	svc := session.NewService(store, bus, queue, cfg)
//
//	sess, err := svc.Create(ctx, userID, types.SessionCreate{
//		AnalysisType:   types.AnalysisHeatIsland,
//		AreaOfInterest: area,
//	})
//
//	msg, err := svc.SubmitTurn(ctx, userID, sess.ID, "Where is it hottest?", nil)
//
// # Turn Flow
//
// SubmitTurn only records the user message, publishes it on the bus and
// enqueues a worker.Job. It never changes the session status; the worker
// moves the session through processing to completed or failed and
// publishes each step. Callers learn the outcome from the bus or by
// fetching State.
//
// # Settings
//
// Per-user provider settings live next to the sessions. PutSettings merges
// an update into the stored settings: a nil API key leaves the stored key
// alone and an empty model entry drops that override. A user who picks
// the custom provider needs a personal key and an endpoint, either their
// own or the workspace default.
package session
