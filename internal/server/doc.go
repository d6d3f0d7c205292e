// Package server exposes analysis sessions over HTTP.
//
// Every route except /health requires the X-User-ID header (or a user_id
// query parameter for browser streaming clients). Sessions owned by other
// users answer 404.
//
//	GET    /providers
//	GET    /users/me/settings
//	PUT    /users/me/settings
//	GET    /sessions
//	POST   /sessions
//	GET    /sessions/{sessionID}              full state: session and transcript
//	PATCH  /sessions/{sessionID}
//	DELETE /sessions/{sessionID}
//	GET    /sessions/{sessionID}/messages
//	POST   /sessions/{sessionID}/messages     submit a turn, 201 with the user message
//	GET    /sessions/{sessionID}/messages/{messageID}
//	GET    /sessions/{sessionID}/events       Server-Sent Events
//	GET    /cable                             WebSocket with subscribe commands
//
// Live updates are not replayed. Clients load the full state first and
// reconcile whatever arrives afterwards.
package server
