/*
Package event broadcasts per-session analysis updates to live subscribers.

Every analysis session has its own topic, "analysis_session:<id>". The
worker and the session service publish to it whenever a message is
persisted or the session status changes; the server relays each topic to
SSE and WebSocket clients.

# Event Types

	message         a new message row (user, assistant or system)
	session_update  the session's status after a transition

# Delivery

The bus sits on a non-persistent watermill GoChannel. A subscriber only
sees events published while it is subscribed: there is no replay, so
clients that reconnect must reconcile against the REST snapshot. Within
one subscription events arrive in publish order.

# Usage

	bus := event.NewBus()
	defer bus.Close()

	events, err := bus.Subscribe(ctx, sessionID)
	if err != nil {
		return err
	}
	for e := range events {
		switch e.Type {
		case event.MessageCreated:
			// e.Message
		case event.SessionUpdated:
			// e.Session.Status
		}
	}

Cancelling ctx ends the subscription and closes the channel.
*/
package event
