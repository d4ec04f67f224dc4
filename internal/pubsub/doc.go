// Package pubsub provides in-memory fan-out of events to subscribers.
//
// A PubSub may be given a snapshot function. Each new subscriber receives the
// snapshot before any live event, so late subscribers learn the current state
// without replaying history.
//
//	ps := pubsub.New[event.Event](logger, snapshotFn)
//	id := ps.Subscribe(pubsub.Func[event.Event](handle))
//	ps.Publish(e)
//	ps.Unsubscribe(id)
//
// A failing or panicking subscriber is logged and skipped; the remaining
// subscribers still receive the event. Delivery is synchronous and
// serialized, so OnEvent must not publish to the same PubSub.
package pubsub
