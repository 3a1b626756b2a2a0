// Package correlator matches asynchronous MQTT operations with their
// completions.
//
// Every connect, publish, subscribe, unsubscribe, disconnect and ping gets
// a Handle when it is issued. The network engine reports completions on
// its own goroutines by handle; the correlator resolves the handle,
// releases anyone blocked in Token.Wait and invokes the operation's
// Listener. A completion for a handle that is no longer outstanding is
// logged and ignored.
//
// Publishes complete in two steps. Accept records that the engine took
// the message (the listener's success callback fires here) and keeps the
// handle outstanding; Deliver ends it once the broker acknowledged it or
// the attempt failed.
//
//	c := correlator.New()
//	tok, err := c.Issue(correlator.Operation{Kind: correlator.KindSubscribe, Connection: id})
//	...
//	engine.Subscribe(filters, func(err error) { c.Complete(tok.Handle(), err) })
//	if err := tok.WaitTimeout(5 * time.Second); errors.Is(err, correlator.ErrTimeout) {
//	    // still outstanding; a later completion is handled normally
//	}
package correlator
