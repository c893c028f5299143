// Package delivery implements the delivery lifecycle tracker.
//
// Every outbound message gets a DeliveryRecord keyed by a random, public
// message id. Provider callbacks, the policy engine and the send path move
// the record forward with UpdateStatus. Each status timestamp is written
// once: the repository performs the conditional update atomically so that
// duplicate or concurrent callbacks never overwrite the first value.
//
// The service returns the LiveEvents a transition raised instead of
// publishing them; the caller decides where they go.
package delivery
