// Package engagement records recipient engagement: opens, clicks,
// unsubscribes and complaints.
//
// Every signal is appended to the event log, repeats included. Opens and
// clicks also promote the delivery record, but only the first occurrence
// wins: the repository stamps opened_at / clicked_at with a compare-and-set
// so concurrent duplicate pings cannot both claim it.
package engagement
