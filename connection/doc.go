// Package connection holds the data model of a managed broker connection.
//
// A [Connection] is the persisted aggregate owned by one coordinator. It is
// never mutated in place: persisted [Event] values are folded into it by the
// pure reducer [Apply]. Everything a coordinator exchanges with its callers,
// its client workers and the pub/sub registry is declared here as well:
//
//   - [Command]: closed set of inbound connectivity commands
//   - [Event]: closed set of persisted lifecycle events
//   - [Signal], [OutboundSignal], [Acknowledgement]: live traffic
//   - [CreateSubscription], [RequestFromSubscription], [CancelSubscription]: search sessions
//   - [Response]: reply delivered to a [Recipient]
//
// # Acknowledgement labels
//
// Sources declare the labels of acknowledgements they will send, targets name
// the label they issue after a successful publish. Labels may contain the
// placeholder {{connection:id}} which resolves against the connection id; see
// [ResolveLabel] and [LabelsToDeclare].
package connection
