// Package contracts defines the wire model shared by the dispatch service and
// its queue adapters.
//
// An Envelope carries a typed message body together with the bookkeeping the
// dispatcher needs to retry it: a retry count, the last failure message and the
// queue it was consumed from. Every adapter persists envelopes in the JSON form
// produced by Envelope.Encode.
//
// Adapter failures are reported as *TransportError so callers can tell them
// apart from handler failures.
package contracts
