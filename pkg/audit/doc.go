// Package audit records authorization denials, super-admin bypasses and
// tenant administration actions.
//
// # Sinks
//
// LogrusLogger writes one structured log line per event. RedisStreamLogger
// appends the JSON-encoded event to a Redis stream (XADD, approximately
// capped) so it can be consumed independently of the service logs.
// MultiLogger fans out to several sinks and reports each failing sink.
//
// # Usage
//
//	sink := audit.NewMultiLogger(
//		audit.NewLogrusLogger(logger),
//		redisSink,
//	)
//	event := audit.NewEvent(ctx, audit.EventTypeAuthzDenied, audit.EventStatusDenied)
//	event.SubjectID = "user_123"
//	event.Reason = "not_a_member"
//	sink.Log(ctx, event)
package audit
