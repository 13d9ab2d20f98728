package connect

// Logging convention in the `connect` package, using glog:
// Info:
//     essential events for abnormal behavior. This level should be silent on normal operation,
//     with the exception of one time (infrequent) initialization data that is useful for monitoring
//     this includes:
//     - connect timeouts, unexpected closes, reconnect scheduling and exhaustion
//     - dropped inbound frames
// Warning:
//     recoverable misconfiguration or data loss
//     this includes:
//     - outbound queue overflow and expired messages
//     - strategy fallbacks
// Error:
//     unrecoverable crash details
//     this includes:
//     - unexpected panics even if handled and suppressed for partial operation
// V(1):
//     lifecycle events with ids that can be used to filter
// V(2):
//     per message traces. these are frequent and should only be enabled for trace debugging

const LogLevelLifecycle = 1
const LogLevelTrace = 2
