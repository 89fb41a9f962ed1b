package errorsx

// ReasonCode is a short machine-readable error reason.
type ReasonCode string

const (
	ReasonUnknown ReasonCode = "unknown"

	ReasonDuplicateCall     ReasonCode = "duplicate_call"
	ReasonCallNotFound      ReasonCode = "call_not_found"
	ReasonInvalidTransition ReasonCode = "invalid_transition"

	ReasonLLMGenerate    ReasonCode = "llm_generate"
	ReasonLLMTimeout     ReasonCode = "llm_timeout"
	ReasonLLMRateLimit   ReasonCode = "llm_rate_limit"
	ReasonLLMCircuitOpen ReasonCode = "llm_circuit_open"

	ReasonHospitalLookup ReasonCode = "hospital_lookup"
	ReasonCallRecord     ReasonCode = "call_record"

	ReasonEventPublish ReasonCode = "event_publish"
	ReasonAuditWrite   ReasonCode = "audit_write"

	ReasonSTTConnect ReasonCode = "stt_connect"
	ReasonSTTSend    ReasonCode = "stt_send"

	ReasonSentimentQueueFull ReasonCode = "sentiment_queue_full"

	ReasonTransportInvalidSignature ReasonCode = "webhook_invalid_signature"
	ReasonTransportSend             ReasonCode = "transport_send"
)
