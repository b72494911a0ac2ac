package embedding

// =============================================================================
// TASK TYPE SELECTION
// =============================================================================

// Purpose says what an embedding will be used for. Providers that support
// asymmetric retrieval embed queries and documents differently.
type Purpose string

const (
	PurposeDocument Purpose = "document" // stored chunk (summary, fact)
	PurposeQuery    Purpose = "query"    // grounding query built from facts
)

// SelectTaskType maps a purpose to the GenAI task type.
func SelectTaskType(p Purpose) string {
	switch p {
	case PurposeQuery:
		return "RETRIEVAL_QUERY"
	case PurposeDocument:
		return "RETRIEVAL_DOCUMENT"
	default:
		return "SEMANTIC_SIMILARITY"
	}
}
