package bucket

import "github.com/google/uuid"

// Bucket key namespaces. Key lifetime is independent from tenants; cleanup
// happens by TTL on the counter store.
const (
	// GlobalLLMDayKey is the single global daily LLM bucket.
	GlobalLLMDayKey = "llm:day:global"
)

// LLMSecKey returns the per-tenant per-second LLM pacing bucket key.
func LLMSecKey(tenantID uuid.UUID) string {
	return "llm:sec:" + tenantID.String()
}

// LLMDayKey returns the per-tenant daily LLM bucket key.
func LLMDayKey(tenantID uuid.UUID) string {
	return "llm:day:" + tenantID.String()
}

// PostDayKey returns the per-tenant daily publish bucket key.
func PostDayKey(tenantID uuid.UUID) string {
	return "post:day:" + tenantID.String()
}
