// Package domain holds the canonical entities the engine reads and writes.
// Types here are deliberately flat: identifiers are strings, relationships
// are expressed by id reference rather than shared mutable graph nodes, and
// provider-specific detail is kept in raw JSON fields instead of leaking into
// the typed header (spec.md section 9, "Dynamic row shapes").
package domain

// TimingPartner is a tenant. The engine reads it but never creates, updates,
// or deletes it — ownership lives outside the engine.
type TimingPartner struct {
	PartnerID string
	Name      string
}

// Credential is one (partner, provider) authentication record. At most one
// active credential may exist per (PartnerID, ProviderID); that invariant is
// enforced by the owning system, not the engine.
type Credential struct {
	PartnerID  string
	ProviderID string
	Principal  string
	Secret     string
	Extras     map[string]string
}
