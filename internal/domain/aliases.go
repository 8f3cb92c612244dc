package domain

// AliasKind is the identifier space an alias maps into.
type AliasKind string

const (
	AliasSubject  AliasKind = "subject"
	AliasWorkItem AliasKind = "work_item"
)

// AnySource matches aliases that apply to every source system.
const AnySource SourceSystem = "*"

// Alias maps an external identifier, as seen by one source system, to a
// canonical subject or work-item id.
type Alias struct {
	Kind        AliasKind    `json:"kind" yaml:"kind"`
	Source      SourceSystem `json:"source" yaml:"source"`
	ExternalID  string       `json:"external_id" yaml:"external_id"`
	CanonicalID string       `json:"canonical_id" yaml:"canonical_id"`
}
