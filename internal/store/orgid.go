package store

import "encoding/hex"

// OrgIDKind tells which addressing scheme an organization id uses.
type OrgIDKind int

const (
	// OrgIDLegacy ids are arbitrary strings stored in the organization's
	// string "id" field.
	OrgIDLegacy OrgIDKind = iota
	// OrgIDStructured ids are 24-character hex strings usable as a native
	// document identifier.
	OrgIDStructured
)

func (k OrgIDKind) String() string {
	if k == OrgIDStructured {
		return "structured"
	}
	return "legacy"
}

// OrgID is an organization identifier tagged with its addressing scheme.
// Build one with ParseOrgID; backends resolve it with Kind.
type OrgID struct {
	raw  string
	kind OrgIDKind
}

// ParseOrgID classifies s. An empty string yields the zero OrgID.
func ParseOrgID(s string) OrgID {
	if len(s) == 24 {
		if _, err := hex.DecodeString(s); err == nil {
			return OrgID{raw: s, kind: OrgIDStructured}
		}
	}
	return OrgID{raw: s, kind: OrgIDLegacy}
}

func (o OrgID) String() string { return o.raw }
func (o OrgID) Kind() OrgIDKind { return o.kind }
func (o OrgID) IsZero() bool { return o.raw == "" }
func (o OrgID) Structured() bool { return o.kind == OrgIDStructured }
