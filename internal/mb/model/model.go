// Package model holds the data types shared across the engine's components
// and the storage facade: event descriptors, topic events, extracted
// values, consumer state, delivery intents, and identity.
package model

import (
	"regexp"

	"github.com/ocx/broker/internal/mb/uniquetime"
)

// IdentifierPattern is the shape required of topic_id and consumer_id.
var IdentifierPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,62}$`)

// ValidIdentifier reports whether s is a conforming topic_id or consumer_id.
func ValidIdentifier(s string) bool {
	return IdentifierPattern.MatchString(s)
}

// ResultType is the coercion target of an Extractor.
type ResultType string

const (
	ResultText   ResultType = "text"
	ResultBigInt ResultType = "bigint"
)

// Extractor is a declarative rule producing a named, typed column from a
// JSON document via a JSON Pointer.
type Extractor struct {
	ResultName     string     `json:"result_name"`
	ResultType     ResultType `json:"result_type"`
	ExtractionType string     `json:"extraction_type"` // always "jsonpointer"
	ExtractionPath string     `json:"extraction_path"`
}

// FromRootProperty builds an Extractor reading the top-level JSON property
// called name into a result of the same name.
func FromRootProperty(name string, rtype ResultType) Extractor {
	return Extractor{
		ResultName:     name,
		ResultType:     rtype,
		ExtractionType: "jsonpointer",
		ExtractionPath: "/" + name,
	}
}

// EventSchema is an optional JSON-Schema document attached to a descriptor.
type EventSchema struct {
	SchemaID   string `json:"schema_id"`
	SchemaType string `json:"schema_type"` // e.g. JSON-Schema 2020-12 URI
	SchemaData string `json:"schema_data"`
}

// DescriptorVersion packs (major,minor,patch) into a 64-bit total order key:
// (major<<32)|(minor<<16)|patch.
type DescriptorVersion uint64

// NewDescriptorVersion packs three 16-bit-ish components. Each must be <= 0xFFFF.
func NewDescriptorVersion(major, minor, patch uint32) DescriptorVersion {
	return DescriptorVersion(uint64(major)<<32 | uint64(minor&0xFFFF)<<16 | uint64(patch&0xFFFF))
}

// FromMajor builds a version with minor and patch set to the wildcard
// 0xFFFF (used for "any minor/patch" version caps).
func FromMajor(major uint32) DescriptorVersion {
	return NewDescriptorVersion(major, 0xFFFF, 0xFFFF)
}

// FromMajorAndMinor sets patch to the wildcard 0xFFFF.
func FromMajorAndMinor(major, minor uint32) DescriptorVersion {
	return NewDescriptorVersion(major, minor, 0xFFFF)
}

func (v DescriptorVersion) Major() uint32 { return uint32(v >> 32) }
func (v DescriptorVersion) Minor() uint32 { return uint32(v>>16) & 0xFFFF }
func (v DescriptorVersion) Patch() uint32 { return uint32(v) & 0xFFFF }

// EventDescriptor is a versioned schema + extractor bundle controlling
// validation and indexing for a topic.
type EventDescriptor struct {
	TopicID     string             `json:"topic_id"`
	Version     DescriptorVersion  `json:"version"`
	VersionMin  *DescriptorVersion `json:"version_min,omitempty"`
	Schema      *EventSchema       `json:"schema,omitempty"`
	Extractors  []Extractor        `json:"extractors,omitempty"`
}

// ExtractedValue is the tagged union Text(string) | BigInt(int64).
type ExtractedValue struct {
	Text    *string
	BigInt  *int64
}

func TextValue(s string) ExtractedValue   { return ExtractedValue{Text: &s} }
func BigIntValue(i int64) ExtractedValue  { return ExtractedValue{BigInt: &i} }

func (v ExtractedValue) IsZero() bool { return v.Text == nil && v.BigInt == nil }

// TopicEvent is a single published document plus its metadata.
type TopicEvent struct {
	EventID            string
	Document           []byte
	Priority           uint8 // 0..100, carried verbatim, no scheduling effect
	ProtectionRef       string
	CorrelationToken    string
	AdditionalColumns   map[string]ExtractedValue
	DescriptorVersion   *DescriptorVersion
	UniqueTime          uniquetime.UniqueTime
}

// EventDeliveryGist is the read-side projection returned by event lookups.
type EventDeliveryGist struct {
	UniqueTime       uniquetime.UniqueTime
	Document         []byte
	ProtectionRef    string
	CorrelationToken string
}

// IntoParts splits the gist into its four fields for callers that want
// positional access instead of field access.
func (g EventDeliveryGist) IntoParts() (uniquetime.UniqueTime, []byte, string, string) {
	return g.UniqueTime, g.Document, g.ProtectionRef, g.CorrelationToken
}

// DeliveryIntentState is the state of a single (consumer, unique_time) delivery.
type DeliveryIntentState int

const (
	IntentNone DeliveryIntentState = iota
	IntentReserved
	IntentDone
)

// DeliveryIntentTemplate is what the prefetch cache holds before reservation.
type DeliveryIntentTemplate struct {
	UniqueTime        uniquetime.UniqueTime
	EventID           string
	DescriptorVersion *uint64
	FailedIntentTS    *int64
}

// ObjectCountType enumerates the three counted quantities.
type ObjectCountType string

const (
	CountEvents                 ObjectCountType = "events"
	CountReservedDeliveryIntents ObjectCountType = "reserved"
	CountDoneDeliveryIntents    ObjectCountType = "done"
)

// ObjectCount is one instance's contribution to a cluster-wide total.
type ObjectCount struct {
	InstanceID  uint16
	ObjectCount uint64
}

// ClientIdentity is Internal or Bearer{claims, local, identity_string}.
type ClientIdentity struct {
	Internal bool
	Claims   map[string]any
	Local    bool
	idString string
}

// NewInternalIdentity returns the ClientIdentity used for trusted
// service-to-service calls (e.g. SPIFFE-authenticated peers).
func NewInternalIdentity() ClientIdentity {
	return ClientIdentity{Internal: true, idString: "internal;;"}
}

// IdentityString returns the sole key used for authorization:
// "bearer;<normalized-iss>;<sub>" or "internal;;".
func (c ClientIdentity) IdentityString() string { return c.idString }

// NewIdentityString builds the identity_string for a ClientIdentity given its
// components (used by identity adapters when constructing a Bearer identity).
func NewIdentityString(issuer, subject string) string {
	return "bearer;" + issuer + ";" + subject
}

// NewBearerIdentity is a constructor helper for Bearer identities.
func NewBearerIdentity(claims map[string]any, local bool, idString string) ClientIdentity {
	return ClientIdentity{Internal: false, Claims: claims, Local: local, idString: idString}
}
