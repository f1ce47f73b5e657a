package contracts

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// DefaultDomain is the placeholder domain used when neither the event nor the
// publisher supplies one. It doubles as the wildcard segment in routing keys.
const DefaultDomain = "_"

// routing keys follow <prefix>.<family>.<type>.<tag>.<domain>
const routingKeyPrefix = "event"

// Message is the payload collaborator required by the messaging layer.
// Implementations must be safe to serialize repeatedly: a message that fails
// broker confirmation is resent with identical content and identity.
type Message interface {
	// ID returns the stable unique identity of the message.
	ID() string

	// Type returns the message type name.
	Type() string

	// RoutingKey returns the routing key derived from the message's own
	// addressing metadata. Used when the publisher has no fixed key.
	RoutingKey() string

	// Domain returns the addressing domain of the message.
	Domain() string

	// SetDomain overrides the addressing domain.
	SetDomain(domain string)

	// SetSource attaches default source metadata prior to sending.
	SetSource(source *Source)

	// Serialize renders the message to its wire form.
	Serialize() ([]byte, error)

	// Validate reports whether the message is well formed enough to send.
	Validate() error
}

// Source identifies the producer of an event.
type Source struct {
	Name     string `json:"name,omitempty" yaml:"name"`
	Host     string `json:"host,omitempty" yaml:"host"`
	URI      string `json:"uri,omitempty" yaml:"uri"`
	DomainID string `json:"domainId,omitempty" yaml:"domain_id"`
}

// Clone returns a copy of the source, or nil for a nil receiver.
func (s *Source) Clone() *Source {
	if s == nil {
		return nil
	}
	c := *s
	return &c
}

// Link connects an event to another event, e.g. the activity that caused it.
type Link struct {
	Type   string `json:"type"`
	Target string `json:"target"`
}

// LinkTypeContext marks the link that scopes an event to an execution context.
const LinkTypeContext = "CONTEXT"

// Meta carries the identity and provenance of an event.
type Meta struct {
	ID      string   `json:"id"`
	Type    string   `json:"type"`
	Version string   `json:"version"`
	Time    int64    `json:"time"`
	Source  *Source  `json:"source,omitempty"`
	Tags    []string `json:"tags,omitempty"`
}

// Event is a structured lifecycle event exchanged between pipeline tools.
type Event struct {
	Meta  Meta           `json:"meta"`
	Data  map[string]any `json:"data"`
	Links []Link         `json:"links"`

	// Addressing attributes are routing metadata only and are not part of
	// the serialized payload.
	family string
	tag    string
	domain string
}

// EventOption configures a new event.
type EventOption func(*Event)

// WithFamily sets the routing family segment.
func WithFamily(family string) EventOption {
	return func(e *Event) {
		e.family = family
	}
}

// WithTag sets the routing tag segment.
func WithTag(tag string) EventOption {
	return func(e *Event) {
		e.tag = tag
	}
}

// WithDomain sets the addressing domain.
func WithDomain(domain string) EventOption {
	return func(e *Event) {
		e.domain = domain
	}
}

// NewEvent creates an event of the given type and version with a generated
// identity and the current timestamp.
func NewEvent(eventType, version string, options ...EventOption) *Event {
	e := &Event{
		Meta: Meta{
			ID:      uuid.NewString(),
			Type:    eventType,
			Version: version,
			Time:    time.Now().UnixMilli(),
		},
		Data:   map[string]any{},
		Links:  []Link{},
		family: DefaultDomain,
		tag:    DefaultDomain,
		domain: DefaultDomain,
	}

	for _, opt := range options {
		opt(e)
	}

	return e
}

// ID returns the event identity.
func (e *Event) ID() string { return e.Meta.ID }

// Type returns the event type name.
func (e *Event) Type() string { return e.Meta.Type }

// Domain returns the addressing domain.
func (e *Event) Domain() string {
	if e.domain == "" {
		return DefaultDomain
	}
	return e.domain
}

// SetDomain overrides the addressing domain.
func (e *Event) SetDomain(domain string) { e.domain = domain }

// SetSource attaches source metadata to the event meta.
func (e *Event) SetSource(source *Source) { e.Meta.Source = source }

// RoutingKey derives the routing key from the event's addressing attributes.
func (e *Event) RoutingKey() string {
	family := e.family
	if family == "" {
		family = DefaultDomain
	}
	tag := e.tag
	if tag == "" {
		tag = DefaultDomain
	}
	return fmt.Sprintf("%s.%s.%s.%s.%s", routingKeyPrefix, family, e.Meta.Type, tag, e.Domain())
}

// AddData sets a single data field.
func (e *Event) AddData(key string, value any) {
	if e.Data == nil {
		e.Data = map[string]any{}
	}
	e.Data[key] = value
}

// AddLink appends a link to another event.
func (e *Event) AddLink(linkType, target string) {
	e.Links = append(e.Links, Link{Type: linkType, Target: target})
}

// Context returns the target of the first CONTEXT link, or "".
func (e *Event) Context() string {
	for _, link := range e.Links {
		if link.Type == LinkTypeContext {
			return link.Target
		}
	}
	return ""
}

// Serialize renders the event as JSON.
func (e *Event) Serialize() ([]byte, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(e)
}

// Rebuild populates the event from its wire form.
func (e *Event) Rebuild(body []byte) error {
	if err := json.Unmarshal(body, e); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if e.domain == "" {
		e.domain = DefaultDomain
	}
	return e.Validate()
}

// Validate performs shape checks on the event. Full schema validation is the
// responsibility of an external contract, not this package.
func (e *Event) Validate() error {
	if e.Meta.ID == "" {
		return &ValidationError{Field: "meta.id", Reason: "missing"}
	}
	if _, err := uuid.Parse(e.Meta.ID); err != nil {
		return &ValidationError{Field: "meta.id", Reason: "not a valid UUID"}
	}
	if e.Meta.Type == "" {
		return &ValidationError{Field: "meta.type", Reason: "missing"}
	}
	if e.Meta.Version == "" {
		return &ValidationError{Field: "meta.version", Reason: "missing"}
	}
	if e.Meta.Time <= 0 {
		return &ValidationError{Field: "meta.time", Reason: "missing or negative"}
	}
	if e.Data == nil {
		return &ValidationError{Field: "data", Reason: "missing"}
	}
	return nil
}
