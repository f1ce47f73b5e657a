package contracts

import (
	"encoding/json"
	"fmt"
)

// Envelope is the minimal wire shape the dispatch layer needs before it
// commits to rebuilding a full event: identity, type and links.
type Envelope struct {
	Meta  Meta            `json:"meta"`
	Data  json.RawMessage `json:"data"`
	Links []Link          `json:"links"`
}

// ParseEnvelope decodes just enough of a payload to route it.
func ParseEnvelope(body []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if env.Meta.Type == "" {
		return nil, fmt.Errorf("%w: missing meta.type", ErrMalformedPayload)
	}
	return &env, nil
}

// Context returns the target of the envelope's first CONTEXT link, or "".
func (env *Envelope) Context() string {
	for _, link := range env.Links {
		if link.Type == LinkTypeContext {
			return link.Target
		}
	}
	return ""
}

// ExtractIdentity pulls the message identity out of a raw payload without a
// full decode. Returns "" when the payload carries no identity.
func ExtractIdentity(body []byte) string {
	var probe struct {
		Meta struct {
			ID string `json:"id"`
		} `json:"meta"`
	}
	if err := json.Unmarshal(body, &probe); err != nil {
		return ""
	}
	return probe.Meta.ID
}
