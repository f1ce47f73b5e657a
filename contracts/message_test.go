package contracts

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEvent(t *testing.T) {
	t.Run("populates identity and defaults", func(t *testing.T) {
		e := NewEvent("ActivityStarted", "1.0.0")

		_, err := uuid.Parse(e.ID())
		assert.NoError(t, err)
		assert.Equal(t, "ActivityStarted", e.Type())
		assert.Equal(t, "1.0.0", e.Meta.Version)
		assert.Greater(t, e.Meta.Time, int64(0))
		assert.Equal(t, DefaultDomain, e.Domain())
		assert.NotNil(t, e.Data)
	})

	t.Run("applies options", func(t *testing.T) {
		e := NewEvent("ActivityFinished", "1.0.0",
			WithFamily("activity"),
			WithTag("nightly"),
			WithDomain("ci"),
		)

		assert.Equal(t, "ci", e.Domain())
		assert.Equal(t, "event.activity.ActivityFinished.nightly.ci", e.RoutingKey())
	})
}

func TestEventRoutingKey(t *testing.T) {
	t.Run("defaults unset segments to wildcard placeholder", func(t *testing.T) {
		e := NewEvent("ArtifactCreated", "2.0.0")
		assert.Equal(t, "event._.ArtifactCreated._._", e.RoutingKey())
	})

	t.Run("tracks domain changes", func(t *testing.T) {
		e := NewEvent("ArtifactCreated", "2.0.0")
		e.SetDomain("build-farm")
		assert.Equal(t, "event._.ArtifactCreated._.build-farm", e.RoutingKey())
	})
}

func TestEventValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Event)
		field  string
	}{
		{"missing id", func(e *Event) { e.Meta.ID = "" }, "meta.id"},
		{"malformed id", func(e *Event) { e.Meta.ID = "not-a-uuid" }, "meta.id"},
		{"missing type", func(e *Event) { e.Meta.Type = "" }, "meta.type"},
		{"missing version", func(e *Event) { e.Meta.Version = "" }, "meta.version"},
		{"missing time", func(e *Event) { e.Meta.Time = 0 }, "meta.time"},
		{"missing data", func(e *Event) { e.Data = nil }, "data"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := NewEvent("TestCaseTriggered", "1.0.0")
			tt.mutate(e)

			err := e.Validate()
			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.field, verr.Field)
		})
	}

	t.Run("valid event passes", func(t *testing.T) {
		assert.NoError(t, NewEvent("TestCaseTriggered", "1.0.0").Validate())
	})
}

func TestEventSerializeRebuild(t *testing.T) {
	e := NewEvent("SourceChangeCreated", "4.0.0")
	e.AddData("gitIdentifier", map[string]any{"commitId": "abc123"})
	e.AddLink(LinkTypeContext, "ctx-target-id")
	e.SetSource(&Source{Name: "builder", DomainID: "ci"})

	body, err := e.Serialize()
	require.NoError(t, err)

	rebuilt := &Event{}
	require.NoError(t, rebuilt.Rebuild(body))
	assert.Equal(t, e.ID(), rebuilt.ID())
	assert.Equal(t, e.Type(), rebuilt.Type())
	assert.Equal(t, "ctx-target-id", rebuilt.Context())
	require.NotNil(t, rebuilt.Meta.Source)
	assert.Equal(t, "ci", rebuilt.Meta.Source.DomainID)
}

func TestEventRebuildErrors(t *testing.T) {
	t.Run("garbage payload", func(t *testing.T) {
		err := (&Event{}).Rebuild([]byte("not json"))
		assert.True(t, errors.Is(err, ErrMalformedPayload))
	})

	t.Run("structurally valid but incomplete", func(t *testing.T) {
		err := (&Event{}).Rebuild([]byte(`{"meta":{"type":"X"}}`))
		var verr *ValidationError
		assert.ErrorAs(t, err, &verr)
	})
}

func TestParseEnvelope(t *testing.T) {
	t.Run("extracts routing fields", func(t *testing.T) {
		e := NewEvent("ActivityCanceled", "3.0.0")
		e.AddLink(LinkTypeContext, "parent-activity")
		body, err := e.Serialize()
		require.NoError(t, err)

		env, err := ParseEnvelope(body)
		require.NoError(t, err)
		assert.Equal(t, "ActivityCanceled", env.Meta.Type)
		assert.Equal(t, e.ID(), env.Meta.ID)
		assert.Equal(t, "parent-activity", env.Context())
	})

	t.Run("rejects payload without type", func(t *testing.T) {
		_, err := ParseEnvelope([]byte(`{"meta":{"id":"x"},"data":{}}`))
		assert.True(t, errors.Is(err, ErrMalformedPayload))
	})
}

func TestExtractIdentity(t *testing.T) {
	e := NewEvent("AnnouncementPublished", "3.0.0")
	body, err := json.Marshal(e)
	require.NoError(t, err)

	assert.Equal(t, e.ID(), ExtractIdentity(body))
	assert.Equal(t, "", ExtractIdentity([]byte("{}")))
	assert.Equal(t, "", ExtractIdentity([]byte("garbage")))
}

func TestSourceClone(t *testing.T) {
	var nilSource *Source
	assert.Nil(t, nilSource.Clone())

	src := &Source{Name: "tool", DomainID: "ci"}
	clone := src.Clone()
	clone.DomainID = "other"
	assert.Equal(t, "ci", src.DomainID)
}
