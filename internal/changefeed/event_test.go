package changefeed

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseEvent(t *testing.T) {
	t.Run("update with row image", func(t *testing.T) {
		payload := `{"operation":"update","key":"r01","row":{"id":"r01","company":"Acme","location":"San Francisco",` +
			`"job_title":"Software Engineer","level":"Senior","currency":"USD","base_salary_cents":12000000,` +
			`"years_experience":6.5,"remote":true,"submitted_at":null,"created_at":"2024-03-01T10:00:00.123456+00:00"}}`

		ev, err := ParseEvent([]byte(payload))
		require.NoError(t, err)
		assert.Equal(t, OperationUpdate, ev.Operation)
		assert.Equal(t, "r01", ev.Key)
		require.NotNil(t, ev.Row)
		assert.Equal(t, "Software Engineer", ev.Row.JobTitle)
		require.NotNil(t, ev.Row.BaseSalaryCents)
		assert.Equal(t, int64(12000000), *ev.Row.BaseSalaryCents)
		require.NotNil(t, ev.Row.YearsExperience)
		assert.Equal(t, 6.5, *ev.Row.YearsExperience)
		assert.Nil(t, ev.Row.SubmittedAt)
		assert.Equal(t, 2024, ev.Row.CreatedAt.Year())
	})

	t.Run("delete drops row image", func(t *testing.T) {
		ev, err := ParseEvent([]byte(`{"operation":"delete","key":"r02","row":{"id":"r02"}}`))
		require.NoError(t, err)
		assert.Equal(t, OperationDelete, ev.Operation)
		assert.Equal(t, "r02", ev.Key)
		assert.Nil(t, ev.Row)
	})

	t.Run("key taken from row", func(t *testing.T) {
		ev, err := ParseEvent([]byte(`{"operation":"insert","row":{"id":"r03"}}`))
		require.NoError(t, err)
		assert.Equal(t, "r03", ev.Key)
	})

	tests := []struct {
		name    string
		payload string
	}{
		{name: "not json", payload: `operation=insert`},
		{name: "unknown operation", payload: `{"operation":"truncate","key":"a"}`},
		{name: "missing key", payload: `{"operation":"delete"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseEvent([]byte(tt.payload))
			assert.Error(t, err)
		})
	}
}

func TestValidateChannel(t *testing.T) {
	tests := []struct {
		channel string
		valid   bool
	}{
		{channel: "compensation_changes", valid: true},
		{channel: "_changes2", valid: true},
		{channel: "", valid: false},
		{channel: "2changes", valid: false},
		{channel: "Changes", valid: false},
		{channel: "changes'); DROP TABLE x; --", valid: false},
	}

	for _, tt := range tests {
		t.Run(tt.channel, func(t *testing.T) {
			err := ValidateChannel(tt.channel)
			if tt.valid {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrInvalidChannel)
			}
		})
	}
}
