package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunStatusTerminal(t *testing.T) {
	t.Parallel()

	assert.False(t, RunStatusPending.Terminal())
	assert.True(t, RunStatusSuccess.Terminal())
	assert.True(t, RunStatusFailed.Terminal())
}

func TestEngineDayStart(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 10, 3, 30, 0, 0, time.UTC)

	utc := Engine{}
	assert.Equal(t, time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC), utc.DayStart(now))

	ny := Engine{Timezone: "America/New_York"}
	start := ny.DayStart(now)
	// 03:30 UTC is still the previous calendar day in New York.
	assert.Equal(t, 9, start.Day())
	assert.Equal(t, 0, start.Hour())

	bad := Engine{Timezone: "Mars/Olympus"}
	assert.Equal(t, time.UTC, bad.Location())
}

func TestNextAvgLatency(t *testing.T) {
	t.Parallel()

	assert.Equal(t, int64(400), NextAvgLatency(0, 400))
	assert.Equal(t, int64(300), NextAvgLatency(200, 400))
}

func TestParseSentiment(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want Sentiment
	}{
		{"positive", SentimentPositive},
		{" Negative ", SentimentNegative},
		{"neutral", SentimentNeutral},
		{"mixed", SentimentNeutral},
		{"", SentimentNeutral},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, ParseSentiment(tt.in))
		})
	}
}

func TestParseRelationship(t *testing.T) {
	t.Parallel()

	assert.Equal(t, RelationshipDirect, ParseRelationship("Direct"))
	assert.Equal(t, RelationshipOther, ParseRelationship("frenemy"))
	assert.Equal(t, RelationshipOther, ParseRelationship(""))
}

func TestBatchDone(t *testing.T) {
	t.Parallel()

	assert.False(t, Batch{}.Done())
	assert.False(t, Batch{TotalJobs: 3, CompletedJobs: 1, FailedJobs: 1}.Done())
	assert.True(t, Batch{TotalJobs: 3, CompletedJobs: 2, FailedJobs: 1}.Done())
}

func TestEmptyExtraction(t *testing.T) {
	t.Parallel()

	r := EmptyExtraction("rule")
	assert.NotNil(t, r.Mentions)
	assert.NotNil(t, r.Competitors)
	assert.NotNil(t, r.Citations)
	assert.NotNil(t, r.Insights)
	assert.Equal(t, SentimentNeutral, r.Sentiment)
	assert.Equal(t, "rule", r.Metadata.Method)
	assert.Zero(t, r.Metadata.Confidence)
}

func TestDetectJobKind(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		payload string
		want    JobKind
		wantErr bool
	}{
		{"prompt", `{"workspaceId":"w","promptId":"p","engineKey":"OPENAI","idempotencyKey":"k"}`, JobKindPrompt, false},
		{"cluster", `{"workspaceId":"w","clusterId":"c","engineKeys":["OPENAI"],"idempotencyKey":"k"}`, JobKindClusterScan, false},
		{"neither", `{"workspaceId":"w"}`, JobKindUnknown, true},
		{"garbage", `not json`, JobKindUnknown, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := DetectJobKind([]byte(tt.payload))
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestJobValidate(t *testing.T) {
	t.Parallel()

	ok := PromptJob{WorkspaceID: "w", PromptID: "p", EngineKey: "OPENAI", IdempotencyKey: "k"}
	assert.NoError(t, ok.Validate())

	missing := PromptJob{WorkspaceID: "w", PromptID: "p"}
	assert.Error(t, missing.Validate())

	scan := ClusterScanJob{WorkspaceID: "w", ClusterID: "c", EngineKeys: []string{"OPENAI"}, IdempotencyKey: "k"}
	assert.NoError(t, scan.Validate())

	scan.EngineKeys = nil
	assert.Error(t, scan.Validate())
}
