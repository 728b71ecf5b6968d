package cmd

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"caflz/api/model"
)

func statuses(steps []stepState) []string {
	out := make([]string, len(steps))
	for i, s := range steps {
		out[i] = s.status
	}
	return out
}

func TestStepStates(t *testing.T) {
	tests := []struct {
		name   string
		action string
		d      *model.Deployment
		want   []string
	}{
		{"not started", "deploy", nil, []string{"pending", "pending", "pending", "pending", "pending"}},
		{"validating", "deploy", &model.Deployment{Status: model.StatusRunning, CurrentStep: "validate"},
			[]string{"completed", "running", "pending", "pending", "pending"}},
		{"planned", "deploy", &model.Deployment{Status: model.StatusPendingApproval, CurrentStep: "planned"},
			[]string{"completed", "completed", "completed", "pending", "pending"}},
		{"plan failed", "plan", &model.Deployment{Status: model.StatusFailed, CurrentStep: "plan"},
			[]string{"completed", "completed", "failed"}},
		{"destroy done", "destroy", &model.Deployment{Status: model.StatusCompleted, CurrentStep: "destroy"},
			[]string{"completed", "completed"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, statuses(stepStates(tt.action, tt.d)))
		})
	}
}

func TestDecodeEvent(t *testing.T) {
	frame := []byte(`{"type":"deploy.step","customerId":"demo01","payload":{"id":4,"customer_id":"demo01","status":"running","progress_percentage":40,"current_step":"plan"}}`)

	msg, ok := decodeEvent(4, "demo01", frame)
	require.True(t, ok)
	u := msg.(deploymentUpdate)
	assert.Equal(t, 40, u.d.Progress)
	assert.Equal(t, model.StatusRunning, u.d.Status)

	_, ok = decodeEvent(5, "demo01", frame)
	assert.False(t, ok)
	_, ok = decodeEvent(4, "other", frame)
	assert.False(t, ok)
	_, ok = decodeEvent(4, "demo01", []byte("not json"))
	assert.False(t, ok)
}
