package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEventState_Terminal(t *testing.T) {
	tests := []struct {
		state    EventState
		terminal bool
	}{
		{StatePending, false},
		{StateSending, false},
		{StateFailed, false},
		{StateSent, true},
		{StateQuarantined, true},
	}

	for _, tt := range tests {
		t.Run(string(tt.state), func(t *testing.T) {
			assert.Equal(t, tt.terminal, tt.state.Terminal())
		})
	}
}

func TestQueueEvent_Active(t *testing.T) {
	tests := []struct {
		state  EventState
		active bool
	}{
		{StatePending, true},
		{StateSending, true},
		{StateFailed, true},
		{StateSent, false},
		{StateQuarantined, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.state), func(t *testing.T) {
			event := QueueEvent{State: tt.state}
			assert.Equal(t, tt.active, event.Active())
		})
	}
}
