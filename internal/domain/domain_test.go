package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMessageTypesAndDeliveryStatusesAreDistinct(t *testing.T) {
	for _, mt := range []MessageType{MessagePing, MessagePong, MessageHandshake, MessageDirective, MessageTypeStatus, MessageAck, MessageQuery, MessageResult} {
		assert.True(t, mt.Valid(), mt)
	}
	assert.False(t, MessageType("pending").Valid())
	assert.Equal(t, MessageType("STATUS"), MessageTypeStatus)

	msg := RelayMessage{MessageType: MessageTypeStatus, Status: MessagePending}
	assert.Equal(t, "STATUS", string(msg.MessageType))
	assert.Equal(t, "pending", string(msg.Status))
}

func TestPriorityRankOrdersHighFirst(t *testing.T) {
	assert.Less(t, PriorityHigh.Rank(), PriorityNormal.Rank())
	assert.Less(t, PriorityNormal.Rank(), PriorityLow.Rank())
	assert.Equal(t, PriorityNormal.Rank(), Priority("").Rank())
}
