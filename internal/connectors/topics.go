package connectors

const (
	TopicConnStatus      = "conn.status"
	TopicMessageReceived = "message.received"
	TopicMessageSent     = "message.sent"
	TopicNodeUpdated     = "node.updated"
	TopicDeviceInfo      = "device.info"
	TopicChannels        = "channels"
	TopicRawFrameIn      = "raw.frame.in"
	TopicRawFrameOut     = "raw.frame.out"
)
