package domain

// Signaling event names exchanged with clients.
const (
	EventGetUsers                 = "getUsers"
	EventUsersList                = "usersList"
	EventGetProducers             = "getProducers"
	EventNewProducers             = "newProducers"
	EventGetRouterRtpCapabilities = "getRouterRtpCapabilities"
	EventCreateWebRtcTransport    = "createWebRtcTransport"
	EventConnectTransport         = "connectTransport"
	EventProduce                  = "produce"
	EventProducerClosed           = "producerClosed"
	EventConsume                  = "consume"
	EventConsumerClosed           = "consumerClosed"
	EventExitRoom                 = "exitRoom"
	EventDisconnect               = "disconnect"
	EventCloseRoom                = "closeRoom"
	EventRoomClosed               = "roomClosed"
	EventChatMessage              = "chat-message"
	EventChatHistory              = "chatHistory"
	EventReaction                 = "reaction"
	EventRoomInfo                 = "roomInfo"
	EventUserJoined               = "UserJoined"
	EventUserLeft                 = "userLefted"
	EventError                    = "error"
)
