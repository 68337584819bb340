package consts

// Outbox event types.
const (
	EventMessageForwardRequested   = "MessageForwardRequested"
	EventComposeAutoReplyRequested = "ComposeAutoReplyRequested"
	EventMessageUpdated            = "MessageUpdated"
	EventUserNotification          = "UserNotification"
)

// AggregateMessage is the aggregate type of every message-scoped event.
const AggregateMessage = "Message"

// Notification types sent to the notification collaborator.
const (
	NotificationQuotaWarning = "QUOTA_WARNING"
)
