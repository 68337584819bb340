package consts

// Mailbox names created for every new user, keyed by mailbox type.
var DefaultMailboxes = []struct {
	Name string
	Type string
}{
	{"INBOX", "INBOX"},
	{"Sent", "SENT"},
	{"Drafts", "DRAFTS"},
	{"Trash", "TRASH"},
	{"Spam", "SPAM"},
	{"Archive", "ARCHIVE"},
}

// FlagRead marks a message as read.
const FlagRead = "READ"

// FlagDeleted marks a soft-deleted message sitting in TRASH. Its bytes have
// already been released from the owner's quota.
const FlagDeleted = "DELETED"
