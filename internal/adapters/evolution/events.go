package evolution

import "strings"

// EventMessagesUpsert is the only event that carries new inbound messages.
const EventMessagesUpsert = "messages.upsert"

// Events Evolution API can post to a webhook, in normalized form.
var knownEvents = []string{
	// Instance and connection
	"application.startup",
	"qrcode.updated",
	"connection.update",
	"logout.instance",
	"remove.instance",

	// Messages
	"messages.set",
	"messages.upsert",
	"messages.edited",
	"messages.update",
	"messages.delete",
	"send.message",

	// Contacts and chats
	"contacts.set",
	"contacts.upsert",
	"contacts.update",
	"presence.update",
	"chats.set",
	"chats.upsert",
	"chats.update",
	"chats.delete",

	// Groups
	"groups.upsert",
	"groups.update",
	"group.participants.update",

	// Misc
	"labels.edit",
	"labels.association",
	"call",
	"typebot.start",
	"typebot.change.status",
}

var eventMap map[string]bool

func init() {
	eventMap = make(map[string]bool, len(knownEvents))
	for _, e := range knownEvents {
		eventMap[e] = true
	}
}

// NormalizeEvent maps the spellings the gateway uses ("MESSAGES_UPSERT",
// "messages-upsert", "messages.upsert") to the dotted lower case form.
func NormalizeEvent(event string) string {
	e := strings.ToLower(strings.TrimSpace(event))
	e = strings.ReplaceAll(e, "_", ".")
	return strings.ReplaceAll(e, "-", ".")
}

// IsKnownEvent reports whether event (any spelling) is an Evolution event.
func IsKnownEvent(event string) bool {
	return eventMap[NormalizeEvent(event)]
}
