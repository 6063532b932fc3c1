package router

// Inbound is one chat message as seen by the router, independent of the
// messaging platform it came from.
type Inbound struct {
	ChatID     string
	SenderID   string
	SenderName string
	Text       string
	Group      bool
	// BotMentioned is set when a group message addresses the bot by
	// @username or replies to one of its messages.
	BotMentioned bool
	// ChainDepth counts synthetic hops that produced this message.
	ChainDepth int
}
