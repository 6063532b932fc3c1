package intent

// Action is the closed set of directives the classifier can produce.
type Action interface {
	ReplyText() string
	isAction()
}

// Ack carries the model's optional acknowledgement text.
type Ack struct {
	Reply string
}

func (a Ack) ReplyText() string { return a.Reply }

// Chat means the message is conversation, not a directive.
type Chat struct{ Ack }

// Unknown is a well-formed directive whose action name is not supported.
// The router treats it like Chat.
type Unknown struct {
	Ack
	Name string
}

type Open struct {
	Ack
	Target string
}

type Shell struct {
	Ack
	Command string
}

type Screenshot struct{ Ack }

type SendFile struct {
	Ack
	Path string
}

type ReadFile struct {
	Ack
	Path string
}

type ReviewFile struct {
	Ack
	Path     string
	Question string
}

type SystemInfo struct{ Ack }

type PlayAudio struct {
	Ack
	Path string
}

// Multi runs device steps in order. Steps only holds Open, Shell,
// Screenshot, SendFile, ReadFile, SystemInfo and PlayAudio.
type Multi struct {
	Ack
	Steps []Action
}

type Remember struct {
	Ack
	Fact string
}

type SocialPost struct {
	Ack
	Platform string
	Text     string
}

// TwitterOp names an X/Twitter operation.
type TwitterOp string

const (
	OpPostX        TwitterOp = "post_x"
	OpReplyX       TwitterOp = "reply_x"
	OpLikeX        TwitterOp = "like_x"
	OpUnlikeX      TwitterOp = "unlike_x"
	OpReadTweet    TwitterOp = "read_tweet"
	OpReadReplies  TwitterOp = "read_replies"
	OpReadMentions TwitterOp = "read_mentions"
	OpEngageTweet  TwitterOp = "engage_tweet"
)

type TwitterAction struct {
	Ack
	Op       TwitterOp
	TweetURL string
	Text     string
	Persona  string
	Lang     string
	AutoLike bool
	Limit    int
}

func (Chat) isAction()          {}
func (Unknown) isAction()       {}
func (Open) isAction()          {}
func (Shell) isAction()         {}
func (Screenshot) isAction()    {}
func (SendFile) isAction()      {}
func (ReadFile) isAction()      {}
func (ReviewFile) isAction()    {}
func (SystemInfo) isAction()    {}
func (PlayAudio) isAction()     {}
func (Multi) isAction()         {}
func (Remember) isAction()      {}
func (SocialPost) isAction()    {}
func (TwitterAction) isAction() {}
