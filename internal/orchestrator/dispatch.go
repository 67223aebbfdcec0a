package orchestrator

import (
	"context"
	"strings"
)

// Update is one inbound chat message.
type Update struct {
	Requester string `json:"requester"`
	Text      string `json:"text"`
}

// Command names understood by Dispatch.
const (
	CmdCreateSession = "/create_session"
	CmdStart         = "/start"
	CmdCancel        = "/cancel"
	CmdStats         = "/stats"
)

// Dispatch maps a chat message to an operation. Commands may carry a bot
// suffix ("/stats@somebot") and trailing arguments, which are ignored.
func (o *Orchestrator) Dispatch(ctx context.Context, u Update) {
	requester := strings.TrimSpace(u.Requester)
	cmd, ok := parseCommand(u.Text)
	if !ok {
		o.Text(ctx, requester, u.Text)
		return
	}
	switch cmd {
	case CmdCreateSession, CmdStart:
		o.Start(ctx, requester)
	case CmdCancel:
		o.Cancel(ctx, requester)
	case CmdStats:
		o.Stats(ctx, requester)
	default:
		o.reply(ctx, requester, msgUnknownCommand)
	}
}

func parseCommand(text string) (string, bool) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return "", false
	}
	cmd := text
	if i := strings.IndexFunc(cmd, func(r rune) bool { return r == ' ' || r == '\t' || r == '\n' }); i >= 0 {
		cmd = cmd[:i]
	}
	if i := strings.IndexByte(cmd, '@'); i >= 0 {
		cmd = cmd[:i]
	}
	return strings.ToLower(cmd), true
}
