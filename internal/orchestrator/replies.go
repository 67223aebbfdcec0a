package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"sessiongen.org/internal/account"
	"sessiongen.org/internal/audit"
	"sessiongen.org/internal/issuance"
	"sessiongen.org/internal/obs"
)

const (
	msgStartDenied     = "You are not authorized to use this service."
	msgStatsDenied     = "You are not authorized to view statistics."
	msgRateLimited     = "Too many session requests. Please wait a moment and try again."
	msgNoSession       = "No active session. Send /create_session to begin."
	msgNothingToCancel = "Nothing to cancel."
	msgCancelled       = "Operation cancelled."
	msgSuperseded      = "Your previous session was cancelled. Starting a new one."
	msgShuttingDown    = "The service is shutting down. Please try again later."
	msgInternal        = "Something went wrong. Please start over with /create_session"
	msgExpired         = "Session expired. Please start over with /create_session"
	msgUnknownCommand  = "Unknown command. Use /create_session, /cancel or /stats."
	msgStatsFailed     = "Error retrieving statistics."
	msgInvalidPhone    = "Invalid phone format. Please use international format (e.g., +1234567890)"
	msgSendingCode     = "Sending verification code to %s..."
	msgSendCodeFailed  = "Error sending code: %s"
	msgSignInFailed    = "Login failed: %s"
	msgArtifactMissing = "Session file not found. Please try again."
	msgStorageFailed   = "The session could not be saved. Please try again later."
	msgDeliveryFailed  = "The session file could not be delivered. Please try again with /create_session"
)

const msgPhonePrompt = "Session Generator\n\n" +
	"To create a session file, please send your phone number in international format (e.g., +1234567890):\n\n" +
	"Type /cancel to abort the process."

const msgCodePrompt = "A verification code has been sent to your phone.\n\n" +
	"Please enter the code you received (format: 1 2 3 4 5):\n\n" +
	"Type /cancel to abort the process."

const msgDocumentCaption = "Success! Your session file for %s is attached.\n\n" +
	"Keep this file secure as it provides access to your account!"

// respond sends the reply for a step result. A success is the only place a
// document is sent.
func (o *Orchestrator) respond(ctx context.Context, requester string, res issuance.Result) {
	switch res.Kind {
	case issuance.PhoneRejected:
		o.reply(ctx, requester, msgInvalidPhone)
	case issuance.CodeSent:
		o.reply(ctx, requester, msgCodePrompt)
	case issuance.Succeeded:
		a := res.Artifact
		if err := o.out.ReplyDocument(ctx, requester, a.Data, a.Filename, fmt.Sprintf(msgDocumentCaption, res.Phone)); err != nil {
			o.transportFailed(requester, err)
			_ = audit.LogEvent(ctx, "issuance.delivery_failed", map[string]any{"filename": a.Filename, "error": err.Error()})
			o.reply(ctx, requester, msgDeliveryFailed)
			return
		}
		_ = audit.LogEvent(ctx, "issuance.delivered", map[string]any{"filename": a.Filename})
	case issuance.SendCodeFailed:
		o.reply(ctx, requester, fmt.Sprintf(msgSendCodeFailed, account.Message(res.Err)))
	case issuance.SignInFailed:
		o.reply(ctx, requester, fmt.Sprintf(msgSignInFailed, account.Message(res.Err)))
	case issuance.ArtifactMissing:
		o.reply(ctx, requester, msgArtifactMissing)
	case issuance.StorageFailed:
		o.reply(ctx, requester, msgStorageFailed)
	case issuance.Cancelled:
		o.reply(ctx, requester, msgCancelled)
	case issuance.Expired, issuance.StateLost:
		o.reply(ctx, requester, msgExpired)
	default:
		obs.Warn("unhandled step result", map[string]any{"kind": res.Kind.String()})
		o.reply(ctx, requester, msgInternal)
	}
}

func formatStats(artifacts, total int, outcomes map[audit.Outcome]int, live int, now time.Time) string {
	var b strings.Builder
	b.WriteString("Bot Statistics\n\n")
	fmt.Fprintf(&b, "- Issued artifacts: %d\n", artifacts)
	fmt.Fprintf(&b, "- Total requests logged: %d\n", total)
	for _, oc := range []audit.Outcome{audit.Success, audit.Failed, audit.Cancelled} {
		fmt.Fprintf(&b, "  - %s: %d\n", oc, outcomes[oc])
	}
	fmt.Fprintf(&b, "- Live sessions: %d\n\n", live)
	fmt.Fprintf(&b, "Last updated: %s", now.Format("2006-01-02 15:04:05"))
	return b.String()
}
