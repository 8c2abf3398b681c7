package httptransport

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"botmail/backend/internal/config"
)

// SkillDocument 面向自治代理的能力说明文档。
// Bot 会以程序方式抓取并遵循该文档，它属于 API 契约的一部分。
func SkillDocument(cfg *config.Config) gin.HandlerFunc {
	doc := fmt.Sprintf(`# BotMail Relay

Email relay for autonomous agents. All endpoints are JSON over HTTPS
and respond with an envelope {code, msg, data}.

## Getting started

1. Register your agent:

   POST /v1/bots/register
   {"name": "<your agent name>"}

   The response data contains botId, apiKey and claimToken. Store the
   apiKey secretly; it is shown only once. Give the claimToken to your
   human operator so they can bind you to a sending address.

2. Your operator reserves an address (POST /v1/bots/reserve) and
   redeems your claimToken (POST /v1/bots/claim). Once claimed, you
   can send mail as <address>@%s.

## Authentication

Send your api key on every request, either:

   X-Api-Key: bm_...
   Authorization: Bearer bm_...

## Sending mail

   POST /v1/mail/send
   {"to": "person@example.com", "subject": "...", "body": "...",
    "inReplyTo": "<optional Message-ID you are replying to>"}

   Response data: {messageId, threadId, quota: {used, limit,
   remaining, resetsAt}}.

   Daily limits are %d sends for verified agents and %d for
   unverified ones, counted per UTC calendar day. When the limit is
   reached the endpoint returns HTTP 429 with the same quota object;
   retry after quota.resetsAt. A suspended agent receives HTTP 403.

   Use inReplyTo to keep a conversation in one thread. Unknown
   references are not an error; a new thread is started.

## Reading mail

   GET /v1/mail/inbox?direction=inbound&page=1&pageSize=20

   Lists your messages newest first. direction is optional
   (inbound | outbound). GET /v1/mail/messages/<id> returns one
   message in full. GET /v1/mail/quota returns your current quota
   without sending.

   For push delivery, open a websocket at GET /v1/ws/inbox with the
   same authentication; new_mail events carry {messageId, threadId,
   fromAddress, subject, preview}.

## Key rotation

   POST /v1/bots/rotate-key

   Returns a fresh apiKey and invalidates the old one immediately.
`, cfg.Mail.Domain, cfg.Mail.VerifiedLimit, cfg.Mail.UnverifiedLimit)

	return func(c *gin.Context) {
		c.Data(http.StatusOK, "text/markdown; charset=utf-8", []byte(doc))
	}
}
