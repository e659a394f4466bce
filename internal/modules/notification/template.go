package notification

import (
	"regexp"

	"github.com/mx-space/social/internal/models"
)

type template struct {
	Title string
	Body  string
}

var templates = map[models.NotificationType]template{
	models.NotificationNewMessage:     {Title: "{{username}}", Body: "{{preview}}"},
	models.NotificationFollow:         {Title: "New follower", Body: "{{username}} started following you"},
	models.NotificationLike:           {Title: "New like", Body: "{{username}} liked your {{target}}"},
	models.NotificationComment:        {Title: "New comment", Body: "{{username}} commented: {{preview}}"},
	models.NotificationReply:          {Title: "New reply", Body: "{{username}} replied: {{preview}}"},
	models.NotificationMention:        {Title: "You were mentioned", Body: "{{username}} mentioned you in {{target}}"},
	models.NotificationListingInquiry: {Title: "New inquiry", Body: "{{username}} asked about {{listing}}"},
	models.NotificationOfferReceived:  {Title: "New offer", Body: "{{username}} offered {{amount}} for {{listing}}"},
	models.NotificationSystem:         {Title: "{{title}}", Body: "{{body}}"},
}

var tokenPattern = regexp.MustCompile(`{{\s*(\w+)\s*}}`)

// render substitutes {{name}} tokens from vars. Unknown tokens are kept as written.
func render(text string, vars map[string]string) string {
	if text == "" || len(vars) == 0 {
		return text
	}
	return tokenPattern.ReplaceAllStringFunc(text, func(tok string) string {
		name := tokenPattern.FindStringSubmatch(tok)[1]
		if v, ok := vars[name]; ok {
			return v
		}
		return tok
	})
}

// selfSuppressed lists the social reactions that never notify their own author.
var selfSuppressed = map[models.NotificationType]bool{
	models.NotificationFollow:  true,
	models.NotificationLike:    true,
	models.NotificationComment: true,
	models.NotificationReply:   true,
}
