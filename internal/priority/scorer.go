// Package priority ranks inbound mail with an additive weight model.
//
// Every rule that applies contributes a named Factor; the score is the sum of
// factor weights. Scoring is pure: it never touches the store or mutates the message.
package priority

import (
	"regexp"
	"strings"
	"time"

	"github.com/znz-systems/mailpipe/internal/models"
)

const (
	WeightStarred         = 100.0
	WeightUnread          = 5.0
	WeightDirectRecipient = 15.0
	WeightPerReply        = 6.0
	MaxCountedReplies     = 5
	WeightFrequentSender  = 5.0
	WeightBulkSender      = -10.0
	WeightRecentContact   = 8.0
	WeightUrgentKeyword   = 25.0
	WeightImportantWord   = 15.0
	WeightQuestion        = 3.0
	WeightThreadReply     = 4.0
	WeightAutomatedSender = -20.0

	FrequentSenderThreshold = 5
	BulkSenderThreshold     = 50
	RecentContactWindow     = 7 * 24 * time.Hour
)

var (
	urgentKeywords    = []string{"urgent", "asap", "emergency", "immediately", "critical", "deadline"}
	importantKeywords = []string{"important", "action required", "priority", "attention", "please review"}
	threadPrefixes    = []string{"re:", "fwd:", "fw:"}

	automatedSender = regexp.MustCompile(
		`^(no-?reply|do-?not-?reply|donotreply|postmaster|mailer-daemon|bounces?|notifications?|newsletters?|news|updates|alerts?|marketing)([+.\-][^@]*)?@` +
			`|@([a-z0-9\-]+\.)*(bulk|mailer|bounces?|email|e|news|newsletters?|mailchimp|sendgrid|mandrillapp)\.`,
	)
)

type Factor struct {
	Name   string  `json:"name"`
	Weight float64 `json:"weight"`
}

type Result struct {
	Score   float64  `json:"score"`
	Factors []Factor `json:"factors"`
}

func (r *Result) add(name string, weight float64) {
	r.Score += weight
	r.Factors = append(r.Factors, Factor{Name: name, Weight: weight})
}

// Viewer is the mailbox owner the message is being ranked for.
type Viewer struct {
	Address string
	Now     time.Time
}

// Score applies every rule in evaluation order and sums the weights of those that match.
func Score(msg *models.EmailMessage, history models.SenderHistory, v Viewer) Result {
	var r Result

	if msg.IsStarred {
		r.add("starred", WeightStarred)
	}
	if !msg.IsRead {
		r.add("unread", WeightUnread)
	}
	if v.Address != "" && containsAddress(msg.To, v.Address) {
		r.add("direct recipient", WeightDirectRecipient)
	}
	if history.ReplyCount > 0 {
		n := history.ReplyCount
		if n > MaxCountedReplies {
			n = MaxCountedReplies
		}
		r.add("replied to sender before", WeightPerReply*float64(n))
	}
	if history.ReceivedCount > FrequentSenderThreshold {
		r.add("frequent sender", WeightFrequentSender)
	}
	if history.ReceivedCount > BulkSenderThreshold {
		r.add("bulk sender volume", WeightBulkSender)
	}
	if history.LastInteraction != nil && !v.Now.IsZero() && v.Now.Sub(*history.LastInteraction) <= RecentContactWindow {
		r.add("recent interaction", WeightRecentContact)
	}

	subject := strings.ToLower(strings.TrimSpace(msg.Subject))
	if containsAny(subject, urgentKeywords) {
		r.add("urgent keyword", WeightUrgentKeyword)
	}
	if containsAny(subject, importantKeywords) {
		r.add("important keyword", WeightImportantWord)
	}
	if strings.Contains(subject, "?") {
		r.add("question in subject", WeightQuestion)
	}
	for _, p := range threadPrefixes {
		if strings.HasPrefix(subject, p) {
			r.add("reply or forward", WeightThreadReply)
			break
		}
	}

	if IsAutomatedSender(msg.From) {
		r.add("automated sender", WeightAutomatedSender)
	}

	return r
}

// IsAutomatedSender matches noreply-style local parts and bulk-mailer domains.
func IsAutomatedSender(address string) bool {
	return automatedSender.MatchString(strings.ToLower(strings.TrimSpace(address)))
}

func containsAddress(list []string, address string) bool {
	address = strings.ToLower(strings.TrimSpace(address))
	for _, a := range list {
		if strings.ToLower(strings.TrimSpace(a)) == address {
			return true
		}
	}
	return false
}

func containsAny(s string, words []string) bool {
	for _, w := range words {
		if strings.Contains(s, w) {
			return true
		}
	}
	return false
}
