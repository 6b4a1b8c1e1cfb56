package priority

import (
	"sort"

	"github.com/znz-systems/mailpipe/internal/models"
)

// ImportantThreshold is the minimum score for the important-and-unread bucket.
// It sits above unread plus direct recipient, so a message needs at least one
// more signal to qualify.
const ImportantThreshold = 25.0

type Scored struct {
	Message *models.EmailMessage
	Result  Result
}

type Buckets struct {
	Starred            []Scored
	ImportantAndUnread []Scored
	EverythingElse     []Scored
}

// Classify sorts scored messages into triage buckets, highest score first.
// Snoozed messages are left out of every bucket.
func Classify(items []Scored) Buckets {
	var b Buckets
	for _, it := range items {
		switch {
		case it.Message.Snoozed() || it.Message.Folder == models.FolderSnoozed:
			continue
		case it.Message.IsStarred:
			b.Starred = append(b.Starred, it)
		case !it.Message.IsRead && it.Result.Score >= ImportantThreshold:
			b.ImportantAndUnread = append(b.ImportantAndUnread, it)
		default:
			b.EverythingElse = append(b.EverythingElse, it)
		}
	}
	byScore(b.Starred)
	byScore(b.ImportantAndUnread)
	byScore(b.EverythingElse)
	return b
}

func byScore(items []Scored) {
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].Result.Score != items[j].Result.Score {
			return items[i].Result.Score > items[j].Result.Score
		}
		return items[i].Message.SentAt.After(items[j].Message.SentAt)
	})
}
