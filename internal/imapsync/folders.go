package imapsync

import (
	"strings"

	"github.com/znz-systems/mailpipe/internal/models"
)

// StandardFolders is the set SyncAllFolders walks, in order. SNOOZED is local only.
var StandardFolders = []models.Folder{
	models.FolderInbox,
	models.FolderSent,
	models.FolderDrafts,
	models.FolderArchive,
	models.FolderSpam,
	models.FolderTrash,
}

// remoteNames lists the server-side names tried for each folder, preferred first.
var remoteNames = map[models.Folder][]string{
	models.FolderInbox:   {"INBOX"},
	models.FolderSent:    {"Sent", "Sent Items", "Sent Messages", "Sent Mail", "[Gmail]/Sent Mail", "INBOX.Sent"},
	models.FolderDrafts:  {"Drafts", "Draft", "[Gmail]/Drafts", "INBOX.Drafts"},
	models.FolderArchive: {"Archive", "Archives", "[Gmail]/All Mail", "INBOX.Archive"},
	models.FolderSpam:    {"Spam", "Junk", "Junk E-mail", "Junk Email", "[Gmail]/Spam", "INBOX.Spam", "INBOX.Junk"},
	models.FolderTrash:   {"Trash", "Deleted Items", "Deleted Messages", "Bin", "[Gmail]/Trash", "INBOX.Trash"},
}

var folderByRemote = func() map[string]models.Folder {
	m := make(map[string]models.Folder)
	for f, names := range remoteNames {
		for _, n := range names {
			m[strings.ToLower(n)] = f
		}
	}
	return m
}()

// FolderForRemote maps a server folder name to its local folder. Unknown
// names report false and are not synced.
func FolderForRemote(name string) (models.Folder, bool) {
	f, ok := folderByRemote[strings.ToLower(strings.TrimSpace(name))]
	return f, ok
}

// RemoteName is the preferred server name for f.
func RemoteName(f models.Folder) (string, bool) {
	names, ok := remoteNames[f]
	if !ok {
		return "", false
	}
	return names[0], true
}

// candidates returns the names to try when opening f: names the server
// actually listed first, then each known name with its case variants.
func candidates(f models.Folder, listed []string) []string {
	var out []string
	seen := make(map[string]bool)
	add := func(n string) {
		if n != "" && !seen[n] {
			seen[n] = true
			out = append(out, n)
		}
	}
	for _, n := range listed {
		if mapped, ok := FolderForRemote(n); ok && mapped == f {
			add(n)
		}
	}
	for _, n := range remoteNames[f] {
		add(n)
		add(strings.ToUpper(n))
		add(strings.ToLower(n))
		add(titleCase(n))
	}
	return out
}

// isListed reports whether any listed server name maps to f. INBOX always
// exists on an IMAP server even when LIST omits it.
func isListed(f models.Folder, listed []string) bool {
	if f == models.FolderInbox {
		return true
	}
	for _, n := range listed {
		if mapped, ok := FolderForRemote(n); ok && mapped == f {
			return true
		}
	}
	return false
}

func titleCase(s string) string {
	words := strings.Fields(strings.ToLower(s))
	for i, w := range words {
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
}
