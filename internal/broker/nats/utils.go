package nats

import (
	"strings"
)

var subjectReplacer = strings.NewReplacer(
	" ", "_",
	"\t", "_",
	",", "_",
	":", "_",
	"?", "_",
	"[", "_",
	"]", "_",
	"*", "_",
	">", "_",
)

// NormalizeSubject maps a queue name onto a literal NATS subject. Wildcard
// tokens and whitespace are replaced so a queue name never subscribes to
// more than itself.
func NormalizeSubject(queue string) string {
	subject := subjectReplacer.Replace(queue)
	subject = strings.ReplaceAll(subject, "/", ".")
	subject = strings.Trim(subject, ".")
	for strings.Contains(subject, "..") {
		subject = strings.ReplaceAll(subject, "..", ".")
	}
	return subject
}
