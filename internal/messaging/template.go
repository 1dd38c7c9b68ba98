package messaging

import (
	"strings"

	"github.com/example/outreach/internal/models"
)

// MaxNoteLength keeps connection notes under LinkedIn's limit.
const MaxNoteLength = 280

// Vars are the placeholders available to note and follow-up templates.
type Vars struct {
	Name     string
	Company  string
	Title    string
	Keywords string
}

// VarsFor derives template values from a run's lead snapshot.
func VarsFor(run models.SequenceRun) Vars {
	v := Vars{Name: run.LeadName, Company: run.CompanyName, Title: run.LeadHeadline}
	if v.Company == "" && v.Title != "" {
		if idx := strings.Index(strings.ToLower(v.Title), " at "); idx >= 0 {
			v.Company = strings.TrimSpace(v.Title[idx+4:])
		}
	}
	return v
}

// Render fills {{Name}}, {{Company}}, {{Title}} and {{Keywords}}. Name is
// reduced to the first name and Title to the job title part of a headline.
func Render(tpl string, v Vars) string {
	firstName := strings.TrimSpace(v.Name)
	if idx := strings.Index(firstName, " "); idx > 0 {
		firstName = firstName[:idx]
	}

	title := strings.TrimSpace(v.Title)
	if idx := strings.Index(title, "@"); idx > 0 {
		title = strings.TrimSpace(title[:idx])
	} else if idx := strings.Index(title, "|"); idx > 0 {
		title = strings.TrimSpace(title[:idx])
	} else if idx := strings.Index(title, " at "); idx > 0 {
		title = strings.TrimSpace(title[:idx])
	}
	if r := []rune(title); len(r) > 50 {
		title = string(r[:50])
		if idx := strings.LastIndex(title, " "); idx > 20 {
			title = title[:idx]
		}
	}

	r := strings.NewReplacer(
		"{{Name}}", firstName,
		"{{Company}}", strings.TrimSpace(v.Company),
		"{{Title}}", title,
		"{{Keywords}}", v.Keywords,
	)
	return strings.TrimSpace(r.Replace(tpl))
}

// Note renders the invitation note for run. An empty template sends the
// invitation without a note.
func Note(tpl string, run models.SequenceRun) string {
	if strings.TrimSpace(tpl) == "" {
		return ""
	}
	note := Render(tpl, VarsFor(run))
	if r := []rune(note); len(r) > MaxNoteLength {
		note = string(r[:MaxNoteLength])
	}
	return note
}
