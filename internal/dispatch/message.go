package dispatch

import (
	"regexp"
	"strings"

	"github.com/foxzi/chatblast/internal/models"
)

var varPattern = regexp.MustCompile(`\{\{([^}]+)\}\}`)

// E.164 bounds on the digit count of a phone number
const (
	minPhoneDigits = 8
	maxPhoneDigits = 15
)

// validateLead returns a failure reason when the lead cannot be sent to
func validateLead(c *models.Campaign, lead *models.Lead) string {
	if _, ok := normalizePhone(lead.Phone); !ok {
		return "invalid phone number"
	}
	if !c.HasMedia() && !c.HasText() {
		return "campaign has no message content"
	}
	return ""
}

// normalizePhone strips everything but digits from a phone number
func normalizePhone(phone string) (string, bool) {
	var b strings.Builder
	b.Grow(len(phone))
	for _, r := range phone {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits := b.String()
	return digits, len(digits) >= minPhoneDigits && len(digits) <= maxPhoneDigits
}

// renderTemplate substitutes {{variable}} patterns in template string
func renderTemplate(template string, vars map[string]string) string {
	if template == "" {
		return template
	}

	return varPattern.ReplaceAllStringFunc(template, func(match string) string {
		name := strings.TrimSpace(match[2 : len(match)-2])
		if value, ok := vars[name]; ok {
			return value
		}
		// Unknown variables stay as written
		return match
	})
}
