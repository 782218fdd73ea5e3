package dispatch

import (
	"bytes"
	"fmt"
	"regexp"
	"strings"
	"text/template"

	"github.com/talkincode/wabridge/internal/domain"
)

const (
	userServer  = "s.whatsapp.net"
	groupServer = "g.us"
)

var (
	phonePattern = regexp.MustCompile(`^[0-9]{7,15}$`)
	groupPattern = regexp.MustCompile(`^[0-9]+(-[0-9]+)?$`)
	phoneNoise   = strings.NewReplacer(" ", "", "-", "", "(", "", ")", "", ".", "")
)

// NormalizeRecipient turns a phone number or JID into a canonical JID string.
// Accepted: "+62 812-3456-7890", "6281234567890", "6281234567890@s.whatsapp.net",
// "120363025246125486@g.us".
func NormalizeRecipient(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", fmt.Errorf("%w: empty address", domain.ErrInvalidRecipient)
	}
	if user, server, ok := strings.Cut(s, "@"); ok {
		switch server {
		case userServer:
			if i := strings.IndexByte(user, ':'); i >= 0 {
				user = user[:i]
			}
			if !phonePattern.MatchString(user) {
				return "", fmt.Errorf("%w: %q", domain.ErrInvalidRecipient, raw)
			}
			return user + "@" + userServer, nil
		case groupServer:
			if !groupPattern.MatchString(user) {
				return "", fmt.Errorf("%w: %q", domain.ErrInvalidRecipient, raw)
			}
			return user + "@" + groupServer, nil
		}
		return "", fmt.Errorf("%w: unsupported server in %q", domain.ErrInvalidRecipient, raw)
	}
	digits := strings.TrimPrefix(phoneNoise.Replace(s), "+")
	if !phonePattern.MatchString(digits) {
		return "", fmt.Errorf("%w: %q", domain.ErrInvalidRecipient, raw)
	}
	return digits + "@" + userServer, nil
}

// PhoneOf returns the user part of a JID.
func PhoneOf(jid string) string {
	user, _, _ := strings.Cut(jid, "@")
	return user
}

// templateData is what a template body sees.
type templateData struct {
	Phone string
	Name  string
	Vars  map[string]string
}

// RenderTemplate fills body with the recipient's fields.
func RenderTemplate(body string, r domain.Recipient) (string, error) {
	tpl, err := template.New("message").Option("missingkey=zero").Parse(body)
	if err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrInvalidContent, err)
	}
	vars := r.Vars
	if vars == nil {
		vars = map[string]string{}
	}
	var buf bytes.Buffer
	if err := tpl.Execute(&buf, templateData{Phone: PhoneOf(r.Phone), Name: r.Name, Vars: vars}); err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrInvalidContent, err)
	}
	return buf.String(), nil
}

func validateContent(c domain.Content) error {
	switch c.Kind {
	case domain.KindText, domain.KindTemplate:
		if strings.TrimSpace(c.Body) == "" {
			return fmt.Errorf("%w: message body is empty", domain.ErrInvalidContent)
		}
	case domain.KindMedia:
		if !strings.HasPrefix(c.MediaURL, "http://") && !strings.HasPrefix(c.MediaURL, "https://") {
			return fmt.Errorf("%w: media url must be http(s)", domain.ErrInvalidContent)
		}
	default:
		return fmt.Errorf("%w: unknown message type %q", domain.ErrInvalidContent, c.Kind)
	}
	return nil
}
