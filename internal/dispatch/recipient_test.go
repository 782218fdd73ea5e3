package dispatch

import (
	"errors"
	"testing"

	"github.com/talkincode/wabridge/internal/domain"
)

func TestNormalizeRecipient(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   string
		want string
	}{
		{"6281234567890", "6281234567890@s.whatsapp.net"},
		{"+62 812-3456-7890", "6281234567890@s.whatsapp.net"},
		{"(0812) 3456.7890", "081234567890@s.whatsapp.net"},
		{"6281234567890@s.whatsapp.net", "6281234567890@s.whatsapp.net"},
		{"6281234567890:12@s.whatsapp.net", "6281234567890@s.whatsapp.net"},
		{"120363025246125486@g.us", "120363025246125486@g.us"},
		{"6281234567-1612345678@g.us", "6281234567-1612345678@g.us"},
	}
	for _, tt := range tests {
		got, err := NormalizeRecipient(tt.in)
		if err != nil || got != tt.want {
			t.Fatalf("NormalizeRecipient(%q) = %q, %v; want %q", tt.in, got, err, tt.want)
		}
	}

	for _, bad := range []string{"", "   ", "abc", "123", "1234567890123456", "user@example.com", "62812@broadcast", "x@g.us"} {
		if _, err := NormalizeRecipient(bad); !errors.Is(err, domain.ErrInvalidRecipient) {
			t.Fatalf("NormalizeRecipient(%q) err = %v, want ErrInvalidRecipient", bad, err)
		}
	}
}

func TestRenderTemplate(t *testing.T) {
	t.Parallel()
	got, err := RenderTemplate(`Hi {{.Name}} ({{.Phone}}), due {{index .Vars "amount"}}{{index .Vars "missing"}}`, domain.Recipient{
		Phone: "628111@s.whatsapp.net",
		Name:  "Ayu",
		Vars:  map[string]string{"amount": "50k"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if want := "Hi Ayu (628111), due 50k"; got != want {
		t.Fatalf("RenderTemplate = %q, want %q", got, want)
	}

	if _, err := RenderTemplate("{{.Name", domain.Recipient{}); !errors.Is(err, domain.ErrInvalidContent) {
		t.Fatalf("broken template err = %v, want ErrInvalidContent", err)
	}
}

func TestValidateContent(t *testing.T) {
	t.Parallel()
	ok := []domain.Content{
		{Kind: domain.KindText, Body: "hi"},
		{Kind: domain.KindTemplate, Body: "hi {{.Name}}"},
		{Kind: domain.KindMedia, MediaURL: "https://cdn.example.com/a.png"},
	}
	for _, c := range ok {
		if err := validateContent(c); err != nil {
			t.Fatalf("validateContent(%+v) = %v", c, err)
		}
	}
	bad := []domain.Content{
		{Kind: domain.KindText, Body: "  "},
		{Kind: domain.KindMedia, MediaURL: "file:///etc/passwd"},
		{Kind: "sticker", Body: "x"},
	}
	for _, c := range bad {
		if err := validateContent(c); !errors.Is(err, domain.ErrInvalidContent) {
			t.Fatalf("validateContent(%+v) = %v, want ErrInvalidContent", c, err)
		}
	}
}
