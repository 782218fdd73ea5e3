package whatsapp

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/talkincode/wabridge/internal/domain"
	"go.mau.fi/whatsmeow"
	waE2E "go.mau.fi/whatsmeow/proto/waE2E"
	"google.golang.org/protobuf/proto"
)

func TestQRDataURL(t *testing.T) {
	url, err := QRDataURL("2@Yz8X,abc,def")
	if err != nil {
		t.Fatal(err)
	}
	const prefix = "data:image/png;base64,"
	if !strings.HasPrefix(url, prefix) {
		t.Fatalf("unexpected prefix: %.40s", url)
	}
	png, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(url, prefix))
	if err != nil {
		t.Fatal(err)
	}
	if len(png) < 8 || string(png[1:4]) != "PNG" {
		t.Fatalf("not a png")
	}
}

func TestClassifySendError(t *testing.T) {
	tests := []struct {
		err       error
		permanent bool
	}{
		{whatsmeow.ErrUnknownServer, true},
		{fmt.Errorf("send: %w", whatsmeow.ErrRecipientADJID), true},
		{whatsmeow.ErrBroadcastListUnsupported, true},
		{whatsmeow.ErrNotConnected, false},
		{whatsmeow.ErrIQTimedOut, false},
		{context.DeadlineExceeded, false},
		{errors.New("something new"), false},
	}
	for _, tt := range tests {
		if got := domain.IsPermanent(classifySendError(tt.err)); got != tt.permanent {
			t.Fatalf("classify(%v) permanent = %v, want %v", tt.err, got, tt.permanent)
		}
	}
}

func TestMessageText(t *testing.T) {
	tests := []struct {
		msg  *waE2E.Message
		want string
	}{
		{nil, ""},
		{&waE2E.Message{Conversation: proto.String("hi")}, "hi"},
		{&waE2E.Message{ExtendedTextMessage: &waE2E.ExtendedTextMessage{Text: proto.String("quoted")}}, "quoted"},
		{&waE2E.Message{ImageMessage: &waE2E.ImageMessage{Caption: proto.String("pic")}}, "pic"},
		{&waE2E.Message{ImageMessage: &waE2E.ImageMessage{}}, ""},
	}
	for i, tt := range tests {
		if got := messageText(tt.msg); got != tt.want {
			t.Fatalf("case %d: messageText = %q, want %q", i, got, tt.want)
		}
	}
}

func TestMediaFetcher(t *testing.T) {
	qr, err := QRDataURL("media")
	if err != nil {
		t.Fatal(err)
	}
	png, _ := base64.StdEncoding.DecodeString(strings.TrimPrefix(qr, "data:image/png;base64,"))

	mux := http.NewServeMux()
	mux.HandleFunc("/img/logo.png", func(w http.ResponseWriter, r *http.Request) { w.Write(png) })
	mux.HandleFunc("/files/report", func(w http.ResponseWriter, r *http.Request) { w.Write([]byte("%PDF-1.4\n%âãÏÓ\n1 0 obj\n")) })
	mux.HandleFunc("/broken", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusBadGateway) })
	srv := httptest.NewServer(mux)
	defer srv.Close()

	f := NewMediaFetcher(5*time.Second, 1<<20)
	ctx := context.Background()

	m, err := f.Fetch(ctx, srv.URL+"/img/logo.png?sig=1")
	if err != nil {
		t.Fatal(err)
	}
	if m.Type != whatsmeow.MediaImage || m.MimeType != "image/png" || m.FileName != "logo.png" {
		t.Fatalf("image = %s %s %s", m.Type, m.MimeType, m.FileName)
	}

	m, err = f.Fetch(ctx, srv.URL+"/files/report")
	if err != nil {
		t.Fatal(err)
	}
	if m.Type != whatsmeow.MediaDocument || m.FileName != "report.pdf" {
		t.Fatalf("document = %s %s %s", m.Type, m.MimeType, m.FileName)
	}

	if _, err := f.Fetch(ctx, srv.URL+"/missing"); !domain.IsPermanent(err) {
		t.Fatalf("404 err = %v, want permanent", err)
	}
	if _, err := f.Fetch(ctx, srv.URL+"/broken"); err == nil || domain.IsPermanent(err) {
		t.Fatalf("502 err = %v, want transient", err)
	}

	small := NewMediaFetcher(time.Second, 16)
	if _, err := small.Fetch(ctx, srv.URL+"/img/logo.png"); !domain.IsPermanent(err) {
		t.Fatalf("oversized err = %v, want permanent", err)
	}
}

func TestMediaFetcherCapsDownload(t *testing.T) {
	chunk := strings.Repeat("x", 4<<10)
	mux := http.NewServeMux()
	mux.HandleFunc("/declared", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", fmt.Sprint(64<<20))
		w.Write([]byte(chunk))
	})
	mux.HandleFunc("/stream", func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		for i := 0; i < 256; i++ {
			if _, err := w.Write([]byte(chunk)); err != nil {
				return
			}
			flusher.Flush()
		}
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	f := NewMediaFetcher(5*time.Second, 8<<10)
	for _, p := range []string{"/declared", "/stream"} {
		_, err := f.Fetch(context.Background(), srv.URL+p)
		if !domain.IsPermanent(err) || !strings.Contains(err.Error(), "exceeds limit") {
			t.Fatalf("%s err = %v, want permanent size error", p, err)
		}
	}
}
