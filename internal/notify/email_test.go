package notify

import (
	"context"
	"errors"
	"testing"

	"github.com/sendgrid/rest"
	"github.com/sendgrid/sendgrid-go/helpers/mail"
)

type fakeSendGrid struct {
	status int
	err    error
	sent   []*mail.SGMailV3
}

func (f *fakeSendGrid) SendWithContext(ctx context.Context, email *mail.SGMailV3) (*rest.Response, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.sent = append(f.sent, email)
	return &rest.Response{StatusCode: f.status}, nil
}

func TestNewSendGridSender_NilWithoutAPIKey(t *testing.T) {
	sender := NewSendGridSender(SendGridConfig{
		APIKey:    "",
		FromEmail: "test@example.com",
	}, nil)

	if sender != nil {
		t.Error("expected nil sender when API key is empty")
	}
}

func TestNewSendGridSender_DefaultFromName(t *testing.T) {
	sender := NewSendGridSender(SendGridConfig{
		APIKey:    "test-key",
		FromEmail: "test@example.com",
	}, nil)

	if sender == nil {
		t.Fatal("expected non-nil sender")
	}
	if sender.fromName != "Teletherapy" {
		t.Errorf("expected default from name 'Teletherapy', got %q", sender.fromName)
	}
}

func TestSendGridSender_Send_NilClient(t *testing.T) {
	sender := &SendGridSender{client: nil}

	err := sender.Send(context.Background(), Message{To: "ops@example.com", Subject: "Test", Body: "Test body"})
	if err == nil {
		t.Error("expected error when client is nil")
	}
}

func TestSendGridSender_StatusClassification(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		err       error
		wantErr   bool
		permanent bool
	}{
		{"accepted", 202, nil, false, false},
		{"bad request", 400, nil, true, true},
		{"rate limited", 429, nil, true, false},
		{"server error", 503, nil, true, false},
		{"transport", 0, errors.New("dial tcp: timeout"), true, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake := &fakeSendGrid{status: tt.status, err: tt.err}
			sender := newSendGridSender(fake, SendGridConfig{FromEmail: "noreply@example.com"}, nil)
			err := sender.Send(context.Background(), Message{To: "ops@example.com", Subject: "s", Body: "b"})
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if IsPermanent(err) != tt.permanent {
				t.Fatalf("IsPermanent(%v) = %v, want %v", err, IsPermanent(err), tt.permanent)
			}
		})
	}
}
