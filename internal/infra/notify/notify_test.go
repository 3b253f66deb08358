package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/wneessen/go-mail"
	"go.uber.org/multierr"
)

type recordingSink struct {
	got []Notification
	err error
}

func (r *recordingSink) Notify(ctx context.Context, n Notification) error {
	r.got = append(r.got, n)
	return r.err
}

func sample() Notification {
	return Notification{
		Severity:           SeverityWarning,
		PipelineName:       "ETLPipeline",
		RunID:              "run-1",
		Rationale:          "data_quality requires manual intervention",
		RecommendedActions: []string{"Review source data quality", "Check data schema changes"},
		Time:               time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC),
	}
}

func TestMultiSink_DeliversToAllAndAggregatesErrors(t *testing.T) {
	ok := &recordingSink{}
	bad1 := &recordingSink{err: errors.New("teams down")}
	bad2 := &recordingSink{err: errors.New("smtp down")}

	err := NewMultiSink(bad1, ok, bad2).Notify(context.Background(), sample())
	if len(multierr.Errors(err)) != 2 {
		t.Fatalf("expected 2 aggregated errors, got %v", err)
	}
	if len(ok.got) != 1 || len(bad1.got) != 1 || len(bad2.got) != 1 {
		t.Error("every sink should receive the notification despite failures")
	}
}

func TestConsoleSink(t *testing.T) {
	if err := NewConsoleSink().Notify(context.Background(), sample()); err != nil {
		t.Fatalf("console sink should not fail: %v", err)
	}
}

func TestTeamsSink_PostsMessageCard(t *testing.T) {
	var card messageCard
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&card); err != nil {
			t.Errorf("decode card: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	if err := NewTeamsSink(server.URL).Notify(context.Background(), sample()); err != nil {
		t.Fatalf("Notify failed: %v", err)
	}
	if card.Type != "MessageCard" || card.ThemeColor != "FFA500" {
		t.Errorf("unexpected card header: %+v", card)
	}
	if len(card.Sections) != 2 || !strings.Contains(card.Sections[1].Facts[0].Value, "Check data schema changes") {
		t.Errorf("recommended actions missing from card: %+v", card.Sections)
	}
}

func TestTeamsSink_ErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "invalid webhook", http.StatusBadRequest)
	}))
	defer server.Close()

	if err := NewTeamsSink(server.URL).Notify(context.Background(), sample()); err == nil {
		t.Fatal("expected error on non-2xx response")
	}
}

func TestEmailSink_BuildsMessage(t *testing.T) {
	s := NewEmailSink(EmailConfig{Server: "smtp.example.com", Port: 587, From: "bot@example.com", Password: "pw", To: ParseRecipients("a@example.com, b@example.com")})

	var got *mail.Msg
	s.send = func(ctx context.Context, msg *mail.Msg) error {
		got = msg
		return nil
	}

	if err := s.Notify(context.Background(), sample()); err != nil {
		t.Fatalf("Notify failed: %v", err)
	}
	if got == nil {
		t.Fatal("expected a message to be sent")
	}
	if to := got.GetTo(); len(to) != 2 || to[1].Address != "b@example.com" {
		t.Errorf("unexpected recipients %v", to)
	}
	if subj := got.GetGenHeader(mail.HeaderSubject); len(subj) != 1 || subj[0] != "Pipeline WARNING: ETLPipeline" {
		t.Errorf("unexpected subject %v", subj)
	}
	text := body(sample())
	for _, want := range []string{"Run ID: run-1", "2. Check data schema changes"} {
		if !strings.Contains(text, want) {
			t.Errorf("body missing %q:\n%s", want, text)
		}
	}
}

func TestEmailSink_InvalidRecipient(t *testing.T) {
	s := NewEmailSink(EmailConfig{Server: "smtp.example.com", Port: 25, From: "bot@example.com", To: []string{"not an address"}})
	s.send = func(context.Context, *mail.Msg) error {
		t.Fatal("must not send with an invalid recipient")
		return nil
	}
	if err := s.Notify(context.Background(), sample()); err == nil {
		t.Fatal("expected address error")
	}
}

func TestEmailSink_SendFailure(t *testing.T) {
	s := NewEmailSink(EmailConfig{Server: "smtp.example.com", Port: 25, From: "bot@example.com", To: []string{"a@example.com"}})
	s.send = func(context.Context, *mail.Msg) error { return errors.New("refused") }

	if err := s.Notify(context.Background(), sample()); err == nil {
		t.Fatal("expected send error")
	}
}

func TestEmailSink_StalledServerHonorsDeadline(t *testing.T) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	var (
		mu    sync.Mutex
		conns []net.Conn
	)
	acceptDone := make(chan struct{})
	go func() {
		defer close(acceptDone)
		for {
			c, err := lis.Accept()
			if err != nil {
				return
			}
			// Accept and never greet.
			mu.Lock()
			conns = append(conns, c)
			mu.Unlock()
		}
	}()
	t.Cleanup(func() {
		lis.Close()
		<-acceptDone
		mu.Lock()
		defer mu.Unlock()
		for _, c := range conns {
			c.Close()
		}
	})

	port := lis.Addr().(*net.TCPAddr).Port
	s := NewEmailSink(EmailConfig{Server: "127.0.0.1", Port: port, From: "bot@example.com", To: []string{"a@example.com"}})

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	start := time.Now()
	err = s.Notify(ctx, sample())
	if err == nil {
		t.Fatal("expected an error from a stalled server")
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("Notify blocked for %s past its deadline", elapsed)
	}
}
