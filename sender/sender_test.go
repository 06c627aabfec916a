package sender

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"firebase.google.com/go/v4/messaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeMessenger struct {
	sent   []*messaging.Message
	dryRun []*messaging.Message
	err    error
}

func (f *fakeMessenger) Send(_ context.Context, m *messaging.Message) (string, error) {
	f.sent = append(f.sent, m)
	if f.err != nil {
		return "", f.err
	}
	return "projects/p/messages/1", nil
}

func (f *fakeMessenger) SendDryRun(_ context.Context, m *messaging.Message) (string, error) {
	f.dryRun = append(f.dryRun, m)
	return "projects/p/messages/dry", nil
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestBuildMessage(t *testing.T) {
	m, err := buildMessage("tok", Message{
		Title:        "Hi",
		Body:         "there",
		Data:         map[string]string{"k": "v"},
		Payload:      map[string]any{"kind": "test"},
		ClickAction:  "OPEN",
		Sound:        "default",
		CollapseKey:  "c",
		TTL:          time.Hour,
		HighPriority: true,
	})
	require.NoError(t, err)

	assert.Equal(t, "tok", m.Token)
	assert.Equal(t, map[string]string{"k": "v", "payload": `{"kind":"test"}`}, m.Data)
	require.NotNil(t, m.Notification)
	assert.Equal(t, "Hi", m.Notification.Title)
	assert.Equal(t, "there", m.Notification.Body)

	require.NotNil(t, m.Android)
	assert.Equal(t, "high", m.Android.Priority)
	assert.Equal(t, "c", m.Android.CollapseKey)
	require.NotNil(t, m.Android.TTL)
	assert.Equal(t, time.Hour, *m.Android.TTL)
	require.NotNil(t, m.Android.Notification)
	assert.Equal(t, "OPEN", m.Android.Notification.ClickAction)
	assert.Equal(t, "default", m.Android.Notification.Sound)
}

func TestBuildMessage_DataOnly(t *testing.T) {
	data := map[string]string{"k": "v"}
	m, err := buildMessage("tok", Message{Data: data, Payload: []int{1}, PayloadKey: "body_json"})
	require.NoError(t, err)

	assert.Nil(t, m.Notification)
	assert.Nil(t, m.Android.Notification)
	assert.Nil(t, m.Android.TTL)
	assert.Equal(t, "normal", m.Android.Priority)
	assert.Equal(t, map[string]string{"k": "v", "body_json": "[1]"}, m.Data)
	assert.Equal(t, map[string]string{"k": "v"}, data, "caller's map is not modified")
}

func TestBuildMessage_UnencodablePayload(t *testing.T) {
	_, err := buildMessage("tok", Message{Payload: make(chan int)})
	assert.Error(t, err)
}

func TestSend(t *testing.T) {
	fm := &fakeMessenger{}
	s := NewWithMessenger(fm, WithLogger(quietLogger()))

	id, err := s.Send(context.Background(), "tok", Message{Title: "T"})
	require.NoError(t, err)
	assert.Equal(t, "projects/p/messages/1", id)
	require.Len(t, fm.sent, 1)
	assert.Empty(t, fm.dryRun)
}

func TestSend_DryRun(t *testing.T) {
	fm := &fakeMessenger{}
	s := NewWithMessenger(fm, WithLogger(quietLogger()), WithDryRun())

	id, err := s.Send(context.Background(), "tok", Message{Title: "T"})
	require.NoError(t, err)
	assert.Equal(t, "projects/p/messages/dry", id)
	assert.Empty(t, fm.sent)
	assert.Len(t, fm.dryRun, 1)
}

func TestSend_EmptyToken(t *testing.T) {
	s := NewWithMessenger(&fakeMessenger{}, WithLogger(quietLogger()))
	_, err := s.Send(context.Background(), "", Message{})
	assert.Error(t, err)
}

func TestSend_Unregistered(t *testing.T) {
	rejected := errors.New("requested entity was not found")
	orig := isUnregistered
	isUnregistered = func(err error) bool { return errors.Is(err, rejected) }
	t.Cleanup(func() { isUnregistered = orig })

	s := NewWithMessenger(&fakeMessenger{err: rejected}, WithLogger(quietLogger()))
	_, err := s.Send(context.Background(), "tok", Message{})
	assert.ErrorIs(t, err, ErrUnregistered)
	assert.ErrorIs(t, err, rejected)
}

func TestSend_OtherFailure(t *testing.T) {
	boom := errors.New("quota")
	s := NewWithMessenger(&fakeMessenger{err: boom}, WithLogger(quietLogger()))
	_, err := s.Send(context.Background(), "tok", Message{})
	assert.ErrorIs(t, err, boom)
	assert.NotErrorIs(t, err, ErrUnregistered)
}
