package google

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/option"

	"chatcal/internal/models"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *CalendarClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	svc, err := calendar.NewService(context.Background(),
		option.WithEndpoint(srv.URL+"/"),
		option.WithHTTPClient(srv.Client()))
	require.NoError(t, err)
	return NewClientFromService(slog.New(slog.NewTextHandler(io.Discard, nil)), svc, "band@group.calendar.google.com")
}

func testEvent() *models.Event {
	seoul, _ := time.LoadLocation("Asia/Seoul")
	start := time.Date(2025, 6, 3, 20, 0, 0, 0, seoul)
	return &models.Event{
		UID:             "uid-1",
		Title:           "[합주] 합주",
		Description:     "원본 메시지: 오늘 합주 8시",
		Location:        "연습실",
		StartTime:       start,
		EndTime:         start.Add(time.Hour),
		ReminderMinutes: []int{30, 10},
		SourceTag:       "abc123",
	}
}

func TestCreateEvent(t *testing.T) {
	var got calendar.Event
	var path string
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"id":"evt-42"}`)
	})

	id, err := client.CreateEvent(context.Background(), testEvent())
	require.NoError(t, err)

	assert.Equal(t, "evt-42", id)
	assert.Equal(t, "/calendars/band@group.calendar.google.com/events", path)
	assert.Equal(t, "[합주] 합주", got.Summary)
	assert.Equal(t, "연습실", got.Location)
	assert.Equal(t, "2025-06-03T20:00:00+09:00", got.Start.DateTime)
	assert.Equal(t, "Asia/Seoul", got.Start.TimeZone)
	assert.Equal(t, "2025-06-03T21:00:00+09:00", got.End.DateTime)
	require.NotNil(t, got.Reminders)
	assert.False(t, got.Reminders.UseDefault)
	require.Len(t, got.Reminders.Overrides, 2)
	assert.Equal(t, "popup", got.Reminders.Overrides[0].Method)
	assert.Equal(t, int64(30), got.Reminders.Overrides[0].Minutes)
	assert.Equal(t, "abc123", got.ExtendedProperties.Private[SourceProperty])
	assert.Equal(t, "uid-1", got.ExtendedProperties.Private[UIDProperty])
}

func TestCreateEventTransportError(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = io.WriteString(w, `{"error":{"code":403,"message":"forbidden"}}`)
	})

	_, err := client.CreateEvent(context.Background(), testEvent())
	var te *models.TransportError
	assert.True(t, errors.As(err, &te))
}

func TestEventDateTimeFixedZoneOmitsTimeZone(t *testing.T) {
	dt := eventDateTime(time.Date(2025, 6, 3, 20, 0, 0, 0, time.FixedZone("KST", 9*3600)))
	assert.Equal(t, "2025-06-03T20:00:00+09:00", dt.DateTime)
	assert.Empty(t, dt.TimeZone)
}

func TestDiscoverCalendars(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "writer", r.URL.Query().Get("minAccessRole"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"items":[{"id":"primary@x","summary":"나","primary":true},{"id":"band@x","summary":"밴드"}]}`)
	})

	cals, err := client.DiscoverCalendars(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []CalendarInfo{{ID: "primary@x", Summary: "나", Primary: true}, {ID: "band@x", Summary: "밴드"}}, cals)
}

func TestTokenRoundTripAndAccounts(t *testing.T) {
	dir := t.TempDir()
	tok := &oauth2.Token{AccessToken: "a", RefreshToken: "r", TokenType: "Bearer"}

	path := filepath.Join(dir, TokenFile("band"))
	require.NoError(t, SaveToken(path, tok))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.json"), []byte("{}"), 0644))

	loaded, err := tokenFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, "r", loaded.RefreshToken)

	accounts, err := GetTokenAccounts(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{"band"}, accounts)
}

func TestOAuthConfigFromEnvironment(t *testing.T) {
	cfg, err := GetOAuthConfigForAuthFlow("id", "secret")
	require.NoError(t, err)
	assert.Contains(t, cfg.Scopes, calendar.CalendarEventsScope)
}
