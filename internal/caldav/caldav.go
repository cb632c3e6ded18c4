// Package caldav writes events to a calendar on any CalDAV server.
package caldav

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/emersion/go-ical"
	"github.com/emersion/go-webdav/caldav"

	"chatcal/internal/models"
)

const (
	// DefaultEndpoint is iCloud's CalDAV service.
	DefaultEndpoint = "https://caldav.icloud.com/"
	productID       = "-//chatcal//EN"
	// SourceProperty carries the dedup key of the candidate.
	SourceProperty = "X-CHATCAL-SOURCE"
)

// customTransport handles adding Basic Auth and custom headers to requests.
type customTransport struct {
	Username  string
	Password  string
	Transport http.RoundTripper
}

// RoundTrip adds required headers and authentication to each request.
func (t *customTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.SetBasicAuth(t.Username, t.Password)
	req.Header.Set("User-Agent", "chatcal/1.0")
	return t.Transport.RoundTrip(req)
}

// Store is the subset of *caldav.Client the sink uses.
type Store interface {
	FindCurrentUserPrincipal(ctx context.Context) (string, error)
	FindCalendarHomeSet(ctx context.Context, principal string) (string, error)
	FindCalendars(ctx context.Context, calendarHomeSet string) ([]caldav.Calendar, error)
	PutCalendarObject(ctx context.Context, path string, cal *ical.Calendar) (*caldav.CalendarObject, error)
}

// CalDAVClient is a calendar sink backed by a CalDAV collection.
type CalDAVClient struct {
	store        Store
	logger       *slog.Logger
	calendarPath string
	now          func() time.Time
}

// NewClient connects to endpoint and locates the calendar named calendarName.
func NewClient(ctx context.Context, logger *slog.Logger, endpoint, username, password, calendarName string) (*CalDAVClient, error) {
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	transport := &customTransport{
		Username:  username,
		Password:  password,
		Transport: http.DefaultTransport,
	}
	httpClient := &http.Client{Transport: transport, Timeout: 30 * time.Second}

	caldavClient, err := caldav.NewClient(httpClient, endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to create caldav client: %w", err)
	}
	return NewClientWithStore(ctx, logger, caldavClient, calendarName)
}

// NewClientWithStore locates calendarName through store.
func NewClientWithStore(ctx context.Context, logger *slog.Logger, store Store, calendarName string) (*CalDAVClient, error) {
	c := &CalDAVClient{store: store, logger: logger, now: time.Now}

	logger.Info("Finding CalDAV calendar", "calendarName", calendarName)
	calendarPath, err := c.findCalendar(ctx, calendarName)
	if err != nil {
		return nil, fmt.Errorf("could not find calendar '%s': %w", calendarName, err)
	}
	c.calendarPath = calendarPath
	logger.Info("Successfully found CalDAV calendar", "path", calendarPath)

	return c, nil
}

// CreateEvent stores the event as <UID>.ics in the calendar and returns the
// object path. Writing the same UID again replaces the object.
func (c *CalDAVClient) CreateEvent(ctx context.Context, event *models.Event) (string, error) {
	c.logger.Debug("Writing event to CalDAV", "eventTitle", event.Title, "uid", event.UID)

	cal := ical.NewCalendar()
	cal.Props.SetText(ical.PropVersion, "2.0")
	cal.Props.SetText(ical.PropProductID, productID)
	cal.Children = append(cal.Children, c.toICal(event))

	objectPath := path.Join(c.calendarPath, event.UID+".ics")
	if _, err := c.store.PutCalendarObject(ctx, objectPath, cal); err != nil {
		return "", &models.TransportError{Op: "put caldav object", Err: err}
	}

	c.logger.Info("Successfully created event on CalDAV server", "eventTitle", event.Title, "path", objectPath)
	return objectPath, nil
}

// toICal converts an internal Event model to a VEVENT with one VALARM per
// reminder offset.
func (c *CalDAVClient) toICal(event *models.Event) *ical.Component {
	ve := ical.NewComponent(ical.CompEvent)
	ve.Props.SetText(ical.PropUID, event.UID)
	ve.Props.SetText(ical.PropSummary, event.Title)
	ve.Props.SetDateTime(ical.PropDateTimeStamp, c.now().UTC())
	ve.Props.SetDateTime(ical.PropDateTimeStart, icalTime(event.StartTime))
	ve.Props.SetDateTime(ical.PropDateTimeEnd, icalTime(event.EndTime))

	if event.Description != "" {
		ve.Props.SetText(ical.PropDescription, event.Description)
	}
	if event.Location != "" {
		ve.Props.SetText(ical.PropLocation, event.Location)
	}
	if event.SourceTag != "" {
		ve.Props.SetText(SourceProperty, event.SourceTag)
	}

	for _, minutes := range event.ReminderMinutes {
		alarm := ical.NewComponent(ical.CompAlarm)
		alarm.Props.SetText(ical.PropAction, "DISPLAY")
		alarm.Props.SetText(ical.PropDescription, event.Title)
		trigger := ical.NewProp(ical.PropTrigger)
		trigger.SetValueType(ical.ValueDuration)
		trigger.Value = fmt.Sprintf("-PT%dM", minutes)
		alarm.Props.Set(trigger)
		ve.Children = append(ve.Children, alarm)
	}
	return ve
}

// icalTime keeps IANA zones (written with TZID) and converts anything else to
// UTC, since a fixed zone name is not a valid TZID.
func icalTime(t time.Time) time.Time {
	if name := t.Location().String(); strings.Contains(name, "/") {
		return t
	}
	return t.UTC()
}

// findCalendar discovers the user's calendars and returns the path of the one with the matching name.
func (c *CalDAVClient) findCalendar(ctx context.Context, name string) (string, error) {
	principalPath, err := c.store.FindCurrentUserPrincipal(ctx)
	if err != nil {
		return "", &models.TransportError{Op: "find caldav principal", Err: err}
	}

	homeSetPath, err := c.store.FindCalendarHomeSet(ctx, principalPath)
	if err != nil {
		return "", &models.TransportError{Op: "find caldav calendar home set", Err: err}
	}

	calendars, err := c.store.FindCalendars(ctx, homeSetPath)
	if err != nil {
		return "", &models.TransportError{Op: "list caldav calendars", Err: err}
	}

	for _, cal := range calendars {
		if cal.Name == name {
			return cal.Path, nil
		}
	}

	return "", fmt.Errorf("no calendar found with name '%s'", name)
}
