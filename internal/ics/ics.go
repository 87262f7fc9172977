// Package ics renders stored events as an iCalendar feed.
package ics

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/emersion/go-ical"

	"github.com/talgya/crowdbrew/internal/persistence"
)

const productID = "-//crowdbrew//events//PL"

// Encode writes one all-day VEVENT per event. Events whose date is not
// YYYY-MM-DD are left out; the number skipped is returned.
func Encode(w io.Writer, events []persistence.EventBundle, stamp time.Time) (int, error) {
	cal := ical.NewCalendar()
	cal.Props.SetText(ical.PropVersion, "2.0")
	cal.Props.SetText(ical.PropProductID, productID)

	skipped := 0
	for _, e := range events {
		ve, ok := toICal(e, stamp)
		if !ok {
			skipped++
			continue
		}
		cal.Children = append(cal.Children, ve)
	}

	// go-ical refuses to encode a calendar without components.
	if len(cal.Children) == 0 {
		return skipped, writeEmpty(w)
	}

	if err := ical.NewEncoder(w).Encode(cal); err != nil {
		return skipped, fmt.Errorf("encode calendar: %w", err)
	}
	return skipped, nil
}

func toICal(e persistence.EventBundle, stamp time.Time) (*ical.Component, bool) {
	day, err := time.Parse(persistence.DateLayout, e.Date)
	if err != nil {
		return nil, false
	}

	ve := ical.NewComponent(ical.CompEvent)
	ve.Props.SetText(ical.PropUID, fmt.Sprintf("event-%d@crowdbrew", e.ID))
	ve.Props.SetText(ical.PropSummary, e.Name)
	ve.Props.SetDateTime(ical.PropDateTimeStamp, stamp.UTC())
	ve.Props.SetDate(ical.PropDateTimeStart, day)
	ve.Props.SetDate(ical.PropDateTimeEnd, day.AddDate(0, 0, 1))

	if e.Location != "" {
		ve.Props.SetText(ical.PropLocation, e.Location)
	}
	if desc := describe(e); desc != "" {
		ve.Props.SetText(ical.PropDescription, desc)
	}
	return ve, true
}

func describe(e persistence.EventBundle) string {
	var parts []string
	if e.Description != "" {
		parts = append(parts, e.Description)
	}
	for _, m := range e.Menu {
		parts = append(parts, fmt.Sprintf("%s (%s): %s", m.Name, m.Type, m.Description))
	}
	if e.Post != nil && e.Post.Content != "" {
		parts = append(parts, e.Post.Content)
	}
	return strings.Join(parts, "\n\n")
}

func writeEmpty(w io.Writer) error {
	_, err := io.WriteString(w, "BEGIN:VCALENDAR\r\nVERSION:2.0\r\nPRODID:"+productID+"\r\nEND:VCALENDAR\r\n")
	return err
}
