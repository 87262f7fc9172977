package pipeline

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"

	"github.com/talgya/crowdbrew/internal/persistence"
)

// wireItem is an Item as the model emits it. Stored fields decode strictly;
// the scoring fields are kept raw and read leniently.
type wireItem struct {
	EventDate   string `json:"event_date"`
	EventName   string `json:"event_name"`
	Location    string `json:"location"`
	Description string `json:"description"`
	persistence.Bundle

	ImpactScore    json.RawMessage `json:"impact_score"`
	ScoreBreakdown json.RawMessage `json:"score_breakdown"`
	Comments       json.RawMessage `json:"comments"`
}

var leadingNumber = regexp.MustCompile(`^-?\d+(?:[.,]\d+)?`)

// decodeItem decodes one marketing item. It fails only when a field that is
// persisted has the wrong shape; scores like "85/100" or "85" read as 85 and
// anything unreadable reads as zero.
func decodeItem(raw json.RawMessage) (Item, error) {
	var w wireItem
	if err := json.Unmarshal(raw, &w); err != nil {
		return Item{}, err
	}
	return Item{
		EventDate:      w.EventDate,
		EventName:      w.EventName,
		Location:       w.Location,
		Description:    w.Description,
		Bundle:         w.Bundle,
		ImpactScore:    looseNumber(w.ImpactScore),
		ScoreBreakdown: looseBreakdown(w.ScoreBreakdown),
		Comments:       looseText(w.Comments),
	}, nil
}

func looseNumber(raw json.RawMessage) float64 {
	if len(raw) == 0 {
		return 0
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		return f
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return 0
	}
	m := leadingNumber.FindString(strings.TrimSpace(s))
	f, err := strconv.ParseFloat(strings.Replace(m, ",", ".", 1), 64)
	if err != nil {
		return 0
	}
	return f
}

func looseBreakdown(raw json.RawMessage) map[string]float64 {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil || len(fields) == 0 {
		return nil
	}
	out := make(map[string]float64, len(fields))
	for k, v := range fields {
		out[k] = looseNumber(v)
	}
	return out
}

func looseText(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}
