// Package pipeline runs the three generation steps (research, impact
// scoring, marketing) for a date query and persists the resulting events
// and bundles.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"text/template"
	"time"

	"github.com/google/uuid"

	"github.com/talgya/crowdbrew/internal/extract"
	"github.com/talgya/crowdbrew/internal/llm"
	"github.com/talgya/crowdbrew/internal/persistence"
)

// ErrExtraction means the final step's output held no decodable payload.
var ErrExtraction = errors.New("could not extract marketing payload")

// DefaultName replaces an event name the model leaves out.
const DefaultName = "Wydarzenie Nieznane"

const (
	defaultDescription = "Brak opisu"
	defaultCity        = "Łódź"

	outputKey = "output"
	postKey   = "facebook_post"
)

// Store is the persistence the pipeline writes through.
type Store interface {
	UpsertEvent(date, name, location, description string) (int64, error)
	WriteBundle(eventID int64, b *persistence.Bundle) (persistence.BundleResult, error)
}

// Item is one event object produced by the marketing step.
type Item struct {
	EventDate   string `json:"event_date"`
	EventName   string `json:"event_name"`
	Location    string `json:"location"`
	Description string `json:"description"`
	persistence.Bundle

	ImpactScore    float64            `json:"impact_score,omitempty"`
	ScoreBreakdown map[string]float64 `json:"score_breakdown,omitempty"`
	Comments       string             `json:"comments,omitempty"`
}

// Result is an Item after persistence. EventID is 0 when the event could
// not be stored.
type Result struct {
	Item
	EventID int64                    `json:"db_id"`
	Saved   persistence.BundleResult `json:"-"`
}

// Pipeline sequences the generation steps.
type Pipeline struct {
	gen    llm.Generator
	store  Store
	city   string
	search bool
	now    func() time.Time
	log    *slog.Logger
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithCity sets the city the prompts target.
func WithCity(city string) Option {
	return func(p *Pipeline) {
		if city != "" {
			p.city = city
		}
	}
}

// WithSearch toggles web search grounding for the steps that use it.
func WithSearch(on bool) Option {
	return func(p *Pipeline) { p.search = on }
}

// WithClock sets the clock used for the default event date.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) { p.now = now }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) { p.log = l }
}

// New creates a Pipeline.
func New(gen llm.Generator, store Store, opts ...Option) *Pipeline {
	p := &Pipeline{
		gen:    gen,
		store:  store,
		city:   defaultCity,
		search: true,
		now:    time.Now,
		log:    slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// City returns the city the pipeline targets.
func (p *Pipeline) City() string { return p.city }

type step struct {
	name   string
	tmpl   *template.Template
	search bool
	out    func(*promptData, string)
}

var steps = []step{
	{name: "research", tmpl: researchPrompt, search: true, out: func(d *promptData, s string) { d.Research = s }},
	{name: "impact", tmpl: impactPrompt, search: true, out: func(d *promptData, s string) { d.Impact = s }},
	{name: "marketing", tmpl: marketingPrompt},
}

// Run executes research → impact → marketing for query and persists each
// resulting event with its bundle. A failing item is logged and skipped;
// it never aborts the rest of the batch.
func (p *Pipeline) Run(ctx context.Context, query string) ([]Result, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, errors.New("empty query")
	}

	log := p.log.With("run_id", uuid.NewString())
	log.Info("pipeline starting", "query", query, "city", p.city)

	data := promptData{City: p.city}
	var final string
	for _, s := range steps {
		system, err := render(s.tmpl, data)
		if err != nil {
			return nil, fmt.Errorf("render %s prompt: %w", s.name, err)
		}

		start := time.Now()
		out, err := p.gen.Generate(ctx, llm.Request{System: system, Prompt: query, Search: s.search && p.search})
		if err != nil {
			return nil, fmt.Errorf("%s step: %w", s.name, err)
		}
		log.Info("step complete", "step", s.name, "duration", time.Since(start).Round(time.Millisecond), "chars", len(out))

		if s.out != nil {
			s.out(&data, out)
		}
		final = out
	}

	items, err := decodeItems(final)
	if err != nil {
		log.Error("marketing output not parseable", "error", err)
		return nil, fmt.Errorf("%w: %w", ErrExtraction, err)
	}
	log.Info("payload parsed", "items", len(items))

	results := make([]Result, 0, len(items))
	for i, raw := range items {
		item, err := decodeItem(raw)
		if err != nil {
			log.Error("skipping malformed item", "index", i, "error", err)
			continue
		}
		results = append(results, p.persist(log, item))
	}

	log.Info("pipeline complete", "results", len(results))
	return results, nil
}

func decodeItems(text string) ([]json.RawMessage, error) {
	var payload json.RawMessage
	if err := extract.Decode(text, outputKey, &payload); err != nil {
		return nil, err
	}
	return extract.Items(payload, outputKey, postKey)
}

func (p *Pipeline) persist(log *slog.Logger, item Item) Result {
	p.fillDefaults(&item)
	log.Info("processing event", "date", item.EventDate, "name", item.EventName)

	res := Result{Item: item}

	id, err := p.store.UpsertEvent(item.EventDate, item.EventName, item.Location, item.Description)
	if err != nil {
		log.Error("event not saved", "name", item.EventName, "error", err)
		return res
	}
	res.EventID = id

	saved, err := p.store.WriteBundle(id, &item.Bundle)
	if err != nil {
		log.Error("bundle not saved", "event_id", id, "error", err)
		return res
	}
	res.Saved = saved
	return res
}

func (p *Pipeline) fillDefaults(item *Item) {
	if item.EventDate == "" {
		item.EventDate = p.now().Format(persistence.DateLayout)
	}
	if item.EventName == "" {
		item.EventName = DefaultName
	}
	if item.Location == "" {
		item.Location = p.city + " (nieokreślone)"
	}
	if item.Description == "" {
		item.Description = defaultDescription
	}
}
