package pricefeed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/portfolio-engine/internal/model"
)

// ErrInvalidRecord marks a raw price record that cannot be used.
var ErrInvalidRecord = errors.New("pricefeed: invalid record")

// ErrMalformedSource marks a source whose content cannot be decoded at all.
// Reloading it unchanged fails the same way.
var ErrMalformedSource = errors.New("pricefeed: malformed source")

// IsPermanent reports whether a Load error will repeat on an immediate retry:
// a missing or unreadable file, or content that does not decode.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrMalformedSource) ||
		errors.Is(err, fs.ErrNotExist) ||
		errors.Is(err, fs.ErrPermission) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

// Source produces the raw observations a Feed is built from. Implementations
// need not return points in any particular order.
type Source interface {
	Load(ctx context.Context) ([]model.PricePoint, error)
}

// Record is the wire form of one observation: {symbol, time, price}, where
// time is a naive local timestamp such as "2024-10-01 09:30".
type Record struct {
	Symbol string          `json:"symbol"`
	Time   string          `json:"time"`
	Price  decimal.Decimal `json:"price"`
}

// timeLayouts are tried in order when parsing Record.Time.
var timeLayouts = []string{
	"2006-01-02 15:04",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04",
	"2006-01-02T15:04:05",
	time.RFC3339,
}

// ParseTime parses a naive timestamp in loc. RFC 3339 values carry their own
// offset and ignore loc.
func ParseTime(s string, loc *time.Location) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range timeLayouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: unrecognized time %q", ErrInvalidRecord, s)
}

// Point validates r and converts it to a PricePoint.
func (r Record) Point(loc *time.Location) (model.PricePoint, error) {
	symbol := strings.TrimSpace(r.Symbol)
	if symbol == "" {
		return model.PricePoint{}, fmt.Errorf("%w: empty symbol", ErrInvalidRecord)
	}
	if !r.Price.IsPositive() {
		return model.PricePoint{}, fmt.Errorf("%w: %s price %s is not positive", ErrInvalidRecord, symbol, r.Price)
	}
	t, err := ParseTime(r.Time, loc)
	if err != nil {
		return model.PricePoint{}, fmt.Errorf("%s: %w", symbol, err)
	}
	return model.PricePoint{Symbol: symbol, Time: t, Price: r.Price}, nil
}

// ParseRecords converts records, skipping unusable ones. The returned errors
// describe each skipped record.
func ParseRecords(records []Record, loc *time.Location) ([]model.PricePoint, []error) {
	points := make([]model.PricePoint, 0, len(records))
	var skipped []error
	for i, r := range records {
		p, err := r.Point(loc)
		if err != nil {
			skipped = append(skipped, fmt.Errorf("record %d: %w", i, err))
			continue
		}
		points = append(points, p)
	}
	return points, skipped
}

// FileSource reads a JSON array of Records from disk on every Load, so edits
// to the file show up at the next refresh.
type FileSource struct {
	Path     string
	Location *time.Location

	// OnSkip, if set, is called for every record that fails validation.
	OnSkip func(error)
}

// NewFileSource creates a source for the JSON file at path. A nil loc means
// time.Local.
func NewFileSource(path string, loc *time.Location) *FileSource {
	if loc == nil {
		loc = time.Local
	}
	return &FileSource{Path: path, Location: loc}
}

func (s *FileSource) Load(_ context.Context) ([]model.PricePoint, error) {
	data, err := os.ReadFile(s.Path)
	if err != nil {
		return nil, fmt.Errorf("read price file: %w", err)
	}

	var records []Record
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("decode price file %s: %w: %w", s.Path, ErrMalformedSource, err)
	}

	points, skipped := ParseRecords(records, s.Location)
	if s.OnSkip != nil {
		for _, err := range skipped {
			s.OnSkip(err)
		}
	}
	return points, nil
}

// StaticSource serves a fixed set of points. Used for testing.
type StaticSource []model.PricePoint

func (s StaticSource) Load(context.Context) ([]model.PricePoint, error) {
	out := make([]model.PricePoint, len(s))
	copy(out, s)
	return out, nil
}
