package marketdata

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Endpoint names used by more than one package.
const (
	EndpointTranscriptDates = "earning-call-transcript-dates"
	EndpointTranscript      = "earning-call-transcript"
)

// TranscriptDate is one entry of the transcript-date listing.
type TranscriptDate struct {
	Year    int    `json:"year"`
	Quarter int    `json:"quarter"`
	Date    string `json:"date,omitempty"`
}

// Label renders the period as "Q3 2024".
func (d TranscriptDate) Label() string {
	return fmt.Sprintf("Q%d %d", d.Quarter, d.Year)
}

// Transcript is a single earnings-call transcript.
type Transcript struct {
	Symbol  string `json:"symbol"`
	Year    int    `json:"year"`
	Quarter int    `json:"quarter"`
	Date    string `json:"date"`
	Content string `json:"content"`
}

// Int decodes a JSON number or a numeric string. The provider is not
// consistent about which it sends for years and quarters.
type Int int

// UnmarshalJSON implements [json.Unmarshaler].
func (n *Int) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		return nil
	}
	s := string(b)
	if b[0] == '"' {
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		s = strings.TrimPrefix(strings.TrimSpace(s), "Q")
		if s == "" {
			return nil
		}
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("marketdata: not a number: %q", s)
	}
	*n = Int(v)
	return nil
}

type wireTranscriptDate struct {
	Year       Int    `json:"year"`
	FiscalYear Int    `json:"fiscalYear"`
	Quarter    Int    `json:"quarter"`
	Date       string `json:"date"`
}

// ParseTranscriptDates decodes the listing. It accepts both entry objects
// ({"quarter":3,"fiscalYear":2024,"date":"..."}) and positional triples
// ([3, 2024, "2024-11-07"]). Entries keep provider order.
func ParseTranscriptDates(raw json.RawMessage) ([]TranscriptDate, error) {
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, fmt.Errorf("marketdata: decode transcript dates: %w", err)
	}
	out := make([]TranscriptDate, 0, len(items))
	for _, it := range items {
		it = bytes.TrimSpace(it)
		if len(it) > 0 && it[0] == '[' {
			var tuple []json.RawMessage
			if err := json.Unmarshal(it, &tuple); err != nil || len(tuple) < 2 {
				continue
			}
			var q, y Int
			if json.Unmarshal(tuple[0], &q) != nil || json.Unmarshal(tuple[1], &y) != nil {
				continue
			}
			d := TranscriptDate{Year: int(y), Quarter: int(q)}
			if len(tuple) > 2 {
				_ = json.Unmarshal(tuple[2], &d.Date)
			}
			out = append(out, d)
			continue
		}

		var w wireTranscriptDate
		if err := json.Unmarshal(it, &w); err != nil {
			continue
		}
		year := int(w.Year)
		if year == 0 {
			year = int(w.FiscalYear)
		}
		if year == 0 || w.Quarter == 0 {
			continue
		}
		out = append(out, TranscriptDate{Year: year, Quarter: int(w.Quarter), Date: w.Date})
	}
	return out, nil
}

// SortTranscriptDates orders dates most recent first by (year, quarter).
// The sort is stable so duplicate periods keep provider order. It reports
// whether the input was in a different order.
func SortTranscriptDates(dates []TranscriptDate) (reordered bool) {
	newer := func(i, j int) bool {
		if dates[i].Year != dates[j].Year {
			return dates[i].Year > dates[j].Year
		}
		return dates[i].Quarter > dates[j].Quarter
	}
	if sort.SliceIsSorted(dates, newer) {
		return false
	}
	sort.SliceStable(dates, newer)
	return true
}

type wireTranscript struct {
	Symbol  string `json:"symbol"`
	Year    Int    `json:"year"`
	Quarter Int    `json:"quarter"`
	Period  Int    `json:"period"`
	Date    string `json:"date"`
	Content string `json:"content"`
}

// ParseTranscript decodes a transcript response, which the provider returns
// either as a single object or as a one-element array. An empty array yields
// a zero Transcript and no error.
func ParseTranscript(raw json.RawMessage) (Transcript, error) {
	raw = bytes.TrimSpace(raw)
	var w wireTranscript
	if len(raw) > 0 && raw[0] == '[' {
		var arr []wireTranscript
		if err := json.Unmarshal(raw, &arr); err != nil {
			return Transcript{}, fmt.Errorf("marketdata: decode transcript: %w", err)
		}
		if len(arr) == 0 {
			return Transcript{}, nil
		}
		w = arr[0]
	} else if err := json.Unmarshal(raw, &w); err != nil {
		return Transcript{}, fmt.Errorf("marketdata: decode transcript: %w", err)
	}

	q := int(w.Quarter)
	if q == 0 {
		q = int(w.Period)
	}
	return Transcript{
		Symbol:  w.Symbol,
		Year:    int(w.Year),
		Quarter: q,
		Date:    w.Date,
		Content: w.Content,
	}, nil
}
