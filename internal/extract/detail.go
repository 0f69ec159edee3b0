package extract

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/PuerkitoBio/goquery"

	"activityharvest/pkg/types"
)

const (
	inlineStatsSelector = ".inline-stats"
	moreStatsSelector   = ".more-stats .row"

	elapsedTimeLabel = "elapsed_time"
	paceLabel        = "pace"
)

// Detail is everything read from one activity page.
type Detail struct {
	Stats types.StatsPanel
	Raw   types.RawStats
	// RawErr is set when the embedded stats block was present but malformed.
	RawErr error
}

// HasInlineStats reports whether the page carries the primary stats region.
func HasInlineStats(doc *goquery.Document) bool {
	return doc.Find(inlineStatsSelector).Length() > 0
}

// ParseDetail reads the embedded numeric block and both stats panels. page is
// the raw body the document was parsed from; the numeric block lives in a
// script and is matched on the text.
func ParseDetail(doc *goquery.Document, page string) (Detail, error) {
	if !HasInlineStats(doc) {
		return Detail{}, ErrNoInlineStats
	}

	var d Detail
	raw, _, err := ExtractRawStats(page)
	d.Raw = raw
	d.RawErr = err

	d.Stats = make(types.StatsPanel)
	doc.Find(inlineStatsSelector).First().Find("li").Each(func(_ int, item *goquery.Selection) {
		addStat(d.Stats, item.Find(".label"), item.Find("strong"))
	})
	doc.Find(moreStatsSelector).Each(func(_ int, row *goquery.Selection) {
		addStat(d.Stats, row.Find(".spans5"), row.Find(".spans3"))
	})
	return d, nil
}

func addStat(stats types.StatsPanel, label, value *goquery.Selection) {
	if label.Length() == 0 || value.Length() == 0 {
		return
	}
	key := SnakeCase(strings.TrimSpace(label.First().Text()))
	if key == "" {
		return
	}
	stats[key] = strings.Join(strings.Fields(value.First().Text()), "")
}

// SnakeCase converts a display label such as "Elapsed Time" or "MovingTime"
// into lower_snake_case.
func SnakeCase(label string) string {
	runes := []rune(label)
	var words []string
	var cur []rune
	flush := func() {
		if len(cur) > 0 {
			words = append(words, strings.ToLower(string(cur)))
			cur = cur[:0]
		}
	}
	for i, r := range runes {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) {
			flush()
			continue
		}
		if unicode.IsUpper(r) && len(cur) > 0 {
			prev := cur[len(cur)-1]
			nextLower := i+1 < len(runes) && unicode.IsLower(runes[i+1])
			if unicode.IsLower(prev) || unicode.IsDigit(prev) || (unicode.IsUpper(prev) && nextLower) {
				flush()
			}
		}
		cur = append(cur, r)
	}
	flush()
	return strings.Join(words, "_")
}

// Normalize reconciles the feed summary with the detail page into the record
// that gets persisted.
func Normalize(summary types.ActivitySummary, d Detail, scrapedAt time.Time) (types.NormalizedActivity, error) {
	id, err := strconv.ParseInt(summary.ID, 10, 64)
	if err != nil {
		return types.NormalizedActivity{}, fmt.Errorf("%w %q", ErrInvalidActivityID, summary.ID)
	}

	stats := d.Stats
	if stats == nil {
		stats = types.StatsPanel{}
	}
	payload, err := json.Marshal(struct {
		Activity types.ActivitySummary `json:"activity"`
		Stats    types.StatsPanel      `json:"stats"`
		RawStats types.RawStats        `json:"raw_stats"`
	}{summary, stats, d.Raw})
	if err != nil {
		return types.NormalizedActivity{}, fmt.Errorf("encode payload: %w", err)
	}

	out := types.NormalizedActivity{
		ActivityID:   id,
		AthleteID:    summary.Athlete.ID,
		DistanceM:    roundInt32(d.Raw.Distance),
		ElevGainM:    roundInt32(d.Raw.ElevGain),
		Calories:     roundFloat32(d.Raw.Calories),
		AvgCadence:   roundFloat32(d.Raw.AvgCadence),
		Trainer:      d.Raw.Trainer,
		Payload:      string(payload),
		ActivityDate: summary.StartDate,
		ScrapedAt:    scrapedAt.UTC(),
	}
	if d.Raw.MovingTime != nil {
		v := int32(*d.Raw.MovingTime)
		out.MovingTimeS = &v
	}
	if text, ok := stats[elapsedTimeLabel]; ok {
		if v, ok := ElapsedTimeToSec(text); ok {
			out.ElapsedTimeS = &v
		}
	}
	if text, ok := stats[paceLabel]; ok {
		pace := text
		out.PaceText = &pace
		if v, ok := PaceToSec(text); ok {
			out.PaceSecPerKm = &v
		}
	}
	if summary.Type != "" {
		sport := strings.ToLower(summary.Type)
		out.SportType = &sport
	}
	if summary.Athlete.Name != "" {
		name := summary.Athlete.Name
		out.AthleteName = &name
	}
	return out, nil
}

func roundInt32(v *float64) *int32 {
	if v == nil {
		return nil
	}
	r := int32(math.Round(*v))
	return &r
}

func roundFloat32(v *float64) *float32 {
	if v == nil {
		return nil
	}
	r := float32(math.Round(*v))
	return &r
}
