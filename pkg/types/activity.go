package types

import (
	"net/http"
	"net/url"
	"time"
)

// User is a member whose activities are harvested from the tracking site.
type User struct {
	ID         int64
	Name       string
	Email      string
	ExternalID string
}

// Harvestable reports whether the user carries a usable external athlete id.
func (u User) Harvestable() bool {
	return u.ExternalID != "" && u.ExternalID != "-"
}

// JobRange is the slice of the user population owned by one worker run.
// Offset and Offset+Limit-1 are both owned offsets; a zero Limit owns nothing.
type JobRange struct {
	Offset      int64
	Limit       int64
	WorkerID    int64
	WorkerCount int64
}

// End returns the first offset past the range.
func (r JobRange) End() int64 {
	return r.Offset + r.Limit
}

// Page represents the fetched content.
type Page struct {
	URL             *url.URL
	FinalURL        *url.URL
	Body            []byte
	ContentType     string
	StatusCode      int
	Headers         http.Header
	FetchedAt       time.Time
	ResponseLatency time.Duration
}

// OK reports a 2xx response.
func (p *Page) OK() bool {
	return p != nil && p.StatusCode >= 200 && p.StatusCode < 300
}

// FeedProps is the payload of the profile page's embedded feed component.
type FeedProps struct {
	URL        string     `json:"url"`
	Scope      string     `json:"scope"`
	AppContext AppContext `json:"appContext"`
}

// AppContext wraps the pre-fetched feed entries.
type AppContext struct {
	Entries []FeedEntry `json:"preFetchedEntries"`
}

// FeedEntry is one item of an athlete feed.
type FeedEntry struct {
	Entity   string           `json:"entity"`
	Activity *ActivitySummary `json:"activity,omitempty"`
}

// ActivitySummary is the feed-level view of an activity.
type ActivitySummary struct {
	ID             string  `json:"id"`
	Name           string  `json:"activityName"`
	Type           string  `json:"type"`
	Athlete        Athlete `json:"athlete"`
	StartDate      string  `json:"startDate"`
	StartDateLocal *string `json:"startDateLocal,omitempty"`
	ElapsedTime    int64   `json:"elapsedTime"`
}

// Athlete identifies the owner of a feed activity.
type Athlete struct {
	ID        string  `json:"athleteId"`
	AvatarURL string  `json:"avatarUrl"`
	Name      string  `json:"athleteName"`
	Sex       *string `json:"sex,omitempty"`
}

// RawStats is the numeric block embedded in an activity page script.
// Every field is optional.
type RawStats struct {
	AvgCadence   *float64 `json:"avg_cadence,omitempty"`
	AvgHR        *float64 `json:"avg_hr,omitempty"`
	AvgSpeed     *float64 `json:"avg_speed,omitempty"`
	AvgTemp      *float64 `json:"avg_temp,omitempty"`
	Calories     *float64 `json:"calories,omitempty"`
	Distance     *float64 `json:"distance,omitempty"`
	ElevGain     *float64 `json:"elev_gain,omitempty"`
	MovingTime   *int64   `json:"moving_time,omitempty"`
	Trainer      *bool    `json:"trainer,omitempty"`
	UseTimerTime *bool    `json:"use_timer_time,omitempty"`
	WorkoutType  *int64   `json:"workout_type,omitempty"`
}

// StatsPanel maps a lower_snake_case label to its compacted value text.
type StatsPanel map[string]string

// NormalizedActivity is the persistence unit for a harvested activity.
type NormalizedActivity struct {
	ActivityID   int64
	AthleteID    string
	DistanceM    *int32
	ElevGainM    *int32
	MovingTimeS  *int32
	ElapsedTimeS *int32
	PaceSecPerKm *int16
	PaceText     *string
	Calories     *float32
	AvgCadence   *float32
	Trainer      *bool
	SportType    *string
	AthleteName  *string
	Payload      string
	ActivityDate string
	ScrapedAt    time.Time
}

// RunSummary aggregates the outcome of one worker run.
type RunSummary struct {
	JobID         int64
	Range         JobRange
	Batches       int
	FailedBatches int
	Athletes      int
	Inserted      int
}
