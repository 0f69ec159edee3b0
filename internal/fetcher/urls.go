package fetcher

import (
	"net/url"
	"path"
	"time"
)

// ProfileURL is the athlete profile whose feed covers the month of now (UTC).
func ProfileURL(base *url.URL, athleteID string, now time.Time) *url.URL {
	u := withPath(base, "athletes", athleteID)
	q := url.Values{}
	q.Set("chart_type", "miles")
	q.Set("interval_type", "month")
	q.Set("interval", now.UTC().Format("200601"))
	q.Set("year_offset", "0")
	u.RawQuery = q.Encode()
	return u
}

// DetailURL is the overview page of one activity.
func DetailURL(base *url.URL, activityID string) *url.URL {
	return withPath(base, "activities", activityID, "overview")
}

func withPath(base *url.URL, elem ...string) *url.URL {
	u := *base
	u.Path = path.Join(append([]string{"/", base.Path}, elem...)...)
	u.RawPath = ""
	u.RawQuery = ""
	u.Fragment = ""
	return &u
}
