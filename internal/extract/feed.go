// Package extract turns fetched profile and activity pages into typed records.
package extract

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"

	"activityharvest/pkg/types"
)

var (
	ErrSessionExpired    = errors.New("not logged in: session expired")
	ErrNoActivityData    = errors.New("no activity data found")
	ErrDecodeFeed        = errors.New("failed to parse activity data")
	ErrNoInlineStats     = errors.New("no inline stats found")
	ErrInvalidActivityID = errors.New("invalid activity id")
)

const (
	loggedInClass    = "logged-in"
	feedSelector     = ".react-feed-component"
	feedPropsAttr    = "data-react-props"
	runActivityType  = "Run"
	entityActivity   = "Activity"
	entityGroupEvent = "GroupActivity"
)

// DecodeError carries the feed payload that failed to decode.
type DecodeError struct {
	Payload string
	Err     error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("%s: %v", ErrDecodeFeed, e.Err)
}

func (e *DecodeError) Unwrap() []error {
	return []error{ErrDecodeFeed, e.Err}
}

// Parse builds a queryable document from a page body. The node tree is parsed
// once and shared by every check run against the page.
func Parse(body []byte) (*goquery.Document, error) {
	root, err := html.Parse(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	return goquery.NewDocumentFromNode(root), nil
}

// LoggedIn reports whether the page was rendered for an authenticated session.
func LoggedIn(doc *goquery.Document) bool {
	return doc.Find("body").First().HasClass(loggedInClass)
}

// ParseFeed returns the Run activities embedded in an athlete profile page,
// in feed order. An empty slice is a valid result.
func ParseFeed(doc *goquery.Document) ([]types.ActivitySummary, error) {
	if !LoggedIn(doc) {
		return nil, ErrSessionExpired
	}

	node := doc.Find(feedSelector).First()
	if node.Length() == 0 {
		return nil, ErrNoActivityData
	}
	payload, ok := node.Attr(feedPropsAttr)
	if !ok {
		return nil, ErrNoActivityData
	}

	var props types.FeedProps
	if err := json.Unmarshal([]byte(payload), &props); err != nil {
		return nil, &DecodeError{Payload: payload, Err: err}
	}
	return FilterRuns(props.AppContext.Entries), nil
}

// FilterRuns keeps solo and group Run entries, preserving order.
func FilterRuns(entries []types.FeedEntry) []types.ActivitySummary {
	out := make([]types.ActivitySummary, 0, len(entries))
	for _, entry := range entries {
		if entry.Entity != entityActivity && entry.Entity != entityGroupEvent {
			continue
		}
		if entry.Activity == nil || entry.Activity.Type != runActivityType {
			continue
		}
		out = append(out, *entry.Activity)
	}
	return out
}
