package extract

import (
	"math"
	"regexp"
	"strconv"
)

var (
	hmsPattern = regexp.MustCompile(`(?m)^\s*(\d+):(\d+):(\d+)`)
	msPattern  = regexp.MustCompile(`(?m)^\s*(\d+):(\d+)`)
)

// ElapsedTimeToSec parses "HH:MM:SS" or "MM:SS" at the start of text, e.g.
// "01:10:10 hours" or "30:00 minutes". Trailing text is ignored.
func ElapsedTimeToSec(text string) (int32, bool) {
	if m := hmsPattern.FindStringSubmatch(text); m != nil {
		h, ok1 := atoi(m[1])
		mi, ok2 := atoi(m[2])
		s, ok3 := atoi(m[3])
		if !ok1 || !ok2 || !ok3 {
			return 0, false
		}
		return fitInt32(h*3600 + mi*60 + s)
	}
	if m := msPattern.FindStringSubmatch(text); m != nil {
		mi, ok1 := atoi(m[1])
		s, ok2 := atoi(m[2])
		if !ok1 || !ok2 {
			return 0, false
		}
		return fitInt32(mi*60 + s)
	}
	return 0, false
}

// PaceToSec parses a leading "MM:SS" pace such as "05:30 /km".
func PaceToSec(text string) (int16, bool) {
	m := msPattern.FindStringSubmatch(text)
	if m == nil {
		return 0, false
	}
	mi, ok1 := atoi(m[1])
	s, ok2 := atoi(m[2])
	if !ok1 || !ok2 {
		return 0, false
	}
	total := mi*60 + s
	if total > math.MaxInt16 {
		return 0, false
	}
	return int16(total), true
}

func fitInt32(v int64) (int32, bool) {
	if v > math.MaxInt32 {
		return 0, false
	}
	return int32(v), true
}

func atoi(s string) (int64, bool) {
	n, err := strconv.ParseInt(s, 10, 32)
	return n, err == nil
}
