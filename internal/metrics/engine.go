package metrics

import (
	"math"
	"sort"
	"strings"

	"github.com/codebuildervaibhav/meeting-recorder/internal/types"
)

const (
	// WindowSec is the trailing window used for selfWpm
	WindowSec = 60.0
	// MinSpokenSec is the spoken-time floor below which selfWpm reports 0
	MinSpokenSec = 1.0
	// MergeGapSec joins consecutive self segments into one monologue turn
	MergeGapSec = 1.5
	// Precision is the number of decimals every float in a Snapshot is rounded to
	Precision = 2
)

// Snapshot is the conversational metrics view of a session at one point in time
type Snapshot struct {
	SelfWpm             float64 `json:"selfWpm"`
	SilenceRatio        float64 `json:"silenceRatio"`
	SelfTalkTimeSec     float64 `json:"selfTalkTimeSec"`
	OthersTalkTimeSec   float64 `json:"othersTalkTimeSec"`
	TalkRatio           float64 `json:"talkRatio"`
	LongestMonologueSec float64 `json:"longestMonologueSec"`
	LongestSilenceSec   float64 `json:"longestSilenceSec"`
	SegmentCount        int     `json:"segmentCount"`
	AvgSegmentLenWords  float64 `json:"avgSegmentLenWords"`
	ElapsedSec          float64 `json:"elapsedSec"`
}

// Engine accumulates the segment history of one session
type Engine struct {
	segments []types.Segment
}

// NewEngine creates an empty engine
func NewEngine() *Engine {
	return &Engine{}
}

// Add appends a tagged segment to the history
func (e *Engine) Add(seg types.Segment) {
	e.segments = append(e.segments, seg)
}

// Len returns the number of segments seen
func (e *Engine) Len() int {
	return len(e.segments)
}

// Snapshot computes metrics over the full history
func (e *Engine) Snapshot(elapsedSec float64) Snapshot {
	return Compute(e.segments, elapsedSec)
}

// Compute derives a Snapshot from an ordered segment history and the wall-clock
// seconds elapsed since the session started. The input slice is not modified.
func Compute(segments []types.Segment, elapsedSec float64) Snapshot {
	var (
		selfTalk, othersTalk float64
		totalWords           int
	)
	for _, seg := range segments {
		if seg.Speaker == types.SpeakerSelf {
			selfTalk += seg.Duration()
		} else {
			othersTalk += seg.Duration()
		}
		totalWords += wordCount(seg.Text)
	}
	totalTalk := selfTalk + othersTalk

	snap := Snapshot{
		SelfWpm:             selfWpm(segments, elapsedSec),
		SelfTalkTimeSec:     round(selfTalk),
		OthersTalkTimeSec:   round(othersTalk),
		LongestMonologueSec: round(longestMonologue(segments)),
		LongestSilenceSec:   round(longestSilence(segments)),
		SegmentCount:        len(segments),
		ElapsedSec:          round(math.Max(0, elapsedSec)),
	}

	if elapsedSec > 0 {
		snap.SilenceRatio = round(clamp01(1 - totalTalk/elapsedSec))
	}
	if totalTalk > 0 {
		snap.TalkRatio = round(clamp01(selfTalk / totalTalk))
	}
	if len(segments) > 0 {
		snap.AvgSegmentLenWords = round(float64(totalWords) / float64(len(segments)))
	}

	return snap
}

// selfWpm counts words of self segments overlapping the trailing window and divides
// by the spoken seconds of those same segments
func selfWpm(segments []types.Segment, elapsedSec float64) float64 {
	windowEnd := elapsedSec
	for _, seg := range segments {
		if seg.End > windowEnd {
			windowEnd = seg.End
		}
	}
	windowStart := windowEnd - WindowSec

	var (
		words  int
		spoken float64
	)
	for _, seg := range segments {
		if seg.Speaker != types.SpeakerSelf {
			continue
		}
		if seg.End < windowStart || seg.Start > windowEnd {
			continue
		}
		words += wordCount(seg.Text)
		spoken += seg.Duration()
	}

	if spoken < MinSpokenSec {
		return 0
	}
	return round(float64(words) / spoken * 60)
}

// longestMonologue merges self segments whose gap is below MergeGapSec into one
// turn; the gap counts toward the turn
func longestMonologue(segments []types.Segment) float64 {
	self := make([]types.Segment, 0, len(segments))
	for _, seg := range segments {
		if seg.Speaker == types.SpeakerSelf {
			self = append(self, seg)
		}
	}
	if len(self) == 0 {
		return 0
	}
	sortByStart(self)

	turnStart, turnEnd := self[0].Start, math.Max(self[0].Start, self[0].End)
	longest := turnEnd - turnStart
	for _, seg := range self[1:] {
		if seg.Start-turnEnd < MergeGapSec {
			turnEnd = math.Max(turnEnd, seg.End)
		} else {
			turnStart, turnEnd = seg.Start, math.Max(seg.Start, seg.End)
		}
		longest = math.Max(longest, turnEnd-turnStart)
	}
	return longest
}

// longestSilence is the widest gap between chronologically consecutive segments.
// Overlapping segments close the gap.
func longestSilence(segments []types.Segment) float64 {
	if len(segments) < 2 {
		return 0
	}
	ordered := make([]types.Segment, len(segments))
	copy(ordered, segments)
	sortByStart(ordered)

	var longest float64
	lastEnd := ordered[0].End
	for _, seg := range ordered[1:] {
		if gap := seg.Start - lastEnd; gap > longest {
			longest = gap
		}
		if seg.End > lastEnd {
			lastEnd = seg.End
		}
	}
	return longest
}

func sortByStart(segments []types.Segment) {
	sort.SliceStable(segments, func(i, j int) bool {
		return segments[i].Start < segments[j].Start
	})
}

func wordCount(text string) int {
	return len(strings.Fields(text))
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func round(v float64) float64 {
	scale := math.Pow(10, Precision)
	return math.Round(v*scale) / scale
}
