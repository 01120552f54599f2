// Package timeline implements the single-track segment model and its
// edit algebra. A timeline is an ordered, contiguous list of segments
// starting at tick zero; edits replace the segment list atomically, so
// a failed or no-op edit leaves the previous timeline untouched.
package timeline

import (
	"fmt"

	"github.com/r4ai/cutit/internal/timebase"
)

// Segment is one contiguous timeline interval referencing a single
// asset. Source ranges are per stream and optional: a segment may
// carry only video, only audio, or both. All Src* values are ticks in
// the owning stream's native base; Start and Duration are timeline
// ticks (microseconds).
type Segment struct {
	ID          int64  `json:"id"`
	AssetID     int64  `json:"asset_id"`
	SrcInVideo  *int64 `json:"src_in_video,omitempty"`
	SrcOutVideo *int64 `json:"src_out_video,omitempty"`
	SrcInAudio  *int64 `json:"src_in_audio,omitempty"`
	SrcOutAudio *int64 `json:"src_out_audio,omitempty"`
	Start       int64  `json:"timeline_start"`
	Duration    int64  `json:"timeline_duration"`
}

// End returns the exclusive timeline end tick of the segment.
func (s Segment) End() int64 {
	return s.Start + s.Duration
}

// Clone deep-copies the segment, including the optional range fields.
func (s Segment) Clone() Segment {
	out := s
	out.SrcInVideo = cloneTick(s.SrcInVideo)
	out.SrcOutVideo = cloneTick(s.SrcOutVideo)
	out.SrcInAudio = cloneTick(s.SrcInAudio)
	out.SrcOutAudio = cloneTick(s.SrcOutAudio)
	return out
}

func cloneTick(p *int64) *int64 {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// Tick returns a pointer to v, for building segment literals.
func Tick(v int64) *int64 {
	return &v
}

// StreamBases carries the native time bases of a segment's streams.
// A nil entry means the asset has no stream of that kind.
type StreamBases struct {
	Video *timebase.Rational
	Audio *timebase.Rational
}

// BaseResolver reports the stream time bases for an asset. Edits use
// it to map timeline durations into per-stream source ticks.
type BaseResolver func(assetID int64) StreamBases

// IDAllocator returns a fresh segment identity. It is only invoked
// when an edit actually produces new segments.
type IDAllocator func() int64

// Timeline is the ordered, contiguous segment list. It is owned by
// the engine goroutine; other components only ever see copies.
type Timeline struct {
	Segments []Segment
}

// Duration returns the total timeline duration in timeline ticks.
func (t *Timeline) Duration() int64 {
	if len(t.Segments) == 0 {
		return 0
	}
	return t.Segments[len(t.Segments)-1].End()
}

// IndexAt returns the index of the segment containing tick tTL, or -1
// when tTL falls outside [0, Duration).
func (t *Timeline) IndexAt(tTL int64) int {
	for i, seg := range t.Segments {
		if seg.Start <= tTL && tTL < seg.End() {
			return i
		}
	}
	return -1
}

// Clone deep-copies the timeline.
func (t *Timeline) Clone() Timeline {
	out := Timeline{Segments: make([]Segment, len(t.Segments))}
	for i, seg := range t.Segments {
		out.Segments[i] = seg.Clone()
	}
	return out
}

// Split divides the segment containing tick at into two segments whose
// durations sum to the original and whose per-stream source ranges
// partition the original ranges. Both halves receive fresh identities.
//
// A split exactly on an existing boundary, or outside [0, Duration),
// is a no-op: Split returns false and the timeline is unchanged.
func (t *Timeline) Split(at int64, alloc IDAllocator, bases BaseResolver) bool {
	index := t.IndexAt(at)
	if index < 0 {
		return false
	}
	current := t.Segments[index]
	if at == current.Start {
		return false
	}

	sb := bases(current.AssetID)
	left, right := splitSegment(current, at, sb)
	left.ID = alloc()
	right.ID = alloc()

	segments := make([]Segment, 0, len(t.Segments)+1)
	segments = append(segments, t.Segments[:index]...)
	segments = append(segments, left, right)
	segments = append(segments, t.Segments[index+1:]...)
	t.Segments = segments
	return true
}

// splitSegment cuts one segment at timeline tick at, which must lie
// strictly inside the segment.
func splitSegment(current Segment, at int64, sb StreamBases) (left, right Segment) {
	local := at - current.Start

	left = current.Clone()
	right = current.Clone()
	left.Duration = local
	right.Start = at
	right.Duration = current.Duration - local

	videoSplit := splitStreamRange(current.SrcInVideo, current.SrcOutVideo, local, sb.Video)
	audioSplit := splitStreamRange(current.SrcInAudio, current.SrcOutAudio, local, sb.Audio)
	if videoSplit != nil {
		left.SrcOutVideo = cloneTick(videoSplit)
		right.SrcInVideo = cloneTick(videoSplit)
	}
	if audioSplit != nil {
		left.SrcOutAudio = cloneTick(audioSplit)
		right.SrcInAudio = cloneTick(audioSplit)
	}
	return left, right
}

// splitStreamRange maps a left-hand timeline duration into the stream
// base and clamps the split point into [srcIn, srcOut]. Returns nil
// when the segment has no range for this stream.
func splitStreamRange(srcIn, srcOut *int64, leftDurationTL int64, base *timebase.Rational) *int64 {
	if srcIn == nil || srcOut == nil || base == nil {
		return nil
	}
	delta := timebase.Rescale(leftDurationTL, timebase.TimelineBase, *base)
	split := *srcIn + delta
	if split < *srcIn {
		split = *srcIn
	}
	if split > *srcOut {
		split = *srcOut
	}
	return &split
}

// RippleDelete removes timeline time [start, end) and closes the gap:
// segments fully inside the range are dropped, segments straddling a
// boundary are split there first, and everything after the range
// shifts left by the removed duration. The range is clamped to
// [0, Duration); an empty or fully out-of-range request is a no-op
// returning false.
func (t *Timeline) RippleDelete(start, end int64, alloc IDAllocator, bases BaseResolver) bool {
	total := t.Duration()
	if start < 0 {
		start = 0
	}
	if end > total {
		end = total
	}
	if end <= start {
		return false
	}

	work := t.Clone()
	work.Split(start, alloc, bases)
	work.Split(end, alloc, bases)

	removed := end - start
	segments := make([]Segment, 0, len(work.Segments))
	for _, seg := range work.Segments {
		switch {
		case seg.End() <= start:
			segments = append(segments, seg)
		case seg.Start >= end:
			shifted := seg.Clone()
			shifted.Start -= removed
			segments = append(segments, shifted)
		default:
			// Fully inside [start, end) after the boundary splits.
		}
	}
	t.Segments = segments
	return true
}

// Validate checks the structural invariants: contiguity from tick
// zero, positive durations, and ordered per-stream source ranges.
func (t *Timeline) Validate() error {
	expectedStart := int64(0)
	seen := make(map[int64]struct{}, len(t.Segments))
	for _, seg := range t.Segments {
		if _, dup := seen[seg.ID]; dup {
			return fmt.Errorf("duplicate segment id %d", seg.ID)
		}
		seen[seg.ID] = struct{}{}

		if seg.Duration <= 0 {
			return fmt.Errorf("segment %d has non-positive duration %d", seg.ID, seg.Duration)
		}
		if seg.Start != expectedStart {
			return fmt.Errorf("segment %d starts at %d, want %d: timeline must stay contiguous", seg.ID, seg.Start, expectedStart)
		}
		if err := validateRange("video", seg.ID, seg.SrcInVideo, seg.SrcOutVideo); err != nil {
			return err
		}
		if err := validateRange("audio", seg.ID, seg.SrcInAudio, seg.SrcOutAudio); err != nil {
			return err
		}
		if seg.SrcInVideo == nil && seg.SrcInAudio == nil {
			return fmt.Errorf("segment %d references no stream", seg.ID)
		}
		expectedStart = seg.End()
	}
	return nil
}

func validateRange(stream string, segID int64, in, out *int64) error {
	if (in == nil) != (out == nil) {
		return fmt.Errorf("segment %d has a half-open %s range", segID, stream)
	}
	if in != nil && *out < *in {
		return fmt.Errorf("segment %d %s range [%d, %d) is inverted", segID, stream, *in, *out)
	}
	return nil
}
