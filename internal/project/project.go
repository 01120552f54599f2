// Package project holds the authoritative editing state: imported
// assets, the timeline, and persisted settings. A Project is owned by
// the engine goroutine; everything that leaves it is a deep copy.
package project

import (
	"errors"
	"fmt"

	"github.com/r4ai/cutit/internal/media"
	"github.com/r4ai/cutit/internal/timebase"
	"github.com/r4ai/cutit/internal/timeline"
)

var (
	// ErrOutsideTimeline marks a tick with no containing segment.
	ErrOutsideTimeline = errors.New("no segment at requested timeline tick")
	// ErrMissingStream marks a request for a stream the asset lacks.
	ErrMissingStream = errors.New("asset has no stream of the requested kind")
	// ErrMissingAsset marks a segment referencing an unknown asset.
	ErrMissingAsset = errors.New("segment references an unknown asset")
)

// VideoStreamInfo is the probed video metadata the timeline needs.
type VideoStreamInfo struct {
	TimeBase  timebase.Rational `json:"time_base"`
	FrameRate timebase.Rational `json:"frame_rate,omitzero"`
	Width     int               `json:"width"`
	Height    int               `json:"height"`
}

// AudioStreamInfo is the probed audio metadata the timeline needs.
type AudioStreamInfo struct {
	TimeBase   timebase.Rational `json:"time_base"`
	SampleRate int               `json:"sample_rate"`
	Channels   int               `json:"channels"`
}

// MediaAsset is one imported file. Immutable after import: probing
// freezes the stream descriptors and the duration.
type MediaAsset struct {
	ID               int64            `json:"id"`
	Path             string           `json:"path"`
	VideoStreamIndex *int             `json:"video_stream_index,omitempty"`
	AudioStreamIndex *int             `json:"audio_stream_index,omitempty"`
	Video            *VideoStreamInfo `json:"video,omitempty"`
	Audio            *AudioStreamInfo `json:"audio,omitempty"`
	DurationTL       int64            `json:"duration_tl"`
}

// ExportSettings are the persisted output defaults.
type ExportSettings struct {
	Container  string `json:"container"`
	VideoCodec string `json:"video_codec"`
	AudioCodec string `json:"audio_codec"`
}

// Settings is the persisted project-wide configuration.
type Settings struct {
	Export *ExportSettings `json:"export_settings,omitempty"`
}

// Project is the authoritative editing state.
type Project struct {
	Assets   []MediaAsset
	Timeline timeline.Timeline
	Settings Settings
}

// FromProbe builds a project containing one asset and a single
// segment spanning its whole duration.
func FromProbe(assetID, segmentID int64, probed *media.ProbeResult) (*Project, error) {
	p := &Project{}
	if err := p.AppendProbe(assetID, segmentID, probed); err != nil {
		return nil, err
	}
	return p, nil
}

// AppendProbe adds a probed asset plus a full-span segment at the end
// of the timeline.
func (p *Project) AppendProbe(assetID, segmentID int64, probed *media.ProbeResult) error {
	if probed.Video == nil && probed.Audio == nil {
		return fmt.Errorf("%s: no usable video or audio stream", probed.Path)
	}
	durationTL := probed.DurationTL
	if durationTL < 1 {
		durationTL = 1
	}

	asset := MediaAsset{
		ID:         assetID,
		Path:       probed.Path,
		DurationTL: durationTL,
	}
	segment := timeline.Segment{
		ID:       segmentID,
		AssetID:  assetID,
		Start:    p.DurationTL(),
		Duration: durationTL,
	}

	if v := probed.Video; v != nil {
		idx := v.StreamIndex
		asset.VideoStreamIndex = &idx
		asset.Video = &VideoStreamInfo{TimeBase: v.TimeBase, FrameRate: v.FrameRate, Width: v.Width, Height: v.Height}
		segment.SrcInVideo = timeline.Tick(v.SrcIn)
		segment.SrcOutVideo = timeline.Tick(v.SrcOut)
	}
	if a := probed.Audio; a != nil {
		idx := a.StreamIndex
		asset.AudioStreamIndex = &idx
		asset.Audio = &AudioStreamInfo{TimeBase: a.TimeBase, SampleRate: a.SampleRate, Channels: a.Channels}
		segment.SrcInAudio = timeline.Tick(a.SrcIn)
		segment.SrcOutAudio = timeline.Tick(a.SrcOut)
	}

	p.Assets = append(p.Assets, asset)
	p.Timeline.Segments = append(p.Timeline.Segments, segment)
	return nil
}

// Asset returns the asset with the given id.
func (p *Project) Asset(assetID int64) (*MediaAsset, error) {
	for i := range p.Assets {
		if p.Assets[i].ID == assetID {
			return &p.Assets[i], nil
		}
	}
	return nil, fmt.Errorf("asset %d: %w", assetID, ErrMissingAsset)
}

// DurationTL returns the total timeline duration in timeline ticks.
func (p *Project) DurationTL() int64 {
	return p.Timeline.Duration()
}

// Bases is a timeline.BaseResolver over the project's assets.
func (p *Project) Bases(assetID int64) timeline.StreamBases {
	asset, err := p.Asset(assetID)
	if err != nil {
		return timeline.StreamBases{}
	}
	var sb timeline.StreamBases
	if asset.Video != nil {
		tb := asset.Video.TimeBase
		sb.Video = &tb
	}
	if asset.Audio != nil {
		tb := asset.Audio.TimeBase
		sb.Audio = &tb
	}
	return sb
}

// NormalizePlayhead clamps a playhead tick into [0, duration-1], or 0
// for an empty timeline.
func (p *Project) NormalizePlayhead(tTL int64) int64 {
	duration := p.DurationTL()
	if duration <= 0 {
		return 0
	}
	if tTL < 0 {
		return 0
	}
	if tTL > duration-1 {
		return duration - 1
	}
	return tTL
}

// PreviewTarget maps a timeline tick onto the source video stream of
// the containing segment: src = src_in + rescale(local, timeline,
// stream). SourceTL is the mapped instant back in timeline ticks,
// clamped non-negative, used for cache bucketing.
type PreviewTarget struct {
	AssetID    int64
	SegmentID  int64
	Path       string
	Stream     media.VideoStreamInfo
	SrcTarget  int64
	SourceTL   int64
	Width      int
	Height     int
	StreamIdx  int
	DurationTL int64
}

// PreviewTargetAt resolves the preview mapping for tick tTL.
func (p *Project) PreviewTargetAt(tTL int64) (*PreviewTarget, error) {
	index := p.Timeline.IndexAt(tTL)
	if index < 0 {
		return nil, fmt.Errorf("tick %d: %w", tTL, ErrOutsideTimeline)
	}
	segment := p.Timeline.Segments[index]
	asset, err := p.Asset(segment.AssetID)
	if err != nil {
		return nil, err
	}
	if asset.Video == nil || segment.SrcInVideo == nil {
		return nil, fmt.Errorf("asset %d video: %w", asset.ID, ErrMissingStream)
	}

	local := tTL - segment.Start
	srcTarget := *segment.SrcInVideo + timebase.Rescale(local, timebase.TimelineBase, asset.Video.TimeBase)
	sourceTL := timebase.Rescale(srcTarget, asset.Video.TimeBase, timebase.TimelineBase)
	if sourceTL < 0 {
		sourceTL = 0
	}

	streamIdx := 0
	if asset.VideoStreamIndex != nil {
		streamIdx = *asset.VideoStreamIndex
	}
	return &PreviewTarget{
		AssetID:   asset.ID,
		SegmentID: segment.ID,
		Path:      asset.Path,
		Stream: media.VideoStreamInfo{
			StreamIndex: streamIdx,
			TimeBase:    asset.Video.TimeBase,
			FrameRate:   asset.Video.FrameRate,
			SrcIn:       *segment.SrcInVideo,
			SrcOut:      valueOr(segment.SrcOutVideo, srcTarget),
			Width:       asset.Video.Width,
			Height:      asset.Video.Height,
		},
		SrcTarget:  srcTarget,
		SourceTL:   sourceTL,
		Width:      asset.Video.Width,
		Height:     asset.Video.Height,
		StreamIdx:  streamIdx,
		DurationTL: asset.DurationTL,
	}, nil
}

func valueOr(p *int64, fallback int64) int64 {
	if p != nil {
		return *p
	}
	return fallback
}

// AssetSummary is the snapshot view of one asset.
type AssetSummary struct {
	ID         int64  `json:"id"`
	Path       string `json:"path"`
	HasVideo   bool   `json:"has_video"`
	HasAudio   bool   `json:"has_audio"`
	DurationTL int64  `json:"duration_tl"`
}

// Snapshot is the immutable, fully-owned view of the project exposed
// across the pipeline boundary. It never aliases live state.
type Snapshot struct {
	Assets     []AssetSummary     `json:"assets"`
	Segments   []timeline.Segment `json:"segments"`
	DurationTL int64              `json:"duration_tl"`
}

// Snapshot deep-copies the project state.
func (p *Project) Snapshot() Snapshot {
	assets := make([]AssetSummary, len(p.Assets))
	for i, asset := range p.Assets {
		assets[i] = AssetSummary{
			ID:         asset.ID,
			Path:       asset.Path,
			HasVideo:   asset.Video != nil,
			HasAudio:   asset.Audio != nil,
			DurationTL: asset.DurationTL,
		}
	}
	cloned := p.Timeline.Clone()
	return Snapshot{
		Assets:     assets,
		Segments:   cloned.Segments,
		DurationTL: p.DurationTL(),
	}
}

// Validate checks asset and timeline consistency: unique asset ids,
// stream-index/stream pairing, timeline invariants, and that each
// segment's stream ranges match its asset's streams.
func (p *Project) Validate() error {
	seen := make(map[int64]struct{}, len(p.Assets))
	for _, asset := range p.Assets {
		if _, dup := seen[asset.ID]; dup {
			return fmt.Errorf("duplicate asset id %d", asset.ID)
		}
		seen[asset.ID] = struct{}{}

		if (asset.Video != nil) != (asset.VideoStreamIndex != nil) {
			return fmt.Errorf("asset %d: video stream and stream index must be paired", asset.ID)
		}
		if (asset.Audio != nil) != (asset.AudioStreamIndex != nil) {
			return fmt.Errorf("asset %d: audio stream and stream index must be paired", asset.ID)
		}
		if asset.Video != nil && !asset.Video.TimeBase.Valid() {
			return fmt.Errorf("asset %d: invalid video time base %s", asset.ID, asset.Video.TimeBase)
		}
		if asset.Audio != nil && !asset.Audio.TimeBase.Valid() {
			return fmt.Errorf("asset %d: invalid audio time base %s", asset.ID, asset.Audio.TimeBase)
		}
		if asset.DurationTL <= 0 {
			return fmt.Errorf("asset %d: non-positive duration %d", asset.ID, asset.DurationTL)
		}
	}

	if err := p.Timeline.Validate(); err != nil {
		return err
	}

	for _, segment := range p.Timeline.Segments {
		asset, err := p.Asset(segment.AssetID)
		if err != nil {
			return err
		}
		if (segment.SrcInVideo != nil) != (asset.Video != nil) {
			return fmt.Errorf("segment %d video range does not match asset %d streams", segment.ID, asset.ID)
		}
		if (segment.SrcInAudio != nil) != (asset.Audio != nil) {
			return fmt.Errorf("segment %d audio range does not match asset %d streams", segment.ID, asset.ID)
		}
	}
	return nil
}
