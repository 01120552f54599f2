package export

import (
	"fmt"
	"math"
	"path/filepath"
	"strings"
)

// EDL renders the plan as a CMX3600-style edit decision list, one
// event per segment, for handoff to external editors. Source times
// come from the video ranges; record times follow the timeline clock.
func (p *Plan) EDL(title string, frameRate float64) string {
	fps := int(math.Round(frameRate))
	if fps <= 0 {
		fps = 30
	}

	isDropFrame := math.Abs(frameRate-29.97) < 0.01 || math.Abs(frameRate-59.94) < 0.01

	lines := []string{fmt.Sprintf("TITLE: %s", SanitizeName(title, 60))}
	if isDropFrame {
		lines = append(lines, "FCM: DROP FRAME")
	} else {
		lines = append(lines, "FCM: NON-DROP FRAME")
	}
	lines = append(lines, "")

	event := 0
	for _, entry := range p.Entries {
		if entry.Video == nil {
			continue
		}
		event++

		srcInMs := ticksToMs(entry.Video.SrcIn, entry.Video.TimeBase.Num, entry.Video.TimeBase.Den)
		srcOutMs := ticksToMs(entry.Video.SrcOut, entry.Video.TimeBase.Num, entry.Video.TimeBase.Den)
		recInMs := entry.StartTL / 1000
		recOutMs := (entry.StartTL + entry.DurationTL) / 1000

		lines = append(lines,
			fmt.Sprintf("%03d  %-8s %-5s C        %s %s %s %s", event, "AX", "V",
				msToTimecode(srcInMs, fps), msToTimecode(srcOutMs, fps),
				msToTimecode(recInMs, fps), msToTimecode(recOutMs, fps)),
			fmt.Sprintf("* FROM CLIP NAME:  %s", filepath.Base(entry.Path)),
			fmt.Sprintf("* MEDIA PATH:  %s", entry.Path),
		)
	}

	lines = append(lines, "")
	return strings.Join(lines, "\n")
}

func ticksToMs(ticks int64, num, den int32) int64 {
	if den == 0 {
		return 0
	}
	return ticks * 1000 * int64(num) / int64(den)
}

func msToTimecode(ms int64, fps int) string {
	totalFrames := int(math.Round(float64(ms) * float64(fps) / 1000.0))
	frames := totalFrames % fps
	totalSeconds := totalFrames / fps
	seconds := totalSeconds % 60
	totalMinutes := totalSeconds / 60
	minutes := totalMinutes % 60
	hours := totalMinutes / 60
	return fmt.Sprintf("%02d:%02d:%02d:%02d", hours, minutes, seconds, frames)
}
