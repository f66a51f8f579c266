// Package notify models user-visible download notifications and the
// gateway that displays them and delivers action presses back as
// structured actions.
package notify

import (
	"fmt"
	"math"
	"strings"
)

// Notification colours
const (
	ColorRunning  = "#FF6347"
	ColorPaused   = "#FFA000"
	ColorComplete = "#00C853"
	ColorFailed   = "#D50000"
)

// Default channel
const (
	DefaultChannelID   = "download"
	DefaultChannelName = "Downloads"
	SmallIcon          = "ic_notification"
)

// Importance of a notification channel
type Importance string

const (
	ImportanceDefault Importance = "default"
	ImportanceHigh    Importance = "high"
)

// Channel is a notification channel
type Channel struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	Importance Importance `json:"importance"`
}

// DefaultChannel returns the download channel
func DefaultChannel() Channel {
	return Channel{ID: DefaultChannelID, Name: DefaultChannelName, Importance: ImportanceHigh}
}

// Progress is a determinate or indeterminate progress bar
type Progress struct {
	Max           int  `json:"max"`
	Current       int  `json:"current"`
	Indeterminate bool `json:"indeterminate"`
}

// Button is a notification action button
type Button struct {
	Label    string `json:"label"`
	ActionID string `json:"actionId"`
}

// Notification is a displayable notification. ID replaces any notification
// already shown under the same id.
type Notification struct {
	ID            string    `json:"id"`
	ChannelID     string    `json:"channelId"`
	Title         string    `json:"title"`
	Body          string    `json:"body"`
	SmallIcon     string    `json:"smallIcon,omitempty"`
	Color         string    `json:"color,omitempty"`
	Progress      *Progress `json:"progress,omitempty"`
	Buttons       []Button  `json:"buttons,omitempty"`
	OnlyAlertOnce bool      `json:"onlyAlertOnce,omitempty"`
}

// ActionKind is what a pressed notification action asks for
type ActionKind int

const (
	ActionToggle ActionKind = iota
	ActionCancel
)

// String returns the action id prefix of the kind
func (k ActionKind) String() string {
	switch k {
	case ActionToggle:
		return "toggle"
	case ActionCancel:
		return "cancel"
	default:
		return "unknown"
	}
}

// Action is a decoded action press
type Action struct {
	Kind     ActionKind
	FileName string
}

// ID returns the wire action id, e.g. "toggle_movieA"
func (a Action) ID() string {
	return a.Kind.String() + "_" + a.FileName
}

// ToggleActionID returns the pause/resume action id for fileName
func ToggleActionID(fileName string) string {
	return Action{Kind: ActionToggle, FileName: fileName}.ID()
}

// CancelActionID returns the cancel action id for fileName
func CancelActionID(fileName string) string {
	return Action{Kind: ActionCancel, FileName: fileName}.ID()
}

// ParseActionID decodes "toggle_<fileName>" and "cancel_<fileName>".
// Only the first underscore separates the kind, so file names may contain
// underscores.
func ParseActionID(id string) (Action, bool) {
	kind, fileName, ok := strings.Cut(id, "_")
	if !ok || fileName == "" {
		return Action{}, false
	}
	switch kind {
	case "toggle":
		return Action{Kind: ActionToggle, FileName: fileName}, true
	case "cancel":
		return Action{Kind: ActionCancel, FileName: fileName}, true
	default:
		return Action{}, false
	}
}

// CompleteID and FailedID are the ids of terminal notifications
func CompleteID(fileName string) string { return "complete_" + fileName }
func FailedID(fileName string) string   { return "failed_" + fileName }

// Percent returns floor(downloaded/total*100), 0 when total is unknown
func Percent(downloaded, total int64) int {
	if total <= 0 {
		return 0
	}
	p := int(math.Floor(float64(downloaded) / float64(total) * 100))
	if p > 100 {
		p = 100
	}
	if p < 0 {
		p = 0
	}
	return p
}

// ProgressBody renders "<pct>% - <downloaded> / <total>"
func ProgressBody(downloaded, total int64) string {
	return fmt.Sprintf("%d%% - %s / %s", Percent(downloaded, total), FormatBytes(downloaded), FormatBytes(total))
}

var byteUnits = []string{"B", "KB", "MB", "GB", "TB"}

// FormatBytes renders n in base-1024 units with two decimals; zero is "0 B".
func FormatBytes(n int64) string {
	if n <= 0 {
		return "0 B"
	}
	v, i := float64(n), 0
	for v >= 1024 && i < len(byteUnits)-1 {
		v /= 1024
		i++
	}
	return fmt.Sprintf("%.2f %s", v, byteUnits[i])
}

// ProgressNotification builds the ongoing notification for a transfer
func ProgressNotification(channelID, fileName string, downloaded, total int64, paused bool) Notification {
	color, toggle := ColorRunning, "Pause"
	if paused {
		color, toggle = ColorPaused, "Resume"
	}
	return Notification{
		ID:        fileName,
		ChannelID: channelID,
		Title:     fileName,
		Body:      ProgressBody(downloaded, total),
		SmallIcon: SmallIcon,
		Color:     color,
		Progress: &Progress{
			Max:     100,
			Current: Percent(downloaded, total),
		},
		Buttons: []Button{
			{Label: toggle, ActionID: ToggleActionID(fileName)},
			{Label: "Cancel", ActionID: CancelActionID(fileName)},
		},
		OnlyAlertOnce: true,
	}
}

// CompleteNotification is shown once a transfer finished
func CompleteNotification(channelID, fileName string) Notification {
	return Notification{
		ID:        CompleteID(fileName),
		ChannelID: channelID,
		Title:     "Download Complete",
		Body:      fileName,
		SmallIcon: SmallIcon,
		Color:     ColorComplete,
	}
}

// FailedNotification is shown once a transfer failed
func FailedNotification(channelID, fileName string) Notification {
	return Notification{
		ID:        FailedID(fileName),
		ChannelID: channelID,
		Title:     "Download Failed",
		Body:      fileName,
		SmallIcon: SmallIcon,
		Color:     ColorFailed,
	}
}
