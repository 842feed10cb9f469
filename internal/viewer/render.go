package viewer

import (
	"time"
)

const (
	LabelConnected    = "已连接"
	LabelDisconnected = "未连接"
	EmptyTitle        = "等待语音输入..."
	EmptyHint         = "请在Android应用中开始录音"

	timestampLayout = "2006/01/02 15:04:05"
)

type Item struct {
	ID   string `json:"id"`
	Text string `json:"text"`
	Time string `json:"time"`
}

// Page is the rendered dashboard.
type Page struct {
	Title           string `json:"title"`
	Connected       bool   `json:"connected"`
	ConnectionLabel string `json:"connection_label"`
	Loading         bool   `json:"loading"`
	Empty           bool   `json:"empty"`
	EmptyTitle      string `json:"empty_title,omitempty"`
	EmptyHint       string `json:"empty_hint,omitempty"`
	Items           []Item `json:"items"`
}

func FormatTimestamp(t time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.Local
	}
	return t.In(loc).Format(timestampLayout)
}

// Render projects s into a page. Loading shows only the spinner; otherwise an
// empty collection shows the waiting message.
func Render(s State, title string, loc *time.Location) Page {
	p := Page{
		Title:           title,
		Connected:       s.Connected,
		ConnectionLabel: LabelDisconnected,
		Loading:         s.Loading,
		Items:           []Item{},
	}
	if s.Connected {
		p.ConnectionLabel = LabelConnected
	}
	if s.Loading {
		return p
	}
	if len(s.Entries) == 0 {
		p.Empty = true
		p.EmptyTitle = EmptyTitle
		p.EmptyHint = EmptyHint
		return p
	}
	for _, r := range s.Entries {
		p.Items = append(p.Items, Item{ID: r.ID, Text: r.Text, Time: FormatTimestamp(r.Timestamp, loc)})
	}
	return p
}
