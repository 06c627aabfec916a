package fcm

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// RemoteMessage is a push message delivered over MCS.
type RemoteMessage struct {
	From         string            `json:"from"`
	To           string            `json:"to,omitempty"`
	MessageID    string            `json:"message_id,omitempty"`
	PersistentID string            `json:"persistent_id,omitempty"`
	Category     string            `json:"category,omitempty"`
	CollapseKey  string            `json:"collapse_key,omitempty"`
	SentTime     time.Time         `json:"sent_time,omitzero"`
	TTL          int               `json:"ttl,omitempty"`
	Data         map[string]string `json:"data,omitempty"`
	Notification *Notification     `json:"notification,omitempty"`
	RawData      []byte            `json:"raw_data,omitempty"`
}

// Notification is the display part of a message sent with a notification
// block. Empty fields were not set by the sender.
type Notification struct {
	Title        string   `json:"title,omitempty"`
	Body         string   `json:"body,omitempty"`
	ClickAction  string   `json:"click_action,omitempty"`
	Sound        string   `json:"sound,omitempty"`
	Icon         string   `json:"icon,omitempty"`
	Color        string   `json:"color,omitempty"`
	Tag          string   `json:"tag,omitempty"`
	TitleLocKey  string   `json:"title_loc_key,omitempty"`
	TitleLocArgs []string `json:"title_loc_args,omitempty"`
	BodyLocKey   string   `json:"body_loc_key,omitempty"`
	BodyLocArgs  []string `json:"body_loc_args,omitempty"`
	Link         string   `json:"link,omitempty"`
}

// Reserved app-data keys carrying message metadata rather than user data.
const (
	keyMessageID   = "google.message_id"
	keySentTime    = "google.sent_time"
	keyTTL         = "google.ttl"
	keyCollapseKey = "collapse_key"
	keyFrom        = "from"
)

// notification keys are sent as "gcm.n.<name>" by current servers and
// "gcm.notification.<name>" by older ones.
var notificationPrefixes = []string{"gcm.n.", "gcm.notification."}

// ParseRemoteMessage splits raw app data into metadata, notification and
// user data. from and messageID are taken from the stanza and fall back to
// the reserved keys.
func ParseRemoteMessage(from, messageID string, appData map[string]string) RemoteMessage {
	msg := RemoteMessage{
		From:      from,
		MessageID: messageID,
		Data:      make(map[string]string, len(appData)),
	}
	if msg.From == "" {
		msg.From = appData[keyFrom]
	}
	if msg.MessageID == "" {
		msg.MessageID = appData[keyMessageID]
	}
	msg.CollapseKey = appData[keyCollapseKey]
	if v, err := strconv.ParseInt(appData[keySentTime], 10, 64); err == nil && v > 0 {
		msg.SentTime = time.UnixMilli(v)
	}
	if v, err := strconv.Atoi(appData[keyTTL]); err == nil {
		msg.TTL = v
	}

	for k, v := range appData {
		if isReservedKey(k) {
			continue
		}
		msg.Data[k] = v
	}
	msg.Notification = parseNotification(appData)
	return msg
}

func isReservedKey(k string) bool {
	switch k {
	case keyFrom, keyCollapseKey, "message_type":
		return true
	}
	return strings.HasPrefix(k, "google.") || strings.HasPrefix(k, "gcm.")
}

func parseNotification(appData map[string]string) *Notification {
	get := func(name string) string {
		for _, p := range notificationPrefixes {
			if v, ok := appData[p+name]; ok {
				return v
			}
		}
		return ""
	}

	n := &Notification{
		Title:        get("title"),
		Body:         get("body"),
		ClickAction:  get("click_action"),
		Sound:        get("sound2"),
		Icon:         get("icon"),
		Color:        get("color"),
		Tag:          get("tag"),
		TitleLocKey:  get("title_loc_key"),
		TitleLocArgs: locArgs(get("title_loc_args")),
		BodyLocKey:   get("body_loc_key"),
		BodyLocArgs:  locArgs(get("body_loc_args")),
		Link:         get("link_android"),
	}
	if n.Sound == "" {
		n.Sound = get("sound")
	}
	if n.Link == "" {
		n.Link = get("link")
	}

	if get("e") == "1" || !n.empty() {
		return n
	}
	return nil
}

func (n *Notification) empty() bool {
	return n.Title == "" && n.Body == "" && n.ClickAction == "" && n.Sound == "" &&
		n.Icon == "" && n.Color == "" && n.Tag == "" && n.TitleLocKey == "" &&
		n.BodyLocKey == "" && n.Link == "" && len(n.TitleLocArgs) == 0 && len(n.BodyLocArgs) == 0
}

// locArgs decodes a JSON array of localization arguments. Malformed input is
// dropped.
func locArgs(raw string) []string {
	if raw == "" {
		return nil
	}
	var args []string
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return nil
	}
	return args
}
