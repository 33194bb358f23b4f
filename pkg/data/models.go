package data

// User is the per-viewer activity and points record, keyed by the lowercase
// login name.
type User struct {
	Username              string `json:"username"`
	DisplayName           string `json:"display_name"`
	Points                int64  `json:"points"`
	ViewSeconds           int64  `json:"view_seconds"`
	MessageCount          int64  `json:"message_count"`
	LastSeenTs            int64  `json:"last_seen_ts"`
	LastMessageTs         int64  `json:"last_message_ts"`
	ChatPointsLastHour    int64  `json:"chat_points_last_hour"`
	ChatPointsHourResetTs int64  `json:"chat_points_hour_reset_ts"`
	CreatedAt             int64  `json:"created_at"`
}

// Name returns the display name, falling back to the login.
func (u User) Name() string {
	if u.DisplayName != "" {
		return u.DisplayName
	}
	return u.Username
}

type BotEntry struct {
	Username string `json:"username"`
	Reason   string `json:"reason"`
	AddedBy  string `json:"added_by"`
	AddedAt  int64  `json:"added_at"`
}

type ClipStatus string

const (
	ClipPending  ClipStatus = "pending"
	ClipApproved ClipStatus = "approved"
	ClipRejected ClipStatus = "rejected"
)

type Clip struct {
	ID            int64      `json:"id"`
	Submitter     string     `json:"submitter"`
	DisplayName   string     `json:"display_name"`
	ClipURL       string     `json:"clip_url"`
	ClipID        string     `json:"clip_id"`
	SubmittedAt   int64      `json:"submitted_at"`
	Status        ClipStatus `json:"status"`
	Reviewer      string     `json:"reviewer"`
	PointsAwarded int64      `json:"points_awarded"`
	ReviewedAt    int64      `json:"reviewed_at"`
	Note          string     `json:"note"`
}

type Winner struct {
	ID          int64  `json:"id"`
	Month       string `json:"month"`
	Rank        int64  `json:"rank"`
	Username    string `json:"username"`
	DisplayName string `json:"display_name"`
	Points      int64  `json:"points"`
	AwardedAt   int64  `json:"awarded_at"`
}

func (c Clip) Name() string {
	if c.DisplayName != "" {
		return c.DisplayName
	}
	return c.Submitter
}
