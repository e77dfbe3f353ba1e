package models

import "time"

// Viewer is one browser session looking at back-office documents. It carries
// the upstream credential used to fetch files on the viewer's behalf.
type Viewer struct {
	ID            int64     `json:"id"`
	Label         string    `json:"label"`
	UpstreamToken string    `json:"-"`
	CreatedAt     time.Time `json:"created_at"`
	LastSeenAt    time.Time `json:"last_seen_at"`
}
