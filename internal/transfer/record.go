package transfer

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/iwangbowen/simple-scp/internal/timeutil"
)

// Record is a point-in-time copy of a task. It is the unit stored in history
// and the JSON shape exchanged over the API and in exports.
type Record struct {
	ID           string     `json:"id"`
	Type         Type       `json:"type"`
	HostID       string     `json:"hostId"`
	HostName     string     `json:"hostName"`
	LocalPath    string     `json:"localPath"`
	RemotePath   string     `json:"remotePath"`
	FileName     string     `json:"fileName"`
	FileSize     int64      `json:"fileSize"`
	IsDirectory  bool       `json:"isDirectory,omitempty"`
	Status       Status     `json:"status"`
	Transferred  int64      `json:"transferred"`
	Progress     float64    `json:"progress"`
	CurrentItem  string     `json:"currentItem,omitempty"`
	Speed        float64    `json:"speed,omitempty"`
	CreatedAt    Timestamp  `json:"createdAt"`
	StartedAt    *Timestamp `json:"startedAt,omitempty"`
	FinishedAt   *Timestamp `json:"finishedAt,omitempty"`
	ErrorMessage string     `json:"errorMessage,omitempty"`
}

// Clone returns a copy that shares no pointers with r.
func (r Record) Clone() Record {
	if r.StartedAt != nil {
		s := *r.StartedAt
		r.StartedAt = &s
	}
	if r.FinishedAt != nil {
		f := *r.FinishedAt
		r.FinishedAt = &f
	}
	return r
}

// Duration is the time between start and finish, or zero if either is unset.
func (r Record) Duration() time.Duration {
	if r.StartedAt == nil || r.FinishedAt == nil {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt.Time)
}

// Validate checks the fields a record must carry to be accepted into history.
func (r Record) Validate() error {
	switch {
	case r.ID == "":
		return errors.New("missing id")
	case !r.Type.Valid():
		return fmt.Errorf("unknown type %q", r.Type)
	case !r.Status.Valid():
		return fmt.Errorf("unknown status %q", r.Status)
	case !r.Status.Terminal():
		return fmt.Errorf("status %q is not terminal", r.Status)
	case r.CreatedAt.IsZero():
		return errors.New("missing createdAt")
	}
	return nil
}

// Timestamp serializes as an ISO-8601 local time with explicit offset.
type Timestamp struct {
	time.Time
}

func (t Timestamp) MarshalJSON() ([]byte, error) {
	return json.Marshal(timeutil.Format(t.Time))
}

func (t *Timestamp) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("timestamp must be a string: %w", err)
	}
	if s == "" {
		t.Time = time.Time{}
		return nil
	}
	parsed, err := timeutil.Parse(s)
	if err != nil {
		return err
	}
	t.Time = parsed
	return nil
}
