package eventlog

import "time"

// Incident statuses, in lifecycle order.
const (
	StatusReported   = "reported"
	StatusDispatched = "dispatched"
	StatusInProgress = "in_progress"
	StatusResolved   = "resolved"
	StatusClosed     = "closed"
)

type StatusPayload struct {
	Status string `json:"status"`
	Note   string `json:"note,omitempty"`
}

type LocationPayload struct {
	Lat      float64  `json:"lat"`
	Lng      float64  `json:"lng"`
	Accuracy *float64 `json:"accuracy,omitempty"`
}

type MessagePayload struct {
	Text string `json:"text"`
}

type CheckInPayload struct {
	Status     string           `json:"status"`
	Location   *LocationPayload `json:"location,omitempty"`
	Note       string           `json:"note,omitempty"`
	Dependents int              `json:"dependents"`
}

type AssignmentPayload struct {
	ResponderID   string `json:"responderId"`
	ResponderName string `json:"responderName,omitempty"`
	State         string `json:"state"`
}

type AssignmentReleasePayload struct {
	ResponderID string `json:"responderId"`
	Reason      string `json:"reason,omitempty"`
}

type ConsentPayload struct {
	RecordID  string     `json:"recordId"`
	SubjectID string     `json:"subjectId,omitempty"`
	Status    string     `json:"status"`
	Fields    []string   `json:"fields,omitempty"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
}

type OverridePayload struct {
	RecordID      string `json:"recordId"`
	Justification string `json:"justification"`
}

type RecordAccessPayload struct {
	RecordID      string `json:"recordId"`
	Outcome       string `json:"outcome"`
	Justification string `json:"justification,omitempty"`
	BasisEventID  int64  `json:"basisEventId,omitempty"`
}

type OverrideNoticePayload struct {
	RecordID        string `json:"recordId"`
	SubjectID       string `json:"subjectId,omitempty"`
	OverrideEventID int64  `json:"overrideEventId"`
	Obligation      string `json:"obligation"`
}

type AVRequestPayload struct {
	To    string `json:"to,omitempty"`
	Media string `json:"media,omitempty"`
}

type AVAcceptPayload struct {
	RequestID int64 `json:"requestId,omitempty"`
}

type AVEndPayload struct {
	Reason string `json:"reason,omitempty"`
}
