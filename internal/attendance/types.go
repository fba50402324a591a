// Package attendance decides whether a field check-in is auto-approved or needs
// review, and persists the resulting attendance record.
package attendance

import (
	"strings"
	"time"

	"fieldops.org/internal/geo"
)

// Role is the subject's organisational role.
type Role string

const (
	RoleVolunteer Role = "volunteer"
	RoleStaff     Role = "staff"
	RoleTeamLead  Role = "team_lead"
	RoleAdmin     Role = "admin"
)

// ParseRole normalises r. Empty input yields RoleVolunteer.
func ParseRole(r string) (Role, error) {
	switch Role(strings.ToLower(strings.TrimSpace(r))) {
	case "", RoleVolunteer:
		return RoleVolunteer, nil
	case RoleStaff:
		return RoleStaff, nil
	case RoleTeamLead:
		return RoleTeamLead, nil
	case RoleAdmin:
		return RoleAdmin, nil
	}
	return "", ErrInvalidSubject
}

// Strictness controls how many detected issues route a check-in to review.
type Strictness string

const (
	StrictnessRelaxed  Strictness = "relaxed"
	StrictnessModerate Strictness = "moderate"
	StrictnessStrict   Strictness = "strict"
)

// ParseStrictness normalises s. Empty input yields StrictnessModerate.
func ParseStrictness(s string) (Strictness, error) {
	switch Strictness(strings.ToLower(strings.TrimSpace(s))) {
	case "", StrictnessModerate:
		return StrictnessModerate, nil
	case StrictnessRelaxed:
		return StrictnessRelaxed, nil
	case StrictnessStrict:
		return StrictnessStrict, nil
	}
	return "", ErrInvalidTask
}

// Status is the lifecycle state of an attendance record.
type Status string

const (
	StatusAutoApproved Status = "auto_approved"
	StatusPending      Status = "pending"
	StatusApproved     Status = "approved"
	StatusRejected     Status = "rejected"
)

// Valid reports whether s is a known record status.
func (s Status) Valid() bool {
	switch s {
	case StatusAutoApproved, StatusPending, StatusApproved, StatusRejected:
		return true
	}
	return false
}

const (
	DefaultAllowedRadiusMeters    = 100
	DefaultTimeFlexibilityMinutes = 15
)

// Subject identifies who is checking in.
type Subject struct {
	Email       string
	DisplayName string
	Role        Role
}

// Task is the target task's check-in configuration. Latitude and Longitude are
// nil when the task has no site.
type Task struct {
	ID                  string
	Title               string
	Latitude            *float64
	Longitude           *float64
	AllowedRadiusMeters int
	// TimeFlexibilityMinutes is carried with the task but not evaluated.
	TimeFlexibilityMinutes int
	Strictness             Strictness
}

// Site returns the task coordinates, or false if either is missing.
func (t *Task) Site() (geo.Point, bool) {
	if t == nil || t.Latitude == nil || t.Longitude == nil {
		return geo.Point{}, false
	}
	return geo.Point{Latitude: *t.Latitude, Longitude: *t.Longitude}, true
}

func (t *Task) radius() int {
	if t == nil || t.AllowedRadiusMeters <= 0 {
		return DefaultAllowedRadiusMeters
	}
	return t.AllowedRadiusMeters
}

// TimeFlexibility returns the check-in window in minutes, falling back to
// DefaultTimeFlexibilityMinutes when unset.
func (t *Task) TimeFlexibility() int {
	if t == nil || t.TimeFlexibilityMinutes <= 0 {
		return DefaultTimeFlexibilityMinutes
	}
	return t.TimeFlexibilityMinutes
}

// Image is a raw capture that still has to be uploaded.
type Image struct {
	Filename    string
	ContentType string
	Data        []byte
}

// CheckInAttempt is a single submission. Either ImageRef or Image must be set.
type CheckInAttempt struct {
	ImageRef   string
	Image      *Image
	Location   *geo.Fix
	Timestamp  time.Time
	Subject    Subject
	Task       *Task
	DeviceInfo string
}

// Outcome is the verification result for one attempt.
type Outcome struct {
	DistanceFromTaskMeters *float64
	FaceMatchConfidence    float64
	Flags                  []string
	Status                 Status
}

// Record is the persisted attendance entry.
type Record struct {
	ID                  string     `json:"id"`
	UserEmail           string     `json:"user_email"`
	UserName            string     `json:"user_name"`
	UserRole            Role       `json:"user_role"`
	TaskID              string     `json:"task_id,omitempty"`
	TaskName            string     `json:"task_name,omitempty"`
	CheckInTime         time.Time  `json:"check_in_time"`
	Latitude            float64    `json:"latitude"`
	Longitude           float64    `json:"longitude"`
	Address             string     `json:"address"`
	FaceImageURL        string     `json:"face_image_url"`
	FaceMatchConfidence float64    `json:"face_match_confidence"`
	LocationAccuracy    float64    `json:"location_accuracy"`
	DistanceFromTask    *int64     `json:"distance_from_task"` // rounded meters
	Status              Status     `json:"status"`
	VerificationFlags   []string   `json:"verification_flags"`
	DeviceInfo          string     `json:"device_info,omitempty"`
	ReviewedBy          string     `json:"reviewed_by,omitempty"`
	ReviewComments      string     `json:"review_comments,omitempty"`
	ReviewedAt          *time.Time `json:"reviewed_at,omitempty"`
	CreatedAt           time.Time  `json:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
}

// Result bundles the created record with the decision that produced it.
type Result struct {
	Record  Record
	Outcome Outcome
}
