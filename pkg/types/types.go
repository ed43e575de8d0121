package types

import (
	"time"
)

// InquiryState is the lifecycle state of an inquiry
type InquiryState string

const (
	InquiryPending    InquiryState = "PENDING"
	InquiryInProgress InquiryState = "IN_PROGRESS"
	InquiryCompleted  InquiryState = "COMPLETED"
)

// Role of an account
type Role string

const (
	RolePatient Role = "PATIENT"
	RoleDoctor  Role = "DOCTOR"
	RoleAdmin   Role = "ADMIN"
)

// MessageKind distinguishes plain text from image references. Image content
// is a URL handed out by the file storage service.
type MessageKind string

const (
	MessageText  MessageKind = "TEXT"
	MessageImage MessageKind = "IMAGE"
)

// MaxContentBytes bounds a single chat message
const MaxContentBytes = 65536

// User is the identity record an authenticated principal resolves to
type User struct {
	ID      int64  `json:"id" db:"id"`
	Mobile  string `json:"mobile" db:"mobile"`
	Name    string `json:"name" db:"name"`
	Role    Role   `json:"role" db:"role"`
	Enabled bool   `json:"enabled" db:"enabled"`
}

// Doctor is the directory entry a patient addresses an inquiry to.
// Available=false means the doctor is not accepting new inquiries.
type Doctor struct {
	ID        int64  `json:"id" db:"id"`
	UserID    int64  `json:"userId" db:"user_id"`
	Title     string `json:"title" db:"title"`
	Available bool   `json:"available" db:"available"`
}

// Inquiry binds exactly one patient and one doctor for its whole lifetime.
// Only State, AcceptedAt and CompletedAt change after creation, and only
// through state transitions.
type Inquiry struct {
	ID                 int64        `json:"id" db:"id"`
	PatientUserID      int64        `json:"patientUserId" db:"patient_user_id"`
	DoctorID           int64        `json:"doctorId" db:"doctor_id"`
	DoctorUserID       int64        `json:"doctorUserId" db:"doctor_user_id"`
	SymptomDescription string       `json:"symptomDescription" db:"symptom_description"`
	State              InquiryState `json:"status" db:"status"`
	CreatedAt          time.Time    `json:"createdAt" db:"created_at"`
	AcceptedAt         *time.Time   `json:"acceptedAt,omitempty" db:"accepted_at"`
	CompletedAt        *time.Time   `json:"completedAt,omitempty" db:"completed_at"`
}

// HasParticipant reports whether userID is the bound patient or doctor
func (i *Inquiry) HasParticipant(userID int64) bool {
	return i.PatientUserID == userID || i.DoctorUserID == userID
}

// Message is a persisted chat message. SenderName and SenderRole are
// resolved from the sender's account for display.
type Message struct {
	ID         int64       `json:"id" db:"id"`
	InquiryID  int64       `json:"inquiryId" db:"inquiry_id"`
	SenderID   int64       `json:"senderId" db:"sender_id"`
	SenderName string      `json:"senderName" db:"sender_name"`
	SenderRole Role        `json:"senderRole" db:"sender_role"`
	Kind       MessageKind `json:"type" db:"kind"`
	Content    string      `json:"content" db:"content"`
	CreatedAt  time.Time   `json:"createdAt" db:"created_at"`
}
