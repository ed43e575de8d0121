package interfaces

import (
	"context"
	"time"

	"inquirychat/pkg/types"
)

// UserStore backs identity resolution
type UserStore interface {
	CreateUser(ctx context.Context, user *types.User) error
	GetUserByID(ctx context.Context, userID int64) (*types.User, error)
	GetUserByMobile(ctx context.Context, mobile string) (*types.User, error)
}

// DoctorStore backs the doctor directory lookups inquiry creation needs
type DoctorStore interface {
	CreateDoctor(ctx context.Context, doctor *types.Doctor) error
	GetDoctor(ctx context.Context, doctorID int64) (*types.Doctor, error)
}

// InquiryStore persists inquiries. UpdateInquiryState is a compare-and-set:
// it only writes when the stored state still equals from, and returns
// ErrStateConflict otherwise.
type InquiryStore interface {
	CreateInquiry(ctx context.Context, inquiry *types.Inquiry) error
	GetInquiry(ctx context.Context, inquiryID int64) (*types.Inquiry, error)
	UpdateInquiryState(ctx context.Context, inquiryID int64, from, to types.InquiryState, at time.Time) error
	ListInquiriesByPatient(ctx context.Context, patientUserID int64) ([]*types.Inquiry, error)
	ListInquiriesByDoctor(ctx context.Context, doctorUserID int64, state types.InquiryState) ([]*types.Inquiry, error)
}

// MessageStore is the append-only chat log. Ids are strictly increasing per
// inquiry in append order; listings are ordered by creation time then id.
type MessageStore interface {
	AppendMessage(ctx context.Context, inquiryID, senderID int64, kind types.MessageKind, content string) (*types.Message, error)
	ListMessages(ctx context.Context, inquiryID int64) ([]*types.Message, error)
	ListMessagesAfter(ctx context.Context, inquiryID, afterID int64) ([]*types.Message, error)
}

// DatabaseManager is the full persistence surface one backend provides
type DatabaseManager interface {
	UserStore
	DoctorStore
	InquiryStore
	MessageStore

	// HealthCheck verifies connectivity
	HealthCheck(ctx context.Context) error

	Close() error
}
