package database

import (
	"context"
	"sort"
	"sync"
	"time"

	"inquirychat/pkg/interfaces"
	"inquirychat/pkg/types"
)

// MemoryManager is a non-persistent DatabaseManager for development and
// tests. All state lives behind one RWMutex.
type MemoryManager struct {
	mu sync.RWMutex

	users        map[int64]*types.User
	usersByPhone map[string]int64
	doctors      map[int64]*types.Doctor
	inquiries    map[int64]*types.Inquiry
	messages     map[int64][]*types.Message

	nextUserID    int64
	nextDoctorID  int64
	nextInquiryID int64
	nextMessageID int64

	closed bool
}

// NewMemoryManager creates an empty in-memory store
func NewMemoryManager() *MemoryManager {
	return &MemoryManager{
		users:        make(map[int64]*types.User),
		usersByPhone: make(map[string]int64),
		doctors:      make(map[int64]*types.Doctor),
		inquiries:    make(map[int64]*types.Inquiry),
		messages:     make(map[int64][]*types.Message),
	}
}

func (s *MemoryManager) CreateUser(ctx context.Context, user *types.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrManagerClosed
	}

	if _, taken := s.usersByPhone[user.Mobile]; taken {
		return interfaces.ErrDuplicateMobile
	}
	s.nextUserID++
	user.ID = s.nextUserID
	stored := *user
	s.users[user.ID] = &stored
	s.usersByPhone[user.Mobile] = user.ID
	return nil
}

func (s *MemoryManager) GetUserByID(ctx context.Context, userID int64) (*types.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	user, ok := s.users[userID]
	if !ok {
		return nil, interfaces.ErrUserNotFound
	}
	copied := *user
	return &copied, nil
}

func (s *MemoryManager) GetUserByMobile(ctx context.Context, mobile string) (*types.User, error) {
	s.mu.RLock()
	id, ok := s.usersByPhone[mobile]
	s.mu.RUnlock()
	if !ok {
		return nil, interfaces.ErrUserNotFound
	}
	return s.GetUserByID(ctx, id)
}

// SetUserEnabled toggles an account. Used by tests to disable a principal.
func (s *MemoryManager) SetUserEnabled(userID int64, enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if user, ok := s.users[userID]; ok {
		user.Enabled = enabled
	}
}

func (s *MemoryManager) CreateDoctor(ctx context.Context, doctor *types.Doctor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrManagerClosed
	}

	if _, ok := s.users[doctor.UserID]; !ok {
		return interfaces.ErrUserNotFound
	}
	s.nextDoctorID++
	doctor.ID = s.nextDoctorID
	stored := *doctor
	s.doctors[doctor.ID] = &stored
	return nil
}

func (s *MemoryManager) GetDoctor(ctx context.Context, doctorID int64) (*types.Doctor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	doctor, ok := s.doctors[doctorID]
	if !ok {
		return nil, interfaces.ErrDoctorNotFound
	}
	copied := *doctor
	return &copied, nil
}

func (s *MemoryManager) CreateInquiry(ctx context.Context, inquiry *types.Inquiry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrManagerClosed
	}

	if inquiry.CreatedAt.IsZero() {
		inquiry.CreatedAt = nowUTC()
	}
	if inquiry.State == "" {
		inquiry.State = types.InquiryPending
	}
	s.nextInquiryID++
	inquiry.ID = s.nextInquiryID
	s.inquiries[inquiry.ID] = copyInquiry(inquiry)
	return nil
}

func (s *MemoryManager) GetInquiry(ctx context.Context, inquiryID int64) (*types.Inquiry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	inquiry, ok := s.inquiries[inquiryID]
	if !ok {
		return nil, interfaces.ErrInquiryNotFound
	}
	return copyInquiry(inquiry), nil
}

func (s *MemoryManager) UpdateInquiryState(ctx context.Context, inquiryID int64, from, to types.InquiryState, at time.Time) error {
	if _, err := transitionColumn(to); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrManagerClosed
	}

	inquiry, ok := s.inquiries[inquiryID]
	if !ok {
		return interfaces.ErrInquiryNotFound
	}
	if inquiry.State != from {
		return interfaces.ErrStateConflict
	}

	at = at.UTC()
	inquiry.State = to
	switch to {
	case types.InquiryInProgress:
		inquiry.AcceptedAt = &at
	case types.InquiryCompleted:
		inquiry.CompletedAt = &at
	}
	return nil
}

func (s *MemoryManager) ListInquiriesByPatient(ctx context.Context, patientUserID int64) ([]*types.Inquiry, error) {
	return s.filterInquiries(func(i *types.Inquiry) bool {
		return i.PatientUserID == patientUserID
	}), nil
}

func (s *MemoryManager) ListInquiriesByDoctor(ctx context.Context, doctorUserID int64, state types.InquiryState) ([]*types.Inquiry, error) {
	return s.filterInquiries(func(i *types.Inquiry) bool {
		return i.DoctorUserID == doctorUserID && (state == "" || i.State == state)
	}), nil
}

// filterInquiries returns matches newest first
func (s *MemoryManager) filterInquiries(match func(*types.Inquiry) bool) []*types.Inquiry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := []*types.Inquiry{}
	for _, inquiry := range s.inquiries {
		if match(inquiry) {
			result = append(result, copyInquiry(inquiry))
		}
	}
	sort.Slice(result, func(a, b int) bool {
		if !result[a].CreatedAt.Equal(result[b].CreatedAt) {
			return result[a].CreatedAt.After(result[b].CreatedAt)
		}
		return result[a].ID > result[b].ID
	})
	return result
}

func (s *MemoryManager) AppendMessage(ctx context.Context, inquiryID, senderID int64, kind types.MessageKind, content string) (*types.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrManagerClosed
	}

	if _, ok := s.inquiries[inquiryID]; !ok {
		return nil, interfaces.ErrInquiryNotFound
	}
	sender, ok := s.users[senderID]
	if !ok {
		return nil, interfaces.ErrUserNotFound
	}

	var last time.Time
	if log := s.messages[inquiryID]; len(log) > 0 {
		last = log[len(log)-1].CreatedAt
	}

	s.nextMessageID++
	message := &types.Message{
		ID:         s.nextMessageID,
		InquiryID:  inquiryID,
		SenderID:   senderID,
		SenderName: sender.Name,
		SenderRole: sender.Role,
		Kind:       kind,
		Content:    content,
		CreatedAt:  messageTimestamp(last),
	}
	s.messages[inquiryID] = append(s.messages[inquiryID], message)

	copied := *message
	return &copied, nil
}

func (s *MemoryManager) ListMessages(ctx context.Context, inquiryID int64) ([]*types.Message, error) {
	return s.ListMessagesAfter(ctx, inquiryID, 0)
}

// ListMessagesAfter relies on the per-inquiry log being in append order,
// which is also creation time order
func (s *MemoryManager) ListMessagesAfter(ctx context.Context, inquiryID, afterID int64) ([]*types.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := []*types.Message{}
	for _, message := range s.messages[inquiryID] {
		if message.ID > afterID {
			copied := *message
			result = append(result, &copied)
		}
	}
	return result, nil
}

func (s *MemoryManager) HealthCheck(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrManagerClosed
	}
	return nil
}

func (s *MemoryManager) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func copyInquiry(i *types.Inquiry) *types.Inquiry {
	copied := *i
	if i.AcceptedAt != nil {
		at := *i.AcceptedAt
		copied.AcceptedAt = &at
	}
	if i.CompletedAt != nil {
		at := *i.CompletedAt
		copied.CompletedAt = &at
	}
	return &copied
}
