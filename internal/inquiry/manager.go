package inquiry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"inquirychat/pkg/interfaces"
	"inquirychat/pkg/types"
)

// Store is the persistence the lifecycle needs
type Store interface {
	interfaces.DoctorStore
	interfaces.InquiryStore
}

// Publisher receives a StatusChange after every committed transition.
// Implementations must not block.
type Publisher interface {
	PublishStatus(change types.StatusChange)
}

// maxCachedInquiries bounds the participant cache; it is reset when full
const maxCachedInquiries = 10000

type participants struct {
	patient int64
	doctor  int64
}

// Manager owns the PENDING -> IN_PROGRESS -> COMPLETED lifecycle and
// answers membership questions for the channel. It implements
// interfaces.InquiryAuthorizer.
type Manager struct {
	store     Store
	publisher Publisher
	logger    zerolog.Logger
	now       func() time.Time

	// Participants are bound at creation and never change, so cached
	// entries never go stale
	mu    sync.RWMutex
	cache map[int64]participants
}

// NewManager creates a lifecycle manager. publisher may be nil.
func NewManager(store Store, publisher Publisher, logger zerolog.Logger) *Manager {
	return &Manager{
		store:     store,
		publisher: publisher,
		logger:    logger.With().Str("component", "inquiry").Logger(),
		now:       time.Now,
		cache:     make(map[int64]participants),
	}
}

// SetPublisher replaces the status publisher
func (m *Manager) SetPublisher(publisher Publisher) {
	m.publisher = publisher
}

// Create opens a PENDING inquiry from a patient to a doctor
func (m *Manager) Create(ctx context.Context, patientUserID, doctorID int64, symptoms string) (*types.Inquiry, error) {
	if err := types.ValidateSymptoms(symptoms); err != nil {
		return nil, err
	}

	doctor, err := m.store.GetDoctor(ctx, doctorID)
	if err != nil {
		return nil, err
	}
	if !doctor.Available {
		return nil, ErrDoctorUnavailable
	}
	if doctor.UserID == patientUserID {
		return nil, ErrSelfInquiry
	}

	inquiry := &types.Inquiry{
		PatientUserID:      patientUserID,
		DoctorID:           doctor.ID,
		DoctorUserID:       doctor.UserID,
		SymptomDescription: symptoms,
		State:              types.InquiryPending,
		CreatedAt:          m.now().UTC().Truncate(time.Microsecond),
	}
	if err := m.store.CreateInquiry(ctx, inquiry); err != nil {
		return nil, fmt.Errorf("failed to create inquiry: %w", err)
	}
	m.remember(inquiry)

	m.logger.Info().
		Int64("inquiry_id", inquiry.ID).
		Int64("patient_id", patientUserID).
		Int64("doctor_user_id", doctor.UserID).
		Msg("inquiry created")
	return inquiry, nil
}

// Get returns an inquiry by id
func (m *Manager) Get(ctx context.Context, inquiryID int64) (*types.Inquiry, error) {
	inquiry, err := m.store.GetInquiry(ctx, inquiryID)
	if err != nil {
		return nil, err
	}
	m.remember(inquiry)
	return inquiry, nil
}

// GetInquiry satisfies interfaces.InquiryAuthorizer
func (m *Manager) GetInquiry(ctx context.Context, inquiryID int64) (*types.Inquiry, error) {
	return m.Get(ctx, inquiryID)
}

// GetForParticipant returns the inquiry only if userID is its patient or
// doctor
func (m *Manager) GetForParticipant(ctx context.Context, inquiryID, userID int64) (*types.Inquiry, error) {
	inquiry, err := m.Get(ctx, inquiryID)
	if err != nil {
		return nil, err
	}
	if !inquiry.HasParticipant(userID) {
		return nil, ErrNotParticipant
	}
	return inquiry, nil
}

// IsParticipant reports whether userID is bound to the inquiry, in any
// state. An unknown inquiry has no participants.
func (m *Manager) IsParticipant(ctx context.Context, inquiryID, userID int64) (bool, error) {
	m.mu.RLock()
	p, ok := m.cache[inquiryID]
	m.mu.RUnlock()
	if ok {
		return p.patient == userID || p.doctor == userID, nil
	}

	inquiry, err := m.Get(ctx, inquiryID)
	if errors.Is(err, types.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return inquiry.HasParticipant(userID), nil
}

// Accept moves a PENDING inquiry to IN_PROGRESS on behalf of its doctor
func (m *Manager) Accept(ctx context.Context, inquiryID, actingUserID int64) (*types.Inquiry, error) {
	return m.transition(ctx, inquiryID, actingUserID, types.InquiryPending, types.InquiryInProgress, ErrNotPending)
}

// Complete moves an IN_PROGRESS inquiry to COMPLETED on behalf of its doctor
func (m *Manager) Complete(ctx context.Context, inquiryID, actingUserID int64) (*types.Inquiry, error) {
	return m.transition(ctx, inquiryID, actingUserID, types.InquiryInProgress, types.InquiryCompleted, ErrNotInProgress)
}

// transition checks the actor and source state, then writes through the
// store's compare-and-set. A concurrent transition that wins the race makes
// this one fail with wrongState; the inquiry is left as the winner wrote it.
func (m *Manager) transition(ctx context.Context, inquiryID, actingUserID int64, from, to types.InquiryState, wrongState error) (*types.Inquiry, error) {
	inquiry, err := m.Get(ctx, inquiryID)
	if err != nil {
		return nil, err
	}
	if inquiry.DoctorUserID != actingUserID {
		return nil, ErrNotDoctorOfRecord
	}
	if inquiry.State != from {
		return nil, wrongState
	}

	at := m.now().UTC().Truncate(time.Microsecond)
	if err := m.store.UpdateInquiryState(ctx, inquiryID, from, to, at); err != nil {
		if errors.Is(err, interfaces.ErrStateConflict) {
			return nil, wrongState
		}
		return nil, fmt.Errorf("failed to update inquiry %d: %w", inquiryID, err)
	}

	inquiry.State = to
	switch to {
	case types.InquiryInProgress:
		inquiry.AcceptedAt = &at
	case types.InquiryCompleted:
		inquiry.CompletedAt = &at
	}

	m.logger.Info().
		Int64("inquiry_id", inquiryID).
		Str("from", string(from)).
		Str("to", string(to)).
		Msg("inquiry state changed")

	if m.publisher != nil {
		m.publisher.PublishStatus(types.StatusChange{InquiryID: inquiryID, Status: to, At: at})
	}
	return inquiry, nil
}

// ListForPatient returns a patient's inquiries, newest first
func (m *Manager) ListForPatient(ctx context.Context, patientUserID int64) ([]*types.Inquiry, error) {
	return m.store.ListInquiriesByPatient(ctx, patientUserID)
}

// ListForDoctor returns a doctor's inquiries, newest first. An empty state
// lists every state.
func (m *Manager) ListForDoctor(ctx context.Context, doctorUserID int64, state types.InquiryState) ([]*types.Inquiry, error) {
	if state != "" && !types.IsValidInquiryState(state) {
		return nil, fmt.Errorf("%w: unknown inquiry state %q", types.ErrBadRequest, state)
	}
	return m.store.ListInquiriesByDoctor(ctx, doctorUserID, state)
}

// GetStats returns cache statistics for the health endpoint
func (m *Manager) GetStats() map[string]interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return map[string]interface{}{
		"cached_inquiries": len(m.cache),
	}
}

func (m *Manager) remember(inquiry *types.Inquiry) {
	m.mu.Lock()
	if _, ok := m.cache[inquiry.ID]; !ok && len(m.cache) >= maxCachedInquiries {
		m.cache = make(map[int64]participants)
	}
	m.cache[inquiry.ID] = participants{patient: inquiry.PatientUserID, doctor: inquiry.DoctorUserID}
	m.mu.Unlock()
}
