package api

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"inquirychat/pkg/types"
)

// CreateInquiryRequest is the body of POST /api/inquiries
type CreateInquiryRequest struct {
	DoctorID           int64  `json:"doctorId"`
	SymptomDescription string `json:"symptomDescription"`
}

func pathID(c echo.Context) (int64, error) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: invalid id %q", types.ErrBadRequest, c.Param("id"))
	}
	return id, nil
}

func (s *Server) createInquiry(c echo.Context) error {
	user := currentUser(c)
	if user.Role != types.RolePatient {
		return fmt.Errorf("%w: only patients can open an inquiry", types.ErrForbidden)
	}

	var req CreateInquiryRequest
	if err := c.Bind(&req); err != nil {
		return fmt.Errorf("%w: invalid JSON body", types.ErrBadRequest)
	}
	if req.DoctorID <= 0 {
		return fmt.Errorf("%w: doctorId is required", types.ErrBadRequest)
	}

	inquiry, err := s.deps.Inquiries.Create(c.Request().Context(), user.ID, req.DoctorID, req.SymptomDescription)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, inquiry)
}

func (s *Server) getInquiry(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	inquiry, err := s.deps.Inquiries.GetForParticipant(c.Request().Context(), id, currentUser(c).ID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, inquiry)
}

func (s *Server) listPatientInquiries(c echo.Context) error {
	inquiries, err := s.deps.Inquiries.ListForPatient(c.Request().Context(), currentUser(c).ID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, inquiries)
}

// listDoctorInquiries lists the caller's inquiries as doctor, optionally
// narrowed to one state
func (s *Server) listDoctorInquiries(state types.InquiryState) echo.HandlerFunc {
	return func(c echo.Context) error {
		inquiries, err := s.deps.Inquiries.ListForDoctor(c.Request().Context(), currentUser(c).ID, state)
		if err != nil {
			return err
		}
		return c.JSON(http.StatusOK, inquiries)
	}
}

func (s *Server) acceptInquiry(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	inquiry, err := s.deps.Inquiries.Accept(c.Request().Context(), id, currentUser(c).ID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, inquiry)
}

func (s *Server) completeInquiry(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	inquiry, err := s.deps.Inquiries.Complete(c.Request().Context(), id, currentUser(c).ID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, inquiry)
}

// listMessages returns the full ordered history, used to initialise the
// chat view
func (s *Server) listMessages(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	if _, err := s.deps.Inquiries.GetForParticipant(ctx, id, currentUser(c).ID); err != nil {
		return err
	}
	messages, err := s.deps.Messages.ListMessages(ctx, id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, messages)
}

// listNewMessages is the polling fallback: messages with id greater than
// afterId, in creation order
func (s *Server) listNewMessages(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	raw := c.QueryParam("afterId")
	afterID, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || afterID < 0 {
		return fmt.Errorf("%w: afterId must be a non-negative integer", types.ErrBadRequest)
	}

	ctx := c.Request().Context()
	if _, err := s.deps.Inquiries.GetForParticipant(ctx, id, currentUser(c).ID); err != nil {
		return err
	}
	messages, err := s.deps.Messages.ListMessagesAfter(ctx, id, afterID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, messages)
}
