package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mossy-p/webrtc-classroom/internal/call"
	"github.com/mossy-p/webrtc-classroom/internal/media"
	"github.com/mossy-p/webrtc-classroom/internal/peer"
	"github.com/mossy-p/webrtc-classroom/internal/screenshare"
	"github.com/sirupsen/logrus"
)

// JoinCallRequest optionally narrows what is captured.
type JoinCallRequest struct {
	Video *bool `json:"video"`
	Audio *bool `json:"audio"`
}

// JoinCallResponse tells the caller which side of the call it is on.
type JoinCallResponse struct {
	Role     call.Role     `json:"role"`
	State    call.State    `json:"state"`
	Session  *call.Session `json:"session,omitempty"`
	RemoteID string        `json:"remoteId"`
}

// JoinLessonCall starts the lesson's call. The teacher is the initiator
// and sends the offer; the student listens and answers.
func JoinLessonCall(store LessonStore, calls *call.Registry, defaults media.Constraints) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := currentUser(c)
		if !ok {
			return
		}

		var req JoinCallRequest
		if c.Request.ContentLength > 0 {
			if err := c.ShouldBindJSON(&req); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
		}
		cons := defaults
		if req.Video != nil {
			cons.Video = *req.Video
		}
		if req.Audio != nil {
			cons.Audio = *req.Audio
		}

		lesson, err := store.Get(c.Request.Context(), c.Param("lessonId"))
		if err != nil {
			lessonError(c, "JoinLessonCall", err)
			return
		}
		remoteID, isTeacher, ok := lesson.Participant(userID)
		if !ok {
			c.JSON(http.StatusForbidden, gin.H{"error": "Not a participant of this lesson"})
			return
		}

		id := call.Identity{
			Role:     call.RoleResponder,
			LocalID:  userID,
			RemoteID: remoteID,
			ClassID:  lesson.ID,
		}
		if isTeacher {
			id.Role = call.RoleInitiator
		}

		// The call outlives this request
		ctx := context.WithoutCancel(c.Request.Context())
		m := calls.Get(userID)

		resp := JoinCallResponse{Role: id.Role, RemoteID: remoteID}
		if id.Role == call.RoleInitiator {
			sess, err := m.StartCall(ctx, id, cons)
			if err != nil {
				callError(c, "JoinLessonCall", err)
				return
			}
			resp.Session = &sess
		} else if err := m.Listen(ctx, id, cons); err != nil {
			callError(c, "JoinLessonCall", err)
			return
		}
		resp.State = m.State()

		c.JSON(http.StatusOK, resp)
	}
}

// CallState returns a snapshot of the caller's call
func CallState(calls *call.Registry) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := currentUser(c)
		if !ok {
			return
		}
		m, ok := calls.Lookup(userID)
		if !ok {
			c.JSON(http.StatusOK, call.Snapshot{State: call.StateIdle, Media: call.DefaultMediaState, Quality: peer.QualityGood})
			return
		}
		c.JSON(http.StatusOK, m.Snapshot())
	}
}

// EndCall hangs up. Ending with no call is not an error.
func EndCall(calls *call.Registry) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := currentUser(c)
		if !ok {
			return
		}
		m, ok := calls.Lookup(userID)
		if !ok {
			c.Status(http.StatusNoContent)
			return
		}
		if err := m.EndCall(context.WithoutCancel(c.Request.Context())); err != nil {
			callError(c, "EndCall", err)
			return
		}
		c.JSON(http.StatusOK, m.Snapshot())
	}
}

// ToggleMedia flips the camera or microphone
func ToggleMedia(calls *call.Registry) gin.HandlerFunc {
	return func(c *gin.Context) {
		kind := media.Kind(c.Param("kind"))
		if kind != media.KindVideo && kind != media.KindAudio {
			c.JSON(http.StatusBadRequest, gin.H{"error": "kind must be video or audio"})
			return
		}
		withMachine(c, calls, func(m *call.Machine) {
			ms, err := m.ToggleMedia(c.Request.Context(), kind)
			if err != nil {
				callError(c, "ToggleMedia", err)
				return
			}
			c.JSON(http.StatusOK, ms)
		})
	}
}

// RetryMedia repeats a failed capture
func RetryMedia(calls *call.Registry) gin.HandlerFunc {
	return func(c *gin.Context) {
		withMachine(c, calls, func(m *call.Machine) {
			ms, err := m.RetryMedia(context.WithoutCancel(c.Request.Context()))
			if err != nil {
				callError(c, "RetryMedia", err)
				return
			}
			c.JSON(http.StatusOK, ms)
		})
	}
}

// StartShare swaps the outgoing camera for a display capture
func StartShare(calls *call.Registry) gin.HandlerFunc {
	return func(c *gin.Context) {
		withMachine(c, calls, func(m *call.Machine) {
			if err := m.StartShare(c.Request.Context()); err != nil {
				callError(c, "StartShare", err)
				return
			}
			c.JSON(http.StatusOK, m.MediaState())
		})
	}
}

// StopShare restores the camera
func StopShare(calls *call.Registry) gin.HandlerFunc {
	return func(c *gin.Context) {
		withMachine(c, calls, func(m *call.Machine) {
			if err := m.StopShare(c.Request.Context()); err != nil {
				callError(c, "StopShare", err)
				return
			}
			c.JSON(http.StatusOK, m.MediaState())
		})
	}
}

func withMachine(c *gin.Context, calls *call.Registry, fn func(*call.Machine)) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	m, ok := calls.Lookup(userID)
	if !ok {
		callError(c, "withMachine", call.ErrNoCall)
		return
	}
	fn(m)
}

// callError maps call failures onto status codes. Capture failures carry
// the classified kind and remediation steps.
func callError(c *gin.Context, function string, err error) {
	var (
		hw  *screenshare.HardwareReacquireError
		me  *media.MediaError
		neg *peer.NegotiationError
	)
	switch {
	case errors.As(err, &hw):
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":       err.Error(),
			"kind":        hw.Err.Kind,
			"suggestions": hw.Err.Suggestions,
		})
	case errors.As(err, &me):
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"error":       me.Message,
			"kind":        me.Kind,
			"suggestions": me.Suggestions,
		})
	case errors.Is(err, call.ErrInvalidIdentity), errors.Is(err, call.ErrNotResponder):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, call.ErrNoCall):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, call.ErrCallInProgress),
		errors.Is(err, call.ErrCallEnded),
		errors.Is(err, call.ErrSharingActive),
		errors.Is(err, screenshare.ErrAlreadySharing):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.As(err, &neg):
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
	default:
		logrus.WithFields(logrus.Fields{
			"function": function,
			"error":    err.Error(),
		}).Error("Call operation failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}
