package models

import "time"

// Lesson stores the booking data a call reads before it starts
type Lesson struct {
	ID               string    `json:"id"`
	Code             string    `json:"code"`      // Short, shareable lesson code (e.g., "ABCD23")
	TeacherID        string    `json:"teacherId"` // User ID from JWT who created the lesson
	StudentID        string    `json:"studentId"`
	ScheduledMinutes int       `json:"scheduledMinutes"`
	CreatedAt        time.Time `json:"createdAt"`
}

// Participant reports whether userID belongs to the lesson and, if so,
// who the other side is.
func (l *Lesson) Participant(userID string) (remoteID string, isTeacher bool, ok bool) {
	switch userID {
	case l.TeacherID:
		return l.StudentID, true, true
	case l.StudentID:
		return l.TeacherID, false, true
	default:
		return "", false, false
	}
}

// LessonCompletion is the only record the call writes back
type LessonCompletion struct {
	LessonID  string        `json:"lessonId"`
	SessionID string        `json:"sessionId"`
	EndedBy   string        `json:"endedBy"`
	Duration  time.Duration `json:"duration"`
	EndedAt   time.Time     `json:"endedAt"`
}

// CreateLessonRequest is the request body for creating a lesson
type CreateLessonRequest struct {
	StudentID        string `json:"studentId" binding:"required"`
	ScheduledMinutes int    `json:"scheduledMinutes" binding:"omitempty,min=5,max=240"`
}

// CreateLessonResponse is the response for creating a lesson
type CreateLessonResponse struct {
	LessonID string `json:"lessonId"`
	Code     string `json:"code"`
}
