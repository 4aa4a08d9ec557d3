// Package lessons keeps the read-only lesson records a call is started
// from, and the completion record written back when it ends.
package lessons

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"
	"github.com/mossy-p/webrtc-classroom/internal/models"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

const (
	codeLength = 6
	lessonTTL  = 24 * time.Hour
	codeChars  = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789" // Removed ambiguous chars

	defaultScheduledMinutes = 60
)

var (
	// ErrLessonNotFound indicates no lesson with the given ID or code.
	ErrLessonNotFound = errors.New("lesson not found")

	// ErrNotLessonTeacher indicates a teacher-only operation by someone else.
	ErrNotLessonTeacher = errors.New("only the lesson teacher can do this")

	// ErrSelfLesson indicates a teacher booking a lesson with themself.
	ErrSelfLesson = errors.New("teacher and student must differ")
)

// Store is a Redis-backed lesson repository.
type Store struct {
	client *redis.Client
	now    func() time.Time
}

// NewStore returns a store on an existing client.
func NewStore(client *redis.Client) *Store {
	return &Store{client: client, now: time.Now}
}

func lessonKey(id string) string     { return "lesson:" + id }
func codeKey(code string) string     { return "code:" + code }
func completionKey(id string) string { return "lesson:" + id + ":completion" }

// Create books a lesson taught by teacherID.
func (s *Store) Create(ctx context.Context, teacherID string, req models.CreateLessonRequest) (*models.Lesson, error) {
	if req.StudentID == teacherID {
		return nil, ErrSelfLesson
	}
	if req.ScheduledMinutes == 0 {
		req.ScheduledMinutes = defaultScheduledMinutes
	}

	code, err := generateCode()
	if err != nil {
		return nil, err
	}
	lesson := &models.Lesson{
		ID:               uuid.New().String(),
		Code:             code,
		TeacherID:        teacherID,
		StudentID:        req.StudentID,
		ScheduledMinutes: req.ScheduledMinutes,
		CreatedAt:        s.now(),
	}

	data, err := json.Marshal(lesson)
	if err != nil {
		return nil, fmt.Errorf("failed to encode lesson: %w", err)
	}

	// Record and code mapping go in one round trip
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, lessonKey(lesson.ID), data, lessonTTL)
		pipe.Set(ctx, codeKey(code), lesson.ID, lessonTTL)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to store lesson: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"function":   "Create",
		"lesson_id":  lesson.ID,
		"code":       code,
		"teacher_id": teacherID,
		"student_id": req.StudentID,
	}).Info("Lesson created")
	return lesson, nil
}

// Get looks a lesson up by ID, or by code when identifier is code sized.
func (s *Store) Get(ctx context.Context, identifier string) (*models.Lesson, error) {
	id := identifier
	if len(identifier) == codeLength {
		resolved, err := s.client.Get(ctx, codeKey(identifier)).Result()
		switch {
		case errors.Is(err, redis.Nil):
			return nil, ErrLessonNotFound
		case err != nil:
			return nil, fmt.Errorf("failed to resolve lesson code: %w", err)
		}
		id = resolved
	}

	data, err := s.client.Get(ctx, lessonKey(id)).Bytes()
	switch {
	case errors.Is(err, redis.Nil):
		return nil, ErrLessonNotFound
	case err != nil:
		return nil, fmt.Errorf("failed to load lesson: %w", err)
	}

	var lesson models.Lesson
	if err := json.Unmarshal(data, &lesson); err != nil {
		return nil, fmt.Errorf("failed to decode lesson: %w", err)
	}
	return &lesson, nil
}

// Delete removes a lesson. Only its teacher may do so.
func (s *Store) Delete(ctx context.Context, identifier, userID string) error {
	lesson, err := s.Get(ctx, identifier)
	if err != nil {
		return err
	}
	if lesson.TeacherID != userID {
		return ErrNotLessonTeacher
	}

	if err := s.client.Del(ctx, lessonKey(lesson.ID), codeKey(lesson.Code), completionKey(lesson.ID)).Err(); err != nil {
		return fmt.Errorf("failed to delete lesson: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"function":  "Delete",
		"lesson_id": lesson.ID,
		"user_id":   userID,
	}).Info("Lesson deleted")
	return nil
}

// Complete records how a lesson's call ended. A later completion of the
// same lesson overwrites the earlier one.
func (s *Store) Complete(ctx context.Context, c models.LessonCompletion) error {
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to encode completion: %w", err)
	}
	if err := s.client.Set(ctx, completionKey(c.LessonID), data, lessonTTL).Err(); err != nil {
		return fmt.Errorf("failed to store completion: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"function":   "Complete",
		"lesson_id":  c.LessonID,
		"session_id": c.SessionID,
		"ended_by":   c.EndedBy,
		"duration":   c.Duration,
	}).Info("Lesson completion recorded")
	return nil
}

// Completion returns the recorded completion of a lesson.
func (s *Store) Completion(ctx context.Context, lessonID string) (*models.LessonCompletion, error) {
	data, err := s.client.Get(ctx, completionKey(lessonID)).Bytes()
	switch {
	case errors.Is(err, redis.Nil):
		return nil, ErrLessonNotFound
	case err != nil:
		return nil, fmt.Errorf("failed to load completion: %w", err)
	}

	var c models.LessonCompletion
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("failed to decode completion: %w", err)
	}
	return &c, nil
}

func generateCode() (string, error) {
	code := make([]byte, codeLength)
	for i := range code {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(codeChars))))
		if err != nil {
			return "", fmt.Errorf("failed to generate lesson code: %w", err)
		}
		code[i] = codeChars[n.Int64()]
	}
	return string(code), nil
}
