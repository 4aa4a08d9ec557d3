package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mossy-p/webrtc-classroom/internal/lessons"
	"github.com/mossy-p/webrtc-classroom/internal/models"
	"github.com/sirupsen/logrus"
)

// CreateLesson books a lesson taught by the caller
func CreateLesson(store LessonStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := currentUser(c)
		if !ok {
			return
		}

		var req models.CreateLessonRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		lesson, err := store.Create(c.Request.Context(), userID, req)
		if err != nil {
			lessonError(c, "CreateLesson", err)
			return
		}

		c.JSON(http.StatusCreated, models.CreateLessonResponse{
			LessonID: lesson.ID,
			Code:     lesson.Code,
		})
	}
}

// GetLesson returns a lesson by ID or code
func GetLesson(store LessonStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		lesson, err := store.Get(c.Request.Context(), c.Param("lessonId"))
		if err != nil {
			lessonError(c, "GetLesson", err)
			return
		}
		c.JSON(http.StatusOK, lesson)
	}
}

// DeleteLesson removes a lesson (teacher only)
func DeleteLesson(store LessonStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := currentUser(c)
		if !ok {
			return
		}
		if err := store.Delete(c.Request.Context(), c.Param("lessonId"), userID); err != nil {
			lessonError(c, "DeleteLesson", err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"message": "Lesson deleted successfully"})
	}
}

func lessonError(c *gin.Context, function string, err error) {
	switch {
	case errors.Is(err, lessons.ErrLessonNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "Lesson not found"})
	case errors.Is(err, lessons.ErrNotLessonTeacher):
		c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
	case errors.Is(err, lessons.ErrSelfLesson):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		logrus.WithFields(logrus.Fields{
			"function": function,
			"error":    err.Error(),
		}).Error("Lesson store failure")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Lesson store unavailable"})
	}
}
