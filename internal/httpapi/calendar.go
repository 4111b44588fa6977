package httpapi

import (
	"bytes"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"tripot/internal/calendar"
	"tripot/internal/storage"
)

func (s *Server) handleCalendarUpdate(c *gin.Context) {
	var req calendar.UpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, err.Error())
		return
	}
	res, err := s.deps.Calendar.UpdateDay(c.Request.Context(), req)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":         "success",
		"message":        "캘린더 일정이 성공적으로 업데이트되었습니다",
		"date":           res.Date,
		"events":         res.Events,
		"senior_user_id": res.SeniorUserID,
		"updated_by":     res.UpdatedBy,
	})
}

func (s *Server) handleCalendarGet(c *gin.Context) {
	snap, err := s.deps.Calendar.Get(c.Request.Context(), c.Param("senior_user_id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (s *Server) handleCalendarICS(c *gin.Context) {
	senior := c.Param("senior_user_id")
	var buf bytes.Buffer
	if err := s.deps.Calendar.WriteICS(c.Request.Context(), senior, &buf); err != nil {
		s.fail(c, err)
		return
	}
	c.Header("Content-Disposition", fmt.Sprintf(`attachment; filename="%s.ics"`, senior))
	c.Data(http.StatusOK, "text/calendar; charset=utf-8", buf.Bytes())
}

func (s *Server) handleCalendarCheck(c *gin.Context) {
	senior := c.Param("senior_user_id")
	res, err := s.deps.Calendar.CheckUpdates(c.Request.Context(), senior)
	if err != nil {
		s.fail(c, err)
		return
	}
	body := gin.H{
		"has_update":      res.HasUpdate,
		"calendar_data":   nil,
		"last_updated_by": nil,
		"update_time":     nil,
		"senior_user_id":  senior,
	}
	if res.HasUpdate {
		cal, _ := res.Payload.(storage.Calendar)
		if cal == nil {
			cal = storage.Calendar{}
		}
		body["calendar_data"] = cal
		body["last_updated_by"] = res.By
		body["update_time"] = res.At
	}
	c.JSON(http.StatusOK, body)
}
