package httpapi

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"tripot/internal/civiltime"
	"tripot/internal/fault"
	"tripot/internal/storage"
	"tripot/internal/transport"
)

type scheduleEntry struct {
	ID        int64     `json:"id"`
	CallTime  string    `json:"call_time"`
	IsEnabled bool      `json:"is_enabled"`
	SetBy     string    `json:"set_by"`
	CreatedAt time.Time `json:"created_at"`
}

func toEntries(ts []storage.Trigger) []scheduleEntry {
	out := make([]scheduleEntry, 0, len(ts))
	for _, t := range ts {
		out = append(out, scheduleEntry{
			ID:        t.ID,
			CallTime:  t.At.String(),
			IsEnabled: t.Enabled,
			SetBy:     t.Origin,
			CreatedAt: t.CreatedAt,
		})
	}
	return out
}

type scheduleSetRequest struct {
	UserID    string   `json:"user_id_str" binding:"required"`
	CallTimes []string `json:"call_times"`
	UpdatedBy string   `json:"updated_by"`
}

func (s *Server) handleScheduleSet(c *gin.Context) {
	var req scheduleSetRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, err.Error())
		return
	}
	ts, err := s.deps.Triggers.Replace(c.Request.Context(), req.UserID, req.CallTimes, req.UpdatedBy)
	if err != nil {
		if fault.Is(err, fault.KindValidation) {
			s.badRequest(c, fmt.Sprintf("잘못된 시간 형식: %s (HH:MM 형식으로 입력하세요)", badTime(req.CallTimes)))
			return
		}
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":    "success",
		"message":   "정시 대화 시간이 설정되었습니다",
		"user_id":   req.UserID,
		"schedules": toEntries(ts),
	})
}

// badTime finds the first entry that does not parse.
func badTime(times []string) string {
	for _, t := range times {
		if _, err := civiltime.ParseTimeOfDay(t); err != nil {
			return t
		}
	}
	return ""
}

func (s *Server) handleCurrentTime(c *gin.Context) {
	q := civiltime.Query(s.deps.Clock)
	c.JSON(http.StatusOK, gin.H{
		"utc_time":   q.UTC.Format(transport.KoreaTimeLayout),
		"korea_time": q.Local.Format(transport.KoreaTimeLayout),
		"timezone":   q.Zone,
	})
}

func (s *Server) handleScheduleList(c *gin.Context) {
	user := c.Param("user_id")
	ts, err := s.deps.Triggers.List(c.Request.Context(), user)
	if err != nil {
		s.fail(c, err)
		return
	}
	entries := toEntries(ts)
	c.JSON(http.StatusOK, gin.H{"user_id": user, "schedules": entries, "total_count": len(entries)})
}

func (s *Server) handleScheduleDeleteAll(c *gin.Context) {
	n, err := s.deps.Triggers.DeleteAll(c.Request.Context(), c.Param("user_id"), c.Query("updated_by"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":        "success",
		"message":       fmt.Sprintf("%d개의 스케줄이 제거되었습니다", n),
		"deleted_count": n,
	})
}

type toggleRequest struct {
	IsEnabled *bool  `json:"is_enabled"`
	UpdatedBy string `json:"updated_by"`
}

func (s *Server) handleScheduleToggle(c *gin.Context) {
	id, ok := s.triggerID(c)
	if !ok {
		return
	}
	var req toggleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, err.Error())
		return
	}
	if req.IsEnabled == nil {
		s.badRequest(c, "is_enabled is required")
		return
	}
	tr, err := s.deps.Triggers.Toggle(c.Request.Context(), id, *req.IsEnabled, req.UpdatedBy)
	if err != nil {
		s.fail(c, err)
		return
	}
	word := "비활성화"
	if tr.Enabled {
		word = "활성화"
	}
	c.JSON(http.StatusOK, gin.H{
		"status":   "success",
		"message":  fmt.Sprintf("스케줄이 %s되었습니다", word),
		"schedule": toEntries([]storage.Trigger{tr})[0],
	})
}

func (s *Server) handleScheduleDelete(c *gin.Context) {
	id, ok := s.triggerID(c)
	if !ok {
		return
	}
	if err := s.deps.Triggers.Delete(c.Request.Context(), id, c.Query("updated_by")); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "success", "message": "스케줄이 삭제되었습니다"})
}

func (s *Server) triggerID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("trigger_id"), 10, 64)
	if err != nil || id <= 0 {
		s.badRequest(c, "trigger_id must be a positive integer")
		return 0, false
	}
	return id, true
}

func (s *Server) handleScheduleCheck(c *gin.Context) {
	user := c.Param("user_id")
	res, err := s.deps.Triggers.CheckUpdates(c.Request.Context(), user)
	if err != nil {
		s.fail(c, err)
		return
	}
	body := gin.H{
		"has_update":      res.HasUpdate,
		"schedules":       nil,
		"last_updated_by": nil,
		"update_time":     nil,
		"user_id":         user,
	}
	if res.HasUpdate {
		ts, _ := res.Payload.([]storage.Trigger)
		body["schedules"] = toEntries(ts)
		body["last_updated_by"] = res.By
		body["update_time"] = res.At
	}
	c.JSON(http.StatusOK, body)
}

func (s *Server) handleScheduleView(c *gin.Context) {
	user := c.Param("user_id")
	v, err := s.deps.Triggers.View(c.Request.Context(), user)
	if err != nil {
		s.fail(c, err)
		return
	}
	ts, _ := v.Payload.([]storage.Trigger)
	c.JSON(http.StatusOK, gin.H{
		"user_id":         user,
		"schedules":       toEntries(ts),
		"last_updated":    optTime(v.State.LastModified),
		"last_updated_by": v.State.LastModifiedBy,
		"last_checked":    optTime(v.State.LastChecked),
	})
}

func optTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func (s *Server) handleSchedulerActive(c *gin.Context) {
	active := s.deps.Scheduler.Active()
	c.JSON(http.StatusOK, gin.H{"triggers": active, "count": len(active)})
}

func (s *Server) handleSchedulerStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.deps.Scheduler.Status())
}

func (s *Server) handleSchedulerStart(c *gin.Context) {
	if s.deps.Scheduler.Running() {
		c.JSON(http.StatusOK, gin.H{"status": "info", "message": "스케줄러가 이미 실행 중입니다"})
		return
	}
	if err := s.deps.Scheduler.Start(c.Request.Context()); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "success", "message": "스케줄러가 시작되었습니다"})
}

func (s *Server) handleSchedulerStop(c *gin.Context) {
	if err := s.deps.Scheduler.Stop(c.Request.Context()); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "success", "message": "스케줄러가 중지되었습니다"})
}

func (s *Server) handleSchedulerReconfigure(c *gin.Context) {
	if err := s.deps.Scheduler.Reconfigure(c.Request.Context()); err != nil {
		s.fail(c, fault.E(fault.KindPersistence, "httpapi.Reconfigure", err))
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":   "success",
		"message":  "스케줄이 다시 로드되었습니다",
		"triggers": s.deps.Scheduler.Status().Triggers,
	})
}
