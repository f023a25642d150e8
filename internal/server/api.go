package server

import (
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/sevir/capataz/internal/agent"
	"github.com/sevir/capataz/internal/persona"
	"github.com/sevir/capataz/internal/scheduler"
	"github.com/sevir/capataz/internal/store"
	"github.com/sevir/capataz/pkg/models"
)

const (
	defaultLogTailBytes = 64 * 1024
	streamKeepAlive     = 15 * time.Second
)

type createTaskRequest struct {
	ID         string            `json:"id"`
	Prompt     string            `json:"prompt"`
	WorkDir    string            `json:"work_dir"`
	SessionID  string            `json:"session_id"`
	ProviderID string            `json:"provider_id"`
	ModelID    string            `json:"model_id"`
	Model      string            `json:"model"` // provider/model shorthand
	Persona    string            `json:"persona"`
	ExtraArgs  []string          `json:"extra_args"`
	Env        map[string]string `json:"env"`
}

func (r createTaskRequest) taskConfig() models.TaskConfig {
	cfg := models.TaskConfig{
		Prompt:     r.Prompt,
		WorkDir:    r.WorkDir,
		SessionID:  r.SessionID,
		ProviderID: r.ProviderID,
		ModelID:    r.ModelID,
		ExtraArgs:  r.ExtraArgs,
		Env:        r.Env,
	}
	if cfg.ModelID == "" && r.Model != "" {
		if provider, model, ok := strings.Cut(r.Model, "/"); ok {
			cfg.ProviderID, cfg.ModelID = provider, model
		} else {
			cfg.ModelID = r.Model
		}
	}
	return cfg
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, scheduler.ErrTaskNotFound), errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, scheduler.ErrDuplicateTask), errors.Is(err, scheduler.ErrTaskNotRunning):
		return http.StatusConflict
	case errors.Is(err, scheduler.ErrQueueFull):
		return http.StatusTooManyRequests
	case errors.Is(err, scheduler.ErrSchedulerClosed), errors.Is(err, scheduler.ErrExecutableNotFound):
		return http.StatusServiceUnavailable
	case errors.Is(err, persona.ErrUnknownPersona):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func abortWithError(c *gin.Context, err error) {
	c.JSON(statusFor(err), gin.H{"error": err.Error()})
}

func (s *Server) handleAPITaskCreate(c *gin.Context) {
	var req createTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	cfg, err := s.personas.Apply(req.Persona, req.taskConfig())
	if err != nil {
		abortWithError(c, err)
		return
	}
	if err := cfg.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	id := req.ID
	if id == "" {
		id = uuid.New().String()
	} else if _, err := s.store.Get(id); err == nil {
		// Finished tasks stay registered; their ids are not reused.
		c.JSON(http.StatusConflict, gin.H{"error": "task id already used: " + id})
		return
	}

	task := &store.Task{
		ID:        id,
		Prompt:    req.Prompt,
		WorkDir:   cfg.WorkDir,
		Persona:   req.Persona,
		Model:     cfg.Model(),
		Status:    store.StatusQueued,
		SessionID: cfg.SessionID,
		CreatedAt: time.Now(),
	}
	if err := s.store.Save(task); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	handle, err := s.scheduler.Submit(id, cfg, s.store.Recorder(id, agent.Callbacks{}))
	if err != nil {
		_ = s.store.Delete(id)
		s.log.WarnCtx("task rejected", map[string]any{"task_id": id, "error": err.Error()})
		abortWithError(c, err)
		return
	}
	if handle.Status == models.TaskStatusRunning {
		_ = s.store.Update(id, func(t *store.Task) {
			if t.Status == store.StatusQueued {
				now := time.Now()
				t.Status = store.StatusRunning
				t.StartedAt = &now
			}
		})
	}

	current, err := s.store.Get(id)
	if err != nil {
		current = task
	}
	c.JSON(http.StatusAccepted, gin.H{"task": current, "handle": handle})
}

func (s *Server) handleAPITasksList(c *gin.Context) {
	statuses, err := parseStatusQuery(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	limit, err := queryInt(c, "limit", 0)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
		return
	}
	offset, err := queryInt(c, "offset", 0)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid offset"})
		return
	}

	tasks, err := s.store.List(store.ListFilter{Status: statuses, Limit: limit, Offset: offset})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	type taskItem struct {
		ID            string       `json:"id"`
		Status        store.Status `json:"status"`
		PromptExcerpt string       `json:"prompt_excerpt"`
		SessionID     string       `json:"session_id,omitempty"`
		CreatedAt     string       `json:"created_at"`
	}
	items := make([]taskItem, 0, len(tasks))
	for _, t := range tasks {
		items = append(items, taskItem{
			ID:            t.ID,
			Status:        t.Status,
			PromptExcerpt: promptExcerpt(t.Prompt, 80),
			SessionID:     t.SessionID,
			CreatedAt:     t.CreatedAt.Format(time.RFC3339Nano),
		})
	}
	c.JSON(http.StatusOK, gin.H{"tasks": items})
}

func (s *Server) handleAPITaskGet(c *gin.Context) {
	id := c.Param("id")
	task, err := s.store.Get(id)
	if err != nil {
		abortWithError(c, err)
		return
	}
	resp := gin.H{"task": task}
	if info, ok := s.scheduler.Get(id); ok {
		resp["scheduler"] = info
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleAPITaskCancel(c *gin.Context) {
	id := c.Param("id")
	if err := s.scheduler.Cancel(id); err != nil {
		if errors.Is(err, scheduler.ErrTaskNotFound) {
			if task, getErr := s.store.Get(id); getErr == nil && task.Status.IsTerminal() {
				c.JSON(http.StatusConflict, gin.H{"error": "task already finished", "status": task.Status})
				return
			}
		}
		abortWithError(c, err)
		return
	}
	_ = s.store.MarkCancelled(id)
	s.log.InfoCtx("task cancelled via API", map[string]any{"task_id": id})
	c.Status(http.StatusNoContent)
}

func (s *Server) handleAPITaskInterrupt(c *gin.Context) {
	id := c.Param("id")
	if err := s.scheduler.Interrupt(id); err != nil {
		abortWithError(c, err)
		return
	}
	c.Status(http.StatusAccepted)
}

func (s *Server) handleAPITaskInput(c *gin.Context) {
	id := c.Param("id")
	var req struct {
		Text string `json:"text" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.scheduler.SendInput(id, req.Text); err != nil {
		abortWithError(c, err)
		return
	}
	c.Status(http.StatusAccepted)
}

func (s *Server) handleAPITaskEvents(c *gin.Context) {
	id := c.Param("id")
	after, err := queryInt(c, "after", -1)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid after"})
		return
	}
	events, err := s.store.Events(id, after)
	if err != nil {
		abortWithError(c, err)
		return
	}
	next := after
	if len(events) > 0 {
		next = events[len(events)-1].Seq
	}
	c.JSON(http.StatusOK, gin.H{"events": events, "next_after": next})
}

// handleAPITaskStream replays the retained events after ?after= and then
// follows the task until its final event.
func (s *Server) handleAPITaskStream(c *gin.Context) {
	id := c.Param("id")
	after, err := queryInt(c, "after", -1)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid after"})
		return
	}

	// Subscribe before replaying so nothing falls between the two.
	ch, unsubscribe, err := s.store.Subscribe(id)
	if err != nil {
		abortWithError(c, err)
		return
	}
	defer unsubscribe()

	backlog, err := s.store.Events(id, after)
	if err != nil {
		abortWithError(c, err)
		return
	}

	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	last := after
	for _, ev := range backlog {
		c.SSEvent(string(ev.Type), ev)
		last = ev.Seq
		if ev.Type.IsFinal() {
			c.Writer.Flush()
			return
		}
	}
	c.Writer.Flush()

	keepAlive := time.NewTicker(streamKeepAlive)
	defer keepAlive.Stop()

	c.Stream(func(w io.Writer) bool {
		select {
		case ev, ok := <-ch:
			if !ok {
				return false
			}
			if ev.Seq <= last {
				return true
			}
			last = ev.Seq
			c.SSEvent(string(ev.Type), ev)
			return !ev.Type.IsFinal()
		case <-keepAlive.C:
			c.SSEvent("ping", gin.H{"time": time.Now().Format(time.RFC3339)})
			return true
		case <-c.Request.Context().Done():
			return false
		}
	})
}

type logResponse struct {
	Content    string `json:"content"`
	NextOffset int64  `json:"next_offset"`
	Truncated  bool   `json:"truncated"`
}

func (s *Server) handleAPITaskLog(c *gin.Context) {
	id := c.Param("id")
	if _, err := s.store.Get(id); err != nil {
		abortWithError(c, err)
		return
	}
	if s.logDir == "" {
		c.JSON(http.StatusNotFound, gin.H{"error": "log not available"})
		return
	}

	offset := int64(0)
	if raw := strings.TrimSpace(c.Query("offset")); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || v < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid offset"})
			return
		}
		offset = v
	}

	data, next, truncated, err := readLogChunk(filepath.Join(s.logDir, id+".log"), offset, defaultLogTailBytes)
	if err != nil {
		if os.IsNotExist(err) {
			c.JSON(http.StatusOK, logResponse{})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, logResponse{Content: string(data), NextOffset: next, Truncated: truncated})
}

func parseStatusQuery(c *gin.Context) ([]store.Status, error) {
	raw := c.QueryArray("status")
	if len(raw) == 1 && strings.Contains(raw[0], ",") {
		raw = strings.Split(raw[0], ",")
	}

	var statuses []store.Status
	for _, part := range raw {
		st := store.Status(strings.TrimSpace(part))
		if st == "" {
			continue
		}
		switch st {
		case store.StatusQueued, store.StatusRunning, store.StatusSuccess, store.StatusBlocked,
			store.StatusPartial, store.StatusError, store.StatusInterrupted, store.StatusCancelled:
			statuses = append(statuses, st)
		default:
			return nil, errors.New("invalid status: " + string(st))
		}
	}
	return statuses, nil
}

func queryInt(c *gin.Context, key string, def int) (int, error) {
	raw := strings.TrimSpace(c.Query(key))
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < -1 {
		return 0, errors.New("invalid " + key)
	}
	return v, nil
}

func promptExcerpt(s string, max int) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}

func readLogChunk(path string, offset, max int64) ([]byte, int64, bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, offset, false, err
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return nil, offset, false, err
	}

	size := st.Size()
	start := min(offset, size)
	truncated := false

	// From the beginning of a large file, return only the tail.
	if start == 0 && size > max {
		start = size - max
		truncated = true
	}
	if _, err := f.Seek(start, io.SeekStart); err != nil {
		return nil, start, false, err
	}

	data, err := io.ReadAll(io.LimitReader(f, max+1))
	if err != nil {
		return nil, start, false, err
	}
	if int64(len(data)) > max {
		data = data[:max]
		truncated = true
	}
	return data, start + int64(len(data)), truncated, nil
}
