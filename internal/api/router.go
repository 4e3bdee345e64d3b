// Package api is the thin HTTP delivery layer over the job execution
// engine, exercising the contract table spec §6 enumerates. The HTTP
// surface itself, JWT minting, credential validation, and multipart
// parsing are out of scope per spec §1/§2 — this package consumes them
// only through the Authenticator and StageFileReader seams, following the
// route-group-per-resource / handler-per-operation shape of the teacher's
// internal/api/v1 (base.go's RegisterRoutes, agents.go's handler style).
package api

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/cloudshipai/runner/internal/audit"
	"github.com/cloudshipai/runner/internal/jobs"
	"github.com/cloudshipai/runner/internal/registry"
	"github.com/cloudshipai/runner/internal/workspace"
)

// StageFileReader is the seam over the out-of-scope multipart-handling
// collaborator spec §1/§2 names: this package asks it for a filename and
// the file's bytes, without caring whether those came from a multipart
// form, a raw body, or a test fixture.
type StageFileReader interface {
	ReadStagedFile(c *gin.Context) (filename string, content []byte, err error)
}

// GinMultipartReader implements StageFileReader using gin's built-in
// multipart form parsing, the one concrete instance this service needs
// in practice — still routed through the seam so tests can substitute a
// fixture reader without a real HTTP multipart body.
type GinMultipartReader struct{}

func (GinMultipartReader) ReadStagedFile(c *gin.Context) (string, []byte, error) {
	fh, err := c.FormFile("file")
	if err != nil {
		return "", nil, err
	}
	f, err := fh.Open()
	if err != nil {
		return "", nil, err
	}
	defer f.Close()
	content, err := io.ReadAll(f)
	if err != nil {
		return "", nil, err
	}
	return fh.Filename, content, nil
}

// Handlers wires the job execution engine to gin routes.
type Handlers struct {
	store     *jobs.Store
	scheduler *jobs.Scheduler
	workspace *workspace.Manager
	registry  *registry.Registry
	audit     *audit.Repo
	authn     Authenticator
	files     StageFileReader
}

// NewHandlers constructs Handlers. audit may be nil (audit trail
// disabled); files defaults to GinMultipartReader when nil.
func NewHandlers(store *jobs.Store, scheduler *jobs.Scheduler, ws *workspace.Manager, reg *registry.Registry, auditRepo *audit.Repo, authn Authenticator, files StageFileReader) *Handlers {
	if files == nil {
		files = GinMultipartReader{}
	}
	return &Handlers{store: store, scheduler: scheduler, workspace: ws, registry: reg, audit: auditRepo, authn: authn, files: files}
}

// RegisterRoutes registers every route spec §6's contract table names,
// grounded on the teacher's APIHandlers.RegisterRoutes group-per-resource
// shape (base.go).
func (h *Handlers) RegisterRoutes(router *gin.RouterGroup) {
	router.POST("/auth/login", h.login)

	router.Use(requireAuth(h.authn))

	jobsGroup := router.Group("/jobs")
	jobsGroup.POST("", h.createJob)
	jobsGroup.GET("", h.listJobs)
	jobsGroup.GET("/:id", h.getJob)
	jobsGroup.POST("/:id/files", h.stageFile)
	jobsGroup.POST("/:id/start", h.startJob)
	jobsGroup.POST("/:id/cancel", h.cancelJob)
	jobsGroup.DELETE("/:id", h.deleteJob)

	reposGroup := router.Group("/repositories")
	reposGroup.POST("", h.registerRepository)
	reposGroup.GET("", h.listRepositories)
	reposGroup.DELETE("/:name", h.unregisterRepository)
}

func (h *Handlers) login(c *gin.Context) {
	var req struct {
		Username string `json:"username" binding:"required"`
		Password string `json:"password" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	token, err := h.authn.Authenticate(req.Username, req.Password)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid username or password"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": token, "owner": req.Username})
}

func (h *Handlers) createJob(c *gin.Context) {
	var req struct {
		Prompt     string `json:"prompt" binding:"required"`
		Repository string `json:"repository" binding:"required"`
		Options    struct {
			TimeoutSeconds int   `json:"timeout_seconds"`
			GitAware       *bool `json:"git_aware"`
			IndexAware     *bool `json:"index_aware"`
		} `json:"options"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	opts := jobs.NewJobOptions(req.Options.TimeoutSeconds, req.Options.GitAware, req.Options.IndexAware)
	job := jobs.NewJob(ownerFromContext(c), req.Prompt, req.Repository, opts)
	h.store.Put(job)

	c.JSON(http.StatusCreated, gin.H{"job_id": job.ID, "state": job.State})
}

// authorizeOwner reports whether ownerFromContext(c) is snap's owner,
// writing a 403 (spec §7's Authorization error kind) and returning false
// otherwise.
func (h *Handlers) authorizeOwner(c *gin.Context, snap jobs.Snapshot) bool {
	if snap.Owner != ownerFromContext(c) {
		writeJobError(c, jobs.ErrNotOwner)
		return false
	}
	return true
}

func (h *Handlers) stageFile(c *gin.Context) {
	id := c.Param("id")
	snap, err := h.store.Get(id)
	if err != nil {
		writeJobError(c, err)
		return
	}
	if !h.authorizeOwner(c, snap) {
		return
	}

	filename, content, err := h.files.ReadStagedFile(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if _, err := h.store.Patch(id, func(j *jobs.Job) {
		j.Files = append(j.Files, jobs.StagedFile{Name: filename, Content: content})
	}); err != nil {
		writeJobError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "staged"})
}

func (h *Handlers) startJob(c *gin.Context) {
	id := c.Param("id")
	snap, err := h.store.Get(id)
	if err != nil {
		writeJobError(c, err)
		return
	}
	if !h.authorizeOwner(c, snap) {
		return
	}
	if err := h.scheduler.Submit(id); err != nil {
		writeJobError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{
		"state":          jobs.StateQueued,
		"queue_position": h.scheduler.QueuePosition(id),
	})
}

func (h *Handlers) getJob(c *gin.Context) {
	snap, err := h.scheduler.Status(c.Param("id"))
	if err != nil {
		writeJobError(c, err)
		return
	}
	if !h.authorizeOwner(c, snap) {
		return
	}
	c.JSON(http.StatusOK, snapshotToJSON(snap))
}

func (h *Handlers) cancelJob(c *gin.Context) {
	id := c.Param("id")
	snap, err := h.store.Get(id)
	if err != nil {
		writeJobError(c, err)
		return
	}
	if !h.authorizeOwner(c, snap) {
		return
	}
	if err := h.scheduler.Cancel(id); err != nil {
		writeJobError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "cancel requested"})
}

// deleteJob implements spec §6's Delete job: cancel-if-running, immediate
// workspace teardown, then store removal. Both teardown calls are
// idempotent (os.RemoveAll, map delete), so overlapping with an
// in-flight Executor.finish is harmless.
func (h *Handlers) deleteJob(c *gin.Context) {
	id := c.Param("id")
	snap, err := h.store.Get(id)
	if err != nil {
		writeJobError(c, err)
		return
	}
	if !h.authorizeOwner(c, snap) {
		return
	}
	_ = h.scheduler.Cancel(id)
	if h.workspace != nil {
		_ = h.workspace.Destroy(id)
	}
	h.store.Delete(id)
	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}

func (h *Handlers) listJobs(c *gin.Context) {
	owner := ownerFromContext(c)
	snaps := h.store.ListByOwner(owner)
	out := make([]gin.H, 0, len(snaps))
	for _, s := range snaps {
		out = append(out, snapshotToJSON(s))
	}
	c.JSON(http.StatusOK, gin.H{"jobs": out})
}

func (h *Handlers) registerRepository(c *gin.Context) {
	var req struct {
		Name          string `json:"name" binding:"required"`
		UpstreamOrPath string `json:"upstream_or_path" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	rec, err := h.registry.Register(req.Name, req.UpstreamOrPath)
	if err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"name": rec.Name, "status": rec.Status})
}

func (h *Handlers) listRepositories(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"repositories": h.registry.List()})
}

func (h *Handlers) unregisterRepository(c *gin.Context) {
	if err := h.registry.Unregister(c.Param("name")); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "unregistered"})
}

func snapshotToJSON(s jobs.Snapshot) gin.H {
	return gin.H{
		"id":             s.ID,
		"owner":          s.Owner,
		"repository":     s.Repository,
		"state":          s.State,
		"reason":         s.Reason,
		"queue_position": s.QueuePosition,
		"output":         s.Output,
		"truncated":      s.Truncated,
		"exit_code":      s.ExitCode,
		"git_status":     s.GitStatus,
		"index_status":   s.IndexStatus,
		"created_at":     s.CreatedAt,
		"started_at":     s.StartedAt,
		"ended_at":       s.EndedAt,
	}
}

func writeJobError(c *gin.Context, err error) {
	if errors.Is(err, jobs.ErrJobNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
		return
	}
	if errors.Is(err, jobs.ErrNotOwner) {
		c.JSON(http.StatusForbidden, gin.H{"error": "caller does not own this job"})
		return
	}
	c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
}
