package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"atlas/internal/configapi"
	"atlas/internal/pipeline"
	"atlas/internal/store"
	"atlas/internal/tree"
)

func (s *Server) handleListTasks(c *gin.Context) {
	identity := identityFrom(c)
	infos := s.tasks.ListByUser(identity.UserID)
	out := make([]gin.H, 0, len(infos))
	for _, info := range infos {
		out = append(out, gin.H{
			"name":       info.Name,
			"started_at": info.StartedAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"tasks": out})
}

// cancelHandler sends cooperative cancellation to "<pipeline>-<run-id>".
func (s *Server) cancelHandler(pipelineName string) gin.HandlerFunc {
	return func(c *gin.Context) {
		runID := c.Param("id")
		if !s.tasks.Cancel(pipeline.TaskName(pipelineName, runID)) {
			c.JSON(http.StatusNotFound, gin.H{"error": "no active run " + runID})
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"run_id": runID, "status": "cancelling"})
	}
}

type sqlExtractionRequest struct {
	ClusterKey string     `json:"cluster_key" binding:"required"`
	RootPath   string     `json:"root_path" binding:"required"`
	Token      string     `json:"token" binding:"required"`
	Cutoff     *time.Time `json:"cutoff"`
}

func (s *Server) handleStartSQLExtraction(c *gin.Context) {
	var req sqlExtractionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	identity := identityFrom(c)
	runID, err := s.sqlPipe.StartExtraction(c.Request.Context(), pipeline.SQLExtractionParams{
		UserID:     identity.UserID,
		OrgID:      identity.OrgID,
		ClusterKey: req.ClusterKey,
		RootPath:   req.RootPath,
		Token:      req.Token,
		Cutoff:     req.Cutoff,
	})
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"run_id": runID})
}

func (s *Server) handleListSQLExtractions(c *gin.Context) {
	identity := identityFrom(c)
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	runs, err := s.store.ListExtractionRuns(c.Request.Context(), identity.OrgID, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"runs": extractionViews(runs)})
}

func extractionViews(runs []*store.ExtractionRun) []gin.H {
	out := make([]gin.H, 0, len(runs))
	for _, run := range runs {
		out = append(out, gin.H{
			"id":           run.ID,
			"workspace":    run.Workspace,
			"status":       run.Status,
			"counters":     run.Counters,
			"error":        run.Error,
			"started_at":   run.StartedAt,
			"completed_at": run.CompletedAt,
		})
	}
	return out
}

func (s *Server) handleGetSQLExtraction(c *gin.Context) {
	run, err := s.store.GetExtractionRun(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "run not found"})
		return
	}
	c.JSON(http.StatusOK, run)
}

type sqlAnalysisRequest struct {
	ExtractionRunID string `json:"extraction_run_id" binding:"required"`
	Dialect         string `json:"dialect"`
}

func (s *Server) handleStartSQLAnalysis(c *gin.Context) {
	var req sqlAnalysisRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	identity := identityFrom(c)
	runID, err := s.sqlPipe.StartAnalysis(c.Request.Context(), pipeline.SQLAnalysisParams{
		UserID:          identity.UserID,
		OrgID:           identity.OrgID,
		ExtractionRunID: req.ExtractionRunID,
		Dialect:         req.Dialect,
	})
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"run_id": runID})
}

func (s *Server) handleGetSQLAnalysis(c *gin.Context) {
	run, err := s.store.GetAnalysisRun(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "run not found"})
		return
	}
	c.JSON(http.StatusOK, run)
}

func (s *Server) handleDeleteSQLAnalysis(c *gin.Context) {
	if err := s.store.DeleteAnalysisRun(c.Request.Context(), c.Param("id")); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": c.Param("id")})
}

type configExtractionRequest struct {
	Host        string            `json:"host" binding:"required"`
	BearerToken string            `json:"bearer_token"`
	CookieCT    string            `json:"cookie_ct"`
	CookieOID   string            `json:"cookie_oid"`
	OrgID       string            `json:"org_id"`
	Params      map[string]string `json:"params"`
}

func (s *Server) handleStartConfigExtraction(c *gin.Context) {
	var req configExtractionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	identity := identityFrom(c)
	runID, err := s.configPipe.StartExtraction(c.Request.Context(), pipeline.ConfigExtractionParams{
		UserID: identity.UserID,
		OrgID:  identity.OrgID,
		Host:   req.Host,
		Creds: configapi.Credentials{
			BearerToken: req.BearerToken,
			CookieCT:    req.CookieCT,
			CookieOID:   req.CookieOID,
			OrgID:       req.OrgID,
		},
		Params: req.Params,
	})
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"run_id": runID})
}

func (s *Server) handleGetConfigExtraction(c *gin.Context) {
	run, err := s.store.GetConfigExtractionRun(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "run not found"})
		return
	}
	c.JSON(http.StatusOK, run)
}

type configAnalysisRequest struct {
	ExtractionRunID string `json:"extraction_run_id" binding:"required"`
}

func (s *Server) handleStartConfigAnalysis(c *gin.Context) {
	var req configAnalysisRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	identity := identityFrom(c)
	runID, err := s.configPipe.StartAnalysis(c.Request.Context(), pipeline.ConfigAnalysisParams{
		UserID:          identity.UserID,
		OrgID:           identity.OrgID,
		ExtractionRunID: req.ExtractionRunID,
	})
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"run_id": runID})
}

func (s *Server) handleGetConfigAnalysis(c *gin.Context) {
	run, err := s.store.GetConfigAnalysisRun(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "run not found"})
		return
	}
	c.JSON(http.StatusOK, run)
}

type treeRunRequest struct {
	InputSource string `json:"input_source"`
	SpaceKey    string `json:"space_key"`
	Sanitize    bool   `json:"sanitize"`
	Blueprint   string `json:"blueprint"`
}

func (s *Server) handleStartTreeRun(c *gin.Context) {
	var req treeRunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	identity := identityFrom(c)
	runID, err := s.treePipe.Start(c.Request.Context(), pipeline.TreeParams{
		UserID:      identity.UserID,
		OrgID:       identity.OrgID,
		InputSource: req.InputSource,
		SpaceKey:    req.SpaceKey,
		Sanitize:    req.Sanitize,
		Blueprint:   req.Blueprint,
	})
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"run_id": runID})
}

func (s *Server) handleGetTreeRun(c *gin.Context) {
	run, err := s.store.GetTreeRun(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "run not found"})
		return
	}
	c.JSON(http.StatusOK, run)
}

type restructureRequest struct {
	RunID       string   `json:"run_id" binding:"required"`
	NodeIDs     []string `json:"node_ids" binding:"required"`
	Instruction string   `json:"instruction" binding:"required"`
	Apply       bool     `json:"apply"`
}

// handleRestructure proposes a restructure over a saved tree. The proposal
// is returned for review; only apply=true persists the new tree.
func (s *Server) handleRestructure(c *gin.Context) {
	var req restructureRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	run, err := s.store.GetTreeRun(c.Request.Context(), req.RunID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "run not found"})
		return
	}
	if len(run.TreeData) == 0 {
		c.JSON(http.StatusConflict, gin.H{"error": "run has no saved tree"})
		return
	}
	root, err := tree.ParseTree(string(run.TreeData))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	proposal, err := s.proposer.Propose(c.Request.Context(), root, req.NodeIDs, req.Instruction)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}

	if req.Apply {
		treeData, err := json.Marshal(proposal.Tree)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if err := s.store.SaveTreeData(c.Request.Context(), req.RunID, treeData, run.TokenUsage); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
	}
	c.JSON(http.StatusOK, proposal)
}

func (s *Server) handleListDocs(c *gin.Context) {
	identity := identityFrom(c)
	sourceType := c.DefaultQuery("source_type", store.SourceDatabricks)
	docs, err := s.store.ListActiveDocs(c.Request.Context(), identity.OrgID, sourceType)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"docs": docs})
}

func (s *Server) handlePromoteDoc(c *gin.Context) {
	docID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid doc id"})
		return
	}
	if err := s.store.PromoteContextDoc(c.Request.Context(), docID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"promoted": docID})
}
