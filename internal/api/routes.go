package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tradepilot/engine/internal/models"
)

type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Version   string    `json:"version"`
	Services  Services  `json:"services"`
}

type Services struct {
	Database string `json:"database"`
	Redis    string `json:"redis"`
}

// HealthChecker is satisfied by both database.PostgresDB and
// database.RedisClient.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

type QueueLister interface {
	List(ctx context.Context, limit int) ([]models.OptimizationTask, error)
}

type ExperimentLister interface {
	List(ctx context.Context, limit int) ([]models.ABTest, error)
}

type EventLister interface {
	Recent(ctx context.Context, limit int) ([]models.ImprovementEvent, error)
}

type ModelReader interface {
	CurrentProduction(ctx context.Context, modelType string) (*models.ModelVersion, error)
}

// CycleTrigger schedules an improvement cycle outside the regular interval.
type CycleTrigger interface {
	TriggerCycle()
}

// Dependencies collects everything the read-only API surfaces.
type Dependencies struct {
	Queue       QueueLister
	Experiments ExperimentLister
	Events      EventLister
	Models      ModelReader
	Engine      CycleTrigger
}

func SetupRoutes(router *gin.Engine, db, redis HealthChecker, deps Dependencies) {
	// Health check endpoint
	router.GET("/health", healthCheck(db, redis))

	// API v1 routes
	v1 := router.Group("/api/v1")
	{
		queue := v1.Group("/queue")
		{
			queue.GET("/tasks", listTasks(deps.Queue))
		}

		experiments := v1.Group("/experiments")
		{
			experiments.GET("", listExperiments(deps.Experiments))
		}

		events := v1.Group("/events")
		{
			events.GET("", listEvents(deps.Events))
		}

		modelsGroup := v1.Group("/models")
		{
			modelsGroup.GET("/:type/production", getProductionModel(deps.Models))
		}

		cycle := v1.Group("/cycle")
		{
			cycle.POST("/run", runCycle(deps.Engine))
		}
	}
}

func healthCheck(db, redis HealthChecker) gin.HandlerFunc {
	return func(c *gin.Context) {
		response := HealthResponse{
			Status:    "ok",
			Timestamp: time.Now(),
			Version:   "1.0.0",
			Services: Services{
				Database: "ok",
				Redis:    "ok",
			},
		}

		// Check database health
		if err := db.HealthCheck(c.Request.Context()); err != nil {
			response.Services.Database = "error"
			response.Status = "degraded"
		}

		// Check Redis health
		if err := redis.HealthCheck(c.Request.Context()); err != nil {
			response.Services.Redis = "error"
			response.Status = "degraded"
		}

		statusCode := http.StatusOK
		if response.Status == "degraded" {
			statusCode = http.StatusServiceUnavailable
		}

		c.JSON(statusCode, response)
	}
}

func listTasks(queue QueueLister) gin.HandlerFunc {
	return func(c *gin.Context) {
		tasks, err := queue.List(c.Request.Context(), limitParam(c, 50))
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"tasks": tasks, "count": len(tasks)})
	}
}

func listExperiments(experiments ExperimentLister) gin.HandlerFunc {
	return func(c *gin.Context) {
		tests, err := experiments.List(c.Request.Context(), limitParam(c, 20))
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"experiments": tests, "count": len(tests)})
	}
}

func listEvents(events EventLister) gin.HandlerFunc {
	return func(c *gin.Context) {
		recent, err := events.Recent(c.Request.Context(), limitParam(c, 50))
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"events": recent, "count": len(recent)})
	}
}

func getProductionModel(store ModelReader) gin.HandlerFunc {
	return func(c *gin.Context) {
		modelType := c.Param("type")
		mv, err := store.CurrentProduction(c.Request.Context(), modelType)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if mv == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "no production model for " + modelType})
			return
		}
		c.JSON(http.StatusOK, mv)
	}
}

func runCycle(engine CycleTrigger) gin.HandlerFunc {
	return func(c *gin.Context) {
		engine.TriggerCycle()
		c.JSON(http.StatusAccepted, gin.H{"status": "cycle scheduled"})
	}
}

func limitParam(c *gin.Context, def int) int {
	raw := c.Query("limit")
	if raw == "" {
		return def
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		return def
	}
	if limit > 500 {
		return 500
	}
	return limit
}
