package dashboard

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
)

// HTTPError is the JSON body of a failed request.
type HTTPError struct {
	Error string `json:"error"`
}

// API serves a scalar store over HTTP.
type API struct {
	Store *Store
}

// NewRouter returns a gin engine exposing store read-only. middleware runs
// after panic recovery on every route.
func NewRouter(store *Store, middleware ...gin.HandlerFunc) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware...)

	a := API{Store: store}
	r.GET("/health", a.Health)

	runs := r.Group("/api/runs")
	{
		runs.GET("", a.ListRuns)
		runs.GET("/:run/tags", a.ListTags)
		runs.GET("/:run/scalars/:tag", a.ShowSeries)
	}
	return r
}

// Health answers liveness probes.
func (a *API) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// ListRuns returns every recorded run.
func (a *API) ListRuns(c *gin.Context) {
	runs, err := a.Store.Runs()
	if err != nil {
		Error(c, err)
		return
	}
	if runs == nil {
		runs = []RunInfo{}
	}
	c.JSON(http.StatusOK, gin.H{"runs": runs})
}

// ListTags returns the tags of one run.
func (a *API) ListTags(c *gin.Context) {
	run := c.Param("run")
	tags, err := a.Store.Tags(run)
	if err != nil {
		Error(c, err)
		return
	}
	if tags == nil {
		tags = []string{}
	}
	c.JSON(http.StatusOK, gin.H{"run": run, "tags": tags})
}

// ShowSeries returns one curve.
func (a *API) ShowSeries(c *gin.Context) {
	run, tag := c.Param("run"), c.Param("tag")
	points, err := a.Store.Series(run, tag)
	if err != nil {
		Error(c, err)
		return
	}
	if points == nil {
		points = []Point{}
	}
	c.JSON(http.StatusOK, gin.H{"run": run, "tag": tag, "points": points})
}

// Error writes err as JSON, mapping ErrNotFound to 404.
func Error(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	if errors.Is(err, ErrNotFound) {
		status = http.StatusNotFound
	}
	c.JSON(status, HTTPError{Error: err.Error()})
}
