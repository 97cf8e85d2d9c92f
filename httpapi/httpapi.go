// Package httpapi exposes a read-only JSON view over the tracking kernel's
// state: process status, the append-only log, and the tracked-document
// list/detail, the echo-based counterpart to the original implementation's
// Flask dashboard views.
package httpapi

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/dustin/go-humanize"
	"github.com/labstack/echo/v4"

	"docwatch.dev/kernel"
)

// Server wires the kernel's read operations to echo routes. It has no
// write endpoints and no auth; it exists so an operator can see what the
// kernel is doing, not to let anyone change it.
type Server struct {
	kernel *kernel.Kernel
}

// NewServer builds an httpapi.Server over k.
func NewServer(k *kernel.Kernel) *Server {
	return &Server{kernel: k}
}

// Register mounts the inspection routes on e.
func (s *Server) Register(e *echo.Echo) {
	e.GET("/", s.status)
	e.GET("/log/", s.log)
	e.GET("/tracked/", s.trackedList)
	e.GET("/tracked/:id", s.trackedGet)
}

type statusResponse struct {
	Status      string `json:"status"`
	UpdateQueue int64  `json:"update_queue"`
	QueueSize   int64  `json:"queue_size"`
}

func (s *Server) status(c echo.Context) error {
	ctx := c.Request().Context()

	status, err := s.kernel.Status(ctx)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	queueSize, err := s.kernel.QueueSize(ctx)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, statusResponse{
		Status:      "ok",
		UpdateQueue: status.UpdateQueue,
		QueueSize:   queueSize,
	})
}

func (s *Server) log(c echo.Context) error {
	offset, _ := strconv.Atoi(c.QueryParam("offset"))
	limit := 100
	if raw := c.QueryParam("limit"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 {
			limit = v
		}
	}

	entries, err := s.kernel.ListLogs(c.Request().Context(), offset, limit)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, entries)
}

type trackedSummary struct {
	ID            string `json:"id"`
	URL           string `json:"url"`
	DocClass      string `json:"doc_class"`
	VersionCount  int    `json:"version_count"`
	LastUpdate    string `json:"last_update,omitempty"`
	NextUpdate    string `json:"next_update,omitempty"`
	NeverFetched  bool   `json:"never_fetched"`
	ErrorStreak   int    `json:"consecutive_errors"`
}

func summarize(doc kernel.TrackedDocument) trackedSummary {
	out := trackedSummary{
		ID:           doc.ID,
		URL:          doc.URL,
		DocClass:     doc.DocClass,
		VersionCount: len(doc.Versions),
		NeverFetched: doc.LastUpdate == nil,
		ErrorStreak:  doc.ConsecutiveErrors,
	}
	if doc.LastUpdate != nil {
		out.LastUpdate = humanize.Time(*doc.LastUpdate)
	}
	if doc.NextUpdate != nil {
		out.NextUpdate = humanize.Time(*doc.NextUpdate)
	}
	return out
}

func (s *Server) trackedList(c echo.Context) error {
	offset, _ := strconv.Atoi(c.QueryParam("offset"))
	limit := 100
	if raw := c.QueryParam("limit"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 {
			limit = v
		}
	}

	docs, err := s.kernel.ListTracked(c.Request().Context(), offset, limit)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	out := make([]trackedSummary, len(docs))
	for i, doc := range docs {
		out[i] = summarize(doc)
	}
	return c.JSON(http.StatusOK, out)
}

type trackedDetail struct {
	trackedSummary
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
	Versions   []kernel.Version       `json:"versions"`
	LastSize   string                 `json:"last_version_size,omitempty"`
}

func (s *Server) trackedGet(c echo.Context) error {
	ctx := c.Request().Context()
	id := c.Param("id")

	doc, err := s.kernel.GetTrackedDocument(ctx, id)
	if errors.Is(err, kernel.ErrDocumentNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "tracked document not found")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	detail := trackedDetail{
		trackedSummary: summarize(*doc),
		Metadata:       doc.Metadata,
		Versions:       doc.Versions,
	}
	if data, err := s.kernel.LastVersion(ctx, id); err == nil {
		detail.LastSize = humanize.Bytes(uint64(len(data)))
	}
	return c.JSON(http.StatusOK, detail)
}
