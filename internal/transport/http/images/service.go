package images

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"framecast-server-go/internal/domain/image"
	"framecast-server-go/internal/platform/config"
	"framecast-server-go/internal/platform/errors"
	"framecast-server-go/internal/platform/logging"
	httptransport "framecast-server-go/internal/transport/http"
)

// Service exposes the ingestion and catalog endpoints.
type Service struct {
	logger   *logging.Logger
	config   *config.Config
	ingestor *image.Ingestor
	store    image.Store
}

// NewService creates the image HTTP service.
func NewService(cfg *config.Config, logger *logging.Logger, ingestor *image.Ingestor, store image.Store) (*Service, error) {
	if cfg == nil {
		return nil, errors.New(errors.KindConfig, "images.new", "config is required")
	}
	if logger == nil {
		return nil, errors.New(errors.KindConfig, "images.new", "logger is required")
	}
	if ingestor == nil {
		return nil, errors.New(errors.KindConfig, "images.new", "ingestor is required")
	}
	if store == nil {
		return nil, errors.New(errors.KindConfig, "images.new", "store is required")
	}

	return &Service{
		logger:   logger,
		config:   cfg,
		ingestor: ingestor,
		store:    store,
	}, nil
}

// Register wires the image routes. Writes land on the secured group when one
// exists; reads are always public so viewers need no credentials.
func (s *Service) Register(ctx context.Context, public, secured *gin.RouterGroup) error {
	write := secured
	if write == nil {
		write = public
	}

	write.POST("/images", s.handleIngest)
	write.POST("/images/upload", s.handleUpload)

	public.GET("/images", s.handleList)
	public.GET("/images/current", s.handleCurrent)
	public.GET("/images/:id", s.handleGet)

	s.logger.InfoTag("HTTP", "image routes registered")
	return nil
}

// IngestRequest is the JSON ingestion body. SourceType selects the variant:
// "base64" reads Data, "url" reads URL.
type IngestRequest struct {
	SourceType string `json:"sourceType" binding:"required"`

	Data       string `json:"data,omitempty"`
	Filename   string `json:"filename,omitempty"`
	FormatHint string `json:"formatHint,omitempty"`

	URL    string `json:"url,omitempty"`
	Source string `json:"source,omitempty"`
}

// IngestResponse reports the committed record plus the soft outcome flags.
type IngestResponse struct {
	Image     image.Image `json:"image"`
	Degraded  bool        `json:"degraded"`
	Duplicate bool        `json:"duplicate"`
}

// ListResponse wraps the full catalog.
type ListResponse struct {
	Images []image.Image `json:"images"`
	Count  int           `json:"count"`
}

// handleIngest commits an inline or remote image.
// @Summary Ingest an image
// @Description Commits a base64 payload or fetches a remote URL, normalizes it and broadcasts the result
// @Tags Images
// @Accept json
// @Produce json
// @Param request body IngestRequest true "ingestion request"
// @Success 201 {object} IngestResponse
// @Failure 400 {object} httptransport.APIResponse
// @Failure 403 {object} httptransport.APIResponse
// @Failure 413 {object} httptransport.APIResponse
// @Failure 415 {object} httptransport.APIResponse
// @Failure 502 {object} httptransport.APIResponse
// @Router /images [post]
func (s *Service) handleIngest(c *gin.Context) {
	var req IngestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httptransport.RespondError(c, http.StatusBadRequest, "invalid request body", gin.H{"error": err.Error()})
		return
	}

	var (
		res *image.Result
		err error
	)
	switch image.SourceType(strings.ToLower(req.SourceType)) {
	case image.SourceInline:
		res, err = s.ingestor.IngestInline(c.Request.Context(), image.InlineInput{
			Data:       req.Data,
			Filename:   req.Filename,
			FormatHint: req.FormatHint,
		})
	case image.SourceURL:
		res, err = s.ingestor.IngestURL(c.Request.Context(), image.URLInput{
			URL:    req.URL,
			Source: req.Source,
		})
	default:
		httptransport.RespondError(c, http.StatusBadRequest,
			fmt.Sprintf("unknown sourceType %q", req.SourceType), nil)
		return
	}
	if err != nil {
		httptransport.RespondKindError(c, err)
		return
	}

	httptransport.RespondSuccess(c, http.StatusCreated, IngestResponse{
		Image:     res.Image,
		Degraded:  res.Degraded,
		Duplicate: res.Duplicate,
	}, "image committed")
}

// handleUpload commits a multipart file upload.
// @Summary Upload an image file
// @Description Accepts a multipart form upload, normalizes the file and broadcasts the result
// @Tags Images
// @Accept multipart/form-data
// @Produce json
// @Param file formData file true "image file"
// @Param filename formData string false "filename override"
// @Success 201 {object} IngestResponse
// @Failure 400 {object} httptransport.APIResponse
// @Failure 413 {object} httptransport.APIResponse
// @Failure 415 {object} httptransport.APIResponse
// @Router /images/upload [post]
func (s *Service) handleUpload(c *gin.Context) {
	fileHeader, err := c.FormFile("file")
	if err != nil {
		httptransport.RespondError(c, http.StatusBadRequest, "missing file field", gin.H{"error": err.Error()})
		return
	}

	file, err := fileHeader.Open()
	if err != nil {
		httptransport.RespondError(c, http.StatusBadRequest, "unreadable file part", gin.H{"error": err.Error()})
		return
	}
	defer file.Close()

	// Read one byte past the ceiling so the normalizer sees the overflow
	// instead of a silently truncated payload.
	maxBytes := s.config.Security.MaxPayloadBytes
	data, err := io.ReadAll(io.LimitReader(file, maxBytes+1))
	if err != nil {
		httptransport.RespondError(c, http.StatusBadRequest, "failed to read upload", gin.H{"error": err.Error()})
		return
	}

	filename := fileHeader.Filename
	if override := c.PostForm("filename"); override != "" {
		filename = override
	}

	res, err := s.ingestor.IngestUpload(c.Request.Context(), image.UploadInput{
		Data:                data,
		Filename:            filename,
		DeclaredContentType: fileHeader.Header.Get("Content-Type"),
	})
	if err != nil {
		httptransport.RespondKindError(c, err)
		return
	}

	httptransport.RespondSuccess(c, http.StatusCreated, IngestResponse{
		Image:     res.Image,
		Degraded:  res.Degraded,
		Duplicate: res.Duplicate,
	}, "image committed")
}

// handleCurrent returns the image the pointer designates.
// @Summary Get the current image
// @Description Returns the most recently committed image
// @Tags Images
// @Produce json
// @Success 200 {object} image.Image
// @Failure 404 {object} httptransport.APIResponse
// @Router /images/current [get]
func (s *Service) handleCurrent(c *gin.Context) {
	current, ok, err := s.store.Current(c.Request.Context())
	if err != nil {
		httptransport.RespondError(c, http.StatusInternalServerError, "failed to load current image", gin.H{"error": err.Error()})
		return
	}
	if !ok {
		httptransport.RespondError(c, http.StatusNotFound, "no image has been ingested yet", nil)
		return
	}
	httptransport.RespondSuccess(c, http.StatusOK, current, "")
}

// handleList returns every committed image, newest first.
// @Summary List committed images
// @Description Returns all committed images ordered by ingestion time descending
// @Tags Images
// @Produce json
// @Success 200 {object} ListResponse
// @Router /images [get]
func (s *Service) handleList(c *gin.Context) {
	imgs, err := s.store.List(c.Request.Context())
	if err != nil {
		httptransport.RespondError(c, http.StatusInternalServerError, "failed to list images", gin.H{"error": err.Error()})
		return
	}
	httptransport.RespondSuccess(c, http.StatusOK, ListResponse{Images: imgs, Count: len(imgs)}, "")
}

// handleGet returns one committed image by id.
// @Summary Get an image by id
// @Tags Images
// @Produce json
// @Param id path string true "image id"
// @Success 200 {object} image.Image
// @Failure 404 {object} httptransport.APIResponse
// @Router /images/{id} [get]
func (s *Service) handleGet(c *gin.Context) {
	id := c.Param("id")
	img, ok, err := s.store.Get(c.Request.Context(), id)
	if err != nil {
		httptransport.RespondError(c, http.StatusInternalServerError, "failed to load image", gin.H{"error": err.Error()})
		return
	}
	if !ok {
		httptransport.RespondError(c, http.StatusNotFound, fmt.Sprintf("image %s not found", id), nil)
		return
	}
	httptransport.RespondSuccess(c, http.StatusOK, img, "")
}
