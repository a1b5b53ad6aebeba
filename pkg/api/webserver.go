package api

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/chenBenjamin97/vehicle-scanner/pkg/pipeline"
	"github.com/chenBenjamin97/vehicle-scanner/pkg/sink"
	"github.com/chenBenjamin97/vehicle-scanner/pkg/utils"
	"github.com/chenBenjamin97/vehicle-scanner/pkg/video"
)

//Server is the HTTP control surface: start sessions, watch them, stop them, save their results
//Output files requested by clients are plain names placed under resultsDir (results) or videosDir (annotated video).
type Server struct {
	starter     Starter
	resultsDir  string
	videosDir   string
	staticFiles string
	sessions    *registry
}

func NewServer(starter Starter, resultsDir, videosDir, staticFiles string) *Server {
	return &Server{starter: starter, resultsDir: resultsDir, videosDir: videosDir, staticFiles: staticFiles, sessions: newRegistry()}
}

var errBadFileName = errors.New("file name must be a plain name without directories")

//validName reports whether name can be used as a file inside one of the server's directories
func validName(name string) bool {
	return name != "" && filepath.Base(name) == name && !strings.HasPrefix(name, ".") && !strings.ContainsAny(name, `/\`)
}

//outputPath places a client chosen file name under dir; an empty name keeps the server default
func outputPath(dir, name string) (string, error) {
	if name == "" {
		return "", nil
	}
	if !validName(name) {
		return "", errors.Wrapf(errBadFileName, "'%s'", name)
	}
	return filepath.Join(dir, name), nil
}

type startRequest struct {
	Source      string `json:"source" binding:"required"`
	Mode        string `json:"mode"`
	MaxFrames   int    `json:"max_frames"`
	ResultsPath string `json:"results_path"`
	VideoPath   string `json:"video_path"`
}

type saveRequest struct {
	Destination string `json:"destination"`
}

func errorJSON(ctx *gin.Context, code int, err error) {
	ctx.JSON(code, gin.H{"error": err.Error()})
}

func (s *Server) SetRouter() *gin.Engine {
	r := gin.Default()

	//serve html pages to client
	if s.staticFiles != "" {
		r.Static("/client", s.staticFiles)
	}

	apiRoutes := r.Group("/api")

	apiRoutes.POST("/sessions", s.startSession)
	apiRoutes.GET("/sessions", func(ctx *gin.Context) {
		views := make([]SessionView, 0)
		for _, e := range s.sessions.list() {
			views = append(views, e.view())
		}
		ctx.JSON(http.StatusOK, views)
	})
	apiRoutes.GET("/sessions/:id", s.withSession(func(ctx *gin.Context, e *sessionEntry) {
		ctx.JSON(http.StatusOK, e.view())
	}))
	apiRoutes.POST("/sessions/:id/stop", s.withSession(func(ctx *gin.Context, e *sessionEntry) {
		e.sess.Stop()
		log.WithField("session", e.id).Info("api/stop: stop requested")
		ctx.JSON(http.StatusAccepted, e.view())
	}))
	apiRoutes.POST("/sessions/:id/save", s.withSession(s.saveSession))
	apiRoutes.GET("/sessions/:id/live", s.withSession(streamSession))

	apiRoutes.GET("/ResultsNames", func(ctx *gin.Context) {
		if names, err := utils.ListDir(s.resultsDir); err != nil {
			if os.IsNotExist(errors.Cause(err)) {
				ctx.JSON(http.StatusOK, []string{})
				return
			}
			ctx.Status(http.StatusInternalServerError)
		} else {
			//staged flushes are dot files
			visible := make([]string, 0, len(names))
			for _, n := range names {
				if !strings.HasPrefix(n, ".") {
					visible = append(visible, n)
				}
			}
			ctx.JSON(http.StatusOK, visible)
		}
	})

	apiRoutes.GET("/Results", func(ctx *gin.Context) {
		name := ctx.Query("name")
		if !validName(name) {
			ctx.Status(http.StatusNotAcceptable) //missing or invalid url parameter
			return
		}

		resultsPath := filepath.Join(s.resultsDir, name)
		if _, err := os.Stat(resultsPath); err != nil {
			if os.IsNotExist(err) {
				ctx.Status(http.StatusNotFound)
			} else {
				ctx.Status(http.StatusInternalServerError)
			}
			return
		}

		if strings.EqualFold(filepath.Ext(name), ".csv") {
			ctx.Header("Content-Type", "text/csv")
		}
		ctx.FileAttachment(resultsPath, name)
	})

	return r
}

//Shutdown stops every running session and waits, up to ctx, for their final flush
func (s *Server) Shutdown(ctx context.Context) error {
	return s.sessions.stopAll(ctx)
}

func (s *Server) withSession(h func(*gin.Context, *sessionEntry)) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		e, ok := s.sessions.get(ctx.Param("id"))
		if !ok {
			ctx.Status(http.StatusNotFound)
			return
		}
		h(ctx, e)
	}
}

func (s *Server) startSession(ctx *gin.Context) {
	var req startRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		errorJSON(ctx, http.StatusBadRequest, err)
		return
	}

	mode, ok := pipeline.ParseMode(req.Mode)
	if !ok {
		errorJSON(ctx, http.StatusBadRequest, errors.Errorf("unknown mode '%s'", req.Mode))
		return
	}
	if req.MaxFrames < 0 {
		errorJSON(ctx, http.StatusBadRequest, errors.New("max_frames must not be negative"))
		return
	}
	resultsPath, err := outputPath(s.resultsDir, req.ResultsPath)
	if err != nil {
		errorJSON(ctx, http.StatusNotAcceptable, err)
		return
	}
	videoPath, err := outputPath(s.videosDir, req.VideoPath)
	if err != nil {
		errorJSON(ctx, http.StatusNotAcceptable, err)
		return
	}

	sess, cleanup, err := s.starter.Build(pipeline.Request{
		Source:      req.Source,
		Mode:        mode,
		MaxFrames:   req.MaxFrames,
		ResultsPath: resultsPath,
		VideoPath:   videoPath,
	})
	if err != nil {
		log.Errorf("api/sessions: could not start session for '%s', got '%v'", req.Source, err)
		var srcErr *video.SourceError
		if errors.As(err, &srcErr) {
			errorJSON(ctx, http.StatusUnprocessableEntity, err)
			return
		}
		errorJSON(ctx, http.StatusInternalServerError, err)
		return
	}

	e := s.sessions.start(req.Source, sess, cleanup)
	log.WithFields(log.Fields{"session": e.id, "source": req.Source, "mode": mode}).Info("api/sessions: session started")
	ctx.JSON(http.StatusCreated, e.view())
}

func (s *Server) saveSession(ctx *gin.Context, e *sessionEntry) {
	var req saveRequest
	if ctx.Request.ContentLength != 0 {
		if err := ctx.ShouldBindJSON(&req); err != nil {
			errorJSON(ctx, http.StatusBadRequest, err)
			return
		}
	}

	target, err := outputPath(s.resultsDir, req.Destination)
	if err != nil {
		errorJSON(ctx, http.StatusNotAcceptable, err)
		return
	}

	destination, err := e.sess.Save(target)
	if err != nil {
		var storageErr *sink.StorageError
		switch {
		case errors.Is(err, pipeline.ErrNotLive), errors.Is(err, pipeline.ErrNotRunning):
			errorJSON(ctx, http.StatusConflict, err)
		case errors.As(err, &storageErr):
			ctx.JSON(http.StatusInternalServerError, gin.H{"error": err.Error(), "destination": storageErr.Destination})
		default:
			errorJSON(ctx, http.StatusInternalServerError, err)
		}
		return
	}

	ctx.JSON(http.StatusOK, gin.H{"destination": destination, "records": e.sess.Progress().Records})
}
